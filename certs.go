package fidget

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// CertManager owns the root CA and mints per-host leaf certificates for
// TLS interception. Leaves are cached by host; concurrent requests for the
// same host share a single generation.
type CertManager struct {
	// RootCertPath and RootKeyPath locate the PEM-encoded root. When both
	// files exist EnsureRootCertificate loads them.
	RootCertPath string
	RootKeyPath  string

	// SaveRootCertificate persists a freshly generated root to the paths above.
	SaveRootCertificate bool

	// Organization names the root and appears on every leaf.
	Organization string

	// RootValidity defaults to ten years, LeafValidity to one year.
	RootValidity time.Duration
	LeafValidity time.Duration

	// Engine generates keys and certificates. Defaults to RSAEngine.
	Engine CertificateEngine

	// TrustStore installs the root into the operating system. Defaults to
	// a store for the running platform.
	TrustStore *TrustStore

	Logger  *slog.Logger
	Metrics *Metrics

	rootMu   sync.RWMutex
	rootCert *x509.Certificate
	rootKey  crypto.Signer
	rootPEM  []byte
	keyPEM   []byte

	mu    sync.RWMutex
	cache map[string]*cachedCertificate
	group singleflight.Group

	sweepMu   sync.Mutex
	sweepStop chan struct{}
	sweepDone chan struct{}
}

type cachedCertificate struct {
	cert       *tls.Certificate
	created    time.Time
	notAfter   time.Time
	lastAccess atomic.Int64
}

func (c *cachedCertificate) touch(now time.Time) {
	c.lastAccess.Store(now.UnixNano())
}

func (c *cachedCertificate) lastAccessTime() time.Time {
	return time.Unix(0, c.lastAccess.Load())
}

// CachedCertificateInfo describes one cache entry.
type CachedCertificateInfo struct {
	Host       string    `json:"host"`
	Created    time.Time `json:"created"`
	LastAccess time.Time `json:"last_access"`
	NotAfter   time.Time `json:"not_after"`
}

// NewCertManager creates a CertManager backed by the given root PEM paths.
// Call EnsureRootCertificate before issuing certificates.
func NewCertManager(rootCertPath, rootKeyPath string) *CertManager {
	return &CertManager{
		RootCertPath:        rootCertPath,
		RootKeyPath:         rootKeyPath,
		SaveRootCertificate: rootCertPath != "" && rootKeyPath != "",
		Organization:        "Fidget Proxy",
		Logger:              slog.Default(),
		cache:               make(map[string]*cachedCertificate),
	}
}

// NewCertManagerFromPEM creates a CertManager whose root is already loaded
// from PEM-encoded certificate and key.
func NewCertManagerFromPEM(certPEM, keyPEM []byte) (*CertManager, error) {
	cert, key, err := decodeRoot(certPEM, keyPEM)
	if err != nil {
		return nil, &CAInitializationError{Op: "decode", Err: err}
	}

	cm := NewCertManager("", "")
	cm.rootCert = cert
	cm.rootKey = key
	cm.rootPEM = certPEM
	cm.keyPEM = keyPEM
	return cm, nil
}

func (cm *CertManager) logger() *slog.Logger {
	if cm.Logger == nil {
		return slog.Default()
	}
	return cm.Logger
}

func (cm *CertManager) engine() CertificateEngine {
	if cm.Engine == nil {
		return RSAEngine{}
	}
	return cm.Engine
}

func (cm *CertManager) leafValidity() time.Duration {
	if cm.LeafValidity <= 0 {
		return 365 * 24 * time.Hour
	}
	return cm.LeafValidity
}

// EnsureRootCertificate makes a root available. It loads the configured
// PEM files when present and otherwise generates a new root, persisting it
// when SaveRootCertificate is set. Calling it again is a no-op.
func (cm *CertManager) EnsureRootCertificate() error {
	cm.rootMu.Lock()
	defer cm.rootMu.Unlock()

	if cm.rootCert != nil {
		return nil
	}

	if cm.RootCertPath != "" && cm.RootKeyPath != "" {
		certPEM, certErr := os.ReadFile(cm.RootCertPath)
		keyPEM, keyErr := os.ReadFile(cm.RootKeyPath)
		switch {
		case certErr == nil && keyErr == nil:
			cert, key, err := decodeRoot(certPEM, keyPEM)
			if err != nil {
				return &CAInitializationError{Op: "load", Err: err}
			}
			cm.rootCert, cm.rootKey = cert, key
			cm.rootPEM, cm.keyPEM = certPEM, keyPEM
			cm.logger().Info("loaded root certificate", "path", cm.RootCertPath, "subject", cert.Subject.CommonName)
			return nil
		case !errors.Is(certErr, os.ErrNotExist) && certErr != nil:
			return &CAInitializationError{Op: "read certificate", Err: certErr}
		case !errors.Is(keyErr, os.ErrNotExist) && keyErr != nil:
			return &CAInitializationError{Op: "read key", Err: keyErr}
		}
	}

	return cm.createRootLocked(cm.SaveRootCertificate)
}

// CreateRootCertificate replaces the root with a newly generated one and
// drops every cached leaf signed by the previous root.
func (cm *CertManager) CreateRootCertificate(persist bool) error {
	cm.rootMu.Lock()
	defer cm.rootMu.Unlock()

	if err := cm.createRootLocked(persist); err != nil {
		return err
	}

	cm.mu.Lock()
	cm.cache = make(map[string]*cachedCertificate)
	cm.mu.Unlock()
	cm.reportCacheSize(0)
	return nil
}

func (cm *CertManager) createRootLocked(persist bool) error {
	validity := cm.RootValidity
	if validity <= 0 {
		validity = 10 * 365 * 24 * time.Hour
	}
	org := cm.Organization
	if org == "" {
		org = "Fidget Proxy"
	}

	cert, key, err := cm.engine().GenerateRoot(org, validity)
	if err != nil {
		return &CAInitializationError{Op: "generate", Err: err}
	}
	certPEM, keyPEM, err := encodeRoot(cert, key)
	if err != nil {
		return &CAInitializationError{Op: "encode", Err: err}
	}

	if persist {
		if err := writeRootFiles(cm.RootCertPath, cm.RootKeyPath, certPEM, keyPEM); err != nil {
			return &CAInitializationError{Op: "persist", Err: err}
		}
	}

	cm.rootCert, cm.rootKey = cert, key
	cm.rootPEM, cm.keyPEM = certPEM, keyPEM
	cm.logger().Info("generated root certificate", "engine", cm.engine().Name(), "subject", cert.Subject.CommonName, "persisted", persist)
	return nil
}

func writeRootFiles(certPath, keyPath string, certPEM, keyPEM []byte) error {
	if certPath == "" || keyPath == "" {
		return errors.New("root certificate paths not configured")
	}
	for _, p := range []string{certPath, keyPath} {
		if dir := filepath.Dir(p); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}
		}
	}
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("write root cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("write root key: %w", err)
	}
	return nil
}

// RootCertificate returns the active root, or nil before initialization.
func (cm *CertManager) RootCertificate() *x509.Certificate {
	cm.rootMu.RLock()
	defer cm.rootMu.RUnlock()
	return cm.rootCert
}

// RootCertificatePEM returns the PEM encoding of the active root.
func (cm *CertManager) RootCertificatePEM() []byte {
	cm.rootMu.RLock()
	defer cm.rootMu.RUnlock()
	return cm.rootPEM
}

func (cm *CertManager) root() (*x509.Certificate, crypto.Signer) {
	cm.rootMu.RLock()
	defer cm.rootMu.RUnlock()
	return cm.rootCert, cm.rootKey
}

// GetCertificate returns a certificate for the SNI name in hello. It is
// suitable for use as tls.Config.GetCertificate.
func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if hello.ServerName == "" {
		return nil, &CertificateGenerationError{Err: errors.New("no SNI provided")}
	}
	return cm.CreateCertificate(hello.ServerName)
}

// CreateCertificate returns a leaf for host signed by the root. A cached,
// unexpired leaf is returned as-is. Concurrent callers for the same host
// wait on one generation and receive the same certificate.
func (cm *CertManager) CreateCertificate(host string) (*tls.Certificate, error) {
	host = normalizeCertHost(host)
	if host == "" {
		return nil, &CertificateGenerationError{Err: errors.New("empty host")}
	}

	if cert := cm.lookup(host); cert != nil {
		if cm.Metrics != nil {
			cm.Metrics.RecordCertCacheHit()
		}
		return cert, nil
	}
	if cm.Metrics != nil {
		cm.Metrics.RecordCertCacheMiss()
	}

	v, err, _ := cm.group.Do(host, func() (any, error) {
		// Another caller may have finished between the lookup and Do.
		if cert := cm.lookup(host); cert != nil {
			return cert, nil
		}
		cert, err := cm.generate(host)
		if err != nil && cm.Metrics != nil {
			// Counted once here; every waiter shares the error.
			cm.Metrics.RecordCertGenerationError()
		}
		return cert, err
	})
	if err != nil {
		return nil, &CertificateGenerationError{Host: host, Err: err}
	}
	return v.(*tls.Certificate), nil
}

func (cm *CertManager) generate(host string) (*tls.Certificate, error) {
	rootCert, rootKey := cm.root()
	if rootCert == nil {
		return nil, ErrNoRootCertificate
	}

	start := time.Now()
	cert, err := cm.engine().GenerateLeaf(host, rootCert, rootKey, cm.leafValidity())
	if err != nil {
		return nil, err
	}

	// A root replaced mid-generation leaves this leaf uncached.
	if current, _ := cm.root(); current != rootCert {
		return cert, nil
	}

	now := time.Now()
	entry := &cachedCertificate{cert: cert, created: now, notAfter: cert.Leaf.NotAfter}
	entry.touch(now)

	cm.mu.Lock()
	if cm.cache == nil {
		cm.cache = make(map[string]*cachedCertificate)
	}
	cm.cache[host] = entry
	size := len(cm.cache)
	cm.mu.Unlock()

	if cm.Metrics != nil {
		cm.Metrics.RecordCertGeneration(time.Since(start))
	}
	cm.reportCacheSize(size)
	cm.logger().Debug("generated certificate", "host", host, "engine", cm.engine().Name(), "duration", time.Since(start))
	return cert, nil
}

func (cm *CertManager) lookup(host string) *tls.Certificate {
	cm.mu.RLock()
	entry, ok := cm.cache[host]
	cm.mu.RUnlock()
	if !ok {
		return nil
	}

	now := time.Now()
	if !now.Before(entry.notAfter) {
		return nil
	}
	entry.touch(now)
	return entry.cert
}

// CacheSize returns the number of cached leaf certificates.
func (cm *CertManager) CacheSize() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.cache)
}

// CachedHosts returns a snapshot of the cache sorted by host.
func (cm *CertManager) CachedHosts() []CachedCertificateInfo {
	cm.mu.RLock()
	out := make([]CachedCertificateInfo, 0, len(cm.cache))
	for host, e := range cm.cache {
		out = append(out, CachedCertificateInfo{
			Host:       host,
			Created:    e.created,
			LastAccess: e.lastAccessTime(),
			NotAfter:   e.notAfter,
		})
	}
	cm.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// EvictCertificate removes host from the cache and reports whether it was
// present.
func (cm *CertManager) EvictCertificate(host string) bool {
	host = normalizeCertHost(host)
	cm.mu.Lock()
	_, ok := cm.cache[host]
	delete(cm.cache, host)
	size := len(cm.cache)
	cm.mu.Unlock()
	cm.reportCacheSize(size)
	return ok
}

// ClearIdleCertificates starts a background sweep that runs every
// interval and evicts leaves not used for idleThreshold. Calling it again
// restarts the sweep with the new settings.
func (cm *CertManager) ClearIdleCertificates(interval, idleThreshold time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	cm.StopClearIdleCertificates()

	cm.sweepMu.Lock()
	defer cm.sweepMu.Unlock()

	stop := make(chan struct{})
	done := make(chan struct{})
	cm.sweepStop, cm.sweepDone = stop, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				if n := cm.sweepIdle(now, idleThreshold); n > 0 {
					cm.logger().Debug("evicted idle certificates", "count", n)
				}
			}
		}
	}()
}

// StopClearIdleCertificates stops the sweep started by
// ClearIdleCertificates and waits for it to exit.
func (cm *CertManager) StopClearIdleCertificates() {
	cm.sweepMu.Lock()
	stop, done := cm.sweepStop, cm.sweepDone
	cm.sweepStop, cm.sweepDone = nil, nil
	cm.sweepMu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// sweepIdle evicts entries idle longer than idleThreshold or already
// expired. Generations still in flight are not in the map and are never
// touched.
func (cm *CertManager) sweepIdle(now time.Time, idleThreshold time.Duration) int {
	cm.mu.Lock()
	removed := 0
	for host, e := range cm.cache {
		if now.Sub(e.lastAccessTime()) > idleThreshold || !now.Before(e.notAfter) {
			delete(cm.cache, host)
			removed++
		}
	}
	size := len(cm.cache)
	cm.mu.Unlock()

	if removed > 0 {
		cm.reportCacheSize(size)
	}
	return removed
}

func (cm *CertManager) reportCacheSize(size int) {
	if cm.Metrics != nil {
		cm.Metrics.SetCertCacheSize(size)
	}
}

// TrustRootCertificate installs the root into the operating system trust
// store. asAdmin targets the machine-wide store, which usually requires
// elevated privileges.
func (cm *CertManager) TrustRootCertificate(asAdmin bool) error {
	cert := cm.RootCertificate()
	if cert == nil {
		return ErrNoRootCertificate
	}
	return cm.trustStore().Install(cert, cm.RootCertificatePEM(), asAdmin)
}

// RemoveTrustedRootCertificate removes the root from the operating system
// trust store.
func (cm *CertManager) RemoveTrustedRootCertificate(asAdmin bool) error {
	cert := cm.RootCertificate()
	if cert == nil {
		return ErrNoRootCertificate
	}
	return cm.trustStore().Remove(cert, cm.RootCertificatePEM(), asAdmin)
}

func (cm *CertManager) trustStore() *TrustStore {
	if cm.TrustStore != nil {
		return cm.TrustStore
	}
	ts := NewTrustStore()
	ts.Logger = cm.logger()
	return ts
}

// normalizeCertHost lower-cases host and strips any port and IPv6 brackets.
func normalizeCertHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return strings.ToLower(strings.TrimSuffix(host, "."))
}
