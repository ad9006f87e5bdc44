package fidget

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestCertManager returns an in-memory manager with an ECDSA root.
func newTestCertManager(t *testing.T) *CertManager {
	t.Helper()
	cm := NewCertManager("", "")
	cm.Engine = ECDSAEngine{}
	cm.Logger = discardLogger()
	if err := cm.EnsureRootCertificate(); err != nil {
		t.Fatalf("EnsureRootCertificate: %v", err)
	}
	return cm
}

// countingEngine counts leaf generations and can be slowed down to widen
// race windows.
type countingEngine struct {
	ECDSAEngine
	leaves atomic.Int32
	delay  time.Duration
	err    error
}

func (e *countingEngine) GenerateLeaf(host string, root *x509.Certificate, rootKey crypto.Signer, validity time.Duration) (*tls.Certificate, error) {
	e.leaves.Add(1)
	time.Sleep(e.delay)
	if e.err != nil {
		return nil, e.err
	}
	return e.ECDSAEngine.GenerateLeaf(host, root, rootKey, validity)
}

func TestGenerateCA(t *testing.T) {
	certPEM, keyPEM, err := GenerateCA("Test Org", 1)
	if err != nil {
		t.Fatalf("GenerateCA failed: %v", err)
	}

	cm, err := NewCertManagerFromPEM(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("NewCertManagerFromPEM failed: %v", err)
	}

	root := cm.RootCertificate()
	if root == nil {
		t.Fatal("root is nil")
	}
	if !root.IsCA {
		t.Error("certificate is not marked as CA")
	}
	if root.Subject.Organization[0] != "Test Org" {
		t.Errorf("unexpected organization: %v", root.Subject.Organization)
	}
	if string(cm.RootCertificatePEM()) != string(certPEM) {
		t.Error("RootCertificatePEM does not return the loaded PEM")
	}
}

func TestNewCertManagerFromPEMInvalid(t *testing.T) {
	leafCert, leafKey := issueTestPEM(t, "leaf.example.com", time.Hour)

	tests := []struct {
		name    string
		cert    []byte
		key     []byte
		wantErr bool
	}{
		{"garbage cert", []byte("not a cert"), []byte("not a key"), true},
		{"not a CA", leafCert, leafKey, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCertManagerFromPEM(tt.cert, tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			var caErr *CAInitializationError
			if err != nil && !errors.As(err, &caErr) {
				t.Errorf("error %T is not a CAInitializationError", err)
			}
		})
	}
}

func TestCertManagerCreateCertificate(t *testing.T) {
	cm := newTestCertManager(t)

	pool := x509.NewCertPool()
	pool.AddCert(cm.RootCertificate())

	tests := []struct {
		name   string
		host   string
		verify string
	}{
		{"simple domain", "example.com", "example.com"},
		{"subdomain", "sub.example.com", "sub.example.com"},
		{"with port", "example.org:443", "example.org"},
		{"upper case", "EXAMPLE.NET", "example.net"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"ipv6", "[::1]:8443", "::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert, err := cm.CreateCertificate(tt.host)
			if err != nil {
				t.Fatalf("CreateCertificate(%q): %v", tt.host, err)
			}
			if cert.Leaf == nil {
				t.Fatal("leaf not populated")
			}
			if _, err := cert.Leaf.Verify(x509.VerifyOptions{
				DNSName:   tt.verify,
				Roots:     pool,
				KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
			}); err != nil {
				t.Errorf("leaf does not verify against root: %v", err)
			}
			if len(cert.Certificate) != 2 {
				t.Errorf("chain length = %d, want leaf and root", len(cert.Certificate))
			}
		})
	}
}

func TestCertManagerEmptyHost(t *testing.T) {
	cm := newTestCertManager(t)
	_, err := cm.CreateCertificate("  ")
	var genErr *CertificateGenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("err = %v, want CertificateGenerationError", err)
	}
}

func TestCertManagerNoRoot(t *testing.T) {
	cm := NewCertManager("", "")
	cm.Logger = discardLogger()
	if _, err := cm.CreateCertificate("example.com"); !errors.Is(err, ErrNoRootCertificate) {
		t.Fatalf("err = %v, want ErrNoRootCertificate", err)
	}
	if cm.RootCertificatePEM() != nil {
		t.Error("RootCertificatePEM should be nil before initialization")
	}
}

func TestCertManagerCaching(t *testing.T) {
	cm := newTestCertManager(t)

	cert1, err := cm.CreateCertificate("example.com")
	if err != nil {
		t.Fatal(err)
	}
	cert2, err := cm.CreateCertificate("EXAMPLE.com:443")
	if err != nil {
		t.Fatal(err)
	}
	if cert1 != cert2 {
		t.Error("expected cached certificate for the normalized host")
	}
	if cm.CacheSize() != 1 {
		t.Errorf("CacheSize() = %d, want 1", cm.CacheSize())
	}
}

func TestCertManagerConcurrentGeneration(t *testing.T) {
	engine := &countingEngine{delay: 50 * time.Millisecond}
	cm := NewCertManager("", "")
	cm.Engine = engine
	cm.Logger = discardLogger()
	if err := cm.EnsureRootCertificate(); err != nil {
		t.Fatal(err)
	}

	const callers = 16
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		certs = make(map[*tls.Certificate]struct{})
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cert, err := cm.CreateCertificate("busy.example.com")
			if err != nil {
				t.Errorf("CreateCertificate: %v", err)
				return
			}
			mu.Lock()
			certs[cert] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if n := engine.leaves.Load(); n != 1 {
		t.Errorf("generated %d leaves, want 1", n)
	}
	if len(certs) != 1 {
		t.Errorf("callers received %d distinct certificates, want 1", len(certs))
	}
}

func TestCertManagerConcurrentGenerationFailure(t *testing.T) {
	engine := &countingEngine{delay: 50 * time.Millisecond, err: errors.New("signer offline")}
	cm := NewCertManager("", "")
	cm.Engine = engine
	cm.Logger = discardLogger()
	cm.Metrics = NewMetrics()
	if err := cm.EnsureRootCertificate(); err != nil {
		t.Fatal(err)
	}

	const callers = 16
	var (
		wg     sync.WaitGroup
		failed atomic.Int32
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cm.CreateCertificate("broken.example.com")
			var ge *CertificateGenerationError
			if errors.As(err, &ge) && ge.Host == "broken.example.com" {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := failed.Load(); n != callers {
		t.Errorf("%d callers saw the generation error, want %d", n, callers)
	}
	if n := engine.leaves.Load(); n != 1 {
		t.Fatalf("generated %d leaves, want one shared attempt", n)
	}

	rec := httptest.NewRecorder()
	cm.Metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if body := rec.Body.String(); !strings.Contains(body, "fidget_cert_generation_errors_total 1\n") {
		t.Errorf("one failed generation not counted once:\n%s", grepLines(body, "fidget_cert_generation_errors_total"))
	}
}

// grepLines returns the lines of s containing substr.
func grepLines(s, substr string) string {
	var out []string
	for line := range strings.Lines(s) {
		if strings.Contains(line, substr) {
			out = append(out, line)
		}
	}
	return strings.Join(out, "")
}

func TestCertManagerGetCertificate(t *testing.T) {
	cm := newTestCertManager(t)

	cert, err := cm.GetCertificate(&tls.ClientHelloInfo{ServerName: "test.example.com"})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if cert.Leaf.Subject.CommonName != "test.example.com" {
		t.Errorf("CN = %q", cert.Leaf.Subject.CommonName)
	}

	if _, err := cm.GetCertificate(&tls.ClientHelloInfo{}); err == nil {
		t.Error("expected error without SNI")
	}
}

func TestCertManagerEvict(t *testing.T) {
	cm := newTestCertManager(t)
	cm.Metrics = NewMetrics()
	_, _ = cm.CreateCertificate("a.example.com")

	if !cm.EvictCertificate("A.example.com:443") {
		t.Error("EvictCertificate should normalize the host")
	}
	if cm.EvictCertificate("a.example.com") {
		t.Error("second eviction reported success")
	}
	if cm.CacheSize() != 0 {
		t.Errorf("CacheSize() = %d", cm.CacheSize())
	}
}

func TestCertManagerSweepIdle(t *testing.T) {
	cm := newTestCertManager(t)
	for _, h := range []string{"old.example.com", "fresh.example.com"} {
		if _, err := cm.CreateCertificate(h); err != nil {
			t.Fatal(err)
		}
	}

	now := time.Now()
	cm.mu.RLock()
	cm.cache["old.example.com"].touch(now.Add(-30 * time.Minute))
	cm.mu.RUnlock()

	if n := cm.sweepIdle(now, 20*time.Minute); n != 1 {
		t.Fatalf("sweepIdle removed %d, want 1", n)
	}
	hosts := cm.CachedHosts()
	if len(hosts) != 1 || hosts[0].Host != "fresh.example.com" {
		t.Errorf("remaining = %+v", hosts)
	}

	if n := cm.sweepIdle(now.Add(2*365*24*time.Hour), 100*365*24*time.Hour); n != 1 {
		t.Errorf("expired leaf not swept, removed %d", n)
	}
}

func TestCertManagerClearIdleCertificates(t *testing.T) {
	cm := newTestCertManager(t)
	if _, err := cm.CreateCertificate("idle.example.com"); err != nil {
		t.Fatal(err)
	}

	cm.ClearIdleCertificates(10*time.Millisecond, time.Nanosecond)
	defer cm.StopClearIdleCertificates()

	deadline := time.Now().Add(2 * time.Second)
	for cm.CacheSize() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle certificate not swept")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cm.StopClearIdleCertificates()
	cm.StopClearIdleCertificates()
}

func TestCertManagerPersistence(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca", "root.crt")
	keyPath := filepath.Join(dir, "ca", "root.key")

	cm := NewCertManager(certPath, keyPath)
	cm.Engine = ECDSAEngine{}
	cm.Logger = discardLogger()
	if err := cm.EnsureRootCertificate(); err != nil {
		t.Fatalf("EnsureRootCertificate: %v", err)
	}
	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("key not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key mode = %v, want 0600", info.Mode().Perm())
	}

	reloaded := NewCertManager(certPath, keyPath)
	reloaded.Logger = discardLogger()
	if err := reloaded.EnsureRootCertificate(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.RootCertificate().Equal(cm.RootCertificate()) {
		t.Error("reloaded root differs from persisted root")
	}
	if _, ok := reloaded.rootKey.(*ecdsa.PrivateKey); !ok {
		t.Errorf("reloaded key type %T", reloaded.rootKey)
	}
}

func TestCertManagerCorruptRoot(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "root.crt")
	keyPath := filepath.Join(dir, "root.key")
	_ = os.WriteFile(certPath, []byte("junk"), 0644)
	_ = os.WriteFile(keyPath, []byte("junk"), 0600)

	cm := NewCertManager(certPath, keyPath)
	cm.Logger = discardLogger()
	var caErr *CAInitializationError
	if err := cm.EnsureRootCertificate(); !errors.As(err, &caErr) || caErr.Op != "load" {
		t.Fatalf("err = %v, want load CAInitializationError", err)
	}
}

func TestCreateRootCertificateDropsCache(t *testing.T) {
	cm := newTestCertManager(t)
	old := cm.RootCertificate()
	_, _ = cm.CreateCertificate("example.com")

	if err := cm.CreateRootCertificate(false); err != nil {
		t.Fatal(err)
	}
	if cm.RootCertificate().Equal(old) {
		t.Error("root not replaced")
	}
	if cm.CacheSize() != 0 {
		t.Error("leaves signed by the previous root survived")
	}
}

func TestEngines(t *testing.T) {
	tests := []struct {
		name    string
		engine  CertificateEngine
		keyType string
	}{
		{"rsa", RSAEngine{RootBits: 2048, LeafBits: 1024}, "rsa"},
		{"ecdsa", ECDSAEngine{}, "ecdsa"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root, key, err := tt.engine.GenerateRoot("Engine Test", time.Hour)
			if err != nil {
				t.Fatalf("GenerateRoot: %v", err)
			}
			leaf, err := tt.engine.GenerateLeaf("engine.example.com", root, key, 24*time.Hour)
			if err != nil {
				t.Fatalf("GenerateLeaf: %v", err)
			}
			if !leaf.Leaf.NotAfter.Equal(root.NotAfter) {
				t.Error("leaf validity not clamped to the root")
			}
			if err := leaf.Leaf.CheckSignatureFrom(root); err != nil {
				t.Errorf("leaf not signed by root: %v", err)
			}
			switch leaf.PrivateKey.(type) {
			case *rsa.PrivateKey:
				if tt.keyType != "rsa" {
					t.Errorf("got RSA key from %s engine", tt.name)
				}
			case *ecdsa.PrivateKey:
				if tt.keyType != "ecdsa" {
					t.Errorf("got ECDSA key from %s engine", tt.name)
				}
			}
		})
	}
}

func TestEngineByName(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"", "rsa", false},
		{"RSA", "rsa", false},
		{"ecdsa", "ecdsa", false},
		{"fast", "ecdsa", false},
		{"dsa", "", true},
	}
	for _, tt := range tests {
		e, err := EngineByName(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("EngineByName(%q) err = %v", tt.name, err)
			continue
		}
		if err == nil && e.Name() != tt.want {
			t.Errorf("EngineByName(%q) = %s, want %s", tt.name, e.Name(), tt.want)
		}
	}
}
