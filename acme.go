package fidget

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/challenge/tlsalpn01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

// ACME directory URLs for ACMEConfig.CA.
const (
	LetsEncryptProduction = lego.LEDirectoryProduction
	LetsEncryptStaging    = lego.LEDirectoryStaging
)

// ACMEConfig configures certificates for reverse endpoints that must
// present publicly trusted certificates instead of minted leaves.
//
// Account data and certificates are kept under StoragePath:
//
//	<StoragePath>/
//	├── account.json
//	└── certificates/<domain>/
//	    ├── certificate.pem
//	    ├── private_key.pem
//	    └── issuer.pem
type ACMEConfig struct {
	// Email registered with the ACME account. Required.
	Email string `mapstructure:"email"`

	// CA is the ACME directory URL. Defaults to LetsEncryptProduction.
	CA string `mapstructure:"ca"`

	// KeyType is one of ec256 (default), ec384, rsa2048, rsa4096, rsa8192.
	KeyType string `mapstructure:"key_type"`

	// StoragePath defaults to "./acme".
	StoragePath string `mapstructure:"storage_path"`

	// HTTPPort serves HTTP-01 challenges. 0 disables the solver.
	HTTPPort int `mapstructure:"http_port"`

	// TLSPort serves TLS-ALPN-01 challenges. 0 disables the solver.
	TLSPort int `mapstructure:"tls_port"`

	// RenewBefore is how long before expiry a certificate is renewed.
	RenewBefore time.Duration `mapstructure:"renew_before"`

	// Domains that certificates are obtained for, one certificate each.
	Domains []string `mapstructure:"domains"`

	// AcceptTOS must be true.
	AcceptTOS bool `mapstructure:"accept_tos"`

	// External account binding, for CAs that require it.
	EABKeyID  string `mapstructure:"eab_key_id"`
	EABMACKey string `mapstructure:"eab_mac_key"`
}

// DefaultACMEConfig returns the defaults. Email, Domains and AcceptTOS
// still need to be set.
func DefaultACMEConfig() ACMEConfig {
	return ACMEConfig{
		CA:          LetsEncryptProduction,
		KeyType:     "ec256",
		StoragePath: "./acme",
		HTTPPort:    80,
		TLSPort:     443,
		RenewBefore: 30 * 24 * time.Hour,
	}
}

// acmeUser implements registration.User.
type acmeUser struct {
	Email        string                 `json:"email"`
	Registration *registration.Resource `json:"registration"`
	KeyPEM       []byte                 `json:"key_pem"`
	key          crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string                        { return u.Email }
func (u *acmeUser) GetRegistration() *registration.Resource { return u.Registration }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

// ACMECertificateSource is a CertificateSource backed by an ACME CA. Set
// it on a reverse or transparent endpoint so the decrypted client-side
// handshake presents a publicly trusted certificate for the configured
// domains.
//
// Call Initialize before use. Certificates found on disk are served
// immediately; missing ones are obtained on first handshake or by
// ObtainCertificates.
type ACMECertificateSource struct {
	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// OnObtained is called after a certificate is obtained or renewed.
	OnObtained func(domain string)

	// OnError is called when obtaining a certificate fails.
	OnError func(domain string, err error)

	config ACMEConfig
	user   *acmeUser

	// obtain requests a certificate from the CA. Set by Initialize.
	obtain func(domain string) (*certificate.Resource, error)

	mu    sync.RWMutex
	certs map[string]*tls.Certificate
	group singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewACMECertificateSource validates cfg and creates its storage
// directory. It does not contact the CA.
func NewACMECertificateSource(cfg ACMEConfig) (*ACMECertificateSource, error) {
	if cfg.Email == "" {
		return nil, errors.New("acme: email is required")
	}
	if len(cfg.Domains) == 0 {
		return nil, errors.New("acme: at least one domain is required")
	}
	if !cfg.AcceptTOS {
		return nil, errors.New("acme: must accept Terms of Service (set accept_tos: true)")
	}

	def := DefaultACMEConfig()
	if cfg.CA == "" {
		cfg.CA = def.CA
	}
	if cfg.KeyType == "" {
		cfg.KeyType = def.KeyType
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = def.StoragePath
	}
	if cfg.RenewBefore == 0 {
		cfg.RenewBefore = def.RenewBefore
	}
	for i, d := range cfg.Domains {
		cfg.Domains[i] = normalizeCertHost(d)
	}

	if err := os.MkdirAll(cfg.StoragePath, 0o700); err != nil {
		return nil, fmt.Errorf("acme: create storage directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ACMECertificateSource{
		Logger: slog.Default(),
		config: cfg,
		certs:  make(map[string]*tls.Certificate),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (a *ACMECertificateSource) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

// Domains returns the configured domains.
func (a *ACMECertificateSource) Domains() []string {
	return slices.Clone(a.config.Domains)
}

// Initialize loads or registers the ACME account, sets up the challenge
// solvers and loads stored certificates.
func (a *ACMECertificateSource) Initialize(ctx context.Context) error {
	user, err := a.loadOrCreateUser()
	if err != nil {
		return fmt.Errorf("acme: load account: %w", err)
	}
	a.user = user

	legoCfg := lego.NewConfig(user)
	legoCfg.CADirURL = a.config.CA
	legoCfg.Certificate.KeyType = parseACMEKeyType(a.config.KeyType)

	client, err := lego.NewClient(legoCfg)
	if err != nil {
		return fmt.Errorf("acme: create client: %w", err)
	}

	if a.config.HTTPPort > 0 {
		p := http01.NewProviderServer("", strconv.Itoa(a.config.HTTPPort))
		if err := client.Challenge.SetHTTP01Provider(p); err != nil {
			return fmt.Errorf("acme: set HTTP-01 provider: %w", err)
		}
	}
	if a.config.TLSPort > 0 {
		p := tlsalpn01.NewProviderServer("", strconv.Itoa(a.config.TLSPort))
		if err := client.Challenge.SetTLSALPN01Provider(p); err != nil {
			return fmt.Errorf("acme: set TLS-ALPN-01 provider: %w", err)
		}
	}

	if user.Registration == nil {
		a.logger().Info("registering acme account", "email", user.Email, "ca", a.config.CA)
		var reg *registration.Resource
		if a.config.EABKeyID != "" && a.config.EABMACKey != "" {
			reg, err = client.Registration.RegisterWithExternalAccountBinding(registration.RegisterEABOptions{
				TermsOfServiceAgreed: true,
				Kid:                  a.config.EABKeyID,
				HmacEncoded:          a.config.EABMACKey,
			})
		} else {
			reg, err = client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		}
		if err != nil {
			return fmt.Errorf("acme: register account: %w", err)
		}
		user.Registration = reg
		if err := a.saveUser(user); err != nil {
			return fmt.Errorf("acme: save account: %w", err)
		}
	}

	a.obtain = func(domain string) (*certificate.Resource, error) {
		return client.Certificate.Obtain(certificate.ObtainRequest{Domains: []string{domain}, Bundle: true})
	}

	if err := a.loadCertificates(); err != nil {
		a.logger().Warn("load stored certificates", "error", err)
	}
	return nil
}

// ObtainCertificates obtains a certificate for every configured domain
// that has none or is due for renewal. Every domain is attempted.
func (a *ACMECertificateSource) ObtainCertificates(ctx context.Context) error {
	var errs error
	for _, domain := range a.config.Domains {
		if ctx.Err() != nil {
			return multierr.Append(errs, ctx.Err())
		}
		if !a.needsRenewal(domain) {
			continue
		}
		if _, err := a.obtainShared(domain, true); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("acme: obtain certificate for %s: %w", domain, err))
		}
	}
	return errs
}

// GetCertificate implements CertificateSource. Hosts outside the
// configured domains are refused.
func (a *ACMECertificateSource) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := normalizeCertHost(hello.ServerName)
	if host == "" {
		return nil, errors.New("acme: no SNI provided")
	}
	if cert := a.cached(host); cert != nil {
		return cert, nil
	}
	if !slices.Contains(a.config.Domains, host) {
		return nil, fmt.Errorf("acme: no certificate for host %s", host)
	}
	return a.obtainShared(host, false)
}

func (a *ACMECertificateSource) cached(domain string) *tls.Certificate {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.certs[domain]
}

// obtainShared collapses concurrent obtains for one domain into one
// request to the CA. Unless renew is set a certificate cached meanwhile
// is returned as is.
func (a *ACMECertificateSource) obtainShared(domain string, renew bool) (*tls.Certificate, error) {
	v, err, _ := a.group.Do(domain, func() (any, error) {
		if cert := a.cached(domain); cert != nil && !renew {
			return cert, nil
		}
		return a.obtainCertificate(domain)
	})
	if err != nil {
		if a.OnError != nil {
			a.OnError(domain, err)
		}
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

func (a *ACMECertificateSource) obtainCertificate(domain string) (*tls.Certificate, error) {
	if a.obtain == nil {
		return nil, errors.New("acme: not initialized")
	}
	a.logger().Info("obtaining certificate", "domain", domain)

	res, err := a.obtain(domain)
	if err != nil {
		return nil, fmt.Errorf("obtain: %w", err)
	}
	cert, err := tls.X509KeyPair(res.Certificate, res.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	a.mu.Lock()
	a.certs[domain] = &cert
	a.mu.Unlock()

	if err := a.saveCertificate(domain, res); err != nil {
		a.logger().Warn("save certificate", "domain", domain, "error", err)
	}
	if a.OnObtained != nil {
		a.OnObtained(domain)
	}
	a.logger().Info("certificate obtained", "domain", domain)
	return &cert, nil
}

func (a *ACMECertificateSource) needsRenewal(domain string) bool {
	cert := a.cached(domain)
	if cert == nil {
		return true
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return true
	}
	return time.Until(leaf.NotAfter) <= a.config.RenewBefore
}

// StartAutoRenewal checks every interval for certificates inside the
// renewal window. A zero interval means 12 hours.
func (a *ACMECertificateSource) StartAutoRenewal(interval time.Duration) {
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-a.ctx.Done():
				return
			case <-ticker.C:
				if err := a.ObtainCertificates(a.ctx); err != nil {
					a.logger().Error("renew certificates", "error", err)
				}
			}
		}
	}()
}

// Close stops renewal. It is safe to call more than once.
func (a *ACMECertificateSource) Close() error {
	a.cancel()
	a.wg.Wait()
	return nil
}

// CacheSize returns the number of certificates held in memory.
func (a *ACMECertificateSource) CacheSize() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.certs)
}

func parseACMEKeyType(s string) certcrypto.KeyType {
	switch strings.ToLower(s) {
	case "ec384":
		return certcrypto.EC384
	case "rsa2048":
		return certcrypto.RSA2048
	case "rsa4096":
		return certcrypto.RSA4096
	case "rsa8192":
		return certcrypto.RSA8192
	default:
		return certcrypto.EC256
	}
}

func (a *ACMECertificateSource) userPath() string {
	return filepath.Join(a.config.StoragePath, "account.json")
}

func (a *ACMECertificateSource) certDir(domain string) string {
	return filepath.Join(a.config.StoragePath, "certificates", domain)
}

func (a *ACMECertificateSource) loadOrCreateUser() (*acmeUser, error) {
	data, err := os.ReadFile(a.userPath())
	if err == nil {
		var user acmeUser
		if err := json.Unmarshal(data, &user); err != nil {
			return nil, fmt.Errorf("parse account: %w", err)
		}
		block, _ := pem.Decode(user.KeyPEM)
		if block == nil {
			return nil, errors.New("account has no private key")
		}
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse account key: %w", err)
		}
		user.key = key
		return &user, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal account key: %w", err)
	}
	return &acmeUser{
		Email:  a.config.Email,
		KeyPEM: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}),
		key:    key,
	}, nil
}

func (a *ACMECertificateSource) saveUser(user *acmeUser) error {
	data, err := json.MarshalIndent(user, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}
	return os.WriteFile(a.userPath(), data, 0o600)
}

// loadCertificates reads unexpired certificates for configured domains
// from disk.
func (a *ACMECertificateSource) loadCertificates() error {
	var errs error
	for _, domain := range a.config.Domains {
		dir := a.certDir(domain)
		certPEM, err := os.ReadFile(filepath.Join(dir, "certificate.pem"))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		keyPEM, err := os.ReadFile(filepath.Join(dir, "private_key.pem"))
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", domain, err))
			continue
		}
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", domain, err))
			continue
		}
		if time.Now().After(leaf.NotAfter) {
			a.logger().Warn("stored certificate expired", "domain", domain, "expired", leaf.NotAfter)
			continue
		}
		cert.Leaf = leaf

		a.mu.Lock()
		a.certs[domain] = &cert
		a.mu.Unlock()
		a.logger().Debug("loaded certificate", "domain", domain, "expires", leaf.NotAfter)
	}
	return errs
}

func (a *ACMECertificateSource) saveCertificate(domain string, res *certificate.Resource) error {
	dir := a.certDir(domain)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create certificate directory: %w", err)
	}
	files := map[string][]byte{
		"certificate.pem": res.Certificate,
		"private_key.pem": res.PrivateKey,
		"issuer.pem":      res.IssuerCertificate,
	}
	for name, data := range files {
		if len(data) == 0 {
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}
