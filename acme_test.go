package fidget

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-acme/lego/v4/certificate"
)

func testACMEConfig(t *testing.T) ACMEConfig {
	t.Helper()
	return ACMEConfig{
		Email:       "admin@example.com",
		Domains:     []string{"example.com"},
		AcceptTOS:   true,
		StoragePath: t.TempDir(),
	}
}

// issueTestPEM returns a PEM key pair for host signed by a throwaway root.
func issueTestPEM(t *testing.T, host string, validity time.Duration) (certPEM, keyPEM []byte) {
	t.Helper()
	root, rootKey, err := ECDSAEngine{}.GenerateRoot("ACME Test", validity)
	if err != nil {
		t.Fatalf("GenerateRoot: %v", err)
	}
	leaf, err := ECDSAEngine{}.GenerateLeaf(host, root, rootKey, validity)
	if err != nil {
		t.Fatalf("GenerateLeaf: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(leaf.PrivateKey)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leaf.Certificate[0]})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return certPEM, keyPEM
}

func TestDefaultACMEConfig(t *testing.T) {
	cfg := DefaultACMEConfig()
	if cfg.CA != LetsEncryptProduction {
		t.Errorf("CA = %q, want %q", cfg.CA, LetsEncryptProduction)
	}
	if cfg.KeyType != "ec256" {
		t.Errorf("KeyType = %q, want ec256", cfg.KeyType)
	}
	if cfg.HTTPPort != 80 || cfg.TLSPort != 443 {
		t.Errorf("ports = %d/%d, want 80/443", cfg.HTTPPort, cfg.TLSPort)
	}
	if cfg.RenewBefore != 30*24*time.Hour {
		t.Errorf("RenewBefore = %v", cfg.RenewBefore)
	}
	if cfg.AcceptTOS {
		t.Error("AcceptTOS should default to false")
	}
}

func TestNewACMECertificateSource_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ACMEConfig)
		wantErr string
	}{
		{"missing email", func(c *ACMEConfig) { c.Email = "" }, "email is required"},
		{"missing domains", func(c *ACMEConfig) { c.Domains = nil }, "at least one domain"},
		{"tos not accepted", func(c *ACMEConfig) { c.AcceptTOS = false }, "Terms of Service"},
		{"valid", func(*ACMEConfig) {}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testACMEConfig(t)
			tt.mutate(&cfg)
			src, err := NewACMECertificateSource(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				_ = src.Close()
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestNewACMECertificateSource_Defaults(t *testing.T) {
	cfg := testACMEConfig(t)
	cfg.StoragePath = filepath.Join(cfg.StoragePath, "nested", "acme")
	cfg.Domains = []string{"Example.COM."}

	src, err := NewACMECertificateSource(cfg)
	if err != nil {
		t.Fatalf("NewACMECertificateSource: %v", err)
	}
	defer func() { _ = src.Close() }()

	if info, err := os.Stat(cfg.StoragePath); err != nil || !info.IsDir() {
		t.Fatalf("storage directory not created: %v", err)
	}
	if got := src.Domains(); len(got) != 1 || got[0] != "example.com" {
		t.Errorf("Domains() = %v, want [example.com]", got)
	}
	if src.config.CA != LetsEncryptProduction {
		t.Errorf("CA = %q", src.config.CA)
	}
}

func TestParseACMEKeyType(t *testing.T) {
	tests := []struct{ in, want string }{
		{"ec256", "P256"},
		{"ec384", "P384"},
		{"RSA2048", "2048"},
		{"rsa4096", "4096"},
		{"rsa8192", "8192"},
		{"", "P256"},
		{"bogus", "P256"},
	}
	for _, tt := range tests {
		if got := string(parseACMEKeyType(tt.in)); got != tt.want {
			t.Errorf("parseACMEKeyType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestACMECertificateSource_AccountPersists(t *testing.T) {
	src, err := NewACMECertificateSource(testACMEConfig(t))
	if err != nil {
		t.Fatalf("NewACMECertificateSource: %v", err)
	}
	defer func() { _ = src.Close() }()

	user, err := src.loadOrCreateUser()
	if err != nil {
		t.Fatalf("loadOrCreateUser: %v", err)
	}
	if user.GetPrivateKey() == nil || len(user.KeyPEM) == 0 {
		t.Fatal("new account has no key")
	}
	if err := src.saveUser(user); err != nil {
		t.Fatalf("saveUser: %v", err)
	}

	again, err := src.loadOrCreateUser()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.GetEmail() != "admin@example.com" {
		t.Errorf("email = %q", again.GetEmail())
	}
	if string(again.KeyPEM) != string(user.KeyPEM) {
		t.Error("reloaded account has a different key")
	}
	if again.GetPrivateKey() == nil {
		t.Error("reloaded account key not parsed")
	}
}

func TestACMECertificateSource_LoadsStoredCertificates(t *testing.T) {
	cfg := testACMEConfig(t)
	cfg.Domains = []string{"example.com", "expired.example.com"}
	src, err := NewACMECertificateSource(cfg)
	if err != nil {
		t.Fatalf("NewACMECertificateSource: %v", err)
	}
	defer func() { _ = src.Close() }()

	certPEM, keyPEM := issueTestPEM(t, "example.com", 90*24*time.Hour)
	if err := src.saveCertificate("example.com", &certificate.Resource{Certificate: certPEM, PrivateKey: keyPEM}); err != nil {
		t.Fatalf("saveCertificate: %v", err)
	}
	oldPEM, oldKey := issueTestPEM(t, "expired.example.com", -time.Minute)
	if err := src.saveCertificate("expired.example.com", &certificate.Resource{Certificate: oldPEM, PrivateKey: oldKey}); err != nil {
		t.Fatalf("saveCertificate: %v", err)
	}

	if err := src.loadCertificates(); err != nil {
		t.Fatalf("loadCertificates: %v", err)
	}
	if got := src.CacheSize(); got != 1 {
		t.Fatalf("CacheSize() = %d, want 1", got)
	}

	cert, err := src.GetCertificate(&tls.ClientHelloInfo{ServerName: "EXAMPLE.com"})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if cert.Leaf == nil || cert.Leaf.Subject.CommonName != "example.com" {
		t.Errorf("served wrong certificate: %+v", cert.Leaf)
	}
}

func TestACMECertificateSource_GetCertificate(t *testing.T) {
	src, err := NewACMECertificateSource(testACMEConfig(t))
	if err != nil {
		t.Fatalf("NewACMECertificateSource: %v", err)
	}
	defer func() { _ = src.Close() }()

	var calls atomic.Int32
	release := make(chan struct{})
	src.obtain = func(domain string) (*certificate.Resource, error) {
		calls.Add(1)
		<-release
		certPEM, keyPEM := issueTestPEM(t, domain, 90*24*time.Hour)
		return &certificate.Resource{Domain: domain, Certificate: certPEM, PrivateKey: keyPEM}, nil
	}
	var obtained atomic.Int32
	src.OnObtained = func(string) { obtained.Add(1) }

	t.Run("no sni", func(t *testing.T) {
		if _, err := src.GetCertificate(&tls.ClientHelloInfo{}); err == nil {
			t.Error("expected error without SNI")
		}
	})

	t.Run("unconfigured host", func(t *testing.T) {
		if _, err := src.GetCertificate(&tls.ClientHelloInfo{ServerName: "other.com"}); err == nil {
			t.Error("expected error for unconfigured host")
		}
		if calls.Load() != 0 {
			t.Error("CA contacted for unconfigured host")
		}
	})

	t.Run("concurrent on-demand obtain", func(t *testing.T) {
		const n = 8
		var wg sync.WaitGroup
		certs := make([]*tls.Certificate, n)
		errs := make([]error, n)
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				certs[i], errs[i] = src.GetCertificate(&tls.ClientHelloInfo{ServerName: "example.com"})
			}()
		}
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		for i := range n {
			if errs[i] != nil {
				t.Fatalf("GetCertificate[%d]: %v", i, errs[i])
			}
		}
		if got := calls.Load(); got != 1 {
			t.Errorf("obtain called %d times, want 1", got)
		}
		if obtained.Load() != 1 {
			t.Errorf("OnObtained called %d times, want 1", obtained.Load())
		}
		if _, err := os.Stat(filepath.Join(src.certDir("example.com"), "certificate.pem")); err != nil {
			t.Errorf("certificate not persisted: %v", err)
		}
	})

	t.Run("valid certificate skips renewal", func(t *testing.T) {
		if err := src.ObtainCertificates(context.Background()); err != nil {
			t.Fatalf("ObtainCertificates: %v", err)
		}
		if got := calls.Load(); got != 1 {
			t.Errorf("obtain called %d times, want 1", got)
		}
	})
}

func TestACMECertificateSource_ObtainError(t *testing.T) {
	cfg := testACMEConfig(t)
	cfg.Domains = []string{"a.example.com", "b.example.com"}
	src, err := NewACMECertificateSource(cfg)
	if err != nil {
		t.Fatalf("NewACMECertificateSource: %v", err)
	}
	defer func() { _ = src.Close() }()

	errCA := errors.New("rate limited")
	var attempted []string
	src.obtain = func(domain string) (*certificate.Resource, error) {
		attempted = append(attempted, domain)
		return nil, errCA
	}
	var reported []string
	src.OnError = func(domain string, _ error) { reported = append(reported, domain) }

	err = src.ObtainCertificates(context.Background())
	if !errors.Is(err, errCA) {
		t.Fatalf("err = %v, want %v", err, errCA)
	}
	if len(attempted) != 2 {
		t.Errorf("attempted %v, want both domains", attempted)
	}
	if len(reported) != 2 {
		t.Errorf("OnError reported %v", reported)
	}
	if src.CacheSize() != 0 {
		t.Error("failed obtain cached a certificate")
	}
}

func TestACMECertificateSource_NotInitialized(t *testing.T) {
	src, err := NewACMECertificateSource(testACMEConfig(t))
	if err != nil {
		t.Fatalf("NewACMECertificateSource: %v", err)
	}
	defer func() { _ = src.Close() }()

	if _, err := src.GetCertificate(&tls.ClientHelloInfo{ServerName: "example.com"}); err == nil {
		t.Error("expected error before Initialize")
	}
}

func TestACMECertificateSource_Close(t *testing.T) {
	src, err := NewACMECertificateSource(testACMEConfig(t))
	if err != nil {
		t.Fatalf("NewACMECertificateSource: %v", err)
	}
	src.StartAutoRenewal(time.Hour)
	if err := src.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	if err := src.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}
