package fidget

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"
)

// CertificateEngine mints root and leaf key pairs. The manager never
// cares which algorithm an engine uses, so engines can be swapped without
// touching the cache.
type CertificateEngine interface {
	// Name identifies the engine in logs and configuration.
	Name() string

	// GenerateRoot returns a self-signed CA certificate and its key.
	GenerateRoot(org string, validity time.Duration) (*x509.Certificate, crypto.Signer, error)

	// GenerateLeaf returns a certificate for host signed by root.
	GenerateLeaf(host string, root *x509.Certificate, rootKey crypto.Signer, validity time.Duration) (*tls.Certificate, error)
}

// RSAEngine is the portable engine. It produces RSA keys, which every TLS
// client accepts.
type RSAEngine struct {
	// RootBits is the CA key size. Defaults to 4096.
	RootBits int

	// LeafBits is the host key size. Defaults to 2048.
	LeafBits int
}

// Name implements CertificateEngine.
func (e RSAEngine) Name() string { return "rsa" }

// GenerateRoot implements CertificateEngine.
func (e RSAEngine) GenerateRoot(org string, validity time.Duration) (*x509.Certificate, crypto.Signer, error) {
	bits := e.RootBits
	if bits == 0 {
		bits = 4096
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate root key: %w", err)
	}
	return selfSign(org, validity, key)
}

// GenerateLeaf implements CertificateEngine.
func (e RSAEngine) GenerateLeaf(host string, root *x509.Certificate, rootKey crypto.Signer, validity time.Duration) (*tls.Certificate, error) {
	bits := e.LeafBits
	if bits == 0 {
		bits = 2048
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return signLeaf(host, root, rootKey, key, validity, x509.KeyUsageKeyEncipherment|x509.KeyUsageDigitalSignature)
}

// ECDSAEngine is the fast engine. P-256 keys take microseconds to create,
// which keeps first-visit latency low when many hosts are intercepted at
// once.
type ECDSAEngine struct{}

// Name implements CertificateEngine.
func (ECDSAEngine) Name() string { return "ecdsa" }

// GenerateRoot implements CertificateEngine.
func (ECDSAEngine) GenerateRoot(org string, validity time.Duration) (*x509.Certificate, crypto.Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate root key: %w", err)
	}
	return selfSign(org, validity, key)
}

// GenerateLeaf implements CertificateEngine.
func (ECDSAEngine) GenerateLeaf(host string, root *x509.Certificate, rootKey crypto.Signer, validity time.Duration) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return signLeaf(host, root, rootKey, key, validity, x509.KeyUsageDigitalSignature)
}

// EngineByName resolves a configured engine name. An empty name selects
// the RSA engine.
func EngineByName(name string) (CertificateEngine, error) {
	switch strings.ToLower(name) {
	case "", "rsa", "portable":
		return RSAEngine{}, nil
	case "ecdsa", "fast", "native":
		return ECDSAEngine{}, nil
	default:
		return nil, fmt.Errorf("unknown certificate engine %q", name)
	}
}

func serialNumber() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}

func selfSign(org string, validity time.Duration, key crypto.Signer) (*x509.Certificate, crypto.Signer, error) {
	serial, err := serialNumber()
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   org + " Root CA",
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, nil, fmt.Errorf("create root certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parse root certificate: %w", err)
	}
	return cert, key, nil
}

func signLeaf(host string, root *x509.Certificate, rootKey crypto.Signer, key crypto.Signer, validity time.Duration, usage x509.KeyUsage) (*tls.Certificate, error) {
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}

	notAfter := time.Now().Add(validity)
	if notAfter.After(root.NotAfter) {
		notAfter = root.NotAfter
	}

	org := "Fidget Proxy"
	if len(root.Subject.Organization) > 0 {
		org = root.Subject.Organization[0]
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              usage,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, root, key.Public(), rootKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, root.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// GenerateCA generates a new RSA root CA valid for validYears and returns
// the PEM-encoded certificate and key.
func GenerateCA(org string, validYears int) (certPEM, keyPEM []byte, err error) {
	cert, key, err := RSAEngine{}.GenerateRoot(org, time.Duration(validYears)*365*24*time.Hour)
	if err != nil {
		return nil, nil, err
	}
	return encodeRoot(cert, key)
}

func encodeRoot(cert *x509.Certificate, key crypto.Signer) (certPEM, keyPEM []byte, err error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal root key: %w", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return certPEM, keyPEM, nil
}

func decodeRoot(certPEM, keyPEM []byte) (*x509.Certificate, crypto.Signer, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, errors.New("failed to decode root certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse root certificate: %w", err)
	}
	if !cert.IsCA {
		return nil, nil, errors.New("certificate is not a CA")
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, errors.New("failed to decode root key PEM")
	}

	var key any
	switch keyBlock.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(keyBlock.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("parse root key: %w", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("root key of type %T cannot sign", key)
	}
	return cert, signer, nil
}
