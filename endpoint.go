package fidget

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// ProxyMode selects how an endpoint learns where a connection is going.
type ProxyMode int

// Proxy modes.
const (
	// ModeExplicit endpoints receive absolute-URI requests and CONNECT from
	// clients configured to use the proxy.
	ModeExplicit ProxyMode = iota

	// ModeTransparent endpoints receive redirected traffic. The destination
	// comes from SNI or the Host header.
	ModeTransparent

	// ModeReverse endpoints front a fixed origin or let hooks choose one.
	ModeReverse
)

func (m ProxyMode) String() string {
	switch m {
	case ModeExplicit:
		return "explicit"
	case ModeTransparent:
		return "transparent"
	case ModeReverse:
		return "reverse"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// ParseProxyMode parses the configuration spelling of a mode.
func ParseProxyMode(s string) (ProxyMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "explicit":
		return ModeExplicit, nil
	case "transparent":
		return ModeTransparent, nil
	case "reverse":
		return ModeReverse, nil
	}
	return 0, fmt.Errorf("unknown proxy mode %q", s)
}

// CertificateSource supplies the certificate shown to clients of a
// decrypting endpoint in place of a minted leaf.
type CertificateSource interface {
	GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error)
}

// ProxyEndpoint is one listening address and how its connections are
// handled.
type ProxyEndpoint struct {
	// Addr is the IP address to bind. Empty binds all interfaces.
	Addr string

	// Port to bind. Zero picks a free port, readable from BoundPort after
	// Start.
	Port int

	Mode ProxyMode

	// DecryptSSL terminates TLS tunnels by default. BeforeSslAuthenticate
	// handlers can override it per tunnel.
	DecryptSSL bool

	// Target is the origin for reverse endpoints. When nil the Host header
	// is used and a BeforeRequest handler usually rewrites the URL.
	Target *url.URL

	// GenericCertificate is presented when a client sends no SNI.
	GenericCertificate *tls.Certificate

	// CertificateSource replaces minted leaves for this endpoint.
	CertificateSource CertificateSource

	mu        sync.Mutex
	listener  net.Listener
	boundPort int
}

// NewExplicitEndpoint returns an explicit endpoint.
func NewExplicitEndpoint(addr string, port int, decryptSSL bool) *ProxyEndpoint {
	return &ProxyEndpoint{Addr: addr, Port: port, Mode: ModeExplicit, DecryptSSL: decryptSSL}
}

// NewTransparentEndpoint returns a transparent endpoint.
func NewTransparentEndpoint(addr string, port int, decryptSSL bool) *ProxyEndpoint {
	return &ProxyEndpoint{Addr: addr, Port: port, Mode: ModeTransparent, DecryptSSL: decryptSSL}
}

// NewReverseEndpoint returns a reverse endpoint for target, which may be
// nil.
func NewReverseEndpoint(addr string, port int, decryptSSL bool, target *url.URL) *ProxyEndpoint {
	return &ProxyEndpoint{Addr: addr, Port: port, Mode: ModeReverse, DecryptSSL: decryptSSL, Target: target}
}

// ListenAddr is the host:port passed to net.Listen.
func (ep *ProxyEndpoint) ListenAddr() string {
	return net.JoinHostPort(ep.Addr, strconv.Itoa(ep.Port))
}

// BoundPort returns the port actually bound, or Port when not listening.
func (ep *ProxyEndpoint) BoundPort() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.boundPort != 0 {
		return ep.boundPort
	}
	return ep.Port
}

// Listening reports whether the endpoint currently has a listener.
func (ep *ProxyEndpoint) Listening() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.listener != nil
}

func (ep *ProxyEndpoint) String() string {
	return fmt.Sprintf("%s %s", ep.Mode, net.JoinHostPort(ep.Addr, strconv.Itoa(ep.BoundPort())))
}

func (ep *ProxyEndpoint) listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", ep.ListenAddr())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", ep.ListenAddr(), err)
	}
	ep.mu.Lock()
	ep.listener = ln
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		ep.boundPort = tcp.Port
	}
	ep.mu.Unlock()
	return ln, nil
}

func (ep *ProxyEndpoint) close() error {
	ep.mu.Lock()
	ln := ep.listener
	ep.listener = nil
	ep.boundPort = 0
	ep.mu.Unlock()
	if ln == nil {
		return nil
	}
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// bindKey folds the spellings of "all interfaces" together so they compare
// equal.
func bindKey(addr string) string {
	switch addr {
	case "", "0.0.0.0", "::", "[::]":
		return ""
	}
	if ip := net.ParseIP(strings.Trim(addr, "[]")); ip != nil {
		return ip.String()
	}
	return strings.ToLower(addr)
}

type endpointRegistry struct {
	mu        sync.Mutex
	endpoints []*ProxyEndpoint
}

func (r *endpointRegistry) add(ep *ProxyEndpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.endpoints {
		if existing == ep {
			return errors.New("endpoint already added")
		}
		if ep.Port != 0 && existing.Port == ep.Port && bindKey(existing.Addr) == bindKey(ep.Addr) {
			return &DuplicateBindingError{Addr: ep.Addr, Port: ep.Port}
		}
	}
	r.endpoints = append(r.endpoints, ep)
	return nil
}

func (r *endpointRegistry) remove(ep *ProxyEndpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.endpoints {
		if existing == ep {
			r.endpoints = append(r.endpoints[:i:i], r.endpoints[i+1:]...)
			return true
		}
	}
	return false
}

func (r *endpointRegistry) snapshot() []*ProxyEndpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ProxyEndpoint, len(r.endpoints))
	copy(out, r.endpoints)
	return out
}

// reaches reports whether a connection to ip on the bound port lands on
// this endpoint's listener.
func (ep *ProxyEndpoint) reaches(ip net.IP) bool {
	bind := net.ParseIP(strings.Trim(ep.Addr, "[]"))
	if bind == nil || bind.IsUnspecified() {
		return isLocalIP(ip)
	}
	return bind.Equal(ip) || (ip.IsUnspecified() && bind.IsLoopback())
}

func isLocalIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if n, ok := a.(*net.IPNet); ok && n.IP.Equal(ip) {
			return true
		}
	}
	return false
}

// loopsBack reports whether addr names one of the listening endpoints.
// Names are only resolved when the port matches a bound endpoint.
func (r *endpointRegistry) loopsBack(ctx context.Context, addr string) bool {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return false
	}

	var bound []*ProxyEndpoint
	for _, ep := range r.snapshot() {
		if ep.Listening() && ep.BoundPort() == port {
			bound = append(bound, ep)
		}
	}
	if len(bound) == 0 {
		return false
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		resolved, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return false
		}
		for _, a := range resolved {
			ips = append(ips, a.IP)
		}
	}
	for _, ip := range ips {
		for _, ep := range bound {
			if ep.reaches(ip) {
				return true
			}
		}
	}
	return false
}
