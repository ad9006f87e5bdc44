package fidget

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
)

// TransportPool owns the http.Transport used to reach origins. Bodies and
// content encodings pass through untouched; the pool only adds connection
// reuse, optional HTTP/2 and request counters.
type TransportPool struct {
	// Pool sizing. Zero MaxIdleConnsPerHost uses the net/http default of
	// 2; zero MaxConnsPerHost means unlimited.
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	DisableKeepAlives   bool

	// DialTimeout defaults to 30 seconds. The other timeouts are disabled
	// when zero.
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration

	// ExpectContinueTimeout bounds the wait for an origin's interim answer
	// to Expect: 100-continue. When it expires the body is sent anyway.
	ExpectContinueTimeout time.Duration

	// EnableHTTP2 offers h2 to origins over ALPN. Idle h2 connections are
	// pinged every HTTP2ReadIdleTimeout.
	EnableHTTP2          bool
	HTTP2ReadIdleTimeout time.Duration

	// TLSConfig is cloned for every transport. Nil verifies origins
	// against the system roots.
	TLSConfig *tls.Config

	// Upstream chains origin connections through a parent proxy.
	Upstream *UpstreamProxy

	// GetClientCertificate is consulted when an origin asks for a client
	// certificate and TLSConfig carries none.
	GetClientCertificate func(*tls.CertificateRequestInfo) (*tls.Certificate, error)

	transport atomic.Pointer[http.Transport]

	total  atomic.Int64
	active atomic.Int64
	failed atomic.Int64
}

// TransportPoolStats is a snapshot of the pool counters.
type TransportPoolStats struct {
	TotalRequests  int64 `json:"total_requests"`
	ActiveRequests int64 `json:"active_requests"`
	FailedRequests int64 `json:"failed_requests"`
}

// NewTransportPool returns a pool with defaults sized for a proxy that
// fans out to many origins.
func NewTransportPool() *TransportPool {
	return &TransportPool{
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		ExpectContinueTimeout: time.Second,
		EnableHTTP2:           true,
		HTTP2ReadIdleTimeout:  30 * time.Second,
	}
}

// Build creates a transport from the current settings and makes it the
// pooled one. Idle connections of the transport it replaces are closed.
func (tp *TransportPool) Build() *http.Transport {
	t := tp.newTransport()
	if tp.EnableHTTP2 {
		if h2, err := http2.ConfigureTransports(t); err == nil && tp.HTTP2ReadIdleTimeout > 0 {
			h2.ReadIdleTimeout = tp.HTTP2ReadIdleTimeout
			h2.PingTimeout = 15 * time.Second
		}
	}
	if prev := tp.transport.Swap(t); prev != nil {
		prev.CloseIdleConnections()
	}
	return t
}

// NewAffinityTransport returns an HTTP/1.1 transport holding at most one
// connection per host, so every leg of a connection-oriented
// authentication handshake lands on the same socket. It is not pooled and
// the caller closes it.
func (tp *TransportPool) NewAffinityTransport() *http.Transport {
	t := tp.newTransport()
	t.MaxConnsPerHost = 1
	t.MaxIdleConnsPerHost = 1
	// A non-nil empty map keeps the transport off HTTP/2.
	t.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	return t
}

func (tp *TransportPool) newTransport() *http.Transport {
	cfg := &tls.Config{}
	if tp.TLSConfig != nil {
		cfg = tp.TLSConfig.Clone()
	}
	if tp.GetClientCertificate != nil && len(cfg.Certificates) == 0 {
		cfg.GetClientCertificate = tp.GetClientCertificate
	}

	dial := tp.DialTimeout
	if dial <= 0 {
		dial = 30 * time.Second
	}
	dialer := &net.Dialer{Timeout: dial, KeepAlive: 30 * time.Second}

	t := &http.Transport{
		TLSClientConfig:       cfg,
		MaxIdleConns:          tp.MaxIdleConns,
		MaxIdleConnsPerHost:   tp.MaxIdleConnsPerHost,
		MaxConnsPerHost:       tp.MaxConnsPerHost,
		IdleConnTimeout:       tp.IdleConnTimeout,
		DisableKeepAlives:     tp.DisableKeepAlives,
		TLSHandshakeTimeout:   tp.TLSHandshakeTimeout,
		ResponseHeaderTimeout: tp.ResponseHeaderTimeout,
		ExpectContinueTimeout: tp.ExpectContinueTimeout,
		// Bodies are relayed exactly as the origin encoded them.
		DisableCompression: true,
	}

	plain, tunnel := dialFunc(dialer.DialContext), dialFunc(dialer.DialContext)
	if up := tp.Upstream; up != nil {
		plain, tunnel = up.dialers(dialer.DialContext)
		t.Proxy = up.proxyFunc()
	}
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := plain(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return &orderedConn{Conn: conn}, nil
	}
	t.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := tunnel(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return tp.handshake(ctx, conn, t.TLSClientConfig, addr)
	}
	return t
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// handshake runs the client side of TLS over conn. Connections that
// negotiate h2 are returned as *tls.Conn so the transport switches to
// HTTP/2; the rest keep their header layout through orderedConn.
func (tp *TransportPool) handshake(ctx context.Context, conn net.Conn, base *tls.Config, addr string) (net.Conn, error) {
	cfg := base.Clone()
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		cfg.ServerName = host
	}
	if tp.TLSHandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tp.TLSHandshakeTimeout)
		defer cancel()
	}

	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if tc.ConnectionState().NegotiatedProtocol == http2.NextProtoTLS {
		return tc, nil
	}
	return &orderedConn{Conn: tc}, nil
}

// Transport returns a RoundTripper over the pooled transport, building it
// on first use.
func (tp *TransportPool) Transport() http.RoundTripper {
	if tp.transport.Load() == nil {
		tp.Build()
	}
	return countingRoundTripper{pool: tp}
}

// CloseIdleConnections closes idle connections of the pooled transport.
func (tp *TransportPool) CloseIdleConnections() {
	if t := tp.transport.Load(); t != nil {
		t.CloseIdleConnections()
	}
}

// Stats returns the request counters.
func (tp *TransportPool) Stats() TransportPoolStats {
	return TransportPoolStats{
		TotalRequests:  tp.total.Load(),
		ActiveRequests: tp.active.Load(),
		FailedRequests: tp.failed.Load(),
	}
}

type countingRoundTripper struct {
	pool *TransportPool
}

func (rt countingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	p := rt.pool
	p.total.Add(1)
	p.active.Add(1)
	defer p.active.Add(-1)

	t := p.transport.Load()
	if t == nil {
		t = p.Build()
	}
	resp, err := t.RoundTrip(req)
	if err != nil {
		p.failed.Add(1)
	}
	return resp, err
}
