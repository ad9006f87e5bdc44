package fidget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// ProxyServer is the interception engine. It owns the endpoints, accepts
// connections on them and relays each one through the session pipeline.
// Configure the exported fields before Start.
type ProxyServer struct {
	// CertManager mints the leaves used when TLS is terminated. Start
	// ensures it has a root.
	CertManager *CertManager

	// Logger for engine events.
	Logger *slog.Logger

	// Metrics collects Prometheus metrics (optional).
	Metrics *Metrics

	// AccessLog writes one record per exchange (optional).
	AccessLog *AccessLogger

	// Health is marked alive and ready by Start and cleared by Stop
	// (optional).
	Health *HealthChecker

	// TransportPool configures the upstream transport. Defaults to
	// NewTransportPool.
	TransportPool *TransportPool

	// UpstreamProxy chains every upstream connection through a parent
	// proxy (optional).
	UpstreamProxy *UpstreamProxy

	// SystemProxy applies operating system proxy settings. Defaults to the
	// manager for the running platform.
	SystemProxy SystemProxyManager

	// Enable100ContinueBehaviour forwards Expect: 100-continue upstream and
	// relays the server's interim answer. When false the engine answers
	// 100 Continue itself.
	Enable100ContinueBehaviour bool

	// EnableWinAuth answers NTLM and Negotiate challenges from upstream
	// servers on the client's behalf.
	EnableWinAuth bool

	// WinAuthCredentials are used where the platform has no current-user
	// credentials to offer.
	WinAuthCredentials *NTLMCredentials

	// ConnectionTimeout bounds how long an idle client connection waits for
	// its next request. Defaults to 60 seconds.
	ConnectionTimeout time.Duration

	// ShutdownGracePeriod is how long Stop waits for sessions before
	// closing their connections. Defaults to 5 seconds.
	ShutdownGracePeriod time.Duration

	// MaxBodyBufferSize bounds the body helpers on Session.
	MaxBodyBufferSize int64

	// ProcessResolver maps a client connection to its process ID. It
	// returns -1 when the process is unknown (optional).
	ProcessResolver func(local, remote net.Addr) int

	// CertificateSweepInterval enables the idle certificate sweep when
	// positive. Leaves unused for CertificateIdleThreshold are evicted.
	CertificateSweepInterval time.Duration
	CertificateIdleThreshold time.Duration

	events    eventHub
	endpoints endpointRegistry

	mu        sync.Mutex
	running   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	transport *http.Transport
	upstream  http.RoundTripper
	sweeping  bool

	connMu  sync.Mutex
	conns   map[net.Conn]struct{}
	closing bool
	active  atomic.Int64

	sysMu   sync.Mutex
	applied *AppliedSystemProxy
}

// NewProxyServer creates an engine that mints certificates with cm.
func NewProxyServer(cm *CertManager) *ProxyServer {
	return &ProxyServer{
		CertManager:         cm,
		Logger:              slog.Default(),
		TransportPool:       NewTransportPool(),
		ConnectionTimeout:   60 * time.Second,
		ShutdownGracePeriod: 5 * time.Second,
		MaxBodyBufferSize:   DefaultMaxBodyBufferSize,
	}
}

func (s *ProxyServer) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// AddEndpoint registers ep. When the server is running ep starts listening
// immediately.
func (s *ProxyServer) AddEndpoint(ep *ProxyEndpoint) error {
	if ep == nil {
		return errors.New("nil endpoint")
	}
	if err := s.endpoints.add(ep); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return nil
	}
	if err := s.startEndpoint(ep); err != nil {
		s.endpoints.remove(ep)
		return err
	}
	return nil
}

// RemoveEndpoint unregisters ep and closes its listener. Sessions already
// accepted on it keep running.
func (s *ProxyServer) RemoveEndpoint(ep *ProxyEndpoint) error {
	if !s.endpoints.remove(ep) {
		return errors.New("endpoint not registered")
	}
	if err := ep.close(); err != nil {
		return fmt.Errorf("close %s: %w", ep, err)
	}
	s.logger().Info("endpoint removed", "endpoint", ep.String())
	return nil
}

// Endpoints returns the registered endpoints in registration order.
func (s *ProxyServer) Endpoints() []*ProxyEndpoint {
	return s.endpoints.snapshot()
}

// IsRunning reports whether Start has succeeded and Stop has not been
// called.
func (s *ProxyServer) IsRunning() bool {
	return s.running.Load()
}

// ActiveConnectionCount returns the number of open client connections.
func (s *ProxyServer) ActiveConnectionCount() int {
	return int(s.active.Load())
}

// Start binds every endpoint and begins accepting connections. When
// changeSystemProxy is set the first explicit endpoint becomes the system
// proxy for HTTP and HTTPS.
func (s *ProxyServer) Start(changeSystemProxy bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return ErrServerRunning
	}

	if s.CertManager != nil {
		if err := s.CertManager.EnsureRootCertificate(); err != nil {
			return err
		}
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	tp := s.transportPool()
	s.transport = tp.Build()
	s.upstream = tp.Transport()

	s.connMu.Lock()
	s.conns = make(map[net.Conn]struct{})
	s.closing = false
	s.connMu.Unlock()

	// Running must be visible before any accept loop can call back in.
	s.running.Store(true)

	for _, ep := range s.endpoints.snapshot() {
		if err := s.startEndpoint(ep); err != nil {
			_ = s.stopLocked()
			return err
		}
	}

	if s.CertManager != nil && s.CertificateSweepInterval > 0 {
		s.CertManager.ClearIdleCertificates(s.CertificateSweepInterval, s.CertificateIdleThreshold)
		s.sweeping = true
	}

	if changeSystemProxy {
		if ep := s.firstExplicitEndpoint(); ep != nil {
			if _, err := s.SetAsSystemProxy(ep, ProxyProtocolAllHTTP); err != nil {
				_ = s.stopLocked()
				return fmt.Errorf("set system proxy: %w", err)
			}
		}
	}

	if s.Health != nil {
		s.Health.SetAlive(true)
		s.Health.SetReady(true)
	}
	s.logger().Info("proxy started", "endpoints", len(s.endpoints.snapshot()))
	return nil
}

func (s *ProxyServer) firstExplicitEndpoint() *ProxyEndpoint {
	for _, ep := range s.endpoints.snapshot() {
		if ep.Mode == ModeExplicit {
			return ep
		}
	}
	return nil
}

func (s *ProxyServer) transportPool() *TransportPool {
	if s.TransportPool == nil {
		s.TransportPool = NewTransportPool()
	}
	tp := s.TransportPool
	tp.Upstream = s.UpstreamProxy
	tp.GetClientCertificate = s.selectClientCertificate
	return tp
}

// startEndpoint must be called with s.mu held.
func (s *ProxyServer) startEndpoint(ep *ProxyEndpoint) error {
	ln, err := ep.listen()
	if err != nil {
		return err
	}
	s.logger().Info("endpoint listening", "endpoint", ep.String(), "decrypt", ep.DecryptSSL)

	s.wg.Add(1)
	go s.acceptLoop(ep, ln)
	return nil
}

func (s *ProxyServer) acceptLoop(ep *ProxyEndpoint, ln net.Listener) {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				time.Sleep(backoff)
				continue
			}
			s.logger().Error("accept", "endpoint", ep.String(), "error", err)
			return
		}
		backoff = 0

		if !s.track(conn) {
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(ep, conn)
		}()
	}
}

func (s *ProxyServer) track(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closing || s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	s.active.Add(1)
	if s.Metrics != nil {
		s.Metrics.IncActiveConns()
	}
	return true
}

func (s *ProxyServer) untrack(conn net.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if _, ok := s.conns[conn]; !ok {
		return
	}
	delete(s.conns, conn)
	s.active.Add(-1)
	if s.Metrics != nil {
		s.Metrics.DecActiveConns()
	}
}

// Stop closes every listener, cancels in-flight sessions and waits up to
// ShutdownGracePeriod for them before closing their connections. System
// proxy settings applied by this server are restored.
func (s *ProxyServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return ErrServerNotRunning
	}
	return s.stopLocked()
}

func (s *ProxyServer) stopLocked() error {
	s.running.Store(false)
	if s.Health != nil {
		s.Health.SetReady(false)
	}

	var errs error
	for _, ep := range s.endpoints.snapshot() {
		errs = multierr.Append(errs, ep.close())
	}

	s.connMu.Lock()
	s.closing = true
	s.connMu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace := s.ShutdownGracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		n := s.closeConns()
		s.logger().Warn("closed sessions after grace period", "count", n)
		<-done
	}

	if s.sweeping {
		s.CertManager.StopClearIdleCertificates()
		s.sweeping = false
	}

	errs = multierr.Append(errs, s.DisableAllSystemProxies())

	if s.transport != nil {
		s.transport.CloseIdleConnections()
	}
	if s.Health != nil {
		s.Health.SetAlive(false)
	}
	s.logger().Info("proxy stopped")
	return errs
}

func (s *ProxyServer) closeConns() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
	return len(s.conns)
}

// serveConn runs the session pipeline for one accepted connection.
func (s *ProxyServer) serveConn(ep *ProxyEndpoint, conn net.Conn) {
	sess := newSession(s.ctx, conn, ep, uuid.NewString(), s.MaxBodyBufferSize)
	sess.Auth.Credentials = s.WinAuthCredentials
	if s.ProcessResolver != nil {
		sess.ProcessID = s.ProcessResolver(conn.LocalAddr(), conn.RemoteAddr())
	}
	if s.Metrics != nil {
		s.Metrics.RecordSession(ep.Mode.String())
	}

	// Cancellation unblocks whatever read or write the session is in.
	stop := context.AfterFunc(s.ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})

	defer func() {
		stop()
		sess.setState(StateClosed)
		sess.closeAuth()
		_ = conn.Close()
	}()
	defer func() {
		if r := recover(); r != nil {
			s.logger().Error("session panic", "session", sess.ID, "panic", r)
		}
	}()

	sess.setState(StateClassifying)
	br := newClientReader(conn)

	switch ep.Mode {
	case ModeExplicit:
		s.serveExplicit(sess, conn, br)
	default:
		s.serveIntercepted(sess, conn, br)
	}
}

func (s *ProxyServer) connectionTimeout() time.Duration {
	if s.ConnectionTimeout <= 0 {
		return 60 * time.Second
	}
	return s.ConnectionTimeout
}
