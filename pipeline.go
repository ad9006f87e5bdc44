package fidget

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxDrainBytes bounds how much of an unread request body is discarded to
// keep a connection alive after a handler answered early.
const maxDrainBytes = 256 << 10

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// serveExplicit handles a client that addresses the proxy directly.
func (s *ProxyServer) serveExplicit(sess *Session, conn net.Conn, br *bufio.Reader) {
	sess.setState(StatePlainRelay)
	s.relayHTTP(sess, conn, br, "http")
}

// serveIntercepted handles transparent and reverse endpoints, where the
// client believes it is talking to the destination.
func (s *ProxyServer) serveIntercepted(sess *Session, conn net.Conn, br *bufio.Reader) {
	_ = conn.SetReadDeadline(time.Now().Add(s.connectionTimeout()))
	isTLS, err := isTLSHandshake(br)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	if !isTLS {
		sess.setState(StatePlainRelay)
		s.relayHTTP(sess, conn, br, "http")
		return
	}
	s.handleTLSTunnel(sess, conn, br, "")
}

// handleConnect answers a CONNECT and classifies what the tunnel carries.
func (s *ProxyServer) handleConnect(sess *Session, conn net.Conn, br *bufio.Reader, req *Request) {
	sess.ConnectRequest = req
	sess.authority = req.Tunnel.Authority
	sess.setState(StateTunnelEstablishing)

	if _, err := io.WriteString(conn, connectEstablished); err != nil {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.connectionTimeout()))
	isTLS, err := isTLSHandshake(br)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch {
	case isTLS:
		req.Tunnel.Type = TunnelHTTPS
		s.handleTLSTunnel(sess, conn, br, req.Tunnel.Authority)
	case looksLikeHTTP(br):
		req.Tunnel.Type = TunnelHTTP
		sess.setState(StatePlainRelay)
		s.relayHTTP(sess, conn, br, "http")
	default:
		sess.setState(StateTunnelRelay)
		s.passThrough(sess, &peekedConn{Conn: conn, r: br}, req.Tunnel.Authority, "raw")
	}
}

// handleTLSTunnel either relays a TLS stream untouched or terminates it
// with a minted certificate and relays the decrypted requests. authority
// is empty for intercepted sessions; it is then taken from SNI.
func (s *ProxyServer) handleTLSTunnel(sess *Session, conn net.Conn, br *bufio.Reader, authority string) {
	ep := sess.Endpoint

	hello, err := sniffClientHello(sess.ctx, br)
	if err != nil {
		s.logger().Debug("client hello", "session", sess.ID, "error", err)
		return
	}
	if sess.ConnectRequest != nil {
		sess.ConnectRequest.Tunnel.ClientHello = hello
	}
	if authority == "" {
		authority = interceptedAuthority(ep, hello.ServerName)
		sess.authority = authority
	}

	ev := &SslAuthenticateEvent{
		Session:     sess,
		Authority:   authority,
		ClientHello: hello,
		DecryptSSL:  ep.DecryptSSL && s.CertManager != nil,
		ForwardPort: authorityPort(authority, 443),
	}
	herr := fireHandlers(sess.ctx, HookBeforeSslAuthenticate, s.events.sslAuthenticate.snapshot(), ev)
	if herr != nil {
		s.reportHookErrors(herr, sess)
		return
	}

	client := &peekedConn{Conn: conn, r: br}
	if !ev.DecryptSSL || s.CertManager == nil {
		host := authorityHost(authority)
		if host == "" {
			s.logger().Debug("pass-through without destination", "session", sess.ID)
			return
		}
		sess.setState(StateTunnelRelay)
		s.passThrough(sess, client, net.JoinHostPort(host, strconv.Itoa(ev.ForwardPort)), "passthrough")
		return
	}

	sess.setState(StateTLSTerminating)
	fallback := authorityHost(authority)
	if fallback == "" {
		fallback = addrHost(sess.LocalAddr)
	}
	tlsConn := tls.Server(client, s.serverTLSConfig(sess, fallback))

	_ = conn.SetDeadline(time.Now().Add(s.connectionTimeout()))
	if err := tlsConn.HandshakeContext(sess.ctx); err != nil {
		if s.Metrics != nil {
			s.Metrics.RecordTLSHandshakeError()
		}
		s.logger().Debug("tls handshake", "session", sess.ID, "authority", authority, "error", err)
		return
	}
	_ = conn.SetDeadline(time.Time{})
	if sess.ctx.Err() != nil {
		return
	}

	state := tlsConn.ConnectionState()
	sess.TLSState = &state
	sess.IsHTTPS = true
	sess.client = tlsConn
	sess.setState(StateDecryptedRelay)
	if s.Metrics != nil {
		s.Metrics.RecordTunnel("decrypted")
	}

	s.relayHTTP(sess, tlsConn, newClientReader(tlsConn), "https")
	_ = tlsConn.Close()
}

// serverTLSConfig picks the certificate shown to the client: the endpoint's
// own source, the generic certificate when there is no SNI, and a minted
// leaf otherwise.
func (s *ProxyServer) serverTLSConfig(sess *Session, fallbackHost string) *tls.Config {
	ep := sess.Endpoint
	return &tls.Config{
		NextProtos: []string{"http/1.1"},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if ep.CertificateSource != nil {
				return ep.CertificateSource.GetCertificate(hello)
			}
			host := hello.ServerName
			if host == "" {
				if ep.GenericCertificate != nil {
					return ep.GenericCertificate, nil
				}
				host = fallbackHost
			}
			if host == "" {
				return nil, errors.New("no server name to mint a certificate for")
			}
			return s.CertManager.CreateCertificate(host)
		},
	}
}

// passThrough relays client to addr without looking at the bytes.
func (s *ProxyServer) passThrough(sess *Session, client io.ReadWriteCloser, addr, kind string) {
	start := time.Now()
	upstream, err := s.dialTunnel(sess.ctx, addr)
	if err != nil {
		if s.Metrics != nil {
			s.Metrics.RecordUpstreamError(authorityHost(addr))
		}
		s.logTunnel(sess, addr, kind, start, 0, err)
		return
	}
	stop := context.AfterFunc(sess.ctx, func() { _ = upstream.Close() })
	defer stop()

	if s.Metrics != nil {
		s.Metrics.RecordTunnel(kind)
	}
	_, received := relay(client, upstream)
	_ = upstream.Close()
	s.logTunnel(sess, addr, kind, start, received, nil)
}

// relayHTTP serves requests from br until the connection should close.
func (s *ProxyServer) relayHTTP(sess *Session, conn net.Conn, br *bufio.Reader, scheme string) {
	for {
		if sess.ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.connectionTimeout()))
		if sess.ctx.Err() != nil {
			return
		}
		req, err := readRequest(br)
		if err != nil {
			var pe *ProtocolParseError
			if errors.As(err, &pe) {
				s.logger().Debug("parse request", "session", sess.ID, "error", err)
				resp := NewResponse(http.StatusBadRequest, []byte("Bad Request"))
				resp.Close = true
				_ = resp.Write(conn, false)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		if req.IsTunnel() {
			if sess.Endpoint.Mode == ModeExplicit && !sess.IsTunnel() && !sess.IsHTTPS {
				s.handleConnect(sess, conn, br, req)
				return
			}
			resp := NewResponse(http.StatusMethodNotAllowed, nil)
			resp.Close = true
			_ = resp.Write(conn, false)
			return
		}

		sess.Request = req
		if sess.Endpoint.Mode == ModeExplicit && !sess.IsTunnel() && !sess.IsHTTPS && req.URL.Host == "" {
			// Only an absolute URI names the destination on an explicit endpoint.
			resp := NewResponse(http.StatusBadRequest, []byte("Bad Request: proxy requests need an absolute URI"))
			resp.Close = true
			_ = resp.Write(conn, false)
			return
		}
		if err := s.resolveURL(sess, req, scheme); err != nil {
			resp := NewResponse(http.StatusBadRequest, []byte(err.Error()))
			resp.Close = true
			_ = resp.Write(conn, false)
			return
		}

		keep := s.exchange(sess, conn, br, scheme)
		sess.resetExchange()
		if !keep {
			return
		}
	}
}

// resolveURL makes req.URL absolute.
func (s *ProxyServer) resolveURL(sess *Session, req *Request, scheme string) error {
	if req.URL.Host != "" && req.URL.Scheme != "" {
		return nil
	}

	ep := sess.Endpoint
	if ep.Mode == ModeReverse && ep.Target != nil {
		u := *ep.Target
		u.Path = joinURLPath(ep.Target.Path, req.URL.Path)
		u.RawPath = ""
		u.RawQuery = req.URL.RawQuery
		req.URL = &u
		req.Header.Set("Host", u.Host)
		return nil
	}

	host := req.Header.GetKnown(HeaderHost)
	if host == "" {
		host = sess.authority
	}
	if host == "" {
		return &ProtocolParseError{Line: req.RequestURI, Err: errors.New("request has no host")}
	}
	u := *req.URL
	u.Scheme = scheme
	u.Host = host
	req.URL = &u
	return nil
}

func joinURLPath(a, b string) string {
	switch {
	case a == "" || a == "/":
		if b == "" {
			return "/"
		}
		return b
	case b == "" || b == "/":
		return a
	}
	return strings.TrimSuffix(a, "/") + "/" + strings.TrimPrefix(b, "/")
}

// exchange runs one request through the hooks and the upstream, and
// reports whether the connection can serve another request.
func (s *ProxyServer) exchange(sess *Session, conn net.Conn, br *bufio.Reader, scheme string) bool {
	x := &exchangeResult{start: time.Now(), scheme: scheme}
	req := sess.Request
	if s.Metrics != nil {
		s.Metrics.RecordRequest(req.Method, scheme)
	}

	if err := s.fireSession(sess.ctx, HookBeforeRequest, sess); err != nil || sess.terminated {
		x.err = err
		x.intercepted = sess.Response != nil
		return s.finishInterrupted(sess, conn, x)
	}

	if sess.Response != nil {
		x.intercepted = true
		x.drained = s.settleRequestBody(sess)
		return s.writeResponse(sess, conn, x)
	}

	if u := sess.Request.URL; s.endpoints.loopsBack(sess.ctx, requestAddr(u)) {
		s.logger().Warn("forwarding loop refused", "session", sess.ID, "host", u.Host)
		x.err = ErrForwardingLoop
		x.forceClose = true
		x.drained = s.settleRequestBody(sess)
		sess.Response = NewResponse(http.StatusLoopDetected, []byte("Loop Detected"),
			HeaderField{Name: "Content-Type", Value: "text/plain; charset=utf-8"})
		return s.writeResponse(sess, conn, x)
	}

	hr, drained, err := s.roundTrip(sess)
	x.drained = drained
	if err != nil {
		if sess.ctx.Err() != nil {
			return false
		}
		x.err = err
		s.badGateway(sess, err)
		return s.writeResponse(sess, conn, x)
	}

	resp := responseFromHTTP(hr)
	sess.Response = resp
	if resp.upgrade != nil {
		return s.relayUpgrade(sess, conn, br, x)
	}

	if err := s.fireSession(sess.ctx, HookBeforeResponse, sess); err != nil || sess.terminated {
		x.err = err
		return s.finishInterrupted(sess, conn, x)
	}
	return s.writeResponse(sess, conn, x)
}

// exchangeResult carries what writeResponse needs to know about how the
// response came to be.
type exchangeResult struct {
	start       time.Time
	scheme      string
	intercepted bool
	drained     bool
	forceClose  bool
	err         error
}

// finishInterrupted ends a session after a hook failed or terminated it.
// A response already set is still written.
func (s *ProxyServer) finishInterrupted(sess *Session, conn net.Conn, x *exchangeResult) bool {
	x.forceClose = true
	if sess.Response == nil {
		s.logExchange(sess, x, 0, 0, nil)
		return false
	}
	s.writeResponse(sess, conn, x)
	return false
}

// settleRequestBody discards a request body nobody read so the next request
// on the connection is framed correctly. A client still waiting for
// 100 Continue has sent nothing, so its connection is closed instead.
func (s *ProxyServer) settleRequestBody(sess *Session) bool {
	req := sess.Request
	if req.Body == nil || bodyDrained(req.Body) {
		return true
	}
	if req.ExpectContinue() && !sess.continueSent {
		return false
	}
	_, _ = io.CopyN(io.Discard, req.Body, maxDrainBytes+1)
	return bodyDrained(req.Body)
}

// writeResponse writes sess.Response to the client, runs the AfterResponse
// handlers and records the exchange.
func (s *ProxyServer) writeResponse(sess *Session, conn net.Conn, x *exchangeResult) bool {
	req, resp := sess.Request, sess.Response

	keep := !x.forceClose && !sess.terminated && req.KeepAlive() && !resp.Close && x.drained
	if !keep {
		resp.Close = true
	}
	if req.ProtoMinor == 0 && resp.ContentLength < 0 {
		resp.ProtoMinor = 0
	}

	werr := resp.Write(conn, req.Method == http.MethodHead)
	if resp.Body != nil {
		_ = resp.Body.Close()
	}
	if resp.upgrade != nil {
		_ = resp.upgrade.Close()
	}
	if werr != nil {
		keep = false
		s.logger().Debug("write response", "session", sess.ID, "error", werr)
	}

	_ = s.fireSession(sess.ctx, HookAfterResponse, sess)

	if x.err == nil {
		x.err = werr
	}
	s.logExchange(sess, x, resp.StatusCode, resp.ContentLength, x.err)
	return keep
}

// badGateway replaces the response with a 502 describing err.
func (s *ProxyServer) badGateway(sess *Session, err error) {
	host := sess.Request.URL.Hostname()
	if s.Metrics != nil {
		s.Metrics.RecordUpstreamError(host)
	}
	s.logger().Warn("upstream request failed", "session", sess.ID, "host", host, "error", err)
	sess.Response = NewResponse(http.StatusBadGateway,
		[]byte(fmt.Sprintf("Proxy Error: %v", err)),
		HeaderField{Name: "Content-Type", Value: "text/plain; charset=utf-8"})
}

// roundTrip sends sess.Request upstream. drained reports whether the
// client's request body was consumed completely.
func (s *ProxyServer) roundTrip(sess *Session) (hr *http.Response, drained bool, err error) {
	req := sess.Request

	if s.EnableWinAuth && req.HasBody() {
		// The body may have to be replayed for the authentication legs.
		if _, err := sess.bufferRequestBody(); err != nil && !errors.Is(err, ErrBodyTooLarge) {
			return nil, false, err
		}
	}

	var ce *continueExchange
	if req.ExpectContinue() {
		if s.Enable100ContinueBehaviour && req.HasBody() && !sess.continueSent {
			ce = newContinueExchange(sess)
		} else {
			if req.HasBody() && !sess.continueSent {
				if err := writeInterimResponse(sess.client, http.StatusContinue, nil); err != nil {
					return nil, false, err
				}
				sess.continueSent = true
				if s.Metrics != nil {
					s.Metrics.RecordContinue("local")
				}
			}
			req.Header.Del("Expect")
		}
	}

	out := req.toHTTP(sess.ctx)
	var body *forwardBody
	if req.HasBody() {
		body = newForwardBody(req.Body, nil)
		out.Body = body
	}
	if ce != nil {
		out = ce.prepare(out, body)
	}

	rt := s.upstream
	if s.EnableWinAuth {
		if bound := sess.Auth.boundTransport(req.URL.Host); bound != nil {
			rt = bound
		}
	}
	hr, err = rt.RoundTrip(out)

	if ce != nil {
		ce.finish(hr)
		if s.Metrics != nil {
			s.Metrics.RecordContinue(ce.outcome(hr))
		}
	}
	drained = true
	if body != nil {
		drained = body.withhold()
	}
	if err != nil {
		var uce *UpstreamConnectError
		if !errors.As(err, &uce) {
			err = &UpstreamConnectError{Addr: req.URL.Host, Err: err}
		}
		return nil, drained, err
	}

	if s.EnableWinAuth && hr.StatusCode == http.StatusUnauthorized {
		if scheme := winAuthScheme(hr.Header.Values("WWW-Authenticate")); scheme != "" {
			if data, ok := replayableBody(req); ok {
				authed, aerr := s.negotiateWinAuth(sess, scheme, data, hr)
				if aerr != nil {
					s.logger().Warn("windows authentication failed", "session", sess.ID, "scheme", scheme, "error", aerr)
					return nil, drained, &UpstreamConnectError{Addr: req.URL.Host, Err: aerr}
				}
				return authed, drained, nil
			}
		}
	}
	return hr, drained, nil
}

// replayableBody returns the request body when it can be sent again.
func replayableBody(req *Request) ([]byte, bool) {
	if !req.HasBody() {
		return nil, true
	}
	return buffered(req.Body)
}

// selectClientCertificate answers an upstream's request for a client
// certificate through the ClientCertificateSelection handlers.
func (s *ProxyServer) selectClientCertificate(cri *tls.CertificateRequestInfo) (*tls.Certificate, error) {
	ctx := cri.Context()
	sess, _ := SessionFromContext(ctx)

	ev := &ClientCertificateEvent{
		Session:          sess,
		AcceptableCAs:    cri.AcceptableCAs,
		SignatureSchemes: cri.SignatureSchemes,
	}
	if sess != nil && sess.Request != nil && sess.Request.URL != nil {
		ev.TargetHost = sess.Request.URL.Hostname()
	}

	err := fireHandlers(ctx, HookClientCertificateSelection, s.events.clientCertificate.snapshot(), ev)
	s.reportHookErrors(err, sess)

	if ev.ClientCertificate != nil {
		return ev.ClientCertificate, nil
	}
	// An empty certificate tells the server none is available.
	return &tls.Certificate{}, nil
}

func (s *ProxyServer) logExchange(sess *Session, x *exchangeResult, status int, size int64, err error) {
	dur := time.Since(x.start)
	req := sess.Request
	if s.Metrics != nil && status != 0 {
		s.Metrics.RecordRequestDuration(req.Method, status, dur)
	}
	if s.AccessLog == nil {
		return
	}
	e := AccessLogEntry{
		Timestamp:   x.start,
		SessionID:   sess.ID,
		Method:      req.Method,
		Host:        req.URL.Host,
		Path:        req.URL.Path,
		Scheme:      x.scheme,
		StatusCode:  status,
		Duration:    dur,
		ClientAddr:  addrString(sess.ClientAddr),
		ProcessID:   sess.ProcessID,
		Intercepted: x.intercepted,
		UserAgent:   req.Header.GetKnown(HeaderUserAgent),
	}
	if size > 0 {
		e.BytesWritten = size
	}
	if err != nil {
		e.Error = err.Error()
	}
	s.AccessLog.Log(e)
}

func (s *ProxyServer) logTunnel(sess *Session, addr, kind string, start time.Time, received int64, err error) {
	if s.AccessLog == nil {
		return
	}
	e := AccessLogEntry{
		Timestamp:    start,
		SessionID:    sess.ID,
		Method:       http.MethodConnect,
		Host:         addr,
		Scheme:       "tcp",
		Duration:     time.Since(start),
		BytesWritten: received,
		ClientAddr:   addrString(sess.ClientAddr),
		ProcessID:    sess.ProcessID,
		Tunnel:       kind,
	}
	if err != nil {
		e.Error = err.Error()
	}
	s.AccessLog.Log(e)
}

// interceptedAuthority derives the destination of an intercepted TLS
// session from its SNI and the endpoint's target.
func interceptedAuthority(ep *ProxyEndpoint, serverName string) string {
	host, port := serverName, "443"
	if ep.Mode == ModeReverse && ep.Target != nil {
		if host == "" {
			host = ep.Target.Hostname()
		}
		if p := ep.Target.Port(); p != "" {
			port = p
		}
	}
	if host == "" {
		return ""
	}
	return net.JoinHostPort(host, port)
}

// requestAddr is the host:port a request URL is sent to.
func requestAddr(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" || u.Scheme == "wss" {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func authorityHost(authority string) string {
	if h, _, err := net.SplitHostPort(authority); err == nil {
		return h
	}
	return authority
}

func authorityPort(authority string, def int) int {
	_, p, err := net.SplitHostPort(authority)
	if err != nil {
		return def
	}
	n, err := strconv.Atoi(p)
	if err != nil || n <= 0 || n > 65535 {
		return def
	}
	return n
}

func addrHost(a net.Addr) string {
	if a == nil {
		return ""
	}
	return authorityHost(a.String())
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
