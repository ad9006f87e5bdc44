package fidget

import (
	"bufio"
	"context"
	"net"
)

// relayUpgrade writes a 101 response to the client and then copies raw
// bytes between the client and the upgraded upstream stream until both
// sides finish. The connection is never reused afterwards.
func (s *ProxyServer) relayUpgrade(sess *Session, conn net.Conn, br *bufio.Reader, x *exchangeResult) bool {
	resp := sess.Response
	upstream := resp.upgrade

	if err := s.fireSession(sess.ctx, HookBeforeResponse, sess); err != nil || sess.terminated {
		_ = upstream.Close()
		x.err = err
		s.logExchange(sess, x, 0, 0, err)
		return false
	}
	// A handler may have replaced the 101 entirely.
	if sess.Response != resp || sess.Response.upgrade == nil {
		_ = upstream.Close()
		x.forceClose = true
		x.intercepted = true
		return s.writeResponse(sess, conn, x)
	}

	if err := resp.Write(conn, true); err != nil {
		_ = upstream.Close()
		s.logExchange(sess, x, resp.StatusCode, 0, err)
		return false
	}

	if sess.Request.IsWebSocketUpgrade() {
		if ct := sess.ConnectRequest; ct != nil {
			ct.Tunnel.Type = TunnelWebSocket
		}
	}
	if s.Metrics != nil {
		s.Metrics.RecordTunnel("upgrade")
	}

	stop := context.AfterFunc(sess.ctx, func() { _ = upstream.Close() })
	defer stop()

	_, received := relay(&peekedConn{Conn: conn, r: br}, upstream)
	_ = upstream.Close()

	_ = s.fireSession(sess.ctx, HookAfterResponse, sess)
	s.logExchange(sess, x, resp.StatusCode, received, nil)
	return false
}
