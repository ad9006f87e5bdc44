package fidget

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"
)

// peekedConn is a client connection whose first bytes were already
// buffered while classifying it.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *peekedConn) CloseWrite() error { return closeWrite(c.Conn) }

type closeWriter interface {
	CloseWrite() error
}

// closeWrite half-closes c when it supports it and closes it otherwise.
func closeWrite(c io.Closer) error {
	if cw, ok := c.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.Close()
}

// relay copies bytes both ways until each direction has finished. A
// finished direction is half-closed so the peer sees EOF.
func relay(client, upstream io.ReadWriteCloser) (sent, received int64) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sent, _ = io.Copy(upstream, client)
		_ = closeWrite(upstream)
	}()
	go func() {
		defer wg.Done()
		received, _ = io.Copy(client, upstream)
		_ = closeWrite(client)
	}()
	wg.Wait()
	return sent, received
}

// dialTunnel opens a raw connection to addr, through the parent proxy when
// one is configured.
func (s *ProxyServer) dialTunnel(ctx context.Context, addr string) (net.Conn, error) {
	if s.endpoints.loopsBack(ctx, addr) {
		return nil, &UpstreamConnectError{Addr: addr, Err: ErrForwardingLoop}
	}
	var (
		conn net.Conn
		err  error
	)
	if s.UpstreamProxy != nil {
		conn, err = s.UpstreamProxy.Dial(ctx, "tcp", addr)
	} else {
		timeout := 30 * time.Second
		if s.TransportPool != nil && s.TransportPool.DialTimeout > 0 {
			timeout = s.TransportPool.DialTimeout
		}
		d := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, &UpstreamConnectError{Addr: addr, Err: err}
	}
	return conn, nil
}
