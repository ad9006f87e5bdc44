package fidget

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// UpstreamProxy configures forwarding through a parent proxy. HTTP and
// HTTPS parents are reached with absolute-URI requests and CONNECT
// tunnels; SOCKS5 parents carry every connection.
type UpstreamProxy struct {
	// URL is the parent, e.g. http://proxy.corp:3128 or
	// socks5://127.0.0.1:1080.
	URL  *url.URL
	Auth *UpstreamAuth

	// TLSConfig is used when dialing an https:// parent for a raw
	// tunnel. Relayed requests use the transport's TLS settings.
	TLSConfig *tls.Config

	// DialTimeout bounds reaching the parent. Defaults to 10 seconds.
	DialTimeout time.Duration
}

// UpstreamAuth holds credentials for an upstream proxy.
type UpstreamAuth struct {
	Username string
	Password string
}

// NewUpstreamProxy parses rawURL. User info becomes Auth.
func NewUpstreamProxy(rawURL string) (*UpstreamProxy, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream proxy URL: %w", err)
	}

	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("unsupported upstream proxy scheme: %s", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("upstream proxy URL has no host")
	}

	up := &UpstreamProxy{
		URL:         u,
		DialTimeout: 10 * time.Second,
	}

	if u.User != nil {
		pass, _ := u.User.Password()
		up.Auth = &UpstreamAuth{
			Username: u.User.Username(),
			Password: pass,
		}
	}

	return up, nil
}

// IsSOCKS reports whether the parent is a SOCKS5 proxy.
func (up *UpstreamProxy) IsSOCKS() bool {
	return up.URL.Scheme == "socks5" || up.URL.Scheme == "socks5h"
}

func (up *UpstreamProxy) dialTimeout() time.Duration {
	if up.DialTimeout == 0 {
		return 10 * time.Second
	}
	return up.DialTimeout
}

// dialers returns how a transport reaches origins through the parent:
// plain carries http:// requests and tunnel the connections TLS runs
// over. An http:// parent takes plain requests in absolute form, so the
// transport dials it directly for those.
func (up *UpstreamProxy) dialers(direct dialFunc) (plain, tunnel dialFunc) {
	switch {
	case up.IsSOCKS():
		return up.dialSOCKS, up.dialSOCKS
	case up.URL.Scheme == "http":
		return direct, up.DialConnect
	default:
		return up.DialConnect, up.DialConnect
	}
}

// proxyFunc sends plain requests to an http:// parent in absolute form.
// TLS origins are tunnelled by the dialers instead, so their handshake
// stays with the pool. Nil for other parents.
func (up *UpstreamProxy) proxyFunc() func(*http.Request) (*url.URL, error) {
	if up.URL.Scheme != "http" {
		return nil
	}
	u := up.proxyURL()
	return func(req *http.Request) (*url.URL, error) {
		if req.URL.Scheme == "https" {
			return nil, nil
		}
		return u, nil
	}
}

// proxyURL returns URL carrying Auth as user info, which the transport
// turns into Proxy-Authorization.
func (up *UpstreamProxy) proxyURL() *url.URL {
	u := *up.URL
	if up.Auth != nil {
		u.User = url.UserPassword(up.Auth.Username, up.Auth.Password)
	}
	return &u
}

// Dial opens a raw connection to addr through the parent proxy.
func (up *UpstreamProxy) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	if up.IsSOCKS() {
		return up.dialSOCKS(ctx, network, addr)
	}
	return up.DialConnect(ctx, network, addr)
}

func (up *UpstreamProxy) dialSOCKS(ctx context.Context, network, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if up.Auth != nil {
		auth = &proxy.Auth{User: up.Auth.Username, Password: up.Auth.Password}
	}
	d, err := proxy.SOCKS5("tcp", up.URL.Host, auth, &net.Dialer{Timeout: up.dialTimeout()})
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks5 dialer does not support contexts")
	}
	conn, err := cd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial through socks5 proxy: %w", err)
	}
	return conn, nil
}

// DialConnect establishes a CONNECT tunnel through the upstream proxy to
// the given target address. Pass-through tunnels use it to reach their
// destination.
func (up *UpstreamProxy) DialConnect(ctx context.Context, network, addr string) (net.Conn, error) {
	timeout := up.dialTimeout()
	dialer := &net.Dialer{Timeout: timeout}

	host := up.URL.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		if up.URL.Scheme == "https" {
			host = host + ":443"
		} else {
			host = host + ":3128"
		}
	}

	var conn net.Conn
	var err error

	if up.URL.Scheme == "https" {
		tlsCfg := up.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		}
		if tlsCfg.ServerName == "" {
			h, _, _ := net.SplitHostPort(host)
			tlsCfg = tlsCfg.Clone()
			tlsCfg.ServerName = h
		}
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsCfg}).DialContext(ctx, network, host)
	} else {
		conn, err = dialer.DialContext(ctx, network, host)
	}
	if err != nil {
		return nil, fmt.Errorf("dial upstream proxy: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}

	if up.Auth != nil {
		connectReq.Header.Set("Proxy-Authorization", basicAuth(up.Auth.Username, up.Auth.Password))
	}

	if err := connectReq.Write(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write CONNECT request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("upstream CONNECT returned %d", resp.StatusCode)
	}
	_ = conn.SetDeadline(time.Time{})

	if br.Buffered() > 0 {
		return &peekedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

func basicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
