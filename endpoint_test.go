package fidget

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestAddEndpointDuplicateBinding(t *testing.T) {
	tests := []struct {
		name    string
		first   *ProxyEndpoint
		second  *ProxyEndpoint
		wantDup bool
	}{
		{"same address and port", NewExplicitEndpoint("127.0.0.1", 8080, true), NewTransparentEndpoint("127.0.0.1", 8080, false), true},
		{"all interfaces spelled differently", NewExplicitEndpoint("", 8080, true), NewExplicitEndpoint("0.0.0.0", 8080, true), true},
		{"ipv6 brackets", NewExplicitEndpoint("::1", 8080, true), NewExplicitEndpoint("[::1]", 8080, true), true},
		{"different addresses share a port", NewExplicitEndpoint("127.0.0.1", 8080, true), NewExplicitEndpoint("127.0.0.2", 8080, true), false},
		{"different ports", NewExplicitEndpoint("127.0.0.1", 8080, true), NewExplicitEndpoint("127.0.0.1", 8081, true), false},
		{"ephemeral ports never collide", NewExplicitEndpoint("127.0.0.1", 0, true), NewExplicitEndpoint("127.0.0.1", 0, true), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewProxyServer(nil)
			if err := s.AddEndpoint(tt.first); err != nil {
				t.Fatalf("first AddEndpoint: %v", err)
			}
			err := s.AddEndpoint(tt.second)

			var dup *DuplicateBindingError
			if got := errors.As(err, &dup); got != tt.wantDup {
				t.Fatalf("AddEndpoint = %v, want duplicate %v", err, tt.wantDup)
			}
			if tt.wantDup {
				if dup.Port != tt.second.Port {
					t.Errorf("DuplicateBindingError.Port = %d", dup.Port)
				}
				if len(s.Endpoints()) != 1 {
					t.Errorf("rejected endpoint was registered")
				}
			} else if err != nil {
				t.Fatalf("AddEndpoint: %v", err)
			}
		})
	}
}

func TestAddEndpointTwice(t *testing.T) {
	s := NewProxyServer(nil)
	ep := NewExplicitEndpoint("127.0.0.1", 0, true)
	if err := s.AddEndpoint(ep); err != nil {
		t.Fatal(err)
	}
	if err := s.AddEndpoint(ep); err == nil {
		t.Error("the same endpoint was added twice")
	}
	if err := s.AddEndpoint(nil); err == nil {
		t.Error("nil endpoint accepted")
	}
	if err := s.RemoveEndpoint(NewExplicitEndpoint("127.0.0.1", 0, true)); err == nil {
		t.Error("removing an unregistered endpoint succeeded")
	}
}

func TestEphemeralEndpointsBindDistinctPorts(t *testing.T) {
	s, first := newTestProxy(t)
	second := NewExplicitEndpoint("127.0.0.1", 0, true)
	if err := s.AddEndpoint(second); err != nil {
		t.Fatal(err)
	}
	startTestProxy(t, s)

	if first.BoundPort() == 0 || second.BoundPort() == 0 {
		t.Fatal("ephemeral endpoints report port 0 after Start")
	}
	if first.BoundPort() == second.BoundPort() {
		t.Errorf("both endpoints bound port %d", first.BoundPort())
	}
}

func TestParseProxyMode(t *testing.T) {
	tests := []struct {
		in      string
		want    ProxyMode
		wantErr bool
	}{
		{"", ModeExplicit, false},
		{"Explicit", ModeExplicit, false},
		{"transparent", ModeTransparent, false},
		{" reverse ", ModeReverse, false},
		{"socks", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseProxyMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseProxyMode(%q) = %v, %v", tt.in, got, err)
		}
		if err == nil && got.String() != strings.ToLower(strings.TrimSpace(tt.in)) && tt.in != "" {
			t.Errorf("%v.String() = %q", got, got.String())
		}
	}
}

func TestTransparentGenericCertificate(t *testing.T) {
	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "path=%s", r.URL.Path)
	}))
	defer origin.Close()

	cm := newTestCertManager(t)
	generic, err := cm.CreateCertificate("generic.fidget.test")
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}

	s := NewProxyServer(cm)
	s.Logger = discardLogger()
	s.SystemProxy = &fakeSystemProxy{}
	pool := x509.NewCertPool()
	pool.AddCert(origin.Certificate())
	s.TransportPool.TLSConfig = &tls.Config{RootCAs: pool}

	ep := NewTransparentEndpoint("127.0.0.1", 0, true)
	ep.GenericCertificate = generic
	if err := s.AddEndpoint(ep); err != nil {
		t.Fatal(err)
	}
	startTestProxy(t, s)

	raw := dialEndpoint(t, ep)
	var presented *x509.Certificate
	conn := tls.Client(raw, &tls.Config{
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			presented = cs.PeerCertificates[0]
			return nil
		},
	})
	if err := conn.Handshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if presented == nil || presented.Subject.CommonName != "generic.fidget.test" {
		t.Fatalf("presented certificate = %v, want the generic certificate", presented)
	}

	host := strings.TrimPrefix(origin.URL, "https://")
	fmt.Fprintf(conn, "GET /through HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", host)
	_ = raw.SetDeadline(time.Now().Add(10 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "path=/through" {
		t.Errorf("response = %d %q", resp.StatusCode, body)
	}
}

func TestEndpointListen(t *testing.T) {
	ep := NewExplicitEndpoint("127.0.0.1", 0, false)
	if ep.Listening() {
		t.Fatal("new endpoint reports listening")
	}
	if got := ep.ListenAddr(); got != "127.0.0.1:0" {
		t.Errorf("ListenAddr() = %q", got)
	}
	ln, err := ep.listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if ep.BoundPort() != port {
		t.Errorf("BoundPort() = %d, want %d", ep.BoundPort(), port)
	}
	if !strings.HasSuffix(ep.String(), fmt.Sprintf(":%d", port)) {
		t.Errorf("String() = %q", ep.String())
	}
	if err := ep.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ep.close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	if ep.BoundPort() != 0 {
		t.Errorf("BoundPort() after close = %d", ep.BoundPort())
	}
}
