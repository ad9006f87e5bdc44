package fidget

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync/atomic"
	"testing"
	"time"
)

func TestTransportPoolBuild(t *testing.T) {
	tp := NewTransportPool()
	tp.MaxIdleConns = 50
	tp.MaxIdleConnsPerHost = 5
	tp.MaxConnsPerHost = 20
	tp.IdleConnTimeout = 45 * time.Second
	tp.ExpectContinueTimeout = 2 * time.Second
	tp.DisableKeepAlives = true
	tp.EnableHTTP2 = false
	tr := tp.Build()

	checks := []struct {
		name      string
		got, want any
	}{
		{"MaxIdleConns", tr.MaxIdleConns, 50},
		{"MaxIdleConnsPerHost", tr.MaxIdleConnsPerHost, 5},
		{"MaxConnsPerHost", tr.MaxConnsPerHost, 20},
		{"IdleConnTimeout", tr.IdleConnTimeout, 45 * time.Second},
		{"ExpectContinueTimeout", tr.ExpectContinueTimeout, 2 * time.Second},
		{"DisableKeepAlives", tr.DisableKeepAlives, true},
		{"DisableCompression", tr.DisableCompression, true},
		{"TLSHandshakeTimeout", tr.TLSHandshakeTimeout, 10 * time.Second},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	if next := tp.Build(); next == tr {
		t.Error("Build returned the same transport twice")
	}
}

func TestTransportPoolHTTP2(t *testing.T) {
	for _, enable := range []bool{true, false} {
		tp := NewTransportPool()
		tp.EnableHTTP2 = enable
		tr := tp.Build()
		if got := slices.Contains(tr.TLSClientConfig.NextProtos, "h2"); got != enable {
			t.Errorf("EnableHTTP2=%v: h2 offered = %v", enable, got)
		}
	}
}

func TestTransportPoolTLSConfig(t *testing.T) {
	var asked atomic.Bool
	tp := NewTransportPool()
	tp.TLSConfig = &tls.Config{ServerName: "pinned.example"}
	tp.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
		asked.Store(true)
		return &tls.Certificate{}, nil
	}
	tr := tp.Build()

	if tr.TLSClientConfig.ServerName != "pinned.example" {
		t.Error("custom TLS settings were dropped")
	}
	if tp.TLSConfig.NextProtos != nil || tp.TLSConfig.GetClientCertificate != nil {
		t.Error("Build modified the caller's TLS config")
	}
	_, _ = tr.TLSClientConfig.GetClientCertificate(&tls.CertificateRequestInfo{})
	if !asked.Load() {
		t.Error("client certificate callback not wired")
	}

	// Static certificates win over the callback.
	tp.TLSConfig.Certificates = []tls.Certificate{{}}
	if tp.Build().TLSClientConfig.GetClientCertificate != nil {
		t.Error("callback installed next to static certificates")
	}
}

func TestTransportPoolAffinityTransport(t *testing.T) {
	tp := NewTransportPool()
	tr := tp.NewAffinityTransport()

	if tr.MaxConnsPerHost != 1 || tr.MaxIdleConnsPerHost != 1 {
		t.Errorf("per-host limits = %d/%d, want 1/1", tr.MaxConnsPerHost, tr.MaxIdleConnsPerHost)
	}
	if tr.TLSNextProto == nil || len(tr.TLSNextProto) != 0 {
		t.Error("affinity transport must stay on HTTP/1.1")
	}
	if tp.transport.Load() != nil {
		t.Error("affinity transport replaced the pooled one")
	}
}

func TestTransportPoolRelaysEncodedBodies(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ae := r.Header.Get("Accept-Encoding"); ae != "" {
			t.Errorf("transport added Accept-Encoding %q", ae)
		}
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write([]byte("not really gzip"))
	}))
	defer origin.Close()

	req, _ := http.NewRequest(http.MethodGet, origin.URL, nil)
	resp, err := NewTransportPool().Transport().RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.Uncompressed || string(body) != "not really gzip" {
		t.Errorf("body was altered: %q uncompressed=%v", body, resp.Uncompressed)
	}
}

func TestTransportPoolStatsAndReuse(t *testing.T) {
	var conns atomic.Int32
	origin := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	origin.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			conns.Add(1)
		}
	}
	origin.Start()
	defer origin.Close()

	tp := NewTransportPool()
	tp.EnableHTTP2 = false
	rt := tp.Transport()

	for range 5 {
		req, _ := http.NewRequest(http.MethodGet, origin.URL, nil)
		resp, err := rt.RoundTrip(req)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}

	req, _ := http.NewRequest(http.MethodGet, "http://"+deadAddr(t), nil)
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("request to a closed port succeeded")
	}

	want := TransportPoolStats{TotalRequests: 6, ActiveRequests: 0, FailedRequests: 1}
	if got := tp.Stats(); got != want {
		t.Errorf("Stats() = %+v, want %+v", got, want)
	}
	if n := conns.Load(); n > 2 {
		t.Errorf("%d connections for 5 sequential requests, want reuse", n)
	}

	tp.CloseIdleConnections()
	NewTransportPool().CloseIdleConnections()
}
