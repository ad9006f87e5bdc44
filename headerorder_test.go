package fidget

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"strings"
	"testing"
	"time"
)

func TestReorderHead(t *testing.T) {
	written := "GET /p HTTP/1.1\r\n" +
		"Host: a.example\r\n" +
		"Content-Length: 3\r\n" +
		"Alpha: 2\r\n" +
		"X-Dup: 1\r\n" +
		"X-Dup: 2\r\n" +
		"Zeta: 1\r\n" +
		"\r\n"
	order := []HeaderField{
		{Name: "zeta"},
		{Name: "Host"},
		{Name: "x-dup"},
		{Name: "alpha"},
		{Name: "X-DUP"},
		{Name: "Expect"},
	}

	got := string(reorderHead([]byte(written), order))
	want := "GET /p HTTP/1.1\r\n" +
		"zeta: 1\r\n" +
		"Host: a.example\r\n" +
		"x-dup: 1\r\n" +
		"alpha: 2\r\n" +
		"X-DUP: 2\r\n" +
		"Content-Length: 3\r\n" +
		"\r\n"
	if got != want {
		t.Errorf("reorderHead =\n%q\nwant\n%q", got, want)
	}
}

func TestAlignHeader(t *testing.T) {
	raw := NewHeaderCollection(
		HeaderField{Name: "z-last", Value: "1"},
		HeaderField{Name: "transfer-encoding", Value: "chunked"},
		HeaderField{Name: "A-First", Value: "2"},
		HeaderField{Name: "Set-Cookie", Value: "a=1"},
		HeaderField{Name: "set-cookie", Value: "b=2"},
	)
	parsed := http.Header{
		"Z-Last":     {"1"},
		"A-First":    {"2"},
		"Set-Cookie": {"a=1", "b=2"},
		"X-Extra":    {"e"},
	}

	var got []string
	for name, value := range alignHeader(raw, parsed).All() {
		got = append(got, name+": "+value)
	}
	want := "z-last: 1|A-First: 2|Set-Cookie: a=1|set-cookie: b=2|X-Extra: e"
	if strings.Join(got, "|") != want {
		t.Errorf("alignHeader = %s, want %s", strings.Join(got, "|"), want)
	}
}

func TestOrderedConn(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	_ = remote.SetDeadline(time.Now().Add(5 * time.Second))

	c := &orderedConn{Conn: local}
	ord := &headerOrder{request: []HeaderField{{Name: "b-two"}, {Name: "a-one"}}}
	c.arm(ord)

	wire := make(chan string, 1)
	go func() {
		buf := make([]byte, 256)
		var sb strings.Builder
		for !strings.Contains(sb.String(), "body") {
			n, err := remote.Read(buf)
			if err != nil {
				break
			}
			sb.Write(buf[:n])
		}
		wire <- sb.String()
	}()

	// The head arrives in pieces, followed by the body.
	for _, part := range []string{"POST / HTTP/1.1\r\nA-One: 1\r", "\nB-Two: 2\r\n", "\r\nbody"} {
		if _, err := io.WriteString(c, part); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if got, want := <-wire, "POST / HTTP/1.1\r\nb-two: 2\r\na-one: 1\r\n\r\nbody"; got != want {
		t.Errorf("wire = %q, want %q", got, want)
	}

	response := "HTTP/1.1 100 Continue\r\n\r\n" +
		"HTTP/1.1 200 OK\r\nb-Two: 2\r\nA-one: 1\r\nContent-Length: 2\r\n\r\nok"
	go func() { _, _ = io.WriteString(remote, response) }()
	if _, err := io.ReadFull(c, make([]byte, len(response))); err != nil {
		t.Fatalf("read: %v", err)
	}

	h := ord.responseHeader()
	if h == nil {
		t.Fatal("final response head not recorded")
	}
	var names []string
	for name := range h.All() {
		names = append(names, name)
	}
	if got := strings.Join(names, ","); got != "b-Two,A-one,Content-Length" {
		t.Errorf("recorded names = %s", got)
	}

	// Unarmed, bytes pass straight through.
	go func() { _, _ = io.WriteString(c, "GET / HTTP/1.1\r\nZ: 1\r\nA: 2\r\n\r\n") }()
	buf := make([]byte, 64)
	n, _ := io.ReadAtLeast(remote, buf, len("GET / HTTP/1.1\r\nZ: 1\r\nA: 2\r\n\r\n"))
	if got := string(buf[:n]); got != "GET / HTTP/1.1\r\nZ: 1\r\nA: 2\r\n\r\n" {
		t.Errorf("unarmed write = %q", got)
	}
}

func TestWithHeaderOrderArmsConnection(t *testing.T) {
	ctx := withHeaderOrder(context.Background(), []HeaderField{{Name: "x-a"}})
	ord := headerOrderFrom(ctx)
	if ord == nil {
		t.Fatal("header order not attached to the context")
	}

	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	c := &orderedConn{Conn: local}
	httptrace.ContextClientTrace(ctx).GotConn(httptrace.GotConnInfo{Conn: c})

	c.mu.Lock()
	armed := c.writing == ord && c.reading == ord
	c.mu.Unlock()
	if !armed {
		t.Error("GotConn did not arm the pooled connection")
	}
}
