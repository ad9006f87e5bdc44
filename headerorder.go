package fidget

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/textproto"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// net/http writes request headers sorted under their map keys and parses
// response headers into a map. headerOrder carries the layout of one
// upstream exchange around that: the request fields in the order and
// spelling the session holds them, and the response head as the origin
// sent it. Only HTTP/1.x connections dialed by a TransportPool take part;
// HTTP/2 frames its own header block.
type headerOrder struct {
	request []HeaderField

	mu       sync.Mutex
	response *HeaderCollection
}

type headerOrderKey struct{}

// withHeaderOrder attaches fields to ctx and arms whichever pooled
// connection the transport picks for the request.
func withHeaderOrder(ctx context.Context, fields []HeaderField) context.Context {
	ord := &headerOrder{request: fields}
	ctx = context.WithValue(ctx, headerOrderKey{}, ord)
	return httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if c, ok := info.Conn.(*orderedConn); ok {
				c.arm(ord)
			}
		},
	})
}

func headerOrderFrom(ctx context.Context) *headerOrder {
	ord, _ := ctx.Value(headerOrderKey{}).(*headerOrder)
	return ord
}

func (o *headerOrder) setResponse(h *HeaderCollection) {
	o.mu.Lock()
	o.response = h
	o.mu.Unlock()
}

func (o *headerOrder) responseHeader() *HeaderCollection {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.response
}

var (
	crlf     = []byte("\r\n")
	crlfCRLF = []byte("\r\n\r\n")
)

// orderedConn rewrites the request head the transport writes so its lines
// follow the armed headerOrder, and records the raw head of the final
// response. Body bytes pass through untouched.
type orderedConn struct {
	net.Conn

	mu      sync.Mutex
	writing *headerOrder
	out     []byte
	reading *headerOrder
	in      []byte
}

func (c *orderedConn) arm(ord *headerOrder) {
	c.mu.Lock()
	c.writing, c.out = ord, c.out[:0]
	c.reading, c.in = ord, c.in[:0]
	c.mu.Unlock()
}

func (c *orderedConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.writing == nil {
		c.mu.Unlock()
		return c.Conn.Write(p)
	}

	c.out = append(c.out, p...)
	end := bytes.Index(c.out, crlfCRLF)
	if end < 0 && len(c.out) <= maxHeaderBytes {
		c.mu.Unlock()
		return len(p), nil
	}

	var buf []byte
	if end < 0 {
		// Not a head we understand; send it as written.
		buf = c.out
	} else {
		buf = reorderHead(c.out[:end+4], c.writing.request)
		buf = append(buf, c.out[end+4:]...)
	}
	c.writing, c.out = nil, nil
	c.mu.Unlock()

	if _, err := c.Conn.Write(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *orderedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.mu.Lock()
		if c.reading != nil {
			c.capture(p[:n])
		}
		c.mu.Unlock()
	}
	return n, err
}

// capture collects response bytes until the head of a final response is
// complete. Interim 1xx heads are skipped.
func (c *orderedConn) capture(b []byte) {
	c.in = append(c.in, b...)
	for {
		end := bytes.Index(c.in, crlfCRLF)
		if end < 0 {
			if len(c.in) > maxHeaderBytes {
				c.reading, c.in = nil, nil
			}
			return
		}
		head := c.in[:end+4]
		lineEnd := bytes.Index(head, crlf)
		code := statusCode(string(head[:lineEnd]))
		if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
			n := copy(c.in, c.in[end+4:])
			c.in = c.in[:n]
			continue
		}
		if h, err := parseHeaderBlock(head[lineEnd+2:]); err == nil {
			c.reading.setResponse(h)
		}
		c.reading, c.in = nil, c.in[:0]
		return
	}
}

func statusCode(line string) int {
	_, rest, _ := strings.Cut(line, " ")
	code, _, _ := strings.Cut(rest, " ")
	n, err := strconv.Atoi(code)
	if err != nil {
		return 0
	}
	return n
}

// parseHeaderBlock parses header lines terminated by an empty line.
func parseHeaderBlock(block []byte) (*HeaderCollection, error) {
	return readHeaderLines(textproto.NewReader(bufio.NewReader(bytes.NewReader(block))), 0)
}

// reorderHead rebuilds a request head written by net/http. Lines the
// session holds come first, in its order and spelling, carrying the value
// net/http wrote for them; lines net/http added (framing, proxy
// credentials) follow in the order it wrote them.
func reorderHead(head []byte, order []HeaderField) []byte {
	lineEnd := bytes.Index(head, crlf)
	written, err := parseHeaderBlock(head[lineEnd+2:])
	if err != nil {
		return head
	}

	lines := written.Fields()
	taken := make([]bool, len(lines))
	out := make([]byte, 0, len(head)+64)
	out = append(out, head[:lineEnd+2]...)

	emit := func(name, value string) {
		out = append(out, name...)
		out = append(out, ": "...)
		out = append(out, value...)
		out = append(out, crlf...)
	}
	for _, f := range order {
		for i, l := range lines {
			if !taken[i] && strings.EqualFold(l.Name, f.Name) {
				taken[i] = true
				emit(f.Name, l.Value)
				break
			}
		}
	}
	for i, l := range lines {
		if !taken[i] {
			emit(l.Name, l.Value)
		}
	}
	return append(out, crlf...)
}

// alignHeader lays out src, the header net/http parsed, in the order and
// spelling of raw, the head the origin sent. Values come from src so
// anything net/http consumed stays consumed.
func alignHeader(raw *HeaderCollection, src http.Header) *HeaderCollection {
	pending := make(map[string][]string, len(src))
	for k, v := range src {
		pending[k] = slices.Clone(v)
	}

	h := &HeaderCollection{fields: make([]HeaderField, 0, raw.Len())}
	for _, f := range raw.fields {
		key := http.CanonicalHeaderKey(f.Name)
		vals := pending[key]
		if len(vals) == 0 {
			continue
		}
		h.Add(f.Name, vals[0])
		pending[key] = vals[1:]
	}

	rest := make([]string, 0, len(pending))
	for k, v := range pending {
		if len(v) > 0 {
			rest = append(rest, k)
		}
	}
	slices.Sort(rest)
	for _, k := range rest {
		for _, v := range pending[k] {
			h.Add(k, v)
		}
	}
	return h
}
