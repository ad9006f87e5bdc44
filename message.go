package fidget

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
)

// TunnelType describes what a CONNECT tunnel turned out to carry.
type TunnelType int

// Tunnel types.
const (
	TunnelNone TunnelType = iota
	TunnelHTTP
	TunnelHTTPS
	TunnelWebSocket
)

func (t TunnelType) String() string {
	switch t {
	case TunnelHTTP:
		return "http"
	case TunnelHTTPS:
		return "https"
	case TunnelWebSocket:
		return "websocket"
	default:
		return "none"
	}
}

// ClientHelloInfo is the subset of a sniffed TLS ClientHello the engine
// exposes to hooks.
type ClientHelloInfo struct {
	ServerName        string
	SupportedProtos   []string
	SupportedVersions []uint16
	CipherSuites      []uint16
}

// TunnelInfo marks a Request as a tunnel request. It is set for CONNECT
// requests and for transparent TLS sessions.
type TunnelInfo struct {
	// Authority is the host:port the client asked to reach.
	Authority string

	// Type is refined once the first tunnelled bytes are seen.
	Type TunnelType

	// ClientHello is set when the tunnel carries TLS.
	ClientHello *ClientHelloInfo
}

// Request is an HTTP request as seen by the engine and its hooks.
type Request struct {
	Method string

	// URL is always absolute once the pipeline has resolved the
	// destination.
	URL *url.URL

	// RequestURI is the request target exactly as the client sent it.
	RequestURI string

	Proto      string
	ProtoMajor int
	ProtoMinor int

	Header *HeaderCollection

	// Body is nil for requests without a body.
	Body io.ReadCloser

	// ContentLength is -1 when unknown (chunked).
	ContentLength int64

	// Tunnel is non-nil for CONNECT requests.
	Tunnel *TunnelInfo
}

// HasBody reports whether the request carries a body.
func (r *Request) HasBody() bool {
	return r.Body != nil && r.ContentLength != 0
}

// IsTunnel reports whether r is the CONNECT variant.
func (r *Request) IsTunnel() bool { return r.Tunnel != nil }

// Host returns the Host header, falling back to the URL host.
func (r *Request) Host() string {
	if h := r.Header.GetKnown(HeaderHost); h != "" {
		return h
	}
	if r.URL != nil {
		return r.URL.Host
	}
	return ""
}

// ExpectContinue reports whether the client sent Expect: 100-continue.
func (r *Request) ExpectContinue() bool {
	return strings.EqualFold(strings.TrimSpace(r.Header.GetKnown(HeaderExpect)), "100-continue")
}

// IsWebSocketUpgrade reports whether r asks to switch to WebSocket.
func (r *Request) IsWebSocketUpgrade() bool {
	return r.Header.HasToken("Connection", "upgrade") && r.Header.HasToken("Upgrade", "websocket")
}

// KeepAlive reports whether the client wants the connection kept open.
func (r *Request) KeepAlive() bool {
	if r.Header.HasToken("Connection", "close") || r.Header.HasToken("Proxy-Connection", "close") {
		return false
	}
	if r.ProtoMajor == 1 && r.ProtoMinor == 0 {
		return r.Header.HasToken("Connection", "keep-alive") || r.Header.HasToken("Proxy-Connection", "keep-alive")
	}
	return true
}

// SetURL points the request at rawURL and updates the Host header.
func (r *Request) SetURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("url %q is not absolute", rawURL)
	}
	r.URL = u
	r.Header.Set("Host", u.Host)
	return nil
}

// toHTTP builds the outbound request handed to the upstream transport.
// The returned request carries the header layout, so HTTP/1.x origins see
// the lines in the order and spelling r holds them.
func (r *Request) toHTTP(ctx context.Context) *http.Request {
	header := r.Header.Clone()
	removeHopByHopHeaders(header, r.IsWebSocketUpgrade())
	order := header.Fields()
	if !header.Has("Host") {
		// net/http always sends Host; keep it first.
		order = append([]HeaderField{{Name: "Host"}}, order...)
	}
	header.Del("Host")

	u := *r.URL
	out := &http.Request{
		Method:        r.Method,
		URL:           &u,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header.ToHTTP(),
		Host:          r.Host(),
		ContentLength: r.ContentLength,
	}
	if r.HasBody() {
		out.Body = r.Body
	} else {
		out.Body = http.NoBody
		out.ContentLength = 0
	}
	// An empty User-Agent stops the transport adding its own.
	if _, ok := out.Header["User-Agent"]; !ok {
		out.Header["User-Agent"] = []string{""}
	}
	return out.WithContext(withHeaderOrder(ctx, order))
}

// Response is an HTTP response as seen by the engine and its hooks.
type Response struct {
	StatusCode int

	// Reason is the reason phrase. Empty means the standard text.
	Reason string

	Proto      string
	ProtoMajor int
	ProtoMinor int

	Header *HeaderCollection

	// Body is nil for responses without a body.
	Body io.ReadCloser

	// ContentLength is -1 when unknown.
	ContentLength int64

	// Close asks the engine to close the client connection after writing.
	Close bool

	// upgrade is the raw stream left behind by a 101 response.
	upgrade io.ReadWriteCloser
}

// NewResponse returns an HTTP/1.1 response with a fixed body.
func NewResponse(status int, body []byte, headers ...HeaderField) *Response {
	resp := &Response{
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        NewHeaderCollection(headers...),
		ContentLength: int64(len(body)),
	}
	if len(body) > 0 {
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return resp
}

// HasBody reports whether the response carries a body.
func (r *Response) HasBody() bool {
	return r.Body != nil && r.ContentLength != 0 && bodyAllowedForStatus(r.StatusCode)
}

func bodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

// responseFromHTTP adopts an upstream response. When the head the origin
// sent was recorded on the wire its line order and spelling are kept;
// otherwise names come out canonical and sorted.
func responseFromHTTP(hr *http.Response) *Response {
	reason := strings.TrimSpace(strings.TrimPrefix(hr.Status, strconv.Itoa(hr.StatusCode)))
	header := HeaderCollectionFromHTTP(hr.Header)
	if hr.Request != nil {
		if ord := headerOrderFrom(hr.Request.Context()); ord != nil {
			if raw := ord.responseHeader(); raw != nil {
				header = alignHeader(raw, hr.Header)
			}
		}
	}
	resp := &Response{
		StatusCode:    hr.StatusCode,
		Reason:        reason,
		Proto:         hr.Proto,
		ProtoMajor:    hr.ProtoMajor,
		ProtoMinor:    hr.ProtoMinor,
		Header:        header,
		ContentLength: hr.ContentLength,
		Close:         hr.Close,
	}
	if hr.StatusCode == http.StatusSwitchingProtocols {
		if rwc, ok := hr.Body.(io.ReadWriteCloser); ok {
			resp.upgrade = rwc
		}
		removeHopByHopHeaders(resp.Header, true)
		return resp
	}
	removeHopByHopHeaders(resp.Header, false)
	if hr.Body != nil && hr.Body != http.NoBody {
		resp.Body = hr.Body
	}
	return resp
}

// Write serializes the response to w as HTTP/1.x. Header lines keep their
// order; framing headers are rewritten to match the body. For responses to
// HEAD requests pass headOnly so no body is sent.
func (r *Response) Write(w io.Writer, headOnly bool) error {
	bw := bufio.NewWriter(w)

	major, minor := r.ProtoMajor, r.ProtoMinor
	if major != 1 {
		major, minor = 1, 1
	}
	reason := r.Reason
	if reason == "" {
		reason = http.StatusText(r.StatusCode)
	}
	if _, err := fmt.Fprintf(bw, "HTTP/%d.%d %03d %s\r\n", major, minor, r.StatusCode, reason); err != nil {
		return err
	}

	header := r.Header
	if header == nil {
		header = NewHeaderCollection()
	}

	sendBody := r.Body != nil && r.ContentLength != 0 && bodyAllowedForStatus(r.StatusCode) && !headOnly
	chunked := false
	if bodyAllowedForStatus(r.StatusCode) && r.StatusCode != http.StatusSwitchingProtocols {
		switch {
		case r.ContentLength >= 0:
			header.Del("Transfer-Encoding")
			header.Set("Content-Length", strconv.FormatInt(r.ContentLength, 10))
		case minor >= 1:
			header.Del("Content-Length")
			header.Set("Transfer-Encoding", "chunked")
			chunked = true
		default:
			r.Close = true
		}
	}
	if r.Close && !header.HasToken("Connection", "close") {
		header.Set("Connection", "close")
	}

	if err := header.write(bw); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}

	if sendBody {
		if chunked {
			cw := httputil.NewChunkedWriter(bw)
			if _, err := io.Copy(cw, r.Body); err != nil {
				return err
			}
			if err := cw.Close(); err != nil {
				return err
			}
			if _, err := bw.WriteString("\r\n"); err != nil {
				return err
			}
		} else if r.ContentLength > 0 {
			if _, err := io.CopyN(bw, r.Body, r.ContentLength); err != nil {
				return err
			}
		} else if _, err := io.Copy(bw, r.Body); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func writeInterimResponse(w io.Writer, code int, header http.Header) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %03d %s\r\n", code, http.StatusText(code)); err != nil {
		return err
	}
	if err := HeaderCollectionFromHTTP(header).write(bw); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// maxHeaderBytes bounds the request line plus headers.
const maxHeaderBytes = 1 << 20

// readRequest parses one HTTP/1.x request head from br and frames its
// body. io.EOF is returned untouched when the client closes cleanly
// between requests.
func readRequest(br *bufio.Reader) (*Request, error) {
	tp := textproto.NewReader(br)

	line, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}
	// Tolerate stray CRLF between pipelined requests.
	for line == "" {
		if line, err = tp.ReadLine(); err != nil {
			return nil, err
		}
	}

	method, rest, ok1 := strings.Cut(line, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || target == "" {
		return nil, &ProtocolParseError{Line: line, Err: errors.New("malformed request line")}
	}
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok || major != 1 {
		return nil, &ProtocolParseError{Line: line, Err: errors.New("unsupported protocol version")}
	}

	req := &Request{
		Method:     method,
		RequestURI: target,
		Proto:      proto,
		ProtoMajor: major,
		ProtoMinor: minor,
	}

	if req.Header, err = readHeaderLines(tp, len(line)); err != nil {
		return nil, err
	}

	if method == http.MethodConnect {
		if strings.HasPrefix(target, "/") {
			return nil, &ProtocolParseError{Line: line, Err: errors.New("connect target is not an authority")}
		}
		req.URL = &url.URL{Host: target}
		req.Tunnel = &TunnelInfo{Authority: target}
		return req, nil
	}

	if req.URL, err = url.ParseRequestURI(target); err != nil {
		return nil, &ProtocolParseError{Line: line, Err: err}
	}

	if err := frameRequestBody(req, br); err != nil {
		return nil, &ProtocolParseError{Line: line, Err: err}
	}
	return req, nil
}

func readHeaderLines(tp *textproto.Reader, used int) (*HeaderCollection, error) {
	h := NewHeaderCollection()
	for {
		line, err := tp.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, &ProtocolParseError{Err: err}
		}
		if line == "" {
			return h, nil
		}
		used += len(line)
		if used > maxHeaderBytes {
			return nil, &ProtocolParseError{Err: errors.New("header too large")}
		}

		// obs-fold continuation
		if line[0] == ' ' || line[0] == '\t' {
			if h.Len() == 0 {
				return nil, &ProtocolParseError{Line: line, Err: errors.New("continuation before first header")}
			}
			last := &h.fields[h.Len()-1]
			last.Value += " " + strings.TrimSpace(line)
			continue
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return nil, &ProtocolParseError{Line: line, Err: errors.New("malformed header line")}
		}
		h.Add(name, strings.TrimSpace(value))
	}
}

func frameRequestBody(req *Request, br *bufio.Reader) error {
	if req.Header.HasToken("Transfer-Encoding", "chunked") {
		req.ContentLength = -1
		req.Body = &chunkedBody{r: httputil.NewChunkedReader(br), br: br}
		return nil
	}

	cl := req.Header.GetKnown(HeaderContentLength)
	if cl == "" {
		return nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
	if err != nil || n < 0 {
		return fmt.Errorf("invalid content-length %q", cl)
	}
	req.ContentLength = n
	if n > 0 {
		req.Body = &lengthBody{r: io.LimitReader(br, n), remaining: n}
	}
	return nil
}

// drainedBody is implemented by request bodies that know whether the
// client has sent all of their bytes.
type drainedBody interface {
	drained() bool
}

func bodyDrained(rc io.ReadCloser) bool {
	if rc == nil {
		return true
	}
	if d, ok := rc.(drainedBody); ok {
		return d.drained()
	}
	return false
}

type lengthBody struct {
	r         io.Reader
	remaining int64
}

func (b *lengthBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.remaining -= int64(n)
	if err == io.EOF && b.remaining > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

func (b *lengthBody) Close() error  { return nil }
func (b *lengthBody) drained() bool { return b.remaining <= 0 }

// chunkedBody decodes a chunked body and consumes its trailer section so
// the reader is positioned at the next request.
type chunkedBody struct {
	r    io.Reader
	br   *bufio.Reader
	done bool
}

func (b *chunkedBody) Read(p []byte) (int, error) {
	if b.done {
		return 0, io.EOF
	}
	n, err := b.r.Read(p)
	if err == io.EOF {
		tp := textproto.NewReader(b.br)
		for {
			line, lerr := tp.ReadLine()
			if lerr != nil {
				return n, io.ErrUnexpectedEOF
			}
			if line == "" {
				break
			}
		}
		b.done = true
	}
	return n, err
}

func (b *chunkedBody) Close() error  { return nil }
func (b *chunkedBody) drained() bool { return b.done }
