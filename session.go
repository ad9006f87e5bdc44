package fidget

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
)

// SessionState is where a session is in its relay lifecycle.
type SessionState int32

// Session states.
const (
	StateAccepted SessionState = iota
	StateClassifying
	StatePlainRelay
	StateTunnelEstablishing
	StateTunnelRelay
	StateTLSTerminating
	StateDecryptedRelay
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateClassifying:
		return "classifying"
	case StatePlainRelay:
		return "plain_relay"
	case StateTunnelEstablishing:
		return "tunnel_establishing"
	case StateTunnelRelay:
		return "tunnel_relay"
	case StateTLSTerminating:
		return "tls_terminating"
	case StateDecryptedRelay:
		return "decrypted_relay"
	case StateClosed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// DefaultMaxBodyBufferSize bounds how much of a body the body helpers
// buffer.
const DefaultMaxBodyBufferSize = 32 << 20

// Session is one client connection and the exchange currently being
// relayed over it. Handlers receive the session and may mutate Request and
// Response. A session is used by one goroutine at a time.
type Session struct {
	ID         string
	ClientAddr net.Addr
	LocalAddr  net.Addr
	Endpoint   *ProxyEndpoint

	// IsHTTPS is true once TLS from the client has been terminated.
	IsHTTPS  bool
	TLSState *tls.ConnectionState

	// ConnectRequest is the CONNECT that opened the tunnel, if any.
	ConnectRequest *Request

	Request *Request

	// Response is nil until the upstream answers or a handler responds.
	Response *Response

	// ProcessID of the client, or -1 when unknown.
	ProcessID int

	// UserData is free for handlers to use across hooks.
	UserData any

	// Auth holds negotiated Windows authentication contexts for this
	// connection.
	Auth *AuthContextStore

	state      atomic.Int32
	ctx        context.Context
	client     io.Writer
	bodyLimit  int64
	terminated bool

	// authority is the destination of a tunnel, from CONNECT or SNI.
	authority string

	// continueSent records that the client already received 100 Continue
	// for the current request.
	continueSent bool
}

func newSession(ctx context.Context, conn net.Conn, ep *ProxyEndpoint, id string, limit int64) *Session {
	if limit <= 0 {
		limit = DefaultMaxBodyBufferSize
	}
	s := &Session{
		ID:         id,
		ClientAddr: conn.RemoteAddr(),
		LocalAddr:  conn.LocalAddr(),
		Endpoint:   ep,
		ProcessID:  -1,
		Auth:       NewAuthContextStore(),
		client:     conn,
		bodyLimit:  limit,
	}
	s.ctx = withSession(ctx, s)
	return s
}

// State returns the current relay state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
}

// Context is canceled when the server stops.
func (s *Session) Context() context.Context { return s.ctx }

// IsTunnel reports whether the session arrived through CONNECT.
func (s *Session) IsTunnel() bool { return s.ConnectRequest != nil }

// Respond sets the response for the current exchange. When called from a
// BeforeRequest handler the destination is never contacted. A later call
// replaces an earlier one.
func (s *Session) Respond(resp *Response) {
	s.Response = resp
}

// Ok responds 200 with body.
func (s *Session) Ok(body []byte, headers ...HeaderField) {
	s.Respond(NewResponse(http.StatusOK, body, headers...))
}

// GenericResponse responds with status and body.
func (s *Session) GenericResponse(status int, body []byte, headers ...HeaderField) {
	s.Respond(NewResponse(status, body, headers...))
}

// Redirect responds 302 to location.
func (s *Session) Redirect(location string) {
	s.Respond(NewResponse(http.StatusFound, nil, HeaderField{Name: "Location", Value: location}))
}

// TerminateSession closes the client connection once the current hook
// returns. A response set before termination is still written.
func (s *Session) TerminateSession() {
	s.terminated = true
}

// Terminated reports whether TerminateSession was called.
func (s *Session) Terminated() bool { return s.terminated }

// RequestBody buffers and returns the decoded request body. The body is
// replayed to the destination afterwards. A client waiting on
// Expect: 100-continue is told to send first.
func (s *Session) RequestBody() ([]byte, error) {
	req := s.Request
	if req == nil || !req.HasBody() {
		return nil, nil
	}
	raw, err := s.bufferRequestBody()
	if err != nil {
		return nil, err
	}
	return DecodeBody(raw, req.Header.GetKnown(HeaderContentEncoding))
}

// RequestBodyString is RequestBody as a string.
func (s *Session) RequestBodyString() (string, error) {
	b, err := s.RequestBody()
	return string(b), err
}

func (s *Session) bufferRequestBody() ([]byte, error) {
	req := s.Request
	if data, ok := buffered(req.Body); ok {
		return data, nil
	}
	if req.ExpectContinue() && !s.continueSent {
		if err := writeInterimResponse(s.client, http.StatusContinue, nil); err != nil {
			return nil, fmt.Errorf("write 100 continue: %w", err)
		}
		s.continueSent = true
	}
	raw, body, err := bufferBody(req.Body, s.bodyLimit)
	req.Body = body
	if err != nil {
		return nil, err
	}
	req.ContentLength = int64(len(raw))
	req.Header.Del("Transfer-Encoding")
	req.Header.Set("Content-Length", strconv.Itoa(len(raw)))
	return raw, nil
}

// SetRequestBody replaces the request body with data, encoding it per the
// request's Content-Encoding.
func (s *Session) SetRequestBody(data []byte) error {
	req := s.Request
	if req == nil {
		return errors.New("no request")
	}
	if req.Body != nil {
		// Consume what the client sent so the connection stays framed.
		if _, err := s.bufferRequestBody(); err != nil {
			return err
		}
	}
	encoded, err := EncodeBody(data, req.Header.GetKnown(HeaderContentEncoding))
	if err != nil {
		return err
	}
	req.Body = newReplayBody(encoded, req.Body)
	req.ContentLength = int64(len(encoded))
	req.Header.Del("Transfer-Encoding")
	req.Header.Set("Content-Length", strconv.Itoa(len(encoded)))
	return nil
}

// SetRequestBodyString is SetRequestBody for text.
func (s *Session) SetRequestBodyString(body string) error {
	return s.SetRequestBody([]byte(body))
}

// ResponseBody buffers and returns the decoded response body.
func (s *Session) ResponseBody() ([]byte, error) {
	resp := s.Response
	if resp == nil {
		return nil, errors.New("no response")
	}
	if !resp.HasBody() {
		return nil, nil
	}
	raw, ok := buffered(resp.Body)
	if !ok {
		var body io.ReadCloser
		var err error
		raw, body, err = bufferBody(resp.Body, s.bodyLimit)
		resp.Body = body
		if err != nil {
			return nil, err
		}
		resp.ContentLength = int64(len(raw))
	}
	return DecodeBody(raw, resp.Header.GetKnown(HeaderContentEncoding))
}

// ResponseBodyString is ResponseBody as a string.
func (s *Session) ResponseBodyString() (string, error) {
	b, err := s.ResponseBody()
	return string(b), err
}

// SetResponseBody replaces the response body with data, encoding it per
// the response's Content-Encoding.
func (s *Session) SetResponseBody(data []byte) error {
	resp := s.Response
	if resp == nil {
		return errors.New("no response")
	}
	encoded, err := EncodeBody(data, resp.Header.GetKnown(HeaderContentEncoding))
	if err != nil {
		return err
	}
	if resp.Body != nil {
		_ = resp.Body.Close()
	}
	resp.Body = newReplayBody(encoded, nil)
	resp.ContentLength = int64(len(encoded))
	resp.Header.Set("Content-Length", strconv.Itoa(len(encoded)))
	return nil
}

// SetResponseBodyString is SetResponseBody for text.
func (s *Session) SetResponseBodyString(body string) error {
	return s.SetResponseBody([]byte(body))
}

// resetExchange clears per-exchange state before the next request on a
// kept-alive connection.
func (s *Session) resetExchange() {
	s.Request = nil
	s.Response = nil
	s.continueSent = false
}

// bufferBody reads src up to limit bytes. On success the returned body
// replays the bytes. When the limit is exceeded the returned body still
// yields everything read so far followed by the rest of src.
func bufferBody(src io.ReadCloser, limit int64) ([]byte, io.ReadCloser, error) {
	if src == nil {
		return nil, nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(src, limit+1))
	if err != nil {
		return nil, partialBody(data, src), fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, partialBody(data, src), ErrBodyTooLarge
	}
	return data, newReplayBody(data, src), nil
}

// replayBody serves buffered bytes. It keeps the original body so the
// drained state of the client connection is still known.
type replayBody struct {
	data     []byte
	complete bool
	r        io.Reader
	src      io.ReadCloser
}

func newReplayBody(data []byte, src io.ReadCloser) *replayBody {
	return &replayBody{data: data, complete: true, r: bytes.NewReader(data), src: src}
}

func partialBody(data []byte, src io.ReadCloser) *replayBody {
	return &replayBody{r: io.MultiReader(bytes.NewReader(data), src), src: src}
}

// buffered returns the bytes of a fully buffered body.
func buffered(rc io.ReadCloser) ([]byte, bool) {
	if b, ok := rc.(*replayBody); ok && b.complete {
		return b.data, true
	}
	return nil, false
}

func (b *replayBody) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *replayBody) Close() error {
	if b.src != nil {
		return b.src.Close()
	}
	return nil
}

func (b *replayBody) drained() bool {
	if b.src == nil {
		return true
	}
	return bodyDrained(b.src)
}

type sessionKey struct{}

func withSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext returns the session a context belongs to, if any.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok
}
