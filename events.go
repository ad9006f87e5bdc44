package fidget

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// HookKind identifies an interception point.
type HookKind int

// Interception points, in the order they fire during an exchange.
const (
	HookBeforeSslAuthenticate HookKind = iota
	HookBeforeRequest
	HookClientCertificateSelection
	HookBeforeResponse
	HookAfterResponse
)

func (k HookKind) String() string {
	switch k {
	case HookBeforeSslAuthenticate:
		return "before_ssl_authenticate"
	case HookBeforeRequest:
		return "before_request"
	case HookClientCertificateSelection:
		return "client_certificate_selection"
	case HookBeforeResponse:
		return "before_response"
	case HookAfterResponse:
		return "after_response"
	default:
		return fmt.Sprintf("hook(%d)", int(k))
	}
}

// SessionHandler observes or mutates a session. BeforeRequest handlers may
// call Session.Respond to answer without contacting the destination.
type SessionHandler = func(ctx context.Context, s *Session) error

// SslAuthenticateHandler decides whether a TLS tunnel is decrypted.
type SslAuthenticateHandler = func(ctx context.Context, e *SslAuthenticateEvent) error

// ClientCertificateHandler chooses the certificate presented to an upstream
// server that asks for one.
type ClientCertificateHandler = func(ctx context.Context, e *ClientCertificateEvent) error

// SslAuthenticateEvent is passed to BeforeSslAuthenticate handlers once the
// engine knows a tunnel carries TLS.
type SslAuthenticateEvent struct {
	Session *Session

	// Authority is the host:port the client asked for.
	Authority string

	// ClientHello is the sniffed hello. It is nil when the hello could not
	// be parsed.
	ClientHello *ClientHelloInfo

	// DecryptSSL starts as the endpoint setting. Clear it to pass the
	// tunnel through untouched.
	DecryptSSL bool

	// ForwardPort is the destination port used for pass-through. It starts
	// as the authority port.
	ForwardPort int
}

// ClientCertificateEvent is passed to ClientCertificateSelection handlers
// during an upstream TLS handshake.
type ClientCertificateEvent struct {
	// Session is nil when the handshake was not started by a session.
	Session *Session

	TargetHost       string
	AcceptableCAs    [][]byte
	SignatureSchemes []tls.SignatureScheme

	// ClientCertificate is sent to the server. Leave nil to send none.
	ClientCertificate *tls.Certificate
}

// Subscription identifies a registered handler for Unsubscribe.
type Subscription struct {
	kind HookKind
	id   uint64
}

// Kind reports which interception point the subscription belongs to.
func (s Subscription) Kind() HookKind { return s.kind }

type handlerEntry[A any] struct {
	id uint64
	fn func(context.Context, A) error
}

// handlerList is an ordered set of handlers. Firing works on a copy, so a
// handler added or removed mid-fire affects only later fires.
type handlerList[A any] struct {
	mu      sync.Mutex
	next    uint64
	entries []handlerEntry[A]
}

func (l *handlerList[A]) add(fn func(context.Context, A) error) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.entries = append(l.entries, handlerEntry[A]{id: l.next, fn: fn})
	return l.next
}

func (l *handlerList[A]) remove(id uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (l *handlerList[A]) snapshot() []func(context.Context, A) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]func(context.Context, A) error, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.fn
	}
	return out
}

func (l *handlerList[A]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

type eventHub struct {
	beforeRequest     handlerList[*Session]
	beforeResponse    handlerList[*Session]
	afterResponse     handlerList[*Session]
	sslAuthenticate   handlerList[*SslAuthenticateEvent]
	clientCertificate handlerList[*ClientCertificateEvent]
}

func (h *eventHub) sessionList(kind HookKind) *handlerList[*Session] {
	switch kind {
	case HookBeforeRequest:
		return &h.beforeRequest
	case HookBeforeResponse:
		return &h.beforeResponse
	case HookAfterResponse:
		return &h.afterResponse
	}
	return nil
}

// fireHandlers runs every handler in order. A failing handler does not stop
// the rest; failures come back combined.
func fireHandlers[A any](ctx context.Context, kind HookKind, handlers []func(context.Context, A) error, arg A) error {
	var errs error
	for _, fn := range handlers {
		errs = multierr.Append(errs, callHook(ctx, kind, fn, arg))
	}
	return errs
}

func callHook[A any](ctx context.Context, kind HookKind, fn func(context.Context, A) error, arg A) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HookExecutionError{Hook: kind, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if herr := fn(ctx, arg); herr != nil {
		return &HookExecutionError{Hook: kind, Err: herr}
	}
	return nil
}

// OnBeforeRequest subscribes h to run before a request is dispatched.
func (s *ProxyServer) OnBeforeRequest(h SessionHandler) Subscription {
	return Subscription{kind: HookBeforeRequest, id: s.events.beforeRequest.add(h)}
}

// OnBeforeResponse subscribes h to run after the upstream response arrives
// and before it is relayed.
func (s *ProxyServer) OnBeforeResponse(h SessionHandler) Subscription {
	return Subscription{kind: HookBeforeResponse, id: s.events.beforeResponse.add(h)}
}

// OnAfterResponse subscribes h to run once the response reached the client.
// Its failures are logged only.
func (s *ProxyServer) OnAfterResponse(h SessionHandler) Subscription {
	return Subscription{kind: HookAfterResponse, id: s.events.afterResponse.add(h)}
}

// OnBeforeSslAuthenticate subscribes h to run when a tunnel turns out to
// carry TLS.
func (s *ProxyServer) OnBeforeSslAuthenticate(h SslAuthenticateHandler) Subscription {
	return Subscription{kind: HookBeforeSslAuthenticate, id: s.events.sslAuthenticate.add(h)}
}

// OnClientCertificateSelection subscribes h to run when an upstream server
// requests a client certificate.
func (s *ProxyServer) OnClientCertificateSelection(h ClientCertificateHandler) Subscription {
	return Subscription{kind: HookClientCertificateSelection, id: s.events.clientCertificate.add(h)}
}

// Unsubscribe removes a handler and reports whether it was registered.
func (s *ProxyServer) Unsubscribe(sub Subscription) bool {
	switch sub.kind {
	case HookBeforeSslAuthenticate:
		return s.events.sslAuthenticate.remove(sub.id)
	case HookClientCertificateSelection:
		return s.events.clientCertificate.remove(sub.id)
	}
	if l := s.events.sessionList(sub.kind); l != nil {
		return l.remove(sub.id)
	}
	return false
}

// fireSession runs the session handlers for kind and logs each failure.
func (s *ProxyServer) fireSession(ctx context.Context, kind HookKind, sess *Session) error {
	l := s.events.sessionList(kind)
	if l == nil {
		return nil
	}
	err := fireHandlers(ctx, kind, l.snapshot(), sess)
	s.reportHookErrors(err, sess)
	return err
}

func (s *ProxyServer) reportHookErrors(err error, sess *Session) {
	for _, e := range multierr.Errors(err) {
		attrs := []any{"error", e}
		if sess != nil {
			attrs = append(attrs, "session", sess.ID)
		}
		s.logger().Warn("hook failed", attrs...)
		if s.Metrics != nil {
			var he *HookExecutionError
			if errors.As(e, &he) {
				s.Metrics.RecordHookError(he.Hook.String())
			}
		}
	}
}
