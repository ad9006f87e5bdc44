package fidget

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Sentinel errors returned by the server and certificate manager.
var (
	ErrServerRunning          = errors.New("fidget: server is already running")
	ErrServerNotRunning       = errors.New("fidget: server is not running")
	ErrNoRootCertificate      = errors.New("fidget: root certificate not initialized")
	ErrBodyTooLarge           = errors.New("fidget: body exceeds buffer limit")
	ErrSystemProxyUnsupported = errors.New("fidget: system proxy configuration not supported on this platform")
	ErrForwardingLoop         = errors.New("fidget: destination is one of the proxy's own endpoints")
)

// CAInitializationError is returned when the root certificate cannot be
// loaded, generated, or persisted.
type CAInitializationError struct {
	Op  string
	Err error
}

func (e *CAInitializationError) Error() string {
	return fmt.Sprintf("ca initialization (%s): %v", e.Op, e.Err)
}

func (e *CAInitializationError) Unwrap() error { return e.Err }

// CertificateGenerationError is returned when minting a leaf certificate
// for Host fails. Failed generations are never cached.
type CertificateGenerationError struct {
	Host string
	Err  error
}

func (e *CertificateGenerationError) Error() string {
	return fmt.Sprintf("generate certificate for %s: %v", e.Host, e.Err)
}

func (e *CertificateGenerationError) Unwrap() error { return e.Err }

// DuplicateBindingError is returned by AddEndpoint when another endpoint
// already binds the same address and non-zero port.
type DuplicateBindingError struct {
	Addr string
	Port int
}

func (e *DuplicateBindingError) Error() string {
	return fmt.Sprintf("cannot add another endpoint to same port & ip address (%s)",
		net.JoinHostPort(e.Addr, strconv.Itoa(e.Port)))
}

// AuthNegotiationError is returned when a Windows authentication token
// cannot be produced for Scheme.
type AuthNegotiationError struct {
	Scheme string
	Err    error
}

func (e *AuthNegotiationError) Error() string {
	return fmt.Sprintf("auth negotiation (%s): %v", e.Scheme, e.Err)
}

func (e *AuthNegotiationError) Unwrap() error { return e.Err }

// HookExecutionError wraps an error returned, or a panic raised, by a
// subscriber while the engine fired Hook.
type HookExecutionError struct {
	Hook HookKind
	Err  error
}

func (e *HookExecutionError) Error() string {
	return fmt.Sprintf("%s hook: %v", e.Hook, e.Err)
}

func (e *HookExecutionError) Unwrap() error { return e.Err }

// UpstreamConnectError is returned when the destination (or the parent
// proxy in front of it) cannot be reached. Clients see a synthesized 502.
type UpstreamConnectError struct {
	Addr string
	Err  error
}

func (e *UpstreamConnectError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Addr, e.Err)
}

func (e *UpstreamConnectError) Unwrap() error { return e.Err }

// ProtocolParseError is returned when a client sends a malformed HTTP
// message. The offending connection is closed.
type ProtocolParseError struct {
	Line string
	Err  error
}

func (e *ProtocolParseError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("malformed http message: %v", e.Err)
	}
	return fmt.Sprintf("malformed http message %q: %v", e.Line, e.Err)
}

func (e *ProtocolParseError) Unwrap() error { return e.Err }
