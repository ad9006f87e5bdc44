package fidget

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// Authentication schemes answered on the client's behalf.
const (
	SchemeNTLM      = "NTLM"
	SchemeNegotiate = "Negotiate"
)

// ntlmSignature starts every NTLM message.
var ntlmSignature = []byte("NTLMSSP\x00")

// NTLMCredentials are explicit credentials for NTLM. On Windows a nil
// value means the current user's logon session.
type NTLMCredentials struct {
	Domain   string
	Username string
	Password string
}

// authContext is one in-progress NTLM handshake.
type authContext interface {
	// respond answers a Type-2 challenge with a Type-3 message.
	respond(challenge []byte) ([]byte, error)
	release()
}

// AuthContextStore keeps the authentication handshakes of one client
// connection, keyed by upstream server name.
type AuthContextStore struct {
	// Credentials used where the platform offers no implicit ones.
	Credentials *NTLMCredentials

	mu        sync.Mutex
	contexts  map[string]authContext
	bound     map[string]bool
	transport *http.Transport
}

// NewAuthContextStore returns an empty store.
func NewAuthContextStore() *AuthContextStore {
	return &AuthContextStore{
		contexts: make(map[string]authContext),
		bound:    make(map[string]bool),
	}
}

func (st *AuthContextStore) put(server string, ctx authContext) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if old, ok := st.contexts[server]; ok {
		old.release()
	}
	st.contexts[server] = ctx
}

func (st *AuthContextStore) get(server string) (authContext, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	ctx, ok := st.contexts[server]
	return ctx, ok
}

// Len returns the number of stored handshakes.
func (st *AuthContextStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.contexts)
}

// affinityTransport returns the store's single-connection transport,
// creating it from tp on first use.
func (st *AuthContextStore) affinityTransport(tp *TransportPool) *http.Transport {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.transport == nil {
		st.transport = tp.NewAffinityTransport()
	}
	return st.transport
}

// boundTransport returns the authenticated transport for host, if the
// handshake with host completed.
func (st *AuthContextStore) boundTransport(host string) http.RoundTripper {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.transport == nil || !st.bound[host] {
		return nil
	}
	return st.transport
}

func (st *AuthContextStore) bind(host string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.bound[host] = true
}

// Close releases every handshake and the store's connections.
func (st *AuthContextStore) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	for server, ctx := range st.contexts {
		ctx.release()
		delete(st.contexts, server)
	}
	clear(st.bound)
	if st.transport != nil {
		st.transport.CloseIdleConnections()
		st.transport = nil
	}
	return nil
}

// GetInitialAuthToken starts a handshake with serverName and returns the
// NTLM negotiate (Type-1) message. The handshake is kept in store for
// GetFinalAuthToken.
func GetInitialAuthToken(serverName, scheme string, store *AuthContextStore) ([]byte, error) {
	if !strings.EqualFold(scheme, SchemeNTLM) && !strings.EqualFold(scheme, SchemeNegotiate) {
		return nil, &AuthNegotiationError{Scheme: scheme, Err: errors.New("unsupported scheme")}
	}
	if store == nil {
		return nil, &AuthNegotiationError{Scheme: scheme, Err: errors.New("no context store")}
	}

	ctx, token, err := newAuthContext(store.Credentials)
	if err != nil {
		return nil, &AuthNegotiationError{Scheme: scheme, Err: err}
	}
	store.put(strings.ToLower(serverName), ctx)
	return token, nil
}

// GetFinalAuthToken answers serverName's challenge (Type-2) with the
// authenticate (Type-3) message.
func GetFinalAuthToken(serverName string, challenge []byte, store *AuthContextStore) ([]byte, error) {
	if store == nil {
		return nil, &AuthNegotiationError{Scheme: SchemeNTLM, Err: errors.New("no context store")}
	}
	ctx, ok := store.get(strings.ToLower(serverName))
	if !ok {
		return nil, &AuthNegotiationError{Scheme: SchemeNTLM, Err: fmt.Errorf("no handshake in progress with %s", serverName)}
	}
	if !bytes.HasPrefix(challenge, ntlmSignature) {
		return nil, &AuthNegotiationError{Scheme: SchemeNTLM, Err: errors.New("challenge is not an NTLM message")}
	}
	token, err := ctx.respond(challenge)
	if err != nil {
		return nil, &AuthNegotiationError{Scheme: SchemeNTLM, Err: err}
	}
	return token, nil
}

// AuthHeaderValue formats token for an Authorization header.
func AuthHeaderValue(scheme string, token []byte) string {
	return scheme + " " + base64.StdEncoding.EncodeToString(token)
}

// ParseAuthChallenge splits a WWW-Authenticate value into its scheme and
// decoded token. The token is nil for a bare scheme.
func ParseAuthChallenge(header string) (string, []byte, error) {
	scheme, rest, _ := strings.Cut(strings.TrimSpace(header), " ")
	if scheme == "" {
		return "", nil, errors.New("empty challenge")
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return scheme, nil, nil
	}
	token, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		return scheme, nil, fmt.Errorf("decode %s challenge: %w", scheme, err)
	}
	return scheme, token, nil
}

// winAuthScheme picks the scheme to answer from a 401's challenges. NTLM
// is preferred since that is what the handshake speaks.
func winAuthScheme(challenges []string) string {
	var found string
	for _, c := range challenges {
		scheme, _, _ := strings.Cut(strings.TrimSpace(c), " ")
		switch {
		case strings.EqualFold(scheme, SchemeNTLM):
			return SchemeNTLM
		case strings.EqualFold(scheme, SchemeNegotiate):
			found = SchemeNegotiate
		}
	}
	return found
}

func findChallenge(challenges []string, scheme string) []byte {
	for _, c := range challenges {
		s, token, err := ParseAuthChallenge(c)
		if err == nil && strings.EqualFold(s, scheme) && len(token) > 0 {
			return token
		}
	}
	return nil
}

// negotiateWinAuth answers an NTLM or Negotiate challenge by replaying the
// request over a connection dedicated to this session: first with the
// negotiate message, then with the answer to the server's challenge.
func (s *ProxyServer) negotiateWinAuth(sess *Session, scheme string, body []byte, first *http.Response) (*http.Response, error) {
	discardBody(first)

	host := sess.Request.URL.Host
	server := sess.Request.URL.Hostname()
	rt := sess.Auth.affinityTransport(s.TransportPool)

	token, err := GetInitialAuthToken(server, scheme, sess.Auth)
	if err != nil {
		return nil, err
	}
	resp, err := s.authLeg(sess, rt, scheme, token, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		sess.Auth.bind(host)
		return resp, nil
	}

	challenge := findChallenge(resp.Header.Values("WWW-Authenticate"), scheme)
	if challenge == nil {
		// The server refused the negotiation; relay its answer.
		return resp, nil
	}
	discardBody(resp)

	token, err = GetFinalAuthToken(server, challenge, sess.Auth)
	if err != nil {
		return nil, err
	}
	resp, err = s.authLeg(sess, rt, scheme, token, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		sess.Auth.bind(host)
	}
	return resp, nil
}

func (s *ProxyServer) authLeg(sess *Session, rt http.RoundTripper, scheme string, token, body []byte) (*http.Response, error) {
	out := sess.Request.toHTTP(sess.ctx)
	out.Header.Del("Expect")
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.ContentLength = int64(len(body))
	}
	out.Header.Set("Authorization", AuthHeaderValue(scheme, token))
	return rt.RoundTrip(out)
}

// discardBody reads a little of resp's body so its connection can be
// reused, then closes it.
func discardBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func (s *Session) closeAuth() {
	if s.Auth != nil {
		_ = s.Auth.Close()
	}
}
