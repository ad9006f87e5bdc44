package fidget

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/textproto"
	"sync"
	"sync/atomic"
)

// continueState tracks one Expect: 100-continue exchange.
type continueState int32

const (
	continueSendExpect continueState = iota
	continueAwaitInterim
	continueGot100
	continueForwardBody
	continueAwaitFinal
	continueGotFinal
	continueSkipBody
	continueRelayFinal
)

func (c continueState) String() string {
	switch c {
	case continueSendExpect:
		return "send_expect_upstream"
	case continueAwaitInterim:
		return "await_upstream_interim"
	case continueGot100:
		return "got_100_continue"
	case continueForwardBody:
		return "forward_body"
	case continueAwaitFinal:
		return "await_final_response"
	case continueGotFinal:
		return "got_non_100_final"
	case continueSkipBody:
		return "skip_body_forward"
	case continueRelayFinal:
		return "relay_final_response"
	default:
		return "unknown"
	}
}

var errBodyWithheld = errors.New("request body withheld after final response")

// forwardBody is the request body handed to the upstream transport. Once
// the exchange has its final response the body is withheld, so bytes the
// client sends afterwards are never forwarded.
type forwardBody struct {
	rc io.ReadCloser

	// before runs once ahead of the first read.
	before    func() error
	once      sync.Once
	beforeErr error

	withheld atomic.Bool
	eof      atomic.Bool
}

func newForwardBody(rc io.ReadCloser, before func() error) *forwardBody {
	return &forwardBody{rc: rc, before: before}
}

func (b *forwardBody) Read(p []byte) (int, error) {
	if b.withheld.Load() {
		return 0, errBodyWithheld
	}
	if b.before != nil {
		b.once.Do(func() { b.beforeErr = b.before() })
		if b.beforeErr != nil {
			return 0, b.beforeErr
		}
	}
	n, err := b.rc.Read(p)
	if err == io.EOF {
		b.eof.Store(true)
	}
	return n, err
}

// Close leaves the client stream open; the session owns it.
func (b *forwardBody) Close() error { return nil }

// withhold stops further reads and reports whether the client body was
// consumed completely.
func (b *forwardBody) withhold() bool {
	b.withheld.Store(true)
	if b.eof.Load() {
		return true
	}
	_, ok := buffered(b.rc)
	return ok
}

// continueExchange relays the upstream answer to Expect: 100-continue. The
// transport calls back from its own goroutines, so every write to the
// client goes through mu and stops once the final response is known.
type continueExchange struct {
	sess  *Session
	state atomic.Int32

	mu       sync.Mutex
	finished bool
	writeErr error
}

func newContinueExchange(sess *Session) *continueExchange {
	ce := &continueExchange{sess: sess}
	ce.setState(continueSendExpect)
	return ce
}

func (ce *continueExchange) setState(st continueState) { ce.state.Store(int32(st)) }

func (ce *continueExchange) current() continueState { return continueState(ce.state.Load()) }

// prepare attaches the interim-response trace to req and gates its body.
func (ce *continueExchange) prepare(req *http.Request, body *forwardBody) *http.Request {
	body.before = ce.beforeBody
	ce.setState(continueAwaitInterim)

	trace := &httptrace.ClientTrace{
		Got100Continue: func() {
			ce.setState(continueGot100)
			ce.relayInterim(http.StatusContinue, nil)
		},
		Got1xxResponse: func(code int, header textproto.MIMEHeader) error {
			if code == http.StatusContinue {
				return nil
			}
			ce.relayInterim(code, http.Header(header))
			return nil
		},
	}
	return req.WithContext(httptrace.WithClientTrace(req.Context(), trace))
}

// beforeBody runs when the transport starts sending the body. If the
// upstream never answered the expectation the client still needs its 100.
func (ce *continueExchange) beforeBody() error {
	ce.relayInterim(http.StatusContinue, nil)
	ce.setState(continueForwardBody)
	return ce.err()
}

func (ce *continueExchange) relayInterim(code int, header http.Header) {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	if ce.finished || ce.writeErr != nil {
		return
	}
	if code == http.StatusContinue {
		if ce.sess.continueSent {
			return
		}
		ce.sess.continueSent = true
	}
	ce.writeErr = writeInterimResponse(ce.sess.client, code, header)
}

func (ce *continueExchange) err() error {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	return ce.writeErr
}

// finish records the final response. After it returns no callback writes
// to the client again.
func (ce *continueExchange) finish(resp *http.Response) {
	ce.mu.Lock()
	ce.finished = true
	ce.mu.Unlock()

	switch {
	case resp == nil:
		ce.setState(continueSkipBody)
	case ce.current() == continueAwaitInterim:
		// A final status arrived before any interim: the body is never sent.
		ce.setState(continueGotFinal)
		ce.setState(continueSkipBody)
	default:
		ce.setState(continueAwaitFinal)
	}
	ce.setState(continueRelayFinal)
}

// outcome labels the exchange for metrics.
func (ce *continueExchange) outcome(resp *http.Response) string {
	ce.mu.Lock()
	sent := ce.sess.continueSent
	ce.mu.Unlock()
	switch {
	case resp == nil:
		return "error"
	case sent:
		return "continued"
	default:
		return "rejected"
	}
}
