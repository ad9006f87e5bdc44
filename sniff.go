package fidget

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"
)

const (
	recordTypeHandshake = 0x16

	// maxTLSRecordLen is one TLS record header plus the largest payload.
	maxTLSRecordLen = 5 + 16384 + 2048
)

var errHelloCaptured = errors.New("client hello captured")

// newClientReader returns a reader large enough to peek a whole TLS
// record.
func newClientReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, maxTLSRecordLen)
}

// isTLSHandshake reports whether the next byte starts a TLS handshake
// record. It blocks until at least one byte is available.
func isTLSHandshake(br *bufio.Reader) (bool, error) {
	b, err := br.Peek(1)
	if err != nil {
		return false, err
	}
	return b[0] == recordTypeHandshake, nil
}

// sniffClientHello parses the ClientHello at the head of br without
// consuming it.
func sniffClientHello(ctx context.Context, br *bufio.Reader) (*ClientHelloInfo, error) {
	hdr, err := br.Peek(5)
	if err != nil {
		return nil, err
	}
	if hdr[0] != recordTypeHandshake {
		return nil, errors.New("not a tls handshake record")
	}
	n := int(binary.BigEndian.Uint16(hdr[3:5]))
	if 5+n > maxTLSRecordLen {
		return nil, errors.New("tls record too large")
	}
	record, err := br.Peek(5 + n)
	if err != nil {
		return nil, err
	}

	var hello *tls.ClientHelloInfo
	err = tls.Server(&readOnlyConn{r: bytes.NewReader(record)}, &tls.Config{
		GetConfigForClient: func(h *tls.ClientHelloInfo) (*tls.Config, error) {
			hello = h
			return nil, errHelloCaptured
		},
	}).HandshakeContext(ctx)
	if hello == nil {
		if err == nil {
			err = errors.New("no client hello")
		}
		return nil, err
	}

	return &ClientHelloInfo{
		ServerName:        hello.ServerName,
		SupportedProtos:   append([]string(nil), hello.SupportedProtos...),
		SupportedVersions: append([]uint16(nil), hello.SupportedVersions...),
		CipherSuites:      append([]uint16(nil), hello.CipherSuites...),
	}, nil
}

// readOnlyConn feeds recorded bytes to a TLS server and discards whatever
// it tries to send back.
type readOnlyConn struct {
	r io.Reader
}

func (c *readOnlyConn) Read(p []byte) (int, error)       { return c.r.Read(p) }
func (c *readOnlyConn) Write(p []byte) (int, error)      { return 0, io.ErrClosedPipe }
func (c *readOnlyConn) Close() error                     { return nil }
func (c *readOnlyConn) LocalAddr() net.Addr              { return nil }
func (c *readOnlyConn) RemoteAddr() net.Addr             { return nil }
func (c *readOnlyConn) SetDeadline(time.Time) error      { return nil }
func (c *readOnlyConn) SetReadDeadline(time.Time) error  { return nil }
func (c *readOnlyConn) SetWriteDeadline(time.Time) error { return nil }

// looksLikeHTTP reports whether the buffered bytes start with an HTTP
// request method. Call after a Peek so at least one byte is buffered.
func looksLikeHTTP(br *bufio.Reader) bool {
	b, _ := br.Peek(min(8, br.Buffered()))
	for _, m := range httpMethodPrefixes {
		if bytes.HasPrefix(b, m) || (len(b) < len(m) && bytes.HasPrefix(m, b)) {
			return len(b) > 0
		}
	}
	return false
}

var httpMethodPrefixes = [][]byte{
	[]byte("GET "), []byte("HEAD "), []byte("POST "), []byte("PUT "),
	[]byte("DELETE "), []byte("OPTIONS "), []byte("PATCH "), []byte("TRACE "),
	[]byte("CONNECT "),
}
