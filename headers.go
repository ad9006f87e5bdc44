package fidget

import (
	"bufio"
	"iter"
	"net/http"
	"slices"
	"strings"
)

// KnownHeader identifies headers the engine consults on every message.
// Lookups by KnownHeader compare integers instead of folding case.
type KnownHeader uint8

// Known headers.
const (
	HeaderUnknown KnownHeader = iota
	HeaderHost
	HeaderContentLength
	HeaderContentType
	HeaderContentEncoding
	HeaderTransferEncoding
	HeaderConnection
	HeaderProxyConnection
	HeaderKeepAlive
	HeaderExpect
	HeaderUpgrade
	HeaderAuthorization
	HeaderProxyAuthorization
	HeaderWWWAuthenticate
	HeaderProxyAuthenticate
	HeaderTE
	HeaderTrailer
	HeaderLocation
	HeaderUserAgent
	HeaderAcceptEncoding
	HeaderCookie
	HeaderSetCookie
)

var knownHeaderNames = [...]string{
	HeaderUnknown:            "",
	HeaderHost:               "Host",
	HeaderContentLength:      "Content-Length",
	HeaderContentType:        "Content-Type",
	HeaderContentEncoding:    "Content-Encoding",
	HeaderTransferEncoding:   "Transfer-Encoding",
	HeaderConnection:         "Connection",
	HeaderProxyConnection:    "Proxy-Connection",
	HeaderKeepAlive:          "Keep-Alive",
	HeaderExpect:             "Expect",
	HeaderUpgrade:            "Upgrade",
	HeaderAuthorization:      "Authorization",
	HeaderProxyAuthorization: "Proxy-Authorization",
	HeaderWWWAuthenticate:    "WWW-Authenticate",
	HeaderProxyAuthenticate:  "Proxy-Authenticate",
	HeaderTE:                 "TE",
	HeaderTrailer:            "Trailer",
	HeaderLocation:           "Location",
	HeaderUserAgent:          "User-Agent",
	HeaderAcceptEncoding:     "Accept-Encoding",
	HeaderCookie:             "Cookie",
	HeaderSetCookie:          "Set-Cookie",
}

var knownHeaderLookup = func() map[string]KnownHeader {
	m := make(map[string]KnownHeader, len(knownHeaderNames))
	for i, name := range knownHeaderNames {
		if name != "" {
			m[strings.ToLower(name)] = KnownHeader(i)
		}
	}
	return m
}()

// String returns the canonical spelling of the header name.
func (k KnownHeader) String() string {
	if int(k) < len(knownHeaderNames) {
		return knownHeaderNames[k]
	}
	return ""
}

func classifyHeader(name string) KnownHeader {
	return knownHeaderLookup[strings.ToLower(name)]
}

// HeaderField is a single header line. Name keeps the spelling it arrived
// with.
type HeaderField struct {
	Name  string
	Value string

	known KnownHeader
}

func (f HeaderField) matches(name string, known KnownHeader) bool {
	if known != HeaderUnknown {
		return f.known == known
	}
	return strings.EqualFold(f.Name, name)
}

// HeaderCollection is an ordered multi-map of header fields. Insertion
// order and duplicates are preserved so a relayed message keeps its
// original layout.
type HeaderCollection struct {
	fields []HeaderField
}

// NewHeaderCollection returns a collection holding fields in order.
func NewHeaderCollection(fields ...HeaderField) *HeaderCollection {
	h := &HeaderCollection{fields: make([]HeaderField, 0, max(len(fields), 8))}
	for _, f := range fields {
		h.Add(f.Name, f.Value)
	}
	return h
}

// Len returns the number of header lines.
func (h *HeaderCollection) Len() int { return len(h.fields) }

// Add appends a header line.
func (h *HeaderCollection) Add(name, value string) {
	h.fields = append(h.fields, HeaderField{Name: name, Value: value, known: classifyHeader(name)})
}

// Set replaces every line named name with a single line holding value.
// The replacement takes the position of the first existing line.
func (h *HeaderCollection) Set(name, value string) {
	known := classifyHeader(name)
	idx := -1
	out := h.fields[:0]
	for _, f := range h.fields {
		if f.matches(name, known) {
			if idx >= 0 {
				continue
			}
			idx = len(out)
			f.Value = value
		}
		out = append(out, f)
	}
	h.fields = out
	if idx < 0 {
		h.fields = append(h.fields, HeaderField{Name: name, Value: value, known: known})
	}
}

// Get returns the first value for name, or "".
func (h *HeaderCollection) Get(name string) string {
	return h.get(name, classifyHeader(name))
}

// GetKnown is Get for a known header without any name folding.
func (h *HeaderCollection) GetKnown(k KnownHeader) string {
	return h.get(k.String(), k)
}

func (h *HeaderCollection) get(name string, known KnownHeader) string {
	for _, f := range h.fields {
		if f.matches(name, known) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name in order.
func (h *HeaderCollection) Values(name string) []string {
	known := classifyHeader(name)
	var out []string
	for _, f := range h.fields {
		if f.matches(name, known) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Has reports whether at least one line is named name.
func (h *HeaderCollection) Has(name string) bool {
	known := classifyHeader(name)
	return slices.ContainsFunc(h.fields, func(f HeaderField) bool { return f.matches(name, known) })
}

// Del removes every line named name.
func (h *HeaderCollection) Del(name string) {
	known := classifyHeader(name)
	h.fields = slices.DeleteFunc(h.fields, func(f HeaderField) bool { return f.matches(name, known) })
}

// HasToken reports whether any comma-separated value of name equals token,
// ignoring case. Used for Connection, Upgrade and Transfer-Encoding.
func (h *HeaderCollection) HasToken(name, token string) bool {
	for _, v := range h.Values(name) {
		for part := range strings.SplitSeq(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// All iterates over the header lines in order.
func (h *HeaderCollection) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, f := range h.fields {
			if !yield(f.Name, f.Value) {
				return
			}
		}
	}
}

// Fields returns a copy of the header lines.
func (h *HeaderCollection) Fields() []HeaderField {
	return slices.Clone(h.fields)
}

// Clone returns a deep copy.
func (h *HeaderCollection) Clone() *HeaderCollection {
	return &HeaderCollection{fields: slices.Clone(h.fields)}
}

// ToHTTP converts to an http.Header. Line order across different names is
// lost; order among duplicates is kept.
func (h *HeaderCollection) ToHTTP() http.Header {
	out := make(http.Header, len(h.fields))
	for _, f := range h.fields {
		key := http.CanonicalHeaderKey(f.Name)
		out[key] = append(out[key], f.Value)
	}
	return out
}

// HeaderCollectionFromHTTP converts an http.Header, ordering names
// alphabetically so the result is deterministic.
func HeaderCollectionFromHTTP(src http.Header) *HeaderCollection {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	h := &HeaderCollection{fields: make([]HeaderField, 0, len(src))}
	for _, k := range keys {
		for _, v := range src[k] {
			h.Add(k, v)
		}
	}
	return h
}

func (h *HeaderCollection) write(w *bufio.Writer) error {
	for _, f := range h.fields {
		if _, err := w.WriteString(f.Name); err != nil {
			return err
		}
		if _, err := w.WriteString(": "); err != nil {
			return err
		}
		if _, err := w.WriteString(f.Value); err != nil {
			return err
		}
		if _, err := w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	return nil
}

// hopByHopHeaders are stripped before a message is forwarded.
var hopByHopHeaders = []KnownHeader{
	HeaderConnection,
	HeaderProxyConnection,
	HeaderKeepAlive,
	HeaderProxyAuthenticate,
	HeaderProxyAuthorization,
	HeaderTE,
	HeaderTrailer,
	HeaderTransferEncoding,
	HeaderUpgrade,
}

// removeHopByHopHeaders strips hop-by-hop headers along with any header
// named in Connection. keepUpgrade retains Connection and Upgrade for
// protocol switches.
func removeHopByHopHeaders(h *HeaderCollection, keepUpgrade bool) {
	for _, v := range h.Values("Connection") {
		for name := range strings.SplitSeq(v, ",") {
			name = strings.TrimSpace(name)
			if name == "" || (keepUpgrade && strings.EqualFold(name, "upgrade")) {
				continue
			}
			h.Del(name)
		}
	}
	for _, k := range hopByHopHeaders {
		if keepUpgrade && (k == HeaderConnection || k == HeaderUpgrade) {
			continue
		}
		h.Del(k.String())
	}
}
