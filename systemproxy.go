package fidget

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ProxyProtocolType selects which schemes a system proxy setting covers.
type ProxyProtocolType int

// Proxy protocol scopes.
const (
	ProxyProtocolHTTP    ProxyProtocolType = 1
	ProxyProtocolHTTPS   ProxyProtocolType = 2
	ProxyProtocolAllHTTP                   = ProxyProtocolHTTP | ProxyProtocolHTTPS
)

func (p ProxyProtocolType) String() string {
	switch p {
	case ProxyProtocolHTTP:
		return "http"
	case ProxyProtocolHTTPS:
		return "https"
	case ProxyProtocolAllHTTP:
		return "all_http"
	default:
		return "none"
	}
}

// ParseProxyProtocolType parses "http", "https" or "all".
func ParseProxyProtocolType(s string) (ProxyProtocolType, error) {
	switch strings.ToLower(s) {
	case "http":
		return ProxyProtocolHTTP, nil
	case "https":
		return ProxyProtocolHTTPS, nil
	case "", "all", "all_http":
		return ProxyProtocolAllHTTP, nil
	}
	return 0, fmt.Errorf("unknown proxy protocol %q", s)
}

// SystemProxySettings is the operating system's proxy configuration.
type SystemProxySettings struct {
	Enabled bool

	// HTTP and HTTPS are host:port, empty when unset.
	HTTP  string
	HTTPS string

	// Bypass lists hosts that are reached directly.
	Bypass []string
}

// SystemProxyManager reads and writes the operating system's proxy
// configuration.
type SystemProxyManager interface {
	Current() (SystemProxySettings, error)
	Apply(SystemProxySettings) error
	Restore(SystemProxySettings) error
}

// AppliedSystemProxy records what SetAsSystemProxy changed.
type AppliedSystemProxy struct {
	Endpoint *ProxyEndpoint
	Scope    ProxyProtocolType
	Applied  SystemProxySettings

	// Previous is what DisableAllSystemProxies restores.
	Previous SystemProxySettings
}

// defaultBypass keeps loopback traffic off the proxy.
var defaultBypass = []string{"localhost", "127.0.0.1", "::1"}

// NewSystemProxyManager returns the manager for the running platform.
func NewSystemProxyManager() SystemProxyManager {
	return newPlatformProxyManager(execCommand)
}

func (s *ProxyServer) systemProxy() SystemProxyManager {
	if s.SystemProxy == nil {
		s.SystemProxy = NewSystemProxyManager()
	}
	return s.SystemProxy
}

// SetAsSystemProxy points the operating system's proxy settings for scope
// at ep. The settings in place before the first call are remembered and
// put back by DisableAllSystemProxies.
func (s *ProxyServer) SetAsSystemProxy(ep *ProxyEndpoint, scope ProxyProtocolType) (*AppliedSystemProxy, error) {
	if ep == nil || ep.Mode != ModeExplicit {
		return nil, errors.New("system proxy requires an explicit endpoint")
	}
	if scope&ProxyProtocolAllHTTP == 0 {
		return nil, fmt.Errorf("invalid proxy protocol scope %d", scope)
	}
	port := ep.BoundPort()
	if port == 0 {
		return nil, fmt.Errorf("endpoint %s is not listening", ep)
	}

	s.sysMu.Lock()
	defer s.sysMu.Unlock()

	mgr := s.systemProxy()
	current, err := mgr.Current()
	if err != nil {
		return nil, err
	}
	previous := current
	if s.applied != nil {
		previous = s.applied.Previous
	}

	next := current
	next.Enabled = true
	addr := endpointProxyAddr(ep.Addr, port)
	if scope&ProxyProtocolHTTP != 0 {
		next.HTTP = addr
	}
	if scope&ProxyProtocolHTTPS != 0 {
		next.HTTPS = addr
	}
	if len(next.Bypass) == 0 {
		next.Bypass = append([]string(nil), defaultBypass...)
	}

	if err := mgr.Apply(next); err != nil {
		return nil, err
	}
	s.applied = &AppliedSystemProxy{Endpoint: ep, Scope: scope, Applied: next, Previous: previous}
	s.logger().Info("system proxy set", "endpoint", ep.String(), "scope", scope.String(), "addr", addr)

	out := *s.applied
	return &out, nil
}

// DisableAllSystemProxies restores the settings found before the first
// SetAsSystemProxy. It does nothing if none were applied.
func (s *ProxyServer) DisableAllSystemProxies() error {
	s.sysMu.Lock()
	defer s.sysMu.Unlock()

	if s.applied == nil {
		return nil
	}
	if err := s.systemProxy().Restore(s.applied.Previous); err != nil {
		return fmt.Errorf("restore system proxy: %w", err)
	}
	s.applied = nil
	s.logger().Info("system proxy restored")
	return nil
}

// AppliedSystemProxy returns the active system proxy change, or nil.
func (s *ProxyServer) AppliedSystemProxy() *AppliedSystemProxy {
	s.sysMu.Lock()
	defer s.sysMu.Unlock()
	if s.applied == nil {
		return nil
	}
	out := *s.applied
	return &out
}

// endpointProxyAddr is the address clients on this machine use to reach
// an endpoint bound to addr.
func endpointProxyAddr(addr string, port int) string {
	if bindKey(addr) == "" {
		addr = "127.0.0.1"
	}
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

// formatWinProxyServer renders settings as a WinINet ProxyServer value.
func formatWinProxyServer(ps SystemProxySettings) string {
	if ps.HTTP != "" && ps.HTTP == ps.HTTPS {
		return ps.HTTP
	}
	var parts []string
	if ps.HTTP != "" {
		parts = append(parts, "http="+ps.HTTP)
	}
	if ps.HTTPS != "" {
		parts = append(parts, "https="+ps.HTTPS)
	}
	return strings.Join(parts, ";")
}

// parseWinProxyServer reads a WinINet ProxyServer value. A value without
// scheme prefixes applies to every scheme.
func parseWinProxyServer(v string, ps *SystemProxySettings) {
	v = strings.TrimSpace(v)
	if v == "" {
		return
	}
	if !strings.Contains(v, "=") {
		ps.HTTP, ps.HTTPS = v, v
		return
	}
	for _, part := range strings.Split(v, ";") {
		scheme, addr, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(scheme) {
		case "http":
			ps.HTTP = addr
		case "https":
			ps.HTTPS = addr
		}
	}
}

// formatWinBypass renders a ProxyOverride value.
func formatWinBypass(hosts []string) string {
	return strings.Join(hosts, ";")
}

func parseWinBypass(v string) []string {
	var out []string
	for _, h := range strings.Split(v, ";") {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}
