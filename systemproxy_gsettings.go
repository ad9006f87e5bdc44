package fidget

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// gsettingsProxy drives the GNOME proxy settings through gsettings.
type gsettingsProxy struct {
	run     commandRunner
	timeout time.Duration
}

const (
	gnomeProxySchema = "org.gnome.system.proxy"
	gnomeHTTPSchema  = "org.gnome.system.proxy.http"
	gnomeHTTPSSchema = "org.gnome.system.proxy.https"
)

func (g *gsettingsProxy) get(schema, key string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	out, err := g.run(ctx, "gsettings", "get", schema, key)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *gsettingsProxy) set(schema, key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	_, err := g.run(ctx, "gsettings", "set", schema, key, value)
	return err
}

func (g *gsettingsProxy) Current() (SystemProxySettings, error) {
	var ps SystemProxySettings

	mode, err := g.get(gnomeProxySchema, "mode")
	if err != nil {
		return ps, err
	}
	ps.Enabled = unquoteGVariant(mode) == "manual"

	if ps.HTTP, err = g.hostPort(gnomeHTTPSchema); err != nil {
		return ps, err
	}
	if ps.HTTPS, err = g.hostPort(gnomeHTTPSSchema); err != nil {
		return ps, err
	}

	hosts, err := g.get(gnomeProxySchema, "ignore-hosts")
	if err != nil {
		return ps, err
	}
	ps.Bypass = parseGVariantList(hosts)
	return ps, nil
}

func (g *gsettingsProxy) hostPort(schema string) (string, error) {
	host, err := g.get(schema, "host")
	if err != nil {
		return "", err
	}
	port, err := g.get(schema, "port")
	if err != nil {
		return "", err
	}
	host = unquoteGVariant(host)
	if host == "" {
		return "", nil
	}
	return net.JoinHostPort(host, strings.TrimPrefix(port, "uint32 ")), nil
}

func (g *gsettingsProxy) Apply(ps SystemProxySettings) error {
	if err := g.setHostPort(gnomeHTTPSchema, ps.HTTP); err != nil {
		return err
	}
	if err := g.setHostPort(gnomeHTTPSSchema, ps.HTTPS); err != nil {
		return err
	}
	if err := g.set(gnomeProxySchema, "ignore-hosts", formatGVariantList(ps.Bypass)); err != nil {
		return err
	}
	mode := "'none'"
	if ps.Enabled {
		mode = "'manual'"
	}
	return g.set(gnomeProxySchema, "mode", mode)
}

func (g *gsettingsProxy) Restore(ps SystemProxySettings) error {
	return g.Apply(ps)
}

func (g *gsettingsProxy) setHostPort(schema, addr string) error {
	host, port := "", 0
	if addr != "" {
		h, p, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("proxy address %q: %w", addr, err)
		}
		if port, err = strconv.Atoi(p); err != nil {
			return fmt.Errorf("proxy port %q: %w", p, err)
		}
		host = h
	}
	if err := g.set(schema, "host", quoteGVariant(host)); err != nil {
		return err
	}
	return g.set(schema, "port", strconv.Itoa(port))
}

func quoteGVariant(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `\'`) + "'"
}

func unquoteGVariant(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		s = s[1 : len(s)-1]
	}
	return strings.ReplaceAll(s, `\'`, "'")
}

// parseGVariantList reads a GVariant string array such as
// "['localhost', '127.0.0.0/8']" or "@as []".
func parseGVariantList(s string) []string {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "@as"))
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = unquoteGVariant(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func formatGVariantList(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = quoteGVariant(item)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
