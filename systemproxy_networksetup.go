package fidget

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// networksetupProxy drives the macOS proxy settings of every enabled
// network service through networksetup.
type networksetupProxy struct {
	run     commandRunner
	timeout time.Duration
}

func (n *networksetupProxy) exec(args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	return n.run(ctx, "networksetup", args...)
}

// services lists the enabled network services.
func (n *networksetupProxy) services() ([]string, error) {
	out, err := n.exec("-listallnetworkservices")
	if err != nil {
		return nil, err
	}
	var svcs []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		// The first line is a legend; disabled services start with '*'.
		if line == "" || strings.HasPrefix(line, "An asterisk") || strings.HasPrefix(line, "*") {
			continue
		}
		svcs = append(svcs, line)
	}
	if len(svcs) == 0 {
		return nil, errors.New("no enabled network services")
	}
	return svcs, nil
}

// Current reads the settings of the first enabled service.
func (n *networksetupProxy) Current() (SystemProxySettings, error) {
	var ps SystemProxySettings
	svcs, err := n.services()
	if err != nil {
		return ps, err
	}
	svc := svcs[0]

	web, err := n.exec("-getwebproxy", svc)
	if err != nil {
		return ps, err
	}
	httpOn, httpAddr := parseNetworksetupProxy(web)

	secure, err := n.exec("-getsecurewebproxy", svc)
	if err != nil {
		return ps, err
	}
	httpsOn, httpsAddr := parseNetworksetupProxy(secure)

	bypass, err := n.exec("-getproxybypassdomains", svc)
	if err != nil {
		return ps, err
	}

	ps.Enabled = httpOn || httpsOn
	ps.HTTP = httpAddr
	ps.HTTPS = httpsAddr
	ps.Bypass = parseNetworksetupBypass(bypass)
	return ps, nil
}

func (n *networksetupProxy) Apply(ps SystemProxySettings) error {
	svcs, err := n.services()
	if err != nil {
		return err
	}
	for _, svc := range svcs {
		if err := n.applyService(svc, ps); err != nil {
			return fmt.Errorf("network service %q: %w", svc, err)
		}
	}
	return nil
}

func (n *networksetupProxy) Restore(ps SystemProxySettings) error {
	return n.Apply(ps)
}

func (n *networksetupProxy) applyService(svc string, ps SystemProxySettings) error {
	type proxyKind struct {
		set, state string
		addr       string
	}
	for _, k := range []proxyKind{
		{"-setwebproxy", "-setwebproxystate", ps.HTTP},
		{"-setsecurewebproxy", "-setsecurewebproxystate", ps.HTTPS},
	} {
		state := "off"
		if k.addr != "" {
			host, port, err := net.SplitHostPort(k.addr)
			if err != nil {
				return fmt.Errorf("proxy address %q: %w", k.addr, err)
			}
			if _, err := n.exec(k.set, svc, host, port); err != nil {
				return err
			}
			if ps.Enabled {
				state = "on"
			}
		}
		if _, err := n.exec(k.state, svc, state); err != nil {
			return err
		}
	}

	args := []string{"-setproxybypassdomains", svc}
	if len(ps.Bypass) == 0 {
		args = append(args, "Empty")
	} else {
		args = append(args, ps.Bypass...)
	}
	_, err := n.exec(args...)
	return err
}

// parseNetworksetupProxy reads -getwebproxy output:
//
//	Enabled: Yes
//	Server: 127.0.0.1
//	Port: 8080
func parseNetworksetupProxy(out []byte) (bool, string) {
	var enabled bool
	var server, port string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "Enabled":
			enabled = strings.EqualFold(value, "yes")
		case "Server":
			server = value
		case "Port":
			port = value
		}
	}
	if server == "" || port == "" || port == "0" {
		return enabled, ""
	}
	return enabled, net.JoinHostPort(server, port)
}

func parseNetworksetupBypass(out []byte) []string {
	var hosts []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "There aren't any") {
			continue
		}
		hosts = append(hosts, line)
	}
	return hosts
}
