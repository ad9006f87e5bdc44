package fidget

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

const internetSettingsKey = `Software\Microsoft\Windows\CurrentVersion\Internet Settings`

// WinINet options that make running applications reread the settings.
const (
	internetOptionRefresh         = 37
	internetOptionSettingsChanged = 39
)

var procInternetSetOption = windows.NewLazySystemDLL("wininet.dll").NewProc("InternetSetOptionW")

// registryProxy edits the current user's WinINet proxy settings.
type registryProxy struct{}

func newPlatformProxyManager(commandRunner) SystemProxyManager {
	return registryProxy{}
}

func (registryProxy) Current() (SystemProxySettings, error) {
	var ps SystemProxySettings
	k, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsKey, registry.QUERY_VALUE)
	if err != nil {
		return ps, fmt.Errorf("open internet settings: %w", err)
	}
	defer k.Close()

	enabled, _, err := k.GetIntegerValue("ProxyEnable")
	if err != nil && !errors.Is(err, registry.ErrNotExist) {
		return ps, err
	}
	ps.Enabled = enabled != 0

	server, _, err := k.GetStringValue("ProxyServer")
	if err != nil && !errors.Is(err, registry.ErrNotExist) {
		return ps, err
	}
	parseWinProxyServer(server, &ps)

	override, _, err := k.GetStringValue("ProxyOverride")
	if err != nil && !errors.Is(err, registry.ErrNotExist) {
		return ps, err
	}
	ps.Bypass = parseWinBypass(override)
	return ps, nil
}

func (registryProxy) Apply(ps SystemProxySettings) error {
	k, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsKey, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("open internet settings: %w", err)
	}
	defer k.Close()

	var enable uint32
	if ps.Enabled {
		enable = 1
	}
	if err := k.SetDWordValue("ProxyEnable", enable); err != nil {
		return err
	}
	if err := k.SetStringValue("ProxyServer", formatWinProxyServer(ps)); err != nil {
		return err
	}
	if err := k.SetStringValue("ProxyOverride", formatWinBypass(ps.Bypass)); err != nil {
		return err
	}

	if procInternetSetOption.Find() == nil {
		_, _, _ = procInternetSetOption.Call(0, internetOptionSettingsChanged, 0, 0)
		_, _, _ = procInternetSetOption.Call(0, internetOptionRefresh, 0, 0)
	}
	return nil
}

func (r registryProxy) Restore(ps SystemProxySettings) error {
	return r.Apply(ps)
}
