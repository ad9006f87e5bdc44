//go:build !linux && !darwin && !windows

package fidget

type unsupportedProxy struct{}

func newPlatformProxyManager(commandRunner) SystemProxyManager {
	return unsupportedProxy{}
}

func (unsupportedProxy) Current() (SystemProxySettings, error) {
	return SystemProxySettings{}, ErrSystemProxyUnsupported
}

func (unsupportedProxy) Apply(SystemProxySettings) error   { return ErrSystemProxyUnsupported }
func (unsupportedProxy) Restore(SystemProxySettings) error { return ErrSystemProxyUnsupported }
