package fidget

import "time"

func newPlatformProxyManager(run commandRunner) SystemProxyManager {
	return &networksetupProxy{run: run, timeout: 10 * time.Second}
}
