package fidget

import "time"

func newPlatformProxyManager(run commandRunner) SystemProxyManager {
	return &gsettingsProxy{run: run, timeout: 10 * time.Second}
}
