package fidget

import (
	"fmt"
	"os"
	"time"
)

// ReloadRootCertificate reads the root from RootCertPath and RootKeyPath
// and swaps it in. Leaves signed by the previous root are dropped; TLS
// handshakes already in flight finish with the old leaf.
func (cm *CertManager) ReloadRootCertificate() error {
	if cm.RootCertPath == "" || cm.RootKeyPath == "" {
		return &CAInitializationError{Op: "reload", Err: fmt.Errorf("root certificate paths not configured")}
	}
	certPEM, err := os.ReadFile(cm.RootCertPath)
	if err != nil {
		return &CAInitializationError{Op: "read certificate", Err: err}
	}
	keyPEM, err := os.ReadFile(cm.RootKeyPath)
	if err != nil {
		return &CAInitializationError{Op: "read key", Err: err}
	}
	return cm.ReplaceRootCertificate(certPEM, keyPEM)
}

// ReplaceRootCertificate installs a root from PEM-encoded certificate and
// key. On error the current root stays active.
func (cm *CertManager) ReplaceRootCertificate(certPEM, keyPEM []byte) error {
	cert, key, err := decodeRoot(certPEM, keyPEM)
	if err != nil {
		return &CAInitializationError{Op: "decode", Err: err}
	}

	cm.rootMu.Lock()
	cm.rootCert, cm.rootKey = cert, key
	cm.rootPEM, cm.keyPEM = certPEM, keyPEM
	cm.mu.Lock()
	cm.cache = make(map[string]*cachedCertificate)
	cm.mu.Unlock()
	cm.rootMu.Unlock()

	cm.reportCacheSize(0)
	cm.logger().Info("root certificate replaced", "subject", cert.Subject.CommonName, "not_after", cert.NotAfter)
	return nil
}

// WatchRootFiles polls the root files every interval and reloads when
// either modification time moves forward. Failed reloads are logged and
// the current root is kept. The returned function stops the watcher.
func (cm *CertManager) WatchRootFiles(interval time.Duration) func() {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	done := make(chan struct{})
	stopped := make(chan struct{})

	lastCert := modTime(cm.RootCertPath)
	lastKey := modTime(cm.RootKeyPath)

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				certMod, keyMod := modTime(cm.RootCertPath), modTime(cm.RootKeyPath)
				if !certMod.After(lastCert) && !keyMod.After(lastKey) {
					continue
				}
				lastCert, lastKey = certMod, keyMod
				if err := cm.ReloadRootCertificate(); err != nil {
					cm.logger().Error("root certificate reload failed", "path", cm.RootCertPath, "error", err)
				}
			}
		}
	}()

	return func() {
		select {
		case <-done:
		default:
			close(done)
		}
		<-stopped
	}
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
