package fidget

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// commandRunner runs an external program and returns its combined output.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, bytes.TrimSpace(out))
	}
	return out, nil
}

// TrustStore installs and removes root certificates in the operating
// system trust store by driving the platform's certificate tools.
type TrustStore struct {
	// Nickname labels the certificate in stores that support names.
	Nickname string

	// GOOS selects the platform tooling. Defaults to runtime.GOOS.
	GOOS string

	// AnchorDir is where machine-wide anchors are written on Linux.
	AnchorDir string

	// HomeDir locates per-user stores. Defaults to os.UserHomeDir.
	HomeDir string

	// Timeout bounds each external command. Defaults to 30 seconds.
	Timeout time.Duration

	Logger *slog.Logger

	run commandRunner
}

// NewTrustStore returns a TrustStore for the running platform.
func NewTrustStore() *TrustStore {
	return &TrustStore{
		Nickname:  "fidget-root",
		GOOS:      runtime.GOOS,
		AnchorDir: "/usr/local/share/ca-certificates",
		Timeout:   30 * time.Second,
		Logger:    slog.Default(),
		run:       execCommand,
	}
}

func (ts *TrustStore) runner() commandRunner {
	if ts.run == nil {
		return execCommand
	}
	return ts.run
}

func (ts *TrustStore) home() (string, error) {
	if ts.HomeDir != "" {
		return ts.HomeDir, nil
	}
	return os.UserHomeDir()
}

// Install adds cert to the trust store. certPEM is its PEM encoding.
func (ts *TrustStore) Install(cert *x509.Certificate, certPEM []byte, asAdmin bool) error {
	file, cleanup, err := ts.stage(certPEM)
	if err != nil {
		return err
	}
	defer cleanup()

	var cmds [][]string
	switch ts.goos() {
	case "linux":
		if asAdmin {
			anchor := filepath.Join(ts.AnchorDir, ts.Nickname+".crt")
			if err := os.MkdirAll(ts.AnchorDir, 0755); err != nil {
				return fmt.Errorf("create anchor directory: %w", err)
			}
			if err := os.WriteFile(anchor, certPEM, 0644); err != nil {
				return fmt.Errorf("write anchor: %w", err)
			}
			cmds = append(cmds, []string{"update-ca-certificates"})
		} else {
			db, err := ts.nssDB()
			if err != nil {
				return err
			}
			cmds = append(cmds, []string{"certutil", "-d", db, "-A", "-t", "C,,", "-n", ts.Nickname, "-i", file})
		}
	case "darwin":
		keychain, err := ts.keychain(asAdmin)
		if err != nil {
			return err
		}
		args := []string{"security", "add-trusted-cert"}
		if asAdmin {
			args = append(args, "-d")
		}
		args = append(args, "-r", "trustRoot", "-k", keychain, file)
		cmds = append(cmds, args)
	case "windows":
		args := []string{"certutil"}
		if !asAdmin {
			args = append(args, "-user")
		}
		args = append(args, "-addstore", "-f", "Root", file)
		cmds = append(cmds, args)
	default:
		return fmt.Errorf("trust store: unsupported operating system %s", ts.goos())
	}

	if err := ts.runAll(cmds); err != nil {
		return err
	}
	ts.logger().Info("installed root certificate", "subject", cert.Subject.CommonName, "admin", asAdmin)
	return nil
}

// Remove deletes cert from the trust store.
func (ts *TrustStore) Remove(cert *x509.Certificate, certPEM []byte, asAdmin bool) error {
	file, cleanup, err := ts.stage(certPEM)
	if err != nil {
		return err
	}
	defer cleanup()

	var cmds [][]string
	switch ts.goos() {
	case "linux":
		if asAdmin {
			anchor := filepath.Join(ts.AnchorDir, ts.Nickname+".crt")
			if err := os.Remove(anchor); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove anchor: %w", err)
			}
			cmds = append(cmds, []string{"update-ca-certificates", "--fresh"})
		} else {
			db, err := ts.nssDB()
			if err != nil {
				return err
			}
			cmds = append(cmds, []string{"certutil", "-d", db, "-D", "-n", ts.Nickname})
		}
	case "darwin":
		keychain, err := ts.keychain(asAdmin)
		if err != nil {
			return err
		}
		trust := []string{"security", "remove-trusted-cert"}
		if asAdmin {
			trust = append(trust, "-d")
		}
		trust = append(trust, file)
		sum := sha1.Sum(cert.Raw)
		cmds = append(cmds, trust,
			[]string{"security", "delete-certificate", "-Z", strings.ToUpper(hex.EncodeToString(sum[:])), keychain})
	case "windows":
		args := []string{"certutil"}
		if !asAdmin {
			args = append(args, "-user")
		}
		args = append(args, "-delstore", "Root", cert.SerialNumber.Text(16))
		cmds = append(cmds, args)
	default:
		return fmt.Errorf("trust store: unsupported operating system %s", ts.goos())
	}

	if err := ts.runAll(cmds); err != nil {
		return err
	}
	ts.logger().Info("removed root certificate", "subject", cert.Subject.CommonName, "admin", asAdmin)
	return nil
}

func (ts *TrustStore) runAll(cmds [][]string) error {
	timeout := ts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	for _, c := range cmds {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		_, err := ts.runner()(ctx, c[0], c[1:]...)
		cancel()
		if err != nil {
			return fmt.Errorf("trust store: %w", err)
		}
	}
	return nil
}

// stage writes certPEM to a temporary file for tools that only accept paths.
func (ts *TrustStore) stage(certPEM []byte) (string, func(), error) {
	if len(certPEM) == 0 {
		return "", nil, ErrNoRootCertificate
	}
	f, err := os.CreateTemp("", "fidget-root-*.crt")
	if err != nil {
		return "", nil, fmt.Errorf("stage certificate: %w", err)
	}
	if _, err := f.Write(certPEM); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", nil, fmt.Errorf("stage certificate: %w", err)
	}
	_ = f.Close()
	return f.Name(), func() { _ = os.Remove(f.Name()) }, nil
}

func (ts *TrustStore) nssDB() (string, error) {
	home, err := ts.home()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return "sql:" + filepath.Join(home, ".pki", "nssdb"), nil
}

func (ts *TrustStore) keychain(asAdmin bool) (string, error) {
	if asAdmin {
		return "/Library/Keychains/System.keychain", nil
	}
	home, err := ts.home()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, "Library", "Keychains", "login.keychain-db"), nil
}

func (ts *TrustStore) goos() string {
	if ts.GOOS == "" {
		return runtime.GOOS
	}
	return ts.GOOS
}

func (ts *TrustStore) logger() *slog.Logger {
	if ts.Logger == nil {
		return slog.Default()
	}
	return ts.Logger
}
