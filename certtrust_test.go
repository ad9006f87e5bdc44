package fidget

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// recordingRunner captures commands instead of running them.
type recordingRunner struct {
	cmds []string
	err  error
}

func (r *recordingRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.cmds = append(r.cmds, strings.Join(append([]string{name}, args...), " "))
	return nil, r.err
}

func newFakeTrustStore(t *testing.T, goos string) (*TrustStore, *recordingRunner) {
	t.Helper()
	r := &recordingRunner{}
	ts := NewTrustStore()
	ts.GOOS = goos
	ts.HomeDir = "/home/tester"
	ts.AnchorDir = t.TempDir()
	ts.Logger = discardLogger()
	ts.run = r.run
	return ts, r
}

func TestTrustStoreInstall(t *testing.T) {
	tests := []struct {
		goos    string
		asAdmin bool
		prefix  string
		contain string
	}{
		{"linux", false, "certutil -d sql:/home/tester/.pki/nssdb -A", "-n fidget-root"},
		{"linux", true, "update-ca-certificates", ""},
		{"darwin", false, "security add-trusted-cert -r trustRoot", "/home/tester/Library/Keychains/login.keychain-db"},
		{"darwin", true, "security add-trusted-cert -d", "/Library/Keychains/System.keychain"},
		{"windows", false, "certutil -user -addstore -f Root", ""},
		{"windows", true, "certutil -addstore -f Root", ""},
	}

	cm := newTestCertManager(t)
	for _, tt := range tests {
		ts, r := newFakeTrustStore(t, tt.goos)
		if err := ts.Install(cm.RootCertificate(), cm.RootCertificatePEM(), tt.asAdmin); err != nil {
			t.Errorf("%s admin=%v: Install: %v", tt.goos, tt.asAdmin, err)
			continue
		}
		if len(r.cmds) != 1 {
			t.Errorf("%s admin=%v: ran %q", tt.goos, tt.asAdmin, r.cmds)
			continue
		}
		if !strings.HasPrefix(r.cmds[0], tt.prefix) || !strings.Contains(r.cmds[0], tt.contain) {
			t.Errorf("%s admin=%v: command = %q", tt.goos, tt.asAdmin, r.cmds[0])
		}
		if tt.goos == "linux" && tt.asAdmin {
			data, err := os.ReadFile(filepath.Join(ts.AnchorDir, "fidget-root.crt"))
			if err != nil || string(data) != string(cm.RootCertificatePEM()) {
				t.Errorf("anchor not written: %v", err)
			}
		}
	}
}

func TestTrustStoreRemove(t *testing.T) {
	cm := newTestCertManager(t)

	ts, r := newFakeTrustStore(t, "darwin")
	if err := ts.Remove(cm.RootCertificate(), cm.RootCertificatePEM(), false); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(r.cmds) != 2 || !strings.HasPrefix(r.cmds[1], "security delete-certificate -Z ") {
		t.Errorf("darwin commands = %q", r.cmds)
	}

	ts, r = newFakeTrustStore(t, "windows")
	if err := ts.Remove(cm.RootCertificate(), cm.RootCertificatePEM(), true); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	want := "certutil -delstore Root " + cm.RootCertificate().SerialNumber.Text(16)
	if len(r.cmds) != 1 || r.cmds[0] != want {
		t.Errorf("windows commands = %q, want %q", r.cmds, want)
	}

	ts, _ = newFakeTrustStore(t, "linux")
	anchor := filepath.Join(ts.AnchorDir, "fidget-root.crt")
	if err := os.WriteFile(anchor, cm.RootCertificatePEM(), 0644); err != nil {
		t.Fatal(err)
	}
	if err := ts.Remove(cm.RootCertificate(), cm.RootCertificatePEM(), true); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(anchor); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("anchor still present: %v", err)
	}
}

func TestTrustStoreErrors(t *testing.T) {
	cm := newTestCertManager(t)

	ts, r := newFakeTrustStore(t, "linux")
	r.err = errors.New("certutil: not found")
	if err := ts.Install(cm.RootCertificate(), cm.RootCertificatePEM(), false); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("Install with failing tool = %v", err)
	}

	ts, _ = newFakeTrustStore(t, "plan9")
	if err := ts.Install(cm.RootCertificate(), cm.RootCertificatePEM(), false); err == nil {
		t.Error("Install on unsupported platform succeeded")
	}

	if err := ts.Install(cm.RootCertificate(), nil, false); !errors.Is(err, ErrNoRootCertificate) {
		t.Errorf("Install without PEM = %v, want ErrNoRootCertificate", err)
	}
}

func TestCertManagerTrustRoot(t *testing.T) {
	cm := newTestCertManager(t)
	ts, r := newFakeTrustStore(t, "windows")
	cm.TrustStore = ts

	if err := cm.TrustRootCertificate(false); err != nil {
		t.Fatalf("TrustRootCertificate: %v", err)
	}
	if err := cm.RemoveTrustedRootCertificate(false); err != nil {
		t.Fatalf("RemoveTrustedRootCertificate: %v", err)
	}
	if len(r.cmds) != 2 {
		t.Errorf("commands = %q", r.cmds)
	}

	empty := NewCertManager("", "")
	if err := empty.TrustRootCertificate(false); !errors.Is(err, ErrNoRootCertificate) {
		t.Errorf("TrustRootCertificate without root = %v", err)
	}
}
