package fidget

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestAccessLogger_Log(t *testing.T) {
	tests := []struct {
		name  string
		entry AccessLogEntry
		check func(t *testing.T, m map[string]any)
	}{
		{
			name: "relayed exchange",
			entry: AccessLogEntry{
				Timestamp:    time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
				SessionID:    "abc",
				Method:       "GET",
				Host:         "example.com",
				Path:         "/index.html",
				Scheme:       "https",
				StatusCode:   200,
				Duration:     150 * time.Millisecond,
				BytesWritten: 4096,
				ClientAddr:   "192.168.1.1:54321",
				ProcessID:    -1,
			},
			check: func(t *testing.T, m map[string]any) {
				if m["session"] != "abc" {
					t.Errorf("session = %v, want abc", m["session"])
				}
				if m["host"] != "example.com" {
					t.Errorf("host = %v, want example.com", m["host"])
				}
				if m["status"] != float64(200) {
					t.Errorf("status = %v, want 200", m["status"])
				}
				if m["bytes"] != float64(4096) {
					t.Errorf("bytes = %v, want 4096", m["bytes"])
				}
				if _, ok := m["pid"]; ok {
					t.Error("pid should be omitted when unknown")
				}
				if _, ok := m["intercepted"]; ok {
					t.Error("intercepted should not be present for relayed exchange")
				}
			},
		},
		{
			name: "hook response",
			entry: AccessLogEntry{
				Timestamp:   time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
				Method:      "POST",
				Host:        "api.example.com",
				Path:        "/data",
				Scheme:      "http",
				StatusCode:  500,
				Intercepted: true,
				ProcessID:   4242,
				Error:       "before_request hook: boom",
			},
			check: func(t *testing.T, m map[string]any) {
				if m["intercepted"] != true {
					t.Errorf("intercepted = %v, want true", m["intercepted"])
				}
				if m["pid"] != float64(4242) {
					t.Errorf("pid = %v, want 4242", m["pid"])
				}
				if m["error"] != "before_request hook: boom" {
					t.Errorf("error = %v", m["error"])
				}
			},
		},
		{
			name: "pass-through tunnel",
			entry: AccessLogEntry{
				Timestamp:  time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
				Method:     "CONNECT",
				Host:       "bank.example:443",
				Tunnel:     "passthrough",
				Duration:   2 * time.Second,
				ClientAddr: "10.0.0.2:22222",
				ProcessID:  -1,
			},
			check: func(t *testing.T, m map[string]any) {
				if m["tunnel"] != "passthrough" {
					t.Errorf("tunnel = %v, want passthrough", m["tunnel"])
				}
				if _, ok := m["status"]; ok {
					t.Error("status should not be present for tunnels")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			al := NewAccessLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
			al.Log(tt.entry)

			var m map[string]any
			if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
				t.Fatalf("unmarshal: %v\n%s", err, buf.String())
			}
			if m["msg"] != "access" {
				t.Errorf("msg = %v, want access", m["msg"])
			}
			tt.check(t, m)
		})
	}
}
