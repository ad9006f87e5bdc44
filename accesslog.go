package fidget

import (
	"context"
	"log/slog"
	"time"
)

// AccessLogger writes one structured record per relayed exchange or tunnel.
type AccessLogger struct {
	logger *slog.Logger
}

// AccessLogEntry is one access record. Tunnel is set for relayed tunnels,
// which carry no status or byte count.
type AccessLogEntry struct {
	Timestamp  time.Time
	SessionID  string
	Method     string
	Host       string
	Path       string
	Scheme     string
	ClientAddr string
	UserAgent  string

	// ProcessID is the client process, or -1 when unknown.
	ProcessID int

	// StatusCode is zero when the connection closed without a response.
	StatusCode   int
	BytesWritten int64
	Duration     time.Duration

	// Intercepted is true when a hook supplied the response.
	Intercepted bool
	Tunnel      string
	Error       string
}

// NewAccessLogger returns an AccessLogger writing to logger at info level.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log writes e. Optional fields are omitted when unset.
func (al *AccessLogger) Log(e AccessLogEntry) {
	attrs := make([]slog.Attr, 0, 14)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("session", e.SessionID),
		slog.String("method", e.Method),
		slog.String("host", e.Host),
		slog.String("path", e.Path),
		slog.String("scheme", e.Scheme),
		slog.String("client", e.ClientAddr),
	)

	if e.ProcessID >= 0 {
		attrs = append(attrs, slog.Int("pid", e.ProcessID))
	}

	if e.Tunnel != "" {
		attrs = append(attrs, slog.String("tunnel", e.Tunnel))
	} else {
		attrs = append(attrs,
			slog.Int("status", e.StatusCode),
			slog.Int64("bytes", e.BytesWritten),
		)
	}

	if e.Intercepted {
		attrs = append(attrs, slog.Bool("intercepted", true))
	}

	attrs = append(attrs,
		slog.Duration("duration", e.Duration),
	)

	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}

	if e.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", e.UserAgent))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "access", attrs...)
}
