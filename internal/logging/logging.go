// Package logging configures slog for hearth binaries.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Attribute keys shared across components so log queries stay uniform.
const (
	KeyWorkspace  = "workspace_id"
	KeyWorkflow   = "workflow_id"
	KeyEnvelope   = "envelope_id"
	KeyConnection = "conn_id"
)

// Init installs the default logger for service. LOG_FORMAT=text selects the
// text handler (JSON otherwise); LOG_LEVEL takes debug, info, warn or error.
func Init(service string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	logger := slog.New(newHandler(w, os.Getenv("LOG_FORMAT"), parseLevel(os.Getenv("LOG_LEVEL")))).
		With(slog.String("service", service))
	slog.SetDefault(logger)

	// Transitive log.Printf callers (the temporal client among them) land in slog.
	log.SetFlags(0)
	log.SetOutput(&slogWriter{logger: logger})
	return logger
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OrDefault returns l, or the process default when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

func WithWorkspace(l *slog.Logger, workspaceID string) *slog.Logger {
	return OrDefault(l).With(slog.String(KeyWorkspace, workspaceID))
}

func WithWorkflow(l *slog.Logger, workspaceID, workflowID string) *slog.Logger {
	return OrDefault(l).With(slog.String(KeyWorkspace, workspaceID), slog.String(KeyWorkflow, workflowID))
}

type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	w.logger.Info(msg, slog.String("source", "stdlib"))
	return len(p), nil
}
