// Package logging provides the structured logger used across the server and
// agent processes.
package logging

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger with the fields this codebase conventionally
// attaches (host_id, session_id, batch_id, child_id).
type Logger struct {
	*logrus.Logger
}

// Config controls logger construction.
type Config struct {
	Level      string `env:"LOG_LEVEL" yaml:"level"`
	Format     string `env:"LOG_FORMAT" yaml:"format"`
	Output     string `env:"LOG_OUTPUT" yaml:"output"`
	FilePrefix string `env:"LOG_FILE_PREFIX" yaml:"file_prefix"`
}

// New builds a Logger from Config, defaulting to info level/text format on
// stdout. Malformed levels fall back to Info rather than failing startup.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "nodenexus"
		}
		logDir := "logs"
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			l.Errorf("failed to create log directory: %v", err)
			break
		}
		f, err := os.OpenFile(filepath.Join(logDir, prefix+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			l.Errorf("failed to open log file: %v", err)
			break
		}
		l.SetOutput(f)
	default:
		l.SetOutput(os.Stdout)
	}

	return &Logger{Logger: l}
}

// ForHost returns a field-scoped entry for a given host id.
func (l *Logger) ForHost(hostID int64) *logrus.Entry {
	return l.WithField("host_id", hostID)
}

// ForBatch returns a field-scoped entry for a given batch command uuid.
func (l *Logger) ForBatch(batchID string) *logrus.Entry {
	return l.WithField("batch_id", batchID)
}

type ctxKey struct{}

// WithEntry stashes a logrus.Entry on the context for downstream handlers.
func WithEntry(ctx context.Context, e *logrus.Entry) context.Context {
	return context.WithValue(ctx, ctxKey{}, e)
}

// FromContext retrieves the logrus.Entry previously stashed, or a disconnected
// default entry if none was set.
func FromContext(ctx context.Context) *logrus.Entry {
	if e, ok := ctx.Value(ctxKey{}).(*logrus.Entry); ok && e != nil {
		return e
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
