package core

import (
	"log/slog"
	"os"

	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"
)

// NewLogger builds the node logger: a tinted console handler, fanned out to
// a plain-text file sink when logPath is set.
func NewLogger(nodeID string, logPath string, level slog.Level) (*slog.Logger, error) {
	console := tint.NewHandler(os.Stderr, &tint.Options{
		Level:        level,
		TimeFormat:   "15:04:05",
		CustomPrefix: nodeID,
	})
	if logPath == "" {
		return slog.New(console), nil
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	file := slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(console, file)), nil
}
