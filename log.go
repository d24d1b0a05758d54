package vmi

import (
	"log/slog"
	"os"
	"sync/atomic"
)

var logger atomic.Pointer[slog.Logger]

func init() {
	logger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
}

// Logger returns the logger used by the drivers.
func Logger() *slog.Logger { return logger.Load() }

// SetLogger replaces the driver logger. A nil logger restores the default,
// which only emits warnings and errors.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	logger.Store(l)
}
