// Package observability provides logging, metrics, and tracing for the
// worker runtime.
package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/fairyhunter13/celerity/internal/config"
)

// SetupLogger builds the process-wide JSON logger. Every record carries the
// service identity plus the worker's host and pid, so logs from a fleet of
// workers stay attributable once aggregated.
func SetupLogger(cfg config.Config) *slog.Logger {
	return newLogger(os.Stdout, cfg)
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	}
	host, _ := os.Hostname()
	return slog.New(slog.NewJSONHandler(w, opts)).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
		slog.String("host", host),
		slog.Int("pid", os.Getpid()),
	)
}
