package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/kiranshivaraju/pbsgestor/internal/apperr"
	"github.com/kiranshivaraju/pbsgestor/internal/config"
)

// newLogger builds the diagnostics logger. stdout stays free for status
// lines, so the default sink is stderr.
func newLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, fmt.Errorf("%w: logging.level: %w", apperr.ErrConfig, err)
	}

	var w io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: open log file: %w", apperr.ErrConfig, err)
		}
		w, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h), closer, nil
}
