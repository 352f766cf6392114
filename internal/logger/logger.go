// Package logger builds the zerolog.Logger every component is handed
// at construction time: a console writer in development, JSON in
// production, selected by the config's Env field.
package logger

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/sbaradwaj/s3proxy/internal/config"
)

// New returns a configured zerolog.Logger for cfg.Server.Env.
func New(cfg *config.Config) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(cfg.Observability.LogLevel); err == nil && cfg.Observability.LogLevel != "" {
		lvl = parsed
	} else if cfg.Server.Env == "development" {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if cfg.Server.Env == "development" {
		out := zerolog.ConsoleWriter{Out: os.Stderr}
		return zerolog.New(out).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
