// Package logging constructs the process-wide zerolog.Logger.
package logging

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/mladen1312/nyx-light-racunovodja/internal/config"
)

// New returns a configured zerolog.Logger. Console format is human
// readable for local development; json is for production log shipping.
func New(cfg *config.Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if cfg.LogFormat == "json" {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	return zerolog.New(console).With().Timestamp().Logger()
}
