package main

import (
	"log/slog"
	"os"

	"github.com/neonlink/neonlinkd/internal/config"
	"github.com/neonlink/neonlinkd/internal/logging"
)

func setupLogger(cfg *config.Config) *slog.Logger {
	lvl := logging.LevelFromString(cfg.LogLevel)
	l := logging.New(cfg.LogFormat, lvl, os.Stderr).With("app", "neonlinkd")
	logging.Set(l)
	return l
}
