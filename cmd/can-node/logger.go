package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/go-can-node/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	l := logging.New(format, lvl, os.Stderr).With("app", "can-node")
	logging.Set(l)
	return l
}
