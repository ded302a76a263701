// Package logging wires log/slog to a charmbracelet/log backend so every
// package can log through the standard slog API.
package logging

import (
	"log/slog"
	"os"

	charmlog "github.com/charmbracelet/log"
	"golang.org/x/term"
)

// Setup installs the global slog logger. Terminal output gets the colored
// text format; anything else (systemd, pipes, container logs) gets JSON.
func Setup(verbose bool) {
	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
	})

	level := charmlog.InfoLevel
	if verbose {
		level = charmlog.DebugLevel
	}
	handler.SetLevel(level)

	if !term.IsTerminal(int(os.Stderr.Fd())) {
		handler.SetFormatter(charmlog.JSONFormatter)
	}

	slog.SetDefault(slog.New(handler))
}
