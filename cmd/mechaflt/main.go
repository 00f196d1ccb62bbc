package main

import (
	"log/slog"
	"os"

	"github.com/mecha-org/mechaflt/cmd/mechaflt/commands"
)

func main() {
	// Warn level until the configured handler replaces it, so logs stay out
	// of the way of progress output.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
