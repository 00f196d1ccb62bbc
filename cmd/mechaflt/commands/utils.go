package commands

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mecha-org/mechaflt/internal/config"
	"github.com/mecha-org/mechaflt/pkg/db"
	"github.com/mecha-org/mechaflt/pkg/engine"
	"github.com/mecha-org/mechaflt/pkg/errors"
	"github.com/mecha-org/mechaflt/pkg/flash"
	"github.com/mecha-org/mechaflt/pkg/notify"
	"github.com/mecha-org/mechaflt/pkg/security"
)

// loadConfig reads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	return cfg, nil
}

// setupLogging replaces the default logger with the configured level and format.
func setupLogging(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath, cacheDir string) error {
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Only the fetch command needs these
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}
	if cacheDir != "" {
		if err := os.MkdirAll(cacheDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create cache directory")
		}
	}

	return nil
}

func limitsFrom(cfg *config.Config) security.Limits {
	return security.Limits{
		MaxFileSize:         cfg.MaxFileSize,
		MaxTotalSize:        cfg.MaxTotalSize,
		MaxCompressionRatio: cfg.MaxCompressionRatio,
	}
}

// newOrchestrator builds an orchestrator from the configuration. rec may be nil.
func newOrchestrator(cfg *config.Config, eng engine.Engine, in io.Reader, out io.Writer, rec flash.Recorder) *flash.Orchestrator {
	opts := []flash.Option{
		flash.WithConfirmer(newPromptConfirmer(in, out, cfg.AssumeYes)),
		flash.WithOutput(out),
		flash.WithWorkDir(cfg.WorkDir),
		flash.WithLimits(limitsFrom(cfg)),
		flash.WithVerifyIntegrity(cfg.VerifyIntegrity),
		flash.WithProgressThreshold(cfg.ProgressThreshold),
	}
	if rec != nil {
		opts = append(opts, flash.WithRecorder(rec))
	}
	return flash.New(eng, opts...)
}

// subscribeProgress prints transfer progress and engine text to out.
func subscribeProgress(eng engine.Engine, out io.Writer, threshold uint64) *notify.Decoder {
	d := notify.NewDecoder(notify.WithOutput(out), notify.WithThreshold(threshold))
	eng.Subscribe(d)
	return d
}

// historyStore is the part of db.Repository the recorder writes to.
type historyStore interface {
	CreateRun(ctx context.Context, run *db.Run) error
	FinishRun(ctx context.Context, run *db.Run) error
}

// historyRecorder writes flash runs to the flash_runs table.
type historyRecorder struct {
	store historyStore
}

func (h historyRecorder) RecordStart(ctx context.Context, run flash.Run) error {
	return h.store.CreateRun(ctx, toDBRun(run))
}

func (h historyRecorder) RecordFinish(ctx context.Context, run flash.Run) error {
	return h.store.FinishRun(ctx, toDBRun(run))
}

func toDBRun(run flash.Run) *db.Run {
	r := &db.Run{
		ID:              run.ID,
		Package:         run.Package,
		ManifestID:      run.ManifestID,
		ManifestVersion: run.ManifestVersion,
		Outcome:         string(run.Outcome),
		LastState:       run.LastState,
		ErrorMessage:    run.Error,
		StartedAt:       run.StartedAt.UTC().Format(time.RFC3339),
	}
	if !run.FinishedAt.IsZero() {
		r.FinishedAt = run.FinishedAt.UTC().Format(time.RFC3339)
	}
	return r
}

// openHistory opens the state database for flash history. History is best
// effort: a database that cannot be opened only disables it.
func openHistory(cfg *config.Config) (*db.Repository, flash.Recorder) {
	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		slog.Warn("flash_history_disabled", "error", err)
		return nil, nil
	}
	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		slog.Warn("flash_history_disabled", "error", err)
		return nil, nil
	}
	return repo, historyRecorder{store: repo}
}

// orDash renders empty cells in tables.
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
