package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mecha-org/mechaflt/internal/config"
	"github.com/mecha-org/mechaflt/pkg/errors"
	"github.com/mecha-org/mechaflt/pkg/flash"
)

var rootCmd = &cobra.Command{
	Use:   "mechaflt",
	Short: "Mecha flash tool - provision devices from flash packages",
	Long: `Flashes firmware and OS images to devices in serial download mode.

A flash package is an archive holding manifest.yml, the images it lists and a
flashing script. The package is extracted to a private workspace, validated,
and its script is run against the uuu flashing engine.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupLogging,
}

// exitInterrupted is the status of a run stopped by SIGINT or SIGTERM.
const exitInterrupted = 130

// reportedError has already been shown to the user. A zero code exits 1.
type reportedError struct {
	err  error
	code int
}

func (e *reportedError) Error() string { return e.err.Error() }

func (e *reportedError) Unwrap() error { return e.err }

func (e *reportedError) exitCode() int {
	if e.code == 0 {
		return 1
	}
	return e.code
}

func Execute() {
	err := rootCmd.Execute()
	if err == nil || errors.Is(err, flash.ErrCancelled) {
		return
	}

	var reported *reportedError
	if !errors.As(err, &reported) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(reported.exitCode())
}

func init() {
	config.SetDefaults()

	flags := rootCmd.PersistentFlags()
	flags.String("uuu-path", "uuu", "Path to the uuu flashing engine")
	flags.Uint64("progress-threshold", 100, "Smallest transfer, in engine units, that shows progress")
	flags.String("work-dir", os.TempDir(), "Parent directory for flash workspaces")
	flags.Bool("verify-integrity", false, "Check component sizes and SHA-256 digests against the manifest")
	flags.BoolP("assume-yes", "y", false, "Answer yes to every confirmation")
	flags.String("sqlite-path", viper.GetString("sqlite-path"), "SQLite database path")
	flags.String("fsm-db-path", viper.GetString("fsm-db-path"), "FSM store path")
	flags.String("cache-dir", viper.GetString("cache-dir"), "Directory for fetched packages")
	flags.String("s3-bucket", viper.GetString("s3-bucket"), "S3 bucket holding flash packages")
	flags.String("s3-region", "us-east-1", "S3 region")
	flags.Int64("max-file-size", 8*1024*1024*1024, "Max size of a single extracted file in bytes")
	flags.Int64("max-total-size", 16*1024*1024*1024, "Max total extraction size in bytes")
	flags.Float64("max-compression-ratio", 200.0, "Max compression ratio")
	flags.Int("fsm-max-retries", 5, "Retries per fetch state before giving up")
	flags.String("log-level", "warn", "Log level: debug, info, warn, error")
	flags.String("log-format", "text", "Log format: text or json")

	for _, key := range []string{
		"uuu-path", "progress-threshold", "work-dir", "verify-integrity", "assume-yes",
		"sqlite-path", "fsm-db-path", "cache-dir", "s3-bucket", "s3-region",
		"max-file-size", "max-total-size", "max-compression-ratio", "fsm-max-retries",
		"log-level", "log-format",
	} {
		viper.BindPFlag(key, flags.Lookup(key))
	}
}
