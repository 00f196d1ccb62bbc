package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mecha-org/mechaflt/pkg/db"
	"github.com/mecha-org/mechaflt/pkg/engine"
	"github.com/mecha-org/mechaflt/pkg/errors"
	"github.com/mecha-org/mechaflt/pkg/flash"
)

var flashCmd = &cobra.Command{
	Use:   "flash <package>",
	Short: "Flash a package to the connected device",
	Long: `Flash a package to the connected device.

<package> is a path to a package archive, or the S3 key of a package
previously downloaded with "mechaflt fetch".`,
	Args: cobra.ExactArgs(1),
	RunE: runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)
}

func runFlash(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, recorder := openHistory(cfg)
	if repo != nil {
		defer repo.Close()
	}

	var cache packageLookup
	if repo != nil {
		cache = repo
	}
	pkgPath := resolvePackage(ctx, cache, args[0])
	out := cmd.OutOrStdout()

	orch := newOrchestrator(cfg, engine.NewUUU(cfg.UUUPath), cmd.InOrStdin(), out, recorder)
	_, err = orch.Flash(ctx, pkgPath)
	return reportFlash(out, err)
}

// packageLookup finds cached packages by S3 key.
type packageLookup interface {
	GetPackage(ctx context.Context, s3Key string) (*db.Package, error)
}

// resolvePackage maps arg to a file to flash. An existing file wins; otherwise
// a ready cache entry with that key is used. Anything else is returned as is
// and reported missing by the orchestrator.
func resolvePackage(ctx context.Context, cache packageLookup, arg string) string {
	if _, err := os.Stat(arg); err == nil || cache == nil {
		return arg
	}

	pkg, err := cache.GetPackage(ctx, arg)
	if err != nil {
		slog.Warn("package_lookup_failed", "key", arg, "error", err)
		return arg
	}
	if pkg == nil || pkg.Status != db.StatusReady || pkg.LocalPath == "" {
		return arg
	}

	slog.Info("package_from_cache", "key", arg, "path", pkg.LocalPath)
	return pkg.LocalPath
}

// reportFlash prints the final status line of a flash or script run.
func reportFlash(out io.Writer, err error) error {
	var notFound *flash.PackageNotFoundError

	switch {
	case err == nil:
		fmt.Fprintln(out, "Script executed successfully")
		return nil
	case errors.Is(err, flash.ErrCancelled):
		return err
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(out, "Interrupted.")
		return &reportedError{err: err, code: exitInterrupted}
	case errors.As(err, &notFound):
		fmt.Fprintf(out, "%s does not exist.\n", notFound.Path)
		return &reportedError{err: err}
	case errors.Is(err, flash.ErrNoDevice):
		return &reportedError{err: err}
	default:
		fmt.Fprintf(out, "Error: %v\n", err)
		fmt.Fprintln(out, "Script execution aborted.")
		return &reportedError{err: err}
	}
}
