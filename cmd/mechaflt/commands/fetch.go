package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/superfly/fsm"

	"github.com/mecha-org/mechaflt/pkg/db"
	"github.com/mecha-org/mechaflt/pkg/errors"
	appfsm "github.com/mecha-org/mechaflt/pkg/fsm"
	"github.com/mecha-org/mechaflt/pkg/security"
	"github.com/mecha-org/mechaflt/pkg/storage"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <package-key>",
	Short: "Download a flash package from S3 into the local cache",
	Args:  cobra.ExactArgs(1),
	RunE:  runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	key := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateRemote(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, cfg.CacheDir); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	s3Client, err := storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region)
	if err != nil {
		return errors.Wrap(err, "S3 client failed")
	}

	validator := security.NewValidator(limitsFrom(cfg))

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := appfsm.NewMachine(repo, s3Client, validator, cfg.CacheDir, cfg.FSMMaxRetries)
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	req := &appfsm.FetchRequest{
		S3Key:    key,
		S3Bucket: cfg.S3Bucket,
	}
	resp := &appfsm.FetchResponse{}

	version, err := start(ctx, key, fsm.NewRequest(req, resp))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}

	slog.Info("fsm_started", "key", key, "version", version)

	if err := manager.Wait(ctx, version); err != nil {
		return errors.Wrap(err, "FSM execution failed")
	}

	// The record, not resp, is authoritative once the run is persisted.
	pkg, err := repo.GetPackage(ctx, key)
	if err != nil {
		return errors.Wrap(err, "failed to read package record")
	}
	if pkg == nil {
		return errors.New("fetch finished without a package record")
	}

	slog.Info("fetch_completed", "key", key, "status", pkg.Status, "path", pkg.LocalPath)

	out := cmd.OutOrStdout()
	if pkg.Status != db.StatusReady {
		fmt.Fprintf(out, "Fetch of %s failed: %s\n", key, orDash(pkg.ErrorMessage))
		return &reportedError{err: errors.New(pkg.ErrorMessage)}
	}

	fmt.Fprintf(out, "Package %s %s (%s) ready at %s\n", pkg.ManifestID, pkg.ManifestVersion, pkg.Machine, pkg.LocalPath)
	return nil
}
