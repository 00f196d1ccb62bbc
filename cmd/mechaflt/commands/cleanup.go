package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mecha-org/mechaflt/pkg/db"
	"github.com/mecha-org/mechaflt/pkg/errors"
	"github.com/mecha-org/mechaflt/pkg/flash"
)

var (
	cleanupAll      bool
	cleanupPackage  string
	cleanupOrphaned bool
	cleanupMinAge   time.Duration
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clean up cached packages and leftover workspaces",
	Long: `Clean up resources left on disk:
  --all                 Remove every cached package and its record
  --package <s3-key>    Remove one cached package and its record
  --orphaned            Remove flash workspaces left by interrupted runs and
                        cache files with no record`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Clean all cached packages")
	cleanupCmd.Flags().StringVar(&cleanupPackage, "package", "", "Clean specific package by S3 key")
	cleanupCmd.Flags().BoolVar(&cleanupOrphaned, "orphaned", false, "Clean orphaned workspaces and cache files")
	cleanupCmd.Flags().DurationVar(&cleanupMinAge, "min-age", time.Hour, "Only remove workspaces older than this")
}

// cacheStore is the part of db.Repository cleanup needs.
type cacheStore interface {
	GetPackage(ctx context.Context, s3Key string) (*db.Package, error)
	ListPackages(ctx context.Context) ([]*db.Package, error)
	DeletePackage(ctx context.Context, id int64) error
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !cleanupAll && cleanupPackage == "" && !cleanupOrphaned {
		return fmt.Errorf("must specify --all, --package, or --orphaned")
	}

	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	switch {
	case cleanupAll:
		return cleanupAllPackages(ctx, out, repo)
	case cleanupPackage != "":
		return cleanupSpecificPackage(ctx, out, repo, cleanupPackage)
	default:
		n, err := cleanupOrphanedResources(ctx, out, repo, cfg.CacheDir, cfg.WorkDir, cleanupMinAge)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "✅ Removed %d orphaned resources\n", n)
		return nil
	}
}

func cleanupAllPackages(ctx context.Context, out io.Writer, store cacheStore) error {
	packages, err := store.ListPackages(ctx)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	fmt.Fprintf(out, "🧹 Cleaning up %d packages...\n", len(packages))

	for _, p := range packages {
		if err := removePackage(ctx, store, p); err != nil {
			fmt.Fprintf(out, "⚠️  Failed to clean %s: %v\n", p.S3Key, err)
		} else {
			fmt.Fprintf(out, "✅ Cleaned: %s\n", p.S3Key)
		}
	}
	return nil
}

func cleanupSpecificPackage(ctx context.Context, out io.Writer, store cacheStore, key string) error {
	p, err := store.GetPackage(ctx, key)
	if err != nil {
		return errors.Wrap(err, "lookup failed")
	}
	if p == nil {
		return fmt.Errorf("package not found: %s", key)
	}

	if err := removePackage(ctx, store, p); err != nil {
		return errors.Wrap(err, "cleanup failed")
	}

	fmt.Fprintf(out, "✅ Cleaned: %s\n", key)
	return nil
}

// removePackage deletes the cached file, then the record.
func removePackage(ctx context.Context, store cacheStore, p *db.Package) error {
	if p.LocalPath != "" {
		if err := os.Remove(p.LocalPath); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "failed to remove cached package")
		}
	}
	return store.DeletePackage(ctx, p.ID)
}

// cleanupOrphanedResources removes flash workspaces under workDir older than
// minAge and files in cacheDir that no record points at. A running flash
// refreshes its workspace's modification time every minute, so minAge must
// stay well above that.
func cleanupOrphanedResources(ctx context.Context, out io.Writer, store cacheStore, cacheDir, workDir string, minAge time.Duration) (int, error) {
	fmt.Fprintln(out, "🔍 Scanning for orphaned resources...")

	removed := 0
	cutoff := time.Now().Add(-minAge)

	// 1. Workspaces of runs that never reached their cleanup
	if entries, err := os.ReadDir(workDir); err == nil {
		for _, entry := range entries {
			if !entry.IsDir() || !strings.HasPrefix(entry.Name(), flash.WorkspacePrefix) {
				continue
			}
			info, err := entry.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}

			path := filepath.Join(workDir, entry.Name())
			if err := os.RemoveAll(path); err != nil {
				fmt.Fprintf(out, "⚠️  Failed to remove workspace %s: %v\n", entry.Name(), err)
				continue
			}
			fmt.Fprintf(out, "🗑️  Removed orphaned workspace: %s\n", entry.Name())
			removed++
		}
	}

	// 2. Cache files without a record, including interrupted downloads
	packages, err := store.ListPackages(ctx)
	if err != nil {
		return removed, errors.Wrap(err, "list failed")
	}
	known := make(map[string]bool, len(packages))
	for _, p := range packages {
		if p.LocalPath != "" {
			known[filepath.Clean(p.LocalPath)] = true
		}
	}

	if entries, err := os.ReadDir(cacheDir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			path := filepath.Join(cacheDir, entry.Name())
			if known[filepath.Clean(path)] {
				continue
			}
			if err := os.Remove(path); err != nil {
				fmt.Fprintf(out, "⚠️  Failed to remove orphaned file %s: %v\n", entry.Name(), err)
				continue
			}
			fmt.Fprintf(out, "🗑️  Removed orphaned file: %s\n", entry.Name())
			removed++
		}
	}

	return removed, nil
}
