package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mecha-org/mechaflt/pkg/db"
	"github.com/mecha-org/mechaflt/pkg/errors"
	"github.com/mecha-org/mechaflt/pkg/storage"
)

var (
	listRemote bool
	listPrefix string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached packages and their status",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolVar(&listRemote, "remote", false, "List package keys in the S3 bucket instead of the cache")
	listCmd.Flags().StringVar(&listPrefix, "prefix", "", "Key prefix for --remote")
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if listRemote {
		if err := cfg.ValidateRemote(); err != nil {
			return errors.Wrap(err, "config invalid")
		}
		client, err := storage.NewClient(cmd.Context(), cfg.S3Bucket, cfg.S3Region)
		if err != nil {
			return errors.Wrap(err, "S3 client failed")
		}
		keys, err := client.ListObjects(cmd.Context(), listPrefix)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Fprintln(out, "No packages found")
		}
		for _, k := range keys {
			fmt.Fprintln(out, k)
		}
		return nil
	}

	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	packages, err := repo.ListPackages(cmd.Context())
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	writePackages(out, packages)
	return nil
}

func writePackages(w io.Writer, packages []*db.Package) {
	if len(packages) == 0 {
		fmt.Fprintln(w, "No packages found")
		return
	}

	fmt.Fprintf(w, "%-40s %-12s %-20s %-12s %-12s\n", "S3 KEY", "STATUS", "MANIFEST", "VERSION", "SIZE")
	fmt.Fprintln(w, "--------------------------------------------------------------------------------------------------")

	for _, p := range packages {
		fmt.Fprintf(w, "%-40s %-12s %-20s %-12s %-12d\n",
			p.S3Key, p.Status, orDash(p.ManifestID), orDash(p.ManifestVersion), p.Size)
	}
}
