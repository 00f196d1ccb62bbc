package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mecha-org/mechaflt/pkg/db"
	"github.com/mecha-org/mechaflt/pkg/errors"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent flash runs",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to show (0 for all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	runs, err := repo.ListRuns(cmd.Context(), historyLimit)
	if err != nil {
		return errors.Wrap(err, "history failed")
	}

	writeRuns(cmd.OutOrStdout(), runs)
	return nil
}

func writeRuns(w io.Writer, runs []*db.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No flash runs recorded")
		return
	}

	fmt.Fprintf(w, "%-22s %-10s %-22s %-16s %s\n", "STARTED", "OUTCOME", "LAST STATE", "MANIFEST", "PACKAGE")
	fmt.Fprintln(w, "--------------------------------------------------------------------------------------------------")

	for _, r := range runs {
		manifest := "-"
		if r.ManifestID != "" {
			manifest = r.ManifestID + "@" + r.ManifestVersion
		}
		fmt.Fprintf(w, "%-22s %-10s %-22s %-16s %s\n", r.StartedAt, r.Outcome, orDash(r.LastState), manifest, r.Package)
		if r.ErrorMessage != "" {
			fmt.Fprintf(w, "    error: %s\n", r.ErrorMessage)
		}
	}
}
