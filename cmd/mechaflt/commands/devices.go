package commands

import (
	"github.com/spf13/cobra"

	"github.com/mecha-org/mechaflt/pkg/engine"
	"github.com/mecha-org/mechaflt/pkg/errors"
	"github.com/mecha-org/mechaflt/pkg/flash"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices attached in serial download mode",
	Args:  cobra.NoArgs,
	RunE:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	devices, err := engine.NewUUU(cfg.UUUPath).Devices(cmd.Context())
	if err != nil {
		return errors.Wrap(err, "device discovery failed")
	}

	flash.WriteDevices(cmd.OutOrStdout(), devices)
	return nil
}
