package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mecha-org/mechaflt/pkg/engine"
	"github.com/mecha-org/mechaflt/pkg/flash"
	"github.com/mecha-org/mechaflt/pkg/script"
)

var scriptCmd = &cobra.Command{
	Use:   "script <file>",
	Short: "Run a flashing script against the connected device",
	Long: `Run a flashing script against the connected device.

The script is run as written: no package is extracted and no image or
bootloader placeholders are substituted.`,
	Args: cobra.ExactArgs(1),
	RunE: runScript,
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Send engine commands interactively",
	Args:  cobra.NoArgs,
	RunE:  runShell,
}

func init() {
	rootCmd.AddCommand(scriptCmd)
	rootCmd.AddCommand(shellCmd)
}

func runScript(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := args[0]
	out := cmd.OutOrStdout()

	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return reportFlash(out, &flash.PackageNotFoundError{Path: path})
	}

	confirmer := newPromptConfirmer(cmd.InOrStdin(), out, cfg.AssumeYes)
	eng := engine.NewUUU(cfg.UUUPath)
	orch := flash.New(eng,
		flash.WithConfirmer(confirmer),
		flash.WithOutput(out),
		flash.WithProgressThreshold(cfg.ProgressThreshold),
	)

	if _, err := orch.CheckDevice(ctx); err != nil {
		return reportFlash(out, err)
	}

	ok, err := confirmer.Confirm(ctx, fmt.Sprintf("Do you want to run the script: %s", path))
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(out, "Aborted.")
		return flash.ErrCancelled
	}

	s, err := script.Load(path)
	if err != nil {
		return reportFlash(out, err)
	}

	fmt.Fprintln(out, "Running script...")
	return reportFlash(out, s.Execute(ctx, eng, script.WithOutput(out)))
}

func runShell(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	eng := engine.NewUUU(cfg.UUUPath)
	out := cmd.OutOrStdout()
	subscribeProgress(eng, out, cfg.ProgressThreshold)

	return shellLoop(cmd.Context(), cmd.InOrStdin(), out, eng)
}

// shellLoop reads one engine command per line until exit, quit or end of
// input. Failed commands are reported and the loop continues.
func shellLoop(ctx context.Context, in io.Reader, out io.Writer, runner script.Runner) error {
	fmt.Fprintln(out, "Enter command on prompt, or type 'exit' to quit")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, ">> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		if err := runner.RunCommand(ctx, line); err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
		}
		if ctx.Err() != nil {
			break
		}
	}

	fmt.Fprintln(out, "Exiting shell.")
	return scanner.Err()
}
