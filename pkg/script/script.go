// Package script loads and runs line-oriented flashing scripts.
//
// A script is plain text with one engine command per line. Lines starting
// with '#' and blank lines are ignored, as are "uuu_version" directives, whose
// argument is kept as the minimum engine version. Scripts are values: the
// With* methods return a new Script and never modify the receiver.
package script

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mecha-org/mechaflt/pkg/errors"
)

const (
	// ImagePlaceholder is replaced by the root filesystem image path.
	ImagePlaceholder = "_image"
	// BootloaderPlaceholder is replaced by the bootloader image path.
	BootloaderPlaceholder = "_flash.bin"
	// VersionDirective declares the minimum engine version.
	VersionDirective = "uuu_version"
	// CommentPrefix starts a comment line.
	CommentPrefix = "#"
)

// Script is an ordered, immutable sequence of engine commands.
type Script struct {
	source        string
	commands      []string
	engineVersion string
}

// Runner dispatches one command to the flashing engine.
type Runner interface {
	RunCommand(ctx context.Context, command string) error
}

// Load reads and filters the script at path.
func Load(path string) (Script, error) {
	f, err := os.Open(path)
	if err != nil {
		slog.Error("script_open_failed", "path", path, "error", err)
		return Script{}, &LoadError{Path: path, Err: err}
	}
	defer f.Close()

	s, err := Parse(f)
	if err != nil {
		slog.Error("script_read_failed", "path", path, "error", err)
		return Script{}, &LoadError{Path: path, Err: err}
	}
	s.source = path

	slog.Info("script_loaded", "path", path, "commands", len(s.commands), "engine_version", s.engineVersion)
	return s, nil
}

// Parse filters script text read from r.
func Parse(r io.Reader) (Script, error) {
	var s Script
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		trimmed := strings.TrimSpace(scanner.Text())

		switch {
		case trimmed == "":
		case strings.HasPrefix(trimmed, CommentPrefix):
		case strings.HasPrefix(trimmed, VersionDirective):
			if s.engineVersion == "" {
				s.engineVersion = strings.TrimSpace(strings.TrimPrefix(trimmed, VersionDirective))
			}
		default:
			s.commands = append(s.commands, trimmed)
		}
	}
	if err := scanner.Err(); err != nil {
		return Script{}, err
	}

	return s, nil
}

// WithImage substitutes the image placeholder with path.
func (s Script) WithImage(path string) Script {
	return s.substitute(ImagePlaceholder, path)
}

// WithBootloader substitutes the bootloader placeholder with path.
func (s Script) WithBootloader(path string) Script {
	return s.substitute(BootloaderPlaceholder, path)
}

func (s Script) substitute(token, value string) Script {
	commands := make([]string, len(s.commands))
	for i, cmd := range s.commands {
		commands[i] = Substitute(cmd, token, value)
	}
	return Script{
		source:        s.source,
		commands:      commands,
		engineVersion: s.engineVersion,
	}
}

// Substitute replaces every occurrence of token in cmd with value.
func Substitute(cmd, token, value string) string {
	if !strings.Contains(cmd, token) {
		return cmd
	}
	return strings.ReplaceAll(cmd, token, value)
}

// Commands returns a copy of the executable commands in order.
func (s Script) Commands() []string {
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

// Len returns the number of executable commands.
func (s Script) Len() int {
	return len(s.commands)
}

// EngineVersion returns the declared minimum engine version, if any.
func (s Script) EngineVersion() string {
	return s.engineVersion
}

// Source returns the path the script was loaded from.
func (s Script) Source() string {
	return s.source
}

// ExecOption configures Execute.
type ExecOption func(*execConfig)

type execConfig struct {
	out io.Writer
}

// WithOutput sets where each command is echoed before it runs (default os.Stdout).
func WithOutput(w io.Writer) ExecOption {
	return func(c *execConfig) {
		c.out = w
	}
}

// Execute runs the commands in order and stops at the first failure.
// Commands already applied are not rolled back.
func (s Script) Execute(ctx context.Context, runner Runner, opts ...ExecOption) error {
	cfg := execConfig{out: os.Stdout}
	for _, opt := range opts {
		opt(&cfg)
	}

	for i, cmd := range s.commands {
		if err := ctx.Err(); err != nil {
			slog.Warn("script_cancelled", "source", s.source, "executed", i, "total", len(s.commands))
			return errors.Wrap(err, "script cancelled")
		}

		fmt.Fprintf(cfg.out, "> %s\n", cmd)
		slog.Info("script_command", "source", s.source, "index", i+1, "total", len(s.commands), "command", cmd)

		if err := runner.RunCommand(ctx, cmd); err != nil {
			slog.Error("script_command_failed", "source", s.source, "index", i+1, "command", cmd, "error", err)
			return &ExecutionError{Index: i + 1, Command: cmd, Err: err}
		}
	}

	slog.Info("script_complete", "source", s.source, "commands", len(s.commands))
	return nil
}
