// Package flash drives a flash package from archive to device: it checks the
// package and device, extracts into a private workspace, validates the
// manifest and its components, then runs the package's script against the
// engine from inside the workspace.
//
// The workspace is removed and the working directory restored on every exit
// path, including cancellation through the context.
package flash

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mecha-org/mechaflt/pkg/archive"
	"github.com/mecha-org/mechaflt/pkg/engine"
	"github.com/mecha-org/mechaflt/pkg/errors"
	"github.com/mecha-org/mechaflt/pkg/manifest"
	"github.com/mecha-org/mechaflt/pkg/notify"
	"github.com/mecha-org/mechaflt/pkg/script"
	"github.com/mecha-org/mechaflt/pkg/security"
)

// WorkspacePrefix starts the name of every per-run extraction directory.
const WorkspacePrefix = "mechaflt-"

// heartbeatInterval is how often a live workspace's modification time is
// refreshed. Leftover-workspace cleanup treats a workspace untouched for much
// longer than this as abandoned.
var heartbeatInterval = time.Minute

// SerialModePrompt asks the operator to confirm the device's boot mode.
const SerialModePrompt = "Is the device in SERIAL mode?"

// Confirmer asks the operator a yes/no question.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, prompt string) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) (bool, error) {
	return f(ctx, prompt)
}

// Recorder persists flash history.
type Recorder interface {
	RecordStart(ctx context.Context, run Run) error
	RecordFinish(ctx context.Context, run Run) error
}

type alwaysYes struct{}

func (alwaysYes) Confirm(context.Context, string) (bool, error) { return true, nil }

// Orchestrator runs flash packages against an engine. Runs must not overlap:
// the working directory is process-wide.
type Orchestrator struct {
	engine          engine.Engine
	confirmer       Confirmer
	recorder        Recorder
	out             io.Writer
	workDir         string
	limits          security.Limits
	verifyIntegrity bool
	threshold       uint64
	decoder         *notify.Decoder
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfirmer sets the operator prompt (default: always yes).
func WithConfirmer(c Confirmer) Option {
	return func(o *Orchestrator) { o.confirmer = c }
}

// WithRecorder enables flash history.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithOutput sets where status lines and progress go (default os.Stdout).
func WithOutput(w io.Writer) Option {
	return func(o *Orchestrator) { o.out = w }
}

// WithWorkDir sets the parent directory for workspaces (default os.TempDir()).
func WithWorkDir(dir string) Option {
	return func(o *Orchestrator) { o.workDir = dir }
}

// WithLimits sets the extraction limits.
func WithLimits(l security.Limits) Option {
	return func(o *Orchestrator) { o.limits = l }
}

// WithVerifyIntegrity enables size and digest checks of every component.
func WithVerifyIntegrity(enabled bool) Option {
	return func(o *Orchestrator) { o.verifyIntegrity = enabled }
}

// WithProgressThreshold sets the smallest transfer that shows progress.
func WithProgressThreshold(units uint64) Option {
	return func(o *Orchestrator) { o.threshold = units }
}

// New creates an orchestrator and subscribes its progress decoder to eng.
func New(eng engine.Engine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:    eng,
		confirmer: alwaysYes{},
		out:       os.Stdout,
		workDir:   os.TempDir(),
		limits:    security.DefaultLimits(),
		threshold: notify.DefaultThreshold,
	}
	for _, opt := range opts {
		opt(o)
	}

	o.decoder = notify.NewDecoder(notify.WithOutput(o.out), notify.WithThreshold(o.threshold))
	eng.Subscribe(o.decoder)
	return o
}

// Decoder returns the progress decoder subscribed to the engine.
func (o *Orchestrator) Decoder() *notify.Decoder {
	return o.decoder
}

// CheckDevice asks the operator to confirm serial mode, then lists the
// attached devices. It fails with ErrCancelled on decline and
// *NoDeviceFoundError when nothing is attached.
func (o *Orchestrator) CheckDevice(ctx context.Context) ([]engine.Device, error) {
	ok, err := o.confirmer.Confirm(ctx, SerialModePrompt)
	if err != nil {
		return nil, errors.Wrap(err, "confirmation failed")
	}
	if !ok {
		fmt.Fprintln(o.out, "Please connect the device in SERIAL mode and try again.")
		return nil, ErrCancelled
	}

	fmt.Fprintln(o.out, "Searching for device...")
	devices, err := o.engine.Devices(ctx)
	if err != nil {
		slog.Error("device_discovery_failed", "error", err)
		return nil, &NoDeviceFoundError{Err: err}
	}

	WriteDevices(o.out, devices)
	if len(devices) == 0 {
		fmt.Fprintln(o.out, "Check the device connection and try again.")
		return nil, &NoDeviceFoundError{}
	}

	slog.Info("device_ready", "count", len(devices), "path", devices[0].Path, "chip", devices[0].Chip)
	return devices, nil
}

// Flash runs the package at pkgPath. The returned Result is never nil.
func (o *Orchestrator) Flash(ctx context.Context, pkgPath string) (res *Result, err error) {
	res = &Result{
		RunID:     uuid.NewString(),
		Package:   pkgPath,
		State:     StateIdle,
		Outcome:   OutcomeRunning,
		StartedAt: time.Now(),
	}
	slog.Info("flash_start", "run_id", res.RunID, "package", pkgPath)
	o.recordStart(ctx, res)

	defer func() {
		res.Duration = time.Since(res.StartedAt)
		res.Err = err
		switch {
		case err == nil:
			res.Outcome = OutcomeSucceeded
		case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
			res.Outcome = OutcomeCancelled
		default:
			res.Outcome = OutcomeFailed
		}
		if err != nil {
			res.LastState = res.State
			o.advance(res, StateFailed)
			slog.Error("flash_failed", "run_id", res.RunID, "last_state", res.LastState.String(), "outcome", string(res.Outcome), "error", err)
		} else {
			slog.Info("flash_complete", "run_id", res.RunID, "duration", res.Duration)
		}
		o.recordFinish(res)
	}()

	info, statErr := os.Stat(pkgPath)
	if statErr != nil || info.IsDir() {
		return res, &PackageNotFoundError{Path: pkgPath}
	}
	o.advance(res, StatePackageChecked)

	if _, err := o.CheckDevice(ctx); err != nil {
		return res, err
	}
	o.advance(res, StateDeviceReady)

	workspace, err := o.createWorkspace()
	if err != nil {
		return res, err
	}
	res.Workspace = workspace
	defer o.removeWorkspace(workspace)
	stopHeartbeat := keepAlive(workspace)
	defer stopHeartbeat()

	fmt.Fprintln(o.out, "Extracting package...")
	if err := o.extract(ctx, pkgPath, workspace); err != nil {
		return res, err
	}
	o.advance(res, StateExtracted)

	m, err := o.loadManifest(workspace)
	if err != nil {
		return res, err
	}
	res.Manifest = m
	o.advance(res, StateManifestValidated)

	if err := o.validateComponents(m, workspace); err != nil {
		return res, err
	}
	res.Verified = o.verifyIntegrity
	o.advance(res, StateComponentsValidated)

	restore, err := enterDir(workspace)
	if err != nil {
		return res, err
	}
	defer restore()

	s, err := script.Load(m.Packages.Script.Name)
	if err != nil {
		return res, err
	}
	s = s.WithImage(m.Packages.Rootfs.Name).WithBootloader(m.Packages.Uboot.Name)
	res.Commands = s.Len()

	fmt.Fprintln(o.out, "Flashing image...")
	o.advance(res, StateFlashing)
	if err := s.Execute(ctx, o.engine, script.WithOutput(o.out)); err != nil {
		return res, err
	}

	o.advance(res, StateDone)
	return res, nil
}

func (o *Orchestrator) advance(res *Result, next State) {
	slog.Info("flash_state", "run_id", res.RunID, "from", res.State.String(), "to", next.String())
	res.State = next
}

func (o *Orchestrator) createWorkspace() (string, error) {
	if err := os.MkdirAll(o.workDir, 0755); err != nil {
		return "", errors.Wrap(err, "failed to create work directory")
	}

	dir := filepath.Join(o.workDir, WorkspacePrefix+uuid.NewString())
	if err := os.Mkdir(dir, 0700); err != nil {
		return "", errors.Wrap(err, "failed to create temporary directory")
	}

	slog.Debug("workspace_created", "path", dir)
	return dir, nil
}

func (o *Orchestrator) removeWorkspace(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		slog.Error("workspace_cleanup_failed", "path", dir, "error", err)
		return
	}
	slog.Debug("workspace_removed", "path", dir)
}

func (o *Orchestrator) extract(ctx context.Context, pkgPath, workspace string) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "extraction cancelled")
	}

	if size, known, err := archive.DeclaredSize(pkgPath); err != nil {
		return &ExtractionError{Path: pkgPath, Err: err}
	} else if known {
		if err := archive.EnsureSpace(workspace, size); err != nil {
			return &ExtractionError{Path: pkgPath, Err: err}
		}
	}

	start := time.Now()
	if err := archive.Extract(pkgPath, workspace, security.NewValidator(o.limits)); err != nil {
		return &ExtractionError{Path: pkgPath, Err: err}
	}

	slog.Info("extraction_complete", "package", pkgPath, "workspace", workspace, "duration", time.Since(start))
	return nil
}

func (o *Orchestrator) loadManifest(workspace string) (*manifest.Manifest, error) {
	path := filepath.Join(workspace, manifest.FileName)
	if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
		return nil, &ManifestMissingError{Dir: workspace}
	}
	return manifest.Parse(path)
}

func (o *Orchestrator) validateComponents(m *manifest.Manifest, workspace string) error {
	if err := manifest.ValidateComponents(m, workspace); err != nil {
		var missing *manifest.MissingComponentError
		if errors.As(err, &missing) {
			fmt.Fprintf(o.out, "The package does not contain %s.\n", missing.Name)
		}
		return err
	}

	for _, c := range m.Components() {
		fmt.Fprintf(o.out, "Found %s: %s\n", c.Name, c.Version)
	}

	if !o.verifyIntegrity {
		slog.Warn("component_integrity_unverified", "manifest", m.ID, "version", m.Version)
		return nil
	}
	return manifest.VerifyIntegrity(m, workspace)
}

// keepAlive refreshes dir's modification time until the returned func is
// called. The returned func waits for the refresher to exit.
func keepAlive(dir string) func() {
	interval := heartbeatInterval
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				now := time.Now()
				if err := os.Chtimes(dir, now, now); err != nil {
					slog.Debug("workspace_heartbeat_failed", "path", dir, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-exited
		})
	}
}

// enterDir changes the working directory to dir. The returned func restores
// the previous directory and is safe to call more than once.
func enterDir(dir string) (func(), error) {
	prev, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read working directory")
	}
	if err := os.Chdir(dir); err != nil {
		return nil, errors.Wrap(err, "failed to enter workspace")
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := os.Chdir(prev); err != nil {
				slog.Error("workdir_restore_failed", "path", prev, "error", err)
			}
		})
	}, nil
}

func (o *Orchestrator) recordStart(ctx context.Context, res *Result) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.RecordStart(ctx, o.run(res)); err != nil {
		slog.Warn("flash_history_failed", "run_id", res.RunID, "error", err)
	}
}

func (o *Orchestrator) recordFinish(res *Result) {
	if o.recorder == nil {
		return
	}
	// The run context may already be cancelled; history is still written.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.recorder.RecordFinish(ctx, o.run(res)); err != nil {
		slog.Warn("flash_history_failed", "run_id", res.RunID, "error", err)
	}
}

func (o *Orchestrator) run(res *Result) Run {
	r := Run{
		ID:        res.RunID,
		Package:   res.Package,
		Outcome:   res.Outcome,
		LastState: res.State.String(),
		StartedAt: res.StartedAt,
	}
	if res.Outcome != OutcomeRunning {
		r.FinishedAt = res.StartedAt.Add(res.Duration)
	}
	if res.Err != nil {
		r.Error = res.Err.Error()
		r.LastState = res.LastState.String()
	}
	if res.Manifest != nil {
		r.ManifestID = res.Manifest.ID
		r.ManifestVersion = res.Manifest.Version
	}
	return r
}

// WriteDevices prints the compatible-device table.
func WriteDevices(w io.Writer, devices []engine.Device) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "No compatible USB devices found.")
		return
	}

	fmt.Fprintf(w, "Found %d compatible USB device(s):\n", len(devices))
	rows := [][]string{{"Path", "Chip", "Protocol", "Vid", "Pid", "Bcd", "Serial"}}
	for _, d := range devices {
		rows = append(rows, []string{d.Path, d.Chip, d.Protocol, engine.Hex(d.VendorID), engine.Hex(d.ProductID), engine.Hex(d.BCD), d.SerialNo})
	}
	writeTable(w, rows)
	fmt.Fprintln(w)
}

func writeTable(w io.Writer, rows [][]string) {
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len(cell))
		}
	}
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = cell + strings.Repeat(" ", widths[i]-len(cell))
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, "  "), " "))
	}
}
