package flash

import (
	"time"

	"github.com/mecha-org/mechaflt/pkg/manifest"
)

// State is a step of a flash run.
type State int

const (
	StateIdle State = iota
	StatePackageChecked
	StateDeviceReady
	StateExtracted
	StateManifestValidated
	StateComponentsValidated
	StateFlashing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePackageChecked:
		return "package_checked"
	case StateDeviceReady:
		return "device_ready"
	case StateExtracted:
		return "extracted"
	case StateManifestValidated:
		return "manifest_validated"
	case StateComponentsValidated:
		return "components_validated"
	case StateFlashing:
		return "flashing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome summarises how a run ended.
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Result describes a finished flash run.
type Result struct {
	RunID   string
	Package string
	State   State
	// LastState is the last state reached before a failure.
	LastState State
	Outcome   Outcome
	Workspace string
	Manifest  *manifest.Manifest
	Verified  bool
	Commands  int
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// Run is the history record handed to a Recorder.
type Run struct {
	ID              string
	Package         string
	ManifestID      string
	ManifestVersion string
	Outcome         Outcome
	LastState       string
	Error           string
	StartedAt       time.Time
	FinishedAt      time.Time
}
