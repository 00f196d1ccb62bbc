// Package fsm implements the flash-package fetch workflow. It downloads a
// package from S3 into the local cache, inspects its manifest and records it
// as ready, using the superfly/fsm library for durable, resumable runs.
package fsm

import (
	"context"

	"github.com/superfly/fsm"

	"github.com/mecha-org/mechaflt/pkg/db"
	"github.com/mecha-org/mechaflt/pkg/errors"
	"github.com/mecha-org/mechaflt/pkg/security"
	"github.com/mecha-org/mechaflt/pkg/storage"
)

// Store is the package cache the workflow records progress in.
type Store interface {
	GetPackage(ctx context.Context, s3Key string) (*db.Package, error)
	CreatePackage(ctx context.Context, p *db.Package) error
	UpdatePackage(ctx context.Context, p *db.Package) error
	UpdatePackageStatus(ctx context.Context, id int64, status, errorMessage string) error
}

// Machine holds dependencies for FSM transitions
type Machine struct {
	store      Store
	fetcher    storage.Fetcher
	validator  *security.Validator
	cacheDir   string
	maxRetries int
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(store Store, fetcher storage.Fetcher, validator *security.Validator, cacheDir string, maxRetries int) *Machine {
	return &Machine{
		store:      store,
		fetcher:    fetcher,
		validator:  validator,
		cacheDir:   cacheDir,
		maxRetries: maxRetries,
	}
}

// Register registers the fetch FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[FetchRequest, FetchResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[FetchRequest, FetchResponse](manager, MachineName).
		Start(StateCheckCache, m.handleCheckCache).
		To(StateDownload, m.handleDownload).
		To(StateInspect, m.handleInspect).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}
