package fsm

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/superfly/fsm"

	"github.com/mecha-org/mechaflt/pkg/archive"
	"github.com/mecha-org/mechaflt/pkg/db"
	"github.com/mecha-org/mechaflt/pkg/errors"
	"github.com/mecha-org/mechaflt/pkg/manifest"
	"github.com/mecha-org/mechaflt/pkg/storage"
)

// maxManifestSize bounds how much of manifest.yml is read out of a package.
const maxManifestSize = 1 << 20

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

// IsPermanent reports whether err aborts the workflow without retry.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// step adapts one transition to the fsm handler signature: it enforces the
// retry budget, marks the package failed on permanent errors and aborts.
func (m *Machine) step(
	name string,
	fn func(ctx context.Context, req *FetchRequest, resp *FetchResponse) error,
) func(context.Context, *fsm.Request[FetchRequest, FetchResponse]) (*fsm.Response[FetchResponse], error) {
	return func(ctx context.Context, req *fsm.Request[FetchRequest, FetchResponse]) (*fsm.Response[FetchResponse], error) {
		slog.Info("fsm_state_"+name, "s3_key", req.Msg.S3Key)

		if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
			slog.Error("max_retries_exceeded", "s3_key", req.Msg.S3Key, "state", name, "max_retries", m.maxRetries)
			err := fmt.Errorf("max retries (%d) exceeded in %s", m.maxRetries, name)
			if resp := req.W.Msg; resp != nil {
				m.markFailed(ctx, resp, err)
			}
			return nil, fsm.Abort(err)
		}

		resp := req.W.Msg
		if resp == nil {
			resp = &FetchResponse{}
		}

		if err := fn(ctx, req.Msg, resp); err != nil {
			if IsPermanent(err) {
				m.markFailed(ctx, resp, err)
				return nil, fsm.Abort(err)
			}
			slog.Warn("fsm_state_retry", "s3_key", req.Msg.S3Key, "state", name, "error", err)
			return nil, err
		}
		return fsm.NewResponse(resp), nil
	}
}

func (m *Machine) handleCheckCache(ctx context.Context, req *fsm.Request[FetchRequest, FetchResponse]) (*fsm.Response[FetchResponse], error) {
	return m.step(StateCheckCache, m.checkCache)(ctx, req)
}

func (m *Machine) handleDownload(ctx context.Context, req *fsm.Request[FetchRequest, FetchResponse]) (*fsm.Response[FetchResponse], error) {
	return m.step(StateDownload, m.download)(ctx, req)
}

func (m *Machine) handleInspect(ctx context.Context, req *fsm.Request[FetchRequest, FetchResponse]) (*fsm.Response[FetchResponse], error) {
	return m.step(StateInspect, m.inspect)(ctx, req)
}

func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[FetchRequest, FetchResponse]) (*fsm.Response[FetchResponse], error) {
	return m.step(StateComplete, m.complete)(ctx, req)
}

// checkCache makes the workflow idempotent: a ready package whose file is
// still on disk short-circuits every later state.
func (m *Machine) checkCache(ctx context.Context, req *FetchRequest, resp *FetchResponse) error {
	pkg, err := m.store.GetPackage(ctx, req.S3Key)
	if err != nil {
		return permanent(errors.Wrap(err, "database error"))
	}

	if pkg == nil {
		pkg = &db.Package{S3Key: req.S3Key, Status: db.StatusPending}
		if err := m.store.CreatePackage(ctx, pkg); err != nil {
			return errors.Wrap(err, "failed to create package record")
		}
		resp.PackageID = pkg.ID
		slog.Info("package_created", "s3_key", req.S3Key, "package_id", pkg.ID)
		return nil
	}

	resp.PackageID = pkg.ID
	resp.Status = pkg.Status

	if pkg.Status == db.StatusReady && pkg.LocalPath != "" {
		if _, err := os.Stat(pkg.LocalPath); err == nil {
			resp.Cached = true
			resp.SHA256 = pkg.SHA256
			resp.LocalPath = pkg.LocalPath
			resp.Size = pkg.Size
			resp.ManifestID = pkg.ManifestID
			resp.ManifestVersion = pkg.ManifestVersion
			resp.Machine = pkg.Machine
			slog.Info("package_already_cached", "s3_key", req.S3Key, "package_id", pkg.ID, "path", pkg.LocalPath)
			return nil
		}
		slog.Warn("package_cache_file_missing", "s3_key", req.S3Key, "path", pkg.LocalPath)
	}

	slog.Info("package_found_continue_processing", "s3_key", req.S3Key, "package_id", pkg.ID, "status", pkg.Status)
	return nil
}

func (m *Machine) download(ctx context.Context, req *FetchRequest, resp *FetchResponse) error {
	if resp.Cached {
		return nil
	}

	if err := m.store.UpdatePackageStatus(ctx, resp.PackageID, db.StatusDownloading, ""); err != nil {
		return errors.Wrap(err, "failed to update status")
	}

	exists, err := m.fetcher.Exists(ctx, req.S3Key)
	if err != nil {
		return errors.Wrap(err, "failed to check object")
	}
	if !exists {
		return permanent(fmt.Errorf("package %s not found in bucket %s", req.S3Key, req.S3Bucket))
	}

	localPath := storage.CachePath(m.cacheDir, req.S3Key)
	result, err := m.fetcher.Download(ctx, req.S3Key, localPath)
	if err != nil {
		return errors.Wrap(err, "failed to download from S3")
	}

	resp.SHA256 = result.SHA256
	resp.LocalPath = result.LocalPath
	resp.Size = result.Size

	slog.Info("download_complete", "s3_key", req.S3Key, "size", result.Size, "sha256", result.SHA256)
	return nil
}

func (m *Machine) inspect(ctx context.Context, req *FetchRequest, resp *FetchResponse) error {
	if resp.Cached {
		return nil
	}

	if limit := m.validator.Limits().MaxTotalSize; resp.Size > limit {
		return permanent(fmt.Errorf("package size %d exceeds max %d", resp.Size, limit))
	}

	mf, err := InspectPackage(resp.LocalPath)
	if err != nil {
		return permanent(err)
	}

	resp.ManifestID = mf.ID
	resp.ManifestVersion = mf.Version
	resp.Machine = mf.Machine.Name
	return nil
}

// InspectPackage reads the manifest out of a package archive and checks that
// every declared component is a member of the archive.
func InspectPackage(pkgPath string) (*manifest.Manifest, error) {
	raw, err := archive.ReadFile(pkgPath, manifest.FileName, maxManifestSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read manifest")
	}

	mf, err := manifest.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, &manifest.ParseError{Path: manifest.FileName, Err: err}
	}

	entries, err := archive.List(pkgPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list package")
	}
	members := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Type == archive.TypeFile || e.Type == archive.TypeSymlink {
			members[path.Clean(e.Name)] = true
		}
	}

	for _, c := range mf.Components() {
		if !members[path.Clean(c.Name)] {
			return nil, &manifest.MissingComponentError{Role: c.Role, Name: c.Name}
		}
	}

	slog.Info("package_inspected", "path", pkgPath, "id", mf.ID, "version", mf.Version, "entries", len(entries))
	return mf, nil
}

func (m *Machine) complete(ctx context.Context, req *FetchRequest, resp *FetchResponse) error {
	if resp.Cached {
		resp.Status = db.StatusReady
		return nil
	}

	pkg, err := m.store.GetPackage(ctx, req.S3Key)
	if err != nil {
		return errors.Wrap(err, "failed to load package")
	}
	if pkg == nil {
		return permanent(fmt.Errorf("package not found in database"))
	}

	pkg.SHA256 = resp.SHA256
	pkg.LocalPath = resp.LocalPath
	pkg.Size = resp.Size
	pkg.ManifestID = resp.ManifestID
	pkg.ManifestVersion = resp.ManifestVersion
	pkg.Machine = resp.Machine
	pkg.Status = db.StatusReady
	pkg.ErrorMessage = ""
	if err := m.store.UpdatePackage(ctx, pkg); err != nil {
		return errors.Wrap(err, "failed to update package")
	}
	resp.Status = db.StatusReady

	slog.Info("fsm_complete", "s3_key", req.S3Key, "status", db.StatusReady, "manifest", resp.ManifestID, "version", resp.ManifestVersion)
	return nil
}

func (m *Machine) markFailed(ctx context.Context, resp *FetchResponse, cause error) {
	resp.Status = db.StatusFailed
	resp.ErrorMessage = cause.Error()
	if resp.PackageID == 0 {
		return
	}
	if err := m.store.UpdatePackageStatus(ctx, resp.PackageID, db.StatusFailed, cause.Error()); err != nil {
		slog.Error("status_update_failed", "package_id", resp.PackageID, "status", db.StatusFailed, "error", err)
	}
	if resp.LocalPath != "" {
		os.Remove(resp.LocalPath)
	}
}
