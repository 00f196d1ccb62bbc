package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/mecha-org/mechaflt/pkg/errors"
)

// Repository stores cached packages and flash history
type Repository struct {
	db *sql.DB
}

// NewRepository opens (or creates) the database at dbPath
func NewRepository(dbPath string) (*Repository, error) {
	slog.Debug("database_init", "db_path", dbPath)

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create database directory")
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	// One writer at a time keeps sqlite from reporting SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Debug("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

const packageColumns = `id, s3_key, sha256, status, local_path, size, manifest_id, manifest_version, machine, error_message, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPackage(s scanner) (*Package, error) {
	var p Package
	var localPath, manifestID, manifestVersion, machine, errorMessage sql.NullString

	err := s.Scan(&p.ID, &p.S3Key, &p.SHA256, &p.Status, &localPath, &p.Size,
		&manifestID, &manifestVersion, &machine, &errorMessage, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.LocalPath = localPath.String
	p.ManifestID = manifestID.String
	p.ManifestVersion = manifestVersion.String
	p.Machine = machine.String
	p.ErrorMessage = errorMessage.String
	return &p, nil
}

// CreatePackage inserts a new package record and sets its ID
func (r *Repository) CreatePackage(ctx context.Context, p *Package) error {
	slog.Info("database_create_package", "s3_key", p.S3Key, "status", p.Status)

	query := `
		INSERT INTO packages (s3_key, sha256, status, local_path, size, manifest_id, manifest_version, machine, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		p.S3Key, p.SHA256, p.Status, p.LocalPath, p.Size,
		p.ManifestID, p.ManifestVersion, p.Machine, p.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "s3_key", p.S3Key, "error", err)
		return errors.Wrap(err, "failed to insert package")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}
	p.ID = id
	return nil
}

// GetPackage returns the package stored under s3Key, or nil when absent
func (r *Repository) GetPackage(ctx context.Context, s3Key string) (*Package, error) {
	query := `SELECT ` + packageColumns + ` FROM packages WHERE s3_key = ?`

	p, err := scanPackage(r.db.QueryRowContext(ctx, query, s3Key))
	if err == sql.ErrNoRows {
		slog.Debug("database_package_not_found", "s3_key", s3Key)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "s3_key", s3Key, "error", err)
		return nil, errors.Wrap(err, "failed to query package")
	}
	return p, nil
}

// UpdatePackage rewrites every mutable column of p
func (r *Repository) UpdatePackage(ctx context.Context, p *Package) error {
	slog.Info("database_update_package", "package_id", p.ID, "s3_key", p.S3Key, "status", p.Status)

	query := `
		UPDATE packages
		SET sha256 = ?, status = ?, local_path = ?, size = ?,
		    manifest_id = ?, manifest_version = ?, machine = ?, error_message = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		p.SHA256, p.Status, p.LocalPath, p.Size,
		p.ManifestID, p.ManifestVersion, p.Machine, p.ErrorMessage, p.ID)
	if err != nil {
		slog.Error("database_update_failed", "package_id", p.ID, "error", err)
		return errors.Wrap(err, "failed to update package")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("package not found: id=%d", p.ID)
	}
	return nil
}

// UpdatePackageStatus sets only the status and error message
func (r *Repository) UpdatePackageStatus(ctx context.Context, id int64, status, errorMessage string) error {
	slog.Info("database_update_status", "package_id", id, "status", status)

	query := `UPDATE packages SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, status, errorMessage, id); err != nil {
		slog.Error("database_status_update_failed", "package_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}
	return nil
}

// ListPackages returns every cached package, newest first
func (r *Repository) ListPackages(ctx context.Context) ([]*Package, error) {
	query := `SELECT ` + packageColumns + ` FROM packages ORDER BY created_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list packages")
	}
	defer rows.Close()

	var packages []*Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		packages = append(packages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Debug("database_list_complete", "package_count", len(packages))
	return packages, nil
}

// DeletePackage removes a package record
func (r *Repository) DeletePackage(ctx context.Context, id int64) error {
	slog.Info("database_delete_package", "package_id", id)

	if _, err := r.db.ExecContext(ctx, `DELETE FROM packages WHERE id = ?`, id); err != nil {
		slog.Error("database_delete_failed", "package_id", id, "error", err)
		return errors.Wrap(err, "failed to delete package")
	}
	return nil
}

// CreateRun inserts a flash history row
func (r *Repository) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO flash_runs (id, package, manifest_id, manifest_version, outcome, last_state, error_message, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		run.ID, run.Package, run.ManifestID, run.ManifestVersion, run.Outcome,
		run.LastState, run.ErrorMessage, run.StartedAt, nullable(run.FinishedAt))
	if err != nil {
		slog.Error("database_run_insert_failed", "run_id", run.ID, "error", err)
		return errors.Wrap(err, "failed to insert flash run")
	}
	return nil
}

// FinishRun stores the final outcome of a run
func (r *Repository) FinishRun(ctx context.Context, run *Run) error {
	query := `
		UPDATE flash_runs
		SET manifest_id = ?, manifest_version = ?, outcome = ?, last_state = ?, error_message = ?, finished_at = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		run.ManifestID, run.ManifestVersion, run.Outcome, run.LastState,
		run.ErrorMessage, nullable(run.FinishedAt), run.ID)
	if err != nil {
		slog.Error("database_run_update_failed", "run_id", run.ID, "error", err)
		return errors.Wrap(err, "failed to update flash run")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("flash run not found: id=%s", run.ID)
	}
	return nil
}

// ListRuns returns up to limit runs, newest first. limit <= 0 returns all.
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	query := `
		SELECT id, package, manifest_id, manifest_version, outcome, last_state, error_message, started_at, finished_at
		FROM flash_runs ORDER BY started_at DESC
	`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list flash runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var run Run
		var manifestID, manifestVersion, lastState, errorMessage, finishedAt sql.NullString
		if err := rows.Scan(&run.ID, &run.Package, &manifestID, &manifestVersion, &run.Outcome,
			&lastState, &errorMessage, &run.StartedAt, &finishedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		run.ManifestID = manifestID.String
		run.ManifestVersion = manifestVersion.String
		run.LastState = lastState.String
		run.ErrorMessage = errorMessage.String
		run.FinishedAt = finishedAt.String
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return runs, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
