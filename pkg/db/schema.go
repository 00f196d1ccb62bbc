package db

// Schema creates the package cache and flash history tables.
const Schema = `
CREATE TABLE IF NOT EXISTS packages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    s3_key TEXT NOT NULL UNIQUE,
    sha256 TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL CHECK(status IN ('pending', 'downloading', 'ready', 'failed')),
    local_path TEXT,
    size INTEGER NOT NULL DEFAULT 0,
    manifest_id TEXT,
    manifest_version TEXT,
    machine TEXT,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_packages_status ON packages(status);
CREATE INDEX IF NOT EXISTS idx_packages_created_at ON packages(created_at);

CREATE TABLE IF NOT EXISTS flash_runs (
    id TEXT PRIMARY KEY,
    package TEXT NOT NULL,
    manifest_id TEXT,
    manifest_version TEXT,
    outcome TEXT NOT NULL CHECK(outcome IN ('running', 'succeeded', 'failed', 'cancelled')),
    last_state TEXT,
    error_message TEXT,
    started_at TEXT NOT NULL,
    finished_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_flash_runs_started_at ON flash_runs(started_at);
`

// Package status values
const (
	StatusPending     = "pending"
	StatusDownloading = "downloading"
	StatusReady       = "ready"
	StatusFailed      = "failed"
)

// Package is a cached flash package
type Package struct {
	ID              int64
	S3Key           string
	SHA256          string
	Status          string
	LocalPath       string
	Size            int64
	ManifestID      string
	ManifestVersion string
	Machine         string
	ErrorMessage    string
	CreatedAt       string
	UpdatedAt       string
}

// Run is one recorded flash attempt
type Run struct {
	ID              string
	Package         string
	ManifestID      string
	ManifestVersion string
	Outcome         string
	LastState       string
	ErrorMessage    string
	StartedAt       string
	FinishedAt      string
}
