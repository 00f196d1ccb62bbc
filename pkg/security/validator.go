// Package security guards flash-package extraction against hostile archives.
package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
)

// Default limits applied when configuration leaves them unset.
const (
	DefaultMaxFileSize         int64   = 8 << 30
	DefaultMaxTotalSize        int64   = 16 << 30
	DefaultMaxCompressionRatio float64 = 200
)

// Limits bounds what a single package may extract.
type Limits struct {
	MaxFileSize         int64
	MaxTotalSize        int64
	MaxCompressionRatio float64
}

// DefaultLimits returns the limits used when nothing is configured.
func DefaultLimits() Limits {
	return Limits{
		MaxFileSize:         DefaultMaxFileSize,
		MaxTotalSize:        DefaultMaxTotalSize,
		MaxCompressionRatio: DefaultMaxCompressionRatio,
	}
}

// Violation is returned for every rejected archive entry.
type Violation struct {
	Entry  string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("security: %s: %s", v.Reason, v.Entry)
}

// Validator checks archive entries before they are written to the workspace.
// It keeps a running total, so use one Validator per extraction.
type Validator struct {
	limits Limits

	mu    sync.Mutex
	total int64
}

// NewValidator creates a validator enforcing limits
func NewValidator(limits Limits) *Validator {
	slog.Debug("security_validator_init",
		"max_file_size_mb", limits.MaxFileSize>>20,
		"max_total_size_mb", limits.MaxTotalSize>>20,
		"max_compression_ratio", limits.MaxCompressionRatio)

	return &Validator{limits: limits}
}

// Limits returns the configured limits.
func (v *Validator) Limits() Limits {
	return v.limits
}

// ValidatePath rejects entry names that are absolute or climb out of the
// extraction root.
func (v *Validator) ValidatePath(name string) error {
	if name == "" {
		return v.reject(name, "empty entry name")
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return v.reject(name, "absolute path not allowed")
	}
	if !filepath.IsLocal(filepath.FromSlash(name)) {
		return v.reject(name, "path traversal detected")
	}
	return nil
}

// ValidateSymlink rejects links whose target, resolved from the link's own
// directory, lands outside the extraction root. Absolute targets are rejected
// as well since they would point into the host filesystem.
func (v *Validator) ValidateSymlink(name, target string) error {
	if filepath.IsAbs(target) || strings.HasPrefix(target, "/") {
		return v.reject(name+" -> "+target, "absolute symlink target")
	}

	resolved := filepath.Join(filepath.Dir(filepath.FromSlash(name)), filepath.FromSlash(target))
	if !filepath.IsLocal(resolved) {
		slog.Error("security_symlink_escape", "entry", name, "target", target, "resolved", resolved)
		return v.reject(name+" -> "+target, "symlink escapes package root")
	}

	slog.Debug("security_symlink_validated", "entry", name, "target", target)
	return nil
}

// ValidateFileSize checks a single entry against the per-file limit.
func (v *Validator) ValidateFileSize(name string, size int64) error {
	if size < 0 {
		return v.reject(name, "negative entry size")
	}
	if size > v.limits.MaxFileSize {
		slog.Error("security_file_size_exceeded", "entry", name, "size", size, "max", v.limits.MaxFileSize)
		return v.reject(name, fmt.Sprintf("file size %d exceeds max %d", size, v.limits.MaxFileSize))
	}
	return nil
}

// ValidateCompressionRatio rejects entries that inflate beyond the ratio limit.
// Empty entries always pass.
func (v *Validator) ValidateCompressionRatio(name string, compressed, uncompressed int64) error {
	if uncompressed == 0 {
		return nil
	}
	if compressed <= 0 {
		return v.reject(name, "zero compressed size")
	}

	ratio := float64(uncompressed) / float64(compressed)
	if ratio > v.limits.MaxCompressionRatio {
		slog.Error("security_compression_bomb_detected",
			"entry", name,
			"ratio", ratio,
			"max_ratio", v.limits.MaxCompressionRatio)
		return v.reject(name, fmt.Sprintf("compression ratio %.2f exceeds max %.2f", ratio, v.limits.MaxCompressionRatio))
	}
	return nil
}

// AddExtracted adds n bytes to the running total and fails once the total
// limit is exceeded.
func (v *Validator) AddExtracted(name string, n int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.total += n
	if v.total > v.limits.MaxTotalSize {
		slog.Error("security_total_size_exceeded", "entry", name, "total", v.total, "max", v.limits.MaxTotalSize)
		return v.reject(name, fmt.Sprintf("total extracted size %d exceeds max %d", v.total, v.limits.MaxTotalSize))
	}
	return nil
}

// Total returns the bytes accounted so far.
func (v *Validator) Total() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.total
}

// Reset clears the running total.
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.total = 0
}

func (v *Validator) reject(entry, reason string) error {
	slog.Warn("security_entry_rejected", "entry", entry, "reason", reason)
	return &Violation{Entry: entry, Reason: reason}
}
