package archive

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/mecha-org/mechaflt/pkg/errors"
	"github.com/mecha-org/mechaflt/pkg/security"
)

// Extract unpacks the package at archivePath into destDir. Every entry is
// checked by validator before anything is written.
func Extract(archivePath, destDir string, validator *security.Validator) error {
	validator.Reset()

	var files int
	err := Walk(archivePath, func(e Entry, body io.Reader) error {
		if err := validator.ValidatePath(e.Name); err != nil {
			return err
		}
		target := filepath.Join(destDir, filepath.FromSlash(e.Name))

		switch e.Type {
		case TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return errors.Wrap(err, "failed to create directory")
			}

		case TypeFile:
			if err := validator.ValidateFileSize(e.Name, e.Size); err != nil {
				return err
			}
			if e.CompressedSize > 0 {
				if err := validator.ValidateCompressionRatio(e.Name, e.CompressedSize, e.Size); err != nil {
					return err
				}
			}
			if err := writeFile(target, e, body, validator); err != nil {
				return err
			}
			files++

		case TypeSymlink:
			if err := validator.ValidateSymlink(e.Name, e.Linkname); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return errors.Wrap(err, "failed to create parent dir")
			}
			if err := os.Symlink(e.Linkname, target); err != nil && !os.IsExist(err) {
				return errors.Wrap(err, "failed to create symlink")
			}

		default:
			slog.Warn("archive_entry_skipped", "name", e.Name, "mode", e.Mode.String())
		}
		return nil
	})
	if err != nil {
		return err
	}

	// tar streams carry no per-entry compressed size, so check the whole file.
	fi, err := os.Stat(archivePath)
	if err != nil {
		return errors.Wrap(err, "failed to stat package")
	}
	if err := validator.ValidateCompressionRatio(filepath.Base(archivePath), fi.Size(), validator.Total()); err != nil {
		return err
	}

	slog.Info("archive_extracted", "archive", archivePath, "dest", destDir, "files", files, "bytes", validator.Total())
	return nil
}

func writeFile(target string, e Entry, body io.Reader, validator *security.Validator) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return errors.Wrap(err, "failed to create parent dir")
	}

	perm := e.Mode.Perm()
	if perm == 0 {
		perm = 0644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return errors.Wrap(err, "failed to create file")
	}

	// Declared sizes can lie; bound the copy by the per-file limit.
	limit := validator.Limits().MaxFileSize
	n, err := io.Copy(out, io.LimitReader(body, limit+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrap(err, "failed to write "+e.Name)
	}
	if err := validator.ValidateFileSize(e.Name, n); err != nil {
		return err
	}
	return validator.AddExtracted(e.Name, n)
}

// SpaceError reports a volume without room for the package contents.
type SpaceError struct {
	Dir      string
	Required uint64
	Free     uint64
}

func (e *SpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space in %s: %d bytes required, %d free", e.Dir, e.Required, e.Free)
}

// EnsureSpace fails with *SpaceError when the volume holding dir has less
// than required bytes free.
func EnsureSpace(dir string, required uint64) error {
	usage, err := disk.Usage(dir)
	if err != nil {
		return errors.Wrap(err, "failed to check disk space")
	}

	slog.Debug("archive_space_check", "dir", dir, "required", required, "free", usage.Free)
	if usage.Free < required {
		return &SpaceError{Dir: dir, Required: required, Free: usage.Free}
	}
	return nil
}
