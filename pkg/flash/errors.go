package flash

import (
	"fmt"

	"github.com/mecha-org/mechaflt/pkg/errors"
)

var (
	// ErrNoDevice matches every NoDeviceFoundError.
	ErrNoDevice = errors.New("no compatible USB devices found")
	// ErrCancelled is returned when the operator declines a confirmation.
	ErrCancelled = errors.New("operation cancelled by user")
)

// PackageNotFoundError indicates the package path does not name a file.
type PackageNotFoundError struct {
	Path string
}

func (e *PackageNotFoundError) Error() string {
	return fmt.Sprintf("%s does not exist", e.Path)
}

// NoDeviceFoundError indicates device discovery returned nothing usable.
type NoDeviceFoundError struct {
	Err error
}

func (e *NoDeviceFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", ErrNoDevice, e.Err)
	}
	return ErrNoDevice.Error()
}

func (e *NoDeviceFoundError) Unwrap() error { return e.Err }

func (e *NoDeviceFoundError) Is(target error) bool { return target == ErrNoDevice }

// ExtractionError indicates the package could not be unpacked.
type ExtractionError struct {
	Path string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("failed to extract %s: %v", e.Path, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ManifestMissingError indicates the extracted package has no manifest at its root.
type ManifestMissingError struct {
	Dir string
}

func (e *ManifestMissingError) Error() string {
	return "the package does not contain a manifest.yml file"
}
