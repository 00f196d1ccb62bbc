package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mecha-org/mechaflt/pkg/errors"
)

// ValidateComponents checks that every declared component exists under root.
// Components are checked in Roles order and the first problem is returned.
func ValidateComponents(m *Manifest, root string) error {
	for _, c := range m.Components() {
		if _, err := ComponentPath(root, c); err != nil {
			slog.Error("component_invalid", "role", c.Role, "name", c.Name, "error", err)
			return err
		}
		slog.Debug("component_present", "role", c.Role, "name", c.Name)
	}
	return nil
}

// ComponentPath resolves c under root and checks it is a regular file.
func ComponentPath(root string, c NamedComponent) (string, error) {
	if !filepath.IsLocal(c.Name) {
		return "", &InvalidComponentError{Role: c.Role, Name: c.Name, Reason: "name must be a relative path inside the package"}
	}

	path := filepath.Join(root, c.Name)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", &MissingComponentError{Role: c.Role, Name: c.Name}
		}
		return "", errors.Wrap(err, "failed to stat component")
	}
	if !info.Mode().IsRegular() {
		return "", &InvalidComponentError{Role: c.Role, Name: c.Name, Reason: "not a regular file"}
	}
	return path, nil
}

// VerifyIntegrity compares each component's size and SHA-256 digest with the
// manifest. It assumes ValidateComponents has succeeded.
func VerifyIntegrity(m *Manifest, root string) error {
	for _, c := range m.Components() {
		path, err := ComponentPath(root, c)
		if err != nil {
			return err
		}

		size, digest, err := digestFile(path)
		if err != nil {
			return errors.Wrap(err, "failed to hash component "+c.Name)
		}

		if size != c.Size {
			return &IntegrityError{
				Role:     c.Role,
				Name:     c.Name,
				Field:    "size",
				Expected: strconv.FormatUint(c.Size, 10),
				Actual:   strconv.FormatUint(size, 10),
			}
		}
		if !strings.EqualFold(digest, c.SHA2) {
			return &IntegrityError{Role: c.Role, Name: c.Name, Field: "sha2", Expected: c.SHA2, Actual: digest}
		}

		slog.Info("component_verified", "role", c.Role, "name", c.Name, "size", size)
	}
	return nil
}

func digestFile(path string) (uint64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return uint64(n), hex.EncodeToString(h.Sum(nil)), nil
}
