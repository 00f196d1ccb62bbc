// Package archive reads flash packages. Zip is the native package format;
// tar and zstd-compressed tar are accepted as well.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/mecha-org/mechaflt/pkg/errors"
)

// Format identifies a package container.
type Format int

const (
	FormatUnknown Format = iota
	FormatZip
	FormatTarZstd
	FormatTar
)

func (f Format) String() string {
	switch f {
	case FormatZip:
		return "zip"
	case FormatTarZstd:
		return "tar.zst"
	case FormatTar:
		return "tar"
	default:
		return "unknown"
	}
}

// EntryType classifies archive entries.
type EntryType int

const (
	TypeFile EntryType = iota
	TypeDir
	TypeSymlink
	TypeOther
)

// Entry describes one archive member.
type Entry struct {
	Name string
	Type EntryType
	Mode fs.FileMode
	// Size is the declared uncompressed size.
	Size int64
	// CompressedSize is known for zip members only.
	CompressedSize int64
	Linkname       string
}

// WalkFunc is called for each entry in archive order. body is only readable
// for TypeFile entries and only until fn returns. Returning fs.SkipAll stops
// the walk without error.
type WalkFunc func(e Entry, body io.Reader) error

// ErrEntryNotFound is returned by ReadFile when the archive has no such member.
var ErrEntryNotFound = errors.New("archive entry not found")

const maxLinkTarget = 4096

var (
	zipMagic    = []byte("PK\x03\x04")
	zipEmpty    = []byte("PK\x05\x06")
	zstdMagic   = []byte{0x28, 0xB5, 0x2F, 0xFD}
	ustarMagic  = []byte("ustar")
	ustarOffset = 257
)

// Detect sniffs the container format from the file's leading bytes.
func Detect(archivePath string) (Format, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return FormatUnknown, err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return FormatUnknown, errors.Wrap(err, "failed to read archive header")
	}
	return detectBytes(head[:n]), nil
}

func detectBytes(head []byte) Format {
	switch {
	case bytes.HasPrefix(head, zipMagic), bytes.HasPrefix(head, zipEmpty):
		return FormatZip
	case bytes.HasPrefix(head, zstdMagic):
		return FormatTarZstd
	case len(head) >= ustarOffset+len(ustarMagic) && bytes.Equal(head[ustarOffset:ustarOffset+len(ustarMagic)], ustarMagic):
		return FormatTar
	default:
		return FormatUnknown
	}
}

// Walk visits every entry of the package at archivePath.
func Walk(archivePath string, fn WalkFunc) error {
	format, err := Detect(archivePath)
	if err != nil {
		return err
	}

	switch format {
	case FormatZip:
		err = walkZip(archivePath, fn)
	case FormatTarZstd, FormatTar:
		err = walkTar(archivePath, format, fn)
	default:
		return fmt.Errorf("unsupported package format: %s", archivePath)
	}

	if err == fs.SkipAll {
		return nil
	}
	return err
}

func walkZip(archivePath string, fn WalkFunc) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return errors.Wrap(err, "failed to open zip")
	}
	defer r.Close()

	for _, f := range r.File {
		mode := f.Mode()
		e := Entry{
			Name:           f.Name,
			Mode:           mode,
			Size:           int64(f.UncompressedSize64),
			CompressedSize: int64(f.CompressedSize64),
		}

		switch {
		case mode.IsDir():
			e.Type = TypeDir
		case mode&fs.ModeSymlink != 0:
			e.Type = TypeSymlink
		case mode.IsRegular():
			e.Type = TypeFile
		default:
			e.Type = TypeOther
		}

		if e.Type != TypeFile && e.Type != TypeSymlink {
			if err := fn(e, nil); err != nil {
				return err
			}
			continue
		}

		if err := visitZipFile(f, e, fn); err != nil {
			return err
		}
	}
	return nil
}

func visitZipFile(f *zip.File, e Entry, fn WalkFunc) error {
	rc, err := f.Open()
	if err != nil {
		return errors.Wrap(err, "failed to open zip entry "+f.Name)
	}
	defer rc.Close()

	if e.Type == TypeSymlink {
		target, err := io.ReadAll(io.LimitReader(rc, maxLinkTarget))
		if err != nil {
			return errors.Wrap(err, "failed to read symlink target "+f.Name)
		}
		e.Linkname = string(target)
		return fn(e, nil)
	}
	return fn(e, rc)
}

func walkTar(archivePath string, format Format, fn WalkFunc) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return errors.Wrap(err, "failed to open tar")
	}
	defer f.Close()

	var src io.Reader = bufio.NewReader(f)
	if format == FormatTarZstd {
		dec, err := zstd.NewReader(src)
		if err != nil {
			return errors.Wrap(err, "failed to open zstd stream")
		}
		defer dec.Close()
		src = dec
	}

	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "tar read error")
		}

		e := Entry{
			Name:     hdr.Name,
			Mode:     hdr.FileInfo().Mode(),
			Size:     hdr.Size,
			Linkname: hdr.Linkname,
		}

		var body io.Reader
		switch hdr.Typeflag {
		case tar.TypeDir:
			e.Type = TypeDir
		case tar.TypeReg:
			e.Type = TypeFile
			body = tr
		case tar.TypeSymlink:
			e.Type = TypeSymlink
		default:
			e.Type = TypeOther
		}

		if err := fn(e, body); err != nil {
			return err
		}
	}
}

// List returns every entry in archive order.
func List(archivePath string) ([]Entry, error) {
	var entries []Entry
	err := Walk(archivePath, func(e Entry, _ io.Reader) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ReadFile returns the contents of a single regular member, reading at most
// limit bytes.
func ReadFile(archivePath, name string, limit int64) ([]byte, error) {
	var (
		data  []byte
		found bool
	)

	err := Walk(archivePath, func(e Entry, body io.Reader) error {
		if e.Type != TypeFile || path.Clean(e.Name) != path.Clean(name) {
			return nil
		}
		found = true

		b, err := io.ReadAll(io.LimitReader(body, limit+1))
		if err != nil {
			return errors.Wrap(err, "failed to read "+name)
		}
		if int64(len(b)) > limit {
			return fmt.Errorf("%s exceeds %d bytes", name, limit)
		}
		data = b
		return fs.SkipAll
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrap(ErrEntryNotFound, name)
	}

	slog.Debug("archive_read_file", "archive", archivePath, "name", name, "bytes", len(data))
	return data, nil
}

// DeclaredSize sums the uncompressed sizes recorded in the archive. The bool
// is false when the format does not record sizes up front.
func DeclaredSize(archivePath string) (uint64, bool, error) {
	format, err := Detect(archivePath)
	if err != nil {
		return 0, false, err
	}
	if format != FormatZip {
		return 0, false, nil
	}

	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return 0, false, errors.Wrap(err, "failed to open zip")
	}
	defer r.Close()

	var total uint64
	for _, f := range r.File {
		total += f.UncompressedSize64
	}
	return total, true, nil
}
