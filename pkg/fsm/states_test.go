package fsm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/mecha-org/mechaflt/pkg/db"
	"github.com/mecha-org/mechaflt/pkg/manifest"
	"github.com/mecha-org/mechaflt/pkg/security"
	"github.com/mecha-org/mechaflt/pkg/storage"
)

const packageManifest = `id: comet-m
version: 2.0.0
channel: beta
created_at: "2024-05-01"
description: fetched package
url: https://example.invalid
machine: {name: comet-m, gen: 1, rev: b}
packages:
  linux: {name: Image, version: "6.1", size: 1, sha2: ""}
  rootfs: {name: rootfs.img, version: "2.0", size: 1, sha2: ""}
  uboot: {name: flash.bin, version: "2022.04", size: 1, sha2: ""}
  dtb: {name: comet-m.dtb, version: "6.1", size: 1, sha2: ""}
  mfgtools: {name: mfgtools.tar, version: "1.4", size: 1, sha2: ""}
  script: {name: flash.lst, version: "1.0", size: 1, sha2: ""}
`

func zipBytes(t *testing.T, files map[string]string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "src.zip")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, _ := zw.Create(name)
		w.Write([]byte(content))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return p
}

func fullPackage() map[string]string {
	return map[string]string{
		manifest.FileName: packageManifest,
		"Image":           "k",
		"rootfs.img":      "r",
		"flash.bin":       "b",
		"comet-m.dtb":     "d",
		"mfgtools.tar":    "m",
		"flash.lst":       "FB: done\n",
	}
}

// fakeFetcher serves a local file as the bucket object.
type fakeFetcher struct {
	source    string
	missing   bool
	failures  int
	downloads int
}

func (f *fakeFetcher) Exists(context.Context, string) (bool, error) {
	return !f.missing, nil
}

func (f *fakeFetcher) Download(_ context.Context, key, localPath string) (*storage.DownloadResult, error) {
	f.downloads++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection reset by peer")
	}
	data, err := os.ReadFile(f.source)
	if err != nil {
		return nil, err
	}
	os.MkdirAll(filepath.Dir(localPath), 0755)
	if err := os.WriteFile(localPath, data, 0644); err != nil {
		return nil, err
	}
	return &storage.DownloadResult{LocalPath: localPath, SHA256: "feedface", Size: int64(len(data))}, nil
}

func newTestMachine(t *testing.T, fetcher storage.Fetcher) (*Machine, *db.Repository) {
	t.Helper()
	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { repo.Close() })
	v := security.NewValidator(security.DefaultLimits())
	return NewMachine(repo, fetcher, v, filepath.Join(t.TempDir(), "cache"), 3), repo
}

// runSteps drives the transitions in order the way the registered FSM does.
func runSteps(ctx context.Context, m *Machine, req *FetchRequest) (*FetchResponse, error) {
	resp := &FetchResponse{}
	for _, fn := range []func(context.Context, *FetchRequest, *FetchResponse) error{m.checkCache, m.download, m.inspect, m.complete} {
		if err := fn(ctx, req, resp); err != nil {
			if IsPermanent(err) {
				m.markFailed(ctx, resp, err)
			}
			return resp, err
		}
	}
	return resp, nil
}

func TestFetch_DownloadsAndRecords(t *testing.T) {
	fetcher := &fakeFetcher{source: zipBytes(t, fullPackage())}
	m, repo := newTestMachine(t, fetcher)
	ctx := context.Background()

	resp, err := runSteps(ctx, m, &FetchRequest{S3Key: "releases/comet-m.zip", S3Bucket: "pkgs"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != db.StatusReady || resp.ManifestVersion != "2.0.0" {
		t.Errorf("unexpected response: %+v", resp)
	}

	pkg, _ := repo.GetPackage(ctx, "releases/comet-m.zip")
	if pkg == nil || pkg.Status != db.StatusReady || pkg.ManifestID != "comet-m" || pkg.Machine != "comet-m" || pkg.SHA256 != "feedface" {
		t.Fatalf("unexpected record: %+v", pkg)
	}
	if !strings.HasSuffix(filepath.Base(pkg.LocalPath), "-releases_comet-m.zip") {
		t.Errorf("unexpected cache path %s", pkg.LocalPath)
	}
}

func TestFetch_CachedIsIdempotent(t *testing.T) {
	fetcher := &fakeFetcher{source: zipBytes(t, fullPackage())}
	m, _ := newTestMachine(t, fetcher)
	ctx := context.Background()
	req := &FetchRequest{S3Key: "comet-m.zip"}

	if _, err := runSteps(ctx, m, req); err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}
	resp, err := runSteps(ctx, m, req)
	if err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}

	if !resp.Cached || fetcher.downloads != 1 {
		t.Errorf("expected cached result without download, cached=%v downloads=%d", resp.Cached, fetcher.downloads)
	}
}

func TestFetch_MissingCacheFileRedownloads(t *testing.T) {
	fetcher := &fakeFetcher{source: zipBytes(t, fullPackage())}
	m, repo := newTestMachine(t, fetcher)
	ctx := context.Background()
	req := &FetchRequest{S3Key: "comet-m.zip"}

	runSteps(ctx, m, req)
	pkg, _ := repo.GetPackage(ctx, "comet-m.zip")
	os.Remove(pkg.LocalPath)

	resp, err := runSteps(ctx, m, req)
	if err != nil || resp.Cached || fetcher.downloads != 2 {
		t.Errorf("expected a fresh download, cached=%v downloads=%d err=%v", resp.Cached, fetcher.downloads, err)
	}
}

func TestFetch_TransientErrorIsRetryable(t *testing.T) {
	fetcher := &fakeFetcher{source: zipBytes(t, fullPackage()), failures: 1}
	m, _ := newTestMachine(t, fetcher)

	_, err := runSteps(context.Background(), m, &FetchRequest{S3Key: "comet-m.zip"})
	if err == nil || IsPermanent(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestFetch_PermanentFailuresMarkRecord(t *testing.T) {
	broken := fullPackage()
	delete(broken, "comet-m.dtb")

	tests := []struct {
		name    string
		fetcher *fakeFetcher
		wantErr string
	}{
		{"object missing", &fakeFetcher{missing: true}, "not found in bucket"},
		{"component missing", &fakeFetcher{source: zipBytes(t, broken)}, "comet-m.dtb"},
		{"no manifest", &fakeFetcher{source: zipBytes(t, map[string]string{"Image": "k"})}, "archive entry not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, repo := newTestMachine(t, tt.fetcher)
			ctx := context.Background()

			_, err := runSteps(ctx, m, &FetchRequest{S3Key: "comet-m.zip", S3Bucket: "pkgs"})
			if !IsPermanent(err) || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected permanent error mentioning %q, got %v", tt.wantErr, err)
			}

			pkg, _ := repo.GetPackage(ctx, "comet-m.zip")
			if pkg.Status != db.StatusFailed || pkg.ErrorMessage == "" {
				t.Errorf("record not marked failed: %+v", pkg)
			}
			if pkg.LocalPath != "" {
				if _, err := os.Stat(pkg.LocalPath); err == nil {
					t.Error("rejected package left in cache")
				}
			}
		})
	}
}

func TestInspectPackage(t *testing.T) {
	mf, err := InspectPackage(zipBytes(t, fullPackage()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mf.Packages.Script.Name != "flash.lst" {
		t.Errorf("unexpected manifest: %+v", mf.Packages)
	}

	files := fullPackage()
	files[manifest.FileName] = "id: x\n"
	var parseErr *manifest.ParseError
	if _, err := InspectPackage(zipBytes(t, files)); !errors.As(err, &parseErr) {
		t.Errorf("expected ParseError, got %v", err)
	}
}
