package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCachePath(t *testing.T) {
	dir := "/var/cache/mechaflt"

	tests := []struct {
		key  string
		want string
	}{
		{"comet-m.zip", "comet-m.zip"},
		{"releases/comet-m/1.0.0.zip", "releases_comet-m_1.0.0.zip"},
		{"/leading/slash.zip", "leading_slash.zip"},
		{"../escape.zip", "__escape.zip"},
		{"", "_"},
	}

	for _, tt := range tests {
		got := CachePath(dir, tt.key)
		sum := sha256.Sum256([]byte(tt.key))
		want := filepath.Join(dir, hex.EncodeToString(sum[:4])+"-"+tt.want)
		if got != want {
			t.Errorf("CachePath(%q) = %s, want %s", tt.key, got, want)
		}
		if filepath.Dir(got) != dir {
			t.Errorf("CachePath(%q) left the cache directory: %s", tt.key, got)
		}
		if CachePath(dir, tt.key) != got {
			t.Errorf("CachePath(%q) is not stable", tt.key)
		}
	}
}

func TestCachePath_DistinctForFlattenedCollisions(t *testing.T) {
	dir := "/var/cache/mechaflt"
	pairs := [][2]string{
		{"a/b", "a_b"},
		{"releases/comet-m.zip", "releases_comet-m.zip"},
		{"x/../y.zip", "x/__/y.zip"},
	}

	for _, p := range pairs {
		if CachePath(dir, p[0]) == CachePath(dir, p[1]) {
			t.Errorf("keys %q and %q share cache file %s", p[0], p[1], CachePath(dir, p[0]))
		}
	}
}

func TestWriteVerified(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "cache", "comet-m.zip")
	content := "package-bytes"

	res, err := writeVerified(strings.NewReader(content), dest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sum := sha256.Sum256([]byte(content))
	if res.SHA256 != hex.EncodeToString(sum[:]) || res.Size != int64(len(content)) || res.LocalPath != dest {
		t.Errorf("unexpected result: %+v", res)
	}

	got, err := os.ReadFile(dest)
	if err != nil || string(got) != content {
		t.Errorf("unexpected file content %q, %v", got, err)
	}

	entries, _ := os.ReadDir(filepath.Dir(dest))
	if len(entries) != 1 {
		t.Errorf("temporary file left behind: %v", entries)
	}
}
