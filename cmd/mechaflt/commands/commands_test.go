package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mecha-org/mechaflt/pkg/db"
	"github.com/mecha-org/mechaflt/pkg/engine"
	"github.com/mecha-org/mechaflt/pkg/engine/enginetest"
	"github.com/mecha-org/mechaflt/pkg/flash"
	"github.com/mecha-org/mechaflt/pkg/storage"
)

func newRepo(t *testing.T) *db.Repository {
	t.Helper()
	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "state", "mechaflt.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestPromptConfirmer(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		assumeYes bool
		want      bool
	}{
		{"empty answer is yes", "\n", false, true},
		{"explicit yes", "YES\n", false, true},
		{"no", "n\n", false, false},
		{"retries unknown answer", "maybe\ny\n", false, true},
		{"closed input declines", "", false, false},
		{"answer without newline", "no", false, false},
		{"assume yes skips input", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			p := newPromptConfirmer(strings.NewReader(tt.input), &out, tt.assumeYes)

			got, err := p.Confirm(context.Background(), flash.SerialModePrompt)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Confirm() = %v, want %v", got, tt.want)
			}
			if !strings.Contains(out.String(), flash.SerialModePrompt) {
				t.Errorf("prompt not shown: %q", out.String())
			}
		})
	}
}

func TestHistoryRecorder(t *testing.T) {
	repo := newRepo(t)
	rec := historyRecorder{store: repo}
	ctx := context.Background()
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	run := flash.Run{
		ID:        "run-1",
		Package:   "/tmp/comet-m.zip",
		Outcome:   flash.OutcomeRunning,
		LastState: "idle",
		StartedAt: started,
	}
	if err := rec.RecordStart(ctx, run); err != nil {
		t.Fatalf("RecordStart: %v", err)
	}

	run.Outcome = flash.OutcomeFailed
	run.LastState = "flashing"
	run.Error = "command failed"
	run.ManifestID = "comet-m"
	run.ManifestVersion = "2.0.0"
	run.FinishedAt = started.Add(time.Minute)
	if err := rec.RecordFinish(ctx, run); err != nil {
		t.Fatalf("RecordFinish: %v", err)
	}

	runs, err := repo.ListRuns(ctx, 0)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns = %v, %v", runs, err)
	}
	got := runs[0]
	if got.Outcome != "failed" || got.LastState != "flashing" || got.ManifestID != "comet-m" {
		t.Errorf("unexpected run: %+v", got)
	}
	if got.StartedAt != "2024-05-01T10:00:00Z" || got.FinishedAt != "2024-05-01T10:01:00Z" {
		t.Errorf("unexpected times: %s %s", got.StartedAt, got.FinishedAt)
	}

	var buf bytes.Buffer
	writeRuns(&buf, runs)
	if !strings.Contains(buf.String(), "comet-m@2.0.0") || !strings.Contains(buf.String(), "error: command failed") {
		t.Errorf("unexpected history output:\n%s", buf.String())
	}
}

func TestToDBRun_Unfinished(t *testing.T) {
	r := toDBRun(flash.Run{ID: "x", Outcome: flash.OutcomeRunning, StartedAt: time.Now()})
	if r.FinishedAt != "" || r.Outcome != "running" {
		t.Errorf("unexpected run: %+v", r)
	}
}

func TestResolvePackage(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	dir := t.TempDir()

	local := filepath.Join(dir, "local.zip")
	os.WriteFile(local, []byte("pk"), 0644)
	cached := filepath.Join(dir, "cached.zip")
	os.WriteFile(cached, []byte("pk"), 0644)

	repo.CreatePackage(ctx, &db.Package{S3Key: "releases/ready.zip", Status: db.StatusReady, LocalPath: cached})
	repo.CreatePackage(ctx, &db.Package{S3Key: "releases/failed.zip", Status: db.StatusFailed, LocalPath: cached})

	tests := []struct {
		name  string
		cache packageLookup
		arg   string
		want  string
	}{
		{"existing file", repo, local, local},
		{"ready cache entry", repo, "releases/ready.zip", cached},
		{"failed cache entry", repo, "releases/failed.zip", "releases/failed.zip"},
		{"unknown key", repo, "releases/none.zip", "releases/none.zip"},
		{"no cache", nil, "releases/ready.zip", "releases/ready.zip"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolvePackage(ctx, tt.cache, tt.arg); got != tt.want {
				t.Errorf("resolvePackage(%q) = %q, want %q", tt.arg, got, tt.want)
			}
		})
	}
}

func TestReportFlash(t *testing.T) {
	failure := errors.New("boom")

	tests := []struct {
		name       string
		err        error
		wantOutput string
		wantErr    error
		reported   bool
		code       int
	}{
		{"success", nil, "Script executed successfully", nil, false, 0},
		{"declined", flash.ErrCancelled, "", flash.ErrCancelled, false, 0},
		{"interrupted", fmt.Errorf("script cancelled: %w", context.Canceled), "Interrupted.", context.Canceled, true, 130},
		{"not found", &flash.PackageNotFoundError{Path: "x.zip"}, "x.zip does not exist.", nil, true, 1},
		{"no device", &flash.NoDeviceFoundError{}, "", nil, true, 1},
		{"failure", failure, "Error: boom\nScript execution aborted.", failure, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := reportFlash(&out, tt.err)

			if !strings.Contains(out.String(), tt.wantOutput) {
				t.Errorf("output %q missing %q", out.String(), tt.wantOutput)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if tt.err == nil && err != nil {
				t.Errorf("expected nil, got %v", err)
			}
			var rep *reportedError
			if errors.As(err, &rep) != tt.reported {
				t.Fatalf("reported = %v, want %v", !tt.reported, tt.reported)
			}
			if tt.reported && rep.exitCode() != tt.code {
				t.Errorf("exit code = %d, want %d", rep.exitCode(), tt.code)
			}
			if errors.Is(err, flash.ErrCancelled) && tt.code != 0 {
				t.Errorf("a failed run must not look like a cancellation: %v", err)
			}
		})
	}
}

func TestShellLoop(t *testing.T) {
	fake := enginetest.New()
	fake.FailAt = 2
	fake.FailMessage = "unknown command"

	var out bytes.Buffer
	input := "SDP: boot -f flash.bin\n\nbogus\n  FB: done  \nexit\nFB: never\n"
	if err := shellLoop(context.Background(), strings.NewReader(input), &out, fake); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cmds := fake.Commands()
	want := []string{"SDP: boot -f flash.bin", "bogus", "FB: done"}
	if strings.Join(cmds, "|") != strings.Join(want, "|") {
		t.Errorf("commands = %q, want %q", cmds, want)
	}

	text := out.String()
	if !strings.HasPrefix(text, "Enter command on prompt, or type 'exit' to quit") {
		t.Errorf("missing banner: %q", text)
	}
	if !strings.Contains(text, "Error: ") || !strings.Contains(text, "unknown command") {
		t.Errorf("failure not reported: %q", text)
	}
	if !strings.HasSuffix(text, "Exiting shell.\n") {
		t.Errorf("missing exit line: %q", text)
	}
}

func TestSubscribeProgress(t *testing.T) {
	fake := enginetest.New()
	fake.Emit = []engine.Notification{
		engine.Info("Wait for Known USB Device Appear...\n"),
		engine.TransferSize{Total: 4096},
		engine.TransferPosition{Index: 4096},
	}

	var out bytes.Buffer
	d := subscribeProgress(fake, &out, 100)
	if err := shellLoop(context.Background(), strings.NewReader("FB: flash all rootfs.img\n"), &out, fake); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(out.String(), "Wait for Known USB Device Appear...\n\rProgress: 100%\n") {
		t.Errorf("progress not printed: %q", out.String())
	}
	if d.State().Total != 4096 {
		t.Errorf("decoder not subscribed: %+v", d.State())
	}
}

func TestShellLoop_EndOfInput(t *testing.T) {
	fake := enginetest.New()
	var out bytes.Buffer

	if err := shellLoop(context.Background(), strings.NewReader("FB: done"), &out, fake); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fake.Commands()) != 1 || !strings.HasSuffix(out.String(), "Exiting shell.\n") {
		t.Errorf("unexpected run: %q %q", fake.Commands(), out.String())
	}
}

func TestCleanupOrphanedResources(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	workDir := t.TempDir()
	cacheDir := t.TempDir()

	stale := filepath.Join(workDir, flash.WorkspacePrefix+"stale")
	fresh := filepath.Join(workDir, flash.WorkspacePrefix+"fresh")
	other := filepath.Join(workDir, "unrelated")
	for _, d := range []string{stale, fresh, other} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-2 * time.Hour)
	os.Chtimes(stale, old, old)
	os.Chtimes(other, old, old)

	tracked := filepath.Join(cacheDir, "releases_comet-m.zip")
	orphan := filepath.Join(cacheDir, "releases_gone.zip")
	os.WriteFile(tracked, []byte("pk"), 0644)
	os.WriteFile(orphan, []byte("pk"), 0644)
	repo.CreatePackage(ctx, &db.Package{S3Key: "releases/comet-m.zip", Status: db.StatusReady, LocalPath: tracked})

	var out bytes.Buffer
	n, err := cleanupOrphanedResources(ctx, &out, repo, cacheDir, workDir, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("removed %d resources, want 2\n%s", n, out.String())
	}

	for path, wantExists := range map[string]bool{
		stale: false, fresh: true, other: true, tracked: true, orphan: false,
	} {
		_, err := os.Stat(path)
		if exists := err == nil; exists != wantExists {
			t.Errorf("%s exists=%v, want %v", filepath.Base(path), exists, wantExists)
		}
	}
}

func TestCleanupPackages(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	dir := t.TempDir()

	a := filepath.Join(dir, "a.zip")
	os.WriteFile(a, []byte("pk"), 0644)
	repo.CreatePackage(ctx, &db.Package{S3Key: "a.zip", Status: db.StatusReady, LocalPath: a})
	// A record whose file is already gone still cleans up.
	repo.CreatePackage(ctx, &db.Package{S3Key: "b.zip", Status: db.StatusFailed, LocalPath: filepath.Join(dir, "b.zip")})

	var out bytes.Buffer
	if err := cleanupSpecificPackage(ctx, &out, repo, "missing.zip"); err == nil {
		t.Error("expected error for unknown package")
	}
	if err := cleanupSpecificPackage(ctx, &out, repo, "a.zip"); err != nil {
		t.Fatalf("cleanupSpecificPackage: %v", err)
	}
	if _, err := os.Stat(a); !os.IsNotExist(err) {
		t.Error("cached file not removed")
	}

	if err := cleanupAllPackages(ctx, &out, repo); err != nil {
		t.Fatalf("cleanupAllPackages: %v", err)
	}
	packages, _ := repo.ListPackages(ctx)
	if len(packages) != 0 {
		t.Errorf("records left: %+v", packages)
	}

	var list bytes.Buffer
	writePackages(&list, packages)
	if !strings.Contains(list.String(), "No packages found") {
		t.Errorf("unexpected list output: %q", list.String())
	}
}

func TestCleanupPackage_KeysThatFlattenAlike(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	cacheDir := t.TempDir()

	nested := storage.CachePath(cacheDir, "a/b.zip")
	flat := storage.CachePath(cacheDir, "a_b.zip")
	os.WriteFile(nested, []byte("nested"), 0644)
	os.WriteFile(flat, []byte("flat"), 0644)
	repo.CreatePackage(ctx, &db.Package{S3Key: "a/b.zip", Status: db.StatusReady, LocalPath: nested})
	repo.CreatePackage(ctx, &db.Package{S3Key: "a_b.zip", Status: db.StatusReady, LocalPath: flat})

	var out bytes.Buffer
	if err := cleanupSpecificPackage(ctx, &out, repo, "a/b.zip"); err != nil {
		t.Fatalf("cleanupSpecificPackage: %v", err)
	}

	if data, err := os.ReadFile(flat); err != nil || string(data) != "flat" {
		t.Errorf("other package's file removed: %q, %v", data, err)
	}
	if p, _ := repo.GetPackage(ctx, "a_b.zip"); p == nil {
		t.Error("other package's record removed")
	}
}
