package script

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mecha-org/mechaflt/pkg/engine"
	"github.com/mecha-org/mechaflt/pkg/engine/enginetest"
)

const sample = `uuu_version 1.4.77

# Flash the bootloader first
SDPS: boot -f _flash.bin

   # indented comment
FB: ucmd setenv fastboot_dev mmc
FB: flash -raw2sparse all _image
FB: done
`

func TestParse_Filters(t *testing.T) {
	s, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{
		"SDPS: boot -f _flash.bin",
		"FB: ucmd setenv fastboot_dev mmc",
		"FB: flash -raw2sparse all _image",
		"FB: done",
	}
	got := s.Commands()
	if len(got) != len(want) {
		t.Fatalf("expected %d commands, got %d: %q", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command %d = %q, want %q", i, got[i], want[i])
		}
	}

	if s.EngineVersion() != "1.4.77" {
		t.Errorf("expected engine version 1.4.77, got %q", s.EngineVersion())
	}
}

func TestParse_CommandCount(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"only comments", "# a\n# b\n", 0},
		{"blank lines", "\n\n  \nFB: done\n\n", 1},
		{"crlf", "FB: ucmd a\r\nFB: ucmd b\r\n", 2},
		{"version only", "uuu_version 1.5.0\n", 0},
		{"mixed", "uuu_version 1.5.0\n# c\n\nA: x\nB: y\n# d\nC: z\n", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Parse(strings.NewReader(tt.text))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if s.Len() != tt.want {
				t.Errorf("expected %d commands, got %d", tt.want, s.Len())
			}
		})
	}
}

func TestSubstitute(t *testing.T) {
	if got := Substitute("flash _image to device", ImagePlaceholder, "disk.img"); got != "flash disk.img to device" {
		t.Errorf("unexpected substitution: %q", got)
	}
	if got := Substitute("FB: done", ImagePlaceholder, "disk.img"); got != "FB: done" {
		t.Errorf("command without token must be unchanged, got %q", got)
	}
	if got := Substitute("cp _image _image", ImagePlaceholder, "a.img"); got != "cp a.img a.img" {
		t.Errorf("every occurrence must be replaced, got %q", got)
	}
}

func TestWith_ReturnsNewScript(t *testing.T) {
	base, _ := Parse(strings.NewReader(sample))

	flashed := base.WithImage("rootfs.img").WithBootloader("u-boot.bin")

	if base.Commands()[0] != "SDPS: boot -f _flash.bin" {
		t.Errorf("receiver was modified: %q", base.Commands()[0])
	}

	got := flashed.Commands()
	if got[0] != "SDPS: boot -f u-boot.bin" {
		t.Errorf("bootloader not substituted: %q", got[0])
	}
	if got[2] != "FB: flash -raw2sparse all rootfs.img" {
		t.Errorf("image not substituted: %q", got[2])
	}
	if got[1] != "FB: ucmd setenv fastboot_dev mmc" {
		t.Errorf("unrelated command changed: %q", got[1])
	}
	if flashed.EngineVersion() != base.EngineVersion() {
		t.Errorf("engine version not carried over")
	}
}

func TestCommands_ReturnsCopy(t *testing.T) {
	s, _ := Parse(strings.NewReader("A: x\n"))
	cmds := s.Commands()
	cmds[0] = "mutated"
	if s.Commands()[0] != "A: x" {
		t.Errorf("Commands must not expose internal storage")
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.lst"))
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected LoadError, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected wrapped ErrNotExist, got %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.lst")
	if err := os.WriteFile(path, []byte(sample), 0644); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Len() != 4 || s.Source() != path {
		t.Errorf("unexpected script: len=%d source=%s", s.Len(), s.Source())
	}
}

func TestExecute_AllSucceed(t *testing.T) {
	s, _ := Parse(strings.NewReader("A: one\nB: two\nC: three\n"))
	eng := enginetest.New()
	var out bytes.Buffer

	if err := s.Execute(context.Background(), eng, WithOutput(&out)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := eng.Commands(); len(got) != 3 || got[0] != "A: one" || got[2] != "C: three" {
		t.Errorf("unexpected dispatch order: %q", got)
	}
	if out.String() != "> A: one\n> B: two\n> C: three\n" {
		t.Errorf("unexpected echo: %q", out.String())
	}
}

func TestExecute_FailFast(t *testing.T) {
	s, _ := Parse(strings.NewReader("A: 1\nA: 2\nA: 3\nA: 4\nA: 5\n"))
	eng := enginetest.New()
	eng.FailAt = 3
	eng.FailMessage = "Failure open usb device"

	err := s.Execute(context.Background(), eng, WithOutput(&bytes.Buffer{}))

	if got := eng.Commands(); len(got) != 3 || got[2] != "A: 3" {
		t.Fatalf("expected exactly commands 1-3 dispatched, got %q", got)
	}

	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if execErr.Index != 3 || execErr.Command != "A: 3" {
		t.Errorf("unexpected failing command: %+v", execErr)
	}

	var cmdErr *engine.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Message != "Failure open usb device" {
		t.Errorf("expected engine error text to be preserved, got %v", err)
	}
}

func TestExecute_CancelledBeforeNextCommand(t *testing.T) {
	s, _ := Parse(strings.NewReader("A: 1\nA: 2\nA: 3\n"))
	ctx, cancel := context.WithCancel(context.Background())
	eng := enginetest.New()
	eng.OnRun = func(cmd string) {
		if cmd == "A: 1" {
			cancel()
		}
	}

	err := s.Execute(ctx, eng, WithOutput(&bytes.Buffer{}))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := eng.Commands(); len(got) != 1 {
		t.Errorf("expected one command before cancellation, got %q", got)
	}
}
