package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/mecha-org/mechaflt/pkg/errors"
)

// DefaultBinary is the engine executable looked up on PATH.
const DefaultBinary = "uuu"

// UUU drives the uuu flashing utility as a subprocess
type UUU struct {
	binary string

	// mu serializes command submission; the engine does not accept
	// concurrent commands.
	mu      sync.Mutex
	handler Handler
}

// NewUUU creates an engine backed by the given uuu executable
func NewUUU(binary string) *UUU {
	if binary == "" {
		binary = DefaultBinary
	}
	slog.Info("engine_init", "binary", binary)
	return &UUU{binary: binary}
}

func (u *UUU) Subscribe(h Handler) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handler = h
}

func (u *UUU) RunCommand(ctx context.Context, command string) error {
	args := strings.Fields(command)
	if len(args) == 0 {
		return &CommandError{Command: command, Message: "empty command"}
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "engine command interrupted")
	}

	slog.Info("engine_command_start", "command", command)

	cmd := exec.CommandContext(ctx, u.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "failed to attach engine stdout")
	}

	if err := cmd.Start(); err != nil {
		slog.Error("engine_start_failed", "binary", u.binary, "error", err)
		return &CommandError{Command: command, Message: err.Error()}
	}

	u.notify(Event{Type: KindCmdStart})
	lastOut := u.stream(stdout)
	err = cmd.Wait()
	u.notify(Event{Type: KindCmdEnd})

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			slog.Warn("engine_command_interrupted", "command", command, "error", ctxErr)
			return errors.Wrap(ctxErr, "engine command interrupted")
		}

		msg := lastLine(stderr.String())
		if msg == "" {
			msg = lastOut
		}
		if msg == "" {
			msg = err.Error()
		}
		slog.Error("engine_command_failed", "command", command, "error", msg)
		return &CommandError{Command: command, Message: msg}
	}

	slog.Info("engine_command_complete", "command", command)
	return nil
}

func (u *UUU) Devices(ctx context.Context) ([]Device, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	cmd := exec.CommandContext(ctx, u.binary, "-lsusb")
	output, err := cmd.Output()
	if err != nil {
		slog.Error("engine_lsusb_failed", "binary", u.binary, "error", err)
		return nil, errors.Wrap(err, "failed to enumerate devices")
	}

	devices := parseDevices(string(output))
	slog.Info("engine_devices_found", "count", len(devices))
	return devices, nil
}

// percentPattern matches the completion percentage uuu draws on its
// progress bar, e.g. "1:2  2/ 3 [====    40%    ] FB: flash ...".
var percentPattern = regexp.MustCompile(`(\d{1,3})%`)

// stream forwards engine output to the handler and returns the last
// non-empty line. Text keeps the line ending the engine wrote. Lines that
// carry a percentage become a transfer of 100 units instead of text.
func (u *UUU) stream(r io.Reader) string {
	var last string
	prev := -1
	scanner := bufio.NewScanner(r)
	scanner.Split(scanLines)
	for scanner.Scan() {
		token := scanner.Text()
		text := strings.TrimRight(token, "\r\n")
		if strings.TrimSpace(text) == "" {
			continue
		}
		last = strings.TrimSpace(text)

		if pct, ok := parsePercent(text); ok {
			if pct == 100 && prev == 100 {
				continue
			}
			if prev < 0 || pct < prev {
				u.notify(TransferSize{Total: 100})
			}
			prev = pct
			u.notify(TransferPosition{Index: uint64(pct)})
			continue
		}

		if token == text {
			// Unterminated output at EOF; end it so the next echo starts clean.
			token += "\n"
		}
		u.notify(Info(token))
	}
	// Drain whatever the scanner refused so Wait does not block on a full pipe.
	_, _ = io.Copy(io.Discard, r)
	return last
}

// parsePercent returns the last percentage in line, if any is in 0..100.
func parsePercent(line string) (int, bool) {
	matches := percentPattern.FindAllStringSubmatch(line, -1)
	if len(matches) == 0 {
		return 0, false
	}
	pct, err := strconv.Atoi(matches[len(matches)-1][1])
	if err != nil || pct > 100 {
		return 0, false
	}
	return pct, true
}

func (u *UUU) notify(n Notification) {
	if u.handler != nil {
		u.handler.Handle(n)
	}
}

// scanLines splits after '\n', '\r' or "\r\n" and keeps the terminator, so
// in-place redraws stay distinguishable from finished lines.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\r' {
			if i+1 == len(data) && !atEOF {
				// Need the next byte to tell "\r" from "\r\n".
				return 0, nil, nil
			}
			if i+1 < len(data) && data[i+1] == '\n' {
				return i + 2, data[:i+2], nil
			}
		}
		return i + 1, data[:i+1], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func lastLine(s string) string {
	lines := strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == '\r' })
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// parseDevices reads the device table printed by `uuu -lsusb`:
//
//	Path	 Chip	 Pro	 Vid	 Pid	 BcdVersion	 Serial_no
//	==================================================
//	1:2	 MX8MQ	 SDP:	 0x1FC9	0x012B	 0x0001	 ABC123
func parseDevices(output string) []Device {
	var devices []Device
	inTable := false

	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "====") {
			inTable = true
			continue
		}
		if !inTable || trimmed == "" {
			continue
		}

		fields := strings.Fields(trimmed)
		if len(fields) < 6 {
			slog.Warn("engine_device_row_skipped", "row", trimmed)
			continue
		}

		dev, err := parseDeviceRow(fields)
		if err != nil {
			slog.Warn("engine_device_row_skipped", "row", trimmed, "error", err)
			continue
		}
		devices = append(devices, dev)
	}

	return devices
}

func parseDeviceRow(fields []string) (Device, error) {
	vid, err := parseHex(fields[3])
	if err != nil {
		return Device{}, fmt.Errorf("vendor id: %w", err)
	}
	pid, err := parseHex(fields[4])
	if err != nil {
		return Device{}, fmt.Errorf("product id: %w", err)
	}
	bcd, err := parseHex(fields[5])
	if err != nil {
		return Device{}, fmt.Errorf("bcd: %w", err)
	}

	dev := Device{
		Path:      fields[0],
		Chip:      fields[1],
		Protocol:  strings.TrimSuffix(fields[2], ":"),
		VendorID:  vid,
		ProductID: pid,
		BCD:       bcd,
	}
	if len(fields) > 6 {
		dev.SerialNo = fields[6]
	}
	return dev, nil
}

func parseHex(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
