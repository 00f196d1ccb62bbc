// Package enginetest provides an in-memory engine for tests.
package enginetest

import (
	"context"
	"sync"

	"github.com/mecha-org/mechaflt/pkg/engine"
)

// Fake records dispatched commands and fails on request.
type Fake struct {
	mu sync.Mutex

	// FailAt is the 1-based command number that fails; 0 never fails.
	FailAt int
	// FailMessage is the last-error text reported for the failing command.
	FailMessage string
	// Emit is delivered to the subscribed handler on every command.
	Emit []engine.Notification
	// DeviceList is returned by Devices.
	DeviceList []engine.Device
	// DevicesErr is returned by Devices when set.
	DevicesErr error
	// OnRun is called with each command before it is recorded.
	OnRun func(command string)

	handler  engine.Handler
	commands []string
}

// New returns a fake with one attached device.
func New() *Fake {
	return &Fake{
		FailMessage: "device refused command",
		DeviceList: []engine.Device{{
			Path:      "1:2",
			Chip:      "MX8MQ",
			Protocol:  "SDP",
			VendorID:  0x1FC9,
			ProductID: 0x012B,
			BCD:       0x0001,
		}},
	}
}

func (f *Fake) RunCommand(ctx context.Context, command string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if f.OnRun != nil {
		f.OnRun(command)
	}

	f.mu.Lock()
	f.commands = append(f.commands, command)
	n := len(f.commands)
	handler := f.handler
	f.mu.Unlock()

	if handler != nil {
		for _, note := range f.Emit {
			handler.Handle(note)
		}
	}

	if f.FailAt > 0 && n == f.FailAt {
		return &engine.CommandError{Command: command, Message: f.FailMessage}
	}
	return nil
}

func (f *Fake) Devices(ctx context.Context) ([]engine.Device, error) {
	if f.DevicesErr != nil {
		return nil, f.DevicesErr
	}
	return f.DeviceList, nil
}

func (f *Fake) Subscribe(h engine.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

// Commands returns the commands dispatched so far, in order.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}
