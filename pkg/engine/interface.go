package engine

import (
	"context"
	"fmt"
)

// Device describes a connected USB device the engine can flash.
type Device struct {
	Path      string
	Chip      string
	Protocol  string
	VendorID  uint16
	ProductID uint16
	BCD       uint16
	SerialNo  string
}

// Engine executes flashing commands against attached devices
type Engine interface {
	// RunCommand dispatches one engine command and blocks until it completes.
	// A failed command returns *CommandError.
	RunCommand(ctx context.Context, command string) error

	// Devices enumerates connected compatible devices
	Devices(ctx context.Context) ([]Device, error)

	// Subscribe registers the handler that receives notifications while
	// RunCommand executes. A nil handler discards notifications.
	Subscribe(h Handler)
}

// CommandError is an engine-reported command failure with the engine's
// last error text.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("Command execution failed: %s", e.Message)
}

// Hex formats a USB identifier the way device tables show it.
func Hex(v uint16) string {
	return fmt.Sprintf("0x%04X", v)
}
