// Package notify turns flashing-engine notifications into console progress.
//
// A Decoder keeps the running transfer state (total, position, current and
// previous notification kind, last info text) and prints after every event:
// an overwritable "Progress: N%" line while a transfer runs, a
// newline-terminated line when it completes, and info text verbatim.
package notify

import (
	"fmt"
	"io"
	"math/bits"
	"os"
	"sync"

	"github.com/mecha-org/mechaflt/pkg/engine"
)

// DefaultThreshold is the smallest transfer total that gets a progress line.
const DefaultThreshold = 100

// NullText is shown in place of info text the engine did not provide.
const NullText = "<null>"

// State is a snapshot of the decoder's running state.
type State struct {
	Total    uint64
	Current  uint64
	Kind     engine.Kind
	LastKind engine.Kind
	LastInfo string
}

// Decoder implements engine.Handler.
type Decoder struct {
	out       io.Writer
	threshold uint64

	mu    sync.Mutex
	state State
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithOutput sets the writer progress is printed to (default os.Stdout).
func WithOutput(w io.Writer) Option {
	return func(d *Decoder) {
		d.out = w
	}
}

// WithThreshold sets the minimum transfer total that is displayed.
func WithThreshold(n uint64) Option {
	return func(d *Decoder) {
		d.threshold = n
	}
}

// NewDecoder creates a decoder with no transfer in progress.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		out:       os.Stdout,
		threshold: DefaultThreshold,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle updates the state from n, then prints what the new state calls for.
func (d *Decoder) Handle(n engine.Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state.LastKind = d.state.Kind
	d.state.Kind = n.Kind()

	switch v := n.(type) {
	case engine.TransferSize:
		d.state.Total = v.Total
	case engine.TransferPosition:
		d.state.Current = v.Index
		d.printProgress()
	case engine.CommandInfo:
		text := NullText
		if v.Text != nil {
			text = *v.Text
		}
		d.state.LastInfo = text
		if text != "" {
			fmt.Fprint(d.out, text)
		}
	}
}

// State returns a copy of the current state.
func (d *Decoder) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Decoder) printProgress() {
	if d.state.Total < d.threshold {
		return
	}
	progress, ok := Percent(d.state.Current, d.state.Total)
	if !ok {
		return
	}
	if progress < 100 {
		fmt.Fprintf(d.out, "\rProgress: %d%%", progress)
		return
	}
	fmt.Fprintf(d.out, "\rProgress: %d%%\n", 100)
}

// Percent returns floor(current*100/total), clamped to 100. It reports
// false when total is zero.
func Percent(current, total uint64) (uint64, bool) {
	if total == 0 {
		return 0, false
	}
	if current >= total {
		return 100, true
	}
	// The high word of current*100 is below total since current < total.
	hi, lo := bits.Mul64(current, 100)
	q, _ := bits.Div64(hi, lo, total)
	return q, true
}
