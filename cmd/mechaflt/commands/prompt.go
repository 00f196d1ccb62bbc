package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/mecha-org/mechaflt/pkg/errors"
)

// promptConfirmer asks yes/no questions on the terminal. An empty answer
// means yes.
type promptConfirmer struct {
	in        *bufio.Reader
	out       io.Writer
	assumeYes bool
}

func newPromptConfirmer(in io.Reader, out io.Writer, assumeYes bool) *promptConfirmer {
	return &promptConfirmer{in: bufio.NewReader(in), out: out, assumeYes: assumeYes}
}

func (p *promptConfirmer) Confirm(ctx context.Context, prompt string) (bool, error) {
	if p.assumeYes {
		fmt.Fprintf(p.out, "? %s Yes\n", prompt)
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	for {
		fmt.Fprintf(p.out, "? %s (Y/n) ", prompt)
		line, err := p.in.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF {
				// Closed input never confirms.
				fmt.Fprintln(p.out)
				return false, nil
			}
			return false, errors.Wrap(err, "failed to read answer")
		}

		if answer, ok := parseAnswer(line); ok {
			return answer, nil
		}
		fmt.Fprintln(p.out, "Please answer yes or no.")
	}
}

func parseAnswer(line string) (answer, ok bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "", "y", "yes":
		return true, true
	case "n", "no":
		return false, true
	default:
		return false, false
	}
}
