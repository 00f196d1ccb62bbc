package script

import "fmt"

// LoadError indicates the script file could not be read.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load script %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ExecutionError reports the command that stopped a script run. Index is
// 1-based among executable commands.
type ExecutionError struct {
	Index   int
	Command string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("command %d (%s): %v", e.Index, e.Command, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
