package manifest

import "fmt"

// ParseError indicates the manifest could not be read or did not match the schema.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid manifest %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// MissingComponentError names the first declared component absent from the package.
type MissingComponentError struct {
	Role string
	Name string
}

func (e *MissingComponentError) Error() string {
	return fmt.Sprintf("missing %s component: %s", e.Role, e.Name)
}

// InvalidComponentError reports a component name that does not resolve to a
// regular file inside the package root.
type InvalidComponentError struct {
	Role   string
	Name   string
	Reason string
}

func (e *InvalidComponentError) Error() string {
	return fmt.Sprintf("invalid %s component %q: %s", e.Role, e.Name, e.Reason)
}

// IntegrityError reports a component whose size or digest differs from the manifest.
type IntegrityError struct {
	Role     string
	Name     string
	Field    string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s component %s: %s mismatch (expected %s, got %s)", e.Role, e.Name, e.Field, e.Expected, e.Actual)
}
