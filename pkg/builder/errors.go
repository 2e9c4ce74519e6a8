package builder

import "fmt"

// ErrorKind classifies infrastructure failures that abort a build before a
// result can be assembled.
type ErrorKind string

const (
	// KindFetch means the file store could not be reached or returned invalid data.
	KindFetch ErrorKind = "fetch"
	// KindWorkspace means the workspace could not be staged on disk.
	KindWorkspace ErrorKind = "workspace"
	// KindCancelled means the request went away while waiting for a build slot.
	KindCancelled ErrorKind = "cancelled"
)

// Error is returned by Orchestrator.Build for failures that are not build results.
type Error struct {
	Kind    ErrorKind
	BuildID string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("build %s: %s: %v", e.BuildID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
