package git

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a revision, path or object does not exist.
var ErrNotFound = errors.New("git: object not found")

// Error describes a failed git invocation.
type Error struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, e.Stderr)
	}
	return fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var missingMarkers = []string{
	"does not exist",
	"not a valid object name",
	"invalid object name",
	"bad revision",
	"unknown revision",
	"not a tree object",
	"exists on disk, but not in",
	"does not have any commits yet",
}

// classify turns "object is missing" failures into ErrNotFound.
func classify(err error) error {
	var gerr *Error
	if !errors.As(err, &gerr) {
		return err
	}
	stderr := strings.ToLower(gerr.Stderr)
	for _, marker := range missingMarkers {
		if strings.Contains(stderr, marker) {
			return fmt.Errorf("%w: %s", ErrNotFound, gerr.Stderr)
		}
	}
	return err
}
