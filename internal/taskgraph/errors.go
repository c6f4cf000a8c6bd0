package taskgraph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidSpec is matched by every *ValidationError via errors.Is
	ErrInvalidSpec = errors.New("invalid task graph spec")

	// ErrNoJSONObject is returned when planner output contains no parseable JSON object
	ErrNoJSONObject = errors.New("no JSON object found")
)

// Violation is a single failed field constraint
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// ValidationError aggregates every constraint a spec violated. A spec that
// produced one must be rejected as a whole.
type ValidationError struct {
	Violations []Violation `json:"violations"`
}

func (e *ValidationError) add(path, message string) {
	e.Violations = append(e.Violations, Violation{Path: path, Message: message})
}

func (e *ValidationError) hasViolations() bool {
	return len(e.Violations) > 0
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.String())
	}
	return fmt.Sprintf("%s: %s", ErrInvalidSpec, strings.Join(msgs, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidSpec
}

// Paths returns the violated field paths in report order
func (e *ValidationError) Paths() []string {
	paths := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		paths = append(paths, v.Path)
	}
	return paths
}
