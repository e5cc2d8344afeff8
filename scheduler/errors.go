package scheduler

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/confluence/capability"
)

var (
	// ErrAllBackendsFailed is matched by every AllBackendsFailedError
	ErrAllBackendsFailed = errors.New("all backends failed")
	// ErrBackendExecution marks the error of a single failed attempt
	ErrBackendExecution = errors.New("backend execution failed")
)

// Attempt records one backend's failure to run a task
type Attempt struct {
	Backend capability.Backend
	Err     error
}

// AllBackendsFailedError is returned when no backend in a task's chain could run it. Attempts
// lists every backend that was tried, in chain order; backends without an implementation were
// skipped and do not appear.
type AllBackendsFailedError struct {
	Task     string
	Attempts []Attempt
}

func (e *AllBackendsFailedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("task %q: no backend could run the task", e.Task)
	}

	var builder strings.Builder
	fmt.Fprintf(&builder, "task %q: all backends failed: ", e.Task)
	for index, attempt := range e.Attempts {
		if index > 0 {
			builder.WriteString("; ")
		}
		fmt.Fprintf(&builder, "%s: %v", attempt.Backend, attempt.Err)
	}
	return builder.String()
}

func (e *AllBackendsFailedError) Is(target error) bool {
	return target == ErrAllBackendsFailed
}

func (e *AllBackendsFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, attempt := range e.Attempts {
		errs = append(errs, attempt.Err)
	}
	return errs
}

// Backends returns the attempted backends in chain order
func (e *AllBackendsFailedError) Backends() capability.Chain {
	backends := make(capability.Chain, 0, len(e.Attempts))
	for _, attempt := range e.Attempts {
		backends = append(backends, attempt.Backend)
	}
	return backends
}
