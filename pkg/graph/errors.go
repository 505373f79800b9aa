package graph

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrBootedNotInGraph aborts the current resolution cycle: the server does
// not know the booted release, so no decision can be made this tick.
var ErrBootedNotInGraph = errors.New("booted release not found in update graph")

// TransientNetworkError covers graph-fetch failures worth retrying on a
// later tick. Kind buckets the failure for metrics.
type TransientNetworkError struct {
	Kind string
	Err  error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error (%s): %v", e.Kind, e.Err)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}

// MalformedGraphError covers undecodable server responses. Treated as
// transient by callers, but counted under a distinct kind.
type MalformedGraphError struct {
	Err error
}

func (e *MalformedGraphError) Error() string {
	return fmt.Sprintf("malformed update graph: %v", e.Err)
}

func (e *MalformedGraphError) Unwrap() error {
	return e.Err
}

// ErrorKind buckets a fetch error for the update_checks_errors_total metric.
func ErrorKind(err error) string {
	var netErr *TransientNetworkError
	if errors.As(err, &netErr) {
		return netErr.Kind
	}
	var malformed *MalformedGraphError
	if errors.As(err, &malformed) {
		return "malformed_graph"
	}
	if errors.Is(err, ErrBootedNotInGraph) {
		return "booted_not_in_graph"
	}
	return "unknown"
}
