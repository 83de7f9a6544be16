package flow

import "errors"

var (
	// ErrCycle indicates a dependency cycle in the flattened graph, or a flow
	// that embeds itself.
	ErrCycle = errors.New("flow graph contains a cycle")

	// ErrUndefinedNode indicates an edge or request naming a node that does
	// not exist.
	ErrUndefinedNode = errors.New("undefined node")

	// ErrDuplicateNode indicates a (step, index) pair defined twice.
	ErrDuplicateNode = errors.New("duplicate node")

	// ErrInvalidTask indicates a malformed task reference or step name.
	ErrInvalidTask = errors.New("invalid task reference")
)

// GraphError is a structural flow graph error. It is fatal to a run and is
// reported before any node executes.
type GraphError struct {
	Kind error
	Flow string
	Msg  string
}

func (e *GraphError) Error() string {
	if e.Flow != "" {
		return "flow " + e.Flow + ": " + e.Kind.Error() + ": " + e.Msg
	}
	return e.Kind.Error() + ": " + e.Msg
}

// Unwrap returns the error kind so callers can use errors.Is.
func (e *GraphError) Unwrap() error {
	return e.Kind
}
