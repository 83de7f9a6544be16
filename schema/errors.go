package schema

import (
	"errors"
	"strings"
)

// Sentinel errors returned (wrapped in *ValueError) by manifest operations.
var (
	// ErrUndefinedKey indicates a keypath that the schema does not define.
	ErrUndefinedKey = errors.New("undefined keypath")

	// ErrLocked indicates a write to a locked parameter.
	ErrLocked = errors.New("parameter is locked")

	// ErrType indicates a value that cannot be normalized to the parameter type.
	ErrType = errors.New("invalid value for type")

	// ErrPerNode indicates a step/index qualifier that the parameter's pernode
	// policy does not allow (or a missing qualifier when one is required).
	ErrPerNode = errors.New("invalid step/index qualifier")

	// ErrNotList indicates Add was called on a scalar parameter.
	ErrNotList = errors.New("add requires a list parameter")

	// ErrReadOnly indicates a write into the history archive or a template.
	ErrReadOnly = errors.New("keypath is read-only")

	// ErrMissingRequired indicates mandatory parameters left empty.
	ErrMissingRequired = errors.New("required parameter not set")
)

// ValueError describes a rejected manifest operation.
//
// It carries the offending keypath and wraps one of the sentinel errors so
// callers can match with errors.Is.
type ValueError struct {
	Keypath Keypath
	Err     error
	Message string
}

func (e *ValueError) Error() string {
	var b strings.Builder
	if len(e.Keypath) > 0 {
		b.WriteString(e.Keypath.String())
		b.WriteString(": ")
	}
	b.WriteString(e.Err.Error())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Unwrap returns the sentinel error.
func (e *ValueError) Unwrap() error {
	return e.Err
}

func valueError(kp Keypath, err error, msg string) *ValueError {
	return &ValueError{Keypath: kp.clone(), Err: err, Message: msg}
}
