package forward

import (
	"errors"
	"fmt"
)

// ErrNotFound reports a lookup miss where the caller's own invariants promised
// the entry exists. It is never retried internally.
var ErrNotFound = errors.New("not found")

// InvariantError reports that a foundational identity or lifetime guarantee
// has been broken: a warm-boot record changed across restart, a reference
// count underflowed, or an egress ID collided in the pool.
//
// Callers must treat it as unrecoverable and stop mutating hardware state:
// continuing risks corrupting live forwarding tables.
type InvariantError struct {
	msg string
}

// Error implements the error interface.
func (m *InvariantError) Error() string {
	return "invariant violation: " + m.msg
}

func invariantf(format string, args ...any) error {
	return &InvariantError{msg: fmt.Sprintf(format, args...)}
}

// IsInvariant reports whether err carries an InvariantError.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}
