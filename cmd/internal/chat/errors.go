package chat

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Transport layers map them to status codes / in-band error codes.
var (
	ErrNotFound         = errors.New("not_found")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalidArgument  = errors.New("invalid_argument")
	ErrInvalidOperation = errors.New("invalid_operation")
	ErrUnauthenticated  = errors.New("unauthenticated")
)

// Error is a typed operation error. Kind is always one of the sentinels above.
type Error struct {
	Op   string
	Kind error
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

// Message returns the human-readable part, falling back to the kind.
func (e *Error) Message() string {
	if e.Msg != "" {
		return e.Msg
	}
	return e.Kind.Error()
}

func opErr(op string, kind error, msg string) error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

func notFound(op, what string) error        { return opErr(op, ErrNotFound, what+" not found") }
func forbidden(op, msg string) error        { return opErr(op, ErrForbidden, msg) }
func invalidArgument(op, msg string) error  { return opErr(op, ErrInvalidArgument, msg) }
func invalidOperation(op, msg string) error { return opErr(op, ErrInvalidOperation, msg) }

// KindOf returns the sentinel kind carried by err, or nil for unclassified errors.
func KindOf(err error) error {
	for _, k := range []error{ErrNotFound, ErrForbidden, ErrInvalidArgument, ErrInvalidOperation, ErrUnauthenticated} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// PublicMessage returns a message safe to show to clients.
// Unclassified errors (database, context) are reported generically.
func PublicMessage(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Message()
	}
	if k := KindOf(err); k != nil {
		return k.Error()
	}
	return "internal error"
}
