package identity

import (
	"errors"
	"fmt"
	"strings"
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// UnknownUsersError reports user ids that do not resolve in the directory.
type UnknownUsersError struct {
	Op      string
	UserIDs []string
}

func (e UnknownUsersError) Error() string {
	if len(e.UserIDs) == 0 {
		return fmt.Sprintf("%s: %v", e.Op, ErrNotFound)
	}
	return fmt.Sprintf("%s: %v: unknown users %s", e.Op, ErrNotFound, strings.Join(e.UserIDs, ","))
}

func (e UnknownUsersError) Unwrap() error { return ErrNotFound }

// IsNotFound reports whether err represents ErrNotFound (including UnknownUsersError).
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }
