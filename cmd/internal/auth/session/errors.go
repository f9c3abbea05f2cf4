package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidToken is returned when an access token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrMissingToken is returned when no credential was presented.
	ErrMissingToken = errors.New("missing token")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")

	// ErrMissingKey is returned when neither a secret nor a public key is configured.
	ErrMissingKey = fmt.Errorf("%w: no paseto key configured", ErrConfig)

	// ErrCannotIssue is returned by verify-only managers.
	ErrCannotIssue = errors.New("token manager cannot issue: no secret key")
)
