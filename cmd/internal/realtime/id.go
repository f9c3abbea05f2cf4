package realtime

import (
	"time"

	"tasklane/cmd/identity/ids"
)

// NewConnectionID returns a ULID identifying one websocket session.
func NewConnectionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// newEnvelopeID never fails the caller; an id-less envelope is still valid on the wire.
func newEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ""
	}
	return id
}
