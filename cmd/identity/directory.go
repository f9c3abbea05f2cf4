package identity

import (
	"context"
	"sync"
)

// Directory resolves user ids against the identity service's user table.
type Directory interface {
	// MissingUsers returns the subset of ids that do not resolve to a known user.
	MissingUsers(ctx context.Context, ids []string) ([]string, error)
}

// RequireUsers fails with UnknownUsersError when any id does not resolve.
func RequireUsers(ctx context.Context, dir Directory, ids []string) error {
	const op = "identity.RequireUsers"

	ids = NormalizeUserIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		if !ValidUserID(id) {
			return OpError{Op: op, Kind: ErrInvalidInput, Msg: "malformed user id"}
		}
	}
	if dir == nil {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil directory"}
	}

	missing, err := dir.MissingUsers(ctx, ids)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return UnknownUsersError{Op: op, UserIDs: missing}
	}
	return nil
}

// PermissiveDirectory accepts every well-formed id unless it was explicitly registered as unknown.
// It backs the in-memory dev mode where no identity database is available.
type PermissiveDirectory struct {
	mu      sync.RWMutex
	unknown map[string]struct{}
}

// NewPermissiveDirectory constructs a PermissiveDirectory.
func NewPermissiveDirectory() *PermissiveDirectory {
	return &PermissiveDirectory{unknown: make(map[string]struct{})}
}

// Forget marks ids as unknown (tests and dev fixtures).
func (d *PermissiveDirectory) Forget(ids ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		d.unknown[NormalizeUserID(id)] = struct{}{}
	}
}

// MissingUsers returns ids that were marked unknown.
func (d *PermissiveDirectory) MissingUsers(ctx context.Context, ids []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var missing []string
	for _, id := range ids {
		if _, ok := d.unknown[id]; ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}
