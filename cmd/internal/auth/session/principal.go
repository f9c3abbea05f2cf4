package session

import "slices"

// Permission names carried in the "perms" claim.
const (
	PermChatCreate = "chat.create"
	PermChatSend   = "chat.send"
)

// DefaultPermissions apply when a token carries no "perms" claim.
var DefaultPermissions = []string{PermChatCreate, PermChatSend}

// Principal is the authenticated caller.
type Principal struct {
	UserID      string
	SessionID   string
	Permissions []string
}

// Has reports whether the principal holds perm.
func (p Principal) Has(perm string) bool {
	return slices.Contains(p.Permissions, perm)
}
