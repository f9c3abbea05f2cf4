package realtime

import (
	"slices"
	"sync"

	"github.com/samber/lo"

	v1 "tasklane/shared/contracts/realtime/v1"
)

// Registry is the process-wide presence map: user id -> live sessions.
//
// A user may hold several sessions (devices/tabs). MaxSessionsPerUser caps that;
// when exceeded the oldest sessions are displaced and handed back to the caller to close.
// A cap of 1 gives last-connect-wins.
//
// Sends never happen under the lock: recipients are snapshotted, then enqueued non-blocking.
type Registry struct {
	mu         sync.RWMutex
	byUser     map[string][]*Client // oldest first
	maxPerUser int
}

// Delivery counts the outcome of one fan-out.
type Delivery struct {
	Delivered int
	Dropped   int
}

func (d *Delivery) add(ok bool) {
	if ok {
		d.Delivered++
	} else {
		d.Dropped++
	}
}

// NewRegistry constructs a Registry. maxSessionsPerUser <= 0 means unlimited.
func NewRegistry(maxSessionsPerUser int) *Registry {
	if maxSessionsPerUser < 0 {
		maxSessionsPerUser = 0
	}
	return &Registry{
		byUser:     make(map[string][]*Client),
		maxPerUser: maxSessionsPerUser,
	}
}

// Register adds c. firstForUser is true when the user had no session before;
// displaced lists sessions evicted by the per-user cap (already removed).
func (r *Registry) Register(c *Client) (displaced []*Client, firstForUser bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := r.byUser[c.UserID]
	firstForUser = len(sessions) == 0

	sessions = slices.DeleteFunc(sessions, func(o *Client) bool { return o.SessionID == c.SessionID })
	sessions = append(sessions, c)

	if r.maxPerUser > 0 && len(sessions) > r.maxPerUser {
		n := len(sessions) - r.maxPerUser
		displaced = slices.Clone(sessions[:n])
		sessions = slices.Clone(sessions[n:])
	}
	r.byUser[c.UserID] = sessions
	return displaced, firstForUser
}

// Unregister removes c. lastForUser is true when this removal took the user offline.
// Removing a session that is not registered (e.g. already displaced) is a no-op.
func (r *Registry) Unregister(c *Client) (lastForUser bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.byUser[c.UserID]
	if !ok {
		return false
	}
	idx := slices.Index(sessions, c)
	if idx < 0 {
		return false
	}
	sessions = slices.Delete(sessions, idx, idx+1)
	if len(sessions) == 0 {
		delete(r.byUser, c.UserID)
		return true
	}
	r.byUser[c.UserID] = sessions
	return false
}

// Lookup returns a snapshot of userID's sessions.
func (r *Registry) Lookup(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.byUser[userID])
}

// IsOnline reports whether userID has at least one session.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// OnlineSubset returns the ids from userIDs that are online, in request order, without duplicates.
func (r *Registry) OnlineSubset(userIDs []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := lo.Filter(lo.Uniq(userIDs), func(id string, _ int) bool {
		return len(r.byUser[id]) > 0
	})
	if out == nil {
		out = []string{}
	}
	return out
}

// OnlineUsers returns every online user id, sorted.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := lo.Keys(r.byUser)
	slices.Sort(out)
	return out
}

// Counts returns the number of online users and live sessions.
func (r *Registry) Counts() (users, sessions int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.byUser {
		sessions += len(s)
	}
	return len(r.byUser), sessions
}

// BroadcastAll enqueues env on every session.
func (r *Registry) BroadcastAll(env v1.Envelope) Delivery {
	r.mu.RLock()
	targets := make([]*Client, 0, len(r.byUser))
	for _, s := range r.byUser {
		targets = append(targets, s...)
	}
	r.mu.RUnlock()

	var d Delivery
	for _, c := range targets {
		d.add(c.TrySend(env))
	}
	return d
}

// SendToUsers enqueues env on every session of userIDs, skipping exceptSessionID.
func (r *Registry) SendToUsers(userIDs []string, env v1.Envelope, exceptSessionID string) Delivery {
	r.mu.RLock()
	var targets []*Client
	for _, id := range lo.Uniq(userIDs) {
		for _, c := range r.byUser[id] {
			if c.SessionID != exceptSessionID {
				targets = append(targets, c)
			}
		}
	}
	r.mu.RUnlock()

	var d Delivery
	for _, c := range targets {
		d.add(c.TrySend(env))
	}
	return d
}
