package realtime

import (
	"slices"
	"sync"

	"github.com/coder/websocket"

	v1 "tasklane/shared/contracts/realtime/v1"
)

// Client represents one connected websocket session.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Client struct {
	SessionID   string
	UserID      string
	Permissions []string
	Send        chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	closeCode   websocket.StatusCode
	closeReason string
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID:   sessionID,
		UserID:      userID,
		Send:        make(chan v1.Envelope, sendQueueSize),
		done:        make(chan struct{}),
		closeCode:   websocket.StatusNormalClosure,
		closeReason: "bye",
	}
}

// Has reports whether the session holds perm.
func (c *Client) Has(perm string) bool {
	return slices.Contains(c.Permissions, perm)
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// CloseWith records the websocket close status and closes the client.
// Only the first recorded status wins.
func (c *Client) CloseWith(code websocket.StatusCode, reason string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	select {
	case <-c.done:
	default:
		c.closeCode, c.closeReason = code, reason
	}
	c.mu.Unlock()
	c.Close()
}

// CloseStatus returns the status recorded by CloseWith (normal closure by default).
func (c *Client) CloseStatus() (websocket.StatusCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

// TrySend enqueues env without blocking. It reports false when the queue is full
// or the client is closing.
func (c *Client) TrySend(env v1.Envelope) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
