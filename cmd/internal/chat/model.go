package chat

import (
	"slices"
	"strings"
	"time"
)

// Kind is the chat type. It is immutable after creation.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// Valid reports whether k is a known chat kind.
func (k Kind) Valid() bool { return k == KindDirect || k == KindGroup }

// ParseKind parses a wire/query value; the empty string yields "" with no error.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if k == "" || k.Valid() {
		return k, nil
	}
	return "", invalidArgument("chat.ParseKind", "unknown chat kind: "+s)
}

// MessageKind is the message body type.
type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
	MessageFile  MessageKind = "file"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	return k == MessageText || k == MessageImage || k == MessageFile
}

// Chat is a direct or group conversation.
// Members is kept sorted so equal member sets compare equal.
type Chat struct {
	ID        string
	Name      string
	Kind      Kind
	Members   []string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasMember reports whether userID belongs to the chat.
func (c Chat) HasMember(userID string) bool {
	return slices.Contains(c.Members, userID)
}

// Message is a persisted chat message.
// ReadBy starts as {SenderID} and only ever grows.
type Message struct {
	ID             string
	ChatID         string
	SenderID       string
	Content        string
	Kind           MessageKind
	AttachmentRefs []string
	ReadBy         []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsReadBy reports whether userID has acknowledged the message.
func (m Message) IsReadBy(userID string) bool {
	return slices.Contains(m.ReadBy, userID)
}

// ChatFilter narrows FindChatsForUser.
type ChatFilter struct {
	Query    string
	Kind     Kind
	Page     int
	PageSize int
}

// ChatPage is one page of chats, most recently active first.
type ChatPage struct {
	Chats    []Chat
	Total    int
	Page     int
	PageSize int
	HasMore  bool
}

// MessagePage is one page of messages.
// Store returns newest-first; Service reverses each page to chronological order.
type MessagePage struct {
	Messages []Message
	Page     int
	PageSize int
	HasMore  bool
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size
}

func sortedMembers(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
