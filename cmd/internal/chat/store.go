package chat

import (
	"context"
	"time"
)

// Store persists chats, memberships, messages and read receipts.
//
// Requirements:
//   - a direct chat has exactly two members and at most one exists per member pair
//   - only group chats are renamed or change membership
//   - a message sender is a member of the chat at send time
//   - read receipts are idempotent and never removed
//   - deleting a chat removes its memberships, messages and receipts
type Store interface {
	// CreateChat returns the existing chat (created=false) for a repeated direct pair.
	CreateChat(ctx context.Context, in CreateChatInput) (c Chat, created bool, err error)
	FindChatsForUser(ctx context.Context, userID string, f ChatFilter) (ChatPage, error)
	GetChat(ctx context.Context, chatID string) (Chat, error)
	RenameChat(ctx context.Context, chatID, name string, now time.Time) (Chat, error)
	AddMembers(ctx context.Context, chatID string, userIDs []string, now time.Time) (Chat, error)
	// RemoveMember removes userID on behalf of requesterID. Removing the last member deletes the chat.
	RemoveMember(ctx context.Context, chatID, userID, requesterID string, now time.Time) (Chat, error)
	DeleteChat(ctx context.Context, chatID string) error

	CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error)
	GetMessage(ctx context.Context, messageID string) (Message, error)
	// ListMessages returns newest-first.
	ListMessages(ctx context.Context, chatID string, page, pageSize int) (MessagePage, error)
	MarkRead(ctx context.Context, messageID, userID string, now time.Time) (Message, error)
	CountUnreadForUser(ctx context.Context, userID string) (int, error)
	CountUnreadByChat(ctx context.Context, userID string) (map[string]int, error)

	Close() error
}

// CreateChatInput describes a chat to create. MemberIDs may omit CreatorID.
type CreateChatInput struct {
	Kind      Kind
	Name      string
	MemberIDs []string
	CreatorID string
	Now       time.Time
}

// CreateMessageInput describes a message append.
type CreateMessageInput struct {
	ChatID         string
	SenderID       string
	Content        string
	Kind           MessageKind
	AttachmentRefs []string
	Now            time.Time
}

// memberSet returns the sorted, deduplicated union of MemberIDs and CreatorID
// and checks the arity rules for the chat kind.
func (in CreateChatInput) memberSet(op string) ([]string, error) {
	all := append([]string{in.CreatorID}, in.MemberIDs...)
	members := make([]string, 0, len(all))
	for _, id := range all {
		if id != "" {
			members = append(members, id)
		}
	}
	members = sortedMembers(members)

	switch in.Kind {
	case KindDirect:
		if len(members) != 2 {
			return nil, invalidArgument(op, "direct chat requires exactly two distinct members")
		}
	case KindGroup:
		if len(members) == 0 {
			return nil, invalidArgument(op, "group chat requires at least one member")
		}
	default:
		return nil, invalidArgument(op, "unknown chat kind")
	}
	return members, nil
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
