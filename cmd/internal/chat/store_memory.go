package chat

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"tasklane/cmd/identity/ids"
)

// MemoryStore is a dev/test Store used when no database is configured.
// Semantics match PostgresStore; ordering ties are broken by an insertion counter.
type MemoryStore struct {
	mu       sync.RWMutex
	seq      int64
	chats    map[string]*memChat
	messages map[string]*memMessage
}

type memChat struct {
	chat     Chat
	members  map[string]struct{}
	msgIDs   []string // insertion order
	activity int64
}

type memMessage struct {
	msg Message
	seq int64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:    make(map[string]*memChat),
		messages: make(map[string]*memMessage),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) next() int64 {
	s.seq++
	return s.seq
}

func (c *memChat) snapshot() Chat {
	out := c.chat
	out.Members = sortedMembers(lo.Keys(c.members))
	return out
}

func (m *memMessage) snapshot() Message {
	out := m.msg
	out.AttachmentRefs = slices.Clone(m.msg.AttachmentRefs)
	out.ReadBy = slices.Clone(m.msg.ReadBy)
	return out
}

func (s *MemoryStore) CreateChat(ctx context.Context, in CreateChatInput) (Chat, bool, error) {
	const op = "chat.CreateChat"
	if err := ctx.Err(); err != nil {
		return Chat{}, false, err
	}
	members, err := in.memberSet(op)
	if err != nil {
		return Chat{}, false, err
	}
	now := nowOr(in.Now)

	s.mu.Lock()
	defer s.mu.Unlock()

	if in.Kind == KindDirect {
		for _, c := range s.chats {
			if c.chat.Kind == KindDirect && slices.Equal(c.snapshot().Members, members) {
				return c.snapshot(), false, nil
			}
		}
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Chat{}, false, err
	}
	name := ""
	if in.Kind == KindGroup {
		name = strings.TrimSpace(in.Name)
	}
	c := &memChat{
		chat: Chat{
			ID:        id,
			Name:      name,
			Kind:      in.Kind,
			CreatedBy: in.CreatorID,
			CreatedAt: now,
			UpdatedAt: now,
		},
		members:  lo.SliceToMap(members, func(u string) (string, struct{}) { return u, struct{}{} }),
		activity: s.next(),
	}
	s.chats[id] = c
	return c.snapshot(), true, nil
}

func (s *MemoryStore) FindChatsForUser(ctx context.Context, userID string, f ChatFilter) (ChatPage, error) {
	if err := ctx.Err(); err != nil {
		return ChatPage{}, err
	}
	page, size := normalizePage(f.Page, f.PageSize)
	q := strings.ToLower(strings.TrimSpace(f.Query))

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*memChat, 0)
	for _, c := range s.chats {
		if _, ok := c.members[userID]; !ok {
			continue
		}
		if f.Kind != "" && c.chat.Kind != f.Kind {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(c.chat.Name), q) {
			continue
		}
		matched = append(matched, c)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].activity > matched[j].activity })

	out := ChatPage{Total: len(matched), Page: page, PageSize: size, Chats: []Chat{}}
	start := (page - 1) * size
	if start < len(matched) {
		end := min(start+size, len(matched))
		for _, c := range matched[start:end] {
			out.Chats = append(out.Chats, c.snapshot())
		}
		out.HasMore = end < len(matched)
	}
	return out, nil
}

func (s *MemoryStore) GetChat(ctx context.Context, chatID string) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chats[chatID]
	if !ok {
		return Chat{}, notFound("chat.GetChat", "chat")
	}
	return c.snapshot(), nil
}

// groupForUpdate must be called with s.mu held.
func (s *MemoryStore) groupForUpdate(op, chatID string) (*memChat, error) {
	c, ok := s.chats[chatID]
	if !ok {
		return nil, notFound(op, "chat")
	}
	if c.chat.Kind != KindGroup {
		return nil, invalidOperation(op, "operation is only allowed on group chats")
	}
	return c, nil
}

func (s *MemoryStore) RenameChat(ctx context.Context, chatID, name string, now time.Time) (Chat, error) {
	const op = "chat.RenameChat"
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.groupForUpdate(op, chatID)
	if err != nil {
		return Chat{}, err
	}
	c.chat.Name = strings.TrimSpace(name)
	c.chat.UpdatedAt = nowOr(now)
	c.activity = s.next()
	return c.snapshot(), nil
}

func (s *MemoryStore) AddMembers(ctx context.Context, chatID string, userIDs []string, now time.Time) (Chat, error) {
	const op = "chat.AddMembers"
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.groupForUpdate(op, chatID)
	if err != nil {
		return Chat{}, err
	}
	for _, u := range userIDs {
		if u != "" {
			c.members[u] = struct{}{}
		}
	}
	c.chat.UpdatedAt = nowOr(now)
	c.activity = s.next()
	return c.snapshot(), nil
}

func (s *MemoryStore) RemoveMember(ctx context.Context, chatID, userID, requesterID string, now time.Time) (Chat, error) {
	const op = "chat.RemoveMember"
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.groupForUpdate(op, chatID)
	if err != nil {
		return Chat{}, err
	}
	if userID != requesterID {
		return Chat{}, forbidden(op, "members can only remove themselves")
	}
	if _, ok := c.members[userID]; !ok {
		return Chat{}, forbidden(op, "not a member of this chat")
	}
	delete(c.members, userID)
	c.chat.UpdatedAt = nowOr(now)
	c.activity = s.next()

	out := c.snapshot()
	if len(c.members) == 0 {
		s.deleteLocked(chatID)
	}
	return out, nil
}

func (s *MemoryStore) DeleteChat(ctx context.Context, chatID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return notFound("chat.DeleteChat", "chat")
	}
	s.deleteLocked(chatID)
	return nil
}

func (s *MemoryStore) deleteLocked(chatID string) {
	c := s.chats[chatID]
	if c == nil {
		return
	}
	for _, id := range c.msgIDs {
		delete(s.messages, id)
	}
	delete(s.chats, chatID)
}

func (s *MemoryStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
	const op = "chat.CreateMessage"
	if in.ChatID == "" || in.SenderID == "" {
		return Message{}, invalidArgument(op, "chat id and sender id are required")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	now := nowOr(in.Now)
	kind := in.Kind
	if kind == "" {
		kind = MessageText
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[in.ChatID]
	if !ok {
		return Message{}, notFound(op, "chat")
	}
	if _, ok := c.members[in.SenderID]; !ok {
		return Message{}, forbidden(op, "sender is not a member of this chat")
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}
	m := &memMessage{
		msg: Message{
			ID:             id,
			ChatID:         in.ChatID,
			SenderID:       in.SenderID,
			Content:        in.Content,
			Kind:           kind,
			AttachmentRefs: append([]string{}, in.AttachmentRefs...),
			ReadBy:         []string{in.SenderID},
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		seq: s.next(),
	}
	s.messages[id] = m
	c.msgIDs = append(c.msgIDs, id)
	c.chat.UpdatedAt = now
	c.activity = m.seq
	return m.snapshot(), nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[messageID]
	if !ok {
		return Message{}, notFound("chat.GetMessage", "message")
	}
	return m.snapshot(), nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, chatID string, page, pageSize int) (MessagePage, error) {
	if err := ctx.Err(); err != nil {
		return MessagePage{}, err
	}
	page, size := normalizePage(page, pageSize)

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chats[chatID]
	if !ok {
		return MessagePage{}, notFound("chat.ListMessages", "chat")
	}

	out := MessagePage{Page: page, PageSize: size, Messages: []Message{}}
	n := len(c.msgIDs)
	start := (page - 1) * size
	if start >= n {
		return out, nil
	}
	end := min(start+size, n)
	// msgIDs is oldest-first; walk it backwards for newest-first.
	for i := n - 1 - start; i >= n-end; i-- {
		out.Messages = append(out.Messages, s.messages[c.msgIDs[i]].snapshot())
	}
	out.HasMore = end < n
	return out, nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, messageID, userID string, now time.Time) (Message, error) {
	const op = "chat.MarkRead"
	if userID == "" {
		return Message{}, invalidArgument(op, "user id is required")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return Message{}, notFound(op, "message")
	}
	c, ok := s.chats[m.msg.ChatID]
	if !ok {
		return Message{}, notFound(op, "chat")
	}
	if _, ok := c.members[userID]; !ok {
		return Message{}, forbidden(op, "not a member of this chat")
	}
	if !slices.Contains(m.msg.ReadBy, userID) {
		m.msg.ReadBy = append(m.msg.ReadBy, userID)
		m.msg.UpdatedAt = nowOr(now)
	}
	return m.snapshot(), nil
}

func (s *MemoryStore) CountUnreadForUser(ctx context.Context, userID string) (int, error) {
	byChat, err := s.CountUnreadByChat(ctx, userID)
	if err != nil {
		return 0, err
	}
	return lo.Sum(lo.Values(byChat)), nil
}

func (s *MemoryStore) CountUnreadByChat(ctx context.Context, userID string) (map[string]int, error) {
	if userID == "" {
		return nil, errors.New("chat: empty user id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int)
	for chatID, c := range s.chats {
		if _, ok := c.members[userID]; !ok {
			continue
		}
		for _, id := range c.msgIDs {
			m := s.messages[id].msg
			if m.SenderID != userID && !slices.Contains(m.ReadBy, userID) {
				out[chatID]++
			}
		}
	}
	return out, nil
}
