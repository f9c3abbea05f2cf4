package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/samber/lo/mutable"

	"tasklane/cmd/identity"
)

// Service implements the chat business operations on top of a Store.
//
// Every operation takes the authenticated requester id. Membership is checked here,
// while the Store re-checks the invariants it owns (kind, arity, sender membership).
type Service struct {
	store Store
	users identity.Directory
	log   *slog.Logger
	now   func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger (default: slog.Default()).
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs a Service. users resolves participant ids before they are added.
func NewService(store Store, users identity.Directory, opts ...ServiceOption) *Service {
	s := &Service{
		store: store,
		users: users,
		log:   slog.Default(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Store exposes the underlying store (readiness checks, migrations).
func (s *Service) Store() Store { return s.store }

func requireRequester(op, requesterID string) error {
	if strings.TrimSpace(requesterID) == "" {
		return opErr(op, ErrUnauthenticated, "missing requester")
	}
	return nil
}

// resolveUsers maps directory failures onto chat error kinds.
func (s *Service) resolveUsers(ctx context.Context, op string, userIDs []string) error {
	err := identity.RequireUsers(ctx, s.users, userIDs)
	switch {
	case err == nil:
		return nil
	case identity.IsNotFound(err):
		var unknown identity.UnknownUsersError
		if errors.As(err, &unknown) {
			return notFound(op, "user "+strings.Join(unknown.UserIDs, ","))
		}
		return notFound(op, "user")
	case identity.IsInvalidInput(err):
		return invalidArgument(op, "malformed user id")
	default:
		return err
	}
}

// memberChat loads chatID and requires requesterID to be a member.
func (s *Service) memberChat(ctx context.Context, op, requesterID, chatID string) (Chat, error) {
	if strings.TrimSpace(chatID) == "" {
		return Chat{}, invalidArgument(op, "chat id is required")
	}
	c, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return Chat{}, err
	}
	if !c.HasMember(requesterID) {
		return Chat{}, forbidden(op, "not a member of this chat")
	}
	return c, nil
}

// CreateChat creates a chat with the requester and the given participants.
// A direct chat for an existing pair returns that chat with created=false.
func (s *Service) CreateChat(ctx context.Context, requesterID string, in CreateChatRequest) (Chat, bool, error) {
	const op = "chat.CreateChat"
	if err := requireRequester(op, requesterID); err != nil {
		return Chat{}, false, err
	}
	in.Kind = Kind(strings.ToLower(strings.TrimSpace(string(in.Kind))))
	in.ParticipantIDs = identity.NormalizeUserIDs(in.ParticipantIDs)
	if err := validateCreateChat(op, in); err != nil {
		return Chat{}, false, err
	}

	members := lo.Uniq(append([]string{requesterID}, in.ParticipantIDs...))
	if in.Kind == KindDirect && len(members) != 2 {
		return Chat{}, false, invalidArgument(op, "direct chat requires exactly one other participant")
	}
	others := lo.Without(members, requesterID)
	if err := s.resolveUsers(ctx, op, others); err != nil {
		return Chat{}, false, err
	}

	c, created, err := s.store.CreateChat(ctx, CreateChatInput{
		Kind:      in.Kind,
		Name:      in.Name,
		MemberIDs: others,
		CreatorID: requesterID,
		Now:       s.now(),
	})
	if err != nil {
		return Chat{}, false, err
	}
	if created {
		s.log.Info("chat.create", "chat_id", c.ID, "kind", c.Kind, "members", len(c.Members), "user_id", requesterID)
	}
	return c, created, nil
}

// ListChats returns the requester's chats, most recently active first.
func (s *Service) ListChats(ctx context.Context, requesterID string, f ChatFilter) (ChatPage, error) {
	const op = "chat.ListChats"
	if err := requireRequester(op, requesterID); err != nil {
		return ChatPage{}, err
	}
	if f.Kind != "" && !f.Kind.Valid() {
		return ChatPage{}, invalidArgument(op, "unknown chat kind")
	}
	f.Page, f.PageSize = normalizePage(f.Page, f.PageSize)
	return s.store.FindChatsForUser(ctx, requesterID, f)
}

// GetChat returns a chat the requester belongs to.
func (s *Service) GetChat(ctx context.Context, requesterID, chatID string) (Chat, error) {
	const op = "chat.GetChat"
	if err := requireRequester(op, requesterID); err != nil {
		return Chat{}, err
	}
	return s.memberChat(ctx, op, requesterID, chatID)
}

// RenameChat renames a group chat.
func (s *Service) RenameChat(ctx context.Context, requesterID, chatID, name string) (Chat, error) {
	const op = "chat.RenameChat"
	if err := requireRequester(op, requesterID); err != nil {
		return Chat{}, err
	}
	c, err := s.memberChat(ctx, op, requesterID, chatID)
	if err != nil {
		return Chat{}, err
	}
	if c.Kind != KindGroup {
		return Chat{}, invalidOperation(op, "direct chats cannot be renamed")
	}
	if err := validateGroupName(op, name); err != nil {
		return Chat{}, err
	}
	return s.store.RenameChat(ctx, chatID, name, s.now())
}

// AddParticipants merges userIDs into a group chat the requester belongs to.
func (s *Service) AddParticipants(ctx context.Context, requesterID, chatID string, userIDs []string) (Chat, error) {
	const op = "chat.AddParticipants"
	if err := requireRequester(op, requesterID); err != nil {
		return Chat{}, err
	}
	c, err := s.memberChat(ctx, op, requesterID, chatID)
	if err != nil {
		return Chat{}, err
	}
	if c.Kind != KindGroup {
		return Chat{}, invalidOperation(op, "participants can only be added to group chats")
	}

	userIDs = identity.NormalizeUserIDs(userIDs)
	if len(userIDs) == 0 {
		return Chat{}, invalidArgument(op, "participant ids are required")
	}
	if len(userIDs) > maxParticipantsAdd {
		return Chat{}, invalidArgument(op, "too many participants")
	}
	if err := s.resolveUsers(ctx, op, userIDs); err != nil {
		return Chat{}, err
	}

	out, err := s.store.AddMembers(ctx, chatID, userIDs, s.now())
	if err != nil {
		return Chat{}, err
	}
	s.log.Info("chat.participants.add", "chat_id", chatID, "added", len(userIDs), "user_id", requesterID)
	return out, nil
}

// RemoveParticipant removes userID from a group chat. Members may only remove themselves.
func (s *Service) RemoveParticipant(ctx context.Context, requesterID, chatID, userID string) (Chat, error) {
	const op = "chat.RemoveParticipant"
	if err := requireRequester(op, requesterID); err != nil {
		return Chat{}, err
	}
	userID = identity.NormalizeUserID(userID)
	if chatID == "" || userID == "" {
		return Chat{}, invalidArgument(op, "chat id and user id are required")
	}

	c, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return Chat{}, err
	}
	if c.Kind != KindGroup {
		return Chat{}, invalidOperation(op, "participants can only be removed from group chats")
	}
	if userID != requesterID {
		return Chat{}, forbidden(op, "members can only remove themselves")
	}
	if !c.HasMember(requesterID) {
		return Chat{}, forbidden(op, "not a member of this chat")
	}

	out, err := s.store.RemoveMember(ctx, chatID, userID, requesterID, s.now())
	if err != nil {
		return Chat{}, err
	}
	s.log.Info("chat.participants.remove", "chat_id", chatID, "user_id", requesterID, "remaining", len(out.Members))
	return out, nil
}

// DeleteChat deletes a chat the requester belongs to, with all its messages.
func (s *Service) DeleteChat(ctx context.Context, requesterID, chatID string) error {
	const op = "chat.DeleteChat"
	if err := requireRequester(op, requesterID); err != nil {
		return err
	}
	if _, err := s.memberChat(ctx, op, requesterID, chatID); err != nil {
		return err
	}
	if err := s.store.DeleteChat(ctx, chatID); err != nil {
		return err
	}
	s.log.Info("chat.delete", "chat_id", chatID, "user_id", requesterID)
	return nil
}

// SendMessage persists a message from the requester.
// The returned chat carries the member list at send time for fan-out.
func (s *Service) SendMessage(ctx context.Context, requesterID string, in SendMessageRequest) (Message, Chat, error) {
	const op = "chat.SendMessage"
	if err := requireRequester(op, requesterID); err != nil {
		return Message{}, Chat{}, err
	}
	in.ChatID = strings.TrimSpace(in.ChatID)
	in.AttachmentRefs = lo.Map(in.AttachmentRefs, func(r string, _ int) string { return strings.TrimSpace(r) })
	if in.Kind == "" {
		in.Kind = MessageText
	}
	if err := validateSendMessage(op, in); err != nil {
		return Message{}, Chat{}, err
	}

	c, err := s.memberChat(ctx, op, requesterID, in.ChatID)
	if err != nil {
		return Message{}, Chat{}, err
	}

	m, err := s.store.CreateMessage(ctx, CreateMessageInput{
		ChatID:         in.ChatID,
		SenderID:       requesterID,
		Content:        in.Content,
		Kind:           in.Kind,
		AttachmentRefs: in.AttachmentRefs,
		Now:            s.now(),
	})
	if err != nil {
		return Message{}, Chat{}, err
	}
	s.log.Debug("chat.message.persist", "chat_id", m.ChatID, "message_id", m.ID, "user_id", requesterID, "kind", m.Kind)
	return m, c, nil
}

// ListMessages returns one page of a chat's history in chronological order.
// Page 1 holds the newest messages.
func (s *Service) ListMessages(ctx context.Context, requesterID, chatID string, page, pageSize int) (MessagePage, error) {
	const op = "chat.ListMessages"
	if err := requireRequester(op, requesterID); err != nil {
		return MessagePage{}, err
	}
	if _, err := s.memberChat(ctx, op, requesterID, chatID); err != nil {
		return MessagePage{}, err
	}

	page, pageSize = normalizePage(page, pageSize)
	out, err := s.store.ListMessages(ctx, chatID, page, pageSize)
	if err != nil {
		return MessagePage{}, err
	}
	mutable.Reverse(out.Messages)
	return out, nil
}

// MarkRead records that the requester read messageID. Repeated calls are no-ops.
func (s *Service) MarkRead(ctx context.Context, requesterID, messageID string) (Message, error) {
	const op = "chat.MarkRead"
	if err := requireRequester(op, requesterID); err != nil {
		return Message{}, err
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return Message{}, invalidArgument(op, "message id is required")
	}

	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return Message{}, err
	}
	if _, err := s.memberChat(ctx, op, requesterID, m.ChatID); err != nil {
		return Message{}, err
	}
	return s.store.MarkRead(ctx, messageID, requesterID, s.now())
}

// UnreadCount returns how many messages from others the requester has not read, across all chats.
func (s *Service) UnreadCount(ctx context.Context, requesterID string) (int, error) {
	const op = "chat.UnreadCount"
	if err := requireRequester(op, requesterID); err != nil {
		return 0, err
	}
	return s.store.CountUnreadForUser(ctx, requesterID)
}

// UnreadByChat breaks UnreadCount down per chat. Chats with nothing unread are omitted.
func (s *Service) UnreadByChat(ctx context.Context, requesterID string) (map[string]int, error) {
	const op = "chat.UnreadByChat"
	if err := requireRequester(op, requesterID); err != nil {
		return nil, err
	}
	return s.store.CountUnreadByChat(ctx, requesterID)
}
