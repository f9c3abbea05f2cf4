// Package chatapi exposes chat management and message history over REST.
package chatapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tasklane/cmd/internal/auth/session"
	"tasklane/cmd/internal/chat"
)

const defaultMaxBodyBytes int64 = 1 << 20

// ChatService is the chat operations the REST surface exposes.
type ChatService interface {
	CreateChat(ctx context.Context, requesterID string, in chat.CreateChatRequest) (chat.Chat, bool, error)
	ListChats(ctx context.Context, requesterID string, f chat.ChatFilter) (chat.ChatPage, error)
	GetChat(ctx context.Context, requesterID, chatID string) (chat.Chat, error)
	RenameChat(ctx context.Context, requesterID, chatID, name string) (chat.Chat, error)
	AddParticipants(ctx context.Context, requesterID, chatID string, userIDs []string) (chat.Chat, error)
	RemoveParticipant(ctx context.Context, requesterID, chatID, userID string) (chat.Chat, error)
	DeleteChat(ctx context.Context, requesterID, chatID string) error
	SendMessage(ctx context.Context, requesterID string, in chat.SendMessageRequest) (chat.Message, chat.Chat, error)
	ListMessages(ctx context.Context, requesterID, chatID string, page, pageSize int) (chat.MessagePage, error)
	MarkRead(ctx context.Context, requesterID, messageID string) (chat.Message, error)
	UnreadCount(ctx context.Context, requesterID string) (int, error)
	UnreadByChat(ctx context.Context, requesterID string) (map[string]int, error)
}

// Publisher pushes REST-originated events to connected realtime sessions.
type Publisher interface {
	PublishMessage(msg chat.Message, members []string)
	PublishRead(msg chat.Message, readerID string)
}

// Handler serves the /api routes.
type Handler struct {
	log     *slog.Logger
	chats   ChatService
	auth    session.Authenticator
	pub     Publisher
	maxBody int64
}

// HandlerOption configures optional dependencies.
type HandlerOption func(*Handler)

// WithPublisher enables realtime fan-out of messages and read receipts.
func WithPublisher(p Publisher) HandlerOption {
	return func(h *Handler) {
		if p != nil {
			h.pub = p
		}
	}
}

// WithMaxBodyBytes overrides the request body limit (default 1 MiB).
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, chats ChatService, auth session.Authenticator, opts ...HandlerOption) (*Handler, error) {
	if chats == nil {
		return nil, errors.New("chatapi: nil chat service")
	}
	if auth == nil {
		return nil, errors.New("chatapi: nil authenticator")
	}
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{log: log, chats: chats, auth: auth, maxBody: defaultMaxBodyBytes}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Routes returns the router to mount under /api.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.requireAuth)

	r.Route("/chats", func(r chi.Router) {
		r.With(requirePerm(session.PermChatCreate)).Post("/", h.handleCreateChat)
		r.Get("/", h.handleListChats)

		r.Route("/{chatID}", func(r chi.Router) {
			r.Get("/", h.handleGetChat)
			r.Patch("/", h.handleRenameChat)
			r.Delete("/", h.handleDeleteChat)

			r.Post("/participants", h.handleAddParticipants)
			r.Delete("/participants/{userID}", h.handleRemoveParticipant)

			r.Get("/messages", h.handleListMessages)
			r.With(requirePerm(session.PermChatSend)).Post("/messages", h.handleSendMessage)
		})
	})

	r.Get("/messages/unread-count", h.handleUnreadCount)
	r.Post("/messages/{messageID}/read", h.handleMarkRead)

	return r
}

// ---- handlers ----

func (h *Handler) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if !h.decode(w, r, &req) {
		return
	}
	p := h.principal(r)

	c, created, err := h.chats.CreateChat(r.Context(), p.UserID, chat.CreateChatRequest{
		Kind:           chat.Kind(req.Kind),
		Name:           req.Name,
		ParticipantIDs: req.ParticipantIDs,
	})
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, createChatResponse{Chat: toChatResponse(c), Created: created})
}

func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind, err := chat.ParseKind(q.Get("kind"))
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	page, pageSize, ok := pageParams(w, r)
	if !ok {
		return
	}

	out, err := h.chats.ListChats(r.Context(), h.principal(r).UserID, chat.ChatFilter{
		Query:    q.Get("q"),
		Kind:     kind,
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}

	resp := chatListResponse{
		Chats:    make([]chatResponse, 0, len(out.Chats)),
		Total:    out.Total,
		Page:     out.Page,
		PageSize: out.PageSize,
		HasMore:  out.HasMore,
	}
	for _, c := range out.Chats {
		resp.Chats = append(resp.Chats, toChatResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetChat(w http.ResponseWriter, r *http.Request) {
	c, err := h.chats.GetChat(r.Context(), h.principal(r).UserID, chi.URLParam(r, "chatID"))
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChatResponse(c))
}

func (h *Handler) handleRenameChat(w http.ResponseWriter, r *http.Request) {
	var req renameChatRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.chats.RenameChat(r.Context(), h.principal(r).UserID, chi.URLParam(r, "chatID"), req.Name)
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChatResponse(c))
}

func (h *Handler) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := h.chats.DeleteChat(r.Context(), h.principal(r).UserID, chi.URLParam(r, "chatID")); err != nil {
		h.writeChatError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAddParticipants(w http.ResponseWriter, r *http.Request) {
	var req addParticipantsRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.chats.AddParticipants(r.Context(), h.principal(r).UserID, chi.URLParam(r, "chatID"), req.UserIDs)
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChatResponse(c))
}

func (h *Handler) handleRemoveParticipant(w http.ResponseWriter, r *http.Request) {
	c, err := h.chats.RemoveParticipant(r.Context(), h.principal(r).UserID, chi.URLParam(r, "chatID"), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	// The last member leaving deletes the chat.
	if len(c.Members) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toChatResponse(c))
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	page, pageSize, ok := pageParams(w, r)
	if !ok {
		return
	}
	out, err := h.chats.ListMessages(r.Context(), h.principal(r).UserID, chi.URLParam(r, "chatID"), page, pageSize)
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}

	resp := messageListResponse{
		Messages: make([]messageResponse, 0, len(out.Messages)),
		Page:     out.Page,
		PageSize: out.PageSize,
		HasMore:  out.HasMore,
	}
	for _, m := range out.Messages {
		resp.Messages = append(resp.Messages, toMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	p := h.principal(r)

	msg, c, err := h.chats.SendMessage(r.Context(), p.UserID, chat.SendMessageRequest{
		ChatID:         chi.URLParam(r, "chatID"),
		Content:        req.Content,
		Kind:           chat.MessageKind(strings.ToLower(strings.TrimSpace(req.Kind))),
		AttachmentRefs: req.AttachmentRefs,
	})
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	if h.pub != nil {
		h.pub.PublishMessage(msg, c.Members)
	}
	writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	p := h.principal(r)
	msg, err := h.chats.MarkRead(r.Context(), p.UserID, chi.URLParam(r, "messageID"))
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	if h.pub != nil {
		h.pub.PublishRead(msg, p.UserID)
	}
	writeJSON(w, http.StatusOK, toMessageResponse(msg))
}

func (h *Handler) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	userID := h.principal(r).UserID
	n, err := h.chats.UnreadCount(r.Context(), userID)
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	byChat, err := h.chats.UnreadByChat(r.Context(), userID)
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	if byChat == nil {
		byChat = map[string]int{}
	}
	writeJSON(w, http.StatusOK, unreadCountResponse{Count: n, ByChat: byChat})
}

// ---- helpers ----

func (h *Handler) principal(r *http.Request) session.Principal {
	p, _ := principalFrom(r.Context())
	return p
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, h.maxBody, dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return false
	}
	return true
}

func pageParams(w http.ResponseWriter, r *http.Request) (page, pageSize int, ok bool) {
	q := r.URL.Query()
	parse := func(key string) (int, bool) {
		v := strings.TrimSpace(q.Get(key))
		if v == "" {
			return 0, true
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_argument", key+" must be a non-negative integer")
			return 0, false
		}
		return n, true
	}
	if page, ok = parse("page"); !ok {
		return 0, 0, false
	}
	if pageSize, ok = parse("page_size"); !ok {
		return 0, 0, false
	}
	return page, pageSize, true
}

// statusFor maps chat error kinds to HTTP status and wire code.
func statusFor(err error) (int, string) {
	switch chat.KindOf(err) {
	case chat.ErrNotFound:
		return http.StatusNotFound, "not_found"
	case chat.ErrForbidden:
		return http.StatusForbidden, "forbidden"
	case chat.ErrInvalidArgument:
		return http.StatusBadRequest, "invalid_argument"
	case chat.ErrInvalidOperation:
		return http.StatusConflict, "invalid_operation"
	case chat.ErrUnauthenticated:
		return http.StatusUnauthorized, "unauthenticated"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable, "timeout"
	}
	return http.StatusInternalServerError, "internal"
}

func (h *Handler) writeChatError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("chatapi.request.fail", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeError(w, status, code, chat.PublicMessage(err))
}
