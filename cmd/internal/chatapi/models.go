package chatapi

import (
	"time"

	"tasklane/cmd/internal/chat"
)

type createChatRequest struct {
	Kind           string   `json:"kind"`
	Name           string   `json:"name"`
	ParticipantIDs []string `json:"participant_ids"`
}

type renameChatRequest struct {
	Name string `json:"name"`
}

type addParticipantsRequest struct {
	UserIDs []string `json:"user_ids"`
}

type sendMessageRequest struct {
	Content        string   `json:"content"`
	Kind           string   `json:"kind"`
	AttachmentRefs []string `json:"attachment_refs"`
}

type chatResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Members   []string  `json:"participants"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type createChatResponse struct {
	Chat    chatResponse `json:"chat"`
	Created bool         `json:"created"`
}

type chatListResponse struct {
	Chats    []chatResponse `json:"chats"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
	HasMore  bool           `json:"has_more"`
}

type messageResponse struct {
	ID             string    `json:"id"`
	ChatID         string    `json:"chat_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	Kind           string    `json:"kind"`
	AttachmentRefs []string  `json:"attachment_refs"`
	ReadBy         []string  `json:"read_by"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type messageListResponse struct {
	Messages []messageResponse `json:"messages"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
	HasMore  bool              `json:"has_more"`
}

type unreadCountResponse struct {
	Count  int            `json:"count"`
	ByChat map[string]int `json:"by_chat"`
}

func toChatResponse(c chat.Chat) chatResponse {
	members := c.Members
	if members == nil {
		members = []string{}
	}
	return chatResponse{
		ID:        c.ID,
		Name:      c.Name,
		Kind:      string(c.Kind),
		Members:   members,
		CreatedBy: c.CreatedBy,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func toMessageResponse(m chat.Message) messageResponse {
	refs, readBy := m.AttachmentRefs, m.ReadBy
	if refs == nil {
		refs = []string{}
	}
	if readBy == nil {
		readBy = []string{}
	}
	return messageResponse{
		ID:             m.ID,
		ChatID:         m.ChatID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Kind:           string(m.Kind),
		AttachmentRefs: refs,
		ReadBy:         readBy,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
