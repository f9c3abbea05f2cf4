package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const (
	maxContentRunes    = 4000
	maxGroupNameRunes  = 120
	maxParticipantsAdd = 256
)

var validate = validator.New()

// CreateChatRequest is the client-facing chat creation input.
// The requester is always added as a member.
type CreateChatRequest struct {
	Kind           Kind     `validate:"required,oneof=direct group"`
	Name           string   `validate:"max=480"`
	ParticipantIDs []string `validate:"max=256,dive,required,max=64"`
}

// SendMessageRequest is the client-facing message input.
type SendMessageRequest struct {
	ChatID         string      `validate:"required,max=64"`
	Content        string      `validate:"max=16000"`
	Kind           MessageKind `validate:"omitempty,oneof=text image file"`
	AttachmentRefs []string    `validate:"max=10,dive,required,max=2048,uri"`
}

func validateCreateChat(op string, in CreateChatRequest) error {
	if err := validate.Struct(in); err != nil {
		return validationErr(op, err)
	}
	if in.Kind == KindGroup && utf8.RuneCountInString(strings.TrimSpace(in.Name)) > maxGroupNameRunes {
		return invalidArgument(op, fmt.Sprintf("name must be at most %d characters", maxGroupNameRunes))
	}
	return nil
}

func validateGroupName(op, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return invalidArgument(op, "name is required")
	}
	if utf8.RuneCountInString(name) > maxGroupNameRunes {
		return invalidArgument(op, fmt.Sprintf("name must be at most %d characters", maxGroupNameRunes))
	}
	return nil
}

// validateSendMessage checks structure, then content rules:
// text needs 1..4000 runes unless attachments are present, image/file need an attachment.
func validateSendMessage(op string, in SendMessageRequest) error {
	if err := validate.Struct(in); err != nil {
		return validationErr(op, err)
	}
	if !utf8.ValidString(in.Content) {
		return invalidArgument(op, "content must be valid UTF-8")
	}
	n := utf8.RuneCountInString(in.Content)
	if n > maxContentRunes {
		return invalidArgument(op, fmt.Sprintf("content must be at most %d characters", maxContentRunes))
	}
	hasAttachments := len(in.AttachmentRefs) > 0
	switch in.Kind {
	case MessageImage, MessageFile:
		if !hasAttachments {
			return invalidArgument(op, string(in.Kind)+" message requires an attachment")
		}
	default:
		if strings.TrimSpace(in.Content) == "" && !hasAttachments {
			return invalidArgument(op, "content is required")
		}
	}
	return nil
}

func validationErr(op string, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return invalidArgument(op, fmt.Sprintf("%s failed %q validation", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return invalidArgument(op, err.Error())
}
