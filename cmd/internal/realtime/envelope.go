package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/coder/websocket"

	"tasklane/cmd/internal/chat"
	v1 "tasklane/shared/contracts/realtime/v1"
)

func newEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	env := v1.Envelope{
		V:    v1.Version,
		Type: typ,
		ID:   newEnvelopeID(ts),
		TS:   ts,
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err == nil {
			env.Payload = b
		}
	}
	return env
}

// replyTo builds the response to req: same type, ReplyTo = req.ID.
func replyTo(req v1.Envelope, payload any, ts time.Time) v1.Envelope {
	env := newEnvelope(req.Type, payload, ts)
	env.ReplyTo = req.ID
	return env
}

func errorReply(req v1.Envelope, code, msg string, ts time.Time) v1.Envelope {
	env := newEnvelope(req.Type, nil, ts)
	env.ReplyTo = req.ID
	env.Error = &v1.ErrorPayload{Code: code, Message: msg}
	return env
}

func errorEnvelope(code, msg string, ts time.Time) v1.Envelope {
	env := newEnvelope(v1.TypeError, nil, ts)
	env.Error = &v1.ErrorPayload{Code: code, Message: msg}
	return env
}

// errorCode maps chat error kinds to wire codes.
func errorCode(err error) string {
	switch chat.KindOf(err) {
	case chat.ErrNotFound:
		return "not_found"
	case chat.ErrForbidden:
		return "forbidden"
	case chat.ErrInvalidArgument:
		return "invalid_argument"
	case chat.ErrInvalidOperation:
		return "invalid_operation"
	case chat.ErrUnauthenticated:
		return "unauthenticated"
	}
	var bad *badPayloadError
	if errors.As(err, &bad) {
		return "bad_payload"
	}
	return "internal"
}

type badPayloadError struct{ err error }

func (e *badPayloadError) Error() string { return "invalid payload: " + e.err.Error() }
func (e *badPayloadError) Unwrap() error { return e.err }

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return &badPayloadError{err: errors.New("missing payload")}
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return &badPayloadError{err: err}
	}
	return nil
}

func toMessagePayload(m chat.Message) v1.MessagePayload {
	refs := m.AttachmentRefs
	if refs == nil {
		refs = []string{}
	}
	return v1.MessagePayload{
		ID:             m.ID,
		ChatID:         m.ChatID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Kind:           string(m.Kind),
		AttachmentRefs: refs,
		ReadBy:         m.ReadBy,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// ---- envelope IO ----

var errBadJSON = errors.New("invalid JSON")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	switch {
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, errBadJSON):
		return readErrBadJSON
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}
