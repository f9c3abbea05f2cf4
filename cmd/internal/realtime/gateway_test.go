package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"tasklane/cmd/identity"
	"tasklane/cmd/internal/auth/session"
	"tasklane/cmd/internal/chat"
	v1 "tasklane/shared/contracts/realtime/v1"
)

type gatewayFixture struct {
	svc *chat.Service
	gw  *Gateway
	ts  *httptest.Server
}

// tokenAuth accepts "tok-<user>" and grants the default permissions,
// "ro-<user>" grants none.
var tokenAuth = session.AuthenticatorFunc(func(ctx context.Context, token string) (session.Principal, error) {
	switch {
	case strings.HasPrefix(token, "tok-"):
		return session.Principal{UserID: strings.TrimPrefix(token, "tok-"), Permissions: session.DefaultPermissions}, nil
	case strings.HasPrefix(token, "ro-"):
		return session.Principal{UserID: strings.TrimPrefix(token, "ro-"), Permissions: []string{}}, nil
	default:
		return session.Principal{}, session.ErrInvalidToken
	}
})

func newGatewayFixture(t *testing.T, auth session.Authenticator, mutate func(*Config)) *gatewayFixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := chat.NewService(chat.NewMemoryStore(), identity.NewPermissiveDirectory(), chat.WithLogger(log))

	cfg := DefaultConfig()
	cfg.OriginRequired = false
	if mutate != nil {
		mutate(&cfg)
	}

	gw, err := NewGateway(log, cfg, svc, auth, WithMetrics(NewMetrics(nil)))
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &gatewayFixture{svc: svc, gw: gw, ts: ts}
}

func dialWS(t *testing.T, baseHTTPURL, origin, bearerToken string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(bearerToken) != "" {
		h.Set("Authorization", "Bearer "+bearerToken)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   h,
	})
}

// mustConnect dials with a bearer token and waits for hello:ack.
func mustConnect(t *testing.T, f *gatewayFixture, token string) (*websocket.Conn, v1.HelloAckPayload) {
	t.Helper()

	conn, resp, err := dialWS(t, f.ts.URL, "", token)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial %s: %v", token, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })

	env := readUntilType(t, conn, v1.TypeHelloAck, 4)
	var ack v1.HelloAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("decode hello ack: %v", err)
	}
	return conn, ack
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func request(t *testing.T, typ, id string, payload any) v1.Envelope {
	t.Helper()
	return v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: time.Now().UTC(), Payload: mustJSONRaw(t, payload)}
}

func readEnvelopeWS(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_, b, err := conn.Read(ctx)
	cancel()
	if err != nil {
		t.Fatalf("conn.Read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func readUntil(t *testing.T, conn *websocket.Conn, maxReads int, match func(v1.Envelope) bool) v1.Envelope {
	t.Helper()
	for range max(maxReads, 1) {
		env := readEnvelopeWS(t, conn)
		if match(env) {
			return env
		}
	}
	t.Fatalf("did not receive matching envelope within %d reads", maxReads)
	return v1.Envelope{}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	return readUntil(t, conn, maxReads, func(env v1.Envelope) bool { return env.Type == typ })
}

// readReply returns the reply to requestID, failing if any envelope of a forbidden type comes first.
func readReply(t *testing.T, conn *websocket.Conn, requestID string, forbidden ...string) v1.Envelope {
	t.Helper()
	return readUntil(t, conn, 8, func(env v1.Envelope) bool {
		for _, typ := range forbidden {
			if env.Type == typ && env.ReplyTo == "" {
				t.Fatalf("unexpected %s before reply to %s", typ, requestID)
			}
		}
		return env.ReplyTo == requestID
	})
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func mustDirectChat(t *testing.T, svc *chat.Service, a, b string) chat.Chat {
	t.Helper()
	c, _, err := svc.CreateChat(context.Background(), a, chat.CreateChatRequest{Kind: chat.KindDirect, ParticipantIDs: []string{b}})
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	return c
}

func TestGateway_InvalidTokenRejected(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, tokenAuth, nil)

	_, resp, err := dialWS(t, f.ts.URL, "", "garbage")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("expected 401, got status=%d err=%v", status, err)
	}
}

func TestGateway_OriginRejected(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, tokenAuth, func(c *Config) { c.OriginRequired = true })

	_, resp, err := dialWS(t, f.ts.URL, "https://evil.example", "tok-alice")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got resp=%v err=%v", resp, err)
	}
}

func TestGateway_PasetoTokenAtHandshake(t *testing.T) {
	t.Parallel()

	cfg := session.WithEphemeralKey(session.DefaultConfig())
	tokens, err := session.NewPasetoV4PublicManager(cfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}
	tok, _, err := tokens.Issue(session.Principal{UserID: "alice", SessionID: "s-1"}, time.Now().UTC())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	f := newGatewayFixture(t, session.NewTokenAuthenticator(tokens), nil)
	_, ack := mustConnect(t, f, tok)
	if ack.UserID != "alice" || ack.SessionID == "" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestGateway_HelloFrameAuth(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, tokenAuth, nil)

	conn, resp, err := dialWS(t, f.ts.URL, "", "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	writeEnvelopeWS(t, conn, request(t, v1.TypeHello, "hello-1", v1.HelloPayload{Token: "tok-alice"}))

	env := readUntilType(t, conn, v1.TypeHelloAck, 4)
	if env.ReplyTo != "hello-1" {
		t.Fatalf("hello:ack reply_to = %q", env.ReplyTo)
	}
	var ack v1.HelloAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.UserID != "alice" {
		t.Fatalf("ack user = %q", ack.UserID)
	}

	// A second hello on an authenticated session is rejected in-band.
	writeEnvelopeWS(t, conn, request(t, v1.TypeHello, "hello-2", v1.HelloPayload{Token: "tok-alice"}))
	reply := readReply(t, conn, "hello-2")
	if reply.Error == nil || reply.Error.Code != "invalid_operation" {
		t.Fatalf("expected invalid_operation, got %+v", reply.Error)
	}
}

func TestGateway_HelloFrameBadTokenCloses(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, tokenAuth, nil)

	conn, resp, err := dialWS(t, f.ts.URL, "", "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	writeEnvelopeWS(t, conn, request(t, v1.TypeHello, "hello-1", v1.HelloPayload{Token: "nope"}))

	reply := readEnvelopeWS(t, conn)
	if reply.Error == nil || reply.Error.Code != "unauthenticated" || reply.ReplyTo != "hello-1" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestGateway_MessageFlow(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, tokenAuth, nil)
	c := mustDirectChat(t, f.svc, "alice", "bob")

	alice, _ := mustConnect(t, f, "tok-alice")
	bob, _ := mustConnect(t, f, "tok-bob")

	writeEnvelopeWS(t, alice, request(t, v1.TypeMessageSend, "send-1", v1.MessageSendPayload{ChatID: c.ID, Content: "hi bob"}))

	reply := readReply(t, alice, "send-1", v1.TypeMessageNew)
	if reply.Error != nil {
		t.Fatalf("send failed: %+v", reply.Error)
	}
	if reply.Type != v1.TypeMessageSend {
		t.Fatalf("reply type = %q", reply.Type)
	}
	var sent v1.MessagePayload
	if err := json.Unmarshal(reply.Payload, &sent); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if len(sent.ReadBy) != 1 || sent.ReadBy[0] != "alice" {
		t.Fatalf("sender must have read own message, read_by=%v", sent.ReadBy)
	}

	pushed := readUntilType(t, bob, v1.TypeMessageNew, 8)
	var got v1.MessagePayload
	if err := json.Unmarshal(pushed.Payload, &got); err != nil {
		t.Fatalf("decode push: %v", err)
	}
	if got.ID != sent.ID || got.Content != "hi bob" || got.SenderID != "alice" || got.Kind != "text" {
		t.Fatalf("unexpected push: %+v", got)
	}

	if n, err := f.svc.UnreadCount(context.Background(), "bob"); err != nil || n != 1 {
		t.Fatalf("bob unread = %d err=%v, want 1", n, err)
	}

	writeEnvelopeWS(t, bob, request(t, v1.TypeMessageRead, "read-1", v1.MessageReadRequest{MessageID: sent.ID}))
	if r := readReply(t, bob, "read-1"); r.Error != nil {
		t.Fatalf("read failed: %+v", r.Error)
	}

	note := readUntil(t, alice, 8, func(env v1.Envelope) bool {
		return env.Type == v1.TypeMessageRead && env.ReplyTo == ""
	})
	var rp v1.MessageReadPayload
	if err := json.Unmarshal(note.Payload, &rp); err != nil {
		t.Fatalf("decode read push: %v", err)
	}
	if rp.MessageID != sent.ID || rp.UserID != "bob" || rp.ChatID != c.ID {
		t.Fatalf("unexpected read push: %+v", rp)
	}

	if n, err := f.svc.UnreadCount(context.Background(), "bob"); err != nil || n != 0 {
		t.Fatalf("bob unread = %d err=%v, want 0", n, err)
	}
}

func TestGateway_NonMemberSendIsForbiddenInBand(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, tokenAuth, nil)
	c := mustDirectChat(t, f.svc, "alice", "bob")

	carol, _ := mustConnect(t, f, "tok-carol")
	writeEnvelopeWS(t, carol, request(t, v1.TypeMessageSend, "send-x", v1.MessageSendPayload{ChatID: c.ID, Content: "let me in"}))

	reply := readReply(t, carol, "send-x")
	if reply.Error == nil || reply.Error.Code != "forbidden" {
		t.Fatalf("expected forbidden, got %+v", reply.Error)
	}

	// The connection survives business errors.
	writeEnvelopeWS(t, carol, request(t, v1.TypeMessageSend, "send-y", v1.MessageSendPayload{ChatID: "missing", Content: "x"}))
	reply = readReply(t, carol, "send-y")
	if reply.Error == nil || reply.Error.Code != "not_found" {
		t.Fatalf("expected not_found, got %+v", reply.Error)
	}
}

func TestGateway_SendRequiresPermission(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, tokenAuth, nil)
	c := mustDirectChat(t, f.svc, "alice", "bob")

	alice, _ := mustConnect(t, f, "ro-alice")
	writeEnvelopeWS(t, alice, request(t, v1.TypeMessageSend, "send-1", v1.MessageSendPayload{ChatID: c.ID, Content: "hi"}))

	reply := readReply(t, alice, "send-1")
	if reply.Error == nil || reply.Error.Code != "forbidden" {
		t.Fatalf("expected forbidden, got %+v", reply.Error)
	}
}

func TestGateway_TypingGoesToOthersOnly(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, tokenAuth, nil)
	c := mustDirectChat(t, f.svc, "alice", "bob")

	alice, _ := mustConnect(t, f, "tok-alice")
	bob, _ := mustConnect(t, f, "tok-bob")

	writeEnvelopeWS(t, alice, request(t, v1.TypeTypingStart, "typing-1", v1.TypingPayload{ChatID: c.ID}))
	writeEnvelopeWS(t, alice, request(t, v1.TypeOnlineCheck, "check-1", v1.OnlineCheckPayload{UserIDs: []string{"bob"}}))
	readReply(t, alice, "check-1", v1.TypeTypingStart)

	env := readUntilType(t, bob, v1.TypeTypingStart, 8)
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode typing: %v", err)
	}
	if p.ChatID != c.ID || p.UserID != "alice" {
		t.Fatalf("unexpected typing payload: %+v", p)
	}
}

func TestGateway_OnlineCheckAndPresence(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, tokenAuth, nil)

	alice, _ := mustConnect(t, f, "tok-alice")
	bob, _ := mustConnect(t, f, "tok-bob")

	online := readUntil(t, alice, 8, func(env v1.Envelope) bool {
		if env.Type != v1.TypePresenceOnline {
			return false
		}
		var p v1.PresencePayload
		return json.Unmarshal(env.Payload, &p) == nil && p.UserID == "bob"
	})
	if online.ReplyTo != "" {
		t.Fatalf("presence is unsolicited")
	}

	writeEnvelopeWS(t, alice, request(t, v1.TypeOnlineCheck, "check-1", v1.OnlineCheckPayload{UserIDs: []string{"carol", "bob", "alice"}}))
	reply := readReply(t, alice, "check-1")
	var res v1.OnlineCheckResult
	if err := json.Unmarshal(reply.Payload, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if strings.Join(res.OnlineUsers, ",") != "bob,alice" {
		t.Fatalf("online_users = %v", res.OnlineUsers)
	}

	if err := bob.Close(websocket.StatusNormalClosure, "bye"); err != nil && !errors.Is(err, context.Canceled) {
		t.Logf("bob close: %v", err)
	}

	readUntil(t, alice, 8, func(env v1.Envelope) bool {
		if env.Type != v1.TypePresenceOffline {
			return false
		}
		var p v1.PresencePayload
		return json.Unmarshal(env.Payload, &p) == nil && p.UserID == "bob"
	})
}

func TestGateway_OnlineCheckTooManyIDs(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, tokenAuth, nil)
	alice, _ := mustConnect(t, f, "tok-alice")

	ids := make([]string, maxOnlineCheckIDs+1)
	for i := range ids {
		ids[i] = "u" + strings.Repeat("x", i%5)
	}
	writeEnvelopeWS(t, alice, request(t, v1.TypeOnlineCheck, "check-1", v1.OnlineCheckPayload{UserIDs: ids}))
	reply := readReply(t, alice, "check-1")
	if reply.Error == nil || reply.Error.Code != "invalid_argument" {
		t.Fatalf("expected invalid_argument, got %+v", reply.Error)
	}
}

func TestGateway_BadFramesKeepConnection(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, tokenAuth, nil)
	alice, _ := mustConnect(t, f, "tok-alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := alice.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	bad := readUntilType(t, alice, v1.TypeError, 4)
	if bad.Error == nil || bad.Error.Code != "bad_json" {
		t.Fatalf("expected bad_json, got %+v", bad.Error)
	}

	writeEnvelopeWS(t, alice, v1.Envelope{V: v1.Version, Type: v1.TypePresenceOnline, ID: "p-1"})
	reply := readReply(t, alice, "p-1")
	if reply.Error == nil || reply.Error.Code != "unsupported" {
		t.Fatalf("expected unsupported, got %+v", reply.Error)
	}

	writeEnvelopeWS(t, alice, v1.Envelope{V: v1.Version, Type: v1.TypeMessageRead, ID: "r-1"})
	reply = readReply(t, alice, "r-1")
	if reply.Error == nil || reply.Error.Code != "bad_payload" {
		t.Fatalf("expected bad_payload, got %+v", reply.Error)
	}
}

func TestGateway_SessionCapDisplacesOldConnection(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, tokenAuth, func(c *Config) { c.MaxSessionsPerUser = 1 })

	first, _ := mustConnect(t, f, "tok-alice")
	_, second := mustConnect(t, f, "tok-alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err := first.Read(ctx)
		if err == nil {
			continue
		}
		if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
			t.Fatalf("expected policy violation, got %v", err)
		}
		break
	}

	sessions := f.gw.Registry().Lookup("alice")
	if len(sessions) != 1 || sessions[0].SessionID != second.SessionID {
		t.Fatalf("registry should hold only the new session, got %d", len(sessions))
	}
}

func TestGateway_PublishMessageReachesAllSessions(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, tokenAuth, nil)
	c := mustDirectChat(t, f.svc, "alice", "bob")

	alice, _ := mustConnect(t, f, "tok-alice")
	bob, _ := mustConnect(t, f, "tok-bob")

	msg, target, err := f.svc.SendMessage(context.Background(), "alice", chat.SendMessageRequest{ChatID: c.ID, Content: "from rest"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	f.gw.PublishMessage(msg, target.Members)

	for _, conn := range []*websocket.Conn{alice, bob} {
		env := readUntilType(t, conn, v1.TypeMessageNew, 8)
		var p v1.MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if p.ID != msg.ID {
			t.Fatalf("got message %q, want %q", p.ID, msg.ID)
		}
	}
}
