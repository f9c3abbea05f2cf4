// Package main is a CI-friendly end-to-end smoke test for a running tasklane server.
//
// It mints two dev tokens, opens a direct chat over REST, then checks:
//   - handshake auth (Bearer header) and hello-frame auth
//   - message:send reply and message:new fan-out to the peer
//   - message:read push back to the sender
//   - online:check
//
// The server must run with TASKLANE_DEV=true unless -token-a/-token-b are given.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	v1 "tasklane/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	subprotocol  = "tasklane.realtime.v1"
	maxReadBytes = 1 << 20
)

type smokeClient struct {
	name      string
	userID    string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8080", "Server base URL (http/https)")
		origin  = flag.String("origin", "http://localhost", "Origin header for the WS handshake")
		userA   = flag.String("user-a", "smoke-alice", "User ID for client A")
		userB   = flag.String("user-b", "smoke-bob", "User ID for client B")
		tokenA  = flag.String("token-a", "", "Access token for A (default: mint via /dev/token)")
		tokenB  = flag.String("token-b", "", "Access token for B (default: mint via /dev/token)")
		text    = flag.String("text", "hello tasklane 👋", "Message content to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	base, err := validateBaseURL(*baseURL)
	if err != nil {
		fatalf("invalid -base: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	httpc := &http.Client{Timeout: *timeout}

	if *tokenA == "" {
		*tokenA = mustDevToken(root, httpc, base, *userA)
	}
	if *tokenB == "" {
		*tokenB = mustDevToken(root, httpc, base, *userB)
	}

	chatID := mustDirectChat(root, httpc, base, *tokenA, *userB)

	wsURL := wsURLFor(base)
	a := mustConnect(root, "A", wsURL, *origin, *tokenA, true, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", wsURL, *origin, *tokenB, false, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s/%s B=%s/%s chat=%s\n", a.userID, a.sessionID, b.userID, b.sessionID, chatID)
	}

	msg := mustSend(root, a, chatID, *text, *timeout)
	mustAssertNew(root, b, msg, *timeout)

	mustRead(root, b, msg.ID, *timeout)
	mustAssertReadPush(root, a, msg, b.userID, *timeout)

	online := mustOnlineCheck(root, a, []string{b.userID, "smoke-nobody"}, *timeout)
	if !slices.Contains(online, b.userID) || slices.Contains(online, "smoke-nobody") {
		fatalf("online:check mismatch: got=%v", online)
	}

	fmt.Printf("OK: chat=%s message=%s A=%s B=%s\n", chatID, msg.ID, a.sessionID, b.sessionID)
}

func validateBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func wsURLFor(base *url.URL) string {
	u := *base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String()
}

func mustDevToken(parent context.Context, c *http.Client, base *url.URL, userID string) string {
	u := *base
	u.Path = "/dev/token"
	u.RawQuery = url.Values{"user_id": {userID}}.Encode()

	var out struct {
		AccessToken string `json:"access_token"`
	}
	mustDoJSON(parent, c, http.MethodPost, u.String(), "", nil, &out, http.StatusOK)
	if out.AccessToken == "" {
		fatalf("dev token for %s: empty access_token", userID)
	}
	return out.AccessToken
}

func mustDirectChat(parent context.Context, c *http.Client, base *url.URL, token, peerID string) string {
	u := *base
	u.Path = "/api/chats"

	body := map[string]any{"kind": "direct", "participant_ids": []string{peerID}}
	var out struct {
		Chat struct {
			ID string `json:"id"`
		} `json:"chat"`
	}
	// 201 on first run, 200 when the direct chat already exists.
	mustDoJSON(parent, c, http.MethodPost, u.String(), token, body, &out, 0)
	if out.Chat.ID == "" {
		fatalf("create chat: empty id")
	}
	return out.Chat.ID
}

func mustDoJSON(parent context.Context, c *http.Client, method, target, token string, body, out any, wantStatus int) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fatalf("marshal %s %s: %v", method, target, err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(parent, method, target, rd)
	if err != nil {
		fatalf("build %s %s: %v", method, target, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	ok := resp.StatusCode == wantStatus || (wantStatus == 0 && resp.StatusCode/100 == 2)
	if !ok {
		fatalf("%s %s: status=%d body=%s", method, target, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			fatalf("decode %s %s: %v", method, target, err)
		}
	}
}

// mustConnect authenticates with a Bearer header when viaHeader is set, otherwise with a hello frame.
func mustConnect(parent context.Context, name, wsURL, origin, token string, viaHeader bool, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if viaHeader {
		h.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	assertSubprotocol(resp, subprotocol)
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	if !viaHeader {
		mustWriteWithTimeout(parent, conn, v1.Envelope{
			V:       v1.Version,
			Type:    v1.TypeHello,
			ID:      name + "-hello",
			TS:      time.Now().UTC(),
			Payload: mustJSON(v1.HelloPayload{Token: token}),
		}, stepTimeout)
	}

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, presenceTypes)
	var p v1.HelloAckPayload
	mustDecodePayload(c, ack, &p)
	if strings.TrimSpace(p.SessionID) == "" || strings.TrimSpace(p.UserID) == "" {
		fatalf("hello:ack incomplete (%s): %+v", name, p)
	}
	c.sessionID = p.SessionID
	c.userID = p.UserID
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	report := func(err error) {
		select {
		case c.errCh <- err:
		default:
		}
	}

	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				report(err)
				return
			}
			if mt != websocket.MessageText {
				report(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				report(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				report(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				report(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

var presenceTypes = map[string]struct{}{
	v1.TypePresenceOnline:  {},
	v1.TypePresenceOffline: {},
}

func mustSend(parent context.Context, c *smokeClient, chatID, text string, stepTimeout time.Duration) v1.MessagePayload {
	id := fmt.Sprintf("%s-send-%d", c.name, time.Now().UnixNano())
	mustWriteWithTimeout(parent, c.conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMessageSend,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPayload{ChatID: chatID, Content: text}),
	}, stepTimeout)

	reply := c.mustReadReply(parent, id, stepTimeout)
	var p v1.MessagePayload
	mustDecodePayload(c, reply, &p)
	if p.ID == "" || p.ChatID != chatID || p.SenderID != c.userID || p.Content != text {
		fatalf("message:send reply mismatch (%s): %+v", c.name, p)
	}
	if p.CreatedAt.IsZero() {
		fatalf("message:send reply missing created_at (%s)", c.name)
	}
	return p
}

func mustAssertNew(parent context.Context, c *smokeClient, want v1.MessagePayload, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, presenceTypes)
	var p v1.MessagePayload
	mustDecodePayload(c, env, &p)
	if p.ID != want.ID || p.ChatID != want.ChatID || p.SenderID != want.SenderID || p.Content != want.Content {
		fatalf("message:new mismatch (%s): got=%+v want=%+v", c.name, p, want)
	}
}

func mustRead(parent context.Context, c *smokeClient, messageID string, stepTimeout time.Duration) {
	id := c.name + "-read"
	mustWriteWithTimeout(parent, c.conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMessageRead,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.MessageReadRequest{MessageID: messageID}),
	}, stepTimeout)

	reply := c.mustReadReply(parent, id, stepTimeout)
	var p v1.MessageReadPayload
	mustDecodePayload(c, reply, &p)
	if p.MessageID != messageID || p.UserID != c.userID {
		fatalf("message:read reply mismatch (%s): %+v", c.name, p)
	}
}

func mustAssertReadPush(parent context.Context, c *smokeClient, msg v1.MessagePayload, readerID string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageRead, stepTimeout, presenceTypes)
	var p v1.MessageReadPayload
	mustDecodePayload(c, env, &p)
	if p.MessageID != msg.ID || p.ChatID != msg.ChatID || p.UserID != readerID {
		fatalf("message:read push mismatch (%s): %+v", c.name, p)
	}
}

func mustOnlineCheck(parent context.Context, c *smokeClient, userIDs []string, stepTimeout time.Duration) []string {
	id := c.name + "-online"
	mustWriteWithTimeout(parent, c.conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeOnlineCheck,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.OnlineCheckPayload{UserIDs: userIDs}),
	}, stepTimeout)

	reply := c.mustReadReply(parent, id, stepTimeout)
	var p v1.OnlineCheckResult
	mustDecodePayload(c, reply, &p)
	return p.OnlineUsers
}

// mustReadReply waits for the envelope answering id, skipping unrelated pushes.
func (c *smokeClient) mustReadReply(parent context.Context, id string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.next(ctx, "reply to "+id)
		if env.ReplyTo != id {
			continue
		}
		if env.Error != nil {
			fatalf("request %s failed (%s): code=%q msg=%q", id, c.name, env.Error.Code, env.Error.Message)
		}
		return env
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.next(ctx, wantType)
		if env.Type == wantType && (env.ReplyTo == "" || wantType == v1.TypeHelloAck) {
			return env
		}
		if _, ok := skipTypes[env.Type]; ok {
			continue
		}
		fatalf("unexpected envelope (%s): type=%q reply_to=%q want=%q", c.name, env.Type, env.ReplyTo, wantType)
	}
}

func (c *smokeClient) next(ctx context.Context, waitingFor string) v1.Envelope {
	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %s (%s): %v", waitingFor, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error waiting for %s (%s): %v", waitingFor, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed waiting for %s (%s)", waitingFor, c.name)
			}
			if env.Type == v1.TypeError {
				code, msg := "", ""
				if env.Error != nil {
					code, msg = env.Error.Code, env.Error.Message
				}
				fatalf("server error (%s): code=%q msg=%q", c.name, code, msg)
			}
			return env
		}
	}
}

func mustDecodePayload(c *smokeClient, env v1.Envelope, out any) {
	if err := json.Unmarshal(env.Payload, out); err != nil {
		fatalf("unmarshal %s payload (%s): %v", env.Type, c.name, err)
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
