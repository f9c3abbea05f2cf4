package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/samber/lo"

	"tasklane/cmd/internal/auth/session"
	"tasklane/cmd/internal/chat"
	v1 "tasklane/shared/contracts/realtime/v1"
)

// Subprotocol is the websocket subprotocol clients must offer.
const Subprotocol = "tasklane.realtime.v1"

// ChatService is the subset of chat.Service the gateway drives.
type ChatService interface {
	SendMessage(ctx context.Context, requesterID string, in chat.SendMessageRequest) (chat.Message, chat.Chat, error)
	MarkRead(ctx context.Context, requesterID, messageID string) (chat.Message, error)
	GetChat(ctx context.Context, requesterID, chatID string) (chat.Chat, error)
}

// Gateway is the WebSocket entrypoint for tasklane realtime.
//
// Connection lifecycle: connecting -> authenticating -> active -> closed.
// It enforces origin policy, subprotocol selection, rate limits and heartbeats,
// and routes validated envelopes to the chat service and the Registry.
type Gateway struct {
	log      *slog.Logger
	cfg      Config
	chats    ChatService
	auth     session.Authenticator
	registry *Registry
	metrics  *Metrics

	originPatterns []string
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithRegistry shares a Registry (default: a new one sized by Config.MaxSessionsPerUser).
func WithRegistry(r *Registry) GatewayOption {
	return func(g *Gateway) {
		if r != nil {
			g.registry = r
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

// NewGateway constructs a gateway. chats and auth are required.
func NewGateway(log *slog.Logger, cfg Config, chats ChatService, auth session.Authenticator, opts ...GatewayOption) (*Gateway, error) {
	if chats == nil {
		return nil, errors.New("realtime: nil chat service")
	}
	if auth == nil {
		return nil, errors.New("realtime: nil authenticator")
	}
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	cfg = cfg.withDefaults()

	g := &Gateway{
		log:            log,
		cfg:            cfg,
		chats:          chats,
		auth:           auth,
		originPatterns: originPatterns(cfg.AllowedOrigins),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if g.registry == nil {
		g.registry = NewRegistry(cfg.MaxSessionsPerUser)
	}
	return g, nil
}

// Registry exposes the presence registry.
func (g *Gateway) Registry() *Registry { return g.registry }

// ServeHTTP upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var (
		principal session.Principal
		authed    bool
	)
	if tok := g.handshakeToken(r); tok != "" {
		p, err := g.auth.Authenticate(r.Context(), tok)
		if err != nil {
			g.metrics.authFailure("handshake")
			g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Bearer realm="tasklane"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		principal, authed = p, true
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if sp := conn.Subprotocol(); sp != Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	helloID := ""
	if !authed {
		p, id, err := g.authenticateHello(ctx, conn)
		if err != nil {
			g.metrics.authFailure("hello")
			g.log.Info("ws.reject.hello", "err", err, "remote", r.RemoteAddr)
			_ = conn.Close(websocket.StatusPolicyViolation, "authentication failed")
			return
		}
		principal, helloID = p, id
	}

	g.serve(ctx, cancel, conn, principal, helloID)
}

// handshakeToken reads the bearer credential from the Authorization header,
// falling back to ?access_token= when allowed.
func (g *Gateway) handshakeToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if g.cfg.AllowQueryToken {
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	return ""
}

// authenticateHello waits for the initial hello frame carrying the token.
// Failures are reported in-band before the caller closes the connection.
func (g *Gateway) authenticateHello(ctx context.Context, conn *websocket.Conn) (session.Principal, string, error) {
	readCtx, cancel := context.WithTimeout(ctx, g.cfg.AuthTimeout)
	env, err := readEnvelope(readCtx, conn)
	cancel()
	if err != nil {
		return session.Principal{}, "", fmt.Errorf("read hello: %w", err)
	}

	fail := func(err error) (session.Principal, string, error) {
		reply := errorReply(env, "unauthenticated", "authentication required", time.Now().UTC())
		if env.Type != v1.TypeHello {
			reply.Type = v1.TypeError
		}
		_ = writeEnvelope(ctx, conn, reply, g.cfg.WriteTimeout)
		return session.Principal{}, "", err
	}

	if err := env.Validate(); err != nil {
		return fail(err)
	}
	if env.Type != v1.TypeHello {
		return fail(fmt.Errorf("expected hello, got %q", env.Type))
	}
	var p v1.HelloPayload
	if err := decodePayload(env, &p); err != nil {
		return fail(err)
	}
	principal, err := g.auth.Authenticate(ctx, p.Token)
	if err != nil {
		return fail(err)
	}
	return principal, env.ID, nil
}

func (g *Gateway) serve(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, principal session.Principal, helloID string) {
	now := time.Now().UTC()
	sessionID, err := NewConnectionID(now)
	if err != nil {
		g.log.Error("ws.session.id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	client := NewClient(principal.UserID, sessionID, g.cfg.SendQueueSize)
	client.Permissions = principal.Permissions
	log := g.log.With("session_id", sessionID, "user_id", principal.UserID)

	// The ack goes first so it precedes any fan-out this session sees.
	ack := newEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{SessionID: sessionID, UserID: principal.UserID}, now)
	ack.ReplyTo = helloID
	client.TrySend(ack)

	displaced, first := g.registry.Register(client)
	for _, d := range displaced {
		d.CloseWith(websocket.StatusPolicyViolation, "session replaced")
	}
	g.metrics.setPresence(g.registry.Counts())
	if first {
		g.broadcastPresence(v1.TypePresenceOnline, principal.UserID)
	}
	log.Info("ws.connect", "first_session", first, "displaced", len(displaced))

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// The registry entry is removed before client.Close so broadcasters stop picking this client.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			last := g.registry.Unregister(client)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()

			g.metrics.setPresence(g.registry.Counts())
			if last {
				g.broadcastPresence(v1.TypePresenceOffline, principal.UserID)
			}
			log.Info("ws.disconnect", "reason", reason, "last_session", last)
		})
	}

	// Displacement or any external Close ends the session with the recorded status.
	go func() {
		select {
		case <-ctx.Done():
		case <-client.Done():
			shutdown(client.CloseStatus())
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				client.TrySend(errorEnvelope("bad_json", "invalid JSON", time.Now().UTC()))
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if ok, retry := rl.Allow(now); !ok {
			// Written directly: the writer stops once shutdown closes the client.
			_ = writeEnvelope(ctx, conn, errorEnvelope("rate_limited", fmt.Sprintf("too many events, retry in %s", retry.Round(time.Millisecond)), now), g.cfg.WriteTimeout)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			client.TrySend(errorEnvelope("bad_envelope", err.Error(), now))
			continue readLoop
		}
		if !v1.IsClientRequest(env.Type) {
			client.TrySend(errorReply(env, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type), now))
			continue readLoop
		}

		g.dispatch(ctx, client, env, log)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

// dispatch routes one client request. Business failures become in-band error replies;
// the connection stays open.
func (g *Gateway) dispatch(ctx context.Context, client *Client, env v1.Envelope, log *slog.Logger) {
	var err error
	switch env.Type {
	case v1.TypeHello:
		err = &chat.Error{Op: "realtime.hello", Kind: chat.ErrInvalidOperation, Msg: "already authenticated"}
	case v1.TypeMessageSend:
		err = g.onMessageSend(ctx, client, env)
	case v1.TypeMessageRead:
		err = g.onMessageRead(ctx, client, env)
	case v1.TypeTypingStart, v1.TypeTypingStop:
		err = g.onTyping(ctx, client, env)
	case v1.TypeOnlineCheck:
		err = g.onOnlineCheck(client, env)
	}

	if err == nil {
		g.metrics.event(env.Type, "ok")
		return
	}

	code := errorCode(err)
	g.metrics.event(env.Type, code)
	if code == "internal" {
		log.Error("ws.event.fail", "type", env.Type, "err", err)
	} else {
		log.Debug("ws.event.reject", "type", env.Type, "code", code, "err", err)
	}
	msg := chat.PublicMessage(err)
	var bad *badPayloadError
	if errors.As(err, &bad) {
		msg = bad.Error()
	}
	client.TrySend(errorReply(env, code, msg, time.Now().UTC()))
}

// opContext detaches chat calls from the connection: an accepted send completes
// even if the client disconnects mid-call.
func (g *Gateway) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), g.cfg.OpTimeout)
}

// ---- handlers ----

func (g *Gateway) onMessageSend(ctx context.Context, client *Client, env v1.Envelope) error {
	if !client.Has(session.PermChatSend) {
		return &chat.Error{Op: "realtime.message.send", Kind: chat.ErrForbidden, Msg: "missing permission " + session.PermChatSend}
	}

	var p v1.MessageSendPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	refs := p.AttachmentRefs
	if ref := strings.TrimSpace(p.AttachmentRef); ref != "" {
		refs = append([]string{ref}, refs...)
	}

	opCtx, cancel := g.opContext(ctx)
	defer cancel()

	msg, c, err := g.chats.SendMessage(opCtx, client.UserID, chat.SendMessageRequest{
		ChatID:         p.ChatID,
		Content:        p.Content,
		Kind:           chat.MessageKind(strings.ToLower(strings.TrimSpace(p.Kind))),
		AttachmentRefs: refs,
	})
	if err != nil {
		return err
	}

	client.TrySend(replyTo(env, toMessagePayload(msg), time.Now().UTC()))
	g.fanoutMessage(msg, c.Members, client.SessionID)
	return nil
}

func (g *Gateway) onMessageRead(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.MessageReadRequest
	if err := decodePayload(env, &p); err != nil {
		return err
	}

	opCtx, cancel := g.opContext(ctx)
	defer cancel()

	msg, err := g.chats.MarkRead(opCtx, client.UserID, p.MessageID)
	if err != nil {
		return err
	}

	payload := v1.MessageReadPayload{MessageID: msg.ID, ChatID: msg.ChatID, UserID: client.UserID}
	client.TrySend(replyTo(env, payload, time.Now().UTC()))
	g.notifyRead(msg, client.UserID)
	return nil
}

func (g *Gateway) onTyping(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.TypingPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}

	opCtx, cancel := g.opContext(ctx)
	defer cancel()

	c, err := g.chats.GetChat(opCtx, client.UserID, strings.TrimSpace(p.ChatID))
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	payload := v1.TypingPayload{ChatID: c.ID, UserID: client.UserID}
	others := lo.Without(c.Members, client.UserID)
	g.metrics.delivery(g.registry.SendToUsers(others, newEnvelope(env.Type, payload, now), ""))

	// Typing is high-frequency; only requests carrying an id are acknowledged.
	if env.ID != "" {
		client.TrySend(replyTo(env, payload, now))
	}
	return nil
}

func (g *Gateway) onOnlineCheck(client *Client, env v1.Envelope) error {
	var p v1.OnlineCheckPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if len(p.UserIDs) > maxOnlineCheckIDs {
		return &chat.Error{Op: "realtime.online.check", Kind: chat.ErrInvalidArgument, Msg: fmt.Sprintf("at most %d user ids", maxOnlineCheckIDs)}
	}

	result := v1.OnlineCheckResult{OnlineUsers: g.registry.OnlineSubset(p.UserIDs)}
	client.TrySend(replyTo(env, result, time.Now().UTC()))
	return nil
}

// ---- fan-out ----

func (g *Gateway) broadcastPresence(typ, userID string) {
	env := newEnvelope(typ, v1.PresencePayload{UserID: userID}, time.Now().UTC())
	g.metrics.delivery(g.registry.BroadcastAll(env))
}

// fanoutMessage pushes message:new to every online session of members except exceptSessionID.
func (g *Gateway) fanoutMessage(msg chat.Message, members []string, exceptSessionID string) {
	env := newEnvelope(v1.TypeMessageNew, toMessagePayload(msg), time.Now().UTC())
	d := g.registry.SendToUsers(members, env, exceptSessionID)
	g.metrics.delivery(d)
	if d.Dropped > 0 {
		g.log.Debug("ws.fanout.drop", "message_id", msg.ID, "chat_id", msg.ChatID, "dropped", d.Dropped)
	}
}

// notifyRead tells the original sender that readerID read msg.
func (g *Gateway) notifyRead(msg chat.Message, readerID string) {
	if msg.SenderID == readerID {
		return
	}
	env := newEnvelope(v1.TypeMessageRead, v1.MessageReadPayload{MessageID: msg.ID, ChatID: msg.ChatID, UserID: readerID}, time.Now().UTC())
	g.metrics.delivery(g.registry.SendToUsers([]string{msg.SenderID}, env, ""))
}

// PublishMessage fans out a message persisted outside the gateway (REST).
func (g *Gateway) PublishMessage(msg chat.Message, members []string) {
	g.fanoutMessage(msg, members, "")
}

// PublishRead notifies the sender of a read recorded outside the gateway (REST).
func (g *Gateway) PublishRead(msg chat.Message, readerID string) {
	g.notifyRead(msg, readerID)
}
