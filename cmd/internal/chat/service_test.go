package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"tasklane/cmd/identity"
)

func newTestService(t *testing.T) (*Service, *identity.PermissiveDirectory) {
	t.Helper()

	dir := identity.NewPermissiveDirectory()
	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	var (
		mu   sync.Mutex
		tick int
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}
	return NewService(NewMemoryStore(), dir, WithClock(clock)), dir
}

func mustCreate(t *testing.T, svc *Service, requester string, in CreateChatRequest) Chat {
	t.Helper()

	c, _, err := svc.CreateChat(context.Background(), requester, in)
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	return c
}

func mustSend(t *testing.T, svc *Service, requester, chatID, content string) Message {
	t.Helper()

	m, _, err := svc.SendMessage(context.Background(), requester, SendMessageRequest{ChatID: chatID, Content: content})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	return m
}

func wantKind(t *testing.T, err, kind error) {
	t.Helper()

	if !errors.Is(err, kind) {
		t.Fatalf("expected %v, got %v", kind, err)
	}
}

func TestCreateChat_DirectIsIdempotentPerPair(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	first, created, err := svc.CreateChat(ctx, "alice", CreateChatRequest{Kind: KindDirect, ParticipantIDs: []string{"bob"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true on first create")
	}
	if !slices.Equal(first.Members, []string{"alice", "bob"}) {
		t.Fatalf("unexpected members: %v", first.Members)
	}

	// Either side, either order.
	second, created, err := svc.CreateChat(ctx, "bob", CreateChatRequest{Kind: KindDirect, ParticipantIDs: []string{"alice"}})
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if created {
		t.Fatalf("expected created=false for existing pair")
	}
	if second.ID != first.ID {
		t.Fatalf("expected same chat id: first=%s second=%s", first.ID, second.ID)
	}
}

func TestCreateChat_Validation(t *testing.T) {
	t.Parallel()

	svc, dir := newTestService(t)
	dir.Forget("ghost")

	tests := []struct {
		name string
		in   CreateChatRequest
		kind error
	}{
		{"direct with self only", CreateChatRequest{Kind: KindDirect, ParticipantIDs: []string{"alice"}}, ErrInvalidArgument},
		{"direct with two others", CreateChatRequest{Kind: KindDirect, ParticipantIDs: []string{"bob", "carol"}}, ErrInvalidArgument},
		{"direct with nobody", CreateChatRequest{Kind: KindDirect}, ErrInvalidArgument},
		{"unknown kind", CreateChatRequest{Kind: "channel", ParticipantIDs: []string{"bob"}}, ErrInvalidArgument},
		{"group name too long", CreateChatRequest{Kind: KindGroup, Name: strings.Repeat("n", 121)}, ErrInvalidArgument},
		{"unknown participant", CreateChatRequest{Kind: KindGroup, Name: "x", ParticipantIDs: []string{"ghost"}}, ErrNotFound},
		{"malformed participant", CreateChatRequest{Kind: KindGroup, Name: "x", ParticipantIDs: []string{"a b"}}, ErrInvalidArgument},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := svc.CreateChat(context.Background(), "alice", tc.in)
			wantKind(t, err, tc.kind)
		})
	}

	_, _, err := svc.CreateChat(context.Background(), "", CreateChatRequest{Kind: KindGroup})
	wantKind(t, err, ErrUnauthenticated)
}

func TestCreateChat_GroupIncludesCreator(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	c := mustCreate(t, svc, "alice", CreateChatRequest{Kind: KindGroup, Name: " Team ", ParticipantIDs: []string{"bob", "bob", " carol "}})

	if c.Name != "Team" {
		t.Fatalf("expected trimmed name, got %q", c.Name)
	}
	if !slices.Equal(c.Members, []string{"alice", "bob", "carol"}) {
		t.Fatalf("unexpected members: %v", c.Members)
	}
	if c.CreatedBy != "alice" {
		t.Fatalf("unexpected creator: %q", c.CreatedBy)
	}
}

func TestSendMessage_Rules(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	c := mustCreate(t, svc, "alice", CreateChatRequest{Kind: KindDirect, ParticipantIDs: []string{"bob"}})

	m, chat, err := svc.SendMessage(ctx, "alice", SendMessageRequest{ChatID: c.ID, Content: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !slices.Equal(m.ReadBy, []string{"alice"}) {
		t.Fatalf("expected readBy={sender}, got %v", m.ReadBy)
	}
	if m.Kind != MessageText {
		t.Fatalf("expected default kind text, got %q", m.Kind)
	}
	if chat.ID != c.ID || len(chat.Members) != 2 {
		t.Fatalf("unexpected chat returned with message: %+v", chat)
	}

	_, _, err = svc.SendMessage(ctx, "mallory", SendMessageRequest{ChatID: c.ID, Content: "hi"})
	wantKind(t, err, ErrForbidden)

	_, _, err = svc.SendMessage(ctx, "alice", SendMessageRequest{ChatID: "missing", Content: "hi"})
	wantKind(t, err, ErrNotFound)

	_, _, err = svc.SendMessage(ctx, "alice", SendMessageRequest{ChatID: c.ID, Content: "   "})
	wantKind(t, err, ErrInvalidArgument)

	_, _, err = svc.SendMessage(ctx, "alice", SendMessageRequest{ChatID: c.ID, Content: strings.Repeat("é", 4001)})
	wantKind(t, err, ErrInvalidArgument)

	if _, _, err := svc.SendMessage(ctx, "alice", SendMessageRequest{ChatID: c.ID, Content: strings.Repeat("é", 4000)}); err != nil {
		t.Fatalf("4000 runes should be accepted: %v", err)
	}

	_, _, err = svc.SendMessage(ctx, "alice", SendMessageRequest{ChatID: c.ID, Kind: MessageImage})
	wantKind(t, err, ErrInvalidArgument)

	img, _, err := svc.SendMessage(ctx, "alice", SendMessageRequest{
		ChatID:         c.ID,
		Kind:           MessageImage,
		AttachmentRefs: []string{"https://cdn.example.com/a.png"},
	})
	if err != nil {
		t.Fatalf("send image: %v", err)
	}
	if img.Kind != MessageImage || len(img.AttachmentRefs) != 1 {
		t.Fatalf("unexpected image message: %+v", img)
	}

	tooMany := make([]string, 11)
	for i := range tooMany {
		tooMany[i] = fmt.Sprintf("https://cdn.example.com/%d", i)
	}
	_, _, err = svc.SendMessage(ctx, "alice", SendMessageRequest{ChatID: c.ID, Kind: MessageFile, AttachmentRefs: tooMany})
	wantKind(t, err, ErrInvalidArgument)
}

func TestListMessages_ChronologicalPages(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	c := mustCreate(t, svc, "alice", CreateChatRequest{Kind: KindDirect, ParticipantIDs: []string{"bob"}})

	for i := 1; i <= 5; i++ {
		mustSend(t, svc, "alice", c.ID, fmt.Sprintf("m%d", i))
	}

	contents := func(p MessagePage) []string {
		out := make([]string, 0, len(p.Messages))
		for _, m := range p.Messages {
			out = append(out, m.Content)
		}
		return out
	}

	p1, err := svc.ListMessages(ctx, "bob", c.ID, 1, 2)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if got := contents(p1); !slices.Equal(got, []string{"m4", "m5"}) || !p1.HasMore {
		t.Fatalf("page 1: got %v hasMore=%v", got, p1.HasMore)
	}

	p3, err := svc.ListMessages(ctx, "bob", c.ID, 3, 2)
	if err != nil {
		t.Fatalf("page 3: %v", err)
	}
	if got := contents(p3); !slices.Equal(got, []string{"m1"}) || p3.HasMore {
		t.Fatalf("page 3: got %v hasMore=%v", got, p3.HasMore)
	}

	p9, err := svc.ListMessages(ctx, "bob", c.ID, 9, 2)
	if err != nil {
		t.Fatalf("page 9: %v", err)
	}
	if len(p9.Messages) != 0 || p9.HasMore {
		t.Fatalf("expected empty final page, got %+v", p9)
	}

	def, err := svc.ListMessages(ctx, "bob", c.ID, 0, 0)
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if def.Page != 1 || def.PageSize != 50 || len(def.Messages) != 5 {
		t.Fatalf("unexpected defaults: page=%d size=%d n=%d", def.Page, def.PageSize, len(def.Messages))
	}

	big, err := svc.ListMessages(ctx, "bob", c.ID, 1, 10_000)
	if err != nil {
		t.Fatalf("clamp: %v", err)
	}
	if big.PageSize != 200 {
		t.Fatalf("expected page size clamped to 200, got %d", big.PageSize)
	}

	_, err = svc.ListMessages(ctx, "mallory", c.ID, 1, 10)
	wantKind(t, err, ErrForbidden)
}

func TestMarkRead_IdempotentAndUnread(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	direct := mustCreate(t, svc, "alice", CreateChatRequest{Kind: KindDirect, ParticipantIDs: []string{"bob"}})
	group := mustCreate(t, svc, "carol", CreateChatRequest{Kind: KindGroup, Name: "g", ParticipantIDs: []string{"bob"}})

	m1 := mustSend(t, svc, "alice", direct.ID, "one")
	mustSend(t, svc, "alice", direct.ID, "two")
	mustSend(t, svc, "carol", group.ID, "three")
	mustSend(t, svc, "bob", group.ID, "own message")

	n, err := svc.UnreadCount(ctx, "bob")
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 unread, got %d", n)
	}

	for range 2 {
		got, err := svc.MarkRead(ctx, "bob", m1.ID)
		if err != nil {
			t.Fatalf("mark read: %v", err)
		}
		if !slices.Equal(got.ReadBy, []string{"alice", "bob"}) {
			t.Fatalf("unexpected readBy: %v", got.ReadBy)
		}
	}

	n, err = svc.UnreadCount(ctx, "bob")
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 unread after read, got %d", n)
	}

	byChat, err := svc.UnreadByChat(ctx, "bob")
	if err != nil {
		t.Fatalf("unread by chat: %v", err)
	}
	if byChat[direct.ID] != 1 || byChat[group.ID] != 1 {
		t.Fatalf("unexpected per-chat unread: %v", byChat)
	}

	_, err = svc.MarkRead(ctx, "mallory", m1.ID)
	wantKind(t, err, ErrForbidden)

	_, err = svc.MarkRead(ctx, "bob", "missing")
	wantKind(t, err, ErrNotFound)

	// Sender's own messages never count.
	n, err = svc.UnreadCount(ctx, "alice")
	if err != nil {
		t.Fatalf("unread alice: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 unread for sender, got %d", n)
	}
}

func TestGroupMembershipRules(t *testing.T) {
	t.Parallel()

	svc, dir := newTestService(t)
	ctx := context.Background()
	dir.Forget("ghost")

	direct := mustCreate(t, svc, "alice", CreateChatRequest{Kind: KindDirect, ParticipantIDs: []string{"bob"}})
	group := mustCreate(t, svc, "alice", CreateChatRequest{Kind: KindGroup, Name: "g", ParticipantIDs: []string{"bob"}})

	_, err := svc.AddParticipants(ctx, "alice", direct.ID, []string{"carol"})
	wantKind(t, err, ErrInvalidOperation)

	_, err = svc.RemoveParticipant(ctx, "alice", direct.ID, "alice")
	wantKind(t, err, ErrInvalidOperation)

	// Direct-chat removal fails on kind even for outsiders.
	_, err = svc.RemoveParticipant(ctx, "mallory", direct.ID, "mallory")
	wantKind(t, err, ErrInvalidOperation)

	_, err = svc.RenameChat(ctx, "alice", direct.ID, "nope")
	wantKind(t, err, ErrInvalidOperation)

	_, err = svc.AddParticipants(ctx, "mallory", group.ID, []string{"carol"})
	wantKind(t, err, ErrForbidden)

	_, err = svc.AddParticipants(ctx, "alice", group.ID, []string{"ghost"})
	wantKind(t, err, ErrNotFound)

	c, err := svc.AddParticipants(ctx, "alice", group.ID, []string{"carol", "bob"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !slices.Equal(c.Members, []string{"alice", "bob", "carol"}) {
		t.Fatalf("expected merged members, got %v", c.Members)
	}

	_, err = svc.RemoveParticipant(ctx, "alice", group.ID, "bob")
	wantKind(t, err, ErrForbidden)

	c, err = svc.RemoveParticipant(ctx, "bob", group.ID, "bob")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if c.HasMember("bob") {
		t.Fatalf("bob should be gone: %v", c.Members)
	}

	_, _, err = svc.SendMessage(ctx, "bob", SendMessageRequest{ChatID: group.ID, Content: "still here?"})
	wantKind(t, err, ErrForbidden)

	renamed, err := svc.RenameChat(ctx, "carol", group.ID, "new name")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if renamed.Name != "new name" {
		t.Fatalf("unexpected name: %q", renamed.Name)
	}
}

func TestRemoveLastMemberDeletesGroup(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	solo := mustCreate(t, svc, "alice", CreateChatRequest{Kind: KindGroup, Name: "notes"})
	mustSend(t, svc, "alice", solo.ID, "todo")

	if _, err := svc.RemoveParticipant(ctx, "alice", solo.ID, "alice"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	_, err := svc.Store().GetChat(ctx, solo.ID)
	wantKind(t, err, ErrNotFound)
}

func TestDeleteChatCascades(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	c := mustCreate(t, svc, "alice", CreateChatRequest{Kind: KindDirect, ParticipantIDs: []string{"bob"}})
	m := mustSend(t, svc, "alice", c.ID, "bye")

	err := svc.DeleteChat(ctx, "mallory", c.ID)
	wantKind(t, err, ErrForbidden)

	if err := svc.DeleteChat(ctx, "bob", c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = svc.GetChat(ctx, "bob", c.ID)
	wantKind(t, err, ErrNotFound)
	_, err = svc.Store().GetMessage(ctx, m.ID)
	wantKind(t, err, ErrNotFound)

	n, err := svc.UnreadCount(ctx, "bob")
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected unread 0 after delete, got %d", n)
	}

	// Pair can start over.
	again, created, err := svc.CreateChat(ctx, "alice", CreateChatRequest{Kind: KindDirect, ParticipantIDs: []string{"bob"}})
	if err != nil || !created || again.ID == c.ID {
		t.Fatalf("expected fresh chat after delete: created=%v err=%v", created, err)
	}
}

func TestListChats_FilterAndOrder(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	d := mustCreate(t, svc, "alice", CreateChatRequest{Kind: KindDirect, ParticipantIDs: []string{"bob"}})
	g1 := mustCreate(t, svc, "alice", CreateChatRequest{Kind: KindGroup, Name: "Backend Team"})
	g2 := mustCreate(t, svc, "alice", CreateChatRequest{Kind: KindGroup, Name: "Frontend"})
	mustCreate(t, svc, "carol", CreateChatRequest{Kind: KindGroup, Name: "Backend private"})

	// Activity moves the direct chat to the top.
	mustSend(t, svc, "bob", d.ID, "ping")

	all, err := svc.ListChats(ctx, "alice", ChatFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	ids := make([]string, 0, len(all.Chats))
	for _, c := range all.Chats {
		ids = append(ids, c.ID)
	}
	if !slices.Equal(ids, []string{d.ID, g2.ID, g1.ID}) || all.Total != 3 {
		t.Fatalf("unexpected order/total: %v total=%d", ids, all.Total)
	}

	groups, err := svc.ListChats(ctx, "alice", ChatFilter{Kind: KindGroup, Query: "backend"})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if groups.Total != 1 || groups.Chats[0].ID != g1.ID {
		t.Fatalf("unexpected filtered result: %+v", groups)
	}

	paged, err := svc.ListChats(ctx, "alice", ChatFilter{Page: 1, PageSize: 2})
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(paged.Chats) != 2 || !paged.HasMore || paged.Total != 3 {
		t.Fatalf("unexpected page: n=%d hasMore=%v total=%d", len(paged.Chats), paged.HasMore, paged.Total)
	}

	_, err = svc.ListChats(ctx, "alice", ChatFilter{Kind: "channel"})
	wantKind(t, err, ErrInvalidArgument)
}

func TestCreateDirect_ConcurrentSamePair(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	const workers = 16
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		ids   = make(map[string]struct{})
		errCh = make(chan error, workers)
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, other := "alice", "bob"
			if i%2 == 1 {
				req, other = other, req
			}
			c, _, err := svc.CreateChat(ctx, req, CreateChatRequest{Kind: KindDirect, ParticipantIDs: []string{other}})
			if err != nil {
				errCh <- err
				return
			}
			mu.Lock()
			ids[c.ID] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("concurrent create: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected exactly one direct chat, got %d", len(ids))
	}
}
