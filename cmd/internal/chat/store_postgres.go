package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tasklane/cmd/identity/ids"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Direct chat creation takes a transactional advisory lock keyed by the sorted member pair,
//     so two concurrent creates for the same pair yield one chat.
//   - Group mutations lock the chat row (FOR UPDATE).
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "tasklane").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "tasklane",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) tables() (chats, members, messages, reads string) {
	return pgIdent(s.schema, "chats"),
		pgIdent(s.schema, "chat_members"),
		pgIdent(s.schema, "messages"),
		pgIdent(s.schema, "message_reads")
}

func (s *PostgresStore) begin(ctx context.Context) (pgx.Tx, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	return s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
}

func (s *PostgresStore) chatSelect() string {
	chats, members, _, _ := s.tables()
	return `SELECT c.id, c.kind, c.name, c.created_by, c.created_at, c.updated_at,
	               ARRAY(SELECT m.user_id FROM ` + members + ` m WHERE m.chat_id = c.id ORDER BY m.user_id)
	          FROM ` + chats + ` c`
}

func scanChat(row pgx.Row) (Chat, error) {
	var (
		c    Chat
		kind string
	)
	if err := row.Scan(&c.ID, &kind, &c.Name, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt, &c.Members); err != nil {
		return Chat{}, err
	}
	c.Kind = Kind(kind)
	if c.Members == nil {
		c.Members = []string{}
	}
	return c, nil
}

func (s *PostgresStore) readChat(ctx context.Context, q queryer, op, chatID string) (Chat, error) {
	c, err := scanChat(q.QueryRow(ctx, s.chatSelect()+` WHERE c.id = $1`, chatID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, notFound(op, "chat")
	}
	return c, err
}

func (s *PostgresStore) CreateChat(ctx context.Context, in CreateChatInput) (Chat, bool, error) {
	const op = "chat.CreateChat"
	members, err := in.memberSet(op)
	if err != nil {
		return Chat{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return Chat{}, false, err
	}
	now := nowOr(in.Now)

	tx, err := s.begin(ctx)
	if err != nil {
		return Chat{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	chats, memberTable, _, _ := s.tables()

	if in.Kind == KindDirect {
		// Serialize creates for the same pair; the exact-set lookup below is then race-free.
		lockKey := "direct:" + strings.Join(members, ":")
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey); err != nil {
			return Chat{}, false, fmt.Errorf("advisory lock: %w", err)
		}

		var existingID string
		err := tx.QueryRow(ctx,
			`SELECT c.id
			   FROM `+chats+` c
			   JOIN `+memberTable+` m ON m.chat_id = c.id
			  WHERE c.kind = 'direct'
			    AND c.id IN (SELECT chat_id FROM `+memberTable+` WHERE user_id = ANY($1))
			  GROUP BY c.id
			 HAVING count(*) = 2 AND bool_and(m.user_id = ANY($1))
			  LIMIT 1`,
			members,
		).Scan(&existingID)
		switch {
		case err == nil:
			existing, err := s.readChat(ctx, tx, op, existingID)
			if err != nil {
				return Chat{}, false, err
			}
			if err := tx.Commit(ctx); err != nil {
				return Chat{}, false, err
			}
			return existing, false, nil
		case !errors.Is(err, pgx.ErrNoRows):
			return Chat{}, false, fmt.Errorf("find direct chat: %w", err)
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

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+chats+` (id, kind, name, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)`,
		id, string(in.Kind), name, in.CreatorID, now,
	); err != nil {
		return Chat{}, false, fmt.Errorf("insert chat: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+memberTable+` (chat_id, user_id, joined_at)
		 SELECT $1, u, $3 FROM unnest($2::text[]) AS u`,
		id, members, now,
	); err != nil {
		return Chat{}, false, fmt.Errorf("insert members: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Chat{}, false, err
	}
	return Chat{
		ID:        id,
		Name:      name,
		Kind:      in.Kind,
		Members:   members,
		CreatedBy: in.CreatorID,
		CreatedAt: now,
		UpdatedAt: now,
	}, true, nil
}

func (s *PostgresStore) FindChatsForUser(ctx context.Context, userID string, f ChatFilter) (ChatPage, error) {
	if s == nil || s.pool == nil {
		return ChatPage{}, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return ChatPage{}, err
	}
	page, size := normalizePage(f.Page, f.PageSize)
	_, members, _, _ := s.tables()

	where := ` JOIN ` + members + ` me ON me.chat_id = c.id AND me.user_id = $1
	          WHERE ($2::text = '' OR c.kind = $2)
	            AND ($3::text = '' OR c.name ILIKE '%' || $3 || '%')`
	args := []any{userID, string(f.Kind), escapeLike(strings.TrimSpace(f.Query))}

	out := ChatPage{Page: page, PageSize: size, Chats: []Chat{}}

	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+pgIdent(s.schema, "chats")+` c`+where, args...,
	).Scan(&out.Total); err != nil {
		return ChatPage{}, err
	}

	rows, err := s.pool.Query(ctx,
		s.chatSelect()+where+`
		  ORDER BY c.updated_at DESC, c.id DESC
		  LIMIT $4 OFFSET $5`,
		append(args, size, (page-1)*size)...,
	)
	if err != nil {
		return ChatPage{}, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return ChatPage{}, err
		}
		out.Chats = append(out.Chats, c)
	}
	if err := rows.Err(); err != nil {
		return ChatPage{}, err
	}

	out.HasMore = (page-1)*size+len(out.Chats) < out.Total
	return out, nil
}

func (s *PostgresStore) GetChat(ctx context.Context, chatID string) (Chat, error) {
	if s == nil || s.pool == nil {
		return Chat{}, errors.New("chat: nil store")
	}
	return s.readChat(ctx, s.pool, "chat.GetChat", chatID)
}

// lockGroup locks the chat row and enforces the group-only rule.
func (s *PostgresStore) lockGroup(ctx context.Context, tx pgx.Tx, op, chatID string) error {
	var kind string
	err := tx.QueryRow(ctx,
		`SELECT kind FROM `+pgIdent(s.schema, "chats")+` WHERE id = $1 FOR UPDATE`, chatID,
	).Scan(&kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(op, "chat")
	}
	if err != nil {
		return err
	}
	if Kind(kind) != KindGroup {
		return invalidOperation(op, "operation is only allowed on group chats")
	}
	return nil
}

func (s *PostgresStore) touchChat(ctx context.Context, tx pgx.Tx, chatID string, now time.Time) error {
	_, err := tx.Exec(ctx, `UPDATE `+pgIdent(s.schema, "chats")+` SET updated_at = $2 WHERE id = $1`, chatID, now)
	return err
}

func (s *PostgresStore) RenameChat(ctx context.Context, chatID, name string, now time.Time) (Chat, error) {
	const op = "chat.RenameChat"
	tx, err := s.begin(ctx)
	if err != nil {
		return Chat{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.lockGroup(ctx, tx, op, chatID); err != nil {
		return Chat{}, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "chats")+` SET name = $2, updated_at = $3 WHERE id = $1`,
		chatID, strings.TrimSpace(name), nowOr(now),
	); err != nil {
		return Chat{}, fmt.Errorf("rename chat: %w", err)
	}
	c, err := s.readChat(ctx, tx, op, chatID)
	if err != nil {
		return Chat{}, err
	}
	return c, tx.Commit(ctx)
}

func (s *PostgresStore) AddMembers(ctx context.Context, chatID string, userIDs []string, now time.Time) (Chat, error) {
	const op = "chat.AddMembers"
	now = nowOr(now)
	tx, err := s.begin(ctx)
	if err != nil {
		return Chat{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.lockGroup(ctx, tx, op, chatID); err != nil {
		return Chat{}, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "chat_members")+` (chat_id, user_id, joined_at)
		 SELECT $1, u, $3 FROM unnest($2::text[]) AS u WHERE u <> ''
		 ON CONFLICT (chat_id, user_id) DO NOTHING`,
		chatID, userIDs, now,
	); err != nil {
		return Chat{}, fmt.Errorf("add members: %w", err)
	}
	if err := s.touchChat(ctx, tx, chatID, now); err != nil {
		return Chat{}, err
	}
	c, err := s.readChat(ctx, tx, op, chatID)
	if err != nil {
		return Chat{}, err
	}
	return c, tx.Commit(ctx)
}

func (s *PostgresStore) RemoveMember(ctx context.Context, chatID, userID, requesterID string, now time.Time) (Chat, error) {
	const op = "chat.RemoveMember"
	now = nowOr(now)
	tx, err := s.begin(ctx)
	if err != nil {
		return Chat{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.lockGroup(ctx, tx, op, chatID); err != nil {
		return Chat{}, err
	}
	if userID != requesterID {
		return Chat{}, forbidden(op, "members can only remove themselves")
	}

	chats, members, _, _ := s.tables()
	tag, err := tx.Exec(ctx, `DELETE FROM `+members+` WHERE chat_id = $1 AND user_id = $2`, chatID, userID)
	if err != nil {
		return Chat{}, fmt.Errorf("remove member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Chat{}, forbidden(op, "not a member of this chat")
	}
	if err := s.touchChat(ctx, tx, chatID, now); err != nil {
		return Chat{}, err
	}
	c, err := s.readChat(ctx, tx, op, chatID)
	if err != nil {
		return Chat{}, err
	}
	if len(c.Members) == 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM `+chats+` WHERE id = $1`, chatID); err != nil {
			return Chat{}, fmt.Errorf("delete empty chat: %w", err)
		}
	}
	return c, tx.Commit(ctx)
}

func (s *PostgresStore) DeleteChat(ctx context.Context, chatID string) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+pgIdent(s.schema, "chats")+` WHERE id = $1`, chatID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("chat.DeleteChat", "chat")
	}
	return nil
}

func (s *PostgresStore) messageSelect() string {
	_, _, messages, reads := s.tables()
	return `SELECT m.id, m.chat_id, m.sender_id, m.kind, m.content, m.attachment_refs, m.created_at, m.updated_at,
	               ARRAY(SELECT r.user_id FROM ` + reads + ` r WHERE r.message_id = m.id ORDER BY r.read_at, r.user_id)
	          FROM ` + messages + ` m`
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m    Message
		kind string
	)
	if err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &kind, &m.Content, &m.AttachmentRefs, &m.CreatedAt, &m.UpdatedAt, &m.ReadBy); err != nil {
		return Message{}, err
	}
	m.Kind = MessageKind(kind)
	if m.AttachmentRefs == nil {
		m.AttachmentRefs = []string{}
	}
	return m, nil
}

func (s *PostgresStore) readMessage(ctx context.Context, q queryer, op, messageID string) (Message, error) {
	m, err := scanMessage(q.QueryRow(ctx, s.messageSelect()+` WHERE m.id = $1`, messageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, notFound(op, "message")
	}
	return m, err
}

// requireMember locks the chat row for share and checks userID's membership.
func (s *PostgresStore) requireMember(ctx context.Context, tx pgx.Tx, op, chatID, userID, msg string) error {
	chats, members, _, _ := s.tables()
	var exists, member bool
	err := tx.QueryRow(ctx,
		`SELECT true,
		        EXISTS (SELECT 1 FROM `+members+` WHERE chat_id = c.id AND user_id = $2)
		   FROM `+chats+` c
		  WHERE c.id = $1
		    FOR SHARE OF c`,
		chatID, userID,
	).Scan(&exists, &member)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(op, "chat")
	}
	if err != nil {
		return err
	}
	if !member {
		return forbidden(op, msg)
	}
	return nil
}

func (s *PostgresStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
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
	refs := in.AttachmentRefs
	if refs == nil {
		refs = []string{}
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.requireMember(ctx, tx, op, in.ChatID, in.SenderID, "sender is not a member of this chat"); err != nil {
		return Message{}, err
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}
	_, _, messages, reads := s.tables()

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (id, chat_id, sender_id, kind, content, attachment_refs, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		id, in.ChatID, in.SenderID, string(kind), in.Content, refs, now,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+reads+` (message_id, user_id, read_at) VALUES ($1, $2, $3)`,
		id, in.SenderID, now,
	); err != nil {
		return Message{}, fmt.Errorf("insert sender read: %w", err)
	}
	if err := s.touchChat(ctx, tx, in.ChatID, now); err != nil {
		return Message{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}
	return Message{
		ID:             id,
		ChatID:         in.ChatID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Kind:           kind,
		AttachmentRefs: refs,
		ReadBy:         []string{in.SenderID},
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	return s.readMessage(ctx, s.pool, "chat.GetMessage", messageID)
}

func (s *PostgresStore) ListMessages(ctx context.Context, chatID string, page, pageSize int) (MessagePage, error) {
	if s == nil || s.pool == nil {
		return MessagePage{}, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return MessagePage{}, err
	}
	page, size := normalizePage(page, pageSize)

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+pgIdent(s.schema, "chats")+` WHERE id = $1)`, chatID,
	).Scan(&exists); err != nil {
		return MessagePage{}, err
	}
	if !exists {
		return MessagePage{}, notFound("chat.ListMessages", "chat")
	}

	fetch := size + 1
	rows, err := s.pool.Query(ctx,
		s.messageSelect()+`
		  WHERE m.chat_id = $1
		  ORDER BY m.seq DESC
		  LIMIT $2 OFFSET $3`,
		chatID, fetch, (page-1)*size,
	)
	if err != nil {
		return MessagePage{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return MessagePage{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return MessagePage{}, err
	}

	hasMore := len(msgs) > size
	if hasMore {
		msgs = msgs[:size]
	}
	return MessagePage{Messages: msgs, Page: page, PageSize: size, HasMore: hasMore}, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, messageID, userID string, now time.Time) (Message, error) {
	const op = "chat.MarkRead"
	if userID == "" {
		return Message{}, invalidArgument(op, "user id is required")
	}
	now = nowOr(now)

	tx, err := s.begin(ctx)
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, _, messages, reads := s.tables()

	var chatID string
	err = tx.QueryRow(ctx, `SELECT chat_id FROM `+messages+` WHERE id = $1`, messageID).Scan(&chatID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, notFound(op, "message")
	}
	if err != nil {
		return Message{}, err
	}
	if err := s.requireMember(ctx, tx, op, chatID, userID, "not a member of this chat"); err != nil {
		return Message{}, err
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO `+reads+` (message_id, user_id, read_at) VALUES ($1, $2, $3)
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		messageID, userID, now,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert read: %w", err)
	}
	if tag.RowsAffected() > 0 {
		if _, err := tx.Exec(ctx, `UPDATE `+messages+` SET updated_at = $2 WHERE id = $1`, messageID, now); err != nil {
			return Message{}, err
		}
	}

	m, err := s.readMessage(ctx, tx, op, messageID)
	if err != nil {
		return Message{}, err
	}
	return m, tx.Commit(ctx)
}

func (s *PostgresStore) unreadFrom() string {
	_, members, messages, reads := s.tables()
	return ` FROM ` + messages + ` m
	         JOIN ` + members + ` cm ON cm.chat_id = m.chat_id AND cm.user_id = $1
	        WHERE m.sender_id <> $1
	          AND NOT EXISTS (SELECT 1 FROM ` + reads + ` r WHERE r.message_id = m.id AND r.user_id = $1)`
}

func (s *PostgresStore) CountUnreadForUser(ctx context.Context, userID string) (int, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("chat: nil store")
	}
	if userID == "" {
		return 0, errors.New("chat: empty user id")
	}
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*)`+s.unreadFrom(), userID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *PostgresStore) CountUnreadByChat(ctx context.Context, userID string) (map[string]int, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if userID == "" {
		return nil, errors.New("chat: empty user id")
	}
	rows, err := s.pool.Query(ctx, `SELECT m.chat_id, count(*)`+s.unreadFrom()+` GROUP BY m.chat_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			chatID string
			n      int
		)
		if err := rows.Scan(&chatID, &n); err != nil {
			return nil, err
		}
		out[chatID] = n
	}
	return out, rows.Err()
}

// escapeLike escapes ILIKE metacharacters using the default backslash escape.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
