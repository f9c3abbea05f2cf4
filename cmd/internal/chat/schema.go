package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Migrate creates the chat schema and tables when missing.
// It is meant for dev/test bootstrap; production schemas are managed out of band.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.schema}.Sanitize()); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL(s.schema)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func schemaSQL(schema string) string {
	chats := pgIdent(schema, "chats")
	members := pgIdent(schema, "chat_members")
	messages := pgIdent(schema, "messages")
	reads := pgIdent(schema, "message_reads")

	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  id         TEXT PRIMARY KEY,
  kind       TEXT NOT NULL CHECK (kind IN ('direct', 'group')),
  name       TEXT NOT NULL DEFAULT '',
  created_by TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  CONSTRAINT chk_chats_name_len CHECK (char_length(name) <= 120)
);

CREATE INDEX IF NOT EXISTS idx_chats_updated_at ON %[1]s (updated_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS %[2]s (
  chat_id   TEXT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
  user_id   TEXT NOT NULL,
  joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (chat_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_chat_members_user ON %[2]s (user_id, chat_id);

CREATE TABLE IF NOT EXISTS %[3]s (
  id              TEXT PRIMARY KEY,
  seq             BIGINT GENERATED ALWAYS AS IDENTITY,
  chat_id         TEXT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
  sender_id       TEXT NOT NULL,
  kind            TEXT NOT NULL CHECK (kind IN ('text', 'image', 'file')),
  content         TEXT NOT NULL DEFAULT '',
  attachment_refs TEXT[] NOT NULL DEFAULT '{}',
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_chat_seq_desc ON %[3]s (chat_id, seq DESC);

CREATE TABLE IF NOT EXISTS %[4]s (
  message_id TEXT NOT NULL REFERENCES %[3]s(id) ON DELETE CASCADE,
  user_id    TEXT NOT NULL,
  read_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (message_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_message_reads_user ON %[4]s (user_id, message_id);
`, chats, members, messages, reads)
}
