// Package pgxlog implements storage.MessageLog and storage.GroupMessageLog
// over PostgreSQL via pgx, the wide-column-log adapter named in spec.md
// §6.3. Grounded on histeeria-Histeeria's go.mod choice of
// github.com/jackc/pgx/v5 — the teacher repo has no wide-column store of
// its own, so this is pack-wide enrichment rather than a direct port.
package pgxlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wireline/internal/storage"
)

// Store implements both log interfaces over two tables created at
// startup if absent, per spec.md §6.3.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to PostgreSQL and ensures the messages/group_messages
// schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxlog: connect: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
			conversation_id   uuid NOT NULL,
			message_id        uuid NOT NULL,
			sender_user_id    uuid NOT NULL,
			sender_device_id  uuid NOT NULL,
			recipient_user_id uuid NOT NULL,
			ciphertext        bytea NOT NULL,
			msg_type          text NOT NULL,
			server_timestamp  bigint NOT NULL,
			client_timestamp  bigint NOT NULL,
			deleted           boolean NOT NULL DEFAULT false,
			PRIMARY KEY (conversation_id, message_id)
		);
		CREATE INDEX IF NOT EXISTS messages_conv_msg_desc
			ON messages (conversation_id, message_id DESC);

		CREATE TABLE IF NOT EXISTS group_messages (
			group_id          uuid NOT NULL,
			message_id        uuid NOT NULL,
			sender_user_id    uuid NOT NULL,
			sender_device_id  uuid NOT NULL,
			ciphertext        bytea NOT NULL,
			epoch             bigint NOT NULL,
			server_timestamp  bigint NOT NULL,
			deleted           boolean NOT NULL DEFAULT false,
			PRIMARY KEY (group_id, message_id)
		);
		CREATE INDEX IF NOT EXISTS group_messages_group_msg_desc
			ON group_messages (group_id, message_id DESC);
	`)
	if err != nil {
		return fmt.Errorf("pgxlog: migrate: %w", err)
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, msg storage.LogMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (conversation_id, message_id, sender_user_id, sender_device_id,
			recipient_user_id, ciphertext, msg_type, server_timestamp, client_timestamp, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		msg.ConversationID, msg.MessageID, msg.SenderUserID, msg.SenderDeviceID,
		msg.RecipientUserID, msg.Ciphertext, msg.Type, msg.ServerTimestamp, msg.ClientTimestamp, msg.Deleted)
	if err != nil {
		return fmt.Errorf("pgxlog: append message: %w", err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, conversationID, messageID uuid.UUID) (*storage.LogMessage, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT conversation_id, message_id, sender_user_id, sender_device_id,
			recipient_user_id, ciphertext, msg_type, server_timestamp, client_timestamp, deleted
		FROM messages WHERE conversation_id = $1 AND message_id = $2`, conversationID, messageID)

	var m storage.LogMessage
	err := row.Scan(&m.ConversationID, &m.MessageID, &m.SenderUserID, &m.SenderDeviceID,
		&m.RecipientUserID, &m.Ciphertext, &m.Type, &m.ServerTimestamp, &m.ClientTimestamp, &m.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgxlog: get message: %w", err)
	}
	return &m, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID, beforeMessageID *uuid.UUID, limit int) ([]storage.LogMessage, error) {
	var rows pgx.Rows
	var err error
	if beforeMessageID != nil {
		rows, err = s.pool.Query(ctx, `
			SELECT conversation_id, message_id, sender_user_id, sender_device_id,
				recipient_user_id, ciphertext, msg_type, server_timestamp, client_timestamp, deleted
			FROM messages
			WHERE conversation_id = $1 AND message_id < $2 AND deleted = false
			ORDER BY message_id DESC LIMIT $3`, conversationID, *beforeMessageID, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT conversation_id, message_id, sender_user_id, sender_device_id,
				recipient_user_id, ciphertext, msg_type, server_timestamp, client_timestamp, deleted
			FROM messages
			WHERE conversation_id = $1 AND deleted = false
			ORDER BY message_id DESC LIMIT $2`, conversationID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("pgxlog: list messages: %w", err)
	}
	defer rows.Close()

	var out []storage.LogMessage
	for rows.Next() {
		var m storage.LogMessage
		if err := rows.Scan(&m.ConversationID, &m.MessageID, &m.SenderUserID, &m.SenderDeviceID,
			&m.RecipientUserID, &m.Ciphertext, &m.Type, &m.ServerTimestamp, &m.ClientTimestamp, &m.Deleted); err != nil {
			return nil, fmt.Errorf("pgxlog: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) MarkDeleted(ctx context.Context, conversationID, messageID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE messages SET deleted = true WHERE conversation_id = $1 AND message_id = $2`,
		conversationID, messageID)
	if err != nil {
		return fmt.Errorf("pgxlog: mark deleted: %w", err)
	}
	return nil
}

func (s *Store) ClearConversation(ctx context.Context, conversationID uuid.UUID) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET deleted = true WHERE conversation_id = $1 AND deleted = false`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("pgxlog: clear conversation: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) AppendGroupMessage(ctx context.Context, msg storage.LogGroupMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO group_messages (group_id, message_id, sender_user_id, sender_device_id,
			ciphertext, epoch, server_timestamp, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.GroupID, msg.MessageID, msg.SenderUserID, msg.SenderDeviceID,
		msg.Ciphertext, msg.Epoch, msg.ServerTimestamp, msg.Deleted)
	if err != nil {
		return fmt.Errorf("pgxlog: append group message: %w", err)
	}
	return nil
}

func (s *Store) GetGroupMessage(ctx context.Context, groupID, messageID uuid.UUID) (*storage.LogGroupMessage, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT group_id, message_id, sender_user_id, sender_device_id, ciphertext, epoch, server_timestamp, deleted
		FROM group_messages WHERE group_id = $1 AND message_id = $2`, groupID, messageID)

	var m storage.LogGroupMessage
	err := row.Scan(&m.GroupID, &m.MessageID, &m.SenderUserID, &m.SenderDeviceID, &m.Ciphertext, &m.Epoch, &m.ServerTimestamp, &m.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgxlog: get group message: %w", err)
	}
	return &m, nil
}

func (s *Store) ListGroupMessages(ctx context.Context, groupID uuid.UUID, beforeMessageID *uuid.UUID, limit int) ([]storage.LogGroupMessage, error) {
	var rows pgx.Rows
	var err error
	if beforeMessageID != nil {
		rows, err = s.pool.Query(ctx, `
			SELECT group_id, message_id, sender_user_id, sender_device_id, ciphertext, epoch, server_timestamp, deleted
			FROM group_messages
			WHERE group_id = $1 AND message_id < $2 AND deleted = false
			ORDER BY message_id DESC LIMIT $3`, groupID, *beforeMessageID, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT group_id, message_id, sender_user_id, sender_device_id, ciphertext, epoch, server_timestamp, deleted
			FROM group_messages
			WHERE group_id = $1 AND deleted = false
			ORDER BY message_id DESC LIMIT $2`, groupID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("pgxlog: list group messages: %w", err)
	}
	defer rows.Close()

	var out []storage.LogGroupMessage
	for rows.Next() {
		var m storage.LogGroupMessage
		if err := rows.Scan(&m.GroupID, &m.MessageID, &m.SenderUserID, &m.SenderDeviceID, &m.Ciphertext, &m.Epoch, &m.ServerTimestamp, &m.Deleted); err != nil {
			return nil, fmt.Errorf("pgxlog: scan group message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) MarkGroupDeleted(ctx context.Context, groupID, messageID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE group_messages SET deleted = true WHERE group_id = $1 AND message_id = $2`,
		groupID, messageID)
	if err != nil {
		return fmt.Errorf("pgxlog: mark group deleted: %w", err)
	}
	return nil
}
