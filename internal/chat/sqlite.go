package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable Store. Timestamps are stored as unix nanoseconds
// so range predicates compare numerically.
type SQLiteStore struct {
	db *sqlx.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id                TEXT PRIMARY KEY,
	conversation_key  TEXT NOT NULL,
	sender_id         TEXT NOT NULL,
	recipient_id      TEXT NOT NULL,
	body_text         TEXT NOT NULL DEFAULT '',
	media_ref         TEXT NOT NULL DEFAULT '',
	context_id        TEXT NOT NULL DEFAULT '',
	idempotency_token TEXT,
	created_at        INTEGER NOT NULL,
	delivered_at      INTEGER,
	read_at           INTEGER
);

CREATE INDEX IF NOT EXISTS messages_sender_created ON messages (sender_id, created_at);
CREATE INDEX IF NOT EXISTS messages_recipient_created ON messages (recipient_id, created_at);
CREATE INDEX IF NOT EXISTS messages_key_id ON messages (conversation_key, id);
CREATE UNIQUE INDEX IF NOT EXISTS messages_sender_token ON messages (sender_id, idempotency_token);

CREATE TABLE IF NOT EXISTS read_watermarks (
	participant_id   TEXT NOT NULL,
	conversation_key TEXT NOT NULL,
	read_through     INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	PRIMARY KEY (participant_id, conversation_key)
);
`

const messageColumns = `id, conversation_key, sender_id, recipient_id, body_text, media_ref, context_id, idempotency_token, created_at, delivered_at, read_at`

type messageRow struct {
	ID               string         `db:"id"`
	ConversationKey  string         `db:"conversation_key"`
	SenderID         string         `db:"sender_id"`
	RecipientID      string         `db:"recipient_id"`
	BodyText         string         `db:"body_text"`
	MediaRef         string         `db:"media_ref"`
	ContextID        string         `db:"context_id"`
	IdempotencyToken sql.NullString `db:"idempotency_token"`
	CreatedAt        int64          `db:"created_at"`
	DeliveredAt      sql.NullInt64  `db:"delivered_at"`
	ReadAt           sql.NullInt64  `db:"read_at"`
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func (r messageRow) message() Message {
	m := Message{
		ID:               r.ID,
		ConversationKey:  ConversationKey(r.ConversationKey),
		SenderID:         r.SenderID,
		RecipientID:      r.RecipientID,
		Body:             Body{Text: r.BodyText, MediaRef: r.MediaRef},
		ContextID:        r.ContextID,
		IdempotencyToken: r.IdempotencyToken.String,
		CreatedAt:        fromNanos(r.CreatedAt),
	}
	if r.DeliveredAt.Valid {
		t := fromNanos(r.DeliveredAt.Int64)
		m.DeliveredAt = &t
	}
	if r.ReadAt.Valid {
		t := fromNanos(r.ReadAt.Int64)
		m.ReadAt = &t
	}
	return m
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Append(ctx context.Context, m Message) (Message, bool, error) {
	token := sql.NullString{String: m.IdempotencyToken, Valid: m.IdempotencyToken != ""}
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.ConversationKey), m.SenderID, m.RecipientID, m.Body.Text, m.Body.MediaRef,
		m.ContextID, token, m.CreatedAt.UnixNano(), nullableNanos(m.DeliveredAt), nullableNanos(m.ReadAt))
	if err != nil {
		return Message{}, false, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Message{}, false, err
	}
	if n == 1 {
		return m.clone(), false, nil
	}
	// Lost the race on (sender_id, idempotency_token) or on the id itself.
	if m.IdempotencyToken != "" {
		existing, ok, err := s.FindByToken(ctx, m.SenderID, m.IdempotencyToken)
		if err != nil {
			return Message{}, false, err
		}
		if ok {
			return existing, true, nil
		}
	}
	existing, err := s.Get(ctx, m.ID)
	if err != nil {
		return Message{}, false, err
	}
	return existing, true, nil
}

func (s *SQLiteStore) FindByToken(ctx context.Context, senderID, token string) (Message, bool, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages
		WHERE sender_id = ? AND idempotency_token = ?`, senderID, token)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	return row.message(), true, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrMessageNotFound
	}
	if err != nil {
		return Message{}, err
	}
	return row.message(), nil
}

type headRow struct {
	ConversationKey string `db:"conversation_key"`
	LastID          string `db:"last_id"`
	Unread          int    `db:"unread"`
}

// ConversationHeads aggregates in SQL. The two halves of the UNION use the
// sender and recipient indexes; the viewer never sees other people's rows.
func (s *SQLiteStore) ConversationHeads(ctx context.Context, viewer, before string, limit int) ([]ConversationHead, error) {
	q := `SELECT conversation_key, MAX(id) AS last_id, SUM(unread) AS unread FROM (
			SELECT conversation_key, id, 0 AS unread FROM messages WHERE sender_id = ?
			UNION ALL
			SELECT conversation_key, id, CASE WHEN read_at IS NULL THEN 1 ELSE 0 END AS unread
				FROM messages WHERE recipient_id = ?
		) GROUP BY conversation_key`
	args := []any{viewer, viewer}
	if before != "" {
		q += ` HAVING MAX(id) < ?`
		args = append(args, before)
	}
	q += ` ORDER BY last_id DESC LIMIT ?`
	args = append(args, limit)

	var heads []headRow
	if err := s.db.SelectContext(ctx, &heads, q, args...); err != nil {
		return nil, fmt.Errorf("aggregate conversations: %w", err)
	}
	if len(heads) == 0 {
		return []ConversationHead{}, nil
	}

	ids := make([]string, 0, len(heads))
	for _, h := range heads {
		ids = append(ids, h.LastID)
	}
	query, inArgs, err := sqlx.In(`SELECT `+messageColumns+` FROM messages WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), inArgs...); err != nil {
		return nil, fmt.Errorf("load last messages: %w", err)
	}
	byID := make(map[string]Message, len(rows))
	for _, r := range rows {
		byID[r.ID] = r.message()
	}

	out := make([]ConversationHead, 0, len(heads))
	for _, h := range heads {
		last, ok := byID[h.LastID]
		if !ok {
			continue
		}
		out = append(out, ConversationHead{
			Key:         ConversationKey(h.ConversationKey),
			Counterpart: last.Counterpart(viewer),
			LastMessage: last,
			UnreadCount: h.Unread,
		})
	}
	return out, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, key ConversationKey, q MessageQuery) ([]Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_key = ?`
	args := []any{string(key)}
	if q.AfterID != "" {
		query += ` AND id > ?`
		args = append(args, q.AfterID)
	}
	if !q.Since.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, q.Since.UnixNano())
	}
	query += ` ORDER BY id ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.message())
	}
	return out, nil
}

func markReadTx(ctx context.Context, tx *sqlx.Tx, viewer string, key ConversationKey, through time.Time) (int, error) {
	res, err := tx.ExecContext(ctx, `UPDATE messages SET read_at = ?
		WHERE conversation_key = ? AND recipient_id = ? AND read_at IS NULL AND created_at <= ?`,
		through.UnixNano(), string(key), viewer, through.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO read_watermarks (participant_id, conversation_key, read_through, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (participant_id, conversation_key) DO UPDATE SET
			read_through = MAX(read_through, excluded.read_through),
			updated_at = excluded.updated_at`,
		viewer, string(key), through.UnixNano(), through.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("advance watermark: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) MarkRead(ctx context.Context, viewer string, key ConversationKey, through time.Time) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	n, err := markReadTx(ctx, tx, viewer, key, through)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLiteStore) MarkAllRead(ctx context.Context, viewer string, through time.Time) (map[ConversationKey]int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var keys []string
	if err := tx.SelectContext(ctx, &keys, `SELECT DISTINCT conversation_key FROM messages
		WHERE recipient_id = ? AND read_at IS NULL AND created_at <= ?`, viewer, through.UnixNano()); err != nil {
		return nil, fmt.Errorf("find unread conversations: %w", err)
	}
	out := map[ConversationKey]int{}
	for _, k := range keys {
		n, err := markReadTx(ctx, tx, viewer, ConversationKey(k), through)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			out[ConversationKey(k)] = n
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET delivered_at = ? WHERE id = ? AND delivered_at IS NULL`,
		at.UTC().UnixNano(), id)
	if err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	var exists int
	if err := s.db.GetContext(ctx, &exists, `SELECT COUNT(1) FROM messages WHERE id = ?`, id); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, ErrMessageNotFound
	}
	return false, nil
}

func (s *SQLiteStore) Watermark(ctx context.Context, viewer string, key ConversationKey) (time.Time, bool, error) {
	var through int64
	err := s.db.GetContext(ctx, &through, `SELECT read_through FROM read_watermarks
		WHERE participant_id = ? AND conversation_key = ?`, viewer, string(key))
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return fromNanos(through), true, nil
}

var _ Store = (*SQLiteStore)(nil)
