// Package sqlite provides a SQLite-backed messaging storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/meetgrid/messaging/internal/platform/id"
	sqlitemigrate "github.com/meetgrid/messaging/internal/platform/storage/sqlitemigrate"
	"github.com/meetgrid/messaging/internal/storage"
	"github.com/meetgrid/messaging/internal/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists messaging state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite messaging store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// AppendMessage persists body as the next message of the room.
//
// The sequence number is read and written inside one transaction; the
// dispatcher additionally serializes appends per room, so the read-increment
// never races in-process.
func (s *Store) AppendMessage(ctx context.Context, roomKey string, senderID string, body string, sentAt time.Time) (storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return storage.Message{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Message{}, fmt.Errorf("storage is not configured")
	}
	roomKey = strings.TrimSpace(roomKey)
	senderID = strings.TrimSpace(senderID)
	if roomKey == "" {
		return storage.Message{}, fmt.Errorf("room key is required")
	}
	if senderID == "" {
		return storage.Message{}, fmt.Errorf("sender id is required")
	}
	if body == "" {
		return storage.Message{}, fmt.Errorf("body is required")
	}
	if sentAt.IsZero() {
		sentAt = time.Now()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.Message{}, fmt.Errorf("begin message append: %w", err)
	}
	rollbackWith := func(cause error) (storage.Message, error) {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return storage.Message{}, fmt.Errorf("%w: rollback message append: %v", cause, rollbackErr)
		}
		return storage.Message{}, cause
	}

	var nextSeq int64
	if err := tx.QueryRowContext(ctx, `
SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE room_key = ?
`, roomKey).Scan(&nextSeq); err != nil {
		return rollbackWith(fmt.Errorf("next room sequence: %w", err))
	}

	message := storage.Message{
		ID:       id.New(),
		RoomKey:  roomKey,
		SenderID: senderID,
		Body:     body,
		Seq:      nextSeq,
		SentAt:   sentAt.UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (id, room_key, seq, sender_id, body, sent_at)
VALUES (?, ?, ?, ?, ?, ?)
`, message.ID, message.RoomKey, message.Seq, message.SenderID, message.Body, toMillis(message.SentAt)); err != nil {
		if isUniqueConstraintError(err) {
			return rollbackWith(storage.ErrConflict)
		}
		return rollbackWith(fmt.Errorf("insert message: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return storage.Message{}, fmt.Errorf("commit message append: %w", err)
	}
	return message, nil
}

// ListRoomMessagesBefore returns up to limit messages older than beforeSeq in
// ascending sequence order. beforeSeq <= 0 reads from the newest message.
func (s *Store) ListRoomMessagesBefore(ctx context.Context, roomKey string, beforeSeq int64, limit int) (storage.MessagePage, error) {
	if err := ctx.Err(); err != nil {
		return storage.MessagePage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.MessagePage{}, fmt.Errorf("storage is not configured")
	}
	roomKey = strings.TrimSpace(roomKey)
	if roomKey == "" {
		return storage.MessagePage{}, fmt.Errorf("room key is required")
	}
	if limit <= 0 {
		return storage.MessagePage{}, fmt.Errorf("limit must be greater than zero")
	}

	query := `
SELECT id, room_key, seq, sender_id, body, sent_at
FROM messages
WHERE room_key = ?
ORDER BY seq DESC
LIMIT ?
`
	args := []any{roomKey, limit}
	if beforeSeq > 0 {
		query = `
SELECT id, room_key, seq, sender_id, body, sent_at
FROM messages
WHERE room_key = ? AND seq < ?
ORDER BY seq DESC
LIMIT ?
`
		args = []any{roomKey, beforeSeq, limit}
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return storage.MessagePage{}, fmt.Errorf("list room messages: %w", err)
	}
	defer rows.Close()

	newestFirst := make([]storage.Message, 0, limit)
	for rows.Next() {
		message, scanErr := scanMessage(rows.Scan)
		if scanErr != nil {
			return storage.MessagePage{}, fmt.Errorf("scan message row: %w", scanErr)
		}
		newestFirst = append(newestFirst, message)
	}
	if err := rows.Err(); err != nil {
		return storage.MessagePage{}, fmt.Errorf("iterate message rows: %w", err)
	}

	page := storage.MessagePage{
		Messages: make([]storage.Message, 0, len(newestFirst)),
	}
	for i := len(newestFirst) - 1; i >= 0; i-- {
		page.Messages = append(page.Messages, newestFirst[i])
	}
	if len(newestFirst) == limit {
		page.NextBeforeSeq = newestFirst[len(newestFirst)-1].Seq
	}
	return page, nil
}

// ListRoomMessagesAfter returns up to limit messages newer than afterSeq in
// ascending sequence order.
func (s *Store) ListRoomMessagesAfter(ctx context.Context, roomKey string, afterSeq int64, limit int) ([]storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	roomKey = strings.TrimSpace(roomKey)
	if roomKey == "" {
		return nil, fmt.Errorf("room key is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, room_key, seq, sender_id, body, sent_at
FROM messages
WHERE room_key = ? AND seq > ?
ORDER BY seq ASC
LIMIT ?
`, roomKey, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list room messages after: %w", err)
	}
	defer rows.Close()

	results := make([]storage.Message, 0, limit)
	for rows.Next() {
		message, scanErr := scanMessage(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan message row: %w", scanErr)
		}
		results = append(results, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return results, nil
}

// CreateSession inserts one private chat session row.
func (s *Store) CreateSession(ctx context.Context, session storage.ChatSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	session.ID = strings.TrimSpace(session.ID)
	session.PairKey = strings.TrimSpace(session.PairKey)
	session.ParticipantA = strings.TrimSpace(session.ParticipantA)
	session.ParticipantB = strings.TrimSpace(session.ParticipantB)
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if session.PairKey == "" {
		return fmt.Errorf("pair key is required")
	}
	if session.ParticipantA == "" || session.ParticipantB == "" {
		return fmt.Errorf("both participants are required")
	}
	if session.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO chat_sessions (id, pair_key, participant_a, participant_b, created_at)
VALUES (?, ?, ?, ?, ?)
`, session.ID, session.PairKey, session.ParticipantA, session.ParticipantB, toMillis(session.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("create chat session: %w", err)
	}
	return nil
}

// GetSessionByPairKey returns the session owning the canonical participant pair.
func (s *Store) GetSessionByPairKey(ctx context.Context, pairKey string) (storage.ChatSession, error) {
	if err := ctx.Err(); err != nil {
		return storage.ChatSession{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ChatSession{}, fmt.Errorf("storage is not configured")
	}
	pairKey = strings.TrimSpace(pairKey)
	if pairKey == "" {
		return storage.ChatSession{}, fmt.Errorf("pair key is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, pair_key, participant_a, participant_b, created_at
FROM chat_sessions
WHERE pair_key = ?
`, pairKey)
	return scanSessionRow(row.Scan, "get chat session by pair key")
}

// GetSession returns one session by its identifier.
func (s *Store) GetSession(ctx context.Context, sessionID string) (storage.ChatSession, error) {
	if err := ctx.Err(); err != nil {
		return storage.ChatSession{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ChatSession{}, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return storage.ChatSession{}, fmt.Errorf("session id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, pair_key, participant_a, participant_b, created_at
FROM chat_sessions
WHERE id = ?
`, sessionID)
	return scanSessionRow(row.Scan, "get chat session")
}

// ListSessionsByParticipant lists sessions involving one principal, newest first.
func (s *Store) ListSessionsByParticipant(ctx context.Context, principalID string) ([]storage.ChatSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return nil, fmt.Errorf("principal id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, pair_key, participant_a, participant_b, created_at
FROM chat_sessions
WHERE participant_a = ? OR participant_b = ?
ORDER BY created_at DESC, id DESC
`, principalID, principalID)
	if err != nil {
		return nil, fmt.Errorf("list chat sessions: %w", err)
	}
	defer rows.Close()

	var results []storage.ChatSession
	for rows.Next() {
		session, scanErr := scanSession(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan chat session row: %w", scanErr)
		}
		results = append(results, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat session rows: %w", err)
	}
	return results, nil
}

// AppendTelemetryEvent records one operational event row.
func (s *Store) AppendTelemetryEvent(ctx context.Context, event storage.TelemetryEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	event.Name = strings.TrimSpace(event.Name)
	if event.Name == "" {
		return fmt.Errorf("event name is required")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO telemetry_events (name, room_key, principal, created_at)
VALUES (?, ?, ?, ?)
`, event.Name, event.RoomKey, event.Principal, toMillis(event.Timestamp))
	if err != nil {
		return fmt.Errorf("append telemetry event: %w", err)
	}
	return nil
}

type scanner func(dest ...any) error

func scanMessage(scan scanner) (storage.Message, error) {
	var message storage.Message
	var sentAt int64
	if err := scan(
		&message.ID,
		&message.RoomKey,
		&message.Seq,
		&message.SenderID,
		&message.Body,
		&sentAt,
	); err != nil {
		return storage.Message{}, err
	}
	message.SentAt = fromMillis(sentAt)
	return message, nil
}

func scanSession(scan scanner) (storage.ChatSession, error) {
	var session storage.ChatSession
	var createdAt int64
	if err := scan(
		&session.ID,
		&session.PairKey,
		&session.ParticipantA,
		&session.ParticipantB,
		&createdAt,
	); err != nil {
		return storage.ChatSession{}, err
	}
	session.CreatedAt = fromMillis(createdAt)
	return session, nil
}

func scanSessionRow(scan scanner, op string) (storage.ChatSession, error) {
	session, err := scanSession(scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ChatSession{}, storage.ErrNotFound
		}
		return storage.ChatSession{}, fmt.Errorf("%s: %w", op, err)
	}
	return session, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint failed")
}
