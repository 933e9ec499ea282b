// Package storage defines the persistence contracts for the messaging core.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested message or session record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a requested write conflicts with uniqueness constraints.
	ErrConflict = errors.New("record conflict")
)

// Message stores one persisted room message. Once written a message is
// immutable; Seq is assigned by the store and is strictly increasing with no
// gaps inside its room.
type Message struct {
	ID       string
	RoomKey  string
	SenderID string
	Body     string
	Seq      int64
	SentAt   time.Time
}

// MessagePage stores a paged room history result in ascending sequence order.
type MessagePage struct {
	Messages []Message
	// NextBeforeSeq is the cursor for the next older page, zero when exhausted.
	NextBeforeSeq int64
}

// ChatSession stores one private 1:1 conversation between two principals.
// PairKey is the canonical sorted participant pair; at most one session
// exists per pair.
type ChatSession struct {
	ID           string
	PairKey      string
	ParticipantA string
	ParticipantB string
	CreatedAt    time.Time
}

// TelemetryEvent stores one operational event record.
type TelemetryEvent struct {
	Name      string
	RoomKey   string
	Principal string
	Timestamp time.Time
}

// MessageStore persists room messages and serves history reads.
type MessageStore interface {
	// AppendMessage persists body as the next message of the room, assigning
	// the room's next sequence number. The caller serializes appends per room.
	AppendMessage(ctx context.Context, roomKey string, senderID string, body string, sentAt time.Time) (Message, error)
	// ListRoomMessagesBefore returns up to limit messages with seq < beforeSeq
	// in ascending order. beforeSeq <= 0 means "from the newest".
	ListRoomMessagesBefore(ctx context.Context, roomKey string, beforeSeq int64, limit int) (MessagePage, error)
	// ListRoomMessagesAfter returns up to limit messages with seq > afterSeq in
	// ascending order, for reconnect catch-up reads.
	ListRoomMessagesAfter(ctx context.Context, roomKey string, afterSeq int64, limit int) ([]Message, error)
}

// SessionStore persists private chat sessions.
type SessionStore interface {
	// CreateSession inserts the session; it fails with ErrConflict when another
	// session already holds the same pair key.
	CreateSession(ctx context.Context, session ChatSession) error
	GetSessionByPairKey(ctx context.Context, pairKey string) (ChatSession, error)
	GetSession(ctx context.Context, sessionID string) (ChatSession, error)
	ListSessionsByParticipant(ctx context.Context, principalID string) ([]ChatSession, error)
}

// TelemetryStore records operational telemetry events.
type TelemetryStore interface {
	AppendTelemetryEvent(ctx context.Context, event TelemetryEvent) error
}
