package realtime

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	apperrors "github.com/meetgrid/messaging/internal/errors"
	"github.com/meetgrid/messaging/internal/storage"
	"github.com/meetgrid/messaging/internal/telemetry"
)

const (
	maxMessageBodyRunes = 2000

	// outboundBuffer bounds each connection's event queue. A consumer that
	// falls further behind than this loses deliveries instead of blocking the
	// room; the reconciliation contract recovers the gap from history.
	outboundBuffer = 64
)

// EventKind discriminates outbound connection events.
type EventKind string

const (
	// EventMessage carries one persisted room message.
	EventMessage EventKind = "message"
	// EventTyping carries a transient typing indicator; never persisted.
	EventTyping EventKind = "typing"
)

// Event is one outbound delivery queued to a connection.
type Event struct {
	Kind    EventKind
	RoomKey string
	// Message is set for EventMessage.
	Message storage.Message
	// SenderID is set for EventTyping.
	SenderID string
}

// Conn is one live connection's outbound delivery queue. The dispatcher
// enqueues; the transport layer drains Events and writes to the wire, so
// producer pacing never couples to consumer pacing.
type Conn struct {
	id     string
	mu     sync.Mutex
	closed bool
	events chan Event
}

// ID returns the transport-assigned connection identifier.
func (c *Conn) ID() string {
	return c.id
}

// Events returns the connection's outbound event stream. The channel closes
// when the connection is disconnected.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// enqueue offers an event without blocking. It reports false when the
// connection is closed or its queue is full; the caller treats both as a
// skipped best-effort delivery.
func (c *Conn) enqueue(event Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.events <- event:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	c.mu.Unlock()
}

// SessionChecker authorizes private chat room subscriptions.
type SessionChecker interface {
	Session(ctx context.Context, sessionID string) (storage.ChatSession, error)
}

// Dispatcher is the pub/sub core: it validates inbound requests, persists
// messages through the store, and fans them out to subscribed connections.
//
// All appends to one room are serialized through that room's mutex so
// sequence numbers stay monotonic and gap-free; rooms never share a lock.
// Messages are always persisted before any broadcast.
type Dispatcher struct {
	registry   *Registry
	membership *Membership
	store      storage.MessageStore
	sessions   SessionChecker
	emitter    *telemetry.Emitter
	clock      func() time.Time

	mu        sync.Mutex
	conns     map[string]*Conn
	roomLocks map[string]*sync.Mutex
}

// NewDispatcher creates a dispatcher over the shared indices and the message
// store. sessions and emitter may be nil; a nil sessions checker skips
// private chat authorization.
func NewDispatcher(registry *Registry, membership *Membership, store storage.MessageStore, sessions SessionChecker, emitter *telemetry.Emitter) *Dispatcher {
	return &Dispatcher{
		registry:   registry,
		membership: membership,
		store:      store,
		sessions:   sessions,
		emitter:    emitter,
		clock:      time.Now,
		conns:      make(map[string]*Conn),
		roomLocks:  make(map[string]*sync.Mutex),
	}
}

// Register creates the outbound queue for a newly connected transport
// connection. Registering an already-known connection returns its existing
// queue.
func (d *Dispatcher) Register(connID string) *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()

	if conn, ok := d.conns[connID]; ok {
		return conn
	}
	conn := &Conn{
		id:     connID,
		events: make(chan Event, outboundBuffer),
	}
	d.conns[connID] = conn
	return conn
}

// Authenticate binds a pre-validated principal to the connection. The
// credential itself was already checked by the auth collaborator.
func (d *Dispatcher) Authenticate(connID string, principalID string) error {
	return d.registry.Attach(connID, principalID)
}

// JoinRoom subscribes an authenticated connection to a room and returns the
// room's latest persisted sequence number so the client can anchor its
// history reconciliation.
func (d *Dispatcher) JoinRoom(ctx context.Context, connID string, roomKey string) (int64, error) {
	principalID, ok := d.registry.PrincipalOf(connID)
	if !ok {
		return 0, apperrors.New(apperrors.CodeNotAuthenticated, "connection has no principal")
	}
	roomKey = strings.TrimSpace(roomKey)
	if !ValidRoomKey(roomKey) {
		return 0, apperrors.New(apperrors.CodeInvalidPayload, "room key must name an event or chat room")
	}

	if sessionID, isChat := ChatSessionID(roomKey); isChat && d.sessions != nil {
		session, err := d.sessions.Session(ctx, sessionID)
		if err != nil {
			return 0, err
		}
		if session.ParticipantA != principalID && session.ParticipantB != principalID {
			return 0, apperrors.New(apperrors.CodeNotSubscribed, "principal is not a participant of this chat session")
		}
	}

	latest, err := d.latestSeq(ctx, roomKey)
	if err != nil {
		return 0, err
	}

	d.membership.Join(roomKey, connID)
	if d.emitter != nil {
		_ = d.emitter.Emit(ctx, storage.TelemetryEvent{
			Name:      "room_joined",
			RoomKey:   roomKey,
			Principal: principalID,
		})
	}
	return latest, nil
}

// LeaveRoom removes the connection's room subscription. Leaving a room the
// connection never joined is a no-op.
func (d *Dispatcher) LeaveRoom(connID string, roomKey string) {
	d.membership.Leave(strings.TrimSpace(roomKey), connID)
}

// SendMessage persists body as the next message of the room, then fans it
// out to every subscribed connection. The sender must be subscribed.
func (d *Dispatcher) SendMessage(ctx context.Context, connID string, roomKey string, body string) (storage.Message, error) {
	principalID, ok := d.registry.PrincipalOf(connID)
	if !ok {
		return storage.Message{}, apperrors.New(apperrors.CodeNotAuthenticated, "connection has no principal")
	}
	roomKey = strings.TrimSpace(roomKey)
	if !d.membership.IsMember(roomKey, connID) {
		return storage.Message{}, apperrors.New(apperrors.CodeNotSubscribed, "connection is not subscribed to room")
	}
	return d.Publish(ctx, principalID, roomKey, body)
}

// Publish persists body on behalf of senderID and fans it out, without
// requiring a live subscription. The REST send path uses this entry so both
// transports share one ordering and broadcast discipline.
func (d *Dispatcher) Publish(ctx context.Context, senderID string, roomKey string, body string) (storage.Message, error) {
	roomKey = strings.TrimSpace(roomKey)
	if !ValidRoomKey(roomKey) {
		return storage.Message{}, apperrors.New(apperrors.CodeInvalidPayload, "room key must name an event or chat room")
	}
	if err := validateBody(body); err != nil {
		return storage.Message{}, err
	}

	// Persist-then-broadcast: the lock spans only the append so one slow
	// room cannot stall another, and no unpersisted message ever reaches a
	// subscriber.
	lock := d.roomLock(roomKey)
	lock.Lock()
	message, err := d.store.AppendMessage(ctx, roomKey, senderID, body, d.clock().UTC())
	lock.Unlock()
	if err != nil {
		return storage.Message{}, apperrors.Wrap(apperrors.CodeStorageUnavailable, "append message", err)
	}

	d.fanOut(roomKey, Event{
		Kind:    EventMessage,
		RoomKey: roomKey,
		Message: message,
	}, "")

	if d.emitter != nil {
		_ = d.emitter.Emit(ctx, storage.TelemetryEvent{
			Name:      "message_sent",
			RoomKey:   roomKey,
			Principal: senderID,
		})
	}
	return message, nil
}

// NotifyTyping broadcasts a transient typing indicator to the room's other
// members. Nothing is persisted and zero recipients is not an error.
func (d *Dispatcher) NotifyTyping(connID string, roomKey string) error {
	principalID, ok := d.registry.PrincipalOf(connID)
	if !ok {
		return apperrors.New(apperrors.CodeNotAuthenticated, "connection has no principal")
	}
	roomKey = strings.TrimSpace(roomKey)
	if !d.membership.IsMember(roomKey, connID) {
		return apperrors.New(apperrors.CodeNotSubscribed, "connection is not subscribed to room")
	}

	d.fanOut(roomKey, Event{
		Kind:     EventTyping,
		RoomKey:  roomKey,
		SenderID: principalID,
	}, principalID)
	return nil
}

// Disconnect tears down a connection: its queue closes, its principal
// binding is removed, and every room membership is stripped. The transport
// layer must call this exactly once per closed connection.
func (d *Dispatcher) Disconnect(connID string) {
	d.mu.Lock()
	conn, ok := d.conns[connID]
	delete(d.conns, connID)
	d.mu.Unlock()

	if ok {
		conn.close()
	}
	d.registry.Detach(connID)
	d.membership.OnConnectionClosed(connID)
}

// fanOut delivers an event to the room's current members, best-effort per
// connection. excludePrincipal suppresses delivery to that principal's own
// connections (used for typing indicators).
func (d *Dispatcher) fanOut(roomKey string, event Event, excludePrincipal string) {
	for _, connID := range d.membership.MembersOf(roomKey) {
		if excludePrincipal != "" {
			if principalID, ok := d.registry.PrincipalOf(connID); ok && principalID == excludePrincipal {
				continue
			}
		}
		d.mu.Lock()
		conn, ok := d.conns[connID]
		d.mu.Unlock()
		if !ok {
			continue
		}
		// A failed enqueue means the connection closed mid-fan-out or its
		// consumer is saturated; either way the others still get delivery.
		_ = conn.enqueue(event)
	}
}

func (d *Dispatcher) latestSeq(ctx context.Context, roomKey string) (int64, error) {
	page, err := d.store.ListRoomMessagesBefore(ctx, roomKey, 0, 1)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeStorageUnavailable, "read latest room sequence", err)
	}
	if len(page.Messages) == 0 {
		return 0, nil
	}
	return page.Messages[len(page.Messages)-1].Seq, nil
}

func (d *Dispatcher) roomLock(roomKey string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.roomLocks[roomKey]
	if !ok {
		lock = &sync.Mutex{}
		d.roomLocks[roomKey] = lock
	}
	return lock
}

func validateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return apperrors.New(apperrors.CodeInvalidPayload, "body is required")
	}
	if utf8.RuneCountInString(body) > maxMessageBodyRunes {
		return apperrors.WithMetadata(
			apperrors.CodeInvalidPayload,
			"body exceeds maximum length",
			map[string]string{"max_runes": "2000"},
		)
	}
	return nil
}
