// Package chatsession resolves private 1:1 conversations between principals.
package chatsession

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	apperrors "github.com/meetgrid/messaging/internal/errors"
	"github.com/meetgrid/messaging/internal/platform/id"
	"github.com/meetgrid/messaging/internal/storage"
)

// Resolver provides idempotent get-or-create access to chat sessions. One
// canonical session exists per unordered participant pair regardless of which
// participant asks first or how many requests race.
type Resolver struct {
	store storage.SessionStore
	clock func() time.Time

	mu        sync.Mutex
	pairLocks map[string]*sync.Mutex
}

// NewResolver creates a resolver over the session store.
func NewResolver(store storage.SessionStore) *Resolver {
	return &Resolver{
		store:     store,
		clock:     time.Now,
		pairLocks: make(map[string]*sync.Mutex),
	}
}

// PairKey returns the canonical key for an unordered participant pair. Both
// orderings of the same two principals produce the same key.
func PairKey(principalA string, principalB string) string {
	if principalB < principalA {
		principalA, principalB = principalB, principalA
	}
	return principalA + "|" + principalB
}

// GetOrCreate returns the chat session for the two principals, creating it on
// first use. Concurrent calls for the same pair all resolve to one session.
func (r *Resolver) GetOrCreate(ctx context.Context, principalA string, principalB string) (storage.ChatSession, error) {
	principalA = strings.TrimSpace(principalA)
	principalB = strings.TrimSpace(principalB)
	if principalA == "" || principalB == "" {
		return storage.ChatSession{}, apperrors.New(apperrors.CodeInvalidParticipants, "both participants are required")
	}
	if principalA == principalB {
		return storage.ChatSession{}, apperrors.New(apperrors.CodeInvalidParticipants, "participants must be distinct")
	}

	pairKey := PairKey(principalA, principalB)

	// In-process serialization per pair keeps the common path down to one
	// read; the pair_key uniqueness constraint still backstops races from
	// other processes.
	lock := r.pairLock(pairKey)
	lock.Lock()
	defer lock.Unlock()

	session, err := r.store.GetSessionByPairKey(ctx, pairKey)
	switch {
	case err == nil:
		return session, nil
	case !errors.Is(err, storage.ErrNotFound):
		return storage.ChatSession{}, apperrors.Wrap(apperrors.CodeStorageUnavailable, "look up chat session", err)
	}

	if principalB < principalA {
		principalA, principalB = principalB, principalA
	}
	session = storage.ChatSession{
		ID:           id.New(),
		PairKey:      pairKey,
		ParticipantA: principalA,
		ParticipantB: principalB,
		CreatedAt:    r.clock().UTC(),
	}
	err = r.store.CreateSession(ctx, session)
	switch {
	case err == nil:
		return session, nil
	case errors.Is(err, storage.ErrConflict):
		// Lost the create race to another writer; the winning session is the
		// canonical one.
		winner, err := r.store.GetSessionByPairKey(ctx, pairKey)
		if err != nil {
			return storage.ChatSession{}, apperrors.Wrap(apperrors.CodeStorageUnavailable, "refetch chat session after conflict", err)
		}
		return winner, nil
	default:
		return storage.ChatSession{}, apperrors.Wrap(apperrors.CodeStorageUnavailable, "create chat session", err)
	}
}

// Session returns the chat session with the given ID.
func (r *Resolver) Session(ctx context.Context, sessionID string) (storage.ChatSession, error) {
	session, err := r.store.GetSession(ctx, sessionID)
	switch {
	case err == nil:
		return session, nil
	case errors.Is(err, storage.ErrNotFound):
		return storage.ChatSession{}, apperrors.New(apperrors.CodeNotFound, "chat session not found")
	default:
		return storage.ChatSession{}, apperrors.Wrap(apperrors.CodeStorageUnavailable, "load chat session", err)
	}
}

// SessionsFor lists every chat session the principal participates in, newest
// first.
func (r *Resolver) SessionsFor(ctx context.Context, principalID string) ([]storage.ChatSession, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return nil, apperrors.New(apperrors.CodeInvalidParticipants, "principal is required")
	}
	sessions, err := r.store.ListSessionsByParticipant(ctx, principalID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageUnavailable, "list chat sessions", err)
	}
	return sessions, nil
}

func (r *Resolver) pairLock(pairKey string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.pairLocks[pairKey]
	if !ok {
		lock = &sync.Mutex{}
		r.pairLocks[pairKey] = lock
	}
	return lock
}
