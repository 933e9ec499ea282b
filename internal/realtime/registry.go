package realtime

import (
	"strings"
	"sync"

	apperrors "github.com/meetgrid/messaging/internal/errors"
)

// Registry tracks which principal is bound to which live connection. It is
// the only owner of the connection-to-principal mapping; the transport layer
// owns connection lifecycle and must detach on teardown.
type Registry struct {
	mu         sync.Mutex
	principals map[string]string
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{principals: make(map[string]string)}
}

// Attach binds a principal to a connection. Re-attaching the same principal
// is a no-op; binding a different principal fails with AlreadyAttached.
func (r *Registry) Attach(connID string, principalID string) error {
	connID = strings.TrimSpace(connID)
	principalID = strings.TrimSpace(principalID)
	if connID == "" {
		return apperrors.New(apperrors.CodeInvalidPayload, "connection id is required")
	}
	if principalID == "" {
		return apperrors.New(apperrors.CodeInvalidPayload, "principal id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if bound, ok := r.principals[connID]; ok && bound != principalID {
		return apperrors.WithMetadata(
			apperrors.CodeAlreadyAttached,
			"connection is bound to another principal",
			map[string]string{"connection_id": connID},
		)
	}
	r.principals[connID] = principalID
	return nil
}

// Detach removes the binding for a connection. Detaching an unknown
// connection is a no-op.
func (r *Registry) Detach(connID string) {
	r.mu.Lock()
	delete(r.principals, connID)
	r.mu.Unlock()
}

// PrincipalOf returns the principal bound to a connection, or false when the
// connection is unbound.
func (r *Registry) PrincipalOf(connID string) (string, bool) {
	r.mu.Lock()
	principalID, ok := r.principals[connID]
	r.mu.Unlock()
	return principalID, ok
}
