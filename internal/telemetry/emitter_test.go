package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/meetgrid/messaging/internal/storage"
)

type recordingTelemetryStore struct {
	events []storage.TelemetryEvent
}

func (r *recordingTelemetryStore) AppendTelemetryEvent(_ context.Context, event storage.TelemetryEvent) error {
	r.events = append(r.events, event)
	return nil
}

func TestEmitStampsTimestamp(t *testing.T) {
	store := &recordingTelemetryStore{}
	emitter := NewEmitter(store)
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	emitter.clock = func() time.Time { return fixed }

	if err := emitter.Emit(context.Background(), storage.TelemetryEvent{Name: "room_joined"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(store.events) != 1 {
		t.Fatalf("event count = %d, want 1", len(store.events))
	}
	if !store.events[0].Timestamp.Equal(fixed) {
		t.Fatalf("timestamp = %v, want %v", store.events[0].Timestamp, fixed)
	}
}

func TestEmitWithoutStoreIsNoop(t *testing.T) {
	var emitter *Emitter
	if err := emitter.Emit(context.Background(), storage.TelemetryEvent{Name: "noop"}); err != nil {
		t.Fatalf("emit on nil emitter: %v", err)
	}
	if err := NewEmitter(nil).Emit(context.Background(), storage.TelemetryEvent{Name: "noop"}); err != nil {
		t.Fatalf("emit on nil store: %v", err)
	}
}
