package interfaces

import (
	"context"
	"time"

	"proctorhub/pkg/types"
)

// PresenceJournal is the audit trail of room joins and leaves.
type PresenceJournal interface {
	// Record queues an event. It must never block the caller.
	Record(event *types.PresenceEvent)

	// RoomHistory returns the newest events for a room, oldest first.
	RoomHistory(ctx context.Context, room types.RoomRef, limit int) ([]*types.PresenceEvent, error)

	// Prune deletes events recorded before cutoff and reports how many.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// NopJournal discards everything. Used when the journal is disabled.
type NopJournal struct{}

func (NopJournal) Record(*types.PresenceEvent) {}

func (NopJournal) RoomHistory(context.Context, types.RoomRef, int) ([]*types.PresenceEvent, error) {
	return []*types.PresenceEvent{}, nil
}

func (NopJournal) Prune(context.Context, time.Time) (int64, error) { return 0, nil }
func (NopJournal) HealthCheck(context.Context) error             { return nil }
func (NopJournal) Close() error                                  { return nil }
