package peertest

import (
	"context"
	"sync"
	"time"

	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// Journal is an in-memory interfaces.PresenceJournal.
type Journal struct {
	interfaces.NopJournal

	mu     sync.Mutex
	events []*types.PresenceEvent
	health error
}

func NewJournal() *Journal {
	return &Journal{}
}

func (j *Journal) Record(event *types.PresenceEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := *event
	cp.ID = int64(len(j.events) + 1)
	j.events = append(j.events, &cp)
}

func (j *Journal) RoomHistory(_ context.Context, room types.RoomRef, limit int) ([]*types.PresenceEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []*types.PresenceEvent
	for _, e := range j.events {
		if e.RoomKind == room.Kind && e.RoomKey == room.Key {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (j *Journal) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	kept := j.events[:0]
	for _, e := range j.events {
		if !e.At.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := int64(len(j.events) - len(kept))
	j.events = kept
	return removed, nil
}

func (j *Journal) HealthCheck(context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.health
}

// SetHealth makes HealthCheck return err.
func (j *Journal) SetHealth(err error) {
	j.mu.Lock()
	j.health = err
	j.mu.Unlock()
}

// Events returns every recorded event in order.
func (j *Journal) Events() []*types.PresenceEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*types.PresenceEvent, len(j.events))
	copy(out, j.events)
	return out
}
