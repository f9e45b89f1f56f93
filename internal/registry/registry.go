package registry

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// Record is everything the hub knows about one live connection.
type Record struct {
	ID          string
	Peer        interfaces.Peer
	Role        string
	UserID      string
	ConnectedAt time.Time

	memberships map[types.RoomRef]struct{}
}

// Memberships returns the rooms the connection currently belongs to.
func (r *Record) Memberships() []types.RoomRef {
	refs := make([]types.RoomRef, 0, len(r.memberships))
	for ref := range r.memberships {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	return refs
}

// IsMember reports whether the connection belongs to ref.
func (r *Record) IsMember(ref types.RoomRef) bool {
	_, ok := r.memberships[ref]
	return ok
}

// AddMembership records ref and reports whether it was new.
func (r *Record) AddMembership(ref types.RoomRef) bool {
	if _, ok := r.memberships[ref]; ok {
		return false
	}
	r.memberships[ref] = struct{}{}
	return true
}

// RemoveMembership drops ref and reports whether it was present.
func (r *Record) RemoveMembership(ref types.RoomRef) bool {
	if _, ok := r.memberships[ref]; !ok {
		return false
	}
	delete(r.memberships, ref)
	return true
}

// RemoveHook runs once for every record leaving the registry, before it
// is discarded, so dependent indexes can drop it.
type RemoveHook func(rec *Record)

// Registry is the single source of truth for live connections.
//
// It is not safe for concurrent use: the hub goroutine owns it and every
// read or mutation happens there.
type Registry struct {
	records map[string]*Record
	hooks   []RemoveHook
	newID   func() string
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		records: make(map[string]*Record),
		newID:   func() string { return uuid.New().String() },
		logger:  logger,
	}
}

// OnRemove registers a hook run on every disconnect.
func (r *Registry) OnRemove(hook RemoveHook) {
	r.hooks = append(r.hooks, hook)
}

// Connect registers a new connection with no role and no memberships and
// returns its id. It always succeeds for a non-nil peer.
func (r *Registry) Connect(peer interfaces.Peer) (string, error) {
	if peer == nil {
		return "", ErrNilPeer
	}
	id := r.newID()
	r.records[id] = &Record{
		ID:          id,
		Peer:        peer,
		ConnectedAt: time.Now(),
		memberships: make(map[types.RoomRef]struct{}),
	}
	r.logger.Debug("connection registered", zap.String("conn_id", id))
	return id, nil
}

// Disconnect removes the connection from every room and discards it.
// Unknown ids are ignored, so double disconnects are harmless.
func (r *Registry) Disconnect(id string) bool {
	rec, ok := r.records[id]
	if !ok {
		return false
	}
	for _, hook := range r.hooks {
		hook(rec)
	}
	delete(r.records, id)
	r.logger.Debug("connection removed",
		zap.String("conn_id", id),
		zap.Int("rooms_left", len(rec.memberships)))
	return true
}

// SetIdentity attaches or overwrites role and user id. Unrecognised roles
// are stored verbatim.
func (r *Registry) SetIdentity(id, role, userID string) error {
	if role == "" || userID == "" {
		return ErrEmptyIdentity
	}
	rec, ok := r.records[id]
	if !ok {
		return ErrUnknownConn
	}
	rec.Role = role
	rec.UserID = userID
	return nil
}

// Get returns the record for id.
func (r *Registry) Get(id string) (*Record, bool) {
	rec, ok := r.records[id]
	return rec, ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	return len(r.records)
}

// Each calls fn for every live connection.
func (r *Registry) Each(fn func(rec *Record)) {
	for _, rec := range r.records {
		fn(rec)
	}
}

// GetStats breaks the live connections down by role.
func (r *Registry) GetStats() map[string]int {
	stats := map[string]int{
		"total_connections": len(r.records),
		"students":          0,
		"teachers":          0,
		"unidentified":      0,
	}
	for _, rec := range r.records {
		switch rec.Role {
		case types.RoleStudent:
			stats["students"]++
		case types.RoleTeacher:
			stats["teachers"]++
		case "":
			stats["unidentified"]++
		}
	}
	return stats
}
