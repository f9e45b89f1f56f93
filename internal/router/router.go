package router

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"proctorhub/internal/metrics"
	"proctorhub/internal/registry"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// membership is one connection's entry in a room index. seq orders members
// by join time; role and userID are the identity supplied by that join.
type membership struct {
	seq    uint64
	role   string
	userID string
}

// Router keeps the room index derived from connection memberships and
// performs every delivery.
//
// Like the registry it is owned by the hub goroutine and takes no locks.
// Only the rate limiter is shared with other goroutines.
type Router struct {
	registry *registry.Registry
	rooms    map[types.RoomRef]map[string]*membership
	seq      uint64

	journal interfaces.PresenceJournal
	fanout  interfaces.Fanout
	limiter *RateLimiter
	logger  *zap.Logger
	now     func() time.Time
}

// NewRouter creates a router over reg and registers its disconnect hook.
// A nil journal or limiter disables the respective feature.
func NewRouter(reg *registry.Registry, journal interfaces.PresenceJournal, limiter *RateLimiter, logger *zap.Logger) *Router {
	if journal == nil {
		journal = interfaces.NopJournal{}
	}
	if limiter == nil {
		limiter = NewRateLimiter(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		registry: reg,
		rooms:    make(map[types.RoomRef]map[string]*membership),
		journal:  journal,
		limiter:  limiter,
		logger:   logger,
		now:      time.Now,
	}
	reg.OnRemove(r.LeaveAll)
	return r
}

// SetFanout attaches a cross-process publisher. Call before the hub starts.
func (r *Router) SetFanout(f interfaces.Fanout) {
	r.fanout = f
}

// Limiter exposes the rate limiter for the cleanup job.
func (r *Router) Limiter() *RateLimiter {
	return r.limiter
}

// Allow applies the per-connection rate limit.
func (r *Router) Allow(connID string) bool {
	return r.limiter.Allow(connID)
}

// Join adds the connection to the room and updates its identity. Incomplete
// joins and unknown connections change nothing.
func (r *Router) Join(connID string, ref types.RoomRef, role, userID string) error {
	if ref.Validate() != nil || role == "" || userID == "" {
		return ErrIncompleteJoin
	}
	rec, ok := r.registry.Get(connID)
	if !ok {
		return registry.ErrUnknownConn
	}
	if err := r.registry.SetIdentity(connID, role, userID); err != nil {
		return err
	}

	members := r.rooms[ref]
	if members == nil {
		members = make(map[string]*membership)
		r.rooms[ref] = members
	}
	if m, ok := members[connID]; ok {
		m.role, m.userID = role, userID
	} else {
		r.seq++
		members[connID] = &membership{seq: r.seq, role: role, userID: userID}
	}
	if rec.AddMembership(ref) {
		r.record(types.PresenceJoin, ref, connID, role, userID)
		r.logger.Debug("joined room",
			zap.String("conn_id", connID),
			zap.String("room", ref.String()),
			zap.String("role", role),
			zap.String("user_id", userID))
	}
	return nil
}

// LeaveAll removes a departing connection from every room. It runs as the
// registry's disconnect hook.
func (r *Router) LeaveAll(rec *registry.Record) {
	for _, ref := range rec.Memberships() {
		rec.RemoveMembership(ref)
		r.dropFromIndex(ref, rec.ID)
	}
	r.limiter.Forget(rec.ID)
}

func (r *Router) dropFromIndex(ref types.RoomRef, connID string) {
	members := r.rooms[ref]
	m, ok := members[connID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, ref)
	}
	r.record(types.PresenceLeave, ref, connID, m.role, m.userID)
}

func (r *Router) record(event string, ref types.RoomRef, connID, role, userID string) {
	r.journal.Record(&types.PresenceEvent{
		RoomKind: ref.Kind,
		RoomKey:  ref.Key,
		ConnID:   connID,
		UserID:   userID,
		Role:     role,
		Event:    event,
		At:       r.now(),
	})
}

// snapshot returns the live member records of ref in join order. Index
// entries whose connection is already gone are skipped.
func (r *Router) snapshot(ref types.RoomRef) []*registry.Record {
	members := r.rooms[ref]
	if len(members) == 0 {
		return nil
	}
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return members[ids[i]].seq < members[ids[j]].seq })

	recs := make([]*registry.Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := r.registry.Get(id); ok {
			recs = append(recs, rec)
		}
	}
	return recs
}

func (r *Router) deliver(rec *registry.Record, out *types.Outbound) bool {
	if err := rec.Peer.Send(out); err != nil {
		metrics.Dropped(metrics.ReasonSendFailed)
		r.logger.Warn("delivery failed",
			zap.String("conn_id", rec.ID),
			zap.String("event", out.Event),
			zap.Error(err))
		return false
	}
	return true
}

// BroadcastToRoom delivers to every member of ref except exclude and
// returns the number of local deliveries.
func (r *Router) BroadcastToRoom(ref types.RoomRef, out *types.Outbound, exclude string) int {
	return len(r.BroadcastEach(ref, "", exclude, fixed(out)))
}

// BroadcastToRole delivers to members of ref whose current role is role,
// except exclude, and returns the delivered connection ids in join order.
func (r *Router) BroadcastToRole(ref types.RoomRef, role string, out *types.Outbound, exclude string) []string {
	return r.BroadcastEach(ref, role, exclude, fixed(out))
}

// BroadcastEach is the broadcast primitive. build is called once per
// recipient, so each delivery may carry its own stamp; an empty role
// means every member. One more payload is built for the fanout.
func (r *Router) BroadcastEach(ref types.RoomRef, role, exclude string, build func() *types.Outbound) []string {
	delivered := r.broadcast(ref, role, exclude, build)

	env := &interfaces.FanoutEnvelope{Op: interfaces.FanoutRoom, Room: ref, Exclude: exclude}
	kind := metrics.DeliveryRoom
	if role != "" {
		env.Op, env.Role = interfaces.FanoutRole, role
		kind = metrics.DeliveryRole
	}
	metrics.Delivered(kind, len(delivered))
	if r.fanout != nil {
		r.publish(env, build())
	}
	return delivered
}

func (r *Router) broadcast(ref types.RoomRef, role, exclude string, build func() *types.Outbound) []string {
	var delivered []string
	for _, rec := range r.snapshot(ref) {
		if rec.ID == exclude || (role != "" && rec.Role != role) {
			continue
		}
		if r.deliver(rec, build()) {
			delivered = append(delivered, rec.ID)
		}
	}
	return delivered
}

func fixed(out *types.Outbound) func() *types.Outbound {
	return func() *types.Outbound { return out }
}

// Unicast delivers to one connection. A target unknown to this process is
// handed to the fanout, if any, since it may live elsewhere.
func (r *Router) Unicast(target string, out *types.Outbound) bool {
	if rec, ok := r.registry.Get(target); ok {
		ok = r.deliver(rec, out)
		if ok {
			metrics.Delivered(metrics.DeliveryUnicast, 1)
		}
		return ok
	}
	if r.fanout == nil {
		metrics.Dropped(metrics.ReasonNoTarget)
		return false
	}
	r.publish(&interfaces.FanoutEnvelope{Op: interfaces.FanoutUnicast, Target: target}, out)
	return false
}

// FindMembers returns the members of ref whose current user id is userID
// and, when role is non-empty, whose current role is role.
func (r *Router) FindMembers(ref types.RoomRef, userID, role string) []*registry.Record {
	var found []*registry.Record
	for _, rec := range r.snapshot(ref) {
		if rec.UserID == userID && (role == "" || rec.Role == role) {
			found = append(found, rec)
		}
	}
	return found
}

// DeliverToMembers resolves members by user id (and optional role) and
// delivers to each of them. Other processes run the same scan.
func (r *Router) DeliverToMembers(ref types.RoomRef, userID, role string, out *types.Outbound) []string {
	delivered := r.deliverToMembers(ref, userID, role, out)
	r.publish(&interfaces.FanoutEnvelope{Op: interfaces.FanoutMember, Room: ref, UserID: userID, Role: role}, out)
	return delivered
}

func (r *Router) deliverToMembers(ref types.RoomRef, userID, role string, out *types.Outbound) []string {
	var delivered []string
	for _, rec := range r.FindMembers(ref, userID, role) {
		if r.deliver(rec, out) {
			delivered = append(delivered, rec.ID)
		}
	}
	metrics.Delivered(metrics.DeliveryMember, len(delivered))
	return delivered
}

// Members returns a snapshot of ref in join order, with the identity each
// member supplied when joining it.
func (r *Router) Members(ref types.RoomRef) []types.Member {
	index := r.rooms[ref]
	recs := r.snapshot(ref)
	members := make([]types.Member, 0, len(recs))
	for _, rec := range recs {
		m := index[rec.ID]
		members = append(members, types.Member{ConnID: rec.ID, Role: m.role, UserID: m.userID})
	}
	return members
}

// Rooms lists every non-empty room with its member count.
func (r *Router) Rooms() []types.RoomStats {
	stats := make([]types.RoomStats, 0, len(r.rooms))
	for ref, members := range r.rooms {
		stats = append(stats, types.RoomStats{Kind: ref.Kind, Key: ref.Key, Members: len(members)})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Kind != stats[j].Kind {
			return stats[i].Kind < stats[j].Kind
		}
		return stats[i].Key < stats[j].Key
	})
	return stats
}

// ApplyRemote performs a delivery published by another process against
// local members only. It is never published again.
func (r *Router) ApplyRemote(env *interfaces.FanoutEnvelope) error {
	out := &types.Outbound{Event: env.Event, Data: env.Data}
	var n int
	switch env.Op {
	case interfaces.FanoutRoom, interfaces.FanoutRole:
		n = len(r.broadcast(env.Room, env.Role, env.Exclude, fixed(out)))
	case interfaces.FanoutUnicast:
		if rec, ok := r.registry.Get(env.Target); ok && r.deliver(rec, out) {
			n = 1
		}
	case interfaces.FanoutMember:
		for _, rec := range r.FindMembers(env.Room, env.UserID, env.Role) {
			if r.deliver(rec, out) {
				n++
			}
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFanoutOp, env.Op)
	}
	metrics.Delivered(metrics.DeliveryRemote, n)
	return nil
}

func (r *Router) publish(env *interfaces.FanoutEnvelope, out *types.Outbound) {
	if r.fanout == nil {
		return
	}
	data, err := json.Marshal(out.Data)
	if err != nil {
		r.logger.Error("fanout encode failed", zap.String("event", out.Event), zap.Error(err))
		return
	}
	env.Event = out.Event
	env.Data = data
	if err := r.fanout.Publish(env); err != nil {
		r.logger.Error("fanout publish failed",
			zap.String("op", env.Op),
			zap.String("event", out.Event),
			zap.Error(err))
	}
}
