package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"proctorhub/internal/metrics"
	"proctorhub/internal/registry"
	"proctorhub/internal/router"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// DefaultQueueSize bounds the event queue when no size is configured.
const DefaultQueueSize = 1024

// Handler owns a set of inbound events.
type Handler interface {
	Events() []string
	Handle(connID string, msg types.Message) error
}

type eventKind int

const (
	eventConnect eventKind = iota
	eventMessage
	eventDisconnect
	eventRemote
	eventQuery
)

// event is one unit of work for the loop. A single queue carries every
// kind so a connection's connect, messages and disconnect stay in order.
type event struct {
	kind   eventKind
	connID string
	peer   interfaces.Peer
	raw    []byte
	env    *interfaces.FanoutEnvelope
	query  func()
	reply  chan connectResult
}

type connectResult struct {
	id  string
	err error
}

// Hub serialises every connection event onto one goroutine, which is the
// only place the registry and router are touched.
type Hub struct {
	events   chan event
	shutdown chan struct{}
	done     chan struct{}

	registry *registry.Registry
	router   *router.Router
	handlers map[string]Handler
	logger   *zap.Logger

	running bool
	stopped bool
	mu      sync.RWMutex
}

// NewHub creates a hub over reg and r. Handlers must be registered before
// Start.
func NewHub(reg *registry.Registry, r *router.Router, queueSize int, logger *zap.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		events:   make(chan event, queueSize),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		registry: reg,
		router:   r,
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register binds every event the handler lists to it.
func (h *Hub) Register(handler Handler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, name := range handler.Events() {
		if _, taken := h.handlers[name]; taken {
			return fmt.Errorf("%w: %s", ErrDuplicateHandler, name)
		}
		h.handlers[name] = handler
	}
	return nil
}

// Start launches the event loop.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	if h.stopped {
		return ErrHubNotRunning
	}
	h.running = true

	h.logger.Info("starting hub", zap.Int("handlers", len(h.handlers)), zap.Int("queue_size", cap(h.events)))
	go h.run(ctx)
	return nil
}

// Stop ends the loop and waits for it to close every live connection.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.stopped = true
	close(h.shutdown)
	h.mu.Unlock()

	<-h.done
	return nil
}

// enqueue blocks until the loop accepts ev, which applies backpressure to
// the enqueuing connection only.
func (h *Hub) enqueue(ctx context.Context, ev event) error {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return ErrHubNotRunning
	}
	select {
	case h.events <- ev:
		return nil
	case <-h.done:
		return ErrHubNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect registers peer and returns its connection id. It waits for the
// loop so the id is known before the first frame is read.
func (h *Hub) Connect(peer interfaces.Peer) (string, error) {
	reply := make(chan connectResult, 1)
	if err := h.enqueue(context.Background(), event{kind: eventConnect, peer: peer, reply: reply}); err != nil {
		return "", err
	}
	select {
	case res := <-reply:
		return res.id, res.err
	case <-h.done:
		return "", ErrHubNotRunning
	}
}

// Dispatch queues one raw inbound frame from connID.
func (h *Hub) Dispatch(connID string, raw []byte) error {
	return h.enqueue(context.Background(), event{kind: eventMessage, connID: connID, raw: raw})
}

// Disconnect queues removal of connID. Repeated calls are harmless.
func (h *Hub) Disconnect(connID string) error {
	return h.enqueue(context.Background(), event{kind: eventDisconnect, connID: connID})
}

// DeliverRemote queues a delivery published by another process.
func (h *Hub) DeliverRemote(env *interfaces.FanoutEnvelope) error {
	return h.enqueue(context.Background(), event{kind: eventRemote, env: env})
}

// Rooms returns the live rooms as seen by the loop.
func (h *Hub) Rooms(ctx context.Context) ([]types.RoomStats, error) {
	var rooms []types.RoomStats
	err := h.query(ctx, func() { rooms = h.router.Rooms() })
	return rooms, err
}

// Members returns a snapshot of one room.
func (h *Hub) Members(ctx context.Context, ref types.RoomRef) ([]types.Member, error) {
	var members []types.Member
	err := h.query(ctx, func() { members = h.router.Members(ref) })
	return members, err
}

// Stats returns connection counts by role.
func (h *Hub) Stats(ctx context.Context) (map[string]int, error) {
	var stats map[string]int
	err := h.query(ctx, func() { stats = h.registry.GetStats() })
	return stats, err
}

func (h *Hub) query(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	err := h.enqueue(ctx, event{kind: eventQuery, query: func() {
		defer close(finished)
		fn()
	}})
	if err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-h.done:
		return ErrHubNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	defer h.closeAll()

	for {
		select {
		case ev := <-h.events:
			h.handle(ev)
		case <-h.shutdown:
			h.logger.Info("hub shutdown requested")
			return
		case <-ctx.Done():
			h.logger.Info("hub context cancelled")
			h.mu.Lock()
			h.running = false
			h.stopped = true
			h.mu.Unlock()
			return
		}
	}
}

// handle runs one event to completion. A panic is confined to the event
// that caused it.
func (h *Hub) handle(ev event) {
	defer func() {
		if p := recover(); p != nil {
			metrics.Dropped(metrics.ReasonPanic)
			h.logger.Error("recovered panic in hub handler",
				zap.String("conn_id", ev.connID),
				zap.Any("panic", p),
				zap.Stack("stack"))
			if ev.reply != nil {
				select {
				case ev.reply <- connectResult{err: fmt.Errorf("hub handler panic: %v", p)}:
				default:
				}
			}
		}
	}()

	switch ev.kind {
	case eventConnect:
		h.handleConnect(ev)
	case eventMessage:
		h.handleMessage(ev.connID, ev.raw)
	case eventDisconnect:
		h.handleDisconnect(ev.connID)
	case eventRemote:
		if err := h.router.ApplyRemote(ev.env); err != nil {
			h.logger.Warn("remote delivery rejected", zap.String("op", ev.env.Op), zap.Error(err))
		}
	case eventQuery:
		ev.query()
	}
}

func (h *Hub) handleConnect(ev event) {
	id, err := h.registry.Connect(ev.peer)
	if err == nil {
		metrics.ConnectionOpened()
		h.logger.Info("connection opened", zap.String("conn_id", id))
	}
	ev.reply <- connectResult{id: id, err: err}
}

func (h *Hub) handleDisconnect(connID string) {
	if !h.registry.Disconnect(connID) {
		return
	}
	metrics.ConnectionClosed()
	h.logger.Info("connection closed", zap.String("conn_id", connID))
}

func (h *Hub) handleMessage(connID string, raw []byte) {
	if _, ok := h.registry.Get(connID); !ok {
		h.drop(connID, "", metrics.ReasonNoTarget, ErrUnknownSender)
		return
	}
	if !h.router.Allow(connID) {
		h.drop(connID, "", metrics.ReasonRateLimited, router.ErrRateLimitExceeded)
		return
	}

	msg, err := types.Decode(raw)
	if err != nil {
		h.drop(connID, "", metrics.ReasonMalformed, err)
		return
	}
	name := msg.EventName()
	handler, ok := h.handlers[name]
	if !ok {
		h.drop(connID, name, metrics.ReasonMalformed, ErrNoHandler)
		return
	}
	metrics.Event(name)

	if err := handler.Handle(connID, msg); err != nil {
		reason := metrics.ReasonNoTarget
		if errors.Is(err, router.ErrIncompleteJoin) {
			reason = metrics.ReasonMalformed
		}
		h.drop(connID, name, reason, err)
	}
}

func (h *Hub) drop(connID, event, reason string, err error) {
	metrics.Dropped(reason)
	h.logger.Debug("message dropped",
		zap.String("conn_id", connID),
		zap.String("event", event),
		zap.String("reason", reason),
		zap.Error(err))
}

// closeAll tears down every connection still registered when the loop ends.
func (h *Hub) closeAll() {
	var ids []string
	h.registry.Each(func(rec *registry.Record) {
		ids = append(ids, rec.ID)
		if err := rec.Peer.Close(); err != nil {
			h.logger.Warn("failed to close connection", zap.String("conn_id", rec.ID), zap.Error(err))
		}
	})
	for _, id := range ids {
		h.handleDisconnect(id)
	}
	h.logger.Info("hub processing stopped", zap.Int("closed", len(ids)))
}
