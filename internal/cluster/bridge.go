package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"proctorhub/pkg/interfaces"
)

const DefaultChannel = "proctorhub:fanout"

// Receiver applies envelopes published by other processes. The hub
// implements it.
type Receiver interface {
	DeliverRemote(env *interfaces.FanoutEnvelope) error
}

// Bridge forwards router deliveries to the other hub processes over a
// Redis pub/sub channel and hands their deliveries back to the local hub.
// Envelopes carry the publishing instance id; a bridge ignores its own.
type Bridge struct {
	rdb        *redis.Client
	channel    string
	instanceID string
	outbox     chan *interfaces.FanoutEnvelope
	logger     *zap.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	pubsub  *redis.PubSub
	wg      sync.WaitGroup
}

var _ interfaces.Fanout = (*Bridge)(nil)

// NewBridge creates a bridge on channel with an outbox of bufferSize
// envelopes. An empty channel selects DefaultChannel.
func NewBridge(rdb *redis.Client, channel string, bufferSize int, logger *zap.Logger) *Bridge {
	if channel == "" {
		channel = DefaultChannel
	}
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		rdb:        rdb,
		channel:    channel,
		instanceID: uuid.New().String(),
		outbox:     make(chan *interfaces.FanoutEnvelope, bufferSize),
		logger:     logger,
	}
}

// InstanceID identifies this process on the channel.
func (b *Bridge) InstanceID() string {
	return b.instanceID
}

// Publish stamps env with the instance id and queues it. It is called from
// the hub goroutine and never waits on Redis.
func (b *Bridge) Publish(env *interfaces.FanoutEnvelope) error {
	env.Instance = b.instanceID
	select {
	case b.outbox <- env:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Start subscribes to the channel and starts the publish and receive
// loops. It returns once the subscription is confirmed.
func (b *Bridge) Start(ctx context.Context, recv Receiver) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrAlreadyStarted
	}

	pubsub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.started = true
	b.cancel = cancel
	b.pubsub = pubsub

	b.wg.Add(2)
	go b.publishLoop(loopCtx)
	go b.receiveLoop(loopCtx, pubsub.Channel(), recv)

	b.logger.Info("fanout bridge started",
		zap.String("instance", b.instanceID),
		zap.String("channel", b.channel))
	return nil
}

// Stop ends both loops and closes the subscription. Queued envelopes that
// were not yet published are discarded.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return ErrNotStarted
	}
	b.started = false
	b.cancel()
	err := b.pubsub.Close()
	b.wg.Wait()
	b.logger.Info("fanout bridge stopped", zap.String("instance", b.instanceID))
	return err
}

func (b *Bridge) publishLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-b.outbox:
			data, err := json.Marshal(env)
			if err != nil {
				b.logger.Error("failed to encode fanout envelope", zap.String("op", env.Op), zap.Error(err))
				continue
			}
			if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil && ctx.Err() == nil {
				b.logger.Error("fanout publish failed",
					zap.String("op", env.Op),
					zap.String("event", env.Event),
					zap.Error(err))
			}
		}
	}
}

func (b *Bridge) receiveLoop(ctx context.Context, ch <-chan *redis.Message, recv Receiver) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env interfaces.FanoutEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("discarding malformed fanout envelope", zap.Error(err))
				continue
			}
			if env.Instance == b.instanceID {
				continue
			}
			if err := recv.DeliverRemote(&env); err != nil {
				b.logger.Debug("remote delivery not applied",
					zap.String("from", env.Instance),
					zap.String("op", env.Op),
					zap.Error(err))
			}
		}
	}
}
