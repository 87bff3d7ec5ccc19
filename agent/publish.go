package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/driftlab/easel/agent/entity"
)

// Publisher receives the full entity snapshot after every committed
// mutation. This push is the only way external viewers learn of
// progress.
type Publisher interface {
	PublishSnapshot(ctx context.Context, state entity.State) error
	Close() error
}

// LocalBroker fans snapshots out to in-process subscribers, one
// channel per live viewer. Slow subscribers lose intermediate
// snapshots rather than blocking the publisher; only the latest state
// matters to a viewer.
type LocalBroker struct {
	mu     sync.RWMutex
	subs   map[string]map[chan entity.State]struct{}
	closed bool
	logger *zap.Logger
}

// NewLocalBroker creates an empty broker.
func NewLocalBroker(logger *zap.Logger) *LocalBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalBroker{
		subs:   make(map[string]map[chan entity.State]struct{}),
		logger: logger.With(zap.String("component", "snapshot_broker")),
	}
}

// Subscribe registers a viewer for one entity id. The returned cancel
// func must be called when the viewer disconnects.
func (b *LocalBroker) Subscribe(entityID string) (<-chan entity.State, func()) {
	ch := make(chan entity.State, 8)

	b.mu.Lock()
	if b.subs[entityID] == nil {
		b.subs[entityID] = make(map[chan entity.State]struct{})
	}
	b.subs[entityID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[entityID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
				if len(set) == 0 {
					delete(b.subs, entityID)
				}
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *LocalBroker) PublishSnapshot(ctx context.Context, state entity.State) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for ch := range b.subs[state.ID] {
		select {
		case ch <- state.Clone():
		default:
			b.logger.Debug("subscriber lagging, snapshot dropped", zap.String("entity_id", state.ID))
		}
	}
	return nil
}

func (b *LocalBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.subs {
		for ch := range set {
			close(ch)
		}
	}
	b.subs = make(map[string]map[chan entity.State]struct{})
	return nil
}

// RedisPublisher mirrors snapshots onto a Redis pub/sub channel so
// viewers attached to other nodes see them too.
type RedisPublisher struct {
	client     *redis.Client
	channelFmt string
}

// NewRedisPublisher publishes snapshots to "<prefix>snapshot:<entityID>".
func NewRedisPublisher(client *redis.Client, keyPrefix string) *RedisPublisher {
	if keyPrefix == "" {
		keyPrefix = "easel:"
	}
	return &RedisPublisher{client: client, channelFmt: keyPrefix + "snapshot:%s"}
}

func (p *RedisPublisher) PublishSnapshot(ctx context.Context, state entity.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return p.client.Publish(ctx, fmt.Sprintf(p.channelFmt, state.ID), data).Err()
}

func (p *RedisPublisher) Close() error { return nil }

// MultiPublisher forwards snapshots to all nested publishers.
type MultiPublisher []Publisher

func (m MultiPublisher) PublishSnapshot(ctx context.Context, state entity.State) error {
	var firstErr error
	for _, p := range m {
		if err := p.PublishSnapshot(ctx, state); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m MultiPublisher) Close() error {
	var firstErr error
	for _, p := range m {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
