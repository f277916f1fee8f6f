package bus

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("bus is closed")

const (
	defaultPartitions  = 8
	defaultMaxAttempts = 3
	defaultRetryDelay  = 10 * time.Millisecond
	queueDepth         = 256
)

type MemoryOption func(*MemoryBus)

func WithPartitions(n int) MemoryOption {
	return func(b *MemoryBus) { b.partitions = n }
}

func WithMaxAttempts(n int) MemoryOption {
	return func(b *MemoryBus) { b.maxAttempts = n }
}

func WithRetryDelay(d time.Duration) MemoryOption {
	return func(b *MemoryBus) { b.retryDelay = d }
}

// MemoryBus is an in-process Bus with the same delivery semantics the Kafka
// adapter provides: per-key partition ordering, competing consumers per group,
// at-least-once redelivery and a dead-letter topic. It keeps no history, so
// subscriptions must be in place before publishing. Used by tests and as a
// single-process development mode.
type MemoryBus struct {
	logger      *zap.Logger
	partitions  int
	maxAttempts int
	retryDelay  time.Duration

	mu     sync.Mutex
	groups map[string]*memoryGroup // keyed by topic|group
	closed bool

	workers  sync.WaitGroup
	inflight sync.WaitGroup
}

type memoryGroup struct {
	queues []chan Message
}

func NewMemoryBus(logger *zap.Logger, opts ...MemoryOption) *MemoryBus {
	b := &MemoryBus{
		logger:      logger,
		partitions:  defaultPartitions,
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
		groups:      make(map[string]*memoryGroup),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBus) Subscribe(topic, group string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	key := topic + "|" + group
	if _, ok := b.groups[key]; ok {
		return fmt.Errorf("group %q already subscribed to topic %q", group, topic)
	}

	g := &memoryGroup{queues: make([]chan Message, b.partitions)}
	for i := range g.queues {
		q := make(chan Message, queueDepth)
		g.queues[i] = q
		b.workers.Add(1)
		go b.runPartition(q, h)
	}
	b.groups[key] = g
	return nil
}

func (b *MemoryBus) Publish(ctx context.Context, topic, key string, value []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	var targets []chan Message
	for gk, g := range b.groups {
		if topicOf(gk) == topic {
			targets = append(targets, g.queues[partitionFor(key, len(g.queues))])
		}
	}
	b.mu.Unlock()

	msg := Message{Topic: topic, Key: key, Value: value}
	for _, q := range targets {
		b.inflight.Add(1)
		select {
		case q <- msg:
		case <-ctx.Done():
			b.inflight.Done()
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) runPartition(q chan Message, h Handler) {
	defer b.workers.Done()
	for msg := range q {
		b.deliver(msg, h)
		b.inflight.Done()
	}
}

func (b *MemoryBus) deliver(msg Message, h Handler) {
	var err error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		if err = h(context.Background(), msg); err == nil {
			return
		}
		b.logger.Warn("handler failed, redelivering",
			zap.String("topic", msg.Topic),
			zap.String("key", msg.Key),
			zap.Int("attempt", attempt),
			zap.Error(err))
		time.Sleep(b.retryDelay)
	}
	b.logger.Error("redelivery exhausted, routing to dead letter",
		zap.String("topic", msg.Topic),
		zap.String("key", msg.Key),
		zap.Error(err))
	if perr := b.Publish(context.Background(), DeadLetterTopic(msg.Topic), msg.Key, msg.Value); perr != nil {
		b.logger.Error("dead letter publish failed",
			zap.String("topic", msg.Topic),
			zap.Error(perr))
	}
}

// Drain blocks until every published message has been handled, including
// messages forwarded to dead-letter topics.
func (b *MemoryBus) Drain() {
	b.inflight.Wait()
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, g := range b.groups {
		for _, q := range g.queues {
			close(q)
		}
	}
	b.mu.Unlock()
	b.workers.Wait()
	return nil
}

func partitionFor(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % n
}

func topicOf(groupKey string) string {
	for i := 0; i < len(groupKey); i++ {
		if groupKey[i] == '|' {
			return groupKey[:i]
		}
	}
	return groupKey
}
