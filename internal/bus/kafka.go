package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaBus adapts a Kafka cluster to the Bus interface. Keys hash to
// partitions, so per-key ordering follows from Kafka's partition ordering.
// Offsets are committed only after the handler succeeds or the message has
// been routed to the dead-letter topic, which gives at-least-once delivery.
type KafkaBus struct {
	brokers     []string
	logger      *zap.Logger
	maxAttempts int
	retryDelay  time.Duration

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	readers []*kafka.Reader
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewKafkaBus(brokers []string, logger *zap.Logger) *KafkaBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaBus{
		brokers:     brokers,
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		retryDelay:  time.Second,
		writers:     make(map[string]*kafka.Writer),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (b *KafkaBus) Publish(ctx context.Context, topic, key string, value []byte) error {
	w, err := b.writer(topic)
	if err != nil {
		return err
	}
	return w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
	})
}

func (b *KafkaBus) writer(topic string) (*kafka.Writer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if w, ok := b.writers[topic]; ok {
		return w, nil
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(b.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	b.writers[topic] = w
	return w, nil
}

func (b *KafkaBus) Subscribe(topic, group string, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.brokers,
		GroupID:  group,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	b.readers = append(b.readers, r)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consume(r, topic, group, h)
	return nil
}

func (b *KafkaBus) consume(r *kafka.Reader, topic, group string, h Handler) {
	defer b.wg.Done()
	for {
		m, err := r.FetchMessage(b.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, kafka.ErrGroupClosed) {
				return
			}
			b.logger.Error("fetch failed",
				zap.String("topic", topic),
				zap.String("group", group),
				zap.Error(err))
			continue
		}

		msg := Message{Topic: topic, Key: string(m.Key), Value: m.Value}
		if err := b.handleWithRetry(msg, h); err != nil {
			b.logger.Error("redelivery exhausted, routing to dead letter",
				zap.String("topic", topic),
				zap.String("key", msg.Key),
				zap.Error(err))
			if perr := b.Publish(b.ctx, DeadLetterTopic(topic), msg.Key, msg.Value); perr != nil {
				// Keep the offset uncommitted so the message comes back.
				b.logger.Error("dead letter publish failed",
					zap.String("topic", topic),
					zap.Error(perr))
				continue
			}
		}
		if err := r.CommitMessages(b.ctx, m); err != nil {
			b.logger.Error("offset commit failed",
				zap.String("topic", topic),
				zap.String("group", group),
				zap.Error(err))
		}
	}
}

func (b *KafkaBus) handleWithRetry(msg Message, h Handler) error {
	var err error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		if err = h(b.ctx, msg); err == nil {
			return nil
		}
		b.logger.Warn("handler failed, redelivering",
			zap.String("topic", msg.Topic),
			zap.String("key", msg.Key),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-b.ctx.Done():
			return err
		case <-time.After(b.retryDelay):
		}
	}
	return err
}

func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	var errs []error
	for _, r := range b.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, w := range b.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
