package services

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/bus"
	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/events"
	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/inbox"
)

// Consumer group names. One group per participant: workers within a
// participant compete for partitions, while each participant sees every event
// on the topics it follows.
const (
	BorrowConsumerGroup      = "borrow-service"
	ReservationConsumerGroup = "inventory-service"
)

// inTx runs fn inside a transaction when a database is present. A nil db runs
// fn directly, which is how the in-memory repositories are driven.
func inTx(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	if db == nil {
		return fn(nil)
	}
	return db.Transaction(fn)
}

// publish wraps a payload in an envelope and hands it to the bus. The topic
// doubles as the event type; sagaID pins the event id so retried publishes of
// the same fact deduplicate downstream.
func publish(ctx context.Context, p bus.Publisher, topic, key, sagaID string, payload any) error {
	env, err := events.NewEnvelope(topic, sagaID, payload)
	if err != nil {
		return err
	}
	data, err := events.Marshal(env)
	if err != nil {
		return err
	}
	return p.Publish(ctx, topic, key, data)
}

// RegisterBorrowConsumers subscribes the borrow-side participant to the
// reservation outcome topics.
func RegisterBorrowConsumers(b bus.Subscriber, svc BorrowService, store inbox.Store, logger *zap.Logger) error {
	if err := subscribe(b, events.TopicBookReserved, BorrowConsumerGroup, store, logger, svc.OnBookReserved); err != nil {
		return err
	}
	return subscribe(b, events.TopicBookReserveFailed, BorrowConsumerGroup, store, logger, svc.OnBookReserveFailed)
}

// RegisterReservationConsumers subscribes the inventory-side participant to
// the request and compensation topics.
func RegisterReservationConsumers(b bus.Subscriber, svc ReservationService, store inbox.Store, logger *zap.Logger) error {
	if err := subscribe(b, events.TopicBookReserveRequested, ReservationConsumerGroup, store, logger, svc.OnReserveRequested); err != nil {
		return err
	}
	if err := subscribe(b, events.TopicBookReservationCancelled, ReservationConsumerGroup, store, logger, svc.OnReservationCancelled); err != nil {
		return err
	}
	return subscribe(b, events.TopicBookReturned, ReservationConsumerGroup, store, logger, svc.OnBookReturned)
}

// subscribe decodes the envelope, skips events the group already processed,
// and marks the event processed only after the handler succeeds. Handler
// errors propagate to the bus, which redelivers and eventually dead-letters.
func subscribe[T any](b bus.Subscriber, topic, group string, store inbox.Store, logger *zap.Logger, handle func(context.Context, T) error) error {
	return b.Subscribe(topic, group, func(ctx context.Context, msg bus.Message) error {
		env, err := events.Unmarshal(msg.Value)
		if err != nil {
			return err
		}

		seen, err := store.Seen(group, env.EventID)
		if err != nil {
			return err
		}
		if seen {
			logger.Debug("event already processed, skipping",
				zap.String("topic", topic),
				zap.String("eventId", env.EventID))
			return nil
		}

		var evt T
		if err := env.Decode(&evt); err != nil {
			return err
		}
		if err := handle(ctx, evt); err != nil {
			return err
		}
		return store.MarkProcessed(group, env.EventID)
	})
}
