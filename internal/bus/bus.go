// Package bus abstracts the at-least-once, partitioned publish/subscribe log
// the saga participants coordinate over. Messages with the same key land on
// the same partition and are handled in publication order; messages with
// different keys may be handled in parallel. Handlers that return an error are
// redelivered a bounded number of times, then the message is routed to the
// topic's dead-letter topic.
package bus

import "context"

type Message struct {
	Topic string
	Key   string
	Value []byte
}

// Handler processes one message. Returning nil acknowledges the message;
// returning an error requests redelivery.
type Handler func(ctx context.Context, msg Message) error

type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

type Subscriber interface {
	// Subscribe registers a handler under a consumer group. Handlers in the
	// same group compete for messages; distinct groups each see every message.
	Subscribe(topic, group string, h Handler) error
}

type Bus interface {
	Publisher
	Subscriber
	Close() error
}

const deadLetterSuffix = ".dlq"

// DeadLetterTopic returns the dead-letter topic for a source topic.
func DeadLetterTopic(topic string) string {
	return topic + deadLetterSuffix
}
