//go:generate go run go.uber.org/mock/mockgen -source=broker.go -destination=../mocks/mock_broker.go -package=mocks

// Package broker fans published payloads out to the live subscribers of a
// topic. Delivery is at most once; nothing is stored for subscribers that
// join later.
package broker

import (
	"context"
	"io"
	"log/slog"
)

// Topic prefixes.
const (
	consultationPrefix = "consultation:"
	userPrefix         = "user:"
)

// ConsultationTopic is the chat topic of one consultation.
func ConsultationTopic(consultationID string) string {
	return consultationPrefix + consultationID
}

// UserTopic is the notification topic of one user.
func UserTopic(userID string) string {
	return userPrefix + userID
}

// Subscriber receives payloads for the topics it is subscribed to. Deliver
// is called from a goroutine owned by the broker, one call at a time per
// subscriber, in publish order.
type Subscriber interface {
	ID() string
	Deliver(topic string, payload []byte)
}

// Broker is a topic-keyed publish/subscribe hub.
type Broker interface {
	// Publish hands payload to every current subscriber of topic. A topic
	// without subscribers is a no-op.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe adds sub to topic. Subscribing twice is a no-op.
	Subscribe(topic string, sub Subscriber) error
	// Unsubscribe removes sub from topic. Unknown pairs are ignored.
	Unsubscribe(topic string, sub Subscriber)
	// UnsubscribeAll removes sub from every topic.
	UnsubscribeAll(sub Subscriber)
	// Subscribers returns the number of live subscribers of topic.
	Subscribers(topic string) int
	// Close stops delivery and releases resources.
	Close() error
}

// FuncSubscriber adapts a function to Subscriber.
type FuncSubscriber struct {
	SubscriberID string
	Fn           func(topic string, payload []byte)
}

func (f *FuncSubscriber) ID() string { return f.SubscriberID }

func (f *FuncSubscriber) Deliver(topic string, payload []byte) { f.Fn(topic, payload) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
