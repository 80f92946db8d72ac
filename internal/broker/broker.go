// Package broker abstracts the durable message transport between stages.
// Stages see at-least-once deliveries that they must explicitly Ack or Nak;
// a Nak requeues the message for redelivery to the stage's work queue.
package broker

import "context"

// Delivery is one inbound message awaiting acknowledgement.
type Delivery interface {
	// Subject the message was published on.
	Subject() string

	// Data is the raw message body.
	Data() []byte

	// Ack marks the delivery as processed; it will not be redelivered.
	Ack()

	// Nak requeues the delivery for another attempt.
	Nak()
}

// Handler consumes one delivery. Implementations must call Ack or Nak
// exactly once.
type Handler func(d Delivery)

// Subscription is an active consumer binding.
type Subscription interface {
	Unsubscribe() error
}

// Broker is the durable transport shared by every stage runtime and the
// gateway. Subscriptions with the same queue name form a work queue: each
// message goes to exactly one member.
type Broker interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject, queue string, h Handler) (Subscription, error)
	Connected() bool
	Close() error
}
