// Package queue delivers JSON messages over named topics with at-least-once
// semantics. A message is acknowledged only when its handler returns nil;
// errors are redelivered with exponential backoff until the attempt limit,
// after which the message is dead-lettered.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Message is one delivery of a topic payload.
type Message struct {
	ID            string
	Topic         string
	Payload       json.RawMessage
	CorrelationID string
	Attempts      int // deliveries so far, including the current one
	CreatedAt     time.Time
}

// NewMessage encodes v as the payload of a new message.
func NewMessage(topic string, v any, correlationID string) (Message, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", topic, err)
	}
	return Message{
		ID:            uuid.NewString(),
		Topic:         topic,
		Payload:       payload,
		CorrelationID: correlationID,
	}, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", m.Topic, err))
	}
	return nil
}

// Handler processes one message. Returning nil acknowledges it.
type Handler func(ctx context.Context, msg *Message) error

// Publisher publishes messages.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	// PublishBatch publishes all messages or none.
	PublishBatch(ctx context.Context, msgs []Message) error
}

// Broker is a Publisher that can also consume.
type Broker interface {
	Publisher
	// Consume runs handlers for topic until ctx is cancelled, then waits for
	// in-flight handlers to return.
	Consume(ctx context.Context, topic string, opts ConsumeOptions, h Handler) error
}

// ConsumeOptions controls delivery for one topic.
type ConsumeOptions struct {
	Prefetch     int           // max concurrent handlers
	MaxAttempts  int           // deliveries before dead-lettering
	BackoffBase  time.Duration // first redelivery delay
	BackoffMax   time.Duration
	Lease        time.Duration // visibility timeout of a delivered message
	PollInterval time.Duration // idle wait between fetches
	Logger       *slog.Logger
}

func (o ConsumeOptions) withDefaults() ConsumeOptions {
	if o.Prefetch <= 0 {
		o.Prefetch = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = o.BackoffBase
	}
	if o.Lease <= 0 {
		o.Lease = 2 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The message is dead-lettered
// on the first failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// DeadLetter is a message that exhausted its attempts or failed permanently.
type DeadLetter struct {
	Message
	LastError string
	DeadAt    time.Time
}

// runHandler invokes h and converts a panic into an error.
func runHandler(ctx context.Context, h Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}
