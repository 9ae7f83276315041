package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"solana-fee-pipeline/internal/observability"
	"solana-fee-pipeline/internal/retry"
)

type memoryEntry struct {
	msg       Message
	visibleAt time.Time
	leased    bool
}

// MemoryBroker is an in-process Broker used by single-binary runs and tests.
type MemoryBroker struct {
	mu          sync.Mutex
	clock       clockwork.Clock
	topics      map[string][]*memoryEntry
	dead        []DeadLetter
	notify      chan struct{}
	failPublish error
}

// NewMemoryBroker creates a MemoryBroker. A nil clock uses the real clock.
func NewMemoryBroker(clock clockwork.Clock) *MemoryBroker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryBroker{
		clock:  clock,
		topics: make(map[string][]*memoryEntry),
		notify: make(chan struct{}),
	}
}

// Compile-time interface check.
var _ Broker = (*MemoryBroker)(nil)

func (b *MemoryBroker) Publish(ctx context.Context, msg Message) error {
	return b.PublishBatch(ctx, []Message{msg})
}

func (b *MemoryBroker) PublishBatch(_ context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	b.mu.Lock()
	if b.failPublish != nil {
		err := b.failPublish
		b.mu.Unlock()
		return err
	}
	now := b.clock.Now()
	for _, m := range msgs {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		b.topics[m.Topic] = append(b.topics[m.Topic], &memoryEntry{msg: m, visibleAt: now})
	}
	b.wakeLocked()
	b.mu.Unlock()

	for _, m := range msgs {
		observability.RecordPublished(m.Topic, 1)
	}
	return nil
}

// FailPublish makes every subsequent publish return err; nil restores it.
func (b *MemoryBroker) FailPublish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPublish = err
}

// Pending returns copies of the undelivered messages of a topic in order.
func (b *MemoryBroker) Pending(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, 0, len(b.topics[topic]))
	for _, e := range b.topics[topic] {
		out = append(out, e.msg)
	}
	return out
}

// Take removes and returns the undelivered messages of a topic.
func (b *MemoryBroker) Take(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out, keep []*memoryEntry
	for _, e := range b.topics[topic] {
		if e.leased {
			keep = append(keep, e)
			continue
		}
		out = append(out, e)
	}
	b.topics[topic] = keep

	msgs := make([]Message, 0, len(out))
	for _, e := range out {
		msgs = append(msgs, e.msg)
	}
	return msgs
}

// DeadLetters returns the dead-lettered messages.
func (b *MemoryBroker) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeadLetter(nil), b.dead...)
}

func (b *MemoryBroker) wakeLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// next leases the first visible message of topic.
func (b *MemoryBroker) next(topic string) (*memoryEntry, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	for _, e := range b.topics[topic] {
		if !e.leased && !now.Before(e.visibleAt) {
			e.leased = true
			e.msg.Attempts++
			return e, nil
		}
	}
	return nil, b.notify
}

func (b *MemoryBroker) ack(topic string, entry *memoryEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.topics[topic]
	for i, e := range entries {
		if e == entry {
			b.topics[topic] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

func (b *MemoryBroker) nack(topic string, entry *memoryEntry, herr error, opts ConsumeOptions) {
	if IsPermanent(herr) || entry.msg.Attempts >= opts.MaxAttempts {
		b.ack(topic, entry)
		b.mu.Lock()
		b.dead = append(b.dead, DeadLetter{Message: entry.msg, LastError: herr.Error(), DeadAt: b.clock.Now()})
		b.mu.Unlock()
		observability.RecordDeadLetter(topic)
		opts.Logger.Error("queue: message dead-lettered",
			"topic", topic, "message_id", entry.msg.ID, "correlation_id", entry.msg.CorrelationID,
			"attempts", entry.msg.Attempts, "error", herr)
		return
	}

	backoff := retry.Backoff(opts.BackoffBase, opts.BackoffMax, entry.msg.Attempts-1)
	b.mu.Lock()
	entry.leased = false
	entry.visibleAt = b.clock.Now().Add(backoff)
	b.mu.Unlock()
	opts.Logger.Warn("queue: message nacked",
		"topic", topic, "message_id", entry.msg.ID, "correlation_id", entry.msg.CorrelationID,
		"attempts", entry.msg.Attempts, "backoff", backoff, "error", herr)
}

func (b *MemoryBroker) Consume(ctx context.Context, topic string, opts ConsumeOptions, h Handler) error {
	opts = opts.withDefaults()

	g := new(errgroup.Group)
	g.SetLimit(opts.Prefetch)

	for {
		entry, wake := b.next(topic)
		if entry == nil {
			select {
			case <-ctx.Done():
				_ = g.Wait()
				return nil
			case <-wake:
			case <-b.clock.After(opts.PollInterval):
			}
			continue
		}

		msg := entry.msg
		g.Go(func() error {
			observability.AddInFlight(topic, 1)
			defer observability.AddInFlight(topic, -1)

			if err := runHandler(ctx, h, &msg); err != nil {
				if errors.Is(err, context.Canceled) && ctx.Err() != nil {
					b.release(entry)
					return nil
				}
				b.nack(topic, entry, err, opts)
				return nil
			}
			b.ack(topic, entry)
			return nil
		})
	}
}

// release returns a message interrupted by shutdown without counting it.
func (b *MemoryBroker) release(entry *memoryEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry.leased = false
	entry.msg.Attempts--
	b.wakeLocked()
}
