// Package progress implements the append-only, multi-consumer event log
// between an experiment worker and its SSE subscribers.
//
// One producer appends serialized JSON events; any number of consumers
// iterate from a caller-chosen offset. Late subscribers replay the full
// history from offset 0, even after the producer has finished.
package progress

import (
	"sync"
	"time"
)

// NextStatus tells a consumer what Next returned.
type NextStatus int

const (
	// NextEvent: an event was returned.
	NextEvent NextStatus = iota
	// NextKeepalive: the wait timed out; emit a keepalive and retry.
	NextKeepalive
	// NextDone: the bus finished and the offset is past the end.
	NextDone
)

// Bus is one experiment's progress log. Safe for one producer and many
// concurrent consumers.
type Bus struct {
	mu         sync.Mutex
	events     []string
	finished   bool
	finishedAt time.Time
	notify     chan struct{}
}

// NewBus creates an empty progress bus.
func NewBus() *Bus {
	return &Bus{notify: make(chan struct{})}
}

// Publish appends one serialized event and wakes all waiting consumers.
// Publishing after Finish is a no-op.
func (b *Bus) Publish(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return
	}
	b.events = append(b.events, event)
	close(b.notify)
	b.notify = make(chan struct{})
}

// Finish marks the bus complete. Consumers drain the remaining history
// and then terminate. Idempotent.
func (b *Bus) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return
	}
	b.finished = true
	b.finishedAt = time.Now()
	close(b.notify)
	b.notify = make(chan struct{})
}

// Finished reports whether the producer has finished.
func (b *Bus) Finished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished
}

// FinishedAt returns when the bus finished; the zero time while live.
func (b *Bus) FinishedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finishedAt
}

// Len returns the current number of events.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Next returns the event at offset, blocking until it exists, the bus
// finishes, or timeout elapses (keepalive). Every consumer iterating from
// offset 0 observes the identical sequence.
func (b *Bus) Next(offset int, timeout time.Duration) (string, NextStatus) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		b.mu.Lock()
		if offset < len(b.events) {
			event := b.events[offset]
			b.mu.Unlock()
			return event, NextEvent
		}
		if b.finished {
			b.mu.Unlock()
			return "", NextDone
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-wait:
		case <-deadline.C:
			return "", NextKeepalive
		}
	}
}

// Consumer iterates a bus from its own offset.
type Consumer struct {
	bus    *Bus
	offset int
}

// Subscribe creates a consumer starting at the given offset. Offset 0
// replays the full history.
func (b *Bus) Subscribe(offset int) *Consumer {
	if offset < 0 {
		offset = 0
	}
	return &Consumer{bus: b, offset: offset}
}

// Next advances the consumer. On NextEvent the consumer's offset moves
// forward; on NextKeepalive the caller should emit a keepalive comment
// and call Next again.
func (c *Consumer) Next(timeout time.Duration) (string, NextStatus) {
	event, status := c.bus.Next(c.offset, timeout)
	if status == NextEvent {
		c.offset++
	}
	return event, status
}

// Offset returns the consumer's current position.
func (c *Consumer) Offset() int { return c.offset }
