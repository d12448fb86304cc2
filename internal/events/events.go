// Package events is the in-process publish/subscribe bus that fans engine,
// risk and scheduler events out to the WebSocket hub, Telegram and Kafka.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Type names an event.
type Type string

const (
	OrderSubmitted    Type = "order.submitted"
	OrderRejected     Type = "order.rejected"
	TradeClosed       Type = "trade.closed"
	SignalEmitted     Type = "signal"
	RiskHalt          Type = "risk.halt"
	EnginePaused      Type = "engine.paused"
	EngineResumed     Type = "engine.resumed"
	BacktestCompleted Type = "backtest.completed"
	JobFailed         Type = "job.failed"
)

// Event is the wire format for bus messages.
type Event struct {
	Type    Type      `json:"type"`
	Time    time.Time `json:"time"`
	Symbol  string    `json:"symbol,omitempty"`
	Message string    `json:"message,omitempty"`
	Payload any       `json:"payload,omitempty"`
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(e Event)
}

// Bus broadcasts events to subscribers. Publishing never blocks; slow
// consumers have events dropped.
type Bus struct {
	mu        sync.Mutex
	nextSubID int
	subs      map[int]chan Event
	dropped   int
	now       func() time.Time
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event), now: time.Now}
}

// Publish stamps e with the current time if unset and sends it to every
// subscriber non-blocking (drop on full).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
}

// Subscribe returns a channel that receives events. bufSize controls the
// channel buffer.
func (b *Bus) Subscribe(bufSize int) (int, <-chan Event) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subs[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Sink consumes events outside the process.
type Sink interface {
	Write(ctx context.Context, e Event) error
	Close() error
}

// Drain subscribes sink to the bus and forwards events until ctx is done.
// Write errors are logged and do not stop the drain.
func Drain(ctx context.Context, b *Bus, sink Sink, logger *slog.Logger) error {
	id, ch := b.Subscribe(256)
	defer b.Unsubscribe(id)
	defer sink.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if err := sink.Write(ctx, e); err != nil && ctx.Err() == nil {
				logger.Warn("event sink write failed", "type", e.Type, "error", err)
			}
		}
	}
}

// Filter returns a predicate matching the given types. No types match
// everything.
func Filter(types ...string) func(Event) bool {
	if len(types) == 0 {
		return func(Event) bool { return true }
	}
	set := make(map[Type]struct{}, len(types))
	for _, t := range types {
		set[Type(t)] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}
