package events

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/mr1hm/report-verification/internal/models"
)

const subscriberBuffer = 100

// Filter selects the events a subscriber receives. Empty fields match
// everything.
type Filter struct {
	ReportID string
	Kinds    []models.ReportKind
	Statuses []models.VerificationStatus
}

func (f Filter) Match(e Event) bool {
	if f.ReportID != "" && f.ReportID != e.ReportID {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.OverallStatus) {
		return false
	}
	return true
}

type subscriber struct {
	ch      chan Event
	filter  Filter
	dropped atomic.Int64
}

// Broadcaster fans report events out to in-process subscribers such as SSE
// streams. A subscriber whose buffer is full misses the event.
type Broadcaster struct {
	subscribers map[uint64]*subscriber
	nextID      atomic.Uint64
	mu          sync.RWMutex
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[uint64]*subscriber),
	}
}

// Subscribe registers a subscriber for events matching f. The channel is
// closed by Unsubscribe or Close.
func (b *Broadcaster) Subscribe(f Filter) (uint64, <-chan Event) {
	id := b.nextID.Add(1)
	sub := &subscriber{ch: make(chan Event, subscriberBuffer), filter: f}

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	return id, sub.ch
}

func (b *Broadcaster) Unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	if ok {
		if n := sub.dropped.Load(); n > 0 {
			slog.Warn("stream subscriber missed events", "subscriber_id", id, "dropped", n)
		}
	}
}

func (b *Broadcaster) Broadcast(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !sub.filter.Match(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (b *Broadcaster) Publish(_ context.Context, e Event) error {
	b.Broadcast(e)
	return nil
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes all subscriber channels, ending their streams.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}
