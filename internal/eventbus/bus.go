// Package eventbus fans streamed run events out to observers.
//
// Delivery is fire-and-forget: slow subscribers drop events and nothing is
// retried. Durable state lives in the store; the bus only exists so UIs and
// API clients can watch runs live.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Stream names carried by events.
const (
	StreamToken   = "token"
	StreamMessage = "message"
	StreamRun     = "run"
	StreamBudget  = "budget"
	StreamSystem  = "system"
	StreamError   = "error"
)

type Event struct {
	ID        string         `json:"id"`
	Stream    string         `json:"stream"`
	ProjectID string         `json:"project_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Channel   string         `json:"channel,omitempty"`
	Subject   string         `json:"subject,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type subscriber struct {
	streams map[string]struct{}
	ch      chan Event
}

type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
}

func NewBus() *Bus {
	return &Bus{subs: map[string]*subscriber{}}
}

// Publish assigns the event an id and timestamp and delivers it to every
// matching subscriber. It never blocks.
func (b *Bus) Publish(event Event) Event {
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if len(sub.streams) > 0 {
			if _, ok := sub.streams[event.Stream]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- event:
		default:
			// Drop if subscriber is slow.
		}
	}
	return event
}

// Subscribe returns a channel of events for the given streams (all streams
// when empty). The channel is closed when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, streams ...string) <-chan Event {
	ch := make(chan Event, 64)
	streamSet := map[string]struct{}{}
	for _, s := range streams {
		if s == "" {
			continue
		}
		streamSet[s] = struct{}{}
	}
	id := ulid.Make().String()

	sub := &subscriber{streams: streamSet, ch: ch}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
