// Package stream fans identity domain notifications out to live subscribers
// (SSE clients). Delivery is best-effort: slow subscribers drop events rather
// than holding the publisher.
package stream

import (
	"context"
	"sync"

	"tessera.org/internal/identity"
)

// Stream fan-outs notifications to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan identity.Notification
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{
		subs: make(map[int]chan identity.Notification),
	}
}

var _ identity.Notifier = (*Stream)(nil)

// Subscribe registers a subscriber and returns a channel which will receive
// notifications. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan identity.Notification {
	ch := make(chan identity.Notification, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Notify fan-outs the notification to all subscribers.
func (s *Stream) Notify(n identity.Notification) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- n:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// SubscriberCount reports how many subscribers are attached.
func (s *Stream) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
