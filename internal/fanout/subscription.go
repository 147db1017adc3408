package fanout

import (
	"sync"
	"sync/atomic"

	"github.com/ashureev/kdapp-runtime/internal/domain"
)

type offerResult int

const (
	offerDelivered offerResult = iota
	offerDroppedOldest
	offerClosed
)

// Subscription is one receive handle.
type Subscription struct {
	id        uint64
	hub       *Hub
	episodeID string

	mu      sync.Mutex
	ch      chan domain.Event
	closed  bool
	dropped atomic.Uint64
}

// Events returns the receive side. It is closed by Close.
func (s *Subscription) Events() <-chan domain.Event {
	return s.ch
}

// Dropped returns how many events this subscriber lost to a full queue.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription and releases its queue. Safe to call more
// than once.
func (s *Subscription) Close() {
	s.hub.remove(s.id)
	s.closeQueue()
}

func (s *Subscription) closeQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// offer enqueues ev without blocking. Producers serialize on s.mu; the
// consumer may drain concurrently, which only makes room.
func (s *Subscription) offer(ev domain.Event) offerResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return offerClosed
	}

	select {
	case s.ch <- ev:
		return offerDelivered
	default:
	}

	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
	s.dropped.Add(1)
	return offerDroppedOldest
}
