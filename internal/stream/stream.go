// Package stream fans sale state out to subscribers (SSE clients). Every
// successful reservation publishes a full snapshot, and a heartbeat republishes
// every active sale so subscribers who missed an event self-heal from the next
// tick instead of needing a gap-filling protocol.
package stream

import (
	"context"
	"sync"
	"time"

	"flashdrop.org/internal/obs"
	"flashdrop.org/internal/sale"
)

// Stream fan-outs snapshots to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan sale.Snapshot
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan sale.Snapshot)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// snapshots. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan sale.Snapshot {
	ch := make(chan sale.Snapshot, 16)

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

// Publish fan-outs the snapshot to all subscribers. Delivery is at-least-once
// across the stream plus heartbeat; each snapshot is full state, so consumers
// need no ordering guarantee.
func (s *Stream) Publish(snap sale.Snapshot) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers reports the current subscriber count.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// StartHeartbeat republishes snapshots from source at the provided interval
// until the returned stop function is called. The source is expected to
// return one snapshot per currently active sale.
func (s *Stream) StartHeartbeat(interval time.Duration, source func(ctx context.Context) []sale.Snapshot) func() {
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snaps := source(ctx)
				for _, snap := range snaps {
					s.Publish(snap)
				}
				if len(snaps) > 0 {
					obs.ObserveHeartbeat()
				}
			}
		}
	}()
	return cancel
}
