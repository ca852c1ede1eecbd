// Package logring provides the bounded per-session log buffer. Entries
// are kept in arrival order; once the capacity is reached the oldest
// entry is evicted FIFO. Tail subscriptions replay the buffered entries
// and then stream live appends until the ring closes.
package logring

import (
	"context"
	"sync"

	"mcphost/internal/domain"
)

// Ring is a bounded FIFO buffer of log entries with live tailing.
// Append never blocks: a subscriber that cannot keep up loses entries
// rather than stalling the session's read loop.
type Ring struct {
	mu       sync.Mutex
	entries  []domain.LogEntry
	start    int
	size     int
	evicted  uint64
	subs     map[chan domain.LogEntry]struct{}
	closed   bool
	server   string
	metrics  domain.Metrics
	capacity int
}

type Options struct {
	// Capacity bounds the number of retained entries. Zero selects
	// domain.DefaultLogBufferSize.
	Capacity int
	Server   string
	Metrics  domain.Metrics
}

func New(opts Options) *Ring {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = domain.DefaultLogBufferSize
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	return &Ring{
		entries:  make([]domain.LogEntry, capacity),
		subs:     make(map[chan domain.LogEntry]struct{}),
		server:   opts.Server,
		metrics:  metrics,
		capacity: capacity,
	}
}

// Append records an entry, evicting the oldest one when the ring is
// full, and fans it out to live tails. Appends after Close are dropped.
func (r *Ring) Append(entry domain.LogEntry) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if r.size == r.capacity {
		r.start = (r.start + 1) % r.capacity
		r.evicted++
		r.metrics.ObserveLogEviction(r.server)
	} else {
		r.size++
	}
	r.entries[(r.start+r.size-1)%r.capacity] = entry
	for ch := range r.subs {
		select {
		case ch <- entry:
		default:
		}
	}
	r.mu.Unlock()

	r.metrics.ObserveLogEntry(r.server, entry.Stream)
}

// Snapshot returns the buffered entries oldest-first.
func (r *Ring) Snapshot() []domain.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Ring) snapshotLocked() []domain.LogEntry {
	out := make([]domain.LogEntry, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.entries[(r.start+i)%r.capacity]
	}
	return out
}

// Evicted reports how many entries have been dropped to honor the
// capacity bound.
func (r *Ring) Evicted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evicted
}

// Tail replays the buffered entries and then streams live appends. The
// returned channel closes when ctx is cancelled or the ring closes.
// Replayed and live entries never interleave out of order.
func (r *Ring) Tail(ctx context.Context) <-chan domain.LogEntry {
	out := make(chan domain.LogEntry, r.capacity)

	r.mu.Lock()
	replay := r.snapshotLocked()
	if r.closed {
		r.mu.Unlock()
		go func() {
			defer close(out)
			for _, entry := range replay {
				select {
				case out <- entry:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out
	}
	live := make(chan domain.LogEntry, r.capacity)
	r.subs[live] = struct{}{}
	r.mu.Unlock()

	go func() {
		defer close(out)
		defer r.unsubscribe(live)
		for _, entry := range replay {
			select {
			case out <- entry:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case entry, ok := <-live:
				if !ok {
					return
				}
				select {
				case out <- entry:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (r *Ring) unsubscribe(ch chan domain.LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[ch]; ok {
		delete(r.subs, ch)
		close(ch)
	}
}

// Close terminates every live tail. Buffered entries remain readable
// through Snapshot and replay-only Tail calls. Close is idempotent.
func (r *Ring) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for ch := range r.subs {
		delete(r.subs, ch)
		close(ch)
	}
	r.mu.Unlock()
}
