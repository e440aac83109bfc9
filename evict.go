package activation

import (
	"context"
	"sync"

	"github.com/eapache/queue"
)

// clock is a second chance queue of stored elements in insertion order.
type clock struct {
	mu sync.Mutex
	q  *queue.Queue
}

func newClock() *clock {
	return &clock{q: queue.New()}
}

func (c *clock) add(e *element) {
	c.mu.Lock()
	c.q.Add(e)
	c.mu.Unlock()
}

// take removes all queued elements.
func (c *clock) take() []*element {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.q.Length()
	res := make([]*element, 0, n)

	for i := 0; i < n; i++ {
		e, ok := c.q.Remove().(*element)
		if ok {
			res = append(res, e)
		}
	}

	return res
}

// Evict makes a single pass over stored entries and discards unpinned ones
// while the store holds more than preferred max size of entries.
//
// Entries that were found since the previous pass get a second chance.
// Slot lock of an entry is acquired before its bucket lock and is held while discard strategy runs.
// Values that implement Usage are not evicted while in use.
func (s *Store) Evict(ctx context.Context) int {
	s.mu.Lock()
	maxSize := s.config.PreferredMaxSize
	d := s.discard
	s.mu.Unlock()

	evicted := 0

	for _, e := range s.clock.take() {
		h := e.key.Hash()
		b := s.bucket(h)

		b.Lock()
		cur, _ := b.lookup(h, e.key)

		if cur != e {
			// Removed by foreground.
			b.Unlock()

			continue
		}

		candidate := e.pins == 0 && !e.referenced
		e.referenced = false
		b.Unlock()

		if !candidate || d == nil || s.Len() <= maxSize || !s.evict(ctx, d, e) {
			s.clock.add(e)

			continue
		}

		evicted++
	}

	if evicted > 0 {
		s.stat.Add(ctx, MetricEvict, float64(evicted), "name", s.config.Name)
		s.log.Debug(ctx, "evicted cache entries", "name", s.config.Name, "count", evicted)
	}

	return evicted
}

func (s *Store) evict(ctx context.Context, d DiscardStrategy, e *element) bool {
	l := d.SlotLock(e.key)

	// Busy slot is skipped to keep foreground activations unblocked.
	if !l.TryLock() {
		return false
	}
	defer l.Unlock()

	h := e.key.Hash()
	b := s.bucket(h)

	b.Lock()
	cur, i := b.lookup(h, e.key)

	if cur != e || e.pins != 0 {
		b.Unlock()

		return false
	}

	if u, ok := e.val.(Usage); ok && u.InUse() {
		b.Unlock()

		return false
	}

	b.delete(h, i)
	s.size.Dec()
	b.Unlock()

	d.Discard(ctx, e.key, e.val)

	return true
}
