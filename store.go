package activation

import (
	"context"
	"sync"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	"github.com/puzpuzpuz/xsync"
)

// Entry is a cache entry.
type Entry interface {
	Key() Key
	Value() interface{}
	Pins() int
}

// DiscardStrategy receives entries evicted in background.
type DiscardStrategy interface {
	// SlotLock returns the lock that serializes foreground access to key.
	//
	// Evictor acquires it before any store bucket lock.
	SlotLock(key Key) *Lock

	// Discard passivates or destroys evicted value, it is called while slot lock is held.
	Discard(ctx context.Context, key Key, value interface{})
}

// Cache is a pinning reference counted store.
type Cache interface {
	// Find returns value and pins its entry.
	Find(key Key) (interface{}, bool)

	// FindDontPin returns value without pinning.
	FindDontPin(key Key) (interface{}, bool)

	// Insert adds an entry with a single pin, ErrDuplicateKey is returned for a live key.
	Insert(key Key, value interface{}) error

	// Remove deletes an entry and returns its value.
	//
	// Non-forced removal expects the caller to hold exactly one pin and fails with ErrStillPinned
	// if other holders pin the entry. Forced removal ignores pins.
	Remove(key Key, force bool) (interface{}, error)

	Pin(key Key) error
	Unpin(key Key) error

	// Walk calls function for every entry and fails on first error returned by that function.
	Walk(walkFn func(e Entry) error) (int, error)
	Len() int

	SetDiscardStrategy(d DiscardStrategy)
	SetSweepInterval(interval time.Duration)
	SetPreferredMaxSize(size int)
}

// StoreConfig controls store instance.
type StoreConfig struct {
	// Logger is an instance of contextualized logger, can be nil.
	Logger ctxd.Logger

	// Stats is metrics collector, can be nil.
	Stats stats.Tracker

	// Name is store instance name, used in stats and logging.
	Name string

	// Buckets is a number of internal buckets, default 64.
	Buckets int

	// SweepInterval is delay between two consecutive eviction runs, default 1m.
	SweepInterval time.Duration

	// PreferredMaxSize is a number of entries above which unpinned entries are evicted, default 2053.
	PreferredMaxSize int

	// ItemsCountReportInterval is items count metric report interval, default 1m.
	ItemsCountReportInterval time.Duration
}

var _ Cache = &Store{}

type element struct {
	key        Key
	val        interface{}
	pins       int
	referenced bool
}

type entrySnapshot struct {
	key  Key
	val  interface{}
	pins int
}

func (e entrySnapshot) Key() Key {
	return e.key
}

func (e entrySnapshot) Value() interface{} {
	return e.val
}

func (e entrySnapshot) Pins() int {
	return e.pins
}

type bucket struct {
	sync.Mutex
	data map[uint64][]*element
}

func (b *bucket) lookup(h uint64, key Key) (*element, int) {
	for i, e := range b.data[h] {
		if key.Equal(e.key) {
			return e, i
		}
	}

	return nil, -1
}

func (b *bucket) delete(h uint64, i int) {
	chain := b.data[h]

	if len(chain) == 1 {
		delete(b.data, h)

		return
	}

	b.data[h] = append(chain[:i], chain[i+1:]...)
}

// Store is a bucketed pinning cache with background eviction.
//
// Please use NewStore to create instance.
type Store struct {
	buckets []bucket
	size    *xsync.Counter
	clock   *clock

	mu      sync.Mutex // Securing config and discard.
	discard DiscardStrategy
	closed  chan struct{}
	once    sync.Once

	config StoreConfig
	log    ctxd.Logger
	stat   stats.Tracker
}

// NewStore creates an instance of store with optional configuration.
func NewStore(cfg ...StoreConfig) *Store {
	config := StoreConfig{}

	if len(cfg) >= 1 {
		config = cfg[0]
	}

	if config.Buckets <= 0 {
		config.Buckets = 64
	}

	if config.SweepInterval == 0 {
		config.SweepInterval = time.Minute
	}

	if config.PreferredMaxSize == 0 {
		config.PreferredMaxSize = 2053
	}

	if config.ItemsCountReportInterval == 0 {
		config.ItemsCountReportInterval = time.Minute
	}

	s := &Store{
		buckets: make([]bucket, config.Buckets),
		size:    new(xsync.Counter),
		clock:   newClock(),
		closed:  make(chan struct{}),
		config:  config,
		log:     config.Logger,
		stat:    config.Stats,
	}

	if s.log == nil {
		s.log = ctxd.NoOpLogger{}
	}

	if s.stat == nil {
		s.stat = stats.NoOp{}
	}

	for i := range s.buckets {
		s.buckets[i].data = make(map[uint64][]*element)
	}

	if config.Stats != nil {
		go s.reportItemsCount()
	}

	go s.evictor()

	return s
}

func (s *Store) bucket(h uint64) *bucket {
	return &s.buckets[h%uint64(len(s.buckets))]
}

// Find returns value and pins its entry.
func (s *Store) Find(key Key) (interface{}, bool) {
	h := key.Hash()
	b := s.bucket(h)

	b.Lock()
	defer b.Unlock()

	e, _ := b.lookup(h, key)
	if e == nil {
		return nil, false
	}

	e.pins++
	e.referenced = true

	return e.val, true
}

// FindDontPin returns value without pinning.
func (s *Store) FindDontPin(key Key) (interface{}, bool) {
	h := key.Hash()
	b := s.bucket(h)

	b.Lock()
	defer b.Unlock()

	e, _ := b.lookup(h, key)
	if e == nil {
		return nil, false
	}

	return e.val, true
}

// Insert adds an entry with a single pin.
func (s *Store) Insert(key Key, value interface{}) error {
	h := key.Hash()
	b := s.bucket(h)

	b.Lock()
	defer b.Unlock()

	if e, _ := b.lookup(h, key); e != nil {
		return ErrDuplicateKey
	}

	e := &element{key: key, val: value, pins: 1}
	b.data[h] = append(b.data[h], e)
	s.size.Inc()
	s.clock.add(e)

	return nil
}

// Remove deletes an entry and returns its value.
func (s *Store) Remove(key Key, force bool) (interface{}, error) {
	h := key.Hash()
	b := s.bucket(h)

	b.Lock()
	defer b.Unlock()

	e, i := b.lookup(h, key)
	if e == nil {
		return nil, ErrCacheItemNotFound
	}

	if !force && e.pins > 1 {
		return nil, ErrStillPinned
	}

	b.delete(h, i)
	s.size.Dec()

	return e.val, nil
}

// Pin increments reference count of an entry.
func (s *Store) Pin(key Key) error {
	h := key.Hash()
	b := s.bucket(h)

	b.Lock()
	defer b.Unlock()

	e, _ := b.lookup(h, key)
	if e == nil {
		return ErrCacheItemNotFound
	}

	e.pins++

	return nil
}

// Unpin decrements reference count of an entry.
func (s *Store) Unpin(key Key) error {
	h := key.Hash()
	b := s.bucket(h)

	b.Lock()
	defer b.Unlock()

	e, _ := b.lookup(h, key)
	if e == nil {
		return ErrCacheItemNotFound
	}

	if e.pins == 0 {
		return ErrNotPinned
	}

	e.pins--

	return nil
}

// Pins returns reference count of an entry.
func (s *Store) Pins(key Key) (int, bool) {
	h := key.Hash()
	b := s.bucket(h)

	b.Lock()
	defer b.Unlock()

	e, _ := b.lookup(h, key)
	if e == nil {
		return 0, false
	}

	return e.pins, true
}

// Len returns number of entries.
func (s *Store) Len() int {
	return int(s.size.Value())
}

// Walk walks entries bucket by bucket, function is called without bucket lock held.
func (s *Store) Walk(walkFn func(e Entry) error) (int, error) {
	n := 0

	for i := range s.buckets {
		b := &s.buckets[i]

		b.Lock()
		snapshot := make([]entrySnapshot, 0, len(b.data))

		for _, chain := range b.data {
			for _, e := range chain {
				snapshot = append(snapshot, entrySnapshot{key: e.key, val: e.val, pins: e.pins})
			}
		}
		b.Unlock()

		for _, e := range snapshot {
			if err := walkFn(e); err != nil {
				return n, err
			}

			n++
		}
	}

	return n, nil
}

// SetDiscardStrategy sets receiver of evicted entries, eviction is disabled without it.
func (s *Store) SetDiscardStrategy(d DiscardStrategy) {
	s.mu.Lock()
	s.discard = d
	s.mu.Unlock()
}

// SetSweepInterval sets delay between two consecutive eviction runs.
func (s *Store) SetSweepInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}

	s.mu.Lock()
	s.config.SweepInterval = interval
	s.mu.Unlock()
}

// SetPreferredMaxSize sets a number of entries above which unpinned entries are evicted.
func (s *Store) SetPreferredMaxSize(size int) {
	if size <= 0 {
		return
	}

	s.mu.Lock()
	s.config.PreferredMaxSize = size
	s.mu.Unlock()
}

// Close stops background jobs.
func (s *Store) Close() {
	s.once.Do(func() {
		close(s.closed)
	})
}

func (s *Store) evictor() {
	for {
		s.mu.Lock()
		interval := s.config.SweepInterval
		s.mu.Unlock()

		select {
		case <-time.After(interval):
			s.Evict(context.Background())
		case <-s.closed:
			return
		}
	}
}

func (s *Store) reportItemsCount() {
	for {
		select {
		case <-s.closed:
			return
		case <-time.After(s.config.ItemsCountReportInterval):
			count := s.Len()

			s.log.Debug(context.Background(), "cache items count",
				"name", s.config.Name,
				"count", count,
			)

			s.stat.Set(context.Background(), MetricItems, float64(count), "name", s.config.Name)
		}
	}
}
