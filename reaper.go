package activation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	"github.com/puzpuzpuz/xsync"
)

// TimeoutElement tracks idle time of a stateful instance.
type TimeoutElement struct {
	ID      BeanID
	Timeout time.Duration

	lastAccess atomic.Int64
	passivated atomic.Bool
}

// NewTimeoutElement creates timeout element accessed now.
func NewTimeoutElement(id BeanID, timeout time.Duration) *TimeoutElement {
	el := &TimeoutElement{ID: id, Timeout: timeout}
	el.Touch()

	return el
}

// Touch sets last access time to now.
func (el *TimeoutElement) Touch() {
	el.lastAccess.Store(timeNow().UnixNano())
}

// LastAccess returns last access time.
func (el *TimeoutElement) LastAccess() time.Time {
	return time.Unix(0, el.lastAccess.Load())
}

// Passivated is true if instance state is held by passivator.
func (el *TimeoutElement) Passivated() bool {
	return el.passivated.Load()
}

// IsTimedOut checks if idle time has elapsed, zero Timeout never elapses.
func (el *TimeoutElement) IsTimedOut() bool {
	if el.Timeout <= 0 {
		return false
	}

	return timeNow().UnixNano()-el.lastAccess.Load() > int64(el.Timeout)
}

// TimeoutHandler times out in-memory instances.
type TimeoutHandler interface {
	Timeout(ctx context.Context, id BeanID) error
}

// ReaperConfig controls reaper instance.
type ReaperConfig struct {
	// Logger is an instance of contextualized logger, can be nil.
	Logger ctxd.Logger

	// Stats is metrics collector, can be nil.
	Stats stats.Tracker

	// Name is reaper instance name, used in stats and logging.
	Name string

	// Interval is a delay between sweeps, default 10s, negative disables background sweeps.
	Interval time.Duration
}

// Reaper detects and reclaims timed out instances.
type Reaper struct {
	registry *xsync.MapOf[string, *TimeoutElement]

	handler    TimeoutHandler
	passivator Passivator

	closed chan struct{}
	once   sync.Once

	config ReaperConfig
	log    ctxd.Logger
	stat   stats.Tracker
}

// NewReaper creates reaper instance and starts background sweeps.
func NewReaper(handler TimeoutHandler, passivator Passivator, cfg ...ReaperConfig) *Reaper {
	config := ReaperConfig{}

	if len(cfg) >= 1 {
		config = cfg[0]
	}

	if config.Interval == 0 {
		config.Interval = 10 * time.Second
	}

	r := &Reaper{
		registry:   xsync.NewMapOf[*TimeoutElement](),
		handler:    handler,
		passivator: passivator,
		closed:     make(chan struct{}),
		config:     config,
		log:        config.Logger,
		stat:       config.Stats,
	}

	if r.log == nil {
		r.log = ctxd.NoOpLogger{}
	}

	if r.stat == nil {
		r.stat = stats.NoOp{}
	}

	if config.Interval > 0 {
		go r.run()
	}

	return r
}

// Add registers timeout element.
func (r *Reaper) Add(el *TimeoutElement) {
	r.registry.Store(el.ID.String(), el)
}

// Remove unregisters identity and returns true if it was registered.
func (r *Reaper) Remove(id BeanID) bool {
	_, ok := r.registry.LoadAndDelete(id.String())

	return ok
}

// TimeoutElement returns registered timeout element.
func (r *Reaper) TimeoutElement(id BeanID) (*TimeoutElement, bool) {
	return r.registry.Load(id.String())
}

// Len returns number of registered elements.
func (r *Reaper) Len() int {
	return r.registry.Size()
}

// BeanExistsAndTimedOut is true if identity is registered and has timed out.
func (r *Reaper) BeanExistsAndTimedOut(id BeanID) bool {
	el, ok := r.registry.Load(id.String())

	return ok && el.IsTimedOut()
}

// BeanDoesNotExistOrHasTimedOut is true if identity is not registered or has timed out.
//
// Missing registration means timed out where another replica may have removed the record.
func (r *Reaper) BeanDoesNotExistOrHasTimedOut(id BeanID) bool {
	el, ok := r.registry.Load(id.String())

	return !ok || el.IsTimedOut()
}

// Sweep reclaims timed out instances and returns their count.
func (r *Reaper) Sweep(ctx context.Context) int {
	var expired []*TimeoutElement

	r.registry.Range(func(_ string, el *TimeoutElement) bool {
		if el.IsTimedOut() {
			expired = append(expired, el)
		}

		return true
	})

	n := 0

	for _, el := range expired {
		if el.Passivated() {
			if err := r.passivator.Remove(ctx, el.ID); err != nil {
				r.log.Error(ctx, "failed to remove passivated state",
					"name", r.config.Name, "bean", el.ID.String(), "error", err)

				continue
			}

			r.registry.Delete(el.ID.String())

			n++

			continue
		}

		if err := r.handler.Timeout(ctx, el.ID); err != nil {
			r.log.Error(ctx, "failed to time out instance",
				"name", r.config.Name, "bean", el.ID.String(), "error", err)

			continue
		}

		n++
	}

	if n > 0 {
		r.stat.Add(ctx, MetricReaperTimeout, float64(n), "name", r.config.Name)
		r.log.Debug(ctx, "reaped timed out instances", "name", r.config.Name, "count", n)
	}

	return n
}

// Close stops background sweeps.
func (r *Reaper) Close() {
	r.once.Do(func() {
		close(r.closed)
	})
}

func (r *Reaper) run() {
	for {
		select {
		case <-time.After(r.config.Interval):
			r.Sweep(context.Background())
		case <-r.closed:
			return
		}
	}
}
