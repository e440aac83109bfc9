package activation

import (
	"context"
	"time"
)

// Policy selects activation strategy of a home.
type Policy int

// Activation policies.
const (
	// PolicyUncached constructs a new instance for every activation.
	PolicyUncached Policy = iota

	// PolicyOnce shares a single instance per identity.
	PolicyOnce

	// PolicyOnceExclusive shares a single instance per identity, held exclusively by a unit of work.
	PolicyOnceExclusive

	// PolicyTransaction keeps a stateful instance that is used by one unit of work at a time.
	PolicyTransaction

	// PolicyActivitySession is PolicyTransaction where activity sessions own instances.
	PolicyActivitySession

	// PolicyPerUnit keeps an instance per identity and unit of work.
	PolicyPerUnit

	// PolicyReload shares a single instance per identity and reloads it periodically.
	PolicyReload
)

func (p Policy) String() string {
	switch p {
	case PolicyUncached:
		return "uncached"
	case PolicyOnce:
		return "once"
	case PolicyOnceExclusive:
		return "once-exclusive"
	case PolicyTransaction:
		return "transaction"
	case PolicyActivitySession:
		return "activity-session"
	case PolicyPerUnit:
		return "per-unit"
	case PolicyReload:
		return "reload"
	default:
		return "unknown"
	}
}

// WaitIndefinitely is an access timeout that waits for a busy instance without limit.
const WaitIndefinitely = time.Duration(-1)

// Factory constructs a value of managed object.
type Factory func(ctx context.Context, id BeanID) (interface{}, error)

// HomeConfig controls instances of a home.
type HomeConfig struct {
	// SessionTimeout is an idle time after which stateful instance is timed out, 0 disables timeout.
	SessionTimeout time.Duration

	// AccessTimeout limits waiting for a busy instance, default WaitIndefinitely, 0 fails immediately.
	AccessTimeout time.Duration

	// ReloadInterval is a lifetime of PolicyReload instance, default 1m.
	ReloadInterval time.Duration

	// Replicated enables failover interpretation of missing timeout records.
	Replicated bool

	// SessionScoped makes PolicyPerUnit instances owned by activity session if there is one.
	SessionScoped bool
}

// Home describes a kind of managed objects.
type Home struct {
	HomeConfig

	Name    string
	Policy  Policy
	Factory Factory
}

// NewHome creates home with optional configuration.
func NewHome(name string, policy Policy, factory Factory, options ...func(cfg *HomeConfig)) *Home {
	h := &Home{
		Name:    name,
		Policy:  policy,
		Factory: factory,
	}

	h.AccessTimeout = WaitIndefinitely

	for _, option := range options {
		option(&h.HomeConfig)
	}

	if h.ReloadInterval <= 0 {
		h.ReloadInterval = time.Minute
	}

	return h
}

// ID returns identity of a managed object of this home.
func (h *Home) ID(key string) BeanID {
	return BeanID{Home: h.Name, Key: key}
}

// Activatable is implemented by values that need to restore resources on activation.
type Activatable interface {
	Activate(ctx context.Context) error
}

// Passivatable is implemented by values that need to release resources before passivation.
type Passivatable interface {
	Passivate(ctx context.Context) error
}

// Removable is implemented by values that need to be notified of explicit removal.
type Removable interface {
	Remove(ctx context.Context) error
}

// Destroyable is implemented by values that need to release resources on destruction.
type Destroyable interface {
	Destroy(ctx context.Context)
}

// Reloadable is implemented by values that refresh their state in place.
type Reloadable interface {
	Reload(ctx context.Context) error
}
