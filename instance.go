package activation

import (
	"context"
	"sync"
	"sync/atomic"
)

// State is a lifecycle state of an instance.
type State int32

// Instance states.
const (
	StateDestroyed State = iota
	StateCreated
	StateReady
	StateInMethod
	StatePassivated
)

func (s State) String() string {
	switch s {
	case StateDestroyed:
		return "destroyed"
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateInMethod:
		return "in-method"
	case StatePassivated:
		return "passivated"
	default:
		return "unknown"
	}
}

var _ Usage = &Instance{}

// Instance holds a managed object.
type Instance struct {
	id    BeanID
	home  *Home
	value interface{}

	// key is the cache key instance is stored under, nil for uncached instances.
	key Key

	// lock is the slot lock of key, assigned at creation.
	lock *Lock

	mu        sync.Mutex
	state     State
	removed   bool
	discarded bool

	calls atomic.Int32

	// Fields below are guarded by slot lock.
	currentTx  *Tx
	session    *ActivitySession
	activeOn   *ThreadContext
	waiting    int
	txPin      bool
	sessionPin bool
	callPin    bool
	timeout    *TimeoutElement

	ready    chan struct{}
	readyErr error
}

func newInstance(home *Home, id BeanID, value interface{}) *Instance {
	inst := &Instance{
		id:    id,
		home:  home,
		value: value,
		state: StateCreated,
		ready: make(chan struct{}),
	}

	return inst
}

// ID returns identity.
func (i *Instance) ID() BeanID {
	return i.id
}

// Value returns managed object.
func (i *Instance) Value() interface{} {
	return i.value
}

// Key returns cache key, nil for uncached instance.
func (i *Instance) Key() Key {
	return i.key
}

// State returns lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.state
}

// InUse is true while a method is invoked on the instance.
func (i *Instance) InUse() bool {
	return i.calls.Load() > 0
}

// IsDiscarded is true for instance that was evicted or failed.
func (i *Instance) IsDiscarded() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.discarded
}

// IsRemoved is true for explicitly removed instance.
func (i *Instance) IsRemoved() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.removed
}

func (i *Instance) String() string {
	return i.id.String() + "(" + i.State().String() + ")"
}

func (i *Instance) setState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

func (i *Instance) markDiscarded() {
	i.mu.Lock()
	i.discarded = true
	i.mu.Unlock()
}

// enter registers a method invocation.
func (i *Instance) enter() {
	i.calls.Add(1)

	i.mu.Lock()
	if i.state == StateReady {
		i.state = StateInMethod
	}
	i.mu.Unlock()
}

// exit completes a method invocation.
func (i *Instance) exit() {
	if i.calls.Add(-1) > 0 {
		return
	}

	i.mu.Lock()
	if i.state == StateInMethod {
		i.state = StateReady
	}
	i.mu.Unlock()
}

// eligible checks if object lock can be taken by a thread of control within a unit of work.
//
// Caller must hold slot lock.
func (i *Instance) eligible(tc *ThreadContext, tx *Tx) bool {
	if i.activeOn != nil && i.activeOn != tc {
		return false
	}

	return i.currentTx == nil || i.currentTx == tx
}

// lockFor acquires object lock for a thread of control within a unit of work.
//
// Caller must hold slot lock.
func (i *Instance) lockFor(tc *ThreadContext, tx *Tx) bool {
	if !i.eligible(tc, tx) {
		return false
	}

	i.activeOn = tc

	if tx != nil {
		i.currentTx = tx
	}

	return true
}

// unlock releases thread ownership and wakes waiters.
//
// Caller must hold slot lock.
func (i *Instance) unlock() {
	if !i.InUse() {
		i.activeOn = nil
	}

	if i.waiting > 0 && i.lock != nil {
		i.lock.Broadcast()
	}
}

// release drops unit of work ownership and wakes waiters.
//
// Caller must hold slot lock.
func (i *Instance) release() {
	i.currentTx = nil
	i.txPin = false
	i.unlock()
}

// activated closes the activation gate.
func (i *Instance) activated(err error) {
	i.readyErr = err
	close(i.ready)
}

// awaitActivation blocks until instance activation is finished.
func (i *Instance) awaitActivation(ctx context.Context) error {
	select {
	case <-i.ready:
		return i.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Instance) activate(ctx context.Context) error {
	if a, ok := i.value.(Activatable); ok {
		if err := a.Activate(ctx); err != nil {
			return err
		}
	}

	i.setState(StateReady)

	return nil
}

func (i *Instance) reload(ctx context.Context) error {
	if r, ok := i.value.(Reloadable); ok {
		return r.Reload(ctx)
	}

	return nil
}

// passivate runs passivation hook and writes state out to passivator if it is not nil.
func (i *Instance) passivate(ctx context.Context, p Passivator) error {
	if ps, ok := i.value.(Passivatable); ok {
		if err := ps.Passivate(ctx); err != nil {
			return err
		}
	}

	if p != nil {
		if err := p.Passivate(ctx, i.id, i.value); err != nil {
			return err
		}
	}

	i.setState(StatePassivated)

	if i.timeout != nil {
		i.timeout.passivated.Store(true)
	}

	return nil
}

// markRemoved runs removal hook and marks instance removed.
func (i *Instance) markRemoved(ctx context.Context) error {
	if r, ok := i.value.(Removable); ok {
		if err := r.Remove(ctx); err != nil {
			return err
		}
	}

	i.mu.Lock()
	i.removed = true
	i.mu.Unlock()

	return nil
}

// destroy runs destruction hook once and returns true on first call.
func (i *Instance) destroy(ctx context.Context) bool {
	i.mu.Lock()
	if i.state == StateDestroyed {
		i.mu.Unlock()

		return false
	}

	i.state = StateDestroyed
	i.mu.Unlock()

	if d, ok := i.value.(Destroyable); ok {
		d.Destroy(ctx)
	}

	return true
}

// isTimedOut is true for a ready instance that was idle longer than session timeout.
func (i *Instance) isTimedOut() bool {
	if i.timeout == nil || i.State() != StateReady {
		return false
	}

	return i.timeout.IsTimedOut()
}
