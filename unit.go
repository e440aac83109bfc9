package activation

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// enlistment is an ordered set of instances bound to a unit of work.
type enlistment struct {
	mu    sync.Mutex
	beans []*Instance
}

// enlist adds instance and returns true if it was not enlisted before.
func (e *enlistment) enlist(inst *Instance) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, b := range e.beans {
		if b == inst {
			return false
		}
	}

	e.beans = append(e.beans, inst)

	return true
}

// delist removes instance and returns true if it was enlisted.
func (e *enlistment) delist(inst *Instance) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, b := range e.beans {
		if b == inst {
			e.beans = append(e.beans[:i], e.beans[i+1:]...)

			return true
		}
	}

	return false
}

// Enlisted checks if instance is bound to the unit of work.
func (e *enlistment) Enlisted(inst *Instance) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, b := range e.beans {
		if b == inst {
			return true
		}
	}

	return false
}

// Beans returns a snapshot of enlisted instances in enlistment order.
func (e *enlistment) Beans() []*Instance {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := make([]*Instance, len(e.beans))
	copy(res, e.beans)

	return res
}

// Tx is a transaction, a unit of work that instances are enlisted in.
//
// Transactions are compared by reference.
type Tx struct {
	enlistment

	id   string
	hash uint64
}

// NewTx creates a transaction.
func NewTx(id string) *Tx {
	return &Tx{id: id, hash: xxhash.Sum64String(id)}
}

// ID returns transaction identifier.
func (tx *Tx) ID() string {
	if tx == nil {
		return ""
	}

	return tx.id
}

func (tx *Tx) String() string {
	return "tx:" + tx.ID()
}

// ActivitySession is a unit of work that outlives transactions.
//
// Sessions are compared by identifier.
type ActivitySession struct {
	enlistment

	id string
}

// NewActivitySession creates an activity session.
func NewActivitySession(id string) *ActivitySession {
	return &ActivitySession{id: id}
}

// ID returns session identifier.
func (s *ActivitySession) ID() string {
	return s.id
}

func (s *ActivitySession) String() string {
	return "session:" + s.id
}

// ThreadContext identifies a thread of control across nested calls.
//
// Use one ThreadContext per request handling goroutine and pass it to every activation
// performed on behalf of that request.
type ThreadContext struct {
	// Session is an activity session active on this thread, can be nil.
	Session *ActivitySession

	current *Instance
}

// NewThreadContext creates a thread context with optional active session.
func NewThreadContext(session ...*ActivitySession) *ThreadContext {
	tc := &ThreadContext{}

	if len(session) > 0 {
		tc.Session = session[0]
	}

	return tc
}

// Current returns the instance most recently activated on this thread, can be nil.
func (tc *ThreadContext) Current() *Instance {
	if tc == nil {
		return nil
	}

	return tc.current
}

func (tc *ThreadContext) setCurrent(inst *Instance) {
	if tc != nil {
		tc.current = inst
	}
}

func (tc *ThreadContext) session() *ActivitySession {
	if tc == nil {
		return nil
	}

	return tc.Session
}
