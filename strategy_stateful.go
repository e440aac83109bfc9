package activation

import (
	"context"
	"errors"
	"time"

	"github.com/bool64/ctxd"
)

// statefulStrategy keeps a conversational instance that is used by one thread of control
// and one unit of work at a time.
//
// Instance pins are owned by the outermost scope: a transaction, an activity session
// or a single call if there is neither.
type statefulStrategy struct {
	baseStrategy
}

// slotLock prefers lock cached on instance that was last activated by thread of control.
func (s *statefulStrategy) slotLock(tc *ThreadContext, key Key) *Lock {
	if cur := tc.Current(); cur != nil && cur.lock != nil && cur.key != nil && cur.key.Equal(key) {
		return cur.lock
	}

	return s.a.SlotLock(key)
}

func (s *statefulStrategy) AtActivate(ctx context.Context, tc *ThreadContext, tx *Tx, h *Home, id BeanID) (*Instance, error) {
	return s.activate(ctx, tc, tx, h, id, nil)
}

// activate acquires instance for a thread of control, waiting while it is busy.
//
// Non-nil session takes pin ownership instead of transaction.
func (s *statefulStrategy) activate(
	ctx context.Context,
	tc *ThreadContext,
	tx *Tx,
	h *Home,
	id BeanID,
	session *ActivitySession,
) (*Instance, error) {
	key := MainKey(id)
	l := s.slotLock(tc, key)

	l.Lock()
	defer l.Unlock()

	var (
		inst     *Instance
		budget   = s.a.accessTimeout(ctx, h)
		deadline time.Time
	)

	for {
		var found bool

		inst, found = s.find(key)
		if !found {
			var err error

			if inst, err = s.load(ctx, h, id, key, l); err != nil {
				return nil, err
			}

			s.a.stat.Add(ctx, MetricMiss, 1, "name", s.a.config.Name, "home", h.Name)

			break
		}

		if inst.eligible(tc, tx) {
			s.a.stat.Add(ctx, MetricHit, 1, "name", s.a.config.Name, "home", h.Name)

			break
		}

		wait := budget

		if budget > 0 {
			if deadline.IsZero() {
				deadline = time.Now().Add(budget)
			}

			wait = time.Until(deadline)
		}

		s.unpin(ctx, inst)

		if budget == 0 || (budget > 0 && wait <= 0) {
			s.a.stat.Add(ctx, MetricBusy, 1, "name", s.a.config.Name, "home", h.Name)
			s.a.log.Debug(ctx, "instance is busy", "name", s.a.config.Name, "bean", id.String())

			return nil, ErrConcurrentAccess
		}

		s.a.stat.Add(ctx, MetricWait, 1, "name", s.a.config.Name, "home", h.Name)

		inst.waiting++
		err := l.Wait(ctx, wait)
		inst.waiting--

		if err != nil && !errors.Is(err, errWaitTimeout) {
			return nil, err
		}
	}

	if err := s.check(ctx, inst); err != nil {
		return nil, err
	}

	// Object lock is taken only after checks, a failed call must not bind instance to its unit of work.
	inst.lockFor(tc, tx)
	s.claim(ctx, tx, session, inst)

	inst.enter()
	tc.setCurrent(inst)

	return inst, nil
}

// check validates acquired instance, failed instance is unpinned and released.
//
// Caller must hold slot lock and a find pin.
func (s *statefulStrategy) check(ctx context.Context, inst *Instance) error {
	if inst.InUse() {
		// Object lock is held by this thread of control in an outer call.
		s.unpin(ctx, inst)

		return ErrNotReentrant
	}

	failure := ErrNoSuchObject

	switch {
	case inst.State() == StateDestroyed:
	case inst.isTimedOut():
		s.a.stat.Add(ctx, MetricTimeout, 1, "name", s.a.config.Name, "home", inst.home.Name)
		s.a.log.Debug(ctx, "instance timed out", "name", s.a.config.Name, "bean", inst.id.String())
		s.a.destroy(ctx, inst)

		failure = ErrTimedOut
	default:
		return nil
	}

	if err := s.remove(inst, false); err != nil {
		if !errors.Is(err, ErrStillPinned) {
			return ctxd.WrapError(ctx, err, "failed to remove instance", "bean", inst.id.String())
		}

		s.unpin(ctx, inst)
	}

	s.abandon(inst)

	return failure
}

// abandon drops unit of work binding of an instance that failed checks and wakes waiters.
//
// Caller must hold slot lock.
func (s *statefulStrategy) abandon(inst *Instance) {
	if !inst.txPin && !inst.sessionPin {
		inst.currentTx = nil
	}

	inst.unlock()
}

// claim transfers find pin to the outermost owning scope.
//
// Caller must hold slot lock and a find pin.
func (s *statefulStrategy) claim(ctx context.Context, tx *Tx, session *ActivitySession, inst *Instance) {
	if tx != nil {
		tx.enlist(inst)
	}

	switch {
	case session != nil:
		session.enlist(inst)
		inst.session = session

		if inst.sessionPin {
			s.unpin(ctx, inst)

			return
		}

		if inst.txPin {
			// Transaction pin is handed over to the session.
			s.unpin(ctx, inst)
			inst.txPin = false
		}

		inst.sessionPin = true
	case inst.txPin || inst.sessionPin:
		s.unpin(ctx, inst)
	case tx != nil:
		inst.txPin = true
	default:
		inst.callPin = true
	}
}

// load restores passivated instance and stores it.
//
// Caller must hold slot lock.
func (s *statefulStrategy) load(ctx context.Context, h *Home, id BeanID, key Key, l *Lock) (*Instance, error) {
	if s.a.reaper.BeanExistsAndTimedOut(id) {
		s.a.stat.Add(ctx, MetricTimeout, 1, "name", s.a.config.Name, "home", h.Name)

		return nil, ErrTimedOut
	}

	value, err := s.a.passivator.Activate(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrCacheItemNotFound) {
			return nil, ctxd.WrapError(ctx, err, "failed to restore passivated state", "bean", id.String())
		}

		if h.Replicated && s.a.reaper.BeanDoesNotExistOrHasTimedOut(id) {
			return nil, ErrTimedOut
		}

		return nil, ErrNoSuchObject
	}

	return s.install(ctx, newInstance(h, id, value), key, l)
}

// install stores and activates instance, instance holds a find pin.
//
// Caller must hold slot lock.
func (s *statefulStrategy) install(ctx context.Context, inst *Instance, key Key, l *Lock) (*Instance, error) {
	inst.key = key
	inst.lock = l
	inst.activated(nil)

	if err := s.a.store.Insert(key, inst); err != nil {
		s.a.destroy(ctx, inst)

		return nil, ctxd.WrapError(ctx, err, "failed to store instance", "bean", inst.id.String())
	}

	if inst.home.SessionTimeout > 0 {
		el, ok := s.a.reaper.TimeoutElement(inst.id)
		if !ok || el.Timeout != inst.home.SessionTimeout {
			el = NewTimeoutElement(inst.id, inst.home.SessionTimeout)
			s.a.reaper.Add(el)
		}

		el.passivated.Store(false)
		el.Touch()

		inst.timeout = el
	}

	if err := inst.activate(ctx); err != nil {
		s.discardFailed(ctx, inst)

		return nil, ctxd.WrapError(ctx, err, "failed to activate instance", "bean", inst.id.String())
	}

	return inst, nil
}

func (s *statefulStrategy) AtCreate(ctx context.Context, tc *ThreadContext, tx *Tx, h *Home, id BeanID) (*Instance, error) {
	return s.create(ctx, tc, tx, h, id, nil)
}

func (s *statefulStrategy) create(
	ctx context.Context,
	tc *ThreadContext,
	tx *Tx,
	h *Home,
	id BeanID,
	session *ActivitySession,
) (*Instance, error) {
	key := MainKey(id)
	l := s.slotLock(tc, key)

	l.Lock()
	defer l.Unlock()

	inst, err := s.a.construct(ctx, h, id)
	if err != nil {
		return nil, err
	}

	if inst, err = s.install(ctx, inst, key, l); err != nil {
		return nil, err
	}

	inst.lockFor(tc, tx)
	s.claim(ctx, tx, session, inst)

	inst.enter()
	tc.setCurrent(inst)

	return inst, nil
}

func (s *statefulStrategy) AtPostInvoke(ctx context.Context, _ *ThreadContext, _ *Tx, inst *Instance) error {
	l := inst.lock

	l.Lock()
	defer l.Unlock()

	inst.exit()

	if inst.IsRemoved() || inst.IsDiscarded() {
		s.evict(ctx, inst)

		return nil
	}

	if inst.timeout != nil {
		inst.timeout.Touch()
	}

	if inst.callPin {
		inst.callPin = false
		s.unpin(ctx, inst)
	}

	inst.unlock()

	return nil
}

// AtLock binds instance to transaction until commit or rollback without leaving an invocation open.
func (s *statefulStrategy) AtLock(ctx context.Context, tc *ThreadContext, tx *Tx, h *Home, id BeanID) error {
	if tx == nil {
		return nil
	}

	inst, err := s.activate(ctx, tc, tx, h, id, nil)
	if err != nil {
		return err
	}

	return s.AtPostInvoke(ctx, tc, tx, inst)
}

func (s *statefulStrategy) AtRemove(ctx context.Context, tc *ThreadContext, tx *Tx, inst *Instance) error {
	return s.AtPostInvoke(ctx, tc, tx, inst)
}

func (s *statefulStrategy) AtEnlist(ctx context.Context, tx *Tx, inst *Instance) error {
	l := inst.lock

	l.Lock()
	defer l.Unlock()

	if inst.currentTx != nil && inst.currentTx != tx {
		return ErrConcurrentAccess
	}

	inst.currentTx = tx

	if !tx.enlist(inst) || inst.txPin || inst.sessionPin {
		return nil
	}

	if err := s.pin(inst); err != nil {
		tx.delist(inst)
		inst.currentTx = nil

		return ctxd.WrapError(ctx, err, "failed to pin instance for transaction", "bean", inst.id.String())
	}

	inst.txPin = true

	return nil
}

func (s *statefulStrategy) AtCommit(ctx context.Context, tx *Tx, inst *Instance) error {
	l := inst.lock

	l.Lock()
	defer l.Unlock()

	s.complete(ctx, tx, inst)

	return nil
}

func (s *statefulStrategy) AtRollback(ctx context.Context, tx *Tx, inst *Instance) error {
	return s.AtCommit(ctx, tx, inst)
}

// complete ends transaction ownership, instance is passivated unless it is in a method.
//
// Caller must hold slot lock.
func (s *statefulStrategy) complete(ctx context.Context, tx *Tx, inst *Instance) {
	if inst.currentTx != tx {
		return
	}

	if !inst.txPin {
		// Instance is owned by activity session or pinned by other transaction.
		inst.currentTx = nil
		inst.unlock()

		return
	}

	if !inst.IsRemoved() && inst.State() != StateDestroyed && inst.InUse() {
		// Passivation is not allowed during invocation, transaction pin is left to the running call.
		if inst.callPin {
			s.unpin(ctx, inst)
		} else {
			inst.callPin = true
		}

		inst.release()

		return
	}

	s.retire(ctx, inst)
}

// retire removes instance from store and passivates or destroys it.
//
// Caller must hold slot lock.
func (s *statefulStrategy) retire(ctx context.Context, inst *Instance) {
	if err := s.remove(inst, true); err != nil {
		s.a.log.Warn(ctx, "failed to remove entry", "name", s.a.config.Name, "key", inst.key.String(), "error", err)
	}

	if inst.IsRemoved() || inst.State() == StateDestroyed {
		s.a.destroy(ctx, inst)
	} else {
		s.a.passivate(ctx, inst)
	}

	if inst.session != nil {
		inst.session.delist(inst)
		inst.session = nil
	}

	inst.markDiscarded()
	inst.callPin = false
	inst.sessionPin = false
	inst.release()
}

func (s *statefulStrategy) AtTimeout(ctx context.Context, _ *Home, id BeanID) error {
	key := MainKey(id)
	l := s.a.SlotLock(key)

	l.Lock()
	defer l.Unlock()

	inst, found := s.find(key)
	if !found {
		if el, ok := s.a.reaper.TimeoutElement(id); ok && el.IsTimedOut() {
			if err := s.a.passivator.Remove(ctx, id); err != nil {
				return ctxd.WrapError(ctx, err, "failed to remove passivated state", "bean", id.String())
			}

			s.a.reaper.Remove(id)
		}

		return nil
	}

	if inst.InUse() || inst.currentTx != nil || inst.sessionPin || !inst.isTimedOut() {
		s.unpin(ctx, inst)

		return nil
	}

	if err := s.remove(inst, false); err != nil {
		s.unpin(ctx, inst)

		if errors.Is(err, ErrStillPinned) {
			s.a.log.Debug(ctx, "timed out instance is pinned", "name", s.a.config.Name, "bean", id.String())

			return nil
		}

		return ctxd.WrapError(ctx, err, "failed to remove timed out instance", "bean", id.String())
	}

	s.a.stat.Add(ctx, MetricTimeout, 1, "name", s.a.config.Name, "home", inst.home.Name)
	s.a.destroy(ctx, inst)
	inst.markDiscarded()
	inst.unlock()

	return nil
}

func (s *statefulStrategy) AtPassivate(ctx context.Context, _ *Home, id BeanID) error {
	key := MainKey(id)
	l := s.a.SlotLock(key)

	l.Lock()
	defer l.Unlock()

	inst, found := s.find(key)
	if !found {
		return nil
	}

	if inst.InUse() || inst.currentTx != nil || inst.sessionPin {
		s.unpin(ctx, inst)
		s.a.log.Debug(ctx, "skipping passivation of busy instance", "name", s.a.config.Name, "bean", id.String())

		return nil
	}

	if err := s.remove(inst, false); err != nil {
		s.unpin(ctx, inst)

		if errors.Is(err, ErrStillPinned) {
			s.a.log.Debug(ctx, "skipping passivation of pinned instance", "name", s.a.config.Name, "bean", id.String())

			return nil
		}

		return ctxd.WrapError(ctx, err, "failed to remove instance", "bean", id.String())
	}

	s.a.passivate(ctx, inst)
	inst.markDiscarded()
	inst.unlock()

	return nil
}

func (s *statefulStrategy) AtGet(_ *Tx, _ *Home, id BeanID) (*Instance, bool) {
	return s.cached(MainKey(id))
}

func (s *statefulStrategy) AtDiscard(ctx context.Context, inst *Instance) {
	if inst.IsRemoved() || inst.State() == StateDestroyed {
		s.a.destroy(ctx, inst)
	} else {
		s.a.passivate(ctx, inst)
	}

	inst.markDiscarded()
	inst.unlock()
}

func (s *statefulStrategy) AtUninstall(ctx context.Context, inst *Instance) {
	if inst.IsRemoved() || inst.InUse() || inst.State() == StateDestroyed {
		s.a.destroy(ctx, inst)
	} else {
		s.a.passivate(ctx, inst)
	}

	inst.markDiscarded()
	inst.sessionPin = false
	inst.release()
}
