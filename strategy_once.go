package activation

import (
	"context"

	"github.com/bool64/ctxd"
)

// onceStrategy shares a single instance per identity.
//
// Exclusive variant lets only one unit of work use the instance at a time and fails
// other units immediately.
type onceStrategy struct {
	baseStrategy

	exclusive bool
}

func (s *onceStrategy) AtActivate(ctx context.Context, tc *ThreadContext, tx *Tx, h *Home, id BeanID) (*Instance, error) {
	key := MainKey(id)
	l := s.a.SlotLock(key)

	l.Lock()

	inst, found := s.find(key)
	if found && (inst.IsDiscarded() || inst.State() == StateDestroyed) {
		// Stale entry of a failed activation.
		s.unpin(ctx, inst)

		if err := s.remove(inst, true); err != nil {
			l.Unlock()

			return nil, ctxd.WrapError(ctx, err, "failed to remove stale entry", "bean", id.String())
		}

		found = false
	}

	created := false

	if !found {
		var err error

		inst, err = s.a.construct(ctx, h, id)
		if err != nil {
			l.Unlock()

			return nil, err
		}

		inst.key = key
		inst.lock = l

		if err := s.a.store.Insert(key, inst); err != nil {
			l.Unlock()
			s.a.destroy(ctx, inst)

			return nil, ctxd.WrapError(ctx, err, "failed to store instance", "bean", id.String())
		}

		created = true
	}

	l.Unlock()

	if err := s.awaitActivation(ctx, inst, created); err != nil {
		return nil, err
	}

	if created {
		s.a.stat.Add(ctx, MetricMiss, 1, "name", s.a.config.Name, "home", h.Name)
	} else {
		s.a.stat.Add(ctx, MetricHit, 1, "name", s.a.config.Name, "home", h.Name)
	}

	return s.claim(ctx, tc, tx, inst, false)
}

// awaitActivation activates a new instance outside of slot lock, other activations of
// the same instance wait for the result.
func (s *onceStrategy) awaitActivation(ctx context.Context, inst *Instance, created bool) error {
	l := inst.lock

	if created {
		err := inst.activate(ctx)
		inst.activated(err)

		if err != nil {
			l.Lock()
			s.discardFailed(ctx, inst)
			l.Unlock()

			return ctxd.WrapError(ctx, err, "failed to activate instance", "bean", inst.id.String())
		}

		return nil
	}

	if err := inst.awaitActivation(ctx); err != nil {
		l.Lock()
		s.unpin(detachedContext{ctx: ctx}, inst)
		l.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		return ErrNoSuchObject
	}

	return nil
}

// claim takes exclusive hold if needed and enlists instance, instance holds a call pin.
func (s *onceStrategy) claim(ctx context.Context, tc *ThreadContext, tx *Tx, inst *Instance, entered bool) (*Instance, error) {
	l := inst.lock

	l.Lock()
	defer l.Unlock()

	if s.exclusive && !inst.lockFor(tc, tx) {
		if entered {
			inst.exit()
		}

		s.unpin(ctx, inst)
		s.a.stat.Add(ctx, MetricBusy, 1, "name", s.a.config.Name, "home", inst.home.Name)
		s.a.log.Debug(ctx, "instance is held by another unit of work",
			"name", s.a.config.Name, "bean", inst.id.String())

		return nil, ErrConcurrentAccess
	}

	if !entered {
		inst.enter()
	}

	if tx != nil && tx.enlist(inst) {
		if err := s.pin(inst); err != nil {
			tx.delist(inst)
			inst.exit()
			s.unpin(ctx, inst)
			inst.unlock()

			return nil, ctxd.WrapError(ctx, err, "failed to pin instance for transaction", "bean", inst.id.String())
		}
	}

	tc.setCurrent(inst)

	return inst, nil
}

func (s *onceStrategy) AtCreate(ctx context.Context, tc *ThreadContext, tx *Tx, h *Home, id BeanID) (*Instance, error) {
	return s.AtActivate(ctx, tc, tx, h, id)
}

func (s *onceStrategy) AtPostInvoke(ctx context.Context, _ *ThreadContext, _ *Tx, inst *Instance) error {
	l := inst.lock

	l.Lock()
	defer l.Unlock()

	inst.exit()

	if inst.IsRemoved() || inst.IsDiscarded() || inst.State() == StateDestroyed {
		s.evict(ctx, inst)

		return nil
	}

	s.unpin(ctx, inst)
	inst.unlock()

	return nil
}

func (s *onceStrategy) AtRemove(ctx context.Context, tc *ThreadContext, tx *Tx, inst *Instance) error {
	return s.AtPostInvoke(ctx, tc, tx, inst)
}

// AtLock enlists instance without leaving an invocation open.
func (s *onceStrategy) AtLock(ctx context.Context, tc *ThreadContext, tx *Tx, h *Home, id BeanID) error {
	if tx == nil {
		return nil
	}

	inst, err := s.AtActivate(ctx, tc, tx, h, id)
	if err != nil {
		return err
	}

	return s.AtPostInvoke(ctx, tc, tx, inst)
}

func (s *onceStrategy) AtEnlist(ctx context.Context, tx *Tx, inst *Instance) error {
	l := inst.lock

	l.Lock()
	defer l.Unlock()

	if s.exclusive && inst.currentTx != nil && inst.currentTx != tx {
		return ErrConcurrentAccess
	}

	if !tx.enlist(inst) {
		return nil
	}

	if err := s.pin(inst); err != nil {
		tx.delist(inst)

		return ctxd.WrapError(ctx, err, "failed to pin instance for transaction", "bean", inst.id.String())
	}

	if s.exclusive {
		inst.currentTx = tx
	}

	return nil
}

func (s *onceStrategy) AtCommit(ctx context.Context, tx *Tx, inst *Instance) error {
	l := inst.lock

	l.Lock()
	defer l.Unlock()

	s.complete(ctx, tx, inst)

	return nil
}

func (s *onceStrategy) AtRollback(ctx context.Context, tx *Tx, inst *Instance) error {
	return s.AtCommit(ctx, tx, inst)
}

// complete drops transaction pin, removed or failed instance is evicted.
//
// Caller must hold slot lock.
func (s *onceStrategy) complete(ctx context.Context, tx *Tx, inst *Instance) {
	if inst.IsRemoved() || inst.IsDiscarded() || inst.State() == StateDestroyed {
		s.evict(ctx, inst)

		return
	}

	s.unpin(ctx, inst)

	if inst.currentTx == tx {
		inst.currentTx = nil
		inst.unlock()
	}
}

func (s *onceStrategy) AtGet(_ *Tx, _ *Home, id BeanID) (*Instance, bool) {
	return s.cached(MainKey(id))
}
