package activation

import (
	"context"

	"github.com/bool64/ctxd"
)

// perUnitStrategy keeps an instance per identity and unit of work.
//
// Instances are keyed by TxKey, or by SessionKey for session scoped homes called within
// an activity session. Unit of work holds a single pin until it ends.
// Calls outside of any unit of work get a fresh instance.
type perUnitStrategy struct {
	baseStrategy
}

// unitKey returns key of instance within unit of work, nil key if there is no unit.
func (s *perUnitStrategy) unitKey(tc *ThreadContext, tx *Tx, h *Home, id BeanID) (Key, *ActivitySession) {
	if session := tc.session(); h.SessionScoped && session != nil {
		return NewSessionKey(session, id), session
	}

	if tx != nil {
		return TxKey{Tx: tx, ID: id}, nil
	}

	return nil, nil
}

func (s *perUnitStrategy) AtActivate(ctx context.Context, tc *ThreadContext, tx *Tx, h *Home, id BeanID) (*Instance, error) {
	key, session := s.unitKey(tc, tx, h, id)
	if key == nil {
		return s.standalone(ctx, tc, h, id)
	}

	l := s.a.SlotLock(key)

	l.Lock()
	defer l.Unlock()

	inst, found := s.find(key)
	if found && inst.State() == StateDestroyed {
		s.unpin(ctx, inst)

		return nil, ErrNoSuchObject
	}

	if !found {
		var err error

		if inst, err = s.a.construct(ctx, h, id); err != nil {
			return nil, err
		}

		inst.key = key
		inst.lock = l
		inst.activated(nil)

		if err := s.a.store.Insert(key, inst); err != nil {
			s.a.destroy(ctx, inst)

			return nil, ctxd.WrapError(ctx, err, "failed to store instance", "bean", id.String())
		}

		if err := inst.activate(ctx); err != nil {
			s.discardFailed(ctx, inst)

			return nil, ctxd.WrapError(ctx, err, "failed to activate instance", "bean", id.String())
		}

		s.a.stat.Add(ctx, MetricMiss, 1, "name", s.a.config.Name, "home", h.Name)
	} else {
		s.a.stat.Add(ctx, MetricHit, 1, "name", s.a.config.Name, "home", h.Name)
	}

	var newlyEnlisted bool

	if session != nil {
		newlyEnlisted = session.enlist(inst)
		inst.session = session
	} else {
		newlyEnlisted = tx.enlist(inst)
		inst.currentTx = tx
	}

	// First enlistment keeps find pin as unit pin.
	if !newlyEnlisted {
		s.unpin(ctx, inst)
	}

	inst.enter()
	tc.setCurrent(inst)

	return inst, nil
}

// standalone constructs an instance that lives for a single call.
func (s *perUnitStrategy) standalone(ctx context.Context, tc *ThreadContext, h *Home, id BeanID) (*Instance, error) {
	inst, err := s.a.construct(ctx, h, id)
	if err != nil {
		return nil, err
	}

	if err := inst.activate(ctx); err != nil {
		s.a.destroy(detachedContext{ctx: ctx}, inst)

		return nil, ctxd.WrapError(ctx, err, "failed to activate instance", "bean", id.String())
	}

	inst.enter()
	tc.setCurrent(inst)

	return inst, nil
}

func (s *perUnitStrategy) AtCreate(ctx context.Context, tc *ThreadContext, tx *Tx, h *Home, id BeanID) (*Instance, error) {
	return s.AtActivate(ctx, tc, tx, h, id)
}

func (s *perUnitStrategy) AtPostInvoke(ctx context.Context, _ *ThreadContext, _ *Tx, inst *Instance) error {
	if inst.key == nil {
		inst.exit()

		if !inst.IsRemoved() {
			if err := inst.passivate(ctx, nil); err != nil {
				s.a.log.Error(ctx, "failed to passivate instance", "name", s.a.config.Name, "bean", inst.id.String(), "error", err)
			}
		}

		s.a.destroy(ctx, inst)

		return nil
	}

	l := inst.lock

	l.Lock()
	defer l.Unlock()

	inst.exit()

	if inst.IsRemoved() || inst.IsDiscarded() {
		s.evict(ctx, inst)
	}

	return nil
}

func (s *perUnitStrategy) AtRemove(ctx context.Context, tc *ThreadContext, tx *Tx, inst *Instance) error {
	return s.AtPostInvoke(ctx, tc, tx, inst)
}

func (s *perUnitStrategy) AtCommit(ctx context.Context, tx *Tx, inst *Instance) error {
	return s.end(ctx, inst, tx, nil, true)
}

// AtRollback drops instance without passivation.
func (s *perUnitStrategy) AtRollback(ctx context.Context, tx *Tx, inst *Instance) error {
	return s.end(ctx, inst, tx, nil, false)
}

func (s *perUnitStrategy) AtUnitOfWorkEnd(ctx context.Context, session *ActivitySession, inst *Instance) error {
	return s.end(ctx, inst, nil, session, true)
}

// end removes instance of a finished unit of work.
func (s *perUnitStrategy) end(ctx context.Context, inst *Instance, tx *Tx, session *ActivitySession, passivate bool) error {
	if inst.key == nil {
		return nil
	}

	l := inst.lock

	l.Lock()
	defer l.Unlock()

	if (tx != nil && inst.currentTx != tx) || (session != nil && inst.session != session) {
		return nil
	}

	if err := s.remove(inst, true); err != nil {
		return ctxd.WrapError(ctx, err, "failed to remove instance", "bean", inst.id.String())
	}

	if passivate && !inst.IsRemoved() && inst.State() != StateDestroyed {
		if err := inst.passivate(ctx, nil); err != nil {
			s.a.log.Error(ctx, "failed to passivate instance", "name", s.a.config.Name, "bean", inst.id.String(), "error", err)
		} else {
			s.a.stat.Add(ctx, MetricPassivate, 1, "name", s.a.config.Name, "home", inst.home.Name)
		}
	}

	s.a.destroy(ctx, inst)
	inst.markDiscarded()
	inst.currentTx = nil
	inst.session = nil

	return nil
}

func (s *perUnitStrategy) AtGet(tx *Tx, _ *Home, id BeanID) (*Instance, bool) {
	if tx == nil {
		return nil, false
	}

	return s.cached(TxKey{Tx: tx, ID: id})
}
