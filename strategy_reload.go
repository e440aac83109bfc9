package activation

import (
	"context"

	"github.com/bool64/ctxd"
)

// reloadStrategy shares a single instance per identity and reloads it once its key expires.
//
// Instances are stored under TimeKey with expiration instant and searched with CurrentTimeKey.
type reloadStrategy struct {
	onceStrategy
}

func (s *reloadStrategy) AtActivate(ctx context.Context, tc *ThreadContext, tx *Tx, h *Home, id BeanID) (*Instance, error) {
	search := CurrentTimeKey(id)
	l := s.a.SlotLock(search)

	l.Lock()

	inst, found := s.find(search)

	switch {
	case found:
		if err := s.reload(ctx, h, inst); err != nil {
			l.Unlock()

			return nil, err
		}

		s.a.stat.Add(ctx, MetricHit, 1, "name", s.a.config.Name, "home", h.Name)
	default:
		if inst, found = s.find(anyTimeKey(id)); found && !inst.IsDiscarded() {
			// Expired instance is in use, serving it stale.
			s.a.stat.Add(ctx, MetricHit, 1, "name", s.a.config.Name, "home", h.Name)

			break
		}

		if found {
			s.unpin(ctx, inst)

			if err := s.remove(inst, true); err != nil {
				l.Unlock()

				return nil, ctxd.WrapError(ctx, err, "failed to remove stale entry", "bean", id.String())
			}
		}

		var err error

		if inst, err = s.load(ctx, h, id, l); err != nil {
			l.Unlock()

			return nil, err
		}

		s.a.stat.Add(ctx, MetricMiss, 1, "name", s.a.config.Name, "home", h.Name)
	}

	// Entering under slot lock keeps concurrent searches from reloading the instance.
	inst.enter()
	l.Unlock()

	return s.claim(ctx, tc, tx, inst, true)
}

// reload refreshes instance matched on an expired key.
//
// Caller must hold slot lock and a find pin, the key is not in use.
func (s *reloadStrategy) reload(ctx context.Context, h *Home, inst *Instance) error {
	k, ok := inst.key.(*TimeKey)
	if !ok || !k.Expired() {
		return nil
	}

	if err := inst.reload(ctx); err != nil {
		// Failed instance leaves the store even if units of work still pin it,
		// their completion finds the entry gone.
		inst.markDiscarded()
		s.evict(detachedContext{ctx: ctx}, inst)

		return ctxd.WrapError(ctx, err, "failed to reload instance", "bean", inst.id.String())
	}

	k.ResetExpiration(timeNow().Add(h.ReloadInterval))

	s.a.log.Debug(ctx, "instance reloaded", "name", s.a.config.Name, "bean", inst.id.String())

	return nil
}

// load constructs, activates and stores a new instance.
//
// Caller must hold slot lock.
func (s *reloadStrategy) load(ctx context.Context, h *Home, id BeanID, l *Lock) (*Instance, error) {
	inst, err := s.a.construct(ctx, h, id)
	if err != nil {
		return nil, err
	}

	if err := inst.activate(ctx); err != nil {
		s.a.destroy(detachedContext{ctx: ctx}, inst)

		return nil, ctxd.WrapError(ctx, err, "failed to activate instance", "bean", id.String())
	}

	inst.activated(nil)
	inst.key = NewTimeKey(id, timeNow().Add(h.ReloadInterval), inst)
	inst.lock = l

	if err := s.a.store.Insert(inst.key, inst); err != nil {
		s.a.destroy(ctx, inst)

		return nil, ctxd.WrapError(ctx, err, "failed to store instance", "bean", id.String())
	}

	return inst, nil
}

func (s *reloadStrategy) AtCreate(ctx context.Context, tc *ThreadContext, tx *Tx, h *Home, id BeanID) (*Instance, error) {
	return s.AtActivate(ctx, tc, tx, h, id)
}

func (s *reloadStrategy) AtLock(ctx context.Context, tc *ThreadContext, tx *Tx, h *Home, id BeanID) error {
	if tx == nil {
		return nil
	}

	inst, err := s.AtActivate(ctx, tc, tx, h, id)
	if err != nil {
		return err
	}

	return s.AtPostInvoke(ctx, tc, tx, inst)
}

func (s *reloadStrategy) AtGet(_ *Tx, _ *Home, id BeanID) (*Instance, bool) {
	return s.cached(anyTimeKey(id))
}
