package activation

import (
	"context"
	"errors"
)

// Strategy controls caching and concurrency of instances of a Policy.
type Strategy interface {
	// AtActivate returns an instance ready for a method invocation.
	AtActivate(ctx context.Context, tc *ThreadContext, tx *Tx, h *Home, id BeanID) (*Instance, error)

	// AtCreate adds a new instance ready for a method invocation.
	AtCreate(ctx context.Context, tc *ThreadContext, tx *Tx, h *Home, id BeanID) (*Instance, error)

	// AtPostInvoke completes a method invocation.
	AtPostInvoke(ctx context.Context, tc *ThreadContext, tx *Tx, inst *Instance) error

	// AtLock takes a unit of work hold on an instance without invoking it.
	AtLock(ctx context.Context, tc *ThreadContext, tx *Tx, h *Home, id BeanID) error

	AtCommit(ctx context.Context, tx *Tx, inst *Instance) error
	AtRollback(ctx context.Context, tx *Tx, inst *Instance) error
	AtUnitOfWorkEnd(ctx context.Context, s *ActivitySession, inst *Instance) error
	AtEnlist(ctx context.Context, tx *Tx, inst *Instance) error

	// AtRemove completes a method invocation on an instance marked removed.
	AtRemove(ctx context.Context, tc *ThreadContext, tx *Tx, inst *Instance) error

	AtTimeout(ctx context.Context, h *Home, id BeanID) error
	AtPassivate(ctx context.Context, h *Home, id BeanID) error
	AtGet(tx *Tx, h *Home, id BeanID) (*Instance, bool)

	// AtDiscard receives instance evicted from store, slot lock is held.
	AtDiscard(ctx context.Context, inst *Instance)

	// AtUninstall receives instance removed from store on home uninstall, slot lock is held.
	AtUninstall(ctx context.Context, inst *Instance)
}

// baseStrategy provides no-op defaults.
type baseStrategy struct {
	a *Activator
}

func (baseStrategy) AtLock(_ context.Context, _ *ThreadContext, _ *Tx, _ *Home, _ BeanID) error {
	return nil
}

func (baseStrategy) AtCommit(_ context.Context, _ *Tx, _ *Instance) error {
	return nil
}

func (baseStrategy) AtRollback(_ context.Context, _ *Tx, _ *Instance) error {
	return nil
}

func (baseStrategy) AtUnitOfWorkEnd(_ context.Context, _ *ActivitySession, _ *Instance) error {
	return nil
}

func (baseStrategy) AtEnlist(_ context.Context, _ *Tx, _ *Instance) error {
	return nil
}

func (baseStrategy) AtTimeout(_ context.Context, _ *Home, _ BeanID) error {
	return nil
}

func (baseStrategy) AtPassivate(_ context.Context, _ *Home, _ BeanID) error {
	return nil
}

func (baseStrategy) AtGet(_ *Tx, _ *Home, _ BeanID) (*Instance, bool) {
	return nil, false
}

func (s baseStrategy) AtDiscard(ctx context.Context, inst *Instance) {
	inst.markDiscarded()
	s.a.destroy(ctx, inst)
}

func (s baseStrategy) AtUninstall(ctx context.Context, inst *Instance) {
	inst.markDiscarded()
	s.a.destroy(ctx, inst)
}

// cached returns instance stored under key without pinning.
func (s baseStrategy) cached(key Key) (*Instance, bool) {
	v, found := s.a.store.FindDontPin(key)
	if !found {
		return nil, false
	}

	inst, ok := v.(*Instance)

	return inst, ok
}

// find returns instance stored under key and pins it.
func (s baseStrategy) find(key Key) (*Instance, bool) {
	v, found := s.a.store.Find(key)
	if !found {
		return nil, false
	}

	inst, ok := v.(*Instance)

	return inst, ok
}

// unpin drops a pin of instance entry if the entry still holds the instance.
//
// Caller must hold slot lock.
func (s baseStrategy) unpin(ctx context.Context, inst *Instance) {
	if cur, ok := s.cached(inst.key); !ok || cur != inst {
		s.a.log.Debug(ctx, "skipping unpin of replaced entry", "name", s.a.config.Name, "key", inst.key.String())

		return
	}

	if err := s.a.store.Unpin(inst.key); err != nil {
		s.a.log.Warn(ctx, "failed to unpin entry", "name", s.a.config.Name, "key", inst.key.String(), "error", err)
	}
}

// pin adds a pin to instance entry if the entry still holds the instance.
//
// Caller must hold slot lock.
func (s baseStrategy) pin(inst *Instance) error {
	if cur, ok := s.cached(inst.key); !ok || cur != inst {
		return ErrNoSuchObject
	}

	return s.a.store.Pin(inst.key)
}

// remove deletes instance entry if the entry still holds the instance.
//
// Non-forced removal of an entry pinned by other holders returns ErrStillPinned.
// Caller must hold slot lock.
func (s baseStrategy) remove(inst *Instance, force bool) error {
	if cur, ok := s.cached(inst.key); !ok || cur != inst {
		return nil
	}

	_, err := s.a.store.Remove(inst.key, force)
	if errors.Is(err, ErrCacheItemNotFound) {
		return nil
	}

	return err
}

// evict forcibly removes and destroys instance and delists it from units of work.
//
// Caller must hold slot lock.
func (s baseStrategy) evict(ctx context.Context, inst *Instance) {
	if err := s.remove(inst, true); err != nil {
		s.a.log.Warn(ctx, "failed to remove entry", "name", s.a.config.Name, "key", inst.key.String(), "error", err)
	}

	s.a.destroy(ctx, inst)

	if inst.currentTx != nil {
		inst.currentTx.delist(inst)
	}

	if inst.session != nil {
		inst.session.delist(inst)
		inst.session = nil
	}

	inst.sessionPin = false
	inst.callPin = false
	inst.release()
}

// discardFailed unwinds instance that failed activation after it was stored.
//
// Caller must hold slot lock and a single pin.
func (s baseStrategy) discardFailed(ctx context.Context, inst *Instance) {
	ctx = detachedContext{ctx: ctx}

	inst.markDiscarded()
	s.a.destroy(ctx, inst)

	if err := s.remove(inst, false); err != nil {
		if errors.Is(err, ErrStillPinned) {
			s.a.log.Debug(ctx, "failed instance is pinned by another holder",
				"name", s.a.config.Name, "key", inst.key.String())
			s.unpin(ctx, inst)

			return
		}

		s.a.log.Error(ctx, "failed to remove failed instance",
			"name", s.a.config.Name, "key", inst.key.String(), "error", err)
	}
}

var (
	_ Strategy = &uncachedStrategy{}
	_ Strategy = &onceStrategy{}
	_ Strategy = &reloadStrategy{}
	_ Strategy = &statefulStrategy{}
	_ Strategy = &perUnitStrategy{}
)
