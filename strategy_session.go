package activation

import "context"

// sessionStrategy makes activity session the owner of stateful instances enlisted in it.
//
// Calls without an active session are handled by the wrapped strategy unchanged.
// Exactly one pin represents the outermost scope that owns the instance: the session pin
// replaces transaction pin, and commit or rollback do not release session owned instances.
type sessionStrategy struct {
	inner *statefulStrategy
}

var _ Strategy = &sessionStrategy{}

func (s *sessionStrategy) AtActivate(ctx context.Context, tc *ThreadContext, tx *Tx, h *Home, id BeanID) (*Instance, error) {
	return s.inner.activate(ctx, tc, tx, h, id, tc.session())
}

func (s *sessionStrategy) AtCreate(ctx context.Context, tc *ThreadContext, tx *Tx, h *Home, id BeanID) (*Instance, error) {
	return s.inner.create(ctx, tc, tx, h, id, tc.session())
}

func (s *sessionStrategy) AtPostInvoke(ctx context.Context, tc *ThreadContext, tx *Tx, inst *Instance) error {
	return s.inner.AtPostInvoke(ctx, tc, tx, inst)
}

func (s *sessionStrategy) AtLock(ctx context.Context, tc *ThreadContext, tx *Tx, h *Home, id BeanID) error {
	return s.inner.AtLock(ctx, tc, tx, h, id)
}

func (s *sessionStrategy) AtCommit(ctx context.Context, tx *Tx, inst *Instance) error {
	return s.inner.AtCommit(ctx, tx, inst)
}

func (s *sessionStrategy) AtRollback(ctx context.Context, tx *Tx, inst *Instance) error {
	return s.inner.AtRollback(ctx, tx, inst)
}

// AtUnitOfWorkEnd releases session pin, idle instance is passivated.
func (s *sessionStrategy) AtUnitOfWorkEnd(ctx context.Context, session *ActivitySession, inst *Instance) error {
	l := inst.lock

	l.Lock()
	defer l.Unlock()

	if inst.session != session {
		return nil
	}

	session.delist(inst)
	inst.session = nil

	if !inst.sessionPin {
		return nil
	}

	inst.sessionPin = false

	switch {
	case inst.InUse():
		// Running call releases the pin at post invoke.
		inst.callPin = true
	case inst.currentTx != nil:
		inst.txPin = true
	default:
		s.inner.retire(ctx, inst)
	}

	return nil
}

func (s *sessionStrategy) AtEnlist(ctx context.Context, tx *Tx, inst *Instance) error {
	return s.inner.AtEnlist(ctx, tx, inst)
}

func (s *sessionStrategy) AtRemove(ctx context.Context, tc *ThreadContext, tx *Tx, inst *Instance) error {
	return s.inner.AtRemove(ctx, tc, tx, inst)
}

func (s *sessionStrategy) AtTimeout(ctx context.Context, h *Home, id BeanID) error {
	return s.inner.AtTimeout(ctx, h, id)
}

func (s *sessionStrategy) AtPassivate(ctx context.Context, h *Home, id BeanID) error {
	return s.inner.AtPassivate(ctx, h, id)
}

func (s *sessionStrategy) AtGet(tx *Tx, h *Home, id BeanID) (*Instance, bool) {
	return s.inner.AtGet(tx, h, id)
}

func (s *sessionStrategy) AtDiscard(ctx context.Context, inst *Instance) {
	s.inner.AtDiscard(ctx, inst)
}

func (s *sessionStrategy) AtUninstall(ctx context.Context, inst *Instance) {
	s.inner.AtUninstall(ctx, inst)
}
