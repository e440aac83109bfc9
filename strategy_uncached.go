package activation

import (
	"context"

	"github.com/bool64/ctxd"
)

// uncachedStrategy constructs an instance for every activation and never stores it.
type uncachedStrategy struct {
	baseStrategy
}

func (s *uncachedStrategy) AtActivate(ctx context.Context, tc *ThreadContext, _ *Tx, h *Home, id BeanID) (*Instance, error) {
	inst, err := s.a.construct(ctx, h, id)
	if err != nil {
		return nil, err
	}

	if err := inst.activate(ctx); err != nil {
		s.a.destroy(detachedContext{ctx: ctx}, inst)

		return nil, ctxd.WrapError(ctx, err, "failed to activate instance", "bean", id.String())
	}

	s.a.stat.Add(ctx, MetricMiss, 1, "name", s.a.config.Name, "home", h.Name)

	inst.enter()
	tc.setCurrent(inst)

	return inst, nil
}

func (s *uncachedStrategy) AtCreate(ctx context.Context, tc *ThreadContext, tx *Tx, h *Home, id BeanID) (*Instance, error) {
	return s.AtActivate(ctx, tc, tx, h, id)
}

func (s *uncachedStrategy) AtPostInvoke(ctx context.Context, tc *ThreadContext, _ *Tx, inst *Instance) error {
	inst.exit()
	s.a.destroy(ctx, inst)

	if tc.Current() == inst {
		tc.setCurrent(nil)
	}

	return nil
}

func (s *uncachedStrategy) AtRemove(ctx context.Context, tc *ThreadContext, tx *Tx, inst *Instance) error {
	return s.AtPostInvoke(ctx, tc, tx, inst)
}
