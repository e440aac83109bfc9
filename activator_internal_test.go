package activation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type cartState struct {
	Items     []string
	reloads   int
	reloadErr error
}

func (c *cartState) Reload(_ context.Context) error {
	if c.reloadErr != nil {
		return c.reloadErr
	}

	c.reloads++

	return nil
}

// nolint:gochecknoinits // Registering passivated types.
func init() {
	GobRegister(&cartState{})
}

func newCart(_ context.Context, _ BeanID) (interface{}, error) {
	return &cartState{}, nil
}

// manualClock replaces timeNow for the duration of a test.
type manualClock struct {
	now time.Time
}

func (c *manualClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func useManualClock(t *testing.T) *manualClock {
	t.Helper()

	c := &manualClock{now: time.Unix(100000, 0)}
	prev := timeNow

	timeNow = func() time.Time {
		return c.now
	}

	t.Cleanup(func() {
		timeNow = prev
	})

	return c
}

func newTestActivator(t *testing.T, homes ...*Home) *Activator {
	t.Helper()

	a := NewActivator(Config{
		Name:           "test",
		SweepInterval:  time.Hour,
		ReaperInterval: -1,
	})

	t.Cleanup(a.Close)

	for _, h := range homes {
		require.NoError(t, a.Install(h))
	}

	return a
}

func invoke(t *testing.T, a *Activator, tc *ThreadContext, tx *Tx, id BeanID) *Instance {
	t.Helper()

	inst, err := a.Activate(context.Background(), tc, tx, id)
	require.NoError(t, err)
	require.NoError(t, a.PostInvoke(context.Background(), tc, tx, inst))

	return inst
}
