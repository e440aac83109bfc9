package activation_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vearutop/activation"
)

type account struct {
	ID      string
	Balance int
	Removed bool
}

func (a *account) Remove(_ context.Context) error {
	if a.Balance < 0 {
		return errors.New("negative balance")
	}

	a.Removed = true

	return nil
}

// nolint:gochecknoinits // Registering passivated types.
func init() {
	activation.GobRegister(&account{})
}

func newAccount(_ context.Context, id activation.BeanID) (interface{}, error) {
	return &account{ID: id.Key}, nil
}

// countingCache tracks live entries per identity.
type countingCache struct {
	activation.Cache

	mu      sync.Mutex
	live    map[activation.BeanID]int
	maxLive int
}

func (c *countingCache) Insert(key activation.Key, value interface{}) error {
	if err := c.Cache.Insert(key, value); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.live[key.Identity()]++

	if c.live[key.Identity()] > c.maxLive {
		c.maxLive = c.live[key.Identity()]
	}

	return nil
}

func (c *countingCache) Remove(key activation.Key, force bool) (interface{}, error) {
	v, err := c.Cache.Remove(key, force)
	if err != nil {
		return v, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.live[key.Identity()]--

	return v, nil
}

func (c *countingCache) max() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.maxLive
}

type fixture struct {
	a          *activation.Activator
	store      *activation.Store
	cache      *countingCache
	passivator *activation.MemoryPassivator
	st         *stats.TrackerMock
}

func newFixture(t *testing.T, homes ...*activation.Home) *fixture {
	t.Helper()

	f := &fixture{
		store:      activation.NewStore(activation.StoreConfig{Name: "test", SweepInterval: time.Hour}),
		passivator: activation.NewMemoryPassivator(),
		st:         &stats.TrackerMock{},
	}

	f.cache = &countingCache{Cache: f.store, live: map[activation.BeanID]int{}}

	f.a = activation.NewActivator(activation.Config{
		Name:           "test",
		Logger:         ctxd.NoOpLogger{},
		Stats:          f.st,
		Store:          f.cache,
		Passivator:     f.passivator,
		ReaperInterval: -1,
	})

	t.Cleanup(func() {
		f.a.Close()
		f.store.Close()
	})

	for _, h := range homes {
		require.NoError(t, f.a.Install(h))
	}

	return f
}

func (f *fixture) pins(t *testing.T, key activation.Key) int {
	t.Helper()

	pins, ok := f.store.Pins(key)
	if !ok {
		return -1
	}

	return pins
}

// create adds a stateful instance and leaves it idle in cache.
func (f *fixture) create(t *testing.T, id activation.BeanID) {
	t.Helper()

	ctx := context.Background()
	tc := activation.NewThreadContext()

	inst, err := f.a.AddNew(ctx, tc, nil, id)
	require.NoError(t, err)
	require.NoError(t, f.a.PostInvoke(ctx, tc, nil, inst))
}

func TestActivator_unknownHome(t *testing.T) {
	f := newFixture(t)

	_, err := f.a.Activate(context.Background(), nil, nil, activation.BeanID{Home: "missing", Key: "1"})
	assert.ErrorIs(t, err, activation.ErrUnknownHome)

	_, err = f.a.UninstallByOwner(context.Background(), "missing")
	assert.ErrorIs(t, err, activation.ErrUnknownHome)
}

func TestActivator_Close(t *testing.T) {
	h := activation.NewHome("accounts", activation.PolicyOnce, newAccount)
	f := newFixture(t, h)

	f.a.Close()

	_, err := f.a.Activate(context.Background(), nil, nil, h.ID("1"))
	assert.ErrorIs(t, err, activation.ErrClosed)
	assert.ErrorIs(t, f.a.Install(h), activation.ErrClosed)
}

func TestActivator_stateful_passivation(t *testing.T) {
	ctx := context.Background()
	h := activation.NewHome("accounts", activation.PolicyTransaction, newAccount)
	f := newFixture(t, h)
	id := h.ID("1")

	tc := activation.NewThreadContext()
	tx := activation.NewTx("1")

	inst, err := f.a.AddNew(ctx, tc, tx, id)
	require.NoError(t, err)
	assert.Equal(t, activation.StateInMethod, inst.State())

	first := inst.Value().(*account)
	first.Balance = 10

	require.NoError(t, f.a.PostInvoke(ctx, tc, tx, inst))
	assert.Equal(t, 1, f.pins(t, activation.MainKey(id)), "transaction pin")

	// Second call within the same transaction reuses instance and pin.
	inst, err = f.a.Activate(ctx, tc, tx, id)
	require.NoError(t, err)
	assert.Same(t, first, inst.Value())
	require.NoError(t, f.a.PostInvoke(ctx, tc, tx, inst))
	assert.Equal(t, 1, f.pins(t, activation.MainKey(id)))

	inst2, found := f.a.Get(tx, id)
	assert.True(t, found)
	assert.Same(t, inst, inst2)

	require.NoError(t, f.a.Commit(ctx, tx))
	assert.Equal(t, 0, f.a.Size())
	assert.Equal(t, 1, f.passivator.Len())
	assert.Equal(t, activation.StatePassivated, inst.State())

	_, found = f.a.Get(nil, id)
	assert.False(t, found)

	tx = activation.NewTx("2")

	inst, err = f.a.Activate(ctx, tc, tx, id)
	require.NoError(t, err)

	restored := inst.Value().(*account)
	assert.NotSame(t, first, restored)
	assert.Equal(t, 10, restored.Balance)
	assert.Equal(t, 0, f.passivator.Len())

	require.NoError(t, f.a.PostInvoke(ctx, tc, tx, inst))
	require.NoError(t, f.a.Rollback(ctx, tx))
	assert.Equal(t, 0, f.a.Size())

	v := f.st.Values()
	assert.Equal(t, float64(2), v[activation.MetricPassivate])
	assert.Equal(t, float64(1), v[activation.MetricCreate])
}

func TestActivator_stateful_noSuchObject(t *testing.T) {
	h := activation.NewHome("accounts", activation.PolicyTransaction, newAccount)
	f := newFixture(t, h)

	_, err := f.a.Activate(context.Background(), activation.NewThreadContext(), nil, h.ID("1"))
	assert.ErrorIs(t, err, activation.ErrNoSuchObject)
	assert.Equal(t, 0, f.a.Size())
}

func TestActivator_stateful_duplicate(t *testing.T) {
	h := activation.NewHome("accounts", activation.PolicyTransaction, newAccount)
	f := newFixture(t, h)

	f.create(t, h.ID("1"))

	_, err := f.a.AddNew(context.Background(), activation.NewThreadContext(), nil, h.ID("1"))
	assert.ErrorIs(t, err, activation.ErrDuplicateKey)
	assert.Equal(t, 1, f.a.Size())
}

func TestActivator_stateful_notReentrant(t *testing.T) {
	ctx := context.Background()
	h := activation.NewHome("accounts", activation.PolicyTransaction, newAccount)
	f := newFixture(t, h)
	id := h.ID("1")

	f.create(t, id)

	tc := activation.NewThreadContext()

	inst, err := f.a.Activate(ctx, tc, nil, id)
	require.NoError(t, err)
	assert.Equal(t, 1, f.pins(t, activation.MainKey(id)))

	_, err = f.a.Activate(ctx, tc, nil, id)
	assert.ErrorIs(t, err, activation.ErrNotReentrant)
	assert.Equal(t, 1, f.pins(t, activation.MainKey(id)))

	require.NoError(t, f.a.PostInvoke(ctx, tc, nil, inst))
	assert.Equal(t, 0, f.pins(t, activation.MainKey(id)))
}

func TestActivator_stateful_pinBalance(t *testing.T) {
	ctx := context.Background()
	h := activation.NewHome("accounts", activation.PolicyTransaction, newAccount)
	f := newFixture(t, h)
	id := h.ID("1")
	key := activation.MainKey(id)

	f.create(t, id)
	assert.Equal(t, 0, f.pins(t, key))

	tc := activation.NewThreadContext()

	// Call without transaction.
	inst, err := f.a.Activate(ctx, tc, nil, id)
	require.NoError(t, err)
	require.NoError(t, f.a.PostInvoke(ctx, tc, nil, inst))
	assert.Equal(t, 0, f.pins(t, key))

	// Late enlistment.
	tx := activation.NewTx("1")

	inst, err = f.a.Activate(ctx, tc, nil, id)
	require.NoError(t, err)
	require.NoError(t, f.a.Enlist(ctx, tx, inst))
	require.NoError(t, f.a.Enlist(ctx, tx, inst))
	assert.Equal(t, 2, f.pins(t, key))
	require.NoError(t, f.a.PostInvoke(ctx, tc, nil, inst))
	assert.Equal(t, 1, f.pins(t, key))

	require.NoError(t, f.a.Commit(ctx, tx))
	assert.Equal(t, -1, f.pins(t, key), "passivated")

	// Explicit passivation of idle instance.
	inst, err = f.a.Activate(ctx, tc, nil, id)
	require.NoError(t, err)
	require.NoError(t, f.a.Passivate(ctx, id))
	assert.Equal(t, 1, f.pins(t, key), "busy instance is not passivated")
	require.NoError(t, f.a.PostInvoke(ctx, tc, nil, inst))
	require.NoError(t, f.a.Passivate(ctx, id))
	assert.Equal(t, -1, f.pins(t, key))
	assert.Equal(t, 1, f.passivator.Len())
}

func TestActivator_stateful_Lock(t *testing.T) {
	ctx := context.Background()
	h := activation.NewHome("accounts", activation.PolicyTransaction, newAccount)
	f := newFixture(t, h)
	id := h.ID("1")
	key := activation.MainKey(id)

	f.create(t, id)

	tx := activation.NewTx("1")

	require.NoError(t, f.a.Lock(ctx, activation.NewThreadContext(), tx, id))
	assert.Equal(t, 1, f.pins(t, key))

	// Other transaction can not use locked instance.
	_, err := f.a.Activate(activation.WithAccessTimeout(ctx, 0), activation.NewThreadContext(), activation.NewTx("2"), id)
	assert.ErrorIs(t, err, activation.ErrConcurrentAccess)
	assert.Equal(t, 1, f.pins(t, key))

	tc := activation.NewThreadContext()

	inst, err := f.a.Activate(ctx, tc, tx, id)
	require.NoError(t, err)
	require.NoError(t, f.a.PostInvoke(ctx, tc, tx, inst))
	assert.Equal(t, 1, f.pins(t, key))

	require.NoError(t, f.a.Commit(ctx, tx))
	assert.Equal(t, -1, f.pins(t, key))
	assert.Equal(t, 1, f.passivator.Len())
}

func TestActivator_stateful_notReentrant_otherTx(t *testing.T) {
	ctx := context.Background()
	h := activation.NewHome("accounts", activation.PolicyTransaction, newAccount)
	f := newFixture(t, h)
	id := h.ID("1")

	f.create(t, id)

	tc := activation.NewThreadContext()

	outer, err := f.a.Activate(ctx, tc, nil, id)
	require.NoError(t, err)

	// Nested call in a new transaction fails without binding instance to that transaction.
	tx := activation.NewTx("nested")

	_, err = f.a.Activate(ctx, tc, tx, id)
	assert.ErrorIs(t, err, activation.ErrNotReentrant)
	require.NoError(t, f.a.Rollback(ctx, tx))
	require.NoError(t, f.a.PostInvoke(ctx, tc, nil, outer))

	other := activation.NewThreadContext()

	inst, err := f.a.Activate(activation.WithAccessTimeout(ctx, 100*time.Millisecond), other, nil, id)
	require.NoError(t, err)
	assert.Same(t, outer, inst)
	require.NoError(t, f.a.PostInvoke(ctx, other, nil, inst))
	assert.Equal(t, 0, f.pins(t, activation.MainKey(id)))
}

func TestActivator_stateful_accessTimeout(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		name    string
		timeout time.Duration
	}{
		{name: "immediate", timeout: 0},
		{name: "budget", timeout: 50 * time.Millisecond},
	} {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			h := activation.NewHome("accounts", activation.PolicyTransaction, newAccount,
				func(cfg *activation.HomeConfig) {
					cfg.AccessTimeout = tc.timeout
				})
			f := newFixture(t, h)
			id := h.ID("1")

			tc1 := activation.NewThreadContext()
			tx1 := activation.NewTx("1")

			inst, err := f.a.AddNew(ctx, tc1, tx1, id)
			require.NoError(t, err)
			require.NoError(t, f.a.PostInvoke(ctx, tc1, tx1, inst))
			assert.Equal(t, 1, f.pins(t, activation.MainKey(id)))

			start := time.Now()

			_, err = f.a.Activate(ctx, activation.NewThreadContext(), activation.NewTx("2"), id)
			elapsed := time.Since(start)

			assert.ErrorIs(t, err, activation.ErrConcurrentAccess)
			assert.GreaterOrEqual(t, elapsed, tc.timeout)
			assert.Less(t, elapsed, tc.timeout+time.Second)

			// Busy holder is not disturbed and no pin is leaked.
			assert.Equal(t, 1, f.pins(t, activation.MainKey(id)))
			assert.Equal(t, activation.StateReady, inst.State())
			assert.Equal(t, float64(1), f.st.Values()[activation.MetricBusy])

			require.NoError(t, f.a.Commit(ctx, tx1))
		})
	}
}

func TestActivator_stateful_accessTimeout_release(t *testing.T) {
	ctx := context.Background()
	h := activation.NewHome("accounts", activation.PolicyTransaction, newAccount,
		func(cfg *activation.HomeConfig) {
			cfg.AccessTimeout = 10 * time.Second
		})
	f := newFixture(t, h)
	id := h.ID("1")

	tc1 := activation.NewThreadContext()
	tx1 := activation.NewTx("1")

	inst, err := f.a.AddNew(ctx, tc1, tx1, id)
	require.NoError(t, err)
	inst.Value().(*account).Balance = 5
	require.NoError(t, f.a.PostInvoke(ctx, tc1, tx1, inst))

	go func() {
		time.Sleep(20 * time.Millisecond)
		assert.NoError(t, f.a.Commit(ctx, tx1))
	}()

	tc2 := activation.NewThreadContext()
	tx2 := activation.NewTx("2")
	start := time.Now()

	inst, err = f.a.Activate(ctx, tc2, tx2, id)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 5, inst.Value().(*account).Balance)

	require.NoError(t, f.a.PostInvoke(ctx, tc2, tx2, inst))
	require.NoError(t, f.a.Commit(ctx, tx2))
	assert.Equal(t, float64(1), f.st.Values()[activation.MetricWait])
}

func TestActivator_stateful_accessTimeout_context(t *testing.T) {
	ctx := context.Background()
	h := activation.NewHome("accounts", activation.PolicyTransaction, newAccount)
	f := newFixture(t, h)
	id := h.ID("1")

	tc1 := activation.NewThreadContext()
	tx1 := activation.NewTx("1")

	inst, err := f.a.AddNew(ctx, tc1, tx1, id)
	require.NoError(t, err)
	require.NoError(t, f.a.PostInvoke(ctx, tc1, tx1, inst))

	// Per call override of indefinite wait.
	_, err = f.a.Activate(activation.WithAccessTimeout(ctx, 0), activation.NewThreadContext(), activation.NewTx("2"), id)
	assert.ErrorIs(t, err, activation.ErrConcurrentAccess)

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	_, err = f.a.Activate(cctx, activation.NewThreadContext(), activation.NewTx("3"), id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, f.pins(t, activation.MainKey(id)))

	require.NoError(t, f.a.Commit(ctx, tx1))
}

func TestActivator_Remove(t *testing.T) {
	ctx := context.Background()
	h := activation.NewHome("accounts", activation.PolicyTransaction, newAccount)
	f := newFixture(t, h)
	id := h.ID("1")
	tc := activation.NewThreadContext()

	f.create(t, id)

	require.NoError(t, f.a.Remove(ctx, tc, nil, id))
	assert.Equal(t, 0, f.a.Size())
	assert.Equal(t, 0, f.passivator.Len())
	assert.Equal(t, float64(1), f.st.Values()[activation.MetricDestroy])

	_, err := f.a.Activate(ctx, tc, nil, id)
	assert.ErrorIs(t, err, activation.ErrNoSuchObject)

	// Vetoed removal keeps instance.
	id = h.ID("2")
	f.create(t, id)

	inst, err := f.a.Activate(ctx, tc, nil, id)
	require.NoError(t, err)
	inst.Value().(*account).Balance = -1
	require.NoError(t, f.a.PostInvoke(ctx, tc, nil, inst))

	assert.Error(t, f.a.Remove(ctx, tc, nil, id))
	assert.Equal(t, 1, f.a.Size())
	assert.Equal(t, 0, f.pins(t, activation.MainKey(id)))
}

func TestActivator_Introspect(t *testing.T) {
	h := activation.NewHome("accounts", activation.PolicyTransaction, newAccount)
	f := newFixture(t, h)

	f.create(t, h.ID("1"))
	f.create(t, h.ID("2"))

	w := bytes.NewBuffer(nil)

	n, err := f.a.Introspect(w)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, f.a.Size())

	lines := strings.Split(strings.TrimSpace(w.String()), "\n")
	assert.Len(t, lines, 2)

	for _, l := range lines {
		assert.Contains(t, l, "accounts#")
		assert.Contains(t, l, "pins=0 state=ready")
	}
}

func TestActivator_UninstallByOwner(t *testing.T) {
	ctx := context.Background()
	accounts := activation.NewHome("accounts", activation.PolicyTransaction, newAccount)
	rates := activation.NewHome("rates", activation.PolicyOnce, newAccount)
	f := newFixture(t, accounts, rates)

	f.create(t, accounts.ID("1"))
	f.create(t, accounts.ID("2"))

	tc := activation.NewThreadContext()

	inst, err := f.a.Activate(ctx, tc, nil, rates.ID("usd"))
	require.NoError(t, err)
	require.NoError(t, f.a.PostInvoke(ctx, tc, nil, inst))

	n, err := f.a.UninstallByOwner(ctx, "accounts")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, f.a.Size())
	assert.Equal(t, 2, f.passivator.Len())

	_, err = f.a.Activate(ctx, tc, nil, accounts.ID("1"))
	assert.ErrorIs(t, err, activation.ErrUnknownHome)

	_, ok := f.a.Home("rates")
	assert.True(t, ok)
}

// walkHookCache runs a hook before enumerating entries.
type walkHookCache struct {
	activation.Cache
	onWalk func()
}

func (c *walkHookCache) Walk(walkFn func(e activation.Entry) error) (int, error) {
	if c.onWalk != nil {
		c.onWalk()
	}

	return c.Cache.Walk(walkFn)
}

func TestActivator_UninstallByOwner_concurrentActivation(t *testing.T) {
	ctx := context.Background()
	store := activation.NewStore(activation.StoreConfig{SweepInterval: time.Hour})
	cache := &walkHookCache{Cache: store}
	a := activation.NewActivator(activation.Config{Store: cache, ReaperInterval: -1})

	t.Cleanup(func() {
		a.Close()
		store.Close()
	})

	h := activation.NewHome("rates", activation.PolicyOnce, newAccount)
	require.NoError(t, a.Install(h))

	tc := activation.NewThreadContext()

	inst, err := a.Activate(ctx, tc, nil, h.ID("usd"))
	require.NoError(t, err)
	require.NoError(t, a.PostInvoke(ctx, tc, nil, inst))

	var walkErr error

	cache.onWalk = func() {
		_, walkErr = a.Activate(ctx, activation.NewThreadContext(), nil, h.ID("eur"))
	}

	n, err := a.UninstallByOwner(ctx, "rates")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, walkErr, activation.ErrUnknownHome)
	assert.Equal(t, 0, a.Size())
}

func TestActivator_Discard(t *testing.T) {
	ctx := context.Background()
	h := activation.NewHome("accounts", activation.PolicyTransaction, newAccount)
	f := newFixture(t, h)

	for _, k := range []string{"1", "2", "3"} {
		f.create(t, h.ID(k))
	}

	f.a.SetPreferredMaxSize(1)

	assert.Equal(t, 2, f.store.Evict(ctx))
	assert.Equal(t, 1, f.a.Size())
	assert.Equal(t, 2, f.passivator.Len())
	assert.Equal(t, float64(2), f.st.Values()[activation.MetricDiscard])

	// Discarded instances are restored from passivator.
	tc := activation.NewThreadContext()

	for _, k := range []string{"1", "2", "3"} {
		inst, err := f.a.Activate(ctx, tc, nil, h.ID(k))
		require.NoError(t, err)
		require.NoError(t, f.a.PostInvoke(ctx, tc, nil, inst))
	}

	assert.Equal(t, 3, f.a.Size())
}

func TestActivator_Discard_commitDuringCall(t *testing.T) {
	ctx := context.Background()
	h := activation.NewHome("accounts", activation.PolicyTransaction, newAccount)
	f := newFixture(t, h)
	id := h.ID("1")
	key := activation.MainKey(id)

	f.create(t, id)
	f.create(t, h.ID("2"))
	f.a.SetPreferredMaxSize(1)

	tc := activation.NewThreadContext()
	tx := activation.NewTx("1")

	inst, err := f.a.Activate(ctx, tc, tx, id)
	require.NoError(t, err)

	// Transaction ends while the call is running, the call keeps instance pinned.
	require.NoError(t, f.a.Commit(ctx, tx))
	assert.Equal(t, 1, f.pins(t, key))

	assert.Equal(t, 1, f.store.Evict(ctx))
	assert.Equal(t, activation.StateInMethod, inst.State())

	inst.Value().(*account).Balance = 42

	require.NoError(t, f.a.PostInvoke(ctx, tc, tx, inst))
	assert.Equal(t, 0, f.pins(t, key))

	again, err := f.a.Activate(ctx, tc, nil, id)
	require.NoError(t, err)
	assert.Same(t, inst, again)
	assert.Equal(t, 42, again.Value().(*account).Balance)
	require.NoError(t, f.a.PostInvoke(ctx, tc, nil, again))
}

func TestActivator_Discard_concurrent(t *testing.T) {
	ctx := context.Background()
	h := activation.NewHome("accounts", activation.PolicyTransaction, newAccount)
	f := newFixture(t, h)
	id := h.ID("1")

	f.create(t, id)
	f.a.SetPreferredMaxSize(1)
	f.create(t, h.ID("2"))

	var (
		stop  atomic.Bool
		wg    sync.WaitGroup
		calls atomic.Int64
	)

	wg.Add(1)

	go func() {
		defer wg.Done()

		for !stop.Load() {
			f.store.Evict(ctx)
		}
	}()

	tc := activation.NewThreadContext()

	for i := 0; i < 200; i++ {
		inst, err := f.a.Activate(ctx, tc, nil, id)
		require.NoError(t, err)

		// Discard never passivates an instance during invocation.
		assert.Equal(t, activation.StateInMethod, inst.State())
		inst.Value().(*account).Balance++
		calls.Add(1)

		require.NoError(t, f.a.PostInvoke(ctx, tc, nil, inst))
	}

	stop.Store(true)
	wg.Wait()

	inst, err := f.a.Activate(ctx, tc, nil, id)
	require.NoError(t, err)
	assert.Equal(t, int(calls.Load()), inst.Value().(*account).Balance)
	require.NoError(t, f.a.PostInvoke(ctx, tc, nil, inst))
}
