package activation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReload(t *testing.T) {
	ctx := context.Background()
	clock := useManualClock(t)
	h := NewHome("rates", PolicyReload, newCart, func(cfg *HomeConfig) {
		cfg.ReloadInterval = time.Minute
	})
	a := newTestActivator(t, h)
	id := h.ID("usd")
	tc := NewThreadContext()

	inst := invoke(t, a, tc, nil, id)
	assert.Equal(t, 1, a.Size())
	assert.Same(t, inst, invoke(t, a, tc, nil, id))

	cart := inst.Value().(*cartState)
	assert.Equal(t, 0, cart.reloads)

	key := inst.Key().(*TimeKey)
	assert.Equal(t, clock.now.Add(time.Minute).UnixNano(), key.Instant().UnixNano())

	// Expired idle instance is reloaded in place.
	clock.advance(2 * time.Minute)

	assert.Same(t, inst, invoke(t, a, tc, nil, id))
	assert.Equal(t, 1, cart.reloads)
	assert.False(t, key.Expired())
	assert.Equal(t, clock.now.Add(time.Minute).UnixNano(), key.Instant().UnixNano())

	assert.Same(t, inst, invoke(t, a, tc, nil, id))
	assert.Equal(t, 1, cart.reloads)

	// Expired instance in use is served stale.
	busy, err := a.Activate(ctx, tc, nil, id)
	require.NoError(t, err)

	clock.advance(2 * time.Minute)

	tc2 := NewThreadContext()
	stale := invoke(t, a, tc2, nil, id)
	assert.Same(t, busy, stale)
	assert.Equal(t, 1, cart.reloads)
	assert.Equal(t, 1, a.Size())

	require.NoError(t, a.PostInvoke(ctx, tc, nil, busy))

	assert.Same(t, inst, invoke(t, a, tc, nil, id))
	assert.Equal(t, 2, cart.reloads)

	got, found := a.Get(nil, id)
	assert.True(t, found)
	assert.Same(t, inst, got)

	pins, ok := a.ownStore.Pins(inst.Key())
	assert.True(t, ok)
	assert.Equal(t, 0, pins)
}

func TestReload_transaction(t *testing.T) {
	ctx := context.Background()
	h := NewHome("rates", PolicyReload, newCart)
	a := newTestActivator(t, h)
	id := h.ID("usd")
	tc := NewThreadContext()
	tx := NewTx("1")

	inst := invoke(t, a, tc, tx, id)

	pins, _ := a.ownStore.Pins(inst.Key())
	assert.Equal(t, 1, pins)

	require.NoError(t, a.Commit(ctx, tx))

	pins, _ = a.ownStore.Pins(inst.Key())
	assert.Equal(t, 0, pins)
}

func TestReload_failure(t *testing.T) {
	ctx := context.Background()
	clock := useManualClock(t)
	h := NewHome("rates", PolicyReload, newCart)
	a := newTestActivator(t, h)
	id := h.ID("usd")
	tc := NewThreadContext()
	tx := NewTx("1")

	failed := invoke(t, a, tc, tx, id)
	failed.Value().(*cartState).reloadErr = errors.New("source unavailable")

	clock.advance(2 * time.Minute)

	// Failed instance leaves the store while transaction still holds it.
	_, err := a.Activate(ctx, tc, nil, id)
	require.Error(t, err)
	assert.Equal(t, 0, a.Size())
	assert.Equal(t, StateDestroyed, failed.State())

	fresh := invoke(t, a, tc, nil, id)
	assert.NotSame(t, failed, fresh)
	assert.Equal(t, 1, a.Size())

	require.NoError(t, a.Commit(ctx, tx))
	assert.Equal(t, 1, a.Size())

	pins, ok := a.ownStore.Pins(fresh.Key())
	assert.True(t, ok)
	assert.Equal(t, 0, pins)

	got, found := a.Get(nil, id)
	assert.True(t, found)
	assert.Same(t, fresh, got)
}
