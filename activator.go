package activation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	"github.com/puzpuzpuz/xsync"
)

// Config controls activator instance.
type Config struct {
	// Logger is an instance of contextualized logger, can be nil.
	Logger ctxd.Logger

	// Stats is metrics collector, can be nil.
	Stats stats.Tracker

	// Name is activator instance name, used in stats and logging.
	Name string

	// Store is an instance cache, default is NewStore configured with StoreBuckets,
	// SweepInterval and PreferredMaxSize.
	Store Cache

	// Passivator keeps state of passivated instances, default NewMemoryPassivator().
	Passivator Passivator

	// LockBuckets is a number of slot locks, default 251.
	LockBuckets int

	// StoreBuckets is a number of store buckets, default 64.
	StoreBuckets int

	// SweepInterval is a delay between store eviction runs, default 1m.
	SweepInterval time.Duration

	// PreferredMaxSize is a number of cached instances above which idle ones are evicted, default 2053.
	PreferredMaxSize int

	// ReaperInterval is a delay between timeout sweeps, default 10s, negative disables background sweeps.
	ReaperInterval time.Duration
}

var (
	_ DiscardStrategy = &Activator{}
	_ TimeoutHandler  = &Activator{}
)

// Activator dispatches lifecycle of managed objects to strategies of their homes.
type Activator struct {
	config Config
	log    ctxd.Logger
	stat   stats.Tracker

	locks      *LockTable
	store      Cache
	ownStore   *Store
	passivator Passivator
	reaper     *Reaper

	homes      *xsync.MapOf[string, *Home]
	strategies map[Policy]Strategy

	closed atomic.Bool
}

// NewActivator creates an instance of activator with optional configuration.
func NewActivator(cfg ...Config) *Activator {
	config := Config{}

	if len(cfg) >= 1 {
		config = cfg[0]
	}

	if config.LockBuckets <= 0 {
		config.LockBuckets = DefaultLockBuckets
	}

	if config.Passivator == nil {
		config.Passivator = NewMemoryPassivator()
	}

	a := &Activator{
		config:     config,
		log:        config.Logger,
		stat:       config.Stats,
		locks:      NewLockTable(config.LockBuckets),
		store:      config.Store,
		passivator: config.Passivator,
		homes:      xsync.NewMapOf[*Home](),
	}

	if a.log == nil {
		a.log = ctxd.NoOpLogger{}
	}

	if a.stat == nil {
		a.stat = stats.NoOp{}
	}

	if a.store == nil {
		a.ownStore = NewStore(StoreConfig{
			Logger:           config.Logger,
			Stats:            config.Stats,
			Name:             config.Name,
			Buckets:          config.StoreBuckets,
			SweepInterval:    config.SweepInterval,
			PreferredMaxSize: config.PreferredMaxSize,
		})
		a.store = a.ownStore
	} else {
		a.store.SetSweepInterval(config.SweepInterval)
		a.store.SetPreferredMaxSize(config.PreferredMaxSize)
	}

	a.store.SetDiscardStrategy(a)

	a.reaper = NewReaper(a, a.passivator, ReaperConfig{
		Logger:   config.Logger,
		Stats:    config.Stats,
		Name:     config.Name,
		Interval: config.ReaperInterval,
	})

	stateful := &statefulStrategy{baseStrategy: baseStrategy{a: a}}

	a.strategies = map[Policy]Strategy{
		PolicyUncached:        &uncachedStrategy{baseStrategy: baseStrategy{a: a}},
		PolicyOnce:            &onceStrategy{baseStrategy: baseStrategy{a: a}},
		PolicyOnceExclusive:   &onceStrategy{baseStrategy: baseStrategy{a: a}, exclusive: true},
		PolicyTransaction:     stateful,
		PolicyActivitySession: &sessionStrategy{inner: stateful},
		PolicyPerUnit:         &perUnitStrategy{baseStrategy: baseStrategy{a: a}},
		PolicyReload:          &reloadStrategy{onceStrategy: onceStrategy{baseStrategy: baseStrategy{a: a}}},
	}

	return a
}

// Install registers home, a home with the same name is replaced.
func (a *Activator) Install(h *Home) error {
	if a.closed.Load() {
		return ErrClosed
	}

	if _, ok := a.strategies[h.Policy]; !ok {
		return fmt.Errorf("%w: policy %d", ErrUnknownHome, h.Policy)
	}

	a.homes.Store(h.Name, h)

	a.log.Debug(context.Background(), "home installed", "name", a.config.Name, "home", h.Name, "policy", h.Policy.String())

	return nil
}

// Home returns installed home by name.
func (a *Activator) Home(name string) (*Home, bool) {
	return a.homes.Load(name)
}

func (a *Activator) dispatch(id BeanID) (*Home, Strategy, error) {
	if a.closed.Load() {
		return nil, nil, ErrClosed
	}

	h, ok := a.homes.Load(id.Home)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownHome, id.Home)
	}

	return h, a.strategies[h.Policy], nil
}

func (a *Activator) strategyOf(inst *Instance) Strategy {
	return a.strategies[inst.home.Policy]
}

// Activate returns an instance ready for a method invocation, PostInvoke must be called after the invocation.
func (a *Activator) Activate(ctx context.Context, tc *ThreadContext, tx *Tx, id BeanID) (*Instance, error) {
	h, s, err := a.dispatch(id)
	if err != nil {
		return nil, err
	}

	return s.AtActivate(ctx, tc, tx, h, id)
}

// PostInvoke completes a method invocation.
func (a *Activator) PostInvoke(ctx context.Context, tc *ThreadContext, tx *Tx, inst *Instance) error {
	return a.strategyOf(inst).AtPostInvoke(ctx, tc, tx, inst)
}

// AddNew constructs a new instance ready for a method invocation, PostInvoke must be called after the invocation.
func (a *Activator) AddNew(ctx context.Context, tc *ThreadContext, tx *Tx, id BeanID) (*Instance, error) {
	h, s, err := a.dispatch(id)
	if err != nil {
		return nil, err
	}

	return s.AtCreate(ctx, tc, tx, h, id)
}

// Lock takes a hold of transaction on an instance until commit or rollback.
func (a *Activator) Lock(ctx context.Context, tc *ThreadContext, tx *Tx, id BeanID) error {
	h, s, err := a.dispatch(id)
	if err != nil {
		return err
	}

	return s.AtLock(ctx, tc, tx, h, id)
}

// Get returns cached instance without activating it.
func (a *Activator) Get(tx *Tx, id BeanID) (*Instance, bool) {
	h, s, err := a.dispatch(id)
	if err != nil {
		return nil, false
	}

	return s.AtGet(tx, h, id)
}

// Remove activates an instance and removes it.
func (a *Activator) Remove(ctx context.Context, tc *ThreadContext, tx *Tx, id BeanID) error {
	h, s, err := a.dispatch(id)
	if err != nil {
		return err
	}

	inst, err := s.AtActivate(ctx, tc, tx, h, id)
	if err != nil {
		return err
	}

	if err := inst.markRemoved(ctx); err != nil {
		if perr := s.AtPostInvoke(ctx, tc, tx, inst); perr != nil {
			a.log.Error(ctx, "failed to complete invocation", "name", a.config.Name, "bean", id.String(), "error", perr)
		}

		return ctxd.WrapError(ctx, err, "failed to remove instance", "bean", id.String())
	}

	return s.AtRemove(ctx, tc, tx, inst)
}

// Enlist binds an active instance to a transaction.
func (a *Activator) Enlist(ctx context.Context, tx *Tx, inst *Instance) error {
	if tx == nil {
		return nil
	}

	return a.strategyOf(inst).AtEnlist(ctx, tx, inst)
}

// Commit completes transaction for all enlisted instances.
func (a *Activator) Commit(ctx context.Context, tx *Tx) error {
	var errs []error

	for _, inst := range tx.Beans() {
		if err := a.strategyOf(inst).AtCommit(ctx, tx, inst); err != nil {
			errs = append(errs, err)
		}

		tx.delist(inst)
	}

	return errors.Join(errs...)
}

// Rollback aborts transaction for all enlisted instances.
func (a *Activator) Rollback(ctx context.Context, tx *Tx) error {
	var errs []error

	for _, inst := range tx.Beans() {
		if err := a.strategyOf(inst).AtRollback(ctx, tx, inst); err != nil {
			errs = append(errs, err)
		}

		tx.delist(inst)
	}

	return errors.Join(errs...)
}

// UnitOfWorkEnd completes activity session for all enlisted instances.
func (a *Activator) UnitOfWorkEnd(ctx context.Context, s *ActivitySession) error {
	var errs []error

	for _, inst := range s.Beans() {
		if err := a.strategyOf(inst).AtUnitOfWorkEnd(ctx, s, inst); err != nil {
			errs = append(errs, err)
		}

		s.delist(inst)
	}

	return errors.Join(errs...)
}

// Timeout destroys an idle instance which has timed out.
func (a *Activator) Timeout(ctx context.Context, id BeanID) error {
	h, s, err := a.dispatch(id)
	if err != nil {
		return err
	}

	return s.AtTimeout(ctx, h, id)
}

// Passivate passivates an idle cached instance.
func (a *Activator) Passivate(ctx context.Context, id BeanID) error {
	h, s, err := a.dispatch(id)
	if err != nil {
		return err
	}

	return s.AtPassivate(ctx, h, id)
}

// UninstallByOwner evicts all cached instances of a home and unregisters the home.
//
// Returns number of evicted instances.
func (a *Activator) UninstallByOwner(ctx context.Context, home string) (int, error) {
	h, ok := a.homes.Load(home)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownHome, home)
	}

	s := a.strategies[h.Policy]

	// Unregistered home admits no new activations while its instances are evicted.
	a.homes.Delete(home)

	var keys []Key

	if _, err := a.store.Walk(func(e Entry) error {
		if e.Key().Identity().Home == home {
			keys = append(keys, e.Key())
		}

		return nil
	}); err != nil {
		return 0, ctxd.WrapError(ctx, err, "failed to walk cache", "home", home)
	}

	n := 0

	for _, k := range keys {
		l := a.SlotLock(k)

		l.Lock()

		if v, err := a.store.Remove(k, true); err == nil {
			if inst, ok := v.(*Instance); ok {
				s.AtUninstall(ctx, inst)

				n++
			}
		}

		l.Unlock()
	}

	a.log.Important(ctx, "home uninstalled", "name", a.config.Name, "home", home, "evicted", n)

	return n, nil
}

// Size returns number of cached instances.
func (a *Activator) Size() int {
	return a.store.Len()
}

// Introspect writes a line per cached instance and returns number of written lines.
func (a *Activator) Introspect(w io.Writer) (int, error) {
	return a.store.Walk(func(e Entry) error {
		state := "-"

		if inst, ok := e.Value().(*Instance); ok {
			state = inst.State().String()
		}

		_, err := fmt.Fprintf(w, "%s pins=%d state=%s\n", e.Key().String(), e.Pins(), state)

		return err
	})
}

// SetSweepInterval sets delay between store eviction runs.
func (a *Activator) SetSweepInterval(interval time.Duration) {
	a.store.SetSweepInterval(interval)
}

// SetPreferredMaxSize sets a number of cached instances above which idle ones are evicted.
func (a *Activator) SetPreferredMaxSize(size int) {
	a.store.SetPreferredMaxSize(size)
}

// Reaper returns timeout reaper.
func (a *Activator) Reaper() *Reaper {
	return a.reaper
}

// Close stops background jobs, further activations fail with ErrClosed.
func (a *Activator) Close() {
	a.closed.Store(true)
	a.reaper.Close()

	if a.ownStore != nil {
		a.ownStore.Close()
	}
}

// SlotLock implements DiscardStrategy.
func (a *Activator) SlotLock(key Key) *Lock {
	return a.locks.Lock(key)
}

// Discard implements DiscardStrategy.
func (a *Activator) Discard(ctx context.Context, key Key, value interface{}) {
	inst, ok := value.(*Instance)
	if !ok {
		a.log.Error(ctx, "unexpected cached value", "name", a.config.Name, "key", key.String(),
			"type", fmt.Sprintf("%T", value))

		return
	}

	a.stat.Add(ctx, MetricDiscard, 1, "name", a.config.Name)
	a.strategyOf(inst).AtDiscard(ctx, inst)
}

func (a *Activator) construct(ctx context.Context, h *Home, id BeanID) (*Instance, error) {
	value, err := h.Factory(ctx, id)
	if err != nil {
		return nil, ctxd.WrapError(ctx, err, "failed to construct instance", "bean", id.String())
	}

	a.stat.Add(ctx, MetricCreate, 1, "name", a.config.Name, "home", h.Name)

	return newInstance(h, id, value), nil
}

func (a *Activator) destroy(ctx context.Context, inst *Instance) {
	if !inst.destroy(ctx) {
		return
	}

	if inst.timeout != nil {
		a.reaper.Remove(inst.id)
	}

	a.stat.Add(ctx, MetricDestroy, 1, "name", a.config.Name, "home", inst.home.Name)
}

// passivate writes out instance state, instance is destroyed if passivation fails.
func (a *Activator) passivate(ctx context.Context, inst *Instance) {
	if err := inst.passivate(ctx, a.passivator); err != nil {
		a.log.Error(ctx, "failed to passivate instance, destroying",
			"name", a.config.Name, "bean", inst.id.String(), "error", err)
		a.destroy(ctx, inst)

		return
	}

	a.stat.Add(ctx, MetricPassivate, 1, "name", a.config.Name, "home", inst.home.Name)
}

// accessTimeout returns wait budget for a busy instance.
func (a *Activator) accessTimeout(ctx context.Context, h *Home) time.Duration {
	if d, ok := AccessTimeout(ctx); ok {
		return d
	}

	return h.AccessTimeout
}
