package activation

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/bool64/ctxd"
	"github.com/cespare/xxhash/v2"
	gocache "github.com/patrickmn/go-cache"
	"github.com/puzpuzpuz/xsync"
)

// Passivator persists state of passivated instances.
type Passivator interface {
	// Passivate stores state of an instance.
	Passivate(ctx context.Context, id BeanID, value interface{}) error

	// Activate loads and consumes stored state, ErrCacheItemNotFound is returned for missing state.
	Activate(ctx context.Context, id BeanID) (interface{}, error)

	// Remove drops stored state.
	Remove(ctx context.Context, id BeanID) error
}

// MemoryPassivatorConfig controls in-memory passivator.
type MemoryPassivatorConfig struct {
	// Retention is a time to keep passivated state, default 24h.
	Retention time.Duration

	// CleanupInterval is a delay between removals of expired state, default 1h.
	CleanupInterval time.Duration
}

// MemoryPassivator keeps gob encoded state in memory.
//
// Types of passivated values must be registered with GobRegister.
type MemoryPassivator struct {
	data *gocache.Cache
}

var _ Passivator = &MemoryPassivator{}

type passivatedState struct {
	Type        string
	Fingerprint uint64
	State       interface{}
}

// NewMemoryPassivator creates an instance of in-memory passivator.
func NewMemoryPassivator(cfg ...MemoryPassivatorConfig) *MemoryPassivator {
	config := MemoryPassivatorConfig{}

	if len(cfg) >= 1 {
		config = cfg[0]
	}

	if config.Retention == 0 {
		config.Retention = 24 * time.Hour
	}

	if config.CleanupInterval == 0 {
		config.CleanupInterval = time.Hour
	}

	return &MemoryPassivator{
		data: gocache.New(config.Retention, config.CleanupInterval),
	}
}

// Passivate encodes and stores state, state type must be registered with GobRegister.
func (p *MemoryPassivator) Passivate(ctx context.Context, id BeanID, value interface{}) error {
	name := stateTypeName(value)

	fp, ok := stateTypes.Load(name)
	if !ok {
		return ctxd.WrapError(ctx, ErrUnregisteredState, "failed to passivate", "bean", id.String(), "type", name)
	}

	buf := bytes.NewBuffer(nil)

	if err := gob.NewEncoder(buf).Encode(passivatedState{Type: name, Fingerprint: fp, State: value}); err != nil {
		return ctxd.WrapError(ctx, err, "failed to encode passivated state", "bean", id.String())
	}

	p.data.Set(id.String(), buf.Bytes(), gocache.DefaultExpiration)

	return nil
}

// Activate decodes and removes stored state.
func (p *MemoryPassivator) Activate(ctx context.Context, id BeanID) (interface{}, error) {
	k := id.String()

	v, found := p.data.Get(k)
	if !found {
		return nil, ErrCacheItemNotFound
	}

	p.data.Delete(k)

	b, ok := v.([]byte)
	if !ok {
		return nil, ctxd.WrapError(ctx, fmt.Errorf("unexpected state type %T", v), "failed to load passivated state",
			"bean", k)
	}

	s := passivatedState{}

	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&s); err != nil {
		return nil, ctxd.WrapError(ctx, err, "failed to decode passivated state", "bean", k)
	}

	if fp, ok := stateTypes.Load(s.Type); !ok || fp != s.Fingerprint {
		return nil, ctxd.WrapError(ctx, ErrIncompatibleState, "failed to load passivated state",
			"bean", k, "type", s.Type, "expected", fp, "received", s.Fingerprint)
	}

	return s.State, nil
}

// Remove drops stored state.
func (p *MemoryPassivator) Remove(_ context.Context, id BeanID) error {
	p.data.Delete(id.String())

	return nil
}

// Len returns number of stored states, including expired but not yet cleaned.
func (p *MemoryPassivator) Len() int {
	return p.data.ItemCount()
}

type dumpedState struct {
	Key        string
	State      []byte
	Expiration int64
}

// Dump saves passivated states and returns a number of processed entries.
func (p *MemoryPassivator) Dump(w io.Writer) (int, error) {
	encoder := gob.NewEncoder(w)
	n := 0

	for k, item := range p.data.Items() {
		b, ok := item.Object.([]byte)
		if !ok {
			continue
		}

		if err := encoder.Encode(dumpedState{Key: k, State: b, Expiration: item.Expiration}); err != nil {
			return n, err
		}

		n++
	}

	return n, nil
}

// Restore loads passivated states and returns number of processed entries.
func (p *MemoryPassivator) Restore(r io.Reader) (int, error) {
	decoder := gob.NewDecoder(r)
	n := 0

	for {
		e := dumpedState{}

		err := decoder.Decode(&e)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return n, err
		}

		ttl := gocache.NoExpiration

		if e.Expiration > 0 {
			ttl = time.Until(time.Unix(0, e.Expiration))
			if ttl <= 0 {
				continue
			}
		}

		p.data.Set(e.Key, e.State, ttl)

		n++
	}

	return n, nil
}

// stateTypes maps registered state type names to their structure fingerprints.
var stateTypes = xsync.NewMapOf[uint64]()

// GobRegister enables passivation of state types.
//
// Passivated state keeps the fingerprint of its type structure, so that state written
// by a build with a different structure of the same type is rejected on activation.
func GobRegister(values ...interface{}) {
	for _, value := range values {
		gob.Register(value)
		stateTypes.Store(stateTypeName(value), stateFingerprint(reflect.TypeOf(value)))
	}
}

func stateTypeName(value interface{}) string {
	t := reflect.TypeOf(value)
	e := t

	for e.Kind() == reflect.Ptr {
		e = e.Elem()
	}

	return e.PkgPath() + ":" + t.String()
}

// stateFingerprint hashes gob visible structure of a type.
func stateFingerprint(t reflect.Type) uint64 {
	b := strings.Builder{}
	describeState(t, &b, map[reflect.Type]bool{})

	return xxhash.Sum64String(b.String())
}

func describeState(t reflect.Type, b *strings.Builder, seen map[reflect.Type]bool) {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if seen[t] {
		b.WriteString("^" + t.Name())

		return
	}

	switch t.Kind() {
	case reflect.Struct:
		seen[t] = true

		b.WriteString("{")

		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}

			b.WriteString(f.Name + ":")
			describeState(f.Type, b, seen)
			b.WriteString(";")
		}

		b.WriteString("}")
	case reflect.Slice, reflect.Array:
		b.WriteString("[]")
		describeState(t.Elem(), b, seen)
	case reflect.Map:
		b.WriteString("map[")
		describeState(t.Key(), b, seen)
		b.WriteString("]")
		describeState(t.Elem(), b, seen)
	default:
		b.WriteString(t.Kind().String())
	}
}
