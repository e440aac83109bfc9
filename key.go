package activation

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// timeNow is a clock used for expiration checks.
var timeNow = time.Now

// BeanID uniquely names a logical managed object within its home.
type BeanID struct {
	Home string
	Key  string
}

// Hash returns hash of identity.
func (id BeanID) Hash() uint64 {
	d := xxhash.New()

	// nolint:errcheck // xxhash.Digest.WriteString never returns an error.
	_, _ = d.WriteString(id.Home)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(id.Key)

	return d.Sum64()
}

// String returns printable identity.
func (id BeanID) String() string {
	return id.Home + "#" + id.Key
}

// Key addresses a cache slot.
//
// Keys with equal Identity must produce equal hashes if they can ever be Equal.
type Key interface {
	Hash() uint64
	Equal(other Key) bool
	Identity() BeanID
	String() string
}

var (
	_ Key = TxKey{}
	_ Key = SessionKey{}
	_ Key = &TimeKey{}
)

// TxKey addresses an instance as visible within a transaction.
//
// Nil Tx means "no unit of work", such key is a main key shared by all units.
type TxKey struct {
	Tx *Tx
	ID BeanID
}

// MainKey returns unit of work independent key of an identity.
func MainKey(id BeanID) TxKey {
	return TxKey{ID: id}
}

// Hash implements Key.
func (k TxKey) Hash() uint64 {
	if k.Tx == nil {
		return k.ID.Hash()
	}

	return k.Tx.hash + k.ID.Hash()
}

// Equal requires the same transaction reference and equal identity.
func (k TxKey) Equal(other Key) bool {
	o, ok := other.(TxKey)

	return ok && k.Tx == o.Tx && k.ID == o.ID
}

// Identity implements Key.
func (k TxKey) Identity() BeanID {
	return k.ID
}

func (k TxKey) String() string {
	if k.Tx == nil {
		return k.ID.String()
	}

	return k.Tx.ID() + "/" + k.ID.String()
}

// SessionKey addresses an instance within an activity session.
type SessionKey struct {
	Session string
	ID      BeanID
}

// NewSessionKey creates a session scoped key.
func NewSessionKey(s *ActivitySession, id BeanID) SessionKey {
	return SessionKey{Session: s.ID(), ID: id}
}

// Hash implements Key.
func (k SessionKey) Hash() uint64 {
	return xxhash.Sum64String(k.Session) + k.ID.Hash()
}

// Equal requires equal session identifier and equal identity.
func (k SessionKey) Equal(other Key) bool {
	o, ok := other.(SessionKey)

	return ok && k.Session == o.Session && k.ID == o.ID
}

// Identity implements Key.
func (k SessionKey) Identity() BeanID {
	return k.ID
}

func (k SessionKey) String() string {
	return k.Session + "/" + k.ID.String()
}

// Usage reports whether a cached value can be reloaded.
type Usage interface {
	InUse() bool
	IsDiscarded() bool
}

// TimeKey addresses an instance together with its expiration instant.
//
// A search key created with CurrentTimeKey matches a stored key that has not expired yet,
// or that has expired while its value is neither in use nor discarded. The latter match
// marks the stored key expired, the mark is only cleared by ResetExpiration.
type TimeKey struct {
	id      BeanID
	current bool
	any     bool
	usage   Usage

	instant atomic.Int64
	expired atomic.Bool
}

// NewTimeKey creates a key with a concrete expiration instant.
//
// Usage is consulted when the instant has passed, it can be nil for keys that are never stored.
func NewTimeKey(id BeanID, instant time.Time, usage Usage) *TimeKey {
	k := &TimeKey{id: id, usage: usage}
	k.instant.Store(instant.UnixNano())

	return k
}

// CurrentTimeKey creates a search key that matches a not yet reloaded entry of identity.
func CurrentTimeKey(id BeanID) *TimeKey {
	return &TimeKey{id: id, current: true}
}

// anyTimeKey creates a search key that matches any stored key of identity.
func anyTimeKey(id BeanID) *TimeKey {
	return &TimeKey{id: id, current: true, any: true}
}

// Hash depends on identity only, so that search keys land in the bucket of stored keys.
func (k *TimeKey) Hash() uint64 {
	return k.id.Hash()
}

// Identity implements Key.
func (k *TimeKey) Identity() BeanID {
	return k.id
}

// Instant returns expiration instant, zero for a search key.
func (k *TimeKey) Instant() time.Time {
	if k.current {
		return time.Time{}
	}

	return time.Unix(0, k.instant.Load())
}

// Expired is true if a search has detected the expiration of this key.
func (k *TimeKey) Expired() bool {
	return k.expired.Load()
}

// ResetExpiration sets a new instant and clears expiration mark.
//
// Caller must exclusively own the entry (hold its slot lock and the only pin).
func (k *TimeKey) ResetExpiration(instant time.Time) {
	k.instant.Store(instant.UnixNano())
	k.expired.Store(false)
}

// Equal implements Key with wildcard matching for search keys.
func (k *TimeKey) Equal(other Key) bool {
	o, ok := other.(*TimeKey)
	if !ok || k.id != o.id {
		return false
	}

	if k == o || k.any || o.any {
		return true
	}

	switch {
	case k.current && o.current:
		return true
	case k.current:
		return o.matchesNow()
	case o.current:
		return k.matchesNow()
	default:
		return k.instant.Load() == o.instant.Load()
	}
}

func (k *TimeKey) matchesNow() bool {
	if k.expired.Load() {
		return k.reloadable()
	}

	if k.instant.Load() > timeNow().UnixNano() {
		return true
	}

	if !k.reloadable() {
		return false
	}

	k.expired.Store(true)

	return true
}

func (k *TimeKey) reloadable() bool {
	return k.usage == nil || (!k.usage.InUse() && !k.usage.IsDiscarded())
}

func (k *TimeKey) String() string {
	if k.current {
		return k.id.String() + "@current"
	}

	return k.id.String() + "@" + strconv.FormatInt(k.instant.Load(), 10)
}
