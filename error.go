package activation

import "github.com/swaggest/usecase/status"

// SentinelError is an error.
type SentinelError string

// Error implements error.
func (e SentinelError) Error() string {
	return string(e)
}

const (
	// ErrCacheItemNotFound indicates missing cache entry.
	ErrCacheItemNotFound = SentinelError("missing cache item")

	// ErrDuplicateKey indicates an insert for a key that already has a live entry.
	ErrDuplicateKey = SentinelError("duplicate cache key")
)

var (
	// ErrConcurrentAccess indicates an instance stayed busy on another unit of work beyond the access timeout.
	ErrConcurrentAccess = status.Wrap(SentinelError("concurrent access timeout"), status.Aborted)

	// ErrNotReentrant indicates a call into an instance that is already in a method on the same thread context.
	ErrNotReentrant = status.Wrap(SentinelError("instance is not reentrant"), status.Aborted)

	// ErrTimedOut indicates the instance's session or idle time has elapsed.
	ErrTimedOut = status.Wrap(SentinelError("instance timed out"), status.DeadlineExceeded)

	// ErrNoSuchObject indicates the instance no longer exists.
	ErrNoSuchObject = status.Wrap(SentinelError("no such object"), status.NotFound)

	// ErrStillPinned indicates removal of an entry that is still pinned by another holder.
	ErrStillPinned = status.Wrap(SentinelError("cache entry is pinned"), status.FailedPrecondition)

	// ErrClosed indicates a closed activator.
	ErrClosed = status.Wrap(SentinelError("activator closed"), status.Unavailable)

	// ErrUnregisteredState indicates passivation of a value which type is not registered with GobRegister.
	ErrUnregisteredState = status.Wrap(SentinelError("unregistered state type"), status.InvalidArgument)

	// ErrIncompatibleState indicates passivated state written for a different structure of its type.
	ErrIncompatibleState = status.Wrap(SentinelError("incompatible passivated state"), status.FailedPrecondition)

	// ErrUnknownHome indicates an identity that refers to a home that is not installed.
	ErrUnknownHome = status.Wrap(SentinelError("unknown home"), status.InvalidArgument)
)

// ErrNotPinned indicates unpin of an entry that has no pins.
const ErrNotPinned = SentinelError("cache entry is not pinned")
