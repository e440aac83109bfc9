// Package activation controls the lifecycle of stateful managed objects held in a pinning cache.
//
// An Activator decides when an instance of a managed object is materialized (activated),
// how many holders reference it (pins), when it is written out (passivated) or destroyed,
// and how that lifecycle interlocks with units of work (transactions and activity sessions).
//
// Features:
//
//   - Pluggable activation strategies per home: uncached, single instance, single instance
//     with exclusive hold, transaction scoped stateful, activity session aware, per unit of work,
//     and single instance with reload interval.
//   - Reference counted cache entries, pinned once per concurrent holder.
//   - Per-bucket slot locks with broadcast wake-up and access timeout for busy instances.
//   - Background eviction that takes the slot lock before any store bucket lock.
//   - Background reaper for idle session timeouts.
//   - Allows logging, stats collection.
//   - Propagates context to allow better control of timeouts and cancellation.
package activation
