// Package txn is the host transaction collaborator: xid allocation, commit
// status, snapshots, the running-backend registry, and commit/abort observers.
//
// Storage components never keep process-wide transaction state. Work that must
// be undone on abort is recorded in an [Observer] attached to the [Tx] through
// [Tx.ObserverFor]; the observer is drained exactly once when the transaction
// commits or aborts.
//
// The Manager outlives relation handles, the way a host's commit log outlives
// an open index.
package txn
