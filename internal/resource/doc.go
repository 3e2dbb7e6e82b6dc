// Package resource governs background work: merges, vacuum and export.
//
// The Controller manages three budgets:
//
//   - Memory: documents a merge holds while rewriting (non-blocking, fail-fast)
//   - Concurrency: background worker slots
//   - IO: a token bucket for component bytes read and written
//
// A merge that cannot reserve memory or a slot is abandoned and retried
// on a later pass; searches never wait on the controller.
//
// All methods handle a nil Controller gracefully; they become no-ops.
package resource
