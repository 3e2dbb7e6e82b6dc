// Package merge bounds the number of live segments.
//
// LayeredPolicy groups segments into byte-sized layers and proposes merges
// that produce one segment at least the size of the next layer. The
// Coordinator runs a proposal under the directory's merge lock:
//
//	Idle → CandidateSelected → LockAcquired → Merging → Committing → Done
//	                                    └──────────┴───────────┴────→ Abandoned
//
// The lock is taken with try-semantics. Inserts never wait for a merge;
// a busy lock just skips the opportunity.
package merge
