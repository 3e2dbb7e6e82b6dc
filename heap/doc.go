// Package heap is an in-memory stand-in for the host's heap access method:
// multi-version tuples addressed by [TID], HOT update chains, fetch-by-TID
// honoring a snapshot, and the dead-tuple test vacuum relies on.
//
// Segments store TIDs in packed form ([TID.Pack], [Unpack]).
package heap
