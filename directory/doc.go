// Package directory maps logical segment-component paths to stored bytes,
// with MVCC lifecycle tags on every entry.
//
// [Directory] is the storage capability the search segments are written
// through. [BlockDirectory] keeps entries in a typed-item list inside the
// relation and component bytes in byte-list chains; [MemoryDirectory] is an
// in-memory double with the same visibility rules.
//
// Entries are created with xmin set to the writing transaction and retired by
// setting xmax instead of being removed, so older snapshots keep reading
// them. Space is reclaimed by [Directory.Vacuum] once no snapshot can see a
// retired entry. Work of a transaction that aborts is undone by an observer
// registered on the transaction itself.
package directory
