// Package searchpages is a full-text search index whose immutable segments
// live as chains of fixed-size pages inside a host relation.
//
// The host database supplies pages (page.Manager), transactions
// (txn.Manager) and the heap the index points into (Heap). Every write
// happens inside a host transaction: segments become visible when it
// commits and vanish without a trace when it aborts.
//
// # Quick Start
//
//	mgr := page.NewMemoryManager()
//	txm := txn.NewManager()
//	table := heap.NewTable(txm)
//
//	idx, _ := searchpages.Open(mgr, txm, table)
//	defer idx.Close()
//
//	tx := txm.Begin(os.Getpid())
//	tid := table.Insert(tx, "the quick brown fox")
//	_ = idx.Insert(ctx, tx, searchpages.Document{Key: 1, Text: "the quick brown fox"}, tid.Pack())
//	_ = tx.Commit()
//
// # Search
//
// Search returns a lazy, single-use sequence ranked by BM25. Rows the
// caller's snapshot cannot see are dropped before they count against the
// limit:
//
//	for m, err := range idx.Search(ctx, tx, "quick fox", 10) {
//	    if err != nil {
//	        // a *CorruptSegmentError arrives after the healthy matches
//	    }
//	    fmt.Println(m.Key, m.Score)
//	}
//
// ParallelSearch spreads the same work over several workers.
//
// # Merging
//
// After every flush a layered merge policy groups small segments into
// larger ones. Merges take a non-blocking merge lock; when it is busy the
// attempt is skipped. Merged inputs are only marked dropped, so snapshots
// taken earlier keep seeing them until Vacuum reclaims their pages.
//
// # Vacuum
//
//	res, err := idx.Vacuum(ctx, searchpages.VacuumOptions{Optimize: false})
//
// Vacuum marks documents whose heap rows are dead, optionally merges every
// segment into one, and hands the pages of entries no snapshot can see
// back to the free space manager.
//
// # Export
//
// Export copies the visible segments and a manifest to a blobstore.Store
// (memory, local filesystem, S3 or MinIO).
package searchpages
