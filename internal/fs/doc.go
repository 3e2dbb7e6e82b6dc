// Package fs provides filesystem abstractions for testability and fault injection.
//
// The package defines two key interfaces:
//
//   - [File]: an open file with positional read/write, sync and truncate
//   - [FileSystem]: open, remove, stat and mkdir
//
// # Implementations
//
//   - [LocalFS]: production implementation using the standard os package
//   - [FaultyFS]: test utility that injects write, sync and close failures
//
// The page.FileManager relation backend is the only consumer. Tests inject
// [FaultyFS] to simulate a crash in the middle of a page flush:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule(".journal", fs.Fault{FailAfterBytes: -1, FailOnSync: true})
//	mgr, err := page.OpenFile(ffs, path)
package fs
