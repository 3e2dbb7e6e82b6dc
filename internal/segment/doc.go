// Package segment implements the immutable search segment format.
//
// A segment is a set of directory components sharing a UUID:
//
//   - <id>.postings: document table and term dictionary with postings (LZ4)
//   - <id>.store: original document text, read only by merges (ZSTD)
//   - <id>.meta: JSON metadata, written last
//   - <id>.<gen>.del: roaring bitmap of deleted document ordinals
//
// Segments never change once written. Deleting documents writes a new
// delete generation and retires the previous one.
package segment
