// Package blobstore provides destinations for exported segments.
//
// Segments live inside the host relation; Index.Export copies the visible
// ones out as plain blobs plus a manifest, for backups or for shipping an
// index to another system.
//
// # Built-in Implementations
//
//   - MemoryStore: in-memory, for tests
//   - LocalStore: local filesystem with atomic renames
//   - s3.Store: Amazon S3 with multipart uploads
//   - minio.Store: MinIO and other S3-compatible storage
//
// Implementations must be safe for concurrent use.
package blobstore
