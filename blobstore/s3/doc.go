// Package s3 provides an S3 implementation of the blobstore.Store interface.
//
// # Usage
//
//	cfg, err := config.LoadDefaultConfig(ctx)
//	store := s3.NewStore(awss3.NewFromConfig(cfg), "my-bucket", "exports")
//
//	_, err = idx.Export(ctx, tx, store, "nightly")
//
// # Features
//
//   - Range reads for partial fetches
//   - Multipart uploads for large segment components
//   - CRC32C checksums on every upload
//   - Automatic pagination for listing
package s3
