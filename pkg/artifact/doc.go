// Package artifact stores fetched Checko records, one gzip-compressed JSON
// document per entity.
//
// The presence of an artifact is the resume marker: the batch runner skips
// every entity whose artifact already exists, so an interrupted run can be
// restarted with the same input list.
//
// # Backends
//
//   - FSStore writes {dir}/{ogrn}.json.gz. Files are written to a temporary
//     name and renamed, so a crash never leaves a partial artifact behind.
//   - S3Store writes {prefix}{ogrn}.json.gz to an S3 compatible bucket.
//
// # Basic Usage
//
//	store, err := artifact.NewFSStore("JSONs")
//	if err != nil {
//		return err
//	}
//
//	exists, err := store.Exists(ctx, ogrn)
//	if err != nil || exists {
//		return err
//	}
//
//	if err := store.Put(ctx, ogrn, outcome.Payload); err != nil {
//		return err
//	}
//
// # Encoding
//
// Payloads are re-indented with four spaces before compression. Non-ASCII
// characters are written as-is.
//
// # Metrics
//
//   - checko_artifact_lookups_total{backend,result} - Exists calls (hit/miss)
//   - checko_artifacts_written_total{backend} - Successful writes
//   - checko_artifact_bytes_written_total{backend} - Compressed bytes written
//   - checko_artifact_errors_total{backend,operation} - Failed operations
package artifact
