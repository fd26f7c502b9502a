// Package batch runs the resumable Checko fetch loop over a list of OGRNs.
//
// Entities are processed strictly one after another. For every entity the
// runner first checks the artifact store; an existing artifact counts as
// success without a network call, which makes an interrupted run resumable
// with the same input list.
//
// Example usage:
//
//	runner, err := batch.New(pool, checkoClient, artifacts, batch.DefaultConfig(), logger)
//	if err != nil {
//		return err
//	}
//	summary, err := runner.Run(ctx, ogrns)
//
// Per entity the runner:
//   - retries the same key on transient or malformed responses
//   - rotates to the least used key on quota errors
//   - drops keys the service rejects and rotates
//   - saves key usage after every attempt
//   - waits the pacing delay before the next entity
//
// The run stops early, without error, once no key is below its daily limit.
// Entities not reached stay pending for a later run.
package batch
