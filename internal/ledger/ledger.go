// Package ledger records processed observation identities so each unique
// observation takes effect at most once, even under at-least-once delivery.
package ledger

import "context"

// Ledger is the dedup/idempotency contract. ShouldProcess returns true the
// first time a (source, fingerprint) pair is seen within the retention
// window and false for every redelivery. The upsert-if-absent must be safe
// under concurrent callers.
//
// Forget releases a recorded pair. The pipeline calls it when an observation
// is parked on the dead-letter path without having taken effect, so a replay
// from the DLQ is not suppressed as a duplicate.
type Ledger interface {
	ShouldProcess(ctx context.Context, sourceID, fingerprint string) (bool, error)
	Forget(ctx context.Context, sourceID, fingerprint string) error
	Close() error
}

func entryKey(sourceID, fingerprint string) string {
	return "obs:" + sourceID + ":" + fingerprint
}
