package domain

import "context"

// ContinuityRepository persists one record per (entity, sequence).
// Get on sequence <= 1 reports no record, never an error.
type ContinuityRepository interface {
	Get(ctx context.Context, key ContinuityKey) (ContinuityRecord, bool, error)
	Put(ctx context.Context, key ContinuityKey, record ContinuityRecord) error
}
