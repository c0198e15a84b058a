package continuity

import (
	"context"

	"scenegen/internal/domain"
)

// Backend stores one raw JSON document per key. Load returns
// domain.ErrNotFound for a key that was never saved. Save replaces the whole
// document.
type Backend interface {
	Load(ctx context.Context, key domain.ContinuityKey) ([]byte, error)
	Save(ctx context.Context, key domain.ContinuityKey, doc []byte) error
}
