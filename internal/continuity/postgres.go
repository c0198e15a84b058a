package continuity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"scenegen/internal/domain"
	"scenegen/internal/infra"
	"scenegen/internal/sqlinline"
)

// PostgresBackend keeps documents in the continuity_records table.
type PostgresBackend struct {
	db infra.SQLExecutor
}

func NewPostgresBackend(db infra.SQLExecutor) *PostgresBackend {
	return &PostgresBackend{db: db}
}

// EnsureSchema creates the table when it does not exist yet.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, sqlinline.QEnsureContinuityTable); err != nil {
		return fmt.Errorf("continuity: ensure schema: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Load(ctx context.Context, key domain.ContinuityKey) ([]byte, error) {
	var doc string
	err := b.db.QueryRow(ctx, sqlinline.QSelectContinuityRecord, key.EntityID, key.SequenceID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("continuity: select %s: %w", key, err)
	}
	return []byte(doc), nil
}

func (b *PostgresBackend) Save(ctx context.Context, key domain.ContinuityKey, doc []byte) error {
	if _, err := b.db.Exec(ctx, sqlinline.QUpsertContinuityRecord, key.EntityID, key.SequenceID, string(doc)); err != nil {
		return fmt.Errorf("continuity: upsert %s: %w", key, err)
	}
	return nil
}

var _ Backend = (*PostgresBackend)(nil)
