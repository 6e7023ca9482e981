// Package store persists alias records. Both implementations serialise the
// read-max then insert sequence: the memory store with one mutex, Postgres
// with a transaction-scoped advisory lock. A unique constraint on the alias
// value backs both.
package store

import (
	"context"

	"onboarding/internal/alias/models"
)

// Tx is the alias table as seen from inside the allocation critical section.
type Tx interface {
	// MaxValue returns the highest stored alias, or "" when none exist.
	MaxValue(ctx context.Context) (models.Value, error)
	// Existing returns which of values are already stored.
	Existing(ctx context.Context, values []models.Value) ([]models.Value, error)
	// FindByRequest returns the records created by an idempotent batch in
	// request order.
	FindByRequest(ctx context.Context, requestKey string) ([]*models.Record, error)
	// Insert stages records; they become visible only if the critical
	// section completes without error.
	Insert(ctx context.Context, records []*models.Record) error
}
