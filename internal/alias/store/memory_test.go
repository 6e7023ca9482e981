package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onboarding/internal/alias/models"
	id "onboarding/pkg/domain"
	"onboarding/pkg/platform/sentinel"
)

func record(value string, requestKey string, position int) *models.Record {
	return &models.Record{
		Value:         models.Value(value),
		FSPID:         "dfsp1",
		Currency:      "USD",
		MerchantID:    int64(position + 1),
		OwnerEndpoint: id.CredentialID(uuid.New()),
		RequestKey:    requestKey,
		Position:      position,
		CreatedAt:     time.Now(),
	}
}

func TestInMemoryAllocationCommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()

	err := s.RunAllocation(ctx, func(ctx context.Context, tx Tx) error {
		head, err := tx.MaxValue(ctx)
		require.NoError(t, err)
		assert.Empty(t, head)
		return tx.Insert(ctx, []*models.Record{record("0000000002", "k", 1), record("0000000001", "k", 0)})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Count())

	err = s.RunAllocation(ctx, func(ctx context.Context, tx Tx) error {
		head, err := tx.MaxValue(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.Value("0000000002"), head)

		prior, err := tx.FindByRequest(ctx, "k")
		require.NoError(t, err)
		require.Len(t, prior, 2)
		assert.Equal(t, models.Value("0000000001"), prior[0].Value)

		taken, err := tx.Existing(ctx, []models.Value{"0000000001", "0000000009"})
		require.NoError(t, err)
		assert.Equal(t, []models.Value{"0000000001"}, taken)
		return nil
	})
	require.NoError(t, err)

	rec, err := s.FindByValue(ctx, "0000000001")
	require.NoError(t, err)
	assert.Equal(t, "USD", rec.Currency)
}

func TestInMemoryAllocationDiscardsOnError(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	boom := errors.New("boom")

	err := s.RunAllocation(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.Insert(ctx, []*models.Record{record("0000000001", "", 0)}))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, s.Count())

	_, err = s.FindByValue(ctx, "0000000001")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestInMemoryInsertRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	require.NoError(t, s.RunAllocation(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Insert(ctx, []*models.Record{record("0000000001", "", 0)})
	}))

	err := s.RunAllocation(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Insert(ctx, []*models.Record{record("0000000001", "", 0)})
	})
	assert.ErrorIs(t, err, sentinel.ErrConflict)

	err = s.RunAllocation(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Insert(ctx, []*models.Record{record("0000000005", "", 0), record("0000000005", "", 1)})
	})
	assert.ErrorIs(t, err, sentinel.ErrConflict)
	assert.Equal(t, 1, s.Count())
}
