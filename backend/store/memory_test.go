package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravigill3969/fitscan/backend/models"
)

func TestMemoryRollsBackOnError(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.RunTx(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.PutLedger(ctx, "u1", &models.CreditLedger{
			CreditBuckets:  []models.CreditBucket{{Amount: 5}},
			CreditsSummary: models.CreditsSummary{TotalAvailable: 5},
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = m.RunTx(ctx, func(ctx context.Context, tx Tx) error {
		l, err := tx.Ledger(ctx, "u1")
		require.NoError(t, err)
		assert.Nil(t, l)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryReadYourWritesAndIsolation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	err := m.RunTx(ctx, func(ctx context.Context, tx Tx) error {
		s := &models.ScanSession{ID: "s1", UserID: "u1", Status: models.ScanUploading, CreatedAt: time.Now()}
		require.NoError(t, tx.PutScan(ctx, s))
		s.Status = models.ScanAborted // mutating the caller's copy must not leak

		got, err := tx.Scan(ctx, "u1", "s1")
		require.NoError(t, err)
		assert.Equal(t, models.ScanUploading, got.Status)
		return nil
	})
	require.NoError(t, err)

	_ = m.RunTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.Scan(ctx, "u2", "s1")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
}

func TestMemoryOperationDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.RunTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.PutOperation(ctx, &models.OperationRecord{ID: "op", UserID: "u", Status: models.OperationFailed})
	}))
	require.NoError(t, m.RunTx(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.DeleteOperation(ctx, "u", "op"))
		op, err := tx.Operation(ctx, "u", "op")
		require.NoError(t, err)
		assert.Nil(t, op)
		return nil
	}))
	require.NoError(t, m.RunTx(ctx, func(ctx context.Context, tx Tx) error {
		op, err := tx.Operation(ctx, "u", "op")
		require.NoError(t, err)
		assert.Nil(t, op)
		return nil
	}))
}

func TestMemoryStaleScans(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.RunTx(ctx, func(ctx context.Context, tx Tx) error {
		for i, st := range []models.ScanStatus{models.ScanUploading, models.ScanComplete, models.ScanQueued} {
			s := &models.ScanSession{ID: string(rune('a' + i)), UserID: "u", Status: st, UpdatedAt: base.Add(time.Duration(i) * time.Hour)}
			if err := tx.PutScan(ctx, s); err != nil {
				return err
			}
		}
		return nil
	}))

	stale, err := m.StaleScans(ctx, []models.ScanStatus{models.ScanUploading, models.ScanQueued}, base.Add(3*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "a", stale[0].ID)
	assert.Equal(t, "c", stale[1].ID)

	list, err := m.ListScans(ctx, "u", 2)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
