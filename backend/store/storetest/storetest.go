// Package storetest holds behaviour checks every store.Store backend must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravigill3969/fitscan/backend/models"
	"github.com/ravigill3969/fitscan/backend/store"
)

// Run exercises s. Each case uses fresh random ids so backends may share state.
func Run(t *testing.T, s store.Store) {
	t.Run("LedgerRoundTrip", func(t *testing.T) { ledgerRoundTrip(t, s) })
	t.Run("RollbackOnError", func(t *testing.T) { rollbackOnError(t, s) })
	t.Run("ScanRoundTrip", func(t *testing.T) { scanRoundTrip(t, s) })
	t.Run("Operations", func(t *testing.T) { operations(t, s) })
	t.Run("PruneOperations", func(t *testing.T) { pruneOperations(t, s) })
	t.Run("ProcessedEvents", func(t *testing.T) { processedEvents(t, s) })
}

func ledgerRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	uid := "user-" + uuid.NewString()
	exp := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Millisecond)
	ctxTag := "checkout.session.completed"

	require.NoError(t, s.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		l, err := tx.Ledger(ctx, uid)
		require.NoError(t, err)
		assert.Nil(t, l)
		return tx.PutLedger(ctx, uid, &models.CreditLedger{
			CreditBuckets: []models.CreditBucket{
				{Amount: 2, GrantedAt: time.Now().UTC().Truncate(time.Millisecond), ExpiresAt: &exp, Context: &ctxTag},
				{Amount: 3},
			},
			CreditsSummary: models.CreditsSummary{TotalAvailable: 5, LastUpdated: time.Now().UTC()},
		})
	}))

	require.NoError(t, s.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		l, err := tx.Ledger(ctx, uid)
		require.NoError(t, err)
		require.NotNil(t, l)
		require.Len(t, l.CreditBuckets, 2)
		assert.Equal(t, 5, l.CreditsSummary.TotalAvailable)
		assert.True(t, exp.Equal(*l.CreditBuckets[0].ExpiresAt))
		assert.Equal(t, ctxTag, *l.CreditBuckets[0].Context)
		assert.Nil(t, l.CreditBuckets[1].ExpiresAt)
		return nil
	}))
}

func rollbackOnError(t *testing.T, s store.Store) {
	ctx := context.Background()
	uid := "user-" + uuid.NewString()
	boom := errors.New("boom")

	err := s.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.Ledger(ctx, uid); err != nil {
			return err
		}
		if err := tx.PutLedger(ctx, uid, &models.CreditLedger{CreditBuckets: []models.CreditBucket{{Amount: 9}}}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		l, err := tx.Ledger(ctx, uid)
		require.NoError(t, err)
		assert.Nil(t, l)
		return nil
	}))
}

func scanRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	uid := "user-" + uuid.NewString()
	created := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Millisecond)
	bf := 18.5

	for i := 0; i < 3; i++ {
		scan := &models.ScanSession{
			ID:        fmt.Sprintf("scan-%d", i),
			UserID:    uid,
			Status:    models.ScanUploading,
			CreatedAt: created.Add(time.Duration(i) * time.Minute),
			UpdatedAt: created.Add(time.Duration(i) * time.Minute),
			Poses: map[models.Pose]models.PosePhoto{
				models.PoseFront: {ObjectKey: "k", ContentType: "image/jpeg", SizeBytes: 10, Digest: "d"},
			},
		}
		if i == 2 {
			scan.Status = models.ScanComplete
			scan.Charged = true
			scan.Result = &models.ScanResult{BFPercent: &bf}
		}
		require.NoError(t, s.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.PutScan(ctx, scan)
		}))
	}

	require.NoError(t, s.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		got, err := tx.Scan(ctx, uid, "scan-2")
		require.NoError(t, err)
		assert.True(t, got.HasResult())
		assert.Equal(t, 18.5, *got.Result.BFPercent)
		assert.True(t, got.Charged)
		assert.Equal(t, "k", got.Poses[models.PoseFront].ObjectKey)

		_, err = tx.Scan(ctx, uid, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))

	list, err := s.ListScans(ctx, uid, 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "scan-2", list[0].ID)

	stale, err := s.StaleScans(ctx, []models.ScanStatus{models.ScanUploading}, created.Add(90*time.Second), 100)
	require.NoError(t, err)
	var ours []string
	for _, sc := range stale {
		if sc.UserID == uid {
			ours = append(ours, sc.ID)
		}
	}
	assert.ElementsMatch(t, []string{"scan-0", "scan-1"}, ours)
}

func operations(t *testing.T, s store.Store) {
	ctx := context.Background()
	uid := "user-" + uuid.NewString()

	require.NoError(t, s.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		op, err := tx.Operation(ctx, uid, "op-1")
		require.NoError(t, err)
		assert.Nil(t, op)
		return tx.PutOperation(ctx, &models.OperationRecord{ID: "op-1", UserID: uid, Status: models.OperationFailed, Attempts: 1, UpdatedAt: time.Now().UTC()})
	}))
	require.NoError(t, s.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		op, err := tx.Operation(ctx, uid, "op-1")
		require.NoError(t, err)
		require.NotNil(t, op)
		assert.Equal(t, models.OperationFailed, op.Status)
		return tx.DeleteOperation(ctx, uid, "op-1")
	}))
	require.NoError(t, s.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		op, err := tx.Operation(ctx, uid, "op-1")
		require.NoError(t, err)
		assert.Nil(t, op)
		return nil
	}))
}

func pruneOperations(t *testing.T, s store.Store) {
	ctx := context.Background()
	uid := "user-" + uuid.NewString()
	longAgo := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Now().UTC()

	require.NoError(t, s.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, op := range []*models.OperationRecord{
			{ID: "done", UserID: uid, Status: models.OperationSucceeded, Attempts: 1, UpdatedAt: longAgo},
			{ID: "gave-up", UserID: uid, Status: models.OperationFailed, Attempts: 3, UpdatedAt: longAgo},
			{ID: "in-flight", UserID: uid, Status: models.OperationPending, Attempts: 1, UpdatedAt: longAgo},
			{ID: "fresh", UserID: uid, Status: models.OperationSucceeded, Attempts: 1, UpdatedAt: recent},
		} {
			if err := tx.PutOperation(ctx, op); err != nil {
				return err
			}
		}
		return nil
	}))

	n, err := s.PruneOperations(ctx, longAgo.Add(time.Hour), 1000)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)

	require.NoError(t, s.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for id, kept := range map[string]bool{"done": false, "gave-up": false, "in-flight": true, "fresh": true} {
			op, err := tx.Operation(ctx, uid, id)
			require.NoError(t, err)
			assert.Equal(t, kept, op != nil, id)
		}
		return nil
	}))
}

func processedEvents(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := "evt_" + uuid.NewString()

	require.NoError(t, s.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		seen, err := tx.EventProcessed(ctx, id)
		require.NoError(t, err)
		assert.False(t, seen)
		return tx.MarkEventProcessed(ctx, models.ProcessedEvent{EventID: id, EventType: "checkout.session.completed", ProcessedAt: time.Now().UTC()})
	}))
	require.NoError(t, s.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		seen, err := tx.EventProcessed(ctx, id)
		require.NoError(t, err)
		assert.True(t, seen)
		return nil
	}))
}
