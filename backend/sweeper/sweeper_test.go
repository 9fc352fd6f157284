package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/ravigill3969/fitscan/backend/config"
	"github.com/ravigill3969/fitscan/backend/credits"
	"github.com/ravigill3969/fitscan/backend/models"
	"github.com/ravigill3969/fitscan/backend/scans"
	"github.com/ravigill3969/fitscan/backend/storage"
	"github.com/ravigill3969/fitscan/backend/store"
)

type nopQueue struct{}

func (nopQueue) Enqueue(context.Context, models.ScanJob) error { return nil }

type env struct {
	store   *store.Memory
	credits *credits.Service
	scans   *scans.Service
	photos  *storage.Memory
	sweeper *Sweeper
	clock   time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewMemory()
	logger := zap.NewNop()
	e := &env{store: st, photos: storage.NewMemory("http://objects.test"), clock: time.Now().UTC().Add(-10 * time.Hour)}
	e.credits = credits.NewService(st, logger)
	e.scans = scans.NewService(st, e.credits, e.photos, nopQueue{}, nil, logger, scans.Options{
		Clock: func() time.Time { return e.clock },
	})
	e.sweeper = New(st, e.scans, config.ScanConfig{AbandonAfter: 6 * time.Hour, SweepEvery: time.Hour}, logger)
	return e
}

func (e *env) uploaded(t *testing.T, uid string) *models.ScanSession {
	t.Helper()
	scan, err := e.scans.Start(context.Background(), uid)
	require.NoError(t, err)
	var uploads []scans.PoseUpload
	for _, p := range models.Poses {
		uploads = append(uploads, scans.PoseUpload{Pose: p, ContentType: "image/jpeg", Data: []byte("img-" + p)})
	}
	_, err = e.scans.UploadPoses(context.Background(), uid, scan.ID, uploads)
	require.NoError(t, err)
	return scan
}

func TestSweepOnceAbandonsAndRefunds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.credits.GrantCredits(ctx, "u1", credits.Grant{Amount: 1})
	require.NoError(t, err)
	charged := e.uploaded(t, "u1")
	_, _, err = e.scans.Submit(ctx, "u1", charged.ID)
	require.NoError(t, err)

	idle := e.uploaded(t, "u2")

	e.clock = time.Now().UTC()
	fresh, err := e.scans.Start(ctx, "u3")
	require.NoError(t, err)

	rep, err := e.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Abandoned: 2, Refunded: 1}, rep)

	got, err := e.scans.Get(ctx, "u1", charged.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanAborted, got.Status)
	assert.False(t, got.Charged)

	got, err = e.scans.Get(ctx, "u2", idle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanAborted, got.Status)
	assert.Equal(t, "abandoned", got.Error)

	got, err = e.scans.Get(ctx, "u3", fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanUploading, got.Status)

	assert.Equal(t, 0, e.photos.Len())

	summary, err := e.credits.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalAvailable)

	rep, err = e.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)
}

func TestSweepOncePrunesFinishedOperations(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.sweeper.OperationRetention = time.Hour

	ops := credits.NewService(e.store, zap.NewNop(), credits.WithClock(func() time.Time { return e.clock }))
	_, err := ops.RunUserOperation(ctx, "u1", "useCredit:old", func(context.Context) error { return nil })
	require.NoError(t, err)
	_, err = ops.RunUserOperation(ctx, "u1", "useCredit:refused", func(context.Context) error {
		return credits.Permanent(credits.ErrNoCredits)
	})
	require.ErrorIs(t, err, credits.ErrNoCredits)

	e.clock = time.Now().UTC()
	_, err = ops.RunUserOperation(ctx, "u1", "useCredit:new", func(context.Context) error { return nil })
	require.NoError(t, err)

	rep, err := e.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{PrunedOperations: 2}, rep)

	ran := false
	_, err = ops.RunUserOperation(ctx, "u1", "useCredit:old", func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran, "a pruned id is free to run again")

	ran = false
	_, err = ops.RunUserOperation(ctx, "u1", "useCredit:new", func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran, "a record inside the retention window still replays")
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := newEnv(t)
	e.uploaded(t, "u1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.sweeper.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return e.photos.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
