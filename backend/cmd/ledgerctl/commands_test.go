package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ravigill3969/fitscan/backend/app"
	"github.com/ravigill3969/fitscan/backend/config"
	"github.com/ravigill3969/fitscan/backend/credits"
	"github.com/ravigill3969/fitscan/backend/models"
	"github.com/ravigill3969/fitscan/backend/scans"
	"github.com/ravigill3969/fitscan/backend/utils"
)

func testEnv(t *testing.T) (env, *app.Deps) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := &config.Config{
		Server: config.ServerConfig{Environment: "development", StoreBackend: "memory"},
		Redis:  config.RedisConfig{URL: "redis://" + mr.Addr()},
		Auth:   config.AuthConfig{HMACSecret: "cli-secret"},
		Scans:  config.ScanConfig{AbandonAfter: time.Hour},
	}
	deps, err := app.Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(deps.Close)

	return env{
		config: func() (*config.Config, error) { return cfg, nil },
		open: func(context.Context, *config.Config) (*app.Deps, func(), error) {
			return deps, func() {}, nil
		},
	}, deps
}

func run(t *testing.T, e env, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(e)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestGrantAndBalance(t *testing.T) {
	e, _ := testEnv(t)

	out, err := run(t, e, "grant", "--uid", "u1", "--amount", "3", "--expiry-days", "30")
	require.NoError(t, err)
	assert.Contains(t, out, "3 available")

	out, err = run(t, e, "balance", "--uid", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, `"totalAvailable": 3`)

	_, err = run(t, e, "grant", "--uid", "u1", "--amount", "0")
	assert.Error(t, err)

	_, err = run(t, e, "grant", "--amount", "1")
	assert.ErrorContains(t, err, "uid")
}

func TestRefundAndSweep(t *testing.T) {
	e, deps := testEnv(t)
	ctx := context.Background()

	_, err := deps.Credits.GrantCredits(ctx, "u1", credits.Grant{Amount: 1})
	require.NoError(t, err)
	scan, err := deps.Scans.Start(ctx, "u1")
	require.NoError(t, err)
	var uploads []scans.PoseUpload
	for _, p := range models.Poses {
		uploads = append(uploads, scans.PoseUpload{Pose: p, ContentType: "image/png", Data: []byte(p)})
	}
	_, err = deps.Scans.UploadPoses(ctx, "u1", scan.ID, uploads)
	require.NoError(t, err)
	_, _, err = deps.Scans.Submit(ctx, "u1", scan.ID)
	require.NoError(t, err)

	out, err := run(t, e, "refund", "--uid", "u1", "--scan", scan.ID)
	require.NoError(t, err)
	assert.Contains(t, out, `"refunded": true`)

	stale, err := deps.Scans.Start(ctx, "u2")
	require.NoError(t, err)

	out, err = run(t, e, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, `"abandoned": 0`, "scans younger than the cutoff stay open")

	out, err = run(t, e, "sweep", "--older-than", "1ns")
	require.NoError(t, err)
	assert.Contains(t, out, `"abandoned": 1`)

	got, err := deps.Scans.Get(ctx, "u2", stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanAborted, got.Status)
}

func TestOpsReset(t *testing.T) {
	e, deps := testEnv(t)
	ctx := context.Background()

	_, err := deps.Credits.RunUserOperation(ctx, "u1", "useCredit:k1", func(context.Context) error { return nil })
	require.NoError(t, err)

	out, err := run(t, e, "ops-reset", "--uid", "u1", "--op", "useCredit:k1")
	require.NoError(t, err)
	assert.Contains(t, out, "reset")

	_, err = run(t, e, "ops-reset", "--uid", "u1", "--op", "useCredit:k1")
	assert.Error(t, err, "record is already gone")
}

func TestToken(t *testing.T) {
	e, _ := testEnv(t)
	out, err := run(t, e, "token", "--uid", "u9", "--ttl", "5m")
	require.NoError(t, err)

	claims, err := utils.ParseToken(string(bytes.TrimSpace([]byte(out))), []byte("cli-secret"))
	require.NoError(t, err)
	assert.Equal(t, "u9", claims.UserID)
}

func TestUploadRequiresEveryPose(t *testing.T) {
	e, _ := testEnv(t)
	_, err := run(t, e, "upload", "--token", "t", "--scan", "s1", "--front", "f.jpg")
	assert.ErrorContains(t, err, "required flag")
}
