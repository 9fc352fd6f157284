package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SCAN_ABANDON_AFTER", "90m")
	t.Setenv("MAX_OPERATION_ATTEMPTS", "not-a-number")
	t.Setenv("CREDIT_PACKS_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("FRONTEND_URL", "https://app.example.test/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 90*time.Minute, cfg.Scans.AbandonAfter)
	assert.Equal(t, 3, cfg.Credits.MaxOperationAttempts)
	assert.Equal(t, "https://app.example.test", cfg.Server.FrontendURL)
	assert.Equal(t, int64(8<<20), cfg.Scans.MaxPhotoBytes)
	assert.Equal(t, 7*24*time.Hour, cfg.Scans.OperationRetention)
	assert.Empty(t, cfg.Stripe.Packs)
}

func TestLoadCreditPacks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "packs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
packs:
  - price_id: price_starter
    name: Starter
    credits: 3
    expiry_days: 90
  - price_id: price_pro
    name: Pro
    credits: 12
`), 0o600))

	packs, err := LoadCreditPacks(path)
	require.NoError(t, err)
	require.Len(t, packs, 2)
	assert.Equal(t, 3, packs["price_starter"].Credits)
	assert.Equal(t, 90, packs["price_starter"].ExpiryDays)
	assert.Equal(t, 0, packs["price_pro"].ExpiryDays)
}

func TestParseCreditPacksRejectsBadEntries(t *testing.T) {
	cases := map[string]string{
		"missing price": "packs:\n  - name: x\n    credits: 1\n",
		"zero credits":  "packs:\n  - price_id: p\n    credits: 0\n",
		"duplicate":     "packs:\n  - price_id: p\n    credits: 1\n  - price_id: p\n    credits: 2\n",
		"not yaml":      "packs: [",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCreditPacks([]byte(raw))
			assert.Error(t, err)
		})
	}
}
