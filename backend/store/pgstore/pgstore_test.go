package pgstore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ravigill3969/fitscan/backend/database"
	"github.com/ravigill3969/fitscan/backend/store/storetest"
)

func TestPostgresConformance(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := database.ConnectDB(url)
	require.NoError(t, err)
	require.NoError(t, database.RunMigrations(db))

	s := New(db, zap.NewNop())
	t.Cleanup(func() { s.Close() })

	storetest.Run(t, s)
}
