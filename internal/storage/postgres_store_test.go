package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("DISPATCH_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("DISPATCH_TEST_PG_DSN not set; skipping postgres integration test")
	}
	s, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	runStoreSuite(t, s)
}
