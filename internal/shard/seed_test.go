package shard

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dayflow/internal/cache"
)

func TestSeedMasterPinsUniversePerDate(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "instruments.yml")
	require.NoError(t, os.WriteFile(path, []byte("instruments:\n  - BTCUSDT\n  - ETHUSDT\n"), 0o644))

	sm := NewSeedMaster(path, cache.NewMemory())
	require.NoError(t, sm.Sync(ctx, "prod", "2025-01-02"))

	require.NoError(t, os.WriteFile(path, []byte("instruments:\n  - SOLUSDT\n"), 0o644))

	got, err := sm.Instruments(ctx, "prod", "2025-01-02")
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, got)

	// Never synced: read straight from the file.
	got, err = sm.Instruments(ctx, "prod", "2025-01-03")
	require.NoError(t, err)
	assert.Equal(t, []string{"SOLUSDT"}, got)
}

func TestSeedMasterMissingFile(t *testing.T) {
	sm := NewSeedMaster(filepath.Join(t.TempDir(), "missing.yml"), cache.NewMemory())
	assert.Error(t, sm.Sync(context.Background(), "prod", "2025-01-02"))
}
