package gap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dayflow/internal/day"
)

func testManifest() Manifest {
	d := fixedDetector()
	for _, seq := range []uint64{1, 2, 3, 7, 8} {
		d.Observe("MD", seq, 4)
	}
	m, _ := d.Flush("MD", "2025-01-02")
	m.Env = "prod"
	m.Feed = "binance"
	m.Instruments = []string{"BTCUSDT", "ETHUSDT"}
	return m
}

func TestManifestPath(t *testing.T) {
	assert.Equal(t, "manifests/prod/binance/MD/2025-01-02/manifest.json",
		ManifestPath("manifests", "prod", "binance", "MD", "2025-01-02"))
	assert.Equal(t, "manifests/prod/binance/MD/2025-01-02/coverage.parquet",
		CoveragePath("manifests", "prod", "binance", "MD", "2025-01-02"))
}

func TestManifestWriterWritesOnce(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sink, err := NewLocalSink(dir)
	require.NoError(t, err)
	w := NewManifestWriter(sink, "manifests", "snappy")

	m := testManifest()
	key, err := w.Write(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, "manifests/prod/binance/MD/2025-01-02/manifest.json", key)

	got, err := ReadManifest(ctx, sink, "manifests", "prod", "binance", "MD", "2025-01-02")
	require.NoError(t, err)
	assert.Equal(t, ManifestFormat, got.Format)
	assert.Equal(t, m.RecordCount, got.RecordCount)
	assert.Equal(t, []SeqRange{{From: 1, To: 3}, {From: 7, To: 8}}, got.SequenceWindows)
	require.Len(t, got.Gaps, 1)
	assert.Equal(t, uint64(4), got.Gaps[0].From)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, got.Instruments)
	assert.Equal(t, "manifests/prod/binance/MD/2025-01-02/coverage.parquet", got.CoveragePath)

	info, err := os.Stat(filepath.Join(dir, got.CoveragePath))
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	m.RecordCount = 999
	_, err = w.Write(ctx, m)
	assert.ErrorIs(t, err, ErrManifestExists)
	got, err = ReadManifest(ctx, sink, "manifests", "prod", "binance", "MD", "2025-01-02")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.RecordCount)
}

func TestManifestWriterRequiresPartition(t *testing.T) {
	sink, err := NewLocalSink(t.TempDir())
	require.NoError(t, err)
	_, err = NewManifestWriter(sink, "m", "").Write(context.Background(), Manifest{StreamID: "MD"})
	assert.Error(t, err)
}

func TestLocalSinkPutIfAbsent(t *testing.T) {
	ctx := context.Background()
	sink, err := NewLocalSink(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, sink.PutIfAbsent(ctx, "a/b.json", []byte("one"), "application/json"))
	assert.ErrorIs(t, sink.PutIfAbsent(ctx, "a/b.json", []byte("two"), "application/json"), ErrObjectExists)

	data, err := sink.Get(ctx, "a/b.json")
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	require.NoError(t, sink.Put(ctx, "a/b.json", []byte("three"), "application/json"))
	data, err = sink.Get(ctx, "a/b.json")
	require.NoError(t, err)
	assert.Equal(t, "three", string(data))

	_, err = sink.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)
	ok, err := sink.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := os.ReadDir(filepath.Join(sink.dir, "a"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must be cleaned up")
}

func TestManifestVerifier(t *testing.T) {
	ctx := context.Background()
	sink, err := NewLocalSink(t.TempDir())
	require.NoError(t, err)
	w := NewManifestWriter(sink, "manifests", "")
	v := NewManifestVerifier(sink, "manifests", "binance", []string{"MD", "TRADES"})

	_, err = w.Write(ctx, testManifest())
	require.NoError(t, err)
	err = v.Verify(ctx, "prod", day.Date("2025-01-02"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TRADES")

	trades := Manifest{Env: "prod", Feed: "binance", StreamID: "TRADES", Partition: "2025-01-02"}
	_, err = w.Write(ctx, trades)
	require.NoError(t, err)
	assert.NoError(t, v.Verify(ctx, "prod", day.Date("2025-01-02")))

	assert.Error(t, v.Verify(ctx, "prod", day.Date("2025-01-03")))
	assert.NoError(t, NewManifestVerifier(sink, "manifests", "binance", nil).Verify(ctx, "prod", "2025-01-03"))
}
