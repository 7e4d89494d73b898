package gap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fixedDetector() *Detector {
	d := NewDetector()
	d.now = func() time.Time { return time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC) }
	return d
}

func TestDetectorRecordsGap(t *testing.T) {
	d := fixedDetector()
	var kinds []ObservationKind
	for _, seq := range []uint64{1, 2, 3, 7, 8} {
		kinds = append(kinds, d.Observe("MD", seq, 10).Kind)
	}
	assert.Equal(t, []ObservationKind{Advanced, Advanced, Advanced, GapDetected, Advanced}, kinds)

	w, ok := d.Window("MD")
	require.True(t, ok)
	assert.Equal(t, uint64(8), w.LastContiguous)
	require.Len(t, w.Gaps, 1)
	assert.Equal(t, uint64(4), w.Gaps[0].From)
	assert.Equal(t, uint64(6), w.Gaps[0].To)
	assert.Equal(t, uint64(3), w.Gaps[0].Missing())
	assert.Equal(t, []SeqRange{{From: 1, To: 3}, {From: 7, To: 8}}, w.Ranges)
	assert.Equal(t, uint64(50), w.Bytes)
}

func TestDetectorIgnoresLateAndRedelivered(t *testing.T) {
	d := fixedDetector()
	for _, seq := range []uint64{1, 2, 3, 7, 8} {
		d.Observe("MD", seq, 1)
	}
	before, _ := d.Window("MD")

	obs := d.Observe("MD", 5, 1)
	assert.Equal(t, Duplicate, obs.Kind)
	obs = d.Observe("MD", 8, 1)
	assert.Equal(t, Duplicate, obs.Kind)

	after, _ := d.Window("MD")
	assert.Equal(t, before.Gaps, after.Gaps)
	assert.Equal(t, before.Records, after.Records)
	assert.Equal(t, before.LastContiguous, after.LastContiguous)
	assert.Equal(t, uint64(2), after.Duplicates)
}

func TestDetectorOpenSetsBaseline(t *testing.T) {
	d := fixedDetector()
	d.Open("MD", 100)
	assert.Equal(t, Advanced, d.Observe("MD", 100, 1).Kind)
	assert.Equal(t, Duplicate, d.Observe("MD", 99, 1).Kind)

	obs := d.Observe("MD", 103, 1)
	assert.Equal(t, GapDetected, obs.Kind)
	assert.Equal(t, Gap{From: 101, To: 102, DetectedAt: d.now(), Reason: "sequence jump"}, obs.Gap)
}

func TestDetectorFirstObservationIsBaseline(t *testing.T) {
	d := fixedDetector()
	assert.Equal(t, Advanced, d.Observe("MD", 5000, 1).Kind)
	w, _ := d.Window("MD")
	assert.Empty(t, w.Gaps)
	assert.Equal(t, uint64(5000), w.FirstSeq)
}

func TestDetectorFlushCarriesContiguity(t *testing.T) {
	d := fixedDetector()
	for _, seq := range []uint64{1, 2, 3, 7, 8} {
		d.Observe("MD", seq, 2)
	}

	m, err := d.Flush("MD", "2025-01-02")
	require.NoError(t, err)
	assert.Equal(t, "MD", m.StreamID)
	assert.Equal(t, "2025-01-02", m.Partition)
	assert.Equal(t, uint64(5), m.RecordCount)
	assert.Equal(t, uint64(10), m.ByteCount)
	assert.Equal(t, uint64(1), m.FirstSeq)
	assert.Equal(t, uint64(8), m.LastSeq)
	assert.True(t, m.HasGaps)
	assert.Equal(t, uint64(3), m.MissingCount)

	w, _ := d.Window("MD")
	assert.Zero(t, w.Records)
	assert.Empty(t, w.Gaps)
	assert.Equal(t, uint64(8), w.LastContiguous)

	assert.Equal(t, Advanced, d.Observe("MD", 9, 1).Kind)
	m, err = d.Flush("MD", "2025-01-03")
	require.NoError(t, err)
	assert.False(t, m.HasGaps)
	assert.Equal(t, uint64(9), m.FirstSeq)
	assert.Equal(t, uint64(9), m.LastSeq)
}

func TestDetectorCloseForgetsStream(t *testing.T) {
	d := fixedDetector()
	d.Observe("A", 1, 1)
	d.Observe("B", 1, 1)
	assert.Equal(t, []string{"A", "B"}, d.Streams())

	_, err := d.Close("A", "2025-01-02")
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, d.Streams())

	_, err = d.Flush("A", "2025-01-02")
	assert.Error(t, err)
}
