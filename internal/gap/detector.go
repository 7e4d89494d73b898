// Package gap tracks sequence coverage of captured streams and writes the
// archive manifests that record it.
package gap

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"dayflow/internal/metrics"
)

// Gap is an inclusive range of sequence numbers that never arrived.
type Gap struct {
	From       uint64    `json:"from"`
	To         uint64    `json:"to"`
	DetectedAt time.Time `json:"detected_at"`
	Reason     string    `json:"reason,omitempty"`
}

func (g Gap) Missing() uint64 { return g.To - g.From + 1 }

// SeqRange is an inclusive run of consecutively observed sequence numbers.
type SeqRange struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// Window is the coverage state of one stream for the current partition.
type Window struct {
	Stream         string     `json:"stream"`
	FirstSeq       uint64     `json:"first_seq"`
	LastContiguous uint64     `json:"last_contiguous"`
	Gaps           []Gap      `json:"gaps"`
	Ranges         []SeqRange `json:"ranges"`
	Records        uint64     `json:"records"`
	Bytes          uint64     `json:"bytes"`
	Duplicates     uint64     `json:"duplicates"`
}

func (w *Window) clone() Window {
	c := *w
	c.Gaps = append([]Gap(nil), w.Gaps...)
	c.Ranges = append([]SeqRange(nil), w.Ranges...)
	return c
}

type ObservationKind int

const (
	Advanced ObservationKind = iota
	GapDetected
	Duplicate
)

func (k ObservationKind) String() string {
	switch k {
	case Advanced:
		return "advanced"
	case GapDetected:
		return "gap"
	case Duplicate:
		return "duplicate"
	}
	return fmt.Sprintf("ObservationKind(%d)", int(k))
}

type Observation struct {
	Kind ObservationKind
	// Gap is set when Kind is GapDetected.
	Gap Gap
}

// Detector tracks per stream coverage. Each stream must have a single
// writer; the mutex only protects readers such as status output.
type Detector struct {
	mu      sync.Mutex
	windows map[string]*Window
	now     func() time.Time
}

func NewDetector() *Detector {
	return &Detector{
		windows: make(map[string]*Window),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Open sets the baseline of stream so that startSeq is the next contiguous
// sequence. Observing a stream that was never opened takes its first
// sequence as the baseline.
func (d *Detector) Open(stream string, startSeq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var last uint64
	if startSeq > 0 {
		last = startSeq - 1
	}
	d.windows[stream] = &Window{Stream: stream, LastContiguous: last}
}

func (d *Detector) Observe(stream string, seq uint64, size int) Observation {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.windows[stream]
	if !ok {
		w = &Window{Stream: stream}
		if seq > 0 {
			w.LastContiguous = seq - 1
		}
		d.windows[stream] = w
	}

	if seq <= w.LastContiguous {
		w.Duplicates++
		metrics.ObserveDuplicate(stream)
		return Observation{Kind: Duplicate}
	}

	obs := Observation{Kind: Advanced}
	if seq > w.LastContiguous+1 {
		g := Gap{From: w.LastContiguous + 1, To: seq - 1, DetectedAt: d.now(), Reason: "sequence jump"}
		w.Gaps = append(w.Gaps, g)
		metrics.ObserveGap(stream, g.Missing())
		obs = Observation{Kind: GapDetected, Gap: g}
	}

	if n := len(w.Ranges); n > 0 && w.Ranges[n-1].To+1 == seq {
		w.Ranges[n-1].To = seq
	} else {
		w.Ranges = append(w.Ranges, SeqRange{From: seq, To: seq})
	}
	if w.FirstSeq == 0 {
		w.FirstSeq = seq
	}
	w.LastContiguous = seq
	w.Records++
	if size > 0 {
		w.Bytes += uint64(size)
	}
	return obs
}

// Window returns a copy of the current state of stream.
func (d *Detector) Window(stream string) (Window, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.windows[stream]
	if !ok {
		return Window{}, false
	}
	return w.clone(), true
}

func (d *Detector) Streams() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.windows))
	for s := range d.windows {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Flush closes the current partition of stream and returns its manifest.
// Counters and gaps start over; contiguity carries into the next partition.
func (d *Detector) Flush(stream, partition string) (Manifest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flush(stream, partition)
}

// Close flushes stream and forgets it.
func (d *Detector) Close(stream, partition string) (Manifest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, err := d.flush(stream, partition)
	if err != nil {
		return m, err
	}
	delete(d.windows, stream)
	return m, nil
}

func (d *Detector) flush(stream, partition string) (Manifest, error) {
	w, ok := d.windows[stream]
	if !ok {
		return Manifest{}, fmt.Errorf("stream %q has no observations", stream)
	}

	m := Manifest{
		StreamID:        stream,
		Partition:       partition,
		RecordCount:     w.Records,
		ByteCount:       w.Bytes,
		DuplicateCount:  w.Duplicates,
		FirstSeq:        w.FirstSeq,
		SequenceWindows: append([]SeqRange{}, w.Ranges...),
		Gaps:            append([]Gap{}, w.Gaps...),
		HasGaps:         len(w.Gaps) > 0,
		CreatedAt:       d.now(),
	}
	if w.Records > 0 {
		m.LastSeq = w.LastContiguous
	}
	for _, g := range w.Gaps {
		m.MissingCount += g.Missing()
	}

	*w = Window{Stream: stream, LastContiguous: w.LastContiguous}
	return m, nil
}
