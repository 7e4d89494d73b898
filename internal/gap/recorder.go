package gap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"dayflow/internal/broker"
	"dayflow/internal/cache"
	"dayflow/internal/day"
	"dayflow/logger"
)

// ConsumerFactory opens a consumer over the captured messages of stream.
type ConsumerFactory func(stream string) (broker.Consumer, error)

// Status is the gap summary published to the cache while recording.
type Status struct {
	Env       string    `json:"env"`
	Date      day.Date  `json:"date"`
	Running   bool      `json:"running"`
	Streams   []Window  `json:"streams"`
	Manifests []string  `json:"manifests,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func StatusKey(env string) string { return "gaps:" + env }

type RecorderOption func(*Recorder)

func WithCache(c cache.Cache) RecorderOption { return func(r *Recorder) { r.cache = c } }

func WithStatusInterval(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.interval = d }
}

// Recorder is the archival service: it follows each configured stream,
// tracks sequence coverage and writes one manifest per stream when the day
// is flushed.
type Recorder struct {
	env         string
	feed        string
	streams     []string
	newConsumer ConsumerFactory
	writer      *ManifestWriter
	cache       cache.Cache
	interval    time.Duration
	det         *Detector
	log         *logger.Entry

	mu          sync.Mutex
	date        day.Date
	instruments map[string]map[string]struct{}
	pending     map[string]Manifest
	written     []string
	closedGaps  uint64

	running atomic.Bool
	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
}

func NewRecorder(env, feed string, streams []string, newConsumer ConsumerFactory, w *ManifestWriter, opts ...RecorderOption) (*Recorder, error) {
	if len(streams) == 0 {
		return nil, fmt.Errorf("recorder needs at least one stream")
	}
	if newConsumer == nil || w == nil {
		return nil, fmt.Errorf("recorder needs a consumer factory and a manifest writer")
	}
	r := &Recorder{
		env:         env,
		feed:        feed,
		streams:     append([]string(nil), streams...),
		newConsumer: newConsumer,
		writer:      w,
		interval:    5 * time.Second,
		det:         NewDetector(),
		instruments: make(map[string]map[string]struct{}),
		pending:     make(map[string]Manifest),
		log:         logger.GetLogger().WithComponent("gap_recorder").WithFields(logger.Fields{"env": env, "feed": feed}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Recorder) Detector() *Detector { return r.det }

func (r *Recorder) Start(ctx context.Context, env string, date day.Date) error {
	if env != r.env {
		return fmt.Errorf("gap recorder serves %s, not %s", r.env, env)
	}
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.done != nil {
		return nil
	}

	consumers := make(map[string]broker.Consumer, len(r.streams))
	for _, stream := range r.streams {
		c, err := r.newConsumer(stream)
		if err != nil {
			return fmt.Errorf("open consumer for %s: %w", stream, err)
		}
		consumers[stream] = c
	}

	r.mu.Lock()
	r.date = date
	r.written = nil
	r.closedGaps = 0
	r.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	r.cancel, r.done, r.runErr = cancel, done, nil

	g, gctx := errgroup.WithContext(runCtx)
	for stream, c := range consumers {
		g.Go(func() error {
			return c.Consume(gctx, func(_ context.Context, msg broker.Message) error {
				r.observe(stream, msg)
				return nil
			})
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				r.persist(gctx)
			}
		}
	})
	r.running.Store(true)
	r.persist(ctx)
	r.log.WithFields(logger.Fields{"date": date, "streams": r.streams}).Info("gap recorder started")

	go func() {
		defer close(done)
		err := g.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			r.log.WithError(err).Error("gap recorder consumer failed")
		}
		r.runMu.Lock()
		r.runErr = err
		r.runMu.Unlock()
	}()
	return nil
}

func (r *Recorder) observe(stream string, msg broker.Message) {
	if msg.Sequence == 0 {
		r.log.WithField("subject", msg.Subject).Warn("message without sequence ignored")
		return
	}
	obs := r.det.Observe(stream, msg.Sequence, len(msg.Data))
	switch obs.Kind {
	case GapDetected:
		r.log.WithFields(logger.Fields{
			"stream":  stream,
			"from":    obs.Gap.From,
			"to":      obs.Gap.To,
			"missing": obs.Gap.Missing(),
		}).Warn("sequence gap detected")
	case Duplicate:
		return
	}

	instrument := msg.Subject
	if i := strings.LastIndexByte(instrument, '.'); i >= 0 {
		instrument = instrument[i+1:]
	}
	if instrument == "" {
		return
	}
	r.mu.Lock()
	set, ok := r.instruments[stream]
	if !ok {
		set = make(map[string]struct{})
		r.instruments[stream] = set
	}
	set[instrument] = struct{}{}
	r.mu.Unlock()
}

// Stop halts consumption and writes a manifest for every stream, including
// streams that saw no messages. Manifests that fail to write are kept and
// retried by the next Stop.
func (r *Recorder) Stop(ctx context.Context, env string) error {
	if env != r.env {
		return fmt.Errorf("gap recorder serves %s, not %s", r.env, env)
	}
	r.runMu.Lock()
	cancel, done := r.cancel, r.done
	r.runMu.Unlock()

	if done != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for gap consumers: %w", ctx.Err())
		}
		r.closeWindows()
		r.runMu.Lock()
		r.cancel, r.done = nil, nil
		r.runMu.Unlock()
		r.running.Store(false)
	}

	err := r.writePending(ctx)
	r.persist(ctx)
	return err
}

func (r *Recorder) closeWindows() {
	r.mu.Lock()
	defer r.mu.Unlock()
	partition := r.date.String()
	for _, stream := range r.streams {
		if _, ok := r.pending[stream]; ok {
			continue
		}
		m, err := r.det.Close(stream, partition)
		if err != nil {
			m = Manifest{StreamID: stream, Partition: partition, CreatedAt: time.Now().UTC()}
		}
		m.Env = r.env
		m.Feed = r.feed
		m.Instruments = sortedKeys(r.instruments[stream])
		delete(r.instruments, stream)
		r.closedGaps += uint64(len(m.Gaps))
		r.pending[stream] = m
	}
}

func (r *Recorder) writePending(ctx context.Context) error {
	r.mu.Lock()
	pending := make([]Manifest, 0, len(r.pending))
	for _, m := range r.pending {
		pending = append(pending, m)
	}
	r.mu.Unlock()
	sort.Slice(pending, func(i, j int) bool { return pending[i].StreamID < pending[j].StreamID })

	var errs []error
	for _, m := range pending {
		key, err := r.writer.Write(ctx, m)
		if errors.Is(err, ErrManifestExists) {
			r.log.WithField("key", key).Warn("manifest already written; keeping stored copy")
			err = nil
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r.mu.Lock()
		delete(r.pending, m.StreamID)
		r.written = append(r.written, key)
		r.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (r *Recorder) Healthcheck(_ context.Context, env string) error {
	if env != r.env {
		return fmt.Errorf("gap recorder serves %s, not %s", r.env, env)
	}
	r.runMu.Lock()
	done, runErr := r.done, r.runErr
	r.runMu.Unlock()
	if done == nil {
		return fmt.Errorf("gap recorder is not running")
	}
	select {
	case <-done:
		if runErr != nil {
			return fmt.Errorf("gap recorder stopped: %w", runErr)
		}
		return fmt.Errorf("gap recorder stopped")
	default:
	}
	return nil
}

func (r *Recorder) Status() Status {
	r.mu.Lock()
	st := Status{
		Env:       r.env,
		Date:      r.date,
		Running:   r.running.Load(),
		Manifests: append([]string(nil), r.written...),
		UpdatedAt: time.Now().UTC(),
	}
	r.mu.Unlock()
	for _, stream := range r.det.Streams() {
		if w, ok := r.det.Window(stream); ok {
			st.Streams = append(st.Streams, w)
		}
	}
	return st
}

// DayStats counts the gaps seen since the last Start, both in closed
// manifests and in windows still open.
func (r *Recorder) DayStats(_ context.Context, env string) (day.Stats, error) {
	if env != r.env {
		return day.Stats{}, fmt.Errorf("gap recorder serves %s, not %s", r.env, env)
	}
	r.mu.Lock()
	gaps := r.closedGaps
	r.mu.Unlock()
	for _, stream := range r.streams {
		if w, ok := r.det.Window(stream); ok {
			gaps += uint64(len(w.Gaps))
		}
	}
	return day.Stats{GapCount: gaps}, nil
}

func (r *Recorder) persist(ctx context.Context) {
	if r.cache == nil {
		return
	}
	if err := cache.SetJSON(ctx, r.cache, StatusKey(r.env), r.Status()); err != nil {
		r.log.WithError(err).Warn("failed to cache gap status")
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
