package shard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"dayflow/config"
	"dayflow/internal/cache"
	"dayflow/internal/day"
	"dayflow/internal/metrics"
	"dayflow/logger"
)

// Source feeds CDC events into out until ctx is done or the feed ends.
type Source interface {
	Run(ctx context.Context, out chan<- CDCEvent) error
}

// Seeder lists the instruments known before any CDC event arrives.
type Seeder interface {
	Instruments(ctx context.Context, env string, date day.Date) ([]string, error)
}

// Publisher forwards captured frames, typically to a NATS subject.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Status is the view of a runner persisted to the cache.
type Status struct {
	Env       string    `json:"env"`
	Date      day.Date  `json:"date"`
	Running   bool      `json:"running"`
	Shards    []Shard   `json:"shards"`
	Pending   int       `json:"pending"`
	Rejected  []string  `json:"rejected,omitempty"`
	Messages  uint64    `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

func StatusKey(env string) string { return "shards:" + env }

type RunnerOption func(*Runner)

func WithSource(s Source) RunnerOption       { return func(r *Runner) { r.source = s } }
func WithSeeder(s Seeder) RunnerOption       { return func(r *Runner) { r.seeder = s } }
func WithPublisher(p Publisher) RunnerOption { return func(r *Runner) { r.publisher = p } }
func WithCache(c cache.Cache) RunnerOption   { return func(r *Runner) { r.cache = c } }

// Runner is the single writer for one environment's shard layout. It turns
// CDC events into connector calls, batching subscriptions per shard.
// It also serves as the ingestion process of a trading day.
type Runner struct {
	env       string
	cfg       config.ShardsConfig
	mgr       *Manager
	source    Source
	seeder    Seeder
	publisher Publisher
	cache     cache.Cache
	limiter   *rate.Limiter
	log       *logger.Entry

	mu       sync.Mutex
	date     day.Date
	conns    map[int]Connector
	pending  map[int][]string
	rejected []string
	messages atomic.Uint64
	running  atomic.Bool

	rebalanceC chan chan error

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

func NewRunner(env string, cfg config.ShardsConfig, opts ...RunnerOption) (*Runner, error) {
	mgr, err := NewManager(cfg.Capacity, cfg.HeadroomThreshold, cfg.MaxShards)
	if err != nil {
		return nil, err
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Connector == "" {
		cfg.Connector = "noop"
	}
	limit := rate.Inf
	if cfg.RateLimit.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RateLimit.RequestsPerSecond)
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}

	r := &Runner{
		env:     env,
		cfg:     cfg,
		mgr:     mgr,
		cache:   cache.NewMemory(),
		limiter: rate.NewLimiter(limit, burst),
		log:     logger.GetLogger().WithComponent("shard_runner").WithFields(logger.Fields{"env": env}),
		conns:   make(map[int]Connector),
		pending: make(map[int][]string),

		rebalanceC: make(chan chan error),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Runner) Manager() *Manager { return r.mgr }

// Run consumes events until the channel closes or ctx is done. Pending
// subscriptions are flushed every flush interval and before returning.
func (r *Runner) Run(ctx context.Context, events <-chan CDCEvent) error {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	var processed uint64
	shards, instruments := r.mgr.Counts()
	r.log.WithFields(logger.Fields{"shards": shards, "instruments": instruments}).Info("starting shard dispatcher")
	defer func() {
		r.log.WithFields(logger.Fields{"processed": processed}).Info("shard dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			r.flush(context.WithoutCancel(ctx))
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				r.log.Info("cdc feed closed; flushing remaining subscriptions")
				r.flush(ctx)
				return nil
			}
			processed++
			r.handle(ctx, ev)
		case reply := <-r.rebalanceC:
			reply <- r.rebalance(ctx)
		case <-ticker.C:
			r.flush(ctx)
		}
	}
}

// Rebalance repacks the layout. While the dispatcher runs the request is
// handed to it so the layout keeps a single writer.
func (r *Runner) Rebalance(ctx context.Context) error {
	if !r.running.Load() {
		return r.rebalance(ctx)
	}
	reply := make(chan error, 1)
	select {
	case r.rebalanceC <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) rebalance(ctx context.Context) error {
	cmds, err := r.mgr.Rebalance()
	if err != nil {
		return err
	}
	r.log.WithField("commands", len(cmds)).Info("rebalancing shards")
	r.execute(ctx, cmds)
	r.flush(ctx)
	return nil
}

func (r *Runner) handle(ctx context.Context, ev CDCEvent) {
	if ev.Action == ActionRemove {
		r.mu.Lock()
		r.rejected = without(r.rejected, ev.InstrumentID)
		r.mu.Unlock()
	}

	cmds, err := r.mgr.Apply(ev)
	if errors.Is(err, ErrShardCapacityExceeded) {
		r.log.WithError(err).WithField("instrument", ev.InstrumentID).Error("instrument left unassigned")
		metrics.ObserveShardRejection(r.env)
		r.mu.Lock()
		r.rejected = append(without(r.rejected, ev.InstrumentID), ev.InstrumentID)
		r.mu.Unlock()
		return
	}
	if err != nil {
		r.log.WithError(err).Warn("ignoring cdc event")
		return
	}
	r.execute(ctx, cmds)
}

func (r *Runner) execute(ctx context.Context, cmds []Command) {
	for _, c := range cmds {
		switch c.Kind {
		case CommandOpenShard:
			r.openShard(c.ShardID)
		case CommandCloseShard:
			r.mu.Lock()
			conn := r.conns[c.ShardID]
			delete(r.conns, c.ShardID)
			delete(r.pending, c.ShardID)
			r.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
		case CommandSubscribe:
			r.mu.Lock()
			r.pending[c.ShardID] = append(r.pending[c.ShardID], c.Instruments...)
			full := len(r.pending[c.ShardID]) >= r.cfg.BatchSize
			r.mu.Unlock()
			if full {
				r.flushShard(ctx, c.ShardID)
				r.persist(ctx)
			}
		case CommandUnsubscribe:
			r.unsubscribe(ctx, c.ShardID, c.Instruments)
		}
	}
}

func (r *Runner) openShard(id int) Connector {
	conn, err := NewConnector(r.cfg.Connector, ConnectorOptions{
		Env:       r.env,
		ShardID:   id,
		URL:       r.cfg.URL,
		OnMessage: r.onMessage,
	})
	if err != nil {
		r.log.WithError(err).WithField("shard_id", id).Error("failed to open shard connector")
		return nil
	}
	r.mu.Lock()
	r.conns[id] = conn
	r.mu.Unlock()
	r.log.WithFields(logger.Fields{"shard_id": id, "connector": r.cfg.Connector}).Info("opened shard")
	return conn
}

func (r *Runner) unsubscribe(ctx context.Context, id int, instruments []string) {
	r.mu.Lock()
	var live []string
	for _, inst := range instruments {
		before := len(r.pending[id])
		r.pending[id] = without(r.pending[id], inst)
		if len(r.pending[id]) == before {
			live = append(live, inst)
		}
	}
	conn := r.conns[id]
	r.mu.Unlock()

	if len(live) == 0 || conn == nil {
		return
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return
	}
	if err := conn.Unsubscribe(ctx, live); err != nil {
		r.log.WithError(err).WithFields(logger.Fields{"shard_id": id, "count": len(live)}).Warn("unsubscribe failed")
	}
}

func (r *Runner) flush(ctx context.Context) {
	r.mu.Lock()
	ids := make([]int, 0, len(r.pending))
	for id, batch := range r.pending {
		if len(batch) > 0 {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()
	sort.Ints(ids)

	for _, id := range ids {
		r.flushShard(ctx, id)
	}
	r.persist(ctx)
}

// flushShard sends the pending batch of one shard. A failed batch stays
// pending and is retried on the next flush.
func (r *Runner) flushShard(ctx context.Context, id int) {
	r.mu.Lock()
	batch := r.pending[id]
	conn := r.conns[id]
	r.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	log := r.log.WithFields(logger.Fields{"shard_id": id, "count": len(batch)})
	if conn == nil {
		if conn = r.openShard(id); conn == nil {
			log.Warn("shard has no connector; keeping batch pending")
			return
		}
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return
	}
	if err := conn.Subscribe(ctx, batch); err != nil {
		log.WithError(err).Warn("subscription batch failed; will retry")
		return
	}

	r.mu.Lock()
	r.pending[id] = r.pending[id][len(batch):]
	r.mu.Unlock()
	log.Info("sent subscription batch to shard")
}

func (r *Runner) onMessage(instrument string, data []byte) {
	r.messages.Add(1)
	metrics.ObserveCapturedMessage(r.env)
	if r.publisher == nil || r.cfg.PublishPrefix == "" {
		return
	}
	subject := r.cfg.PublishPrefix + "." + r.env + "." + instrument
	if err := r.publisher.Publish(subject, data); err != nil {
		r.log.WithError(err).WithField("subject", subject).Debug("publish failed")
	}
}

func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := 0
	for _, b := range r.pending {
		pending += len(b)
	}
	return Status{
		Env:       r.env,
		Date:      r.date,
		Running:   r.running.Load(),
		Shards:    r.mgr.Snapshot(),
		Pending:   pending,
		Rejected:  append([]string(nil), r.rejected...),
		Messages:  r.messages.Load(),
		UpdatedAt: time.Now().UTC(),
	}
}

// seed lays out ids in one replay, opens every shard and subscribes each in
// batches of at most BatchSize.
func (r *Runner) seed(ctx context.Context, ids []string) {
	now := time.Now().UTC()
	events := make([]CDCEvent, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			events = append(events, CDCEvent{InstrumentID: id, Action: ActionAdd, Timestamp: now})
		}
	}
	rejected, err := r.mgr.Replay(events)
	if err != nil {
		r.log.WithError(err).Warn("seed replay stopped early")
	}
	if len(rejected) > 0 {
		r.log.WithError(ErrShardCapacityExceeded).WithFields(logger.Fields{"count": len(rejected), "first": rejected[0]}).Error("seeded instruments left unassigned")
		for range rejected {
			metrics.ObserveShardRejection(r.env)
		}
		r.mu.Lock()
		r.rejected = rejected
		r.mu.Unlock()
	}

	for _, s := range r.mgr.Snapshot() {
		// A shard whose connector fails to open keeps its batches pending.
		r.openShard(s.ID)
		for start := 0; start < len(s.Instruments); start += r.cfg.BatchSize {
			end := min(start+r.cfg.BatchSize, len(s.Instruments))
			r.mu.Lock()
			r.pending[s.ID] = append(r.pending[s.ID], s.Instruments[start:end]...)
			r.mu.Unlock()
			r.flushShard(ctx, s.ID)
		}
	}
	r.flush(ctx)
}

// DayStats reports the messages captured since the last Start.
func (r *Runner) DayStats(_ context.Context, env string) (day.Stats, error) {
	if env != r.env {
		return day.Stats{}, fmt.Errorf("shard runner serves %s, not %s", r.env, env)
	}
	return day.Stats{MessageCount: r.messages.Load()}, nil
}

// persist writes the status to the cache. Failures only cost status output.
func (r *Runner) persist(ctx context.Context) {
	st := r.Status()
	shards, instruments := r.mgr.Counts()
	metrics.SetShardCounts(r.env, shards, instruments)
	if err := cache.SetJSON(ctx, r.cache, StatusKey(r.env), st); err != nil {
		r.log.WithError(err).Warn("failed to cache shard status")
	}
}

// Start seeds a fresh layout for date and runs the dispatcher in the
// background. Starting a running runner is a no-op.
func (r *Runner) Start(ctx context.Context, env string, date day.Date) error {
	if env != r.env {
		return fmt.Errorf("shard runner serves %s, not %s", r.env, env)
	}
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.done != nil {
		return nil
	}

	r.mgr.Reset()
	r.mu.Lock()
	r.date = date
	r.rejected = nil
	r.pending = make(map[int][]string)
	r.mu.Unlock()
	r.messages.Store(0)

	if r.seeder != nil {
		seeds, err := r.seeder.Instruments(ctx, env, date)
		if err != nil {
			return fmt.Errorf("load instrument seed: %w", err)
		}
		r.seed(ctx, seeds)
		r.log.WithFields(logger.Fields{"date": date, "instruments": len(seeds)}).Info("seeded shard layout")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	r.cancel, r.done, r.runErr = cancel, done, nil

	events := make(chan CDCEvent, 256)
	g, gctx := errgroup.WithContext(runCtx)
	if r.source != nil {
		g.Go(func() error {
			defer close(events)
			return r.source.Run(gctx, events)
		})
	}
	g.Go(func() error { return r.Run(gctx, events) })
	r.running.Store(true)
	r.persist(ctx)

	go func() {
		defer close(done)
		err := g.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			r.log.WithError(err).Error("shard dispatcher failed")
		}
		r.runMu.Lock()
		r.runErr = err
		r.runMu.Unlock()
	}()
	return nil
}

// Stop halts the dispatcher, closes every connector and leaves the final
// layout in the cache.
func (r *Runner) Stop(ctx context.Context, env string) error {
	if env != r.env {
		return fmt.Errorf("shard runner serves %s, not %s", r.env, env)
	}
	r.runMu.Lock()
	cancel, done := r.cancel, r.done
	r.runMu.Unlock()
	if done == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for shard dispatcher: %w", ctx.Err())
	}

	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[int]Connector)
	r.mu.Unlock()
	var errs []error
	for id, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", id, err))
		}
	}

	r.runMu.Lock()
	r.cancel, r.done = nil, nil
	r.runMu.Unlock()
	r.running.Store(false)
	r.persist(ctx)
	r.log.WithFields(logger.Fields{"messages": r.messages.Load()}).Info("shard runner stopped")
	return errors.Join(errs...)
}

func (r *Runner) Healthcheck(ctx context.Context, env string) error {
	if env != r.env {
		return fmt.Errorf("shard runner serves %s, not %s", r.env, env)
	}
	r.runMu.Lock()
	done, runErr := r.done, r.runErr
	r.runMu.Unlock()
	if done == nil {
		return errors.New("shard runner not running")
	}
	select {
	case <-done:
		return fmt.Errorf("shard dispatcher exited: %v", runErr)
	default:
	}

	r.mu.Lock()
	rejected := len(r.rejected)
	conns := make(map[int]Connector, len(r.conns))
	for id, c := range r.conns {
		conns[id] = c
	}
	r.mu.Unlock()

	var errs []error
	if rejected > 0 {
		errs = append(errs, fmt.Errorf("%w: %d instruments unassigned", ErrShardCapacityExceeded, rejected))
	}
	for id, c := range conns {
		if err := c.Healthcheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func without(list []string, v string) []string {
	for i, s := range list {
		if s == v {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
