package shard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"dayflow/config"
	"dayflow/internal/cache"
	"dayflow/internal/day"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingConnector struct {
	opts ConnectorOptions

	mu        sync.Mutex
	batches   [][]string
	unsubs    [][]string
	failNext  int
	closed    bool
	healthErr error
}

func (c *recordingConnector) Subscribe(_ context.Context, instruments []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext > 0 {
		c.failNext--
		return errors.New("upstream rejected subscribe")
	}
	c.batches = append(c.batches, append([]string(nil), instruments...))
	return nil
}

func (c *recordingConnector) Unsubscribe(_ context.Context, instruments []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubs = append(c.unsubs, append([]string(nil), instruments...))
	return nil
}

func (c *recordingConnector) Healthcheck(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthErr
}

func (c *recordingConnector) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *recordingConnector) subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

var (
	connMu sync.Mutex
	conns  = make(map[string]map[int]*recordingConnector)
	// failFirst makes new connectors of an environment reject their first subscribe.
	failFirst = make(map[string]int)
)

func init() {
	Register("recording", func(opts ConnectorOptions) (Connector, error) {
		connMu.Lock()
		defer connMu.Unlock()
		c := &recordingConnector{opts: opts, failNext: failFirst[opts.Env]}
		if conns[opts.Env] == nil {
			conns[opts.Env] = make(map[int]*recordingConnector)
		}
		conns[opts.Env][opts.ShardID] = c
		return c, nil
	})
}

func connector(env string, id int) *recordingConnector {
	connMu.Lock()
	defer connMu.Unlock()
	return conns[env][id]
}

type staticSeeder []string

func (s staticSeeder) Instruments(context.Context, string, day.Date) ([]string, error) {
	return s, nil
}

type chanSource chan CDCEvent

func (s chanSource) Run(ctx context.Context, out chan<- CDCEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s:
			if !ok {
				return nil
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

type capturePublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *capturePublisher) Publish(subject string, _ []byte) error {
	p.mu.Lock()
	p.subjects = append(p.subjects, subject)
	p.mu.Unlock()
	return nil
}

func shardsConfig() config.ShardsConfig {
	return config.ShardsConfig{
		Capacity:          10,
		HeadroomThreshold: 0.8,
		BatchSize:         10,
		FlushInterval:     10 * time.Millisecond,
		Connector:         "recording",
		PublishPrefix:     "md",
	}
}

func seeds(n int) staticSeeder {
	out := make(staticSeeder, n)
	for i := range out {
		out[i] = fmt.Sprintf("INST-%03d", i)
	}
	return out
}

func TestRunnerSeedsLayoutOnStart(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory()
	r, err := NewRunner("seeded", shardsConfig(), WithSeeder(seeds(25)), WithCache(c))
	require.NoError(t, err)

	require.NoError(t, r.Start(ctx, "seeded", "2025-01-02"))
	require.NoError(t, r.Healthcheck(ctx, "seeded"))

	shards := r.Manager().Snapshot()
	require.Len(t, shards, 4)
	for _, s := range shards {
		conn := connector("seeded", s.ID)
		require.NotNil(t, conn, "shard %d", s.ID)
		assert.Equal(t, s.Instruments, conn.subscribed())
	}

	var st Status
	require.NoError(t, cache.GetJSON(ctx, c, StatusKey("seeded"), &st))
	assert.True(t, st.Running)
	assert.Equal(t, day.Date("2025-01-02"), st.Date)
	assert.Len(t, st.Shards, 4)
	assert.Zero(t, st.Pending)

	require.NoError(t, r.Stop(ctx, "seeded"))
	assert.True(t, connector("seeded", 0).closed)
	assert.Error(t, r.Healthcheck(ctx, "seeded"))

	require.NoError(t, cache.GetJSON(ctx, c, StatusKey("seeded"), &st))
	assert.False(t, st.Running)
}

func TestRunnerAppliesCDCEvents(t *testing.T) {
	ctx := context.Background()
	cfg := shardsConfig()
	cfg.BatchSize = 3
	cfg.FlushInterval = time.Hour
	src := make(chanSource)
	r, err := NewRunner("cdc", cfg, WithSource(src))
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx, "cdc", "2025-01-02"))

	src <- add("A")
	src <- add("B")
	src <- add("C")
	require.Eventually(t, func() bool {
		conn := connector("cdc", 0)
		return conn != nil && len(conn.subscribed()) == 3
	}, time.Second, 5*time.Millisecond)

	src <- remove("B")
	require.Eventually(t, func() bool {
		conn := connector("cdc", 0)
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.unsubs) == 1
	}, time.Second, 5*time.Millisecond)

	// Removing an instrument still waiting for its batch never reaches upstream.
	src <- add("D")
	require.Eventually(t, func() bool { return r.Status().Pending == 1 }, time.Second, 5*time.Millisecond)
	src <- remove("D")
	require.Eventually(t, func() bool { return r.Status().Pending == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Stop(ctx, "cdc"))
	assert.NotContains(t, connector("cdc", 0).subscribed(), "D")
	assert.Len(t, connector("cdc", 0).unsubs, 1)
}

func TestRunnerRetriesFailedBatch(t *testing.T) {
	connMu.Lock()
	failFirst["retry"] = 1
	connMu.Unlock()

	ctx := context.Background()
	r, err := NewRunner("retry", shardsConfig(), WithSeeder(seeds(3)))
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx, "retry", "2025-01-02"))
	defer r.Stop(ctx, "retry")

	require.Eventually(t, func() bool {
		return len(connector("retry", 0).subscribed()) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, r.Status().Pending)
	assert.Len(t, connector("retry", 0).batches, 1)
}

func TestRunnerReportsCapacityExceeded(t *testing.T) {
	ctx := context.Background()
	cfg := shardsConfig()
	cfg.Capacity = 2
	cfg.MaxShards = 1
	src := make(chanSource)
	r, err := NewRunner("full", cfg, WithSeeder(staticSeeder{"A", "B", "C"}), WithSource(src))
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx, "full", "2025-01-02"))
	defer r.Stop(ctx, "full")

	err = r.Healthcheck(ctx, "full")
	assert.ErrorIs(t, err, ErrShardCapacityExceeded)
	assert.Equal(t, []string{"C"}, r.Status().Rejected)

	src <- remove("C")
	require.Eventually(t, func() bool {
		return r.Healthcheck(ctx, "full") == nil
	}, time.Second, 5*time.Millisecond)
}

func TestRunnerPublishesCapturedFrames(t *testing.T) {
	ctx := context.Background()
	pub := &capturePublisher{}
	r, err := NewRunner("pub", shardsConfig(), WithSeeder(staticSeeder{"BTCUSDT"}), WithPublisher(pub))
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx, "pub", "2025-01-02"))
	defer r.Stop(ctx, "pub")

	conn := connector("pub", 0)
	conn.opts.OnMessage("BTCUSDT", []byte(`{"e":"depthUpdate"}`))
	conn.opts.OnMessage("BTCUSDT", []byte(`{"e":"depthUpdate"}`))

	assert.Equal(t, uint64(2), r.Status().Messages)
	assert.Equal(t, []string{"md.pub.BTCUSDT", "md.pub.BTCUSDT"}, pub.subjects)

	stats, err := r.DayStats(ctx, "pub")
	require.NoError(t, err)
	assert.Equal(t, day.Stats{MessageCount: 2}, stats)
	_, err = r.DayStats(ctx, "other")
	assert.Error(t, err)
}

func TestRunnerSeedsInBatches(t *testing.T) {
	ctx := context.Background()
	cfg := shardsConfig()
	cfg.BatchSize = 4
	cfg.FlushInterval = time.Hour
	r, err := NewRunner("batched", cfg, WithSeeder(seeds(9)))
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx, "batched", "2025-01-02"))
	defer r.Stop(ctx, "batched")

	shards := r.Manager().Snapshot()
	require.Len(t, shards, 2)
	assert.Len(t, shards[0].Instruments, 8)

	conn := connector("batched", 0)
	require.NotNil(t, conn)
	require.Len(t, conn.batches, 2)
	assert.Equal(t, shards[0].Instruments[:4], conn.batches[0])
	assert.Equal(t, shards[0].Instruments[4:], conn.batches[1])
	assert.Equal(t, []string{"INST-008"}, connector("batched", 1).subscribed())
	assert.Zero(t, r.Status().Pending)
}

func TestRunnerRebalanceWhileRunning(t *testing.T) {
	ctx := context.Background()
	src := make(chanSource)
	r, err := NewRunner("rebalance", shardsConfig(), WithSeeder(seeds(20)), WithSource(src))
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx, "rebalance", "2025-01-02"))
	defer r.Stop(ctx, "rebalance")

	for i := 0; i < 20; i++ {
		if i%5 != 0 {
			src <- remove(fmt.Sprintf("INST-%03d", i))
		}
	}
	require.Eventually(t, func() bool {
		_, n := r.Manager().Counts()
		return n == 4
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, r.Rebalance(ctx))

	shards := r.Manager().Snapshot()
	require.Len(t, shards, 1)
	assert.Equal(t, []string{"INST-000", "INST-005", "INST-010", "INST-015"}, shards[0].Instruments)
	assert.True(t, connector("rebalance", 2).closed)
}

func TestRunnerRejectsOtherEnvironment(t *testing.T) {
	r, err := NewRunner("mine", shardsConfig())
	require.NoError(t, err)
	assert.Error(t, r.Start(context.Background(), "theirs", "2025-01-02"))
	assert.Error(t, r.Healthcheck(context.Background(), "theirs"))
	assert.NoError(t, r.Stop(context.Background(), "mine"))
}
