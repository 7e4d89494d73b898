package main

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dayflow/config"
	"dayflow/internal/activity"
	"dayflow/internal/day"
	"dayflow/internal/gap"
	"dayflow/internal/shard"
)

func testApp(t *testing.T) *app {
	t.Helper()
	c := config.Default()
	c.Storage.Local.Dir = t.TempDir()
	a, err := newApp(context.Background(), &c)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

type startRecorder struct {
	mu     sync.Mutex
	starts []string
}

func (s *startRecorder) Start(_ context.Context, env string, date day.Date) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, env+" "+string(date))
	return nil
}

func (s *startRecorder) Stop(context.Context, string) error        { return nil }
func (s *startRecorder) Healthcheck(context.Context, string) error { return nil }

func (s *startRecorder) started() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.starts...)
}

func TestServicesDefaultToNoop(t *testing.T) {
	a := testApp(t)
	svc, err := a.services(context.Background(), local{})
	require.NoError(t, err)

	assert.IsType(t, &shard.SeedMaster{}, svc.SecurityMaster)
	assert.Equal(t, activity.Noop{Name: "ingestion"}, svc.Ingestion)
	assert.Equal(t, activity.Noop{Name: "archival"}, svc.Archival)
	assert.Equal(t, activity.Noop{Name: "gateway"}, svc.Gateway)
	assert.Equal(t, activity.Noop{Name: "archival"}, svc.Verifier)
}

func TestServicesPreferConfiguredURL(t *testing.T) {
	a := testApp(t)
	a.cfg.Activities.Ingestion.URL = "http://ingestion:8081"
	a.cfg.Activities.Archival.URL = "http://archival:8082"
	in := local{ingestion: &startRecorder{}, archival: &startRecorder{}}

	svc, err := a.services(context.Background(), in)
	require.NoError(t, err)

	ingestion, ok := svc.Ingestion.(*activity.HTTPService)
	require.True(t, ok)
	assert.Equal(t, "ingestion", ingestion.Name())
	archival, ok := svc.Archival.(*activity.HTTPService)
	require.True(t, ok)
	assert.Same(t, archival, svc.Verifier)
}

func TestServicesUseInProcessCapture(t *testing.T) {
	a := testApp(t)
	a.cfg.Gaps.Streams = []string{"MD"}
	ingestion, archival := &startRecorder{}, &startRecorder{}

	svc, err := a.services(context.Background(), local{ingestion: ingestion, archival: archival})
	require.NoError(t, err)
	assert.Same(t, ingestion, svc.Ingestion)
	assert.Same(t, archival, svc.Archival)
	assert.IsType(t, &gap.ManifestVerifier{}, svc.Verifier)
}

func TestServicesRejectBadEndpoint(t *testing.T) {
	a := testApp(t)
	a.cfg.Activities.Gateway.URL = "ftp://gateway"
	_, err := a.services(context.Background(), local{})
	assert.Error(t, err)
}

func TestResumeFailsInterruptedStart(t *testing.T) {
	ctx := context.Background()
	a := testApp(t)
	k := a.key("2025-01-02")
	_, err := a.days.Create(ctx, k)
	require.NoError(t, err)
	_, err = a.days.Transition(ctx, k, day.Pending, day.EventStartRequested, nil)
	require.NoError(t, err)

	in := local{ingestion: &startRecorder{}}
	o, err := a.orchestrator(ctx, in)
	require.NoError(t, err)
	resume(ctx, a, o, in)

	td, err := a.days.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, day.Failed, td.State)
	assert.Empty(t, in.ingestion.(*startRecorder).started())
}

func TestResumeRestartsActiveDayServices(t *testing.T) {
	ctx := context.Background()
	a := testApp(t)
	k := a.key("2025-01-02")
	_, err := a.days.Create(ctx, k)
	require.NoError(t, err)
	_, err = a.days.Transition(ctx, k, day.Pending, day.EventStartRequested, nil)
	require.NoError(t, err)
	_, err = a.days.Transition(ctx, k, day.Starting, day.EventStarted, nil)
	require.NoError(t, err)

	ingestion, archival := &startRecorder{}, &startRecorder{}
	in := local{ingestion: ingestion, archival: archival}
	o, err := a.orchestrator(ctx, in)
	require.NoError(t, err)
	resume(ctx, a, o, in)

	assert.Equal(t, []string{"dev 2025-01-02"}, ingestion.started())
	assert.Equal(t, []string{"dev 2025-01-02"}, archival.started())
	st, err := a.days.State(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, day.Active, st)
}
