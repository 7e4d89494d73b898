package day

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dayflow/internal/cache"
	"dayflow/internal/journal"
)

type flakyJournal struct {
	*journal.Memory
	fail error
}

func (f *flakyJournal) Append(ctx context.Context, topic string, rec journal.Record, opts ...journal.AppendOption) (uint64, error) {
	if f.fail != nil {
		return 0, f.fail
	}
	return f.Memory.Append(ctx, topic, rec, opts...)
}

// racingJournal runs before once, just ahead of the next append, the way a
// writer in another process can slip in between a read and a write.
type racingJournal struct {
	*journal.Memory
	before func()
}

func (r *racingJournal) Append(ctx context.Context, topic string, rec journal.Record, opts ...journal.AppendOption) (uint64, error) {
	if hook := r.before; hook != nil {
		r.before = nil
		hook()
	}
	return r.Memory.Append(ctx, topic, rec, opts...)
}

type brokenCache struct{ *cache.Memory }

func (brokenCache) Set(context.Context, string, []byte) error { return errors.New("redis down") }

func fixedClock() func() time.Time {
	t := time.Date(2025, 1, 2, 13, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func key(date string) Key {
	return Key{Environment: "kalshi", Date: Date(date)}
}

func TestHappyPathLifecycle(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory()
	m := NewMachine(journal.NewMemory(), c, WithClock(fixedClock()))
	k := key("2025-01-02")

	_, err := m.Create(ctx, k)
	require.NoError(t, err)

	steps := []struct {
		from State
		ev   EventType
		to   State
	}{
		{Pending, EventStartRequested, Starting},
		{Starting, EventStarted, Active},
		{Active, EventEndRequested, Ending},
		{Ending, EventCompleted, Complete},
	}
	for _, s := range steps {
		td, err := m.Transition(ctx, k, s.from, s.ev, nil)
		require.NoError(t, err, s.ev)
		assert.Equal(t, s.to, td.State)
	}

	td, err := m.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, Complete, td.State)
	assert.Equal(t, uint64(5), td.Version)
	assert.False(t, td.StartTime.IsZero())
	assert.True(t, td.EndTime.After(td.StartTime))

	var cached TradingDay
	require.NoError(t, cache.GetJSON(ctx, c, CacheKey(k), &cached))
	assert.Equal(t, Complete, cached.State)
	_, err = c.Get(ctx, ActiveKey("kalshi"))
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestTransitionRejectsWrongSourceState(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(journal.NewMemory(), cache.NewMemory())
	k := key("2025-01-02")
	_, err := m.Create(ctx, k)
	require.NoError(t, err)

	_, err = m.Transition(ctx, k, Active, EventEndRequested, nil)
	require.ErrorIs(t, err, ErrInvalidTransition)

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, Active, te.Expected)
	assert.Equal(t, Pending, te.Actual)

	// Right source state but an edge that does not exist.
	_, err = m.Transition(ctx, k, Pending, EventCompleted, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	st, err := m.State(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, Pending, st)
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(journal.NewMemory(), cache.NewMemory())
	k := key("2025-01-02")
	_, err := m.Create(ctx, k)
	require.NoError(t, err)
	_, err = m.Transition(ctx, k, Pending, EventStartRequested, nil)
	require.NoError(t, err)
	td, err := m.Transition(ctx, k, Starting, EventStartFailed, FailurePayload{Activity: "start_gateway", Attempts: 3, Error: "connection refused"})
	require.NoError(t, err)
	assert.Equal(t, Failed, td.State)
	assert.Equal(t, "connection refused", td.LastError)

	for ev := range edges {
		_, err := m.Transition(ctx, k, Failed, ev, nil)
		assert.ErrorIs(t, err, ErrInvalidTransition, ev)
	}
	_, err = m.RecordStats(ctx, k, Stats{MessageCount: 1})
	assert.ErrorIs(t, err, ErrDayTerminal)
}

func TestUnknownDateIsPending(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(journal.NewMemory(), cache.NewMemory())

	st, err := m.State(ctx, key("2030-06-01"))
	require.NoError(t, err)
	assert.Equal(t, Pending, st)

	_, err = m.Get(ctx, key("2030-06-01"))
	assert.ErrorIs(t, err, ErrDayNotFound)

	_, err = m.Transition(ctx, key("2030-06-01"), Pending, EventStartRequested, nil)
	assert.ErrorIs(t, err, ErrDayNotFound)
}

func TestOneNonTerminalDayPerEnvironment(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(journal.NewMemory(), cache.NewMemory())

	_, err := m.Create(ctx, key("2025-01-02"))
	require.NoError(t, err)

	_, err = m.Create(ctx, key("2025-01-03"))
	assert.ErrorIs(t, err, ErrDayInProgress)

	_, err = m.Create(ctx, key("2025-01-02"))
	assert.ErrorIs(t, err, ErrDayExists)

	// Other environments are independent.
	_, err = m.Create(ctx, Key{Environment: "polymarket", Date: "2025-01-03"})
	require.NoError(t, err)

	active, ok, err := m.Active(ctx, "kalshi")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Date("2025-01-02"), active.Date)
}

func TestJournalFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	j := &flakyJournal{Memory: journal.NewMemory()}
	m := NewMachine(j, cache.NewMemory())
	k := key("2025-01-02")
	_, err := m.Create(ctx, k)
	require.NoError(t, err)

	j.fail = errors.New("stream unavailable")
	_, err = m.Transition(ctx, k, Pending, EventStartRequested, nil)
	require.ErrorIs(t, err, ErrJournalAppend)
	var je *JournalError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, EventStartRequested, je.Event)

	st, err := m.State(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, Pending, st)

	// Replaying the journal shows nothing was written either.
	fresh := NewMachine(j.Memory, cache.NewMemory())
	st, err = fresh.State(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, Pending, st)
}

func TestCacheFailureDoesNotFailTransition(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(journal.NewMemory(), &brokenCache{Memory: cache.NewMemory()})
	k := key("2025-01-02")
	_, err := m.Create(ctx, k)
	require.NoError(t, err)
	td, err := m.Transition(ctx, k, Pending, EventStartRequested, nil)
	require.NoError(t, err)
	assert.Equal(t, Starting, td.State)
}

func TestRebuildReproducesProjection(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemory()
	m := NewMachine(j, cache.NewMemory(), WithClock(fixedClock()))

	type step struct {
		from State
		ev   EventType
	}
	drive := func(date string, evs ...step) {
		k := key(date)
		_, err := m.Create(ctx, k)
		require.NoError(t, err)
		for _, e := range evs {
			_, err := m.Transition(ctx, k, e.from, e.ev, nil)
			require.NoError(t, err)
		}
	}
	drive("2025-01-01", step{Pending, EventStartRequested}, step{Starting, EventStarted}, step{Active, EventEndRequested}, step{Ending, EventCompleted})
	drive("2025-01-02", step{Pending, EventStartRequested}, step{Starting, EventStarted}, step{Active, EventDegraded})
	_, err := m.RecordStats(ctx, key("2025-01-02"), Stats{MessageCount: 42, GapCount: 1})
	require.NoError(t, err)

	want, err := m.List(ctx, "kalshi")
	require.NoError(t, err)

	c := cache.NewMemory()
	replayed := NewMachine(j, c)
	n, err := replayed.Rebuild(ctx, "kalshi")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := replayed.List(ctx, "kalshi")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	active, err := c.Get(ctx, ActiveKey("kalshi"))
	require.NoError(t, err)
	assert.Equal(t, "2025-01-02", string(active))
}

func TestReplaySkipsDuplicateEventIDs(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemory()
	topic := Topic("kalshi")
	ts := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

	events := []Event{
		{ID: "e1", Environment: "kalshi", Date: "2025-01-02", Type: EventCreated, To: Pending, Timestamp: ts},
		{ID: "e2", Environment: "kalshi", Date: "2025-01-02", Type: EventStartRequested, From: Pending, To: Starting, Timestamp: ts},
	}
	for _, ev := range events {
		data, err := json.Marshal(ev)
		require.NoError(t, err)
		// Same event written twice under different record IDs, as a retried
		// producer outside the dedupe window would.
		_, err = j.Append(ctx, topic, journal.Record{ID: ev.ID + "-a", Data: data})
		require.NoError(t, err)
		_, err = j.Append(ctx, topic, journal.Record{ID: ev.ID + "-b", Data: data})
		require.NoError(t, err)
	}

	m := NewMachine(j, cache.NewMemory())
	td, err := m.Get(ctx, key("2025-01-02"))
	require.NoError(t, err)
	assert.Equal(t, Starting, td.State)
	assert.Equal(t, uint64(2), td.Version)
}

// activeDay drives k to ACTIVE through m.
func activeDay(t *testing.T, m *Machine, k Key) {
	t.Helper()
	ctx := context.Background()
	_, err := m.Create(ctx, k)
	require.NoError(t, err)
	_, err = m.Transition(ctx, k, Pending, EventStartRequested, nil)
	require.NoError(t, err)
	_, err = m.Transition(ctx, k, Starting, EventStarted, nil)
	require.NoError(t, err)
}

func TestMachinesSharingJournalSeeEachOther(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemory()
	serve := NewMachine(j, cache.NewMemory())
	cli := NewMachine(j, cache.NewMemory())
	k := key("2026-01-05")

	activeDay(t, cli, k)
	td, err := serve.Get(ctx, k)
	require.NoError(t, err)
	require.Equal(t, Active, td.State)

	_, err = cli.Transition(ctx, k, Active, EventEndRequested, nil)
	require.NoError(t, err)
	_, err = cli.Transition(ctx, k, Ending, EventCompleted, nil)
	require.NoError(t, err)

	_, err = serve.Transition(ctx, k, Active, EventDegraded, FailurePayload{Error: "unhealthy"})
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, Complete, te.Actual)

	_, ok, err := serve.Active(ctx, "kalshi")
	require.NoError(t, err)
	assert.False(t, ok)

	next, err := serve.Create(ctx, Key{Environment: "kalshi", Date: k.Date.Next()})
	require.NoError(t, err)
	assert.Equal(t, Pending, next.State)

	st, err := NewMachine(j, cache.NewMemory()).State(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, Complete, st)
}

func TestInterleavedWriterFailsStaleTransition(t *testing.T) {
	ctx := context.Background()
	mem := journal.NewMemory()
	cli := NewMachine(mem, cache.NewMemory())
	k := key("2026-01-05")
	activeDay(t, cli, k)

	j := &racingJournal{Memory: mem}
	serve := NewMachine(j, cache.NewMemory())
	_, err := serve.Get(ctx, k)
	require.NoError(t, err)

	j.before = func() {
		_, err := cli.Transition(ctx, k, Active, EventEndRequested, nil)
		require.NoError(t, err)
	}
	_, err = serve.Transition(ctx, k, Active, EventDegraded, FailurePayload{Error: "unhealthy"})
	require.ErrorIs(t, err, ErrInvalidTransition)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, Ending, te.Actual)

	st, err := NewMachine(mem, cache.NewMemory()).State(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, Ending, st)
}

func TestInterleavedStatsAreKeptOnRetry(t *testing.T) {
	ctx := context.Background()
	mem := journal.NewMemory()
	monitor := NewMachine(mem, cache.NewMemory())
	k := key("2026-01-05")
	activeDay(t, monitor, k)

	j := &racingJournal{Memory: mem}
	cli := NewMachine(j, cache.NewMemory())
	_, err := cli.Get(ctx, k)
	require.NoError(t, err)

	j.before = func() {
		_, err := monitor.RecordStats(ctx, k, Stats{MessageCount: 10})
		require.NoError(t, err)
	}
	td, err := cli.Transition(ctx, k, Active, EventEndRequested, nil)
	require.NoError(t, err)
	assert.Equal(t, Ending, td.State)
	assert.Equal(t, uint64(10), td.Stats.MessageCount)
	assert.Equal(t, uint64(5), td.Version)
}

func TestDateNext(t *testing.T) {
	assert.Equal(t, Date("2025-01-01"), Date("2024-12-31").Next())
	assert.Equal(t, Date("2024-02-29"), Date("2024-02-28").Next())

	_, err := ParseDate("2025-13-01")
	assert.Error(t, err)
	d, err := ParseDate("2025-03-04")
	require.NoError(t, err)
	assert.Equal(t, Date("2025-03-04"), d)
}
