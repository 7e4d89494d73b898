package history

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dayflow/internal/cache"
	"dayflow/internal/day"
	"dayflow/internal/journal"
)

func clock() func() time.Time {
	t := time.Date(2025, 1, 1, 13, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Minute)
		return t
	}
}

// runDays drives n consecutive dates from 2025-01-01 to COMPLETE, except the
// last which is left ACTIVE.
func runDays(t *testing.T, j journal.Journal, env string, n int) []day.Date {
	t.Helper()
	ctx := context.Background()
	m := day.NewMachine(j, cache.NewMemory(), day.WithClock(clock()))

	date := day.Date("2025-01-01")
	var dates []day.Date
	for i := 0; i < n; i++ {
		k := day.Key{Environment: env, Date: date}
		_, err := m.Create(ctx, k)
		require.NoError(t, err)
		_, err = m.Transition(ctx, k, day.Pending, day.EventStartRequested, nil)
		require.NoError(t, err)
		_, err = m.Transition(ctx, k, day.Starting, day.EventStarted, nil)
		require.NoError(t, err)
		if i < n-1 {
			_, err = m.Transition(ctx, k, day.Active, day.EventEndRequested, nil)
			require.NoError(t, err)
			_, err = m.Transition(ctx, k, day.Ending, day.EventCompleted, nil)
			require.NoError(t, err)
		}
		dates = append(dates, date)
		date = date.Next()
	}
	return dates
}

// redelivering returns every page twice, the way an at-least-once reader can.
type redelivering struct {
	*journal.Memory
}

func (r redelivering) ReadRange(ctx context.Context, topic string, from uint64, count int) ([]journal.Record, error) {
	recs, err := r.Memory.ReadRange(ctx, topic, from, count)
	if err != nil {
		return nil, err
	}
	return append(recs, recs...), nil
}

// shortPages returns at most one record per read regardless of count.
type shortPages struct {
	*journal.Memory
}

func (s shortPages) ReadRange(ctx context.Context, topic string, from uint64, count int) ([]journal.Record, error) {
	recs, err := s.Memory.ReadRange(ctx, topic, from, count)
	if len(recs) > 1 {
		recs = recs[:1]
	}
	return recs, err
}

func TestHistoryReturnsNewestFirst(t *testing.T) {
	j := journal.NewMemory()
	dates := runDays(t, j, "kalshi", 10)

	days, err := NewProjector(j, WithPageSize(4)).History(context.Background(), "kalshi", 7)
	require.NoError(t, err)
	require.Len(t, days, 7)
	for i := range days {
		assert.Equal(t, dates[len(dates)-1-i], days[i].Date)
	}
	assert.Equal(t, day.Active, days[0].State)
	for _, td := range days[1:] {
		assert.Equal(t, day.Complete, td.State)
		assert.False(t, td.EndTime.IsZero())
		assert.True(t, td.EndTime.After(td.StartTime))
	}
	for i := 1; i < len(days); i++ {
		assert.True(t, days[i-1].EndTime.IsZero() || days[i].EndTime.Before(days[i-1].EndTime))
	}
}

func TestHistoryMatchesLiveProjection(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemory()
	runDays(t, j, "kalshi", 3)

	live, err := day.NewMachine(j, cache.NewMemory()).List(ctx, "kalshi")
	require.NoError(t, err)
	replayed, err := NewProjector(j).History(ctx, "kalshi", 0)
	require.NoError(t, err)

	require.Len(t, replayed, len(live))
	byDate := make(map[day.Date]day.TradingDay)
	for _, td := range live {
		byDate[td.Date] = td
	}
	for _, td := range replayed {
		assert.Equal(t, byDate[td.Date].State, td.State)
		assert.Equal(t, byDate[td.Date].Version, td.Version)
	}
}

func TestHistoryToleratesRedelivery(t *testing.T) {
	mem := journal.NewMemory()
	runDays(t, mem, "kalshi", 4)
	ctx := context.Background()

	want, err := NewProjector(mem).History(ctx, "kalshi", 0)
	require.NoError(t, err)

	got, err := NewProjector(redelivering{mem}, WithPageSize(3)).History(ctx, "kalshi", 0)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = NewProjector(shortPages{mem}, WithPageSize(50)).History(ctx, "kalshi", 0)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestHistoryFoldsInJournalOrder(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemory()
	base := time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)
	// The second writer's clock runs an hour behind the first.
	events := []day.Event{
		{ID: "1", Environment: "kalshi", Date: "2025-01-02", Type: day.EventCreated, To: day.Pending, Timestamp: base.Add(time.Hour)},
		{ID: "2", Environment: "kalshi", Date: "2025-01-02", Type: day.EventStartRequested, From: day.Pending, To: day.Starting, Timestamp: base},
	}
	for _, ev := range events {
		data, err := json.Marshal(ev)
		require.NoError(t, err)
		_, err = j.Append(ctx, day.Topic("kalshi"), journal.Record{ID: ev.ID, Data: data, Timestamp: ev.Timestamp})
		require.NoError(t, err)
	}
	_, err := j.Append(ctx, day.Topic("kalshi"), journal.Record{ID: "junk", Data: []byte("not json")})
	require.NoError(t, err)

	k := day.Key{Environment: "kalshi", Date: "2025-01-02"}
	td, err := NewProjector(j).Day(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, day.Starting, td.State)
	assert.Equal(t, uint64(2), td.Version)

	live, err := day.NewMachine(j, cache.NewMemory()).Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, live, td)

	evs, err := NewProjector(j).Events(ctx, k)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, day.EventCreated, evs[0].Type)
}

func TestDayAndEvents(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemory()
	runDays(t, j, "kalshi", 2)
	p := NewProjector(j)

	td, err := p.Day(ctx, day.Key{Environment: "kalshi", Date: "2025-01-01"})
	require.NoError(t, err)
	assert.Equal(t, day.Complete, td.State)

	evs, err := p.Events(ctx, day.Key{Environment: "kalshi", Date: "2025-01-01"})
	require.NoError(t, err)
	var types []day.EventType
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []day.EventType{
		day.EventCreated, day.EventStartRequested, day.EventStarted, day.EventEndRequested, day.EventCompleted,
	}, types)

	_, err = p.Day(ctx, day.Key{Environment: "kalshi", Date: "2024-12-31"})
	assert.ErrorIs(t, err, day.ErrDayNotFound)

	days, err := p.History(ctx, "other", 7)
	require.NoError(t, err)
	assert.Empty(t, days)
}
