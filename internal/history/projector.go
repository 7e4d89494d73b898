// Package history answers questions about past trading days by replaying
// the journal. It never reads the cache, so its answers hold even when the
// cache is empty or stale.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"dayflow/internal/day"
	"dayflow/internal/journal"
	"dayflow/logger"
)

type Option func(*Projector)

// WithPageSize bounds each journal read.
func WithPageSize(n int) Option {
	return func(p *Projector) {
		if n > 0 {
			p.pageSize = n
		}
	}
}

type Projector struct {
	journal  journal.Journal
	pageSize int
	log      *logger.Entry
}

func NewProjector(j journal.Journal, opts ...Option) *Projector {
	p := &Projector{
		journal:  j,
		pageSize: 256,
		log:      logger.GetLogger().WithComponent("history"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type entry struct {
	offset uint64
	event  day.Event
}

// events reads every distinct event of env in journal order, the order the
// day machine applies them. Paging continues until the journal returns
// nothing, so a short page in the middle of the topic does not end the read.
func (p *Projector) events(ctx context.Context, env string) ([]entry, error) {
	topic := day.Topic(env)
	seen := make(map[string]struct{})
	var out []entry

	var from uint64 = 1
	for {
		recs, err := p.journal.ReadRange(ctx, topic, from, p.pageSize)
		if err != nil {
			return nil, fmt.Errorf("read %s from %d: %w", topic, from, err)
		}
		if len(recs) == 0 {
			break
		}
		for _, rec := range recs {
			if rec.Offset >= from {
				from = rec.Offset + 1
			}
			var ev day.Event
			if err := json.Unmarshal(rec.Data, &ev); err != nil {
				p.log.WithError(err).WithFields(logger.Fields{"env": env, "offset": rec.Offset}).Warn("skipping undecodable journal record")
				continue
			}
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			out = append(out, entry{offset: rec.Offset, event: ev})
		}
	}

	return out, nil
}

func (p *Projector) fold(env string, entries []entry) map[day.Date]*day.TradingDay {
	days := make(map[day.Date]*day.TradingDay)
	for _, e := range entries {
		td, ok := days[e.event.Date]
		if !ok {
			td = &day.TradingDay{}
		}
		if err := day.Apply(td, e.event); err != nil {
			p.log.WithError(err).WithFields(logger.Fields{
				"env":    env,
				"offset": e.offset,
				"event":  e.event.Type,
			}).Warn("skipping journal event that does not apply")
			continue
		}
		days[e.event.Date] = td
	}
	return days
}

// History returns the most recent limit days of env, newest first. A limit
// of zero or less returns every day.
func (p *Projector) History(ctx context.Context, env string, limit int) ([]day.TradingDay, error) {
	entries, err := p.events(ctx, env)
	if err != nil {
		return nil, err
	}
	days := p.fold(env, entries)

	out := make([]day.TradingDay, 0, len(days))
	for _, td := range days {
		out = append(out, *td)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Day replays a single date.
func (p *Projector) Day(ctx context.Context, key day.Key) (day.TradingDay, error) {
	entries, err := p.events(ctx, key.Environment)
	if err != nil {
		return day.TradingDay{}, err
	}
	filtered := entries[:0]
	for _, e := range entries {
		if e.event.Date == key.Date {
			filtered = append(filtered, e)
		}
	}
	td, ok := p.fold(key.Environment, filtered)[key.Date]
	if !ok {
		return day.TradingDay{}, fmt.Errorf("%s: %w", key, day.ErrDayNotFound)
	}
	return *td, nil
}

// Events returns the distinct events of one date in fold order.
func (p *Projector) Events(ctx context.Context, key day.Key) ([]day.Event, error) {
	entries, err := p.events(ctx, key.Environment)
	if err != nil {
		return nil, err
	}
	var out []day.Event
	for _, e := range entries {
		if e.event.Date == key.Date {
			out = append(out, e.event)
		}
	}
	return out, nil
}
