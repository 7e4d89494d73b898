package day

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"dayflow/internal/cache"
	"dayflow/internal/journal"
	"dayflow/internal/metrics"
	"dayflow/logger"
)

// CacheKey is the cache entry holding the projected TradingDay.
func CacheKey(k Key) string {
	return "day:" + k.Environment + ":" + string(k.Date)
}

// CachePrefix selects every projected day of an environment.
func CachePrefix(env string) string {
	return "day:" + env + ":"
}

// ActiveKey is the cache entry naming the non-terminal date of an environment.
func ActiveKey(env string) string {
	return "active:" + env
}

// Machine validates and commits day transitions. Several machines, in one
// process or many, may share a journal: every call first applies the records
// appended since the last one it saw, and every append expects the topic to
// still end there. Within a machine each environment has its own lock.
type Machine struct {
	journal  journal.Journal
	cache    cache.Cache
	pageSize int
	now      func() time.Time
	newID    func() string
	log      *logger.Log

	mu   sync.Mutex
	envs map[string]*envState
}

type envState struct {
	mu     sync.Mutex
	loaded bool
	// last is the offset of the newest journal record applied.
	last uint64
	days map[Date]*TradingDay
	seen map[string]struct{}
}

// maxConflicts bounds how often a write is revalidated after another writer
// appended first.
const maxConflicts = 3

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithPageSize(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.pageSize = n
		}
	}
}

func NewMachine(j journal.Journal, c cache.Cache, opts ...Option) *Machine {
	m := &Machine{
		journal:  j,
		cache:    c,
		pageSize: 256,
		now:      time.Now,
		newID:    uuid.NewString,
		log:      logger.GetLogger(),
		envs:     make(map[string]*envState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) state(env string) *envState {
	m.mu.Lock()
	defer m.mu.Unlock()
	es, ok := m.envs[env]
	if !ok {
		es = &envState{}
		m.envs[env] = es
	}
	return es
}

// lock returns the state of env, caught up with the journal, with its mutex
// held.
func (m *Machine) lock(ctx context.Context, env string) (*envState, error) {
	if env == "" {
		return nil, errors.New("environment is required")
	}
	es := m.state(env)
	es.mu.Lock()
	if err := m.sync(ctx, env, es); err != nil {
		es.mu.Unlock()
		return nil, err
	}
	return es, nil
}

// sync applies the records of env past es.last. An unloaded state is
// rebuilt from the first offset.
func (m *Machine) sync(ctx context.Context, env string, es *envState) error {
	log := m.log.WithComponent("day").WithFields(logger.Fields{"env": env})
	if !es.loaded {
		es.days = make(map[Date]*TradingDay)
		es.seen = make(map[string]struct{})
		es.last = 0
	}

	applied := 0
	err := journal.ReadFrom(ctx, m.journal, Topic(env), es.last+1, m.pageSize, func(rec journal.Record) error {
		if rec.Offset > es.last {
			es.last = rec.Offset
		}
		var ev Event
		if err := json.Unmarshal(rec.Data, &ev); err != nil {
			log.WithError(err).WithFields(logger.Fields{"offset": rec.Offset}).Warn("skipping undecodable journal record")
			return nil
		}
		if _, dup := es.seen[ev.ID]; dup {
			return nil
		}
		es.seen[ev.ID] = struct{}{}

		var next TradingDay
		if td, ok := es.days[ev.Date]; ok {
			next = *td
		}
		if err := Apply(&next, ev); err != nil {
			log.WithError(err).WithFields(logger.Fields{"offset": rec.Offset, "event": ev.Type}).Warn("skipping journal event that does not apply")
			return nil
		}
		es.days[ev.Date] = &next
		applied++
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay %s: %w", Topic(env), err)
	}

	if !es.loaded {
		es.loaded = true
		log.WithFields(logger.Fields{"days": len(es.days), "events": len(es.seen)}).Debug("loaded day projection from journal")
	} else if applied > 0 {
		log.WithFields(logger.Fields{"events": applied, "offset": es.last}).Debug("applied events from other writers")
	}
	return nil
}

// write validates with build against the caught-up state and commits the
// event it returns. When another writer appended first the state is caught
// up and build runs again, so a stale caller sees the current state.
func (m *Machine) write(ctx context.Context, env string, build func(es *envState) (Event, error)) (TradingDay, error) {
	es, err := m.lock(ctx, env)
	if err != nil {
		return TradingDay{}, err
	}
	defer es.mu.Unlock()

	for attempt := 1; ; attempt++ {
		ev, err := build(es)
		if err != nil {
			return TradingDay{}, err
		}
		td, err := m.commit(ctx, es, ev)
		if !errors.Is(err, journal.ErrConflict) || attempt == maxConflicts {
			return td, err
		}
		if err := m.sync(ctx, env, es); err != nil {
			return TradingDay{}, err
		}
	}
}

// Create registers a new PENDING day. It fails when the date already exists
// or another date of the environment has not reached a terminal state.
func (m *Machine) Create(ctx context.Context, key Key) (TradingDay, error) {
	if _, err := ParseDate(string(key.Date)); err != nil {
		return TradingDay{}, err
	}
	return m.write(ctx, key.Environment, func(es *envState) (Event, error) {
		if _, ok := es.days[key.Date]; ok {
			return Event{}, fmt.Errorf("%s: %w", key, ErrDayExists)
		}
		for d, td := range es.days {
			if !td.State.Terminal() {
				return Event{}, fmt.Errorf("%s: %w: %s is %s", key, ErrDayInProgress, d, td.State)
			}
		}
		return m.newEvent(key, EventCreated, "", Pending, nil), nil
	})
}

// Transition commits ev if the day is currently in expectedFrom. The event is
// appended to the journal before the projection changes; a failed append
// leaves the day untouched.
func (m *Machine) Transition(ctx context.Context, key Key, expectedFrom State, ev EventType, payload any) (TradingDay, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return TradingDay{}, err
	}
	return m.write(ctx, key.Environment, func(es *envState) (Event, error) {
		td := es.days[key.Date]
		current := Pending
		if td != nil {
			current = td.State
		}
		if current != expectedFrom {
			return Event{}, &TransitionError{Key: key, Event: ev, Expected: expectedFrom, Actual: current}
		}
		if td == nil {
			return Event{}, fmt.Errorf("%s: %w", key, ErrDayNotFound)
		}
		to, ok := Target(current, ev)
		if !ok {
			return Event{}, &TransitionError{Key: key, Event: ev, Expected: edges[ev].from, Actual: current}
		}
		return m.newEvent(key, ev, current, to, raw), nil
	})
}

// RecordStats stores cumulative capture counters for a running day.
func (m *Machine) RecordStats(ctx context.Context, key Key, stats Stats) (TradingDay, error) {
	raw, err := marshalPayload(stats)
	if err != nil {
		return TradingDay{}, err
	}
	return m.write(ctx, key.Environment, func(es *envState) (Event, error) {
		td := es.days[key.Date]
		if td == nil {
			return Event{}, fmt.Errorf("%s: %w", key, ErrDayNotFound)
		}
		if td.State.Terminal() {
			return Event{}, fmt.Errorf("%s: %w", key, ErrDayTerminal)
		}
		return m.newEvent(key, EventStatsRecorded, td.State, td.State, raw), nil
	})
}

func (m *Machine) newEvent(key Key, typ EventType, from, to State, payload json.RawMessage) Event {
	return Event{
		ID:          m.newID(),
		Environment: key.Environment,
		Date:        key.Date,
		Type:        typ,
		From:        from,
		To:          to,
		Payload:     payload,
		Timestamp:   m.now().UTC(),
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	return raw, nil
}

// commit must be called with es.mu held.
func (m *Machine) commit(ctx context.Context, es *envState, ev Event) (TradingDay, error) {
	key := ev.Key()
	log := m.log.WithComponent("day").WithFields(logger.Fields{
		"env":   key.Environment,
		"date":  key.Date,
		"event": ev.Type,
	})

	data, err := json.Marshal(ev)
	if err != nil {
		return TradingDay{}, fmt.Errorf("encode event: %w", err)
	}
	rec := journal.Record{ID: ev.ID, Data: data, Timestamp: ev.Timestamp}
	offset, err := m.journal.Append(ctx, Topic(key.Environment), rec, journal.ExpectLast(es.last))
	if errors.Is(err, journal.ErrConflict) {
		log.WithFields(logger.Fields{"expected_offset": es.last}).Info("journal moved on; revalidating against newer events")
		return TradingDay{}, &JournalError{Key: key, Event: ev.Type, Err: err}
	}
	if err != nil {
		metrics.ObserveJournalFailure()
		log.WithError(err).Error("journal append failed; transition not applied")
		return TradingDay{}, &JournalError{Key: key, Event: ev.Type, Err: err}
	}

	var next TradingDay
	if cur := es.days[key.Date]; cur != nil {
		next = *cur
	}
	if err := Apply(&next, ev); err != nil {
		return TradingDay{}, err
	}
	es.days[key.Date] = &next
	es.seen[ev.ID] = struct{}{}
	if offset > es.last {
		es.last = offset
	}

	if ev.Type != EventStatsRecorded {
		from := string(ev.From)
		if from == "" {
			from = "NONE"
		}
		metrics.ObserveTransition(key.Environment, from, string(ev.To))
		log.WithFields(logger.Fields{"from": ev.From, "to": ev.To, "offset": offset}).Info("trading day transition committed")
	}

	m.project(ctx, next)
	return next, nil
}

// project writes the cache view of td. Failures are logged only: the journal
// already holds the event and Rebuild repairs the cache.
func (m *Machine) project(ctx context.Context, td TradingDay) {
	log := m.log.WithComponent("day").WithFields(logger.Fields{"env": td.Environment, "date": td.Date})
	if m.cache == nil {
		return
	}
	if err := cache.SetJSON(ctx, m.cache, CacheKey(td.Key()), td); err != nil {
		log.WithError(err).Warn("failed to update day cache")
	}

	activeKey := ActiveKey(td.Environment)
	if !td.State.Terminal() {
		if err := m.cache.Set(ctx, activeKey, []byte(td.Date)); err != nil {
			log.WithError(err).Warn("failed to update active day pointer")
		}
		return
	}
	cur, err := m.cache.Get(ctx, activeKey)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			log.WithError(err).Warn("failed to read active day pointer")
		}
		return
	}
	if Date(cur) == td.Date {
		if err := m.cache.Delete(ctx, activeKey); err != nil {
			log.WithError(err).Warn("failed to clear active day pointer")
		}
	}
}

// Get returns the projected day or ErrDayNotFound.
func (m *Machine) Get(ctx context.Context, key Key) (TradingDay, error) {
	es, err := m.lock(ctx, key.Environment)
	if err != nil {
		return TradingDay{}, err
	}
	defer es.mu.Unlock()
	td, ok := es.days[key.Date]
	if !ok {
		return TradingDay{}, fmt.Errorf("%s: %w", key, ErrDayNotFound)
	}
	return *td, nil
}

// State returns the current state, PENDING for a date never seen.
func (m *Machine) State(ctx context.Context, key Key) (State, error) {
	td, err := m.Get(ctx, key)
	if errors.Is(err, ErrDayNotFound) {
		return Pending, nil
	}
	if err != nil {
		return "", err
	}
	return td.State, nil
}

// Active returns the non-terminal day of env, if any.
func (m *Machine) Active(ctx context.Context, env string) (TradingDay, bool, error) {
	es, err := m.lock(ctx, env)
	if err != nil {
		return TradingDay{}, false, err
	}
	defer es.mu.Unlock()
	for _, td := range es.days {
		if !td.State.Terminal() {
			return *td, true, nil
		}
	}
	return TradingDay{}, false, nil
}

// List returns every known day of env, newest date first.
func (m *Machine) List(ctx context.Context, env string) ([]TradingDay, error) {
	es, err := m.lock(ctx, env)
	if err != nil {
		return nil, err
	}
	defer es.mu.Unlock()
	out := make([]TradingDay, 0, len(es.days))
	for _, td := range es.days {
		out = append(out, *td)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out, nil
}

// Rebuild discards the in-memory projection of env, replays the journal and
// rewrites every cache entry. It returns the number of days rebuilt.
func (m *Machine) Rebuild(ctx context.Context, env string) (int, error) {
	es := m.state(env)
	es.mu.Lock()
	defer es.mu.Unlock()
	es.loaded = false
	if err := m.sync(ctx, env, es); err != nil {
		return 0, err
	}
	if m.cache != nil {
		if err := m.cache.Delete(ctx, ActiveKey(env)); err != nil {
			m.log.WithComponent("day").WithError(err).Warn("failed to clear active day pointer")
		}
	}
	for _, td := range es.days {
		m.project(ctx, *td)
	}
	m.log.WithComponent("day").WithFields(logger.Fields{"env": env, "days": len(es.days)}).Info("rebuilt day projection from journal")
	return len(es.days), nil
}
