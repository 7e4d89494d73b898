// Package day models the lifecycle of a trading day. State is never stored
// directly: every change is a DayEvent appended to the journal and the
// TradingDay is the fold of those events.
package day

import (
	"encoding/json"
	"fmt"
	"time"
)

type State string

const (
	Pending  State = "PENDING"
	Starting State = "STARTING"
	Active   State = "ACTIVE"
	Ending   State = "ENDING"
	Complete State = "COMPLETE"
	Error    State = "ERROR"
	Failed   State = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Complete || s == Failed
}

const DateLayout = "2006-01-02"

// Date is a calendar trading date in YYYY-MM-DD form. Dates compare
// correctly as strings.
type Date string

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return "", fmt.Errorf("invalid trading date %q: %w", s, err)
	}
	return Date(t.Format(DateLayout)), nil
}

// DateOf returns the UTC calendar date of t.
func DateOf(t time.Time) Date {
	return Date(t.UTC().Format(DateLayout))
}

// Next returns the following calendar date.
func (d Date) Next() Date {
	t, err := time.Parse(DateLayout, string(d))
	if err != nil {
		return d
	}
	return Date(t.AddDate(0, 0, 1).Format(DateLayout))
}

func (d Date) String() string { return string(d) }

// Key identifies a trading day.
type Key struct {
	Environment string `json:"environment"`
	Date        Date   `json:"date"`
}

func (k Key) String() string {
	return k.Environment + "/" + string(k.Date)
}

type Stats struct {
	MessageCount uint64 `json:"message_count"`
	GapCount     uint64 `json:"gap_count"`
}

type TradingDay struct {
	Environment string    `json:"environment"`
	Date        Date      `json:"date"`
	State       State     `json:"state"`
	StartTime   time.Time `json:"start_time,omitempty"`
	EndTime     time.Time `json:"end_time,omitempty"`
	Stats       Stats     `json:"stats"`
	LastError   string    `json:"last_error,omitempty"`
	Version     uint64    `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (td TradingDay) Key() Key {
	return Key{Environment: td.Environment, Date: td.Date}
}

type EventType string

const (
	EventCreated        EventType = "day.created"
	EventStartRequested EventType = "day.start_requested"
	EventStarted        EventType = "day.started"
	EventStartFailed    EventType = "day.start_failed"
	EventDegraded       EventType = "day.degraded"
	EventRecovered      EventType = "day.recovered"
	EventAbandoned      EventType = "day.abandoned"
	EventEndRequested   EventType = "day.end_requested"
	EventCompleted      EventType = "day.completed"
	EventEndFailed      EventType = "day.end_failed"
	EventStatsRecorded  EventType = "day.stats_recorded"
)

// Event is a DayEvent as stored in the journal.
type Event struct {
	ID          string          `json:"id"`
	Environment string          `json:"environment"`
	Date        Date            `json:"date"`
	Type        EventType       `json:"type"`
	From        State           `json:"from,omitempty"`
	To          State           `json:"to"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

func (e Event) Key() Key {
	return Key{Environment: e.Environment, Date: e.Date}
}

// FailurePayload is attached to events caused by an activity failure.
type FailurePayload struct {
	Activity string `json:"activity,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error"`
}

type edge struct {
	from State
	to   State
}

var edges = map[EventType]edge{
	EventStartRequested: {Pending, Starting},
	EventStarted:        {Starting, Active},
	EventStartFailed:    {Starting, Failed},
	EventDegraded:       {Active, Error},
	EventRecovered:      {Error, Active},
	EventAbandoned:      {Error, Failed},
	EventEndRequested:   {Active, Ending},
	EventCompleted:      {Ending, Complete},
	EventEndFailed:      {Ending, Failed},
}

// Target returns the state reached by ev from from, if the edge exists.
func Target(from State, ev EventType) (State, bool) {
	e, ok := edges[ev]
	if !ok || e.from != from {
		return "", false
	}
	return e.to, true
}

// Topic is the journal topic holding the events of an environment.
func Topic(env string) string {
	return "days." + env
}

// Apply folds ev into td. It is the only place TradingDay fields change, for
// live transitions and for replay alike.
func Apply(td *TradingDay, ev Event) error {
	switch ev.Type {
	case EventCreated:
		if td.Version != 0 {
			return fmt.Errorf("%s: %w", ev.Key(), ErrDayExists)
		}
		*td = TradingDay{Environment: ev.Environment, Date: ev.Date, State: Pending}
	case EventStatsRecorded:
		if td.Version == 0 {
			return fmt.Errorf("%s: %w", ev.Key(), ErrDayNotFound)
		}
		var stats Stats
		if err := json.Unmarshal(ev.Payload, &stats); err != nil {
			return fmt.Errorf("decode stats payload: %w", err)
		}
		td.Stats = stats
	default:
		if td.Version == 0 {
			return fmt.Errorf("%s: %w", ev.Key(), ErrDayNotFound)
		}
		to, ok := Target(td.State, ev.Type)
		if !ok || ev.From != td.State || to != ev.To {
			return &TransitionError{Key: ev.Key(), Event: ev.Type, Expected: ev.From, Actual: td.State}
		}
		td.State = to
		switch ev.Type {
		case EventStarted:
			td.StartTime = ev.Timestamp
			td.LastError = ""
		case EventRecovered:
			td.LastError = ""
		case EventStartFailed, EventDegraded, EventAbandoned, EventEndFailed:
			var p FailurePayload
			if len(ev.Payload) > 0 && json.Unmarshal(ev.Payload, &p) == nil {
				td.LastError = p.Error
			}
		}
		if to.Terminal() {
			td.EndTime = ev.Timestamp
		}
	}
	td.Version++
	td.UpdatedAt = ev.Timestamp
	return nil
}
