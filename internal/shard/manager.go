// Package shard maps the instrument universe onto capacity-bounded
// subscription shards and drives one connector per shard.
package shard

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrShardCapacityExceeded = errors.New("all shards at capacity")

type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
)

// CDCEvent is one change of the instrument universe.
type CDCEvent struct {
	InstrumentID string    `json:"instrument_id"`
	Action       Action    `json:"action"`
	Timestamp    time.Time `json:"timestamp"`
}

type Shard struct {
	ID          int      `json:"id"`
	Instruments []string `json:"instruments"`
	Capacity    int      `json:"capacity"`
}

func (s Shard) FillFraction() float64 {
	if s.Capacity == 0 {
		return 0
	}
	return float64(len(s.Instruments)) / float64(s.Capacity)
}

func (s Shard) full() bool { return len(s.Instruments) >= s.Capacity }

type CommandKind string

const (
	CommandOpenShard   CommandKind = "open_shard"
	CommandCloseShard  CommandKind = "close_shard"
	CommandSubscribe   CommandKind = "subscribe"
	CommandUnsubscribe CommandKind = "unsubscribe"
)

// Command is an instruction for the connector layer produced by an
// assignment decision.
type Command struct {
	Kind        CommandKind `json:"kind"`
	ShardID     int         `json:"shard_id"`
	Instruments []string    `json:"instruments,omitempty"`
}

// Manager owns the instrument to shard mapping. Decisions depend only on the
// order of applied events, so replaying the same events yields the same
// mapping.
type Manager struct {
	capacity  int
	threshold float64
	maxShards int

	mu     sync.RWMutex
	shards []*Shard
	owner  map[string]int
}

// NewManager returns an empty manager. maxShards <= 0 means unbounded.
func NewManager(capacity int, threshold float64, maxShards int) (*Manager, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("shard capacity must be positive, got %d", capacity)
	}
	if threshold <= 0 || threshold > 1 {
		return nil, fmt.Errorf("headroom threshold must be in (0, 1], got %v", threshold)
	}
	return &Manager{
		capacity:  capacity,
		threshold: threshold,
		maxShards: maxShards,
		owner:     make(map[string]int),
	}, nil
}

func (m *Manager) Apply(ev CDCEvent) ([]Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apply(ev)
}

func (m *Manager) apply(ev CDCEvent) ([]Command, error) {
	if ev.InstrumentID == "" {
		return nil, fmt.Errorf("cdc event without instrument id")
	}
	switch ev.Action {
	case ActionAdd:
		return m.add(ev.InstrumentID)
	case ActionRemove:
		return m.remove(ev.InstrumentID), nil
	default:
		return nil, fmt.Errorf("unknown cdc action %q for %s", ev.Action, ev.InstrumentID)
	}
}

func (m *Manager) add(id string) ([]Command, error) {
	if _, ok := m.owner[id]; ok {
		return nil, nil
	}

	var cmds []Command
	target := m.newestWithCapacity()
	if target == nil {
		open, ok := m.open()
		if !ok {
			return nil, fmt.Errorf("%w: %d shards of %d, cannot assign %s", ErrShardCapacityExceeded, len(m.shards), m.capacity, id)
		}
		cmds = append(cmds, open)
		target = m.shards[len(m.shards)-1]
	}

	target.Instruments = append(target.Instruments, id)
	m.owner[id] = target.ID
	cmds = append(cmds, Command{Kind: CommandSubscribe, ShardID: target.ID, Instruments: []string{id}})

	// Provision headroom before the newest shard fills up.
	if latest := m.shards[len(m.shards)-1]; latest.FillFraction() >= m.threshold {
		if open, ok := m.open(); ok {
			cmds = append(cmds, open)
		}
	}
	return cmds, nil
}

func (m *Manager) remove(id string) []Command {
	shardID, ok := m.owner[id]
	if !ok {
		return nil
	}
	delete(m.owner, id)
	s := m.shards[shardID]
	for i, inst := range s.Instruments {
		if inst == id {
			s.Instruments = append(s.Instruments[:i:i], s.Instruments[i+1:]...)
			break
		}
	}
	return []Command{{Kind: CommandUnsubscribe, ShardID: shardID, Instruments: []string{id}}}
}

func (m *Manager) newestWithCapacity() *Shard {
	for i := len(m.shards) - 1; i >= 0; i-- {
		if !m.shards[i].full() {
			return m.shards[i]
		}
	}
	return nil
}

func (m *Manager) open() (Command, bool) {
	if m.maxShards > 0 && len(m.shards) >= m.maxShards {
		return Command{}, false
	}
	s := &Shard{ID: len(m.shards), Capacity: m.capacity}
	m.shards = append(m.shards, s)
	return Command{Kind: CommandOpenShard, ShardID: s.ID}, true
}

// Replay discards the current mapping and applies events in order. Adds
// refused for lack of capacity are returned in rejected unless a later event
// removed the instrument. Any other error stops the replay.
func (m *Manager) Replay(events []CDCEvent) (rejected []string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
	for _, ev := range events {
		if ev.Action == ActionRemove {
			rejected = without(rejected, ev.InstrumentID)
		}
		if _, err := m.apply(ev); errors.Is(err, ErrShardCapacityExceeded) {
			rejected = append(without(rejected, ev.InstrumentID), ev.InstrumentID)
		} else if err != nil {
			return rejected, err
		}
	}
	return rejected, nil
}

func (m *Manager) Reset() {
	m.mu.Lock()
	m.reset()
	m.mu.Unlock()
}

func (m *Manager) reset() {
	m.shards = nil
	m.owner = make(map[string]int)
}

// Rebalance repacks every assigned instrument, in shard then assignment
// order, into a fresh layout built by the same rules as Apply. It returns
// the commands that move the connectors from the old layout to the new one.
func (m *Manager) Rebalance() ([]Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var order []string
	before := make(map[string]int, len(m.owner))
	oldCount := len(m.shards)
	for _, s := range m.shards {
		for _, id := range s.Instruments {
			order = append(order, id)
			before[id] = s.ID
		}
	}

	prevShards, prevOwner := m.shards, m.owner
	m.reset()
	for _, id := range order {
		if _, err := m.add(id); err != nil {
			m.shards, m.owner = prevShards, prevOwner
			return nil, err
		}
	}

	var cmds []Command
	moved := make(map[int][]string)
	for _, id := range order {
		if before[id] != m.owner[id] {
			moved[before[id]] = append(moved[before[id]], id)
		}
	}
	for id := 0; id < oldCount; id++ {
		if len(moved[id]) > 0 {
			cmds = append(cmds, Command{Kind: CommandUnsubscribe, ShardID: id, Instruments: moved[id]})
		}
	}
	for id := len(m.shards); id < oldCount; id++ {
		cmds = append(cmds, Command{Kind: CommandCloseShard, ShardID: id})
	}
	for _, s := range m.shards {
		if s.ID >= oldCount {
			cmds = append(cmds, Command{Kind: CommandOpenShard, ShardID: s.ID})
		}
		var in []string
		for _, id := range s.Instruments {
			if before[id] != s.ID {
				in = append(in, id)
			}
		}
		if len(in) > 0 {
			cmds = append(cmds, Command{Kind: CommandSubscribe, ShardID: s.ID, Instruments: in})
		}
	}
	return cmds, nil
}

// Snapshot returns a copy of the current layout.
func (m *Manager) Snapshot() []Shard {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Shard, len(m.shards))
	for i, s := range m.shards {
		out[i] = Shard{ID: s.ID, Capacity: s.Capacity, Instruments: append([]string(nil), s.Instruments...)}
	}
	return out
}

// Counts returns the number of shards and assigned instruments.
func (m *Manager) Counts() (shards, instruments int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.shards), len(m.owner)
}
