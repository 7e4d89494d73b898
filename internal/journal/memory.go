package journal

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Journal. Offsets are shared across topics, like
// stream sequences on a broker.
type Memory struct {
	mu     sync.RWMutex
	next   uint64
	topics map[string][]Record
	ids    map[string]uint64
	closed bool
}

func NewMemory() *Memory {
	return &Memory{
		next:   1,
		topics: make(map[string][]Record),
		ids:    make(map[string]uint64),
	}
}

func (m *Memory) Append(ctx context.Context, topic string, rec Record, opts ...AppendOption) (uint64, error) {
	o := newAppendOptions(opts)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if rec.ID != "" {
		if off, ok := m.ids[rec.ID]; ok {
			return off, nil
		}
	}
	if o.hasExpectLast {
		var last uint64
		if recs := m.topics[topic]; len(recs) > 0 {
			last = recs[len(recs)-1].Offset
		}
		if last != o.expectLast {
			return 0, fmt.Errorf("%s ends at %d, expected %d: %w", topic, last, o.expectLast, ErrConflict)
		}
	}
	rec.Offset = m.next
	m.next++
	rec.Data = append([]byte(nil), rec.Data...)
	m.topics[topic] = append(m.topics[topic], rec)
	if rec.ID != "" {
		m.ids[rec.ID] = rec.Offset
	}
	return rec.Offset, nil
}

func (m *Memory) ReadRange(ctx context.Context, topic string, from uint64, count int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	recs := m.topics[topic]
	i := sort.Search(len(recs), func(i int) bool { return recs[i].Offset >= from })
	end := len(recs)
	if count > 0 && i+count < end {
		end = i + count
	}
	out := make([]Record, end-i)
	copy(out, recs[i:end])
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
