package shard

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Connector holds the upstream subscriptions of a single shard.
type Connector interface {
	Subscribe(ctx context.Context, instruments []string) error
	Unsubscribe(ctx context.Context, instruments []string) error
	Healthcheck(ctx context.Context) error
	Close() error
}

// ConnectorOptions are passed to a Factory for every shard it opens.
type ConnectorOptions struct {
	Env     string
	ShardID int
	URL     string
	// OnMessage receives every frame read from upstream.
	OnMessage func(instrument string, data []byte)
}

type Factory func(opts ConnectorOptions) (Connector, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a connector available under name. It panics on duplicates.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic("shard: connector registered twice: " + name)
	}
	registry[name] = f
}

func NewConnector(name string, opts ConnectorOptions) (Connector, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown connector %q (have %v)", name, Connectors())
	}
	return f(opts)
}

func Connectors() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register("noop", func(ConnectorOptions) (Connector, error) { return NewNoopConnector(), nil })
}

// NoopConnector tracks subscriptions without talking to anything.
type NoopConnector struct {
	mu     sync.Mutex
	subs   map[string]struct{}
	closed bool
}

func NewNoopConnector() *NoopConnector {
	return &NoopConnector{subs: make(map[string]struct{})}
}

func (c *NoopConnector) Subscribe(_ context.Context, instruments []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range instruments {
		c.subs[id] = struct{}{}
	}
	return nil
}

func (c *NoopConnector) Unsubscribe(_ context.Context, instruments []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range instruments {
		delete(c.subs, id)
	}
	return nil
}

func (c *NoopConnector) Healthcheck(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connector closed")
	}
	return nil
}

func (c *NoopConnector) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
