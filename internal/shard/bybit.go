package shard

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"

	"dayflow/logger"
)

const (
	bybitDefaultURL = "wss://stream.bybit.com/v5/public/linear"
	bybitDepthTopic = "orderbook.50."
	bybitStaleAfter = 2 * time.Minute
)

func init() {
	Register("bybit", func(opts ConnectorOptions) (Connector, error) { return NewBybitConnector(opts), nil })
}

// BybitConnector holds one public websocket per shard. The SDK offers no
// unsubscribe, so removing instruments reconnects with the remaining set.
type BybitConnector struct {
	url       string
	onMessage func(string, []byte)
	log       *logger.Entry

	// connMu serializes connection changes; mu guards what the read loop
	// touches so Disconnect never waits on a handler blocked behind connMu.
	connMu sync.Mutex
	ws     *bybit.WebSocket
	closed bool

	mu        sync.RWMutex
	subs      map[string]string
	lastFrame time.Time
}

func NewBybitConnector(opts ConnectorOptions) *BybitConnector {
	url := opts.URL
	if url == "" {
		url = bybitDefaultURL
	}
	return &BybitConnector{
		url:       url,
		onMessage: opts.OnMessage,
		log: logger.GetLogger().WithComponent("shard_connector").WithFields(logger.Fields{
			"env":      opts.Env,
			"shard_id": opts.ShardID,
			"exchange": "bybit",
		}),
		subs: make(map[string]string),
	}
}

// handle forwards orderbook frames of subscribed symbols. Frames for symbols
// dropped since the last reconnect are ignored.
func (c *BybitConnector) handle(message string) error {
	var base struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal([]byte(message), &base); err != nil {
		return nil
	}
	if !strings.HasPrefix(base.Topic, bybitDepthTopic) {
		return nil
	}
	symbol := strings.TrimPrefix(base.Topic, bybitDepthTopic)

	c.mu.Lock()
	c.lastFrame = time.Now()
	id, ok := c.subs[symbol]
	c.mu.Unlock()
	if ok && c.onMessage != nil {
		c.onMessage(id, []byte(message))
	}
	return nil
}

func topics(instruments []string) []string {
	args := make([]string, len(instruments))
	for i, id := range instruments {
		args[i] = bybitDepthTopic + strings.ToUpper(id)
	}
	return args
}

func (c *BybitConnector) connectLocked() error {
	ws := bybit.NewBybitPublicWebSocket(c.url, c.handle)
	if ws == nil || ws.Connect() == nil {
		return fmt.Errorf("failed to connect to bybit websocket %s", c.url)
	}
	c.ws = ws
	c.mu.Lock()
	c.lastFrame = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *BybitConnector) Subscribe(_ context.Context, instruments []string) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.closed {
		return fmt.Errorf("connector closed")
	}

	c.mu.RLock()
	var fresh []string
	for _, id := range instruments {
		if _, ok := c.subs[strings.ToUpper(id)]; !ok {
			fresh = append(fresh, id)
		}
	}
	c.mu.RUnlock()
	if len(fresh) == 0 {
		return nil
	}
	if c.ws == nil {
		if err := c.connectLocked(); err != nil {
			return err
		}
	}

	// Register first so the first frames are not dropped.
	c.mu.Lock()
	for _, id := range fresh {
		c.subs[strings.ToUpper(id)] = id
	}
	c.mu.Unlock()
	if _, err := c.ws.SendSubscription(topics(fresh)); err != nil {
		c.mu.Lock()
		for _, id := range fresh {
			delete(c.subs, strings.ToUpper(id))
		}
		c.mu.Unlock()
		return fmt.Errorf("bybit subscribe %s: %w", strings.Join(fresh, ","), err)
	}
	return nil
}

func (c *BybitConnector) Unsubscribe(_ context.Context, instruments []string) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.mu.Lock()
	removed := 0
	for _, id := range instruments {
		if _, ok := c.subs[strings.ToUpper(id)]; ok {
			delete(c.subs, strings.ToUpper(id))
			removed++
		}
	}
	remaining := make([]string, 0, len(c.subs))
	for _, id := range c.subs {
		remaining = append(remaining, id)
	}
	c.mu.Unlock()
	if removed == 0 || c.ws == nil {
		return nil
	}

	c.ws.Disconnect()
	c.ws = nil
	if len(remaining) == 0 {
		return nil
	}
	if err := c.connectLocked(); err != nil {
		return err
	}
	sort.Strings(remaining)
	if _, err := c.ws.SendSubscription(topics(remaining)); err != nil {
		return fmt.Errorf("bybit resubscribe: %w", err)
	}
	c.log.WithFields(logger.Fields{"removed": removed, "remaining": len(remaining)}).Info("reconnected without removed instruments")
	return nil
}

// Healthcheck fails when a shard with subscriptions has been silent for
// longer than bybitStaleAfter.
func (c *BybitConnector) Healthcheck(context.Context) error {
	c.connMu.Lock()
	connected := c.ws != nil
	c.connMu.Unlock()

	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subs) == 0 {
		return nil
	}
	if !connected {
		return fmt.Errorf("bybit websocket not connected")
	}
	if silent := time.Since(c.lastFrame); silent > bybitStaleAfter {
		return fmt.Errorf("bybit websocket silent for %s", silent.Round(time.Second))
	}
	return nil
}

func (c *BybitConnector) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.closed = true
	if c.ws != nil {
		c.ws.Disconnect()
		c.ws = nil
	}
	c.mu.Lock()
	c.subs = make(map[string]string)
	c.mu.Unlock()
	return nil
}
