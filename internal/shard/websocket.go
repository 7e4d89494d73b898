package shard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dayflow/logger"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultKeepAlive      = 20 * time.Second
	writeWait             = time.Second
)

func init() {
	Register("websocket", func(opts ConnectorOptions) (Connector, error) { return NewWebsocketConnector(opts) })
}

type subscribeFrame struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
	ID   int      `json:"id"`
}

type dataFrame struct {
	Instrument string `json:"instrument"`
	Symbol     string `json:"symbol"`
}

// WebsocketConnector keeps one connection per shard and replays its
// subscriptions after every reconnect.
type WebsocketConnector struct {
	url       string
	onMessage func(string, []byte)
	log       *logger.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]struct{}
	nextID int
}

func NewWebsocketConnector(opts ConnectorOptions) (*WebsocketConnector, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("websocket connector needs shards.url")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &WebsocketConnector{
		url:       opts.URL,
		onMessage: opts.OnMessage,
		log: logger.GetLogger().WithComponent("shard_connector").WithFields(logger.Fields{
			"env":      opts.Env,
			"shard_id": opts.ShardID,
			"url":      opts.URL,
		}),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c, nil
}

func (c *WebsocketConnector) run() {
	defer c.wg.Done()
	for {
		if c.ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(c.ctx, c.url, nil)
		if err != nil {
			c.log.WithError(err).Warn("failed to connect websocket")
			if waitForReconnect(c.ctx, defaultReconnectDelay) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		resub := make([]string, 0, len(c.subs))
		for id := range c.subs {
			resub = append(resub, id)
		}
		var serr error
		if len(resub) > 0 {
			serr = c.writeLocked("subscribe", resub)
		}
		c.mu.Unlock()
		if serr != nil {
			c.log.WithError(serr).Warn("failed to replay subscriptions")
		}

		pingCancel := c.startPingLoop(conn)
		if err := c.readMessages(conn); err != nil && c.ctx.Err() == nil {
			c.log.WithError(err).Warn("websocket read loop ended")
		}
		pingCancel()

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		if waitForReconnect(c.ctx, defaultReconnectDelay) {
			return
		}
	}
}

func (c *WebsocketConnector) readMessages(conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if c.onMessage == nil {
			continue
		}
		var f dataFrame
		if json.Unmarshal(msg, &f) != nil {
			continue
		}
		id := f.Instrument
		if id == "" {
			id = f.Symbol
		}
		if id != "" {
			c.onMessage(id, msg)
		}
	}
}

func (c *WebsocketConnector) startPingLoop(conn *websocket.Conn) context.CancelFunc {
	ctx, cancel := context.WithCancel(c.ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(defaultKeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					c.log.WithError(err).Warn("failed to send websocket ping")
					return
				}
			}
		}
	}()
	return cancel
}

// writeLocked sends a subscription frame; c.mu must be held.
func (c *WebsocketConnector) writeLocked(op string, instruments []string) error {
	if c.conn == nil {
		return nil
	}
	c.nextID++
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(subscribeFrame{Op: op, Args: instruments, ID: c.nextID})
}

func (c *WebsocketConnector) Subscribe(_ context.Context, instruments []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range instruments {
		c.subs[id] = struct{}{}
	}
	// Not yet connected: the reconnect loop sends everything in subs.
	return c.writeLocked("subscribe", instruments)
}

func (c *WebsocketConnector) Unsubscribe(_ context.Context, instruments []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range instruments {
		delete(c.subs, id)
	}
	return c.writeLocked("unsubscribe", instruments)
}

func (c *WebsocketConnector) Healthcheck(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return errors.New("connector closed")
	}
	if c.conn == nil {
		return fmt.Errorf("websocket %s not connected", c.url)
	}
	return nil
}

func (c *WebsocketConnector) Close() error {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
