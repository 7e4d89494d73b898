package shard

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	"github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/futurespublic"
	"github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"

	"dayflow/logger"
)

const kucoinDefaultURL = "https://api-futures.kucoin.com"

func init() {
	Register("kucoin", func(opts ConnectorOptions) (Connector, error) { return NewKucoinConnector(opts), nil })
}

// KucoinConnector subscribes futures level2 increments over one public
// websocket per shard. The websocket is started on first subscribe.
type KucoinConnector struct {
	url       string
	onMessage func(string, []byte)
	log       *logger.Entry

	mu     sync.Mutex
	ws     futurespublic.FuturesPublicWS
	subs   map[string]string
	closed bool
}

func NewKucoinConnector(opts ConnectorOptions) *KucoinConnector {
	url := opts.URL
	if url == "" {
		url = kucoinDefaultURL
	}
	return &KucoinConnector{
		url:       url,
		onMessage: opts.OnMessage,
		log: logger.GetLogger().WithComponent("shard_connector").WithFields(logger.Fields{
			"env":      opts.Env,
			"shard_id": opts.ShardID,
			"exchange": "kucoin",
		}),
		subs: make(map[string]string),
	}
}

func (c *KucoinConnector) startLocked() error {
	option := types.NewClientOptionBuilder().
		WithFuturesEndpoint(c.url).
		WithWebSocketClientOption(types.NewWebSocketClientOptionBuilder().Build()).
		Build()
	ws := api.NewClient(option).WsService().NewFuturesPublicWS()
	if ws == nil {
		return fmt.Errorf("failed to create kucoin futures websocket client")
	}
	if err := ws.Start(); err != nil {
		return fmt.Errorf("failed to start kucoin websocket service: %w", err)
	}
	c.ws = ws
	return nil
}

func (c *KucoinConnector) Subscribe(_ context.Context, instruments []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connector closed")
	}
	if c.ws == nil {
		if err := c.startLocked(); err != nil {
			return err
		}
	}

	var failed []string
	for _, id := range instruments {
		if _, ok := c.subs[id]; ok {
			continue
		}
		instrument := id
		symbol := strings.ToUpper(id)
		subID, err := c.ws.OrderbookIncrement(symbol, func(_, _ string, data *futurespublic.OrderbookIncrementEvent) error {
			if data == nil || c.onMessage == nil {
				return nil
			}
			payload, err := json.Marshal(data)
			if err != nil {
				c.log.WithError(err).WithField("symbol", symbol).Warn("failed to marshal level2 event")
				return nil
			}
			c.onMessage(instrument, payload)
			return nil
		})
		if err != nil {
			c.log.WithError(err).WithField("symbol", symbol).Error("failed to subscribe to level2 stream")
			failed = append(failed, id)
			continue
		}
		c.subs[id] = subID
	}
	if len(failed) > 0 {
		return fmt.Errorf("kucoin subscribe failed for %s", strings.Join(failed, ","))
	}
	return nil
}

func (c *KucoinConnector) Unsubscribe(_ context.Context, instruments []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range instruments {
		subID, ok := c.subs[id]
		if !ok {
			continue
		}
		if c.ws != nil && subID != "" {
			c.ws.UnSubscribe(subID)
		}
		delete(c.subs, id)
	}
	return nil
}

func (c *KucoinConnector) Healthcheck(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) > 0 && c.ws == nil {
		return fmt.Errorf("kucoin websocket not started")
	}
	return nil
}

func (c *KucoinConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.ws != nil {
		for _, subID := range c.subs {
			if subID != "" {
				c.ws.UnSubscribe(subID)
			}
		}
		c.ws.Stop()
		c.ws = nil
	}
	c.subs = make(map[string]string)
	return nil
}
