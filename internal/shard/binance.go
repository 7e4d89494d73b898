package shard

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/adshao/go-binance/v2/futures"

	"dayflow/logger"
)

func init() {
	Register("binance", func(opts ConnectorOptions) (Connector, error) { return NewBinanceConnector(opts), nil })
}

type binanceStream struct {
	doneC chan struct{}
	stopC chan struct{}
}

// BinanceConnector opens one futures diff depth stream per instrument.
type BinanceConnector struct {
	onMessage func(string, []byte)
	log       *logger.Entry

	mu      sync.Mutex
	streams map[string]binanceStream
	closed  bool
}

func NewBinanceConnector(opts ConnectorOptions) *BinanceConnector {
	return &BinanceConnector{
		onMessage: opts.OnMessage,
		log: logger.GetLogger().WithComponent("shard_connector").WithFields(logger.Fields{
			"env":      opts.Env,
			"shard_id": opts.ShardID,
			"exchange": "binance",
		}),
		streams: make(map[string]binanceStream),
	}
}

func (c *BinanceConnector) Subscribe(_ context.Context, instruments []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connector closed")
	}

	var failed []string
	for _, id := range instruments {
		if _, ok := c.streams[id]; ok {
			continue
		}
		symbol := strings.ToUpper(id)
		log := c.log.WithField("symbol", symbol)

		handler := func(event *futures.WsDepthEvent) {
			if c.onMessage == nil {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				log.WithError(err).Warn("failed to marshal depth event")
				return
			}
			c.onMessage(id, payload)
		}
		errHandler := func(err error) {
			if err != nil {
				log.WithError(err).Warn("websocket error")
			}
		}

		doneC, stopC, err := futures.WsDiffDepthServe(symbol, handler, errHandler)
		if err != nil {
			log.WithError(err).Error("failed to subscribe to diff depth stream")
			failed = append(failed, id)
			continue
		}
		c.streams[id] = binanceStream{doneC: doneC, stopC: stopC}
	}
	if len(failed) > 0 {
		return fmt.Errorf("binance subscribe failed for %s", strings.Join(failed, ","))
	}
	return nil
}

func (c *BinanceConnector) Unsubscribe(_ context.Context, instruments []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range instruments {
		if s, ok := c.streams[id]; ok {
			close(s.stopC)
			<-s.doneC
			delete(c.streams, id)
		}
	}
	return nil
}

// Healthcheck fails when any stream ended without being unsubscribed.
func (c *BinanceConnector) Healthcheck(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var dead []string
	for id, s := range c.streams {
		select {
		case <-s.doneC:
			dead = append(dead, id)
		default:
		}
	}
	if len(dead) > 0 {
		sort.Strings(dead)
		return fmt.Errorf("binance streams ended: %s", strings.Join(dead, ","))
	}
	return nil
}

func (c *BinanceConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, s := range c.streams {
		select {
		case <-s.doneC:
		default:
			close(s.stopC)
			<-s.doneC
		}
		delete(c.streams, id)
	}
	return nil
}
