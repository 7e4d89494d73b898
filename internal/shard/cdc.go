package shard

import (
	"context"
	"encoding/json"
	"fmt"

	"dayflow/internal/broker"
	"dayflow/logger"
)

// CDCSource reads instrument changes from a JetStream durable consumer.
// A message is acknowledged once its event is queued for the runner.
type CDCSource struct {
	consumer broker.Consumer
	log      *logger.Entry
}

func NewCDCSource(c broker.Consumer) *CDCSource {
	return &CDCSource{
		consumer: c,
		log:      logger.GetLogger().WithComponent("shard_cdc"),
	}
}

func (s *CDCSource) Run(ctx context.Context, out chan<- CDCEvent) error {
	s.log.Info("starting cdc consumer")
	return s.consumer.Consume(ctx, func(ctx context.Context, msg broker.Message) error {
		var ev CDCEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return fmt.Errorf("%w: decode cdc event at %d: %v", broker.ErrPoison, msg.Sequence, err)
		}
		if ev.InstrumentID == "" {
			return fmt.Errorf("%w: cdc event at %d has no instrument_id", broker.ErrPoison, msg.Sequence)
		}
		if ev.Action == "" {
			ev.Action = ActionAdd
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = msg.Timestamp
		}
		select {
		case out <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}
