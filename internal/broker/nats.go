// Package broker connects to NATS JetStream and runs durable pull consumers
// for the feeds dayflow reads: security master CDC and captured market data.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"dayflow/config"
	"dayflow/logger"
)

// ErrPoison marks a message that can never be handled; it is terminated
// instead of redelivered.
var ErrPoison = errors.New("poison message")

type Message struct {
	Subject   string
	Data      []byte
	Sequence  uint64
	Timestamp time.Time
}

// Consumer delivers messages one at a time to handle until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, handle func(context.Context, Message) error) error
}

func Connect(url, name string, timeout time.Duration) (*nats.Conn, error) {
	log := logger.GetLogger().WithComponent("broker").WithFields(logger.Fields{"client": name})
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithFields(logger.Fields{"url": c.ConnectedUrl()}).Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// Pull is a JetStream durable pull consumer. The durable is created when
// missing and bound afterwards, so unsubscribing never deletes it.
type Pull struct {
	js  nats.JetStreamContext
	cfg config.ConsumerConfig
	log *logger.Entry
}

func NewPull(nc *nats.Conn, cfg config.ConsumerConfig) (*Pull, error) {
	if cfg.Stream == "" || cfg.Durable == "" {
		return nil, fmt.Errorf("consumer needs a stream and a durable name")
	}
	if cfg.FetchSize <= 0 {
		cfg.FetchSize = 100
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = 5 * time.Second
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	p := &Pull{
		js:  js,
		cfg: cfg,
		log: logger.GetLogger().WithComponent("broker").WithFields(logger.Fields{
			"stream":  cfg.Stream,
			"durable": cfg.Durable,
		}),
	}
	if err := p.ensureConsumer(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pull) ensureConsumer() error {
	_, err := p.js.ConsumerInfo(p.cfg.Stream, p.cfg.Durable)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("consumer info %s/%s: %w", p.cfg.Stream, p.cfg.Durable, err)
	}
	_, err = p.js.AddConsumer(p.cfg.Stream, &nats.ConsumerConfig{
		Durable:       p.cfg.Durable,
		FilterSubject: p.cfg.Subject,
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s/%s: %w", p.cfg.Stream, p.cfg.Durable, err)
	}
	p.log.WithField("subject", p.cfg.Subject).Info("created durable consumer")
	return nil
}

func (p *Pull) Consume(ctx context.Context, handle func(context.Context, Message) error) error {
	sub, err := p.js.PullSubscribe(p.cfg.Subject, p.cfg.Durable, nats.Bind(p.cfg.Stream, p.cfg.Durable))
	if err != nil {
		return fmt.Errorf("pull subscribe %s: %w", p.cfg.Durable, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchWait)
		msgs, err := sub.Fetch(p.cfg.FetchSize, nats.Context(fctx))
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.WithError(err).Warn("fetch failed; retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			m := Message{Subject: msg.Subject, Data: msg.Data}
			if meta, err := msg.Metadata(); err == nil {
				m.Sequence = meta.Sequence.Stream
				m.Timestamp = meta.Timestamp
			}
			err := handle(ctx, m)
			switch {
			case err == nil:
				if err := msg.Ack(); err != nil {
					p.log.WithError(err).WithField("seq", m.Sequence).Warn("ack failed")
				}
			case errors.Is(err, ErrPoison):
				p.log.WithError(err).WithField("seq", m.Sequence).Error("terminating message")
				_ = msg.Term()
			default:
				_ = msg.Nak()
				return err
			}
		}
	}
}
