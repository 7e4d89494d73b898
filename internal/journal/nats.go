package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"dayflow/config"
	"dayflow/internal/broker"
	"dayflow/logger"
)

const timestampHeader = "Dayflow-Timestamp"

// NATS stores records in a JetStream stream. Each topic maps to the subject
// {subject_prefix}.{topic}; offsets are stream sequence numbers and the record
// ID is sent as Nats-Msg-Id so the broker drops duplicate appends. ExpectLast
// maps to the expected last sequence of the topic's subject.
type NATS struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string
	prefix string
	wait   time.Duration
	log    *logger.Log
}

func NewNATS(cfg config.JournalConfig) (*NATS, error) {
	log := logger.GetLogger()

	nc, err := broker.Connect(cfg.URL, "dayflow-journal", cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	j := &NATS{
		nc:     nc,
		js:     js,
		stream: cfg.Stream,
		prefix: cfg.SubjectPrefix,
		wait:   cfg.ConnectTimeout,
		log:    log,
	}
	if j.wait <= 0 {
		j.wait = 5 * time.Second
	}

	if err := j.ensureStream(cfg); err != nil {
		nc.Close()
		return nil, err
	}
	return j, nil
}

func (j *NATS) ensureStream(cfg config.JournalConfig) error {
	_, err := j.js.StreamInfo(j.stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", j.stream, err)
	}

	replicas := cfg.Replicas
	if replicas <= 0 {
		replicas = 1
	}
	_, err = j.js.AddStream(&nats.StreamConfig{
		Name:       j.stream,
		Subjects:   []string{j.prefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Replicas:   replicas,
		MaxAge:     cfg.MaxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", j.stream, err)
	}
	j.log.WithComponent("journal").WithFields(logger.Fields{
		"stream":   j.stream,
		"subjects": j.prefix + ".>",
	}).Info("created journal stream")
	return nil
}

func (j *NATS) subject(topic string) string {
	return j.prefix + "." + strings.ReplaceAll(topic, " ", "_")
}

func (j *NATS) Append(ctx context.Context, topic string, rec Record, opts ...AppendOption) (uint64, error) {
	o := newAppendOptions(opts)
	msg := nats.NewMsg(j.subject(topic))
	msg.Data = rec.Data
	if rec.ID != "" {
		msg.Header.Set(nats.MsgIdHdr, rec.ID)
	}
	if !rec.Timestamp.IsZero() {
		msg.Header.Set(timestampHeader, rec.Timestamp.UTC().Format(time.RFC3339Nano))
	}

	pubOpts := []nats.PubOpt{nats.Context(ctx)}
	if o.hasExpectLast {
		pubOpts = append(pubOpts, nats.ExpectLastSequencePerSubject(o.expectLast))
	}
	ack, err := j.js.PublishMsg(msg, pubOpts...)
	if err != nil {
		var apiErr *nats.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence {
			return 0, fmt.Errorf("publish %s: %w: %w", msg.Subject, ErrConflict, err)
		}
		return 0, fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	if ack.Duplicate {
		j.log.WithComponent("journal").WithFields(logger.Fields{
			"subject": msg.Subject,
			"id":      rec.ID,
			"offset":  ack.Sequence,
		}).Debug("duplicate append ignored by broker")
	}
	return ack.Sequence, nil
}

func (j *NATS) ReadRange(ctx context.Context, topic string, from uint64, count int) ([]Record, error) {
	if from == 0 {
		from = 1
	}
	subject := j.subject(topic)

	last, err := j.js.GetLastMsg(j.stream, subject, nats.Context(ctx))
	if errors.Is(err, nats.ErrMsgNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last message %s: %w", subject, err)
	}
	if last.Sequence < from {
		return nil, nil
	}

	sub, err := j.js.SubscribeSync(subject,
		nats.BindStream(j.stream),
		nats.OrderedConsumer(),
		nats.StartSequence(from),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	var out []Record
	for count <= 0 || len(out) < count {
		waitCtx, cancel := context.WithTimeout(ctx, j.wait)
		msg, err := sub.NextMsgWithContext(waitCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("read %s at %d: %w", subject, from, err)
		}
		meta, err := msg.Metadata()
		if err != nil {
			return nil, fmt.Errorf("metadata %s: %w", subject, err)
		}
		out = append(out, Record{
			Offset:    meta.Sequence.Stream,
			ID:        msg.Header.Get(nats.MsgIdHdr),
			Data:      msg.Data,
			Timestamp: recordTime(msg, meta),
		})
		if meta.Sequence.Stream >= last.Sequence || meta.NumPending == 0 {
			break
		}
	}
	return out, nil
}

func recordTime(msg *nats.Msg, meta *nats.MsgMetadata) time.Time {
	if v := msg.Header.Get(timestampHeader); v != "" {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ts
		}
	}
	return meta.Timestamp
}

func (j *NATS) Close() error {
	if j.nc == nil {
		return nil
	}
	return j.nc.Drain()
}
