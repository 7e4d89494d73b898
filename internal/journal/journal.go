// Package journal is the append-only event log that is the only source of
// truth for day lifecycle state. Records are grouped by topic and addressed by
// a monotonically increasing offset.
package journal

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed = errors.New("journal closed")
	// ErrConflict is returned by Append when the topic no longer ends at the
	// offset the caller expected.
	ErrConflict = errors.New("journal append conflict")
)

// Record is a single journal entry. ID is the producer assigned event ID and
// is used for idempotent appends.
type Record struct {
	Offset    uint64    `json:"offset"`
	ID        string    `json:"id"`
	Data      []byte    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

type Journal interface {
	// Append durably stores rec under topic and returns its offset. Appending
	// a record whose ID was already stored returns the original offset.
	Append(ctx context.Context, topic string, rec Record, opts ...AppendOption) (uint64, error)
	// ReadRange returns up to count records of topic with Offset >= from, in
	// offset order. An empty result means there is nothing at or after from.
	ReadRange(ctx context.Context, topic string, from uint64, count int) ([]Record, error)
}

type AppendOption func(*appendOptions)

type appendOptions struct {
	expectLast    uint64
	hasExpectLast bool
}

// ExpectLast makes the append fail with ErrConflict unless the last record of
// the topic has offset last. Zero expects an empty topic.
func ExpectLast(last uint64) AppendOption {
	return func(o *appendOptions) {
		o.expectLast = last
		o.hasExpectLast = true
	}
}

func newAppendOptions(opts []AppendOption) appendOptions {
	var o appendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ReadAll pages through topic from the first offset, calling fn for every
// record. pageSize bounds each ReadRange call.
func ReadAll(ctx context.Context, j Journal, topic string, pageSize int, fn func(Record) error) error {
	return ReadFrom(ctx, j, topic, 1, pageSize, fn)
}

// ReadFrom is ReadAll starting at offset from.
func ReadFrom(ctx context.Context, j Journal, topic string, from uint64, pageSize int, fn func(Record) error) error {
	if pageSize <= 0 {
		pageSize = 256
	}
	if from == 0 {
		from = 1
	}
	for {
		recs, err := j.ReadRange(ctx, topic, from, pageSize)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		for _, rec := range recs {
			if err := fn(rec); err != nil {
				return err
			}
		}
		from = recs[len(recs)-1].Offset + 1
		if len(recs) < pageSize {
			return nil
		}
	}
}
