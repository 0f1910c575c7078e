// Package sink records life-support outcomes for observability. The
// controller only writes; readers exist for the status API and operators.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Fixed keys per transfer class.
const (
	KeyLifeSupportResult = "last_life_support_result"
	KeyLifeSupportError  = "last_life_support_error"
	KeyNativeSwapResult  = "last_native_swap_result"
	KeyNativeSwapError   = "last_native_swap_error"
)

// Record is one decision-state entry.
type Record struct {
	Key         string          `json:"key"`
	AttemptID   string          `json:"attempt_id"`
	Kind        string          `json:"kind"`
	Status      string          `json:"status"`
	ErrorCode   string          `json:"error_code,omitempty"`
	ErrorDetail string          `json:"error_detail,omitempty"`
	TxHash      string          `json:"tx_hash,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// Sink receives records keyed by a fixed identifier.
type Sink interface {
	Put(ctx context.Context, key string, rec Record) error
}

// Reader exposes the last record written under a key.
type Reader interface {
	Get(ctx context.Context, key string) (Record, bool, error)
}

// Fanout writes to every sink and reads from the first reader that has the key.
type Fanout struct {
	sinks []Sink
}

// NewFanout combines sinks, skipping nil entries.
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Put writes rec to all sinks. All sinks are attempted even if one fails.
func (f *Fanout) Put(ctx context.Context, key string, rec Record) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Put(ctx, key, rec); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}

// Get returns the first hit among sinks that can be read.
func (f *Fanout) Get(ctx context.Context, key string) (Record, bool, error) {
	var errs []error
	for _, s := range f.sinks {
		reader, ok := s.(Reader)
		if !ok {
			continue
		}
		rec, found, err := reader.Get(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if found {
			return rec, true, nil
		}
	}
	return Record{}, false, errors.Join(errs...)
}

var (
	_ Sink   = (*Fanout)(nil)
	_ Reader = (*Fanout)(nil)
)
