package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/obsidianstack/combiner/internal/combine"
	"github.com/obsidianstack/combiner/internal/config"
	"github.com/obsidianstack/combiner/pkg/types"
)

// TimestampFormat renders update timestamps as ISO-8601 UTC with millisecond
// precision, e.g. 2026-10-19T08:30:00.000Z.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Transport delivers complete deltas to a destination.
type Transport interface {
	Send(ctx context.Context, d *types.Delta) error
	Close() error
}

// Runner is implemented by transports that need a background loop.
type Runner interface {
	Run(ctx context.Context)
}

// Emitter wraps output batches in a delta envelope and hands them to a
// Transport.
type Emitter struct {
	label     string
	context   string
	clock     clock.Clock
	transport Transport
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithClock replaces the wall clock used for update timestamps.
func WithClock(c clock.Clock) EmitterOption {
	return func(e *Emitter) { e.clock = c }
}

// NewEmitter returns an Emitter labelling updates with label under the delta
// context deltaContext.
func NewEmitter(label, deltaContext string, t Transport, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		label:     label,
		context:   deltaContext,
		clock:     clock.New(),
		transport: t,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Envelope builds the delta for outputs: one update carrying the source
// label, the current timestamp and the values in the given order.
func (e *Emitter) Envelope(outputs []combine.Update) *types.Delta {
	values := make([]types.PathValue, 0, len(outputs))
	for _, o := range outputs {
		values = append(values, types.PathValue{Path: o.Path, Value: types.NumberValue(o.Value)})
	}
	return &types.Delta{
		Context: e.context,
		Updates: []types.Update{{
			Source:    &types.Source{Label: e.label},
			Timestamp: e.clock.Now().UTC().Format(TimestampFormat),
			Values:    values,
		}},
	}
}

// Emit publishes outputs. An empty batch is not sent.
func (e *Emitter) Emit(ctx context.Context, outputs []combine.Update) error {
	if len(outputs) == 0 {
		return nil
	}
	if err := e.transport.Send(ctx, e.Envelope(outputs)); err != nil {
		return fmt.Errorf("sink: emit %d values: %w", len(outputs), err)
	}
	return nil
}

// Close closes the underlying transport.
func (e *Emitter) Close() error {
	return e.transport.Close()
}

// New builds the transport configured by cfg.
func New(cfg config.Sink) (Transport, error) {
	switch cfg.Type {
	case "signalk":
		return NewShipper(cfg.BufferSize, DialSignalK(cfg)), nil
	case "mqtt":
		return NewMQTT(cfg), nil
	case "log":
		return Log{}, nil
	default:
		return nil, fmt.Errorf("sink: unsupported type %q", cfg.Type)
	}
}

// Fanout sends every delta to each transport in turn.
type Fanout []Transport

// Send delivers d to every transport and joins their errors.
func (f Fanout) Send(ctx context.Context, d *types.Delta) error {
	var errs []error
	for _, t := range f {
		if err := t.Send(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every transport and joins their errors.
func (f Fanout) Close() error {
	var errs []error
	for _, t := range f {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run starts the background loop of every member that has one and blocks
// until ctx is cancelled.
func (f Fanout) Run(ctx context.Context) {
	for _, t := range f {
		if r, ok := t.(Runner); ok {
			go r.Run(ctx)
		}
	}
	<-ctx.Done()
}

// sendTimeout bounds a single write when the caller's context has no deadline.
const sendTimeout = 10 * time.Second
