// Package plugin hosts the combiner: it subscribes to every input path,
// feeds each delivered batch through the engine, emits the outputs and keeps
// the status reporter informed.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/obsidianstack/combiner/internal/combine"
	"github.com/obsidianstack/combiner/internal/config"
	"github.com/obsidianstack/combiner/internal/metrics"
	"github.com/obsidianstack/combiner/internal/source"
	"github.com/obsidianstack/combiner/internal/status"
	"github.com/obsidianstack/combiner/pkg/types"
)

const (
	DefaultName        = "Value combiner"
	DefaultDescription = "Combine values from multiple Signal K paths"

	StatusNoPaths  = "No paths configured"
	StatusNoValues = "No values to publish"
)

// StatusPublished is the status after a batch produced n outputs.
func StatusPublished(n int) string {
	return fmt.Sprintf("Published %d values", n)
}

// Emitter publishes an output batch.
type Emitter interface {
	Emit(ctx context.Context, outputs []combine.Update) error
}

// Plugin wires a subscription source, the engine, an emitter and a status
// reporter together.
type Plugin struct {
	ID          string
	Name        string
	Description string

	subscriber source.Subscriber
	src        config.Source
	emitter    Emitter
	reporter   status.Reporter
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	engine     *combine.Engine

	// lifeMu serialises Start, Stop and Reload. It is never taken on the
	// delivery path, so Stop can wait for the source's reader to exit.
	lifeMu sync.Mutex
	sub    source.Subscription

	// batchMu keeps batches from overlapping even if a Subscriber delivers
	// concurrently.
	batchMu sync.Mutex

	outMu       sync.RWMutex
	lastOutputs []combine.Update
}

// Option configures a Plugin.
type Option func(*Plugin)

// WithReporter sets the status reporter. The default only logs.
func WithReporter(r status.Reporter) Option {
	return func(p *Plugin) { p.reporter = r }
}

// WithMetrics records batch and rule metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Plugin) { p.metrics = m }
}

// WithTracer traces each batch with t.
func WithTracer(t trace.Tracer) Option {
	return func(p *Plugin) { p.tracer = t }
}

// WithID overrides the plugin id.
func WithID(id string) Option {
	return func(p *Plugin) {
		if id != "" {
			p.ID = id
		}
	}
}

// New returns a stopped Plugin reading from sub with the request settings in
// src and publishing through emitter.
func New(sub source.Subscriber, src config.Source, emitter Emitter, opts ...Option) *Plugin {
	p := &Plugin{
		ID:          config.DefaultPluginID,
		Name:        DefaultName,
		Description: DefaultDescription,
		subscriber:  sub,
		src:         src,
		emitter:     emitter,
		reporter:    logReporter{},
		tracer:      noop.NewTracerProvider().Tracer(""),
	}
	for _, o := range opts {
		o(p)
	}
	p.engine = combine.NewEngine(combine.WithSkipHook(p.metrics.Skip))
	return p
}

// Start applies settings and subscribes to every input path. A running
// plugin is stopped first.
//
// An empty path list is not an error: the status reads "No paths configured"
// and the plugin stays stopped. Invalid rules and subscription failures are
// reported and returned; the plugin stays stopped.
func (p *Plugin) Start(ctx context.Context, settings config.CombinerConfig) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	p.stopLocked()

	if len(settings.Paths) == 0 {
		p.reporter.SetStatus(StatusNoPaths)
		return nil
	}

	rules, err := resolveRules(settings)
	if err == nil {
		err = p.engine.Start(rules)
	}
	if err != nil {
		err = fmt.Errorf("plugin: %w", err)
		p.reporter.SetError(err.Error())
		return err
	}

	req := source.RequestFor(p.src, p.engine.Paths())
	sub, err := p.subscriber.Subscribe(ctx, req, source.Handler{
		OnDelta: func(d *types.Delta) { p.HandleDelta(ctx, d) },
		OnError: p.handleError,
	})
	if err != nil {
		p.engine.Stop()
		err = fmt.Errorf("plugin: subscribe: %w", err)
		p.reporter.SetError(err.Error())
		return err
	}
	p.sub = sub
	p.setRunning(true)

	slog.Info("plugin: started",
		"id", p.ID, "rules", len(rules), "paths", len(req.Paths), "context", req.Context)
	return nil
}

// resolveRules converts the configured paths, giving rules without a policy
// the configured default.
func resolveRules(settings config.CombinerConfig) ([]combine.Rule, error) {
	def := combine.DefaultPolicy
	if settings.Policy != "" {
		pol, err := combine.ParsePolicy(settings.Policy)
		if err != nil {
			return nil, err
		}
		def = pol
	}
	rules := settings.Rules()
	for i := range rules {
		if rules[i].Policy == "" {
			rules[i].Policy = def
		}
	}
	return rules, nil
}

// Stop releases the subscription and clears all values. Stopping a stopped
// plugin is a no-op. It must not be called from inside a delta callback.
func (p *Plugin) Stop() {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	p.stopLocked()
}

func (p *Plugin) stopLocked() {
	wasRunning := p.sub != nil || p.engine.State() == combine.StateRunning
	if p.sub != nil {
		if err := p.sub.Close(); err != nil {
			slog.Warn("plugin: close subscription", "err", err)
		}
		p.sub = nil
	}
	p.engine.Stop()

	p.outMu.Lock()
	p.lastOutputs = nil
	p.outMu.Unlock()

	if wasRunning {
		p.setRunning(false)
		slog.Info("plugin: stopped", "id", p.ID)
	}
}

// Reload stops the plugin and starts it again with settings.
func (p *Plugin) Reload(ctx context.Context, settings config.CombinerConfig) error {
	slog.Info("plugin: reloading", "id", p.ID, "paths", len(settings.Paths))
	return p.Start(ctx, settings)
}

func (p *Plugin) setRunning(running bool) {
	p.metrics.SetRunning(running)
	if sr, ok := p.reporter.(status.ServingReporter); ok {
		sr.SetServing(running)
	}
}

// HandleDelta processes one inbound batch: every numeric value is recorded,
// every rule evaluated and the outputs emitted.
func (p *Plugin) HandleDelta(ctx context.Context, d *types.Delta) {
	p.batchMu.Lock()
	defer p.batchMu.Unlock()

	if p.engine.State() != combine.StateRunning {
		return
	}

	nums := d.Numbers()
	updates := make([]combine.Update, len(nums))
	for i, n := range nums {
		updates[i] = combine.Update{Path: n.Path, Value: n.Value}
	}
	if skipped := d.Skipped(); skipped > 0 {
		slog.Debug("plugin: ignored non-numeric values", "count", skipped)
	}

	ctx, span := p.tracer.Start(ctx, "combiner.batch",
		trace.WithAttributes(attribute.Int("combiner.updates", len(updates))))
	defer span.End()

	start := time.Now()
	outputs := p.engine.Process(updates)
	p.metrics.ObserveBatch(len(updates), time.Since(start))
	span.SetAttributes(attribute.Int("combiner.outputs", len(outputs)))

	p.outMu.Lock()
	p.lastOutputs = outputs
	p.outMu.Unlock()

	if len(outputs) == 0 {
		p.reporter.SetStatus(StatusNoValues)
		return
	}

	if err := p.emitter.Emit(ctx, outputs); err != nil {
		p.metrics.EmitError()
		span.RecordError(err)
		span.SetStatus(codes.Error, "emit failed")
		p.reporter.SetError(err.Error())
		return
	}
	p.metrics.Published(outputs)
	p.reporter.SetStatus(StatusPublished(len(outputs)))
}

func (p *Plugin) handleError(err error) {
	p.metrics.SubscriptionError()
	p.reporter.SetError(err.Error())
}

// State reports the engine state.
func (p *Plugin) State() combine.State {
	return p.engine.State()
}

// Rules returns the active rules.
func (p *Plugin) Rules() []combine.Rule {
	return p.engine.Rules()
}

// Values returns a copy of the value store.
func (p *Plugin) Values() map[string]float64 {
	return p.engine.Values()
}

// LastOutputs returns the outputs of the most recent batch.
func (p *Plugin) LastOutputs() []combine.Update {
	p.outMu.RLock()
	defer p.outMu.RUnlock()
	return append([]combine.Update(nil), p.lastOutputs...)
}

// Status returns the reporter's current status when it keeps one.
func (p *Plugin) Status() status.Status {
	if t, ok := p.reporter.(interface{ Status() status.Status }); ok {
		return t.Status()
	}
	return status.Status{Serving: p.State() == combine.StateRunning}
}

// logReporter is the fallback Reporter.
type logReporter struct{}

func (logReporter) SetStatus(msg string) { slog.Info("status: " + msg) }
func (logReporter) SetError(msg string)  { slog.Error("status: error", "err", msg) }
