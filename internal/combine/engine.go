package combine

import (
	"log/slog"
	"sync"
)

// State is the lifecycle state of an Engine.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
)

// SkipReason explains why a rule produced no output for a batch.
type SkipReason string

const (
	// SkipMissingInput: strict policy and at least one input is absent.
	SkipMissingInput SkipReason = "missing_input"
	// SkipTooFewValues: the operation needs more present values than exist.
	SkipTooFewValues SkipReason = "too_few_values"
)

// Update is one path/value observation. Inputs and outputs share the shape.
type Update struct {
	Path  string  `json:"path"`
	Value float64 `json:"value"`
}

// SkipFunc is called once per skipped rule during Evaluate.
type SkipFunc func(r Rule, reason SkipReason)

// Option configures an Engine.
type Option func(*Engine)

// WithDefaultPolicy sets the policy used by rules that do not set their own.
func WithDefaultPolicy(p Policy) Option {
	return func(e *Engine) {
		if p != "" {
			e.policy = p
		}
	}
}

// WithSkipHook registers fn to observe skipped rules. fn runs with the engine
// lock held and must not call back into the Engine.
func WithSkipHook(fn SkipFunc) Option {
	return func(e *Engine) { e.onSkip = fn }
}

// Engine owns a Store and a fixed rule set and turns input batches into
// output batches.
//
// All exported methods are safe for concurrent use. Batches are processed
// one at a time: a Process call completes before the next one starts.
type Engine struct {
	mu     sync.Mutex
	state  State
	rules  []Rule
	paths  []string
	store  *Store
	policy Policy
	onSkip SkipFunc
}

// NewEngine returns a stopped Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		state:  StateStopped,
		store:  NewStore(),
		policy: DefaultPolicy,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start validates rules and moves the engine to StateRunning with an empty
// store. On error the engine is left stopped and clean. Starting a running
// engine restarts it.
func (e *Engine) Start(rules []Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.resetLocked()
	if err := ValidateRules(rules); err != nil {
		return err
	}

	e.rules = make([]Rule, len(rules))
	for i, r := range rules {
		r.Inputs = append([]string(nil), r.Inputs...)
		e.rules[i] = r
	}
	e.paths = Paths(e.rules)
	e.state = StateRunning
	return nil
}

// Stop clears the store and forgets the rules. Stopping a stopped engine is
// a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
}

func (e *Engine) resetLocked() {
	e.store.Clear()
	e.rules = nil
	e.paths = nil
	e.state = StateStopped
}

// State reports the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// DefaultPolicy reports the policy applied to rules without their own.
func (e *Engine) DefaultPolicy() Policy {
	return e.policy
}

// Rules returns a copy of the active rule set (nil when stopped).
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rules == nil {
		return nil
	}
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Paths returns the input paths the active rules depend on.
func (e *Engine) Paths() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.paths...)
}

// Values returns a copy of the store.
func (e *Engine) Values() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Snapshot()
}

// Apply records updates in order; a later update for the same path wins.
// Updates arriving while stopped are dropped.
func (e *Engine) Apply(updates []Update) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applyLocked(updates)
}

// Evaluate computes every rule against the current store and returns the
// outputs in rule declaration order. It does not mutate the store, so two
// calls without an intervening Apply return equal batches.
func (e *Engine) Evaluate() []Update {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evaluateLocked()
}

// Process applies one batch and evaluates it atomically.
func (e *Engine) Process(updates []Update) []Update {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applyLocked(updates)
	return e.evaluateLocked()
}

func (e *Engine) applyLocked(updates []Update) {
	if e.state != StateRunning {
		return
	}
	for _, u := range updates {
		e.store.Record(u.Path, u.Value)
	}
}

func (e *Engine) evaluateLocked() []Update {
	if e.state != StateRunning {
		return nil
	}

	var out []Update
	values := make([]float64, 0, 8)
	for _, r := range e.rules {
		values = values[:0]
		missing := 0
		for _, in := range r.Inputs {
			v, ok := e.store.Get(in)
			if !ok {
				missing++
				continue
			}
			values = append(values, v)
		}

		if missing > 0 && r.EffectivePolicy(e.policy) == PolicyStrict {
			e.skip(r, SkipMissingInput)
			continue
		}

		result, ok := apply(r.EffectiveOperation(), values)
		if !ok {
			e.skip(r, SkipTooFewValues)
			continue
		}
		out = append(out, Update{Path: r.Output, Value: result})
	}
	return out
}

func (e *Engine) skip(r Rule, reason SkipReason) {
	slog.Debug("combine: missing values for computation",
		"output", r.Output, "reason", string(reason))
	if e.onSkip != nil {
		e.onSkip(r, reason)
	}
}
