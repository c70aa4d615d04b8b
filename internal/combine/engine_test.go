package combine

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// sumRule and productRule build rules over the given inputs.
func sumRule(out string, in ...string) Rule {
	return Rule{Inputs: in, Output: out, Operation: OpAddition}
}

func productRule(out string, in ...string) Rule {
	return Rule{Inputs: in, Output: out, Operation: OpMultiplication}
}

// startEngine returns a running engine or fails the test.
func startEngine(t *testing.T, policy Policy, rules ...Rule) *Engine {
	t.Helper()
	e := NewEngine(WithDefaultPolicy(policy))
	if err := e.Start(rules); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return e
}

func ups(kv ...interface{}) []Update {
	out := make([]Update, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, Update{Path: kv[i].(string), Value: toFloat(kv[i+1])})
	}
	return out
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	}
	panic("unsupported number type")
}

// --- lifecycle ---

func TestEngine_NewIsStopped(t *testing.T) {
	e := NewEngine()
	if e.State() != StateStopped {
		t.Errorf("State() = %q, want %q", e.State(), StateStopped)
	}
	if out := e.Process(ups("a", 1)); out != nil {
		t.Errorf("Process on stopped engine = %v, want nil", out)
	}
	if len(e.Values()) != 0 {
		t.Error("stopped engine recorded values")
	}
}

func TestEngine_StartEmptyConfig(t *testing.T) {
	e := NewEngine()
	if err := e.Start(nil); !errors.Is(err, ErrNoPaths) {
		t.Fatalf("Start(nil) = %v, want ErrNoPaths", err)
	}
	if e.State() != StateStopped {
		t.Errorf("State() = %q after empty start, want stopped", e.State())
	}
}

func TestEngine_StartInvalidRule(t *testing.T) {
	e := NewEngine()
	err := e.Start([]Rule{sumRule("out", "only")})
	if !errors.Is(err, ErrTooFewInputs) {
		t.Fatalf("Start() = %v, want ErrTooFewInputs", err)
	}
	if e.State() != StateStopped {
		t.Errorf("State() = %q, want stopped", e.State())
	}
}

func TestEngine_StopIsIdempotent(t *testing.T) {
	e := startEngine(t, PolicyLenient, sumRule("c", "a", "b"))
	e.Stop()
	e.Stop()
	if e.State() != StateStopped {
		t.Errorf("State() = %q, want stopped", e.State())
	}
	if e.Rules() != nil {
		t.Error("Rules() non-nil after Stop")
	}
}

func TestEngine_RestartClearsStore(t *testing.T) {
	rules := []Rule{sumRule("c", "a", "b")}
	e := startEngine(t, PolicyStrict, rules...)
	e.Process(ups("a", 1, "b", 2))

	e.Stop()
	if err := e.Start(rules); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if _, ok := e.Values()["a"]; ok {
		t.Error("a survived restart")
	}
	// Only b is re-updated; strict policy must still see a as absent.
	if out := e.Process(ups("b", 5)); len(out) != 0 {
		t.Errorf("Process after restart = %v, want no outputs", out)
	}
}

func TestEngine_RulesAreCopied(t *testing.T) {
	inputs := []string{"a", "b"}
	e := startEngine(t, PolicyLenient, Rule{Inputs: inputs, Output: "c"})
	inputs[0] = "z"
	if got := e.Rules()[0].Inputs[0]; got != "a" {
		t.Errorf("engine rule mutated through caller slice: %q", got)
	}
}

func TestEngine_Paths(t *testing.T) {
	e := startEngine(t, PolicyLenient,
		sumRule("x", "a", "b"),
		productRule("y", "b", "c"),
	)
	if diff := cmp.Diff([]string{"a", "b", "c"}, e.Paths()); diff != "" {
		t.Errorf("Paths mismatch (-want +got):\n%s", diff)
	}
}

// --- store semantics ---

func TestEngine_LastWriteWinsAcrossBatches(t *testing.T) {
	e := startEngine(t, PolicyLenient, sumRule("c", "a", "b"))
	e.Apply(ups("a", 1, "b", 2, "a", 3))
	e.Apply(ups("b", 4))
	want := map[string]float64{"a": 3, "b": 4}
	if diff := cmp.Diff(want, e.Values()); diff != "" {
		t.Errorf("Values mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_EvaluateIsPure(t *testing.T) {
	e := startEngine(t, PolicyLenient, sumRule("c", "a", "b"), productRule("d", "a", "b"))
	e.Apply(ups("a", 2, "b", 3))
	first := e.Evaluate()
	second := e.Evaluate()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Evaluate not repeatable (-first +second):\n%s", diff)
	}
}

// --- operations and policies ---

func TestEngine_Evaluate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		rules   []Rule
		updates []Update
		want    []Update
	}{
		{
			name:    "addition all present",
			policy:  PolicyStrict,
			rules:   []Rule{sumRule("sum", "a", "b", "c")},
			updates: ups("a", 2, "b", 3, "c", 5),
			want:    ups("sum", 10),
		},
		{
			name:    "addition one absent strict",
			policy:  PolicyStrict,
			rules:   []Rule{sumRule("sum", "a", "b", "c")},
			updates: ups("a", 2, "b", 3),
			want:    nil,
		},
		{
			name:    "addition one absent lenient",
			policy:  PolicyLenient,
			rules:   []Rule{sumRule("sum", "a", "b", "c")},
			updates: ups("a", 2, "b", 3),
			want:    ups("sum", 5),
		},
		{
			name:    "addition nothing present lenient",
			policy:  PolicyLenient,
			rules:   []Rule{sumRule("sum", "a", "b")},
			updates: ups("unrelated", 1),
			want:    ups("sum", 0),
		},
		{
			name:    "default operation is addition",
			policy:  PolicyStrict,
			rules:   []Rule{{Inputs: []string{"a", "b"}, Output: "sum"}},
			updates: ups("a", 1.5, "b", 2.5),
			want:    ups("sum", 4),
		},
		{
			name:    "multiplication all present",
			policy:  PolicyStrict,
			rules:   []Rule{productRule("prod", "a", "b", "c")},
			updates: ups("a", 2, "b", 3, "c", 4),
			want:    ups("prod", 24),
		},
		{
			name:    "multiplication single value lenient",
			policy:  PolicyLenient,
			rules:   []Rule{productRule("prod", "a", "b")},
			updates: ups("a", 2),
			want:    nil,
		},
		{
			name:    "multiplication single value strict",
			policy:  PolicyStrict,
			rules:   []Rule{productRule("prod", "a", "b")},
			updates: ups("a", 2),
			want:    nil,
		},
		{
			name:    "multiplication partial lenient",
			policy:  PolicyLenient,
			rules:   []Rule{productRule("prod", "a", "b", "c")},
			updates: ups("a", 2, "c", 4),
			want:    ups("prod", 8),
		},
		{
			name:    "multiplication by zero",
			policy:  PolicyStrict,
			rules:   []Rule{productRule("prod", "a", "b")},
			updates: ups("a", 0, "b", 9),
			want:    ups("prod", 0),
		},
		{
			name:    "duplicate input counted per occurrence",
			policy:  PolicyStrict,
			rules:   []Rule{sumRule("twice", "a", "a")},
			updates: ups("a", 3),
			want:    ups("twice", 6),
		},
		{
			name:   "per-rule policy overrides default",
			policy: PolicyLenient,
			rules: []Rule{
				{Inputs: []string{"a", "b"}, Output: "strict", Policy: PolicyStrict},
				{Inputs: []string{"a", "b"}, Output: "lenient"},
			},
			updates: ups("a", 1),
			want:    ups("lenient", 1),
		},
		{
			name:   "shared input re-evaluates both rules in declared order",
			policy: PolicyStrict,
			rules: []Rule{
				productRule("power", "voltage", "current"),
				sumRule("total", "current", "other"),
			},
			updates: ups("voltage", 12, "other", 1, "current", 2),
			want:    ups("power", 24, "total", 3),
		},
		{
			name:    "last write in batch wins",
			policy:  PolicyStrict,
			rules:   []Rule{sumRule("sum", "a", "b")},
			updates: ups("a", 1, "b", 1, "a", 10),
			want:    ups("sum", 11),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := startEngine(t, tc.policy, tc.rules...)
			got := e.Process(tc.updates)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Process mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEngine_StrictRuleBecomesReady(t *testing.T) {
	e := startEngine(t, PolicyStrict, sumRule("sum", "a", "b"))
	if out := e.Process(ups("a", 1)); len(out) != 0 {
		t.Fatalf("first batch = %v, want none", out)
	}
	out := e.Process(ups("b", 2))
	if diff := cmp.Diff(ups("sum", 3), out); diff != "" {
		t.Errorf("second batch mismatch (-want +got):\n%s", diff)
	}
	// An unrelated batch still re-emits the derived value.
	out = e.Process(ups("x", 100))
	if diff := cmp.Diff(ups("sum", 3), out); diff != "" {
		t.Errorf("unrelated batch mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_EmptyBatchStillEvaluates(t *testing.T) {
	e := startEngine(t, PolicyStrict, sumRule("sum", "a", "b"))
	e.Process(ups("a", 1, "b", 2))
	if diff := cmp.Diff(ups("sum", 3), e.Process(nil)); diff != "" {
		t.Errorf("empty batch mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_SkipHook(t *testing.T) {
	type skip struct {
		output string
		reason SkipReason
	}
	var got []skip
	e := NewEngine(
		WithDefaultPolicy(PolicyLenient),
		WithSkipHook(func(r Rule, reason SkipReason) {
			got = append(got, skip{r.Output, reason})
		}),
	)
	err := e.Start([]Rule{
		{Inputs: []string{"a", "b"}, Output: "s", Policy: PolicyStrict},
		productRule("p", "a", "b"),
		sumRule("l", "a", "b"),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.Process(ups("a", 1))

	want := []skip{{"s", SkipMissingInput}, {"p", SkipTooFewValues}}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(skip{})); diff != "" {
		t.Errorf("skips mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_DefaultPolicyIsLenient(t *testing.T) {
	e := NewEngine()
	if e.DefaultPolicy() != PolicyLenient {
		t.Errorf("DefaultPolicy() = %q, want lenient", e.DefaultPolicy())
	}
	e = NewEngine(WithDefaultPolicy(""))
	if e.DefaultPolicy() != PolicyLenient {
		t.Errorf("empty option changed default to %q", e.DefaultPolicy())
	}
}
