package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/obsidianstack/combiner/internal/combine"
)

func TestMetrics_Batch(t *testing.T) {
	m := New(prometheus.NewRegistry())

	outs := []combine.Update{{Path: "electrical.batteries.total.current", Value: 20}}
	m.ObserveBatch(3, time.Millisecond)
	m.Published(outs)

	if got := testutil.ToFloat64(m.batches); got != 1 {
		t.Errorf("batches = %v", got)
	}
	if got := testutil.ToFloat64(m.updates); got != 3 {
		t.Errorf("updates = %v", got)
	}
	if got := testutil.ToFloat64(m.published); got != 1 {
		t.Errorf("published = %v", got)
	}
	if got := testutil.ToFloat64(m.outputs.WithLabelValues("electrical.batteries.total.current")); got != 20 {
		t.Errorf("output gauge = %v", got)
	}
}

func TestMetrics_Skip(t *testing.T) {
	m := New(prometheus.NewRegistry())
	r := combine.Rule{Output: "power", Operation: combine.OpMultiplication}
	m.Skip(r, combine.SkipTooFewValues)
	m.Skip(r, combine.SkipTooFewValues)

	want := `
# HELP combiner_rule_skips_total Rules skipped during evaluation, by reason.
# TYPE combiner_rule_skips_total counter
combiner_rule_skips_total{output="power",reason="too_few_values"} 2
`
	if err := testutil.CollectAndCompare(m.skipped, strings.NewReader(want)); err != nil {
		t.Error(err)
	}
}

func TestMetrics_StopResetsOutputs(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SetRunning(true)
	m.Published([]combine.Update{{Path: "a", Value: 1}})
	if got := testutil.ToFloat64(m.running); got != 1 {
		t.Errorf("running = %v", got)
	}

	m.SetRunning(false)
	if got := testutil.ToFloat64(m.running); got != 0 {
		t.Errorf("running = %v", got)
	}
	if n := testutil.CollectAndCount(m.outputs); n != 0 {
		t.Errorf("output series after stop = %d, want 0", n)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveBatch(1, 0)
	m.Published(nil)
	m.Skip(combine.Rule{}, combine.SkipMissingInput)
	m.SubscriptionError()
	m.EmitError()
	m.SetRunning(true)
}
