package combine

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRule_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		wantErr error
	}{
		{"valid addition", Rule{Inputs: []string{"a", "b"}, Output: "c"}, nil},
		{"valid multiplication", Rule{Inputs: []string{"a", "b", "c"}, Output: "d", Operation: OpMultiplication}, nil},
		{"duplicate inputs allowed", Rule{Inputs: []string{"a", "a"}, Output: "c"}, nil},
		{"missing output", Rule{Inputs: []string{"a", "b"}}, ErrEmptyOutput},
		{"no inputs", Rule{Output: "c"}, ErrTooFewInputs},
		{"single input", Rule{Inputs: []string{"a"}, Output: "c"}, ErrTooFewInputs},
		{"blank input", Rule{Inputs: []string{"a", ""}, Output: "c"}, ErrEmptyInput},
		{"unknown operation", Rule{Inputs: []string{"a", "b"}, Output: "c", Operation: "division"}, ErrUnknownOperation},
		{"unknown policy", Rule{Inputs: []string{"a", "b"}, Output: "c", Policy: "eager"}, ErrUnknownPolicy},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.rule.Validate()
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidateRules_Empty(t *testing.T) {
	if err := ValidateRules(nil); !errors.Is(err, ErrNoPaths) {
		t.Errorf("ValidateRules(nil) = %v, want ErrNoPaths", err)
	}
}

func TestValidateRules_ReportsIndex(t *testing.T) {
	err := ValidateRules([]Rule{
		{Inputs: []string{"a", "b"}, Output: "c"},
		{Inputs: []string{"a"}, Output: "d"},
	})
	if !errors.Is(err, ErrTooFewInputs) {
		t.Fatalf("ValidateRules = %v, want ErrTooFewInputs", err)
	}
	if want := `paths[1] "d": at least two input paths are required (got 1)`; err.Error() != want {
		t.Errorf("error text = %q, want %q", err.Error(), want)
	}
}

func TestParseOperation(t *testing.T) {
	tests := []struct {
		in   string
		want Operation
		ok   bool
	}{
		{"", OpAddition, true},
		{"addition", OpAddition, true},
		{"multiplication", OpMultiplication, true},
		{"subtraction", "", false},
	}
	for _, tc := range tests {
		got, err := ParseOperation(tc.in)
		if (err == nil) != tc.ok {
			t.Errorf("ParseOperation(%q) err = %v, want ok=%v", tc.in, err, tc.ok)
		}
		if got != tc.want {
			t.Errorf("ParseOperation(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEffectivePolicy(t *testing.T) {
	r := Rule{}
	if got := r.EffectivePolicy(PolicyStrict); got != PolicyStrict {
		t.Errorf("inherit: got %q", got)
	}
	r.Policy = PolicyLenient
	if got := r.EffectivePolicy(PolicyStrict); got != PolicyLenient {
		t.Errorf("override: got %q", got)
	}
}

func TestPaths_UnionInFirstSeenOrder(t *testing.T) {
	got := Paths([]Rule{
		{Inputs: []string{"b", "a"}, Output: "x"},
		{Inputs: []string{"a", "c", "c"}, Output: "y"},
	})
	if diff := cmp.Diff([]string{"b", "a", "c"}, got); diff != "" {
		t.Errorf("Paths mismatch (-want +got):\n%s", diff)
	}
}

func TestApply(t *testing.T) {
	tests := []struct {
		name   string
		op     Operation
		values []float64
		want   float64
		ok     bool
	}{
		{"sum", OpAddition, []float64{2, 3, 5}, 10, true},
		{"sum of nothing", OpAddition, nil, 0, true},
		{"sum negative", OpAddition, []float64{-1.5, 0.5}, -1, true},
		{"product", OpMultiplication, []float64{2, 3, 4}, 24, true},
		{"product of one", OpMultiplication, []float64{7}, 0, false},
		{"product of none", OpMultiplication, nil, 0, false},
		{"empty op adds", "", []float64{1, 2}, 3, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := apply(tc.op, tc.values)
			if ok != tc.ok || got != tc.want {
				t.Errorf("apply(%q, %v) = %v, %v; want %v, %v", tc.op, tc.values, got, ok, tc.want, tc.ok)
			}
		})
	}
}
