package combine

import (
	"errors"
	"fmt"
)

// Operation is the arithmetic a Rule applies to its gathered input values.
type Operation string

// Supported operations. An empty Operation behaves as OpAddition so that
// configurations written before multiplication existed keep working.
const (
	OpAddition       Operation = "addition"
	OpMultiplication Operation = "multiplication"
)

// Policy governs whether a rule may compute while some inputs are absent.
type Policy string

const (
	// PolicyStrict skips a rule until every input has been seen at least once.
	PolicyStrict Policy = "strict"
	// PolicyLenient computes over whichever inputs currently have values.
	PolicyLenient Policy = "lenient"
)

// DefaultPolicy is the engine-wide policy used when none is configured.
const DefaultPolicy = PolicyLenient

// Configuration errors returned by Validate and ValidateRules.
var (
	ErrNoPaths          = errors.New("no paths configured")
	ErrEmptyOutput      = errors.New("output path is required")
	ErrTooFewInputs     = errors.New("at least two input paths are required")
	ErrEmptyInput       = errors.New("input path must not be empty")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrUnknownPolicy    = errors.New("unknown policy")
)

// Rule describes one derived output value.
type Rule struct {
	// Description is free text shown to operators; it has no effect.
	Description string

	// Inputs are the paths whose latest values are combined, in order.
	// Duplicates are allowed and contribute once per occurrence.
	Inputs []string

	// Output is the path the combined value is published under.
	Output string

	// Operation defaults to OpAddition when empty.
	Operation Operation

	// Policy overrides the engine default when non-empty.
	Policy Policy
}

// ParseOperation converts a configuration string to an Operation.
// The empty string yields OpAddition.
func ParseOperation(s string) (Operation, error) {
	switch Operation(s) {
	case "", OpAddition:
		return OpAddition, nil
	case OpMultiplication:
		return OpMultiplication, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownOperation, s)
}

// ParsePolicy converts a configuration string to a Policy.
// The empty string yields the empty Policy, meaning "inherit".
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyStrict, PolicyLenient:
		return Policy(s), nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownPolicy, s)
}

// EffectiveOperation returns the operation the rule applies.
func (r Rule) EffectiveOperation() Operation {
	if r.Operation == "" {
		return OpAddition
	}
	return r.Operation
}

// EffectivePolicy returns the rule's policy, or def when the rule has none.
func (r Rule) EffectivePolicy(def Policy) Policy {
	if r.Policy == "" {
		return def
	}
	return r.Policy
}

// Validate checks the structural constraints of a single rule.
func (r Rule) Validate() error {
	if r.Output == "" {
		return ErrEmptyOutput
	}
	if len(r.Inputs) < 2 {
		return fmt.Errorf("%w (got %d)", ErrTooFewInputs, len(r.Inputs))
	}
	for i, in := range r.Inputs {
		if in == "" {
			return fmt.Errorf("input[%d]: %w", i, ErrEmptyInput)
		}
	}
	if _, err := ParseOperation(string(r.Operation)); err != nil {
		return err
	}
	if _, err := ParsePolicy(string(r.Policy)); err != nil {
		return err
	}
	return nil
}

// ValidateRules checks a complete rule set. An empty set is ErrNoPaths.
func ValidateRules(rules []Rule) error {
	if len(rules) == 0 {
		return ErrNoPaths
	}
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("paths[%d] %q: %w", i, r.Output, err)
		}
	}
	return nil
}

// Paths returns the union of every rule's inputs, de-duplicated, in the order
// each path is first mentioned.
func Paths(rules []Rule) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range rules {
		for _, in := range r.Inputs {
			if _, ok := seen[in]; ok {
				continue
			}
			seen[in] = struct{}{}
			out = append(out, in)
		}
	}
	return out
}

// apply folds values with op. ok is false when the operation cannot produce a
// meaningful result (multiplication over fewer than two values).
func apply(op Operation, values []float64) (result float64, ok bool) {
	switch op {
	case OpMultiplication:
		if len(values) < 2 {
			return 0, false
		}
		result = values[0]
		for _, v := range values[1:] {
			result *= v
		}
		return result, true
	default:
		for _, v := range values {
			result += v
		}
		return result, true
	}
}
