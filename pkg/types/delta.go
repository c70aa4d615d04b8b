package types

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// Delta is one Signal K delta message.
type Delta struct {
	Context string   `json:"context,omitempty"`
	Updates []Update `json:"updates,omitempty"`
}

// Update is one group of values sharing a source and timestamp.
type Update struct {
	Source    *Source     `json:"source,omitempty"`
	SourceRef string      `json:"$source,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
	Values    []PathValue `json:"values,omitempty"`
}

// Source identifies the producer of an Update.
type Source struct {
	Label string `json:"label"`
	Type  string `json:"type,omitempty"`
}

// PathValue is a single observation. Value holds the raw JSON encoding.
type PathValue struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

// Number is a numeric observation extracted from a delta.
type Number struct {
	Path  string
	Value float64
}

var null = json.RawMessage("null")

// NumberValue encodes v as a JSON number. NaN and ±Inf have no JSON
// representation and encode as null.
func NumberValue(v float64) json.RawMessage {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return null
	}
	return json.RawMessage(strconv.FormatFloat(v, 'g', -1, 64))
}

// Float returns the value as a float64 when it is a JSON number.
func (pv PathValue) Float() (float64, bool) {
	raw := bytes.TrimSpace(pv.Value)
	if len(raw) == 0 {
		return 0, false
	}
	c := raw[0]
	if c != '-' && (c < '0' || c > '9') {
		return 0, false
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Numbers flattens d into its numeric observations, preserving order.
// A nil delta, a delta without updates and updates without values all yield
// an empty result. Non-numeric values are skipped.
func (d *Delta) Numbers() []Number {
	if d == nil {
		return nil
	}
	var out []Number
	for _, u := range d.Updates {
		for _, v := range u.Values {
			if v.Path == "" {
				continue
			}
			f, ok := v.Float()
			if !ok {
				continue
			}
			out = append(out, Number{Path: v.Path, Value: f})
		}
	}
	return out
}

// Skipped counts the values in d that Numbers drops.
func (d *Delta) Skipped() int {
	if d == nil {
		return 0
	}
	total := 0
	for _, u := range d.Updates {
		total += len(u.Values)
	}
	return total - len(d.Numbers())
}
