package api

import (
	"time"

	"github.com/obsidianstack/combiner/internal/combine"
)

// StatusResponse is the payload for GET /api/v1/status.
type StatusResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	State       string    `json:"state"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	Serving     bool      `json:"serving"`
	UpdatedAt   time.Time `json:"updated_at"`
	RuleCount   int       `json:"rule_count"`
	Clients     int       `json:"stream_clients"`
}

// RuleResponse is one rule in GET /api/v1/rules. Operation and Policy are the
// effective values, never empty.
type RuleResponse struct {
	Description string   `json:"description,omitempty"`
	Inputs      []string `json:"inputs"`
	Output      string   `json:"output"`
	Operation   string   `json:"operation"`
	Policy      string   `json:"policy"`
}

// RulesResponse is the payload for GET /api/v1/rules.
type RulesResponse struct {
	Rules []RuleResponse `json:"rules"`
	Paths []string       `json:"paths"`
}

// ValuesResponse is the payload for GET /api/v1/values.
type ValuesResponse struct {
	Values      []combine.Update `json:"values"`
	Outputs     []combine.Update `json:"outputs"`
	GeneratedAt string           `json:"generated_at"` // RFC3339
}

type errorResponse struct {
	Error string `json:"error"`
}
