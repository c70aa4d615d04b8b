package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/obsidianstack/combiner/internal/combine"
	"github.com/obsidianstack/combiner/internal/status"
)

// View is the read side of a running plugin.
type View interface {
	State() combine.State
	Rules() []combine.Rule
	Values() map[string]float64
	LastOutputs() []combine.Update
	Status() status.Status
}

// Info identifies the plugin in status responses.
type Info struct {
	ID          string
	Name        string
	Description string
}

// Config wires the handler. View and Info are required.
type Config struct {
	View     View
	Info     Info
	Schema   map[string]any
	Gatherer prometheus.Gatherer
	Hub      *Hub
}

// Handler is the HTTP handler for every combiner endpoint.
type Handler struct {
	cfg Config
	mux *http.ServeMux
}

// New creates a Handler and registers all routes.
func New(cfg Config) http.Handler {
	h := &Handler{cfg: cfg, mux: http.NewServeMux()}

	h.mux.HandleFunc("/api/v1/status", h.status)
	h.mux.HandleFunc("/api/v1/rules", h.rules)
	h.mux.HandleFunc("/api/v1/values", h.values)
	h.mux.HandleFunc("/api/v1/schema", h.schema)
	if cfg.Gatherer != nil {
		h.mux.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	if cfg.Hub != nil {
		h.mux.Handle("/ws/stream", cfg.Hub)
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	st := h.cfg.View.Status()
	resp := StatusResponse{
		ID:          h.cfg.Info.ID,
		Name:        h.cfg.Info.Name,
		Description: h.cfg.Info.Description,
		State:       string(h.cfg.View.State()),
		Status:      st.Message,
		Error:       st.Error,
		Serving:     st.Serving,
		UpdatedAt:   st.UpdatedAt,
		RuleCount:   len(h.cfg.View.Rules()),
	}
	if h.cfg.Hub != nil {
		resp.Clients = h.cfg.Hub.Count()
	}
	jsonResp(w, http.StatusOK, resp)
}

func (h *Handler) rules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rules := h.cfg.View.Rules()
	resp := RulesResponse{
		Rules: make([]RuleResponse, 0, len(rules)),
		Paths: combine.Paths(rules),
	}
	for _, rl := range rules {
		resp.Rules = append(resp.Rules, RuleResponse{
			Description: rl.Description,
			Inputs:      rl.Inputs,
			Output:      rl.Output,
			Operation:   string(rl.EffectiveOperation()),
			Policy:      string(rl.EffectivePolicy(combine.DefaultPolicy)),
		})
	}
	if resp.Paths == nil {
		resp.Paths = []string{}
	}
	jsonResp(w, http.StatusOK, resp)
}

func (h *Handler) values(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	snap := h.cfg.View.Values()
	values := make([]combine.Update, 0, len(snap))
	for p, v := range snap {
		values = append(values, combine.Update{Path: p, Value: v})
	}
	sort.Slice(values, func(i, j int) bool { return values[i].Path < values[j].Path })

	outputs := h.cfg.View.LastOutputs()
	if outputs == nil {
		outputs = []combine.Update{}
	}
	jsonResp(w, http.StatusOK, ValuesResponse{
		Values:      values,
		Outputs:     outputs,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) schema(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.cfg.Schema == nil {
		jsonErr(w, http.StatusNotFound, "no schema")
		return
	}
	jsonResp(w, http.StatusOK, h.cfg.Schema)
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
