// Package status records what the combiner last reported about itself and
// mirrors it onto a gRPC health service.
package status

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Reporter accepts human-readable status updates.
type Reporter interface {
	SetStatus(msg string)
	SetError(msg string)
}

// ServingReporter is a Reporter that also tracks whether the plugin is
// running.
type ServingReporter interface {
	Reporter
	SetServing(serving bool)
}

// Status is a point-in-time copy of a Tracker.
type Status struct {
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
	Serving   bool      `json:"serving"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tracker is a ServingReporter that keeps the last status and error.
type Tracker struct {
	clock   clock.Clock
	health  *health.Server
	service string

	mu sync.RWMutex
	st Status
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithHealth mirrors the serving state onto h for service. The overall
// server status ("") is kept in step as well.
func WithHealth(h *health.Server, service string) Option {
	return func(t *Tracker) {
		t.health = h
		t.service = service
	}
}

// NewTracker returns a Tracker that starts not serving.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{clock: clock.New()}
	for _, o := range opts {
		o(t)
	}
	t.st.UpdatedAt = t.clock.Now()
	t.publish(false)
	return t
}

// SetStatus records msg and clears any previous error.
func (t *Tracker) SetStatus(msg string) {
	t.mu.Lock()
	changed := t.st.Message != msg || t.st.Error != ""
	t.st.Message = msg
	t.st.Error = ""
	t.st.UpdatedAt = t.clock.Now()
	t.mu.Unlock()

	if changed {
		slog.Info("status: " + msg)
	} else {
		slog.Debug("status: " + msg)
	}
}

// SetError records msg as the current error. The last status is kept.
func (t *Tracker) SetError(msg string) {
	t.mu.Lock()
	t.st.Error = msg
	t.st.UpdatedAt = t.clock.Now()
	t.mu.Unlock()

	slog.Error("status: error", "err", msg)
}

// SetServing records whether the plugin is running.
func (t *Tracker) SetServing(serving bool) {
	t.mu.Lock()
	t.st.Serving = serving
	t.mu.Unlock()
	t.publish(serving)
}

// Status returns a copy of the current status.
func (t *Tracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.st
}

func (t *Tracker) publish(serving bool) {
	if t.health == nil {
		return
	}
	s := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		s = healthpb.HealthCheckResponse_SERVING
	}
	t.health.SetServingStatus("", s)
	if t.service != "" {
		t.health.SetServingStatus(t.service, s)
	}
}
