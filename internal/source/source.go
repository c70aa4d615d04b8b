package source

import (
	"context"
	"fmt"
	"time"

	"github.com/obsidianstack/combiner/internal/config"
	"github.com/obsidianstack/combiner/pkg/types"
)

const defaultDialTimeout = 10 * time.Second

// PathRequest asks for updates to one path at most once per Period.
type PathRequest struct {
	Path   string
	Period time.Duration
}

// Request describes a subscription: the context and every path of interest.
type Request struct {
	Context string
	Paths   []PathRequest
}

// Handler receives subscription output. OnDelta is never called
// concurrently with itself: deltas are delivered one at a time, in order.
type Handler struct {
	OnDelta func(*types.Delta)
	OnError func(error)
}

func (h Handler) delta(d *types.Delta) {
	if h.OnDelta != nil {
		h.OnDelta(d)
	}
}

func (h Handler) err(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// Subscription is a live subscription handle. Close stops delivery, releases
// every resource the subscription holds and is safe to call more than once.
// After Close returns no further handler calls are made.
type Subscription interface {
	Close() error
}

// Subscriber opens subscriptions against one upstream.
type Subscriber interface {
	Subscribe(ctx context.Context, req Request, h Handler) (Subscription, error)
}

// New returns the Subscriber for the configured source type.
func New(src config.Source) (Subscriber, error) {
	switch src.Type {
	case "signalk":
		return NewSignalK(src), nil
	case "prometheus":
		return NewPrometheus(src), nil
	default:
		return nil, fmt.Errorf("source: unsupported type %q", src.Type)
	}
}

// RequestFor builds a subscription request for paths using the configured
// context and period.
func RequestFor(src config.Source, paths []string) Request {
	req := Request{Context: src.Context, Paths: make([]PathRequest, 0, len(paths))}
	for _, p := range paths {
		req.Paths = append(req.Paths, PathRequest{Path: p, Period: src.Period})
	}
	return req
}
