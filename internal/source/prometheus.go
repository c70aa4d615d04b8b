package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/obsidianstack/combiner/internal/config"
	"github.com/obsidianstack/combiner/pkg/types"
)

// Prometheus turns a Prometheus text exposition endpoint into a stream of
// deltas by polling it. Each requested path maps to one metric family; the
// family's samples are summed.
type Prometheus struct {
	src    config.Source
	client *http.Client
	clock  clock.Clock
}

// NewPrometheus returns a polling Subscriber for src.Endpoint.
func NewPrometheus(src config.Source) *Prometheus {
	return &Prometheus{
		src:    src,
		client: newHTTPClient(src),
		clock:  clock.New(),
	}
}

// MetricName returns the metric family a path is read from.
func (p *Prometheus) MetricName(path string) string {
	if name, ok := p.src.Metrics[path]; ok && name != "" {
		return name
	}
	return strings.ReplaceAll(path, ".", "_")
}

// Subscribe starts polling. The first poll happens immediately; later polls
// follow the shortest requested period.
func (p *Prometheus) Subscribe(ctx context.Context, req Request, h Handler) (Subscription, error) {
	period := p.src.Period
	for _, pr := range req.Paths {
		if pr.Period > 0 && (period <= 0 || pr.Period < period) {
			period = pr.Period
		}
	}
	if period <= 0 {
		return nil, fmt.Errorf("source: prometheus poll period must be positive")
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &pollSubscription{cancel: cancel, done: make(chan struct{})}
	ticker := p.clock.Ticker(period)

	go func() {
		defer close(sub.done)
		defer ticker.Stop()

		p.poll(runCtx, req, h)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.poll(runCtx, req, h)
			}
		}
	}()

	slog.Info("source: polling prometheus endpoint",
		"endpoint", p.src.Endpoint, "paths", len(req.Paths), "period", period)
	return sub, nil
}

// poll fetches once and delivers a delta with every path found.
func (p *Prometheus) poll(ctx context.Context, req Request, h Handler) {
	mfs, err := fetchMetrics(ctx, p.client, p.src.Endpoint)
	if err != nil {
		if ctx.Err() == nil {
			h.err(fmt.Errorf("source: prometheus %s: %w", p.src.Endpoint, err))
		}
		return
	}

	var values []types.PathValue
	for _, pr := range req.Paths {
		mf, ok := mfs[p.MetricName(pr.Path)]
		if !ok {
			continue
		}
		values = append(values, types.PathValue{Path: pr.Path, Value: types.NumberValue(sumFamily(mf))})
	}
	if ctx.Err() != nil {
		return
	}

	h.delta(&types.Delta{
		Context: req.Context,
		Updates: []types.Update{{
			Source:    &types.Source{Label: "prometheus", Type: "prometheus"},
			Timestamp: p.clock.Now().UTC().Format(time.RFC3339Nano),
			Values:    values,
		}},
	})
}

type pollSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *pollSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// authRoundTripper injects authentication headers into every outgoing request.
type authRoundTripper struct {
	base http.RoundTripper
	auth config.AuthConfig
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	switch t.auth.Mode {
	case "bearer":
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+t.auth.Token())
	case "basic":
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.auth.Username, t.auth.Password())
	}
	return t.base.RoundTrip(req)
}

func newHTTPClient(src config.Source) *http.Client {
	return &http.Client{
		Transport: &authRoundTripper{
			base: &http.Transport{TLSClientConfig: src.TLS.Config()},
			auth: src.Auth,
		},
		Timeout: defaultDialTimeout,
	}
}

// fetchMetrics performs an HTTP GET to url and returns parsed metric families.
func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseMetrics(resp.Body)
}

// parseMetrics decodes a Prometheus text exposition from r into metric families.
// A partial result with a non-fatal parse warning is still returned successfully.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}

// sumFamily adds up all counter, gauge, or untyped values in a MetricFamily.
func sumFamily(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		}
	}
	return total
}
