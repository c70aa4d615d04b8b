package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/obsidianstack/combiner/internal/api"
	"github.com/obsidianstack/combiner/internal/auth"
	"github.com/obsidianstack/combiner/internal/config"
	"github.com/obsidianstack/combiner/internal/metrics"
	"github.com/obsidianstack/combiner/internal/plugin"
	"github.com/obsidianstack/combiner/internal/sink"
	"github.com/obsidianstack/combiner/internal/source"
	"github.com/obsidianstack/combiner/internal/status"
	"github.com/obsidianstack/combiner/internal/tracing"
)

const shutdownTimeout = 5 * time.Second

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the combiner until interrupted",
		Long: `Subscribes to every input path, publishes combined values and serves
the status API, metrics and gRPC health. The config file is watched; a valid
change restarts the plugin with the new paths.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runDaemon(ctx, rootOpts.ConfigPath, os.Stdout)
		},
	}
}

// newLogger returns the JSON logger used by the daemon.
func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// runDaemon runs until ctx is cancelled.
func runDaemon(ctx context.Context, configPath string, logOut io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(logOut, cfg.Log.Level))

	slog.Info("combiner starting", "config", configPath, "version", Version)
	slog.Info("config loaded",
		"id", cfg.Combiner.ID,
		"paths", len(cfg.Combiner.Paths),
		"source", cfg.Source.Type,
		"source_endpoint", cfg.Source.Endpoint,
		"sink", cfg.Sink.Type,
		"sink_endpoint", cfg.Sink.Endpoint,
	)

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, cfg.Combiner.ID, Version)
	if err != nil {
		slog.Warn("tracing disabled", "err", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracing shutdown", "err", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	healthSrv := health.NewServer()
	tracker := status.NewTracker(status.WithHealth(healthSrv, cfg.Combiner.ID))

	sub, err := source.New(cfg.Source)
	if err != nil {
		return err
	}
	transport, err := sink.New(cfg.Sink)
	if err != nil {
		return err
	}
	hub := api.NewHub()
	fan := sink.Fanout{transport, hub}
	emitter := sink.NewEmitter(cfg.Sink.Label, cfg.Sink.Context, fan)
	defer emitter.Close()
	go fan.Run(ctx)

	p := plugin.New(sub, cfg.Source, emitter,
		plugin.WithID(cfg.Combiner.ID),
		plugin.WithReporter(tracker),
		plugin.WithMetrics(m),
		plugin.WithTracer(tracing.Tracer()),
	)

	stopServers, err := startServers(cfg, p, reg, hub, healthSrv)
	if err != nil {
		return err
	}
	defer stopServers()

	if err := p.Start(ctx, cfg.Combiner); err != nil {
		slog.Error("plugin not started, waiting for a config change", "err", err)
	}
	defer p.Stop()

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		err := config.Watch(ctx, configPath, func(updated *config.Config) {
			warnRestartOnly(cfg, updated)
			if err := p.Reload(ctx, updated.Combiner); err != nil {
				slog.Error("config reload rejected", "err", err)
			}
		})
		if err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("combiner shutting down")
	<-watchDone
	return nil
}

// warnRestartOnly logs settings a hot reload does not apply.
func warnRestartOnly(old, updated *config.Config) {
	if old.Source.Type != updated.Source.Type || old.Source.Endpoint != updated.Source.Endpoint {
		slog.Warn("source changes take effect after a restart")
	}
	if old.Sink.Type != updated.Sink.Type || old.Sink.Endpoint != updated.Sink.Endpoint {
		slog.Warn("sink changes take effect after a restart")
	}
	if old.HTTP.Addr != updated.HTTP.Addr || old.GRPC.Addr != updated.GRPC.Addr {
		slog.Warn("listen address changes take effect after a restart")
	}
}

// startServers starts the HTTP and gRPC listeners that are configured and
// returns a function stopping them.
func startServers(
	cfg *config.Config,
	p *plugin.Plugin,
	reg *prometheus.Registry,
	hub *api.Hub,
	healthSrv *health.Server,
) (func(), error) {
	var stops []func()
	stop := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}

	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return nil, fmt.Errorf("listen grpc %s: %w", cfg.GRPC.Addr, err)
		}
		grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(auth.GRPC(cfg.GRPC.Auth)))
		healthpb.RegisterHealthServer(grpcSrv, healthSrv)
		go func() {
			slog.Info("gRPC health listening", "addr", lis.Addr().String())
			if err := grpcSrv.Serve(lis); err != nil {
				slog.Error("gRPC server stopped", "err", err)
			}
		}()
		stops = append(stops, func() {
			healthSrv.Shutdown()
			grpcSrv.GracefulStop()
		})
	}

	if cfg.HTTP.Addr != "" {
		lis, err := net.Listen("tcp", cfg.HTTP.Addr)
		if err != nil {
			stop()
			return nil, fmt.Errorf("listen http %s: %w", cfg.HTTP.Addr, err)
		}
		handler := api.New(api.Config{
			View:     p,
			Info:     api.Info{ID: p.ID, Name: p.Name, Description: p.Description},
			Schema:   config.Schema(),
			Gatherer: reg,
			Hub:      hub,
		})
		httpSrv := &http.Server{
			Handler:           auth.HTTP(cfg.HTTP.Auth, handler),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("HTTP server listening", "addr", lis.Addr().String())
			if err := httpSrv.Serve(lis); err != nil && err != http.ErrServerClosed {
				slog.Error("HTTP server stopped", "err", err)
			}
		}()
		stops = append(stops, func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			httpSrv.Shutdown(ctx) //nolint:errcheck
		})
	}

	return stop, nil
}
