package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every environment override name.
const EnvPrefix = "COMBINER_"

// envOverrides lists the settings that may be replaced from the environment,
// typically by a container orchestrator. Unset variables leave the file value.
type envOverrides struct {
	SourceEndpoint string `env:"SOURCE_ENDPOINT"`
	SinkEndpoint   string `env:"SINK_ENDPOINT"`
	HTTPAddr       string `env:"HTTP_ADDR"`
	GRPCAddr       string `env:"GRPC_ADDR"`
	LogLevel       string `env:"LOG_LEVEL"`
	OTelEndpoint   string `env:"OTEL_ENDPOINT"`
}

// ApplyEnv overlays COMBINER_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Source.Endpoint, o.SourceEndpoint)
	set(&cfg.Sink.Endpoint, o.SinkEndpoint)
	set(&cfg.HTTP.Addr, o.HTTPAddr)
	set(&cfg.GRPC.Addr, o.GRPCAddr)
	set(&cfg.Log.Level, o.LogLevel)
	set(&cfg.Tracing.Endpoint, o.OTelEndpoint)
	return nil
}
