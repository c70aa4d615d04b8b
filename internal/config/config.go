package config

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/obsidianstack/combiner/internal/combine"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultPluginID       = "signalk-value-combiner"
	DefaultContext        = "vessels.self"
	DefaultPeriod         = 500 * time.Millisecond
	DefaultSourceEndpoint = "ws://localhost:3000/signalk/v1/stream"
	DefaultBufferSize     = 100
	DefaultMQTTTopic      = "signalk"
	DefaultLogLevel       = "info"
)

// Config is the top-level configuration of the combiner daemon.
type Config struct {
	Combiner CombinerConfig `yaml:"combiner"`
	Source   Source         `yaml:"source"`
	Sink     Sink           `yaml:"sink"`
	HTTP     HTTPConfig     `yaml:"http"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Log      LogConfig      `yaml:"log"`
}

// CombinerConfig holds the plugin settings: which values are combined and how.
type CombinerConfig struct {
	// ID labels published deltas and identifies the plugin in status output.
	ID string `yaml:"id"`

	// Policy is the default readiness policy: strict | lenient.
	Policy string `yaml:"policy"`

	// Paths is the ordered list of combination rules. An empty list is
	// allowed here; the plugin reports "No paths configured" and idles.
	Paths []PathConfig `yaml:"paths"`
}

// PathConfig is one combination rule as written in the config file.
type PathConfig struct {
	Description string   `yaml:"description" json:"description,omitempty"`
	Input       []string `yaml:"input" json:"input"`
	Output      string   `yaml:"output" json:"output"`
	Operation   string   `yaml:"operation" json:"operation,omitempty"`
	Policy      string   `yaml:"policy" json:"policy,omitempty"`
}

// Rule converts the entry to a combine.Rule. Call Validate first; unknown
// operation or policy names pass through and are rejected by the engine.
func (p PathConfig) Rule() combine.Rule {
	return combine.Rule{
		Description: p.Description,
		Inputs:      append([]string(nil), p.Input...),
		Output:      p.Output,
		Operation:   combine.Operation(p.Operation),
		Policy:      combine.Policy(p.Policy),
	}
}

// Rules converts every path entry, preserving order.
func (c CombinerConfig) Rules() []combine.Rule {
	out := make([]combine.Rule, 0, len(c.Paths))
	for _, p := range c.Paths {
		out = append(out, p.Rule())
	}
	return out
}

// Source describes where input values come from.
type Source struct {
	// Type is signalk | prometheus.
	Type string `yaml:"type"`

	// Endpoint is the Signal K websocket stream URL or the Prometheus
	// exposition URL.
	Endpoint string `yaml:"endpoint"`

	// Context is the Signal K context subscribed to.
	Context string `yaml:"context"`

	// Period is the requested update period per path (Signal K) or the
	// polling interval (prometheus).
	Period time.Duration `yaml:"period"`

	// Metrics maps a path to a Prometheus metric family name. Paths without an
	// entry use the path with dots replaced by underscores.
	Metrics map[string]string `yaml:"metrics"`

	Auth AuthConfig `yaml:"auth"`
	TLS  TLSConfig  `yaml:"tls"`
}

// Sink describes where combined values are delivered.
type Sink struct {
	// Type is signalk | mqtt | log.
	Type string `yaml:"type"`

	// Endpoint is the Signal K websocket URL or the MQTT broker URL.
	// For type signalk it defaults to the source endpoint.
	Endpoint string `yaml:"endpoint"`

	// Label is the source label stamped on published updates. Defaults to
	// the plugin ID.
	Label string `yaml:"label"`

	// Context is the delta context of published values.
	Context string `yaml:"context"`

	// BufferSize bounds the number of deltas held while disconnected.
	BufferSize int `yaml:"buffer_size"`

	MQTT MQTTConfig `yaml:"mqtt"`
	Auth AuthConfig `yaml:"auth"`
	TLS  TLSConfig  `yaml:"tls"`
}

// MQTTConfig holds MQTT publishing options.
type MQTTConfig struct {
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Retained    bool   `yaml:"retained"`
}

// AuthConfig specifies how to authenticate to a source or sink.
type AuthConfig struct {
	// Mode is one of: bearer | basic | none.
	Mode string `yaml:"mode"`

	// TokenEnv is the name of the environment variable that holds the token.
	TokenEnv string `yaml:"token_env"`

	// Username is the literal username (safe to store in config).
	Username string `yaml:"username"`
	// PasswordEnv is the name of the environment variable that holds the password.
	PasswordEnv string `yaml:"password_env"`
}

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string {
	if a.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.PasswordEnv)
}

// Header returns request headers carrying the configured credentials.
func (a AuthConfig) Header() http.Header {
	h := http.Header{}
	switch a.Mode {
	case "bearer":
		h.Set("Authorization", "Bearer "+a.Token())
	case "basic":
		r := &http.Request{Header: h}
		r.SetBasicAuth(a.Username, a.Password())
	}
	return h
}

// TLSConfig holds TLS dial options.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	// Only use this for self-signed servers on a boat LAN.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Config returns the crypto/tls configuration for t.
func (t TLSConfig) Config() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: t.InsecureSkipVerify, //nolint:gosec // user-configured
	}
}

// HTTPConfig configures the REST API, metrics and websocket stream.
type HTTPConfig struct {
	// Addr is the listen address. Empty disables the HTTP server.
	Addr string `yaml:"addr"`

	Auth ServerAuthConfig `yaml:"auth"`
}

// GRPCConfig configures the gRPC health endpoint.
type GRPCConfig struct {
	// Addr is the listen address. Empty disables the gRPC server.
	Addr string `yaml:"addr"`

	Auth ServerAuthConfig `yaml:"auth"`
}

// ServerAuthConfig configures API key authentication for inbound requests.
type ServerAuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// Header is the header (HTTP) or metadata key (gRPC) carrying the key.
	Header string `yaml:"header"`

	// KeyEnv is the name of the environment variable holding the expected key.
	KeyEnv string `yaml:"key_env"`
}

// Key returns the expected API key resolved from the environment.
func (a ServerAuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns Header or the default "x-api-key".
func (a ServerAuthConfig) EffectiveHeader() string {
	if a.Header == "" {
		return "x-api-key"
	}
	return a.Header
}

// TracingConfig enables OpenTelemetry span export.
type TracingConfig struct {
	// Endpoint is the OTLP/HTTP traces URL. Empty disables tracing.
	Endpoint string `yaml:"endpoint"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	// Level is debug | info | warn | error.
	Level string `yaml:"level"`
}

// Load reads and parses the YAML config file at path, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes, applies defaults and environment
// overrides, then validates.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	fill(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Combiner: CombinerConfig{
			ID:     DefaultPluginID,
			Policy: string(combine.DefaultPolicy),
		},
		Source: Source{
			Type:     "signalk",
			Endpoint: DefaultSourceEndpoint,
			Context:  DefaultContext,
			Period:   DefaultPeriod,
		},
		Sink: Sink{
			Type:       "signalk",
			Context:    DefaultContext,
			BufferSize: DefaultBufferSize,
			MQTT:       MQTTConfig{TopicPrefix: DefaultMQTTTopic},
		},
		Log: LogConfig{Level: DefaultLogLevel},
	}
}

// fill derives defaults that depend on other fields.
func fill(cfg *Config) {
	if cfg.Sink.Label == "" {
		cfg.Sink.Label = cfg.Combiner.ID
	}
	if cfg.Sink.Type == "signalk" && cfg.Sink.Endpoint == "" && cfg.Source.Type == "signalk" {
		cfg.Sink.Endpoint = cfg.Source.Endpoint
		if cfg.Sink.Auth.Mode == "" {
			cfg.Sink.Auth = cfg.Source.Auth
		}
		if cfg.Sink.TLS == (TLSConfig{}) {
			cfg.Sink.TLS = cfg.Source.TLS
		}
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	if cfg.Combiner.ID == "" {
		return fmt.Errorf("combiner.id is required")
	}
	switch combine.Policy(cfg.Combiner.Policy) {
	case combine.PolicyStrict, combine.PolicyLenient:
	default:
		return fmt.Errorf("combiner.policy: unknown policy %q", cfg.Combiner.Policy)
	}
	if len(cfg.Combiner.Paths) > 0 {
		if err := combine.ValidateRules(cfg.Combiner.Rules()); err != nil {
			return fmt.Errorf("combiner.%w", err)
		}
	}

	switch cfg.Source.Type {
	case "signalk", "prometheus":
	default:
		return fmt.Errorf("source: unknown type %q", cfg.Source.Type)
	}
	if cfg.Source.Endpoint == "" {
		return fmt.Errorf("source.endpoint is required")
	}
	if cfg.Source.Period <= 0 {
		return fmt.Errorf("source.period must be positive")
	}
	if err := validateAuth("source", cfg.Source.Auth); err != nil {
		return err
	}

	switch cfg.Sink.Type {
	case "signalk", "mqtt":
		if cfg.Sink.Endpoint == "" {
			return fmt.Errorf("sink.endpoint is required for type %q", cfg.Sink.Type)
		}
	case "log":
	default:
		return fmt.Errorf("sink: unknown type %q", cfg.Sink.Type)
	}
	if cfg.Sink.BufferSize <= 0 {
		return fmt.Errorf("sink.buffer_size must be positive")
	}
	if cfg.Sink.MQTT.QoS > 2 {
		return fmt.Errorf("sink.mqtt.qos must be 0, 1 or 2")
	}
	if err := validateAuth("sink", cfg.Sink.Auth); err != nil {
		return err
	}

	for name, a := range map[string]ServerAuthConfig{"http": cfg.HTTP.Auth, "grpc": cfg.GRPC.Auth} {
		switch a.Mode {
		case "apikey", "none", "":
		default:
			return fmt.Errorf("%s.auth: unknown mode %q", name, a.Mode)
		}
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", cfg.Log.Level)
	}
	return nil
}

func validateAuth(section string, a AuthConfig) error {
	switch a.Mode {
	case "bearer", "basic", "none", "":
		return nil
	}
	return fmt.Errorf("%s.auth: unknown mode %q", section, a.Mode)
}
