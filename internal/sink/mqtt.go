package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/obsidianstack/combiner/internal/config"
	"github.com/obsidianstack/combiner/pkg/types"
)

// DefaultQuiesceTimeout is how long Disconnect waits for in-flight publishes.
const DefaultQuiesceTimeout = 250 * time.Millisecond

// MQTTClient is the subset of an MQTT client the sink needs.
type MQTTClient interface {
	Connect() error
	Disconnect()
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// NewMQTTClient produces a disconnected paho client. Replaced in tests.
var NewMQTTClient = func(cfg config.Sink) MQTTClient {
	id := cfg.MQTT.ClientID
	if id == "" {
		id = "combiner-" + uuid.NewString()
	}
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Endpoint)
	opts.SetClientID(id)
	if cfg.Auth.Mode == "basic" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password())
	}
	opts.SetTLSConfig(cfg.TLS.Config())
	// Publish only: nothing to keep in a broker-side session.
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(dialTimeout)
	return &pahoClient{opts: opts}
}

type pahoClient struct {
	opts   *pahomqtt.ClientOptions
	client pahomqtt.Client
}

func (p *pahoClient) Connect() error {
	p.client = pahomqtt.NewClient(p.opts)
	token := p.client.Connect()
	if !token.WaitTimeout(dialTimeout) {
		return errors.New("mqtt: connect timed out")
	}
	return token.Error()
}

func (p *pahoClient) Disconnect() {
	if p.client != nil {
		p.client.Disconnect(uint(DefaultQuiesceTimeout / time.Millisecond))
	}
}

func (p *pahoClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if p.client == nil {
		return errors.New("mqtt: publish before connect")
	}
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(sendTimeout) {
		return fmt.Errorf("mqtt: publish %s timed out", topic)
	}
	return token.Error()
}

// MQTT publishes every value of a delta to its own topic. The payload is the
// JSON value, so numbers arrive as plain text like 12.5.
type MQTT struct {
	prefix   string
	qos      byte
	retained bool

	mu        sync.Mutex
	client    MQTTClient
	connected bool
}

// NewMQTT returns a sink publishing to the broker at cfg.Endpoint. The
// connection is opened on first Send.
func NewMQTT(cfg config.Sink) *MQTT {
	return &MQTT{
		prefix:   cfg.MQTT.TopicPrefix,
		qos:      cfg.MQTT.QoS,
		retained: cfg.MQTT.Retained,
		client:   NewMQTTClient(cfg),
	}
}

// Topic maps a Signal K path to an MQTT topic below prefix.
func Topic(prefix, path string) string {
	t := strings.ReplaceAll(path, ".", "/")
	if prefix == "" {
		return t
	}
	return strings.TrimSuffix(prefix, "/") + "/" + t
}

// Send publishes each value in d.
func (m *MQTT) Send(_ context.Context, d *types.Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		if err := m.client.Connect(); err != nil {
			return fmt.Errorf("mqtt: connect: %w", err)
		}
		m.connected = true
		slog.Info("sink: mqtt connected")
	}

	var errs []error
	for _, u := range d.Updates {
		for _, v := range u.Values {
			if err := m.client.Publish(Topic(m.prefix, v.Path), m.qos, m.retained, v.Value); err != nil {
				errs = append(errs, fmt.Errorf("mqtt: publish %s: %w", v.Path, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		m.client.Disconnect()
		m.connected = false
	}
	return nil
}
