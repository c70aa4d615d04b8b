package sink

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/obsidianstack/combiner/internal/config"
	"github.com/obsidianstack/combiner/pkg/types"
)

type published struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  string
}

type mockMQTT struct {
	connected   bool
	connects    int
	connectErr  error
	publishData []published
}

func (m *mockMQTT) Connect() error {
	m.connects++
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *mockMQTT) Disconnect() { m.connected = false }

func (m *mockMQTT) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !m.connected {
		return errors.New("Publish() called before Connect()")
	}
	m.publishData = append(m.publishData, published{topic, qos, retained, string(payload)})
	return nil
}

func withMockMQTT(t *testing.T) *mockMQTT {
	t.Helper()
	m := &mockMQTT{}
	orig := NewMQTTClient
	NewMQTTClient = func(config.Sink) MQTTClient { return m }
	t.Cleanup(func() { NewMQTTClient = orig })
	return m
}

func TestMQTT_PublishesEachValue(t *testing.T) {
	m := withMockMQTT(t)
	s := NewMQTT(config.Sink{MQTT: config.MQTTConfig{TopicPrefix: "boat/", QoS: 1, Retained: true}})

	d := &types.Delta{Updates: []types.Update{{Values: []types.PathValue{
		{Path: "electrical.batteries.total.current", Value: types.NumberValue(20)},
		{Path: "electrical.solar.power", Value: types.NumberValue(12.5)},
	}}}}
	if err := s.Send(context.Background(), d); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := s.Send(context.Background(), d); err != nil {
		t.Fatalf("second Send: %v", err)
	}

	if m.connects != 1 {
		t.Errorf("connects = %d, want 1", m.connects)
	}
	want := []published{
		{"boat/electrical/batteries/total/current", 1, true, "20"},
		{"boat/electrical/solar/power", 1, true, "12.5"},
	}
	if diff := cmp.Diff(want, m.publishData[:2]); diff != "" {
		t.Errorf("published mismatch (-want +got):\n%s", diff)
	}

	s.Close()
	if m.connected {
		t.Error("still connected after Close")
	}
}

func TestMQTT_ConnectErrorRetriedOnNextSend(t *testing.T) {
	m := withMockMQTT(t)
	m.connectErr = errors.New("refused")
	s := NewMQTT(config.Sink{})

	d := &types.Delta{Updates: []types.Update{{Values: []types.PathValue{{Path: "a", Value: types.NumberValue(1)}}}}}
	if err := s.Send(context.Background(), d); err == nil {
		t.Fatal("expected connect error")
	}
	m.connectErr = nil
	if err := s.Send(context.Background(), d); err != nil {
		t.Fatalf("Send after recovery: %v", err)
	}
	if m.connects != 2 {
		t.Errorf("connects = %d, want 2", m.connects)
	}
}

func TestTopic(t *testing.T) {
	tests := []struct{ prefix, path, want string }{
		{"signalk", "navigation.speedOverGround", "signalk/navigation/speedOverGround"},
		{"signalk/", "a.b", "signalk/a/b"},
		{"", "a.b", "a/b"},
	}
	for _, tc := range tests {
		if got := Topic(tc.prefix, tc.path); got != tc.want {
			t.Errorf("Topic(%q, %q) = %q, want %q", tc.prefix, tc.path, got, tc.want)
		}
	}
}
