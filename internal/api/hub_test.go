package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obsidianstack/combiner/pkg/types"
)

func startHub(t *testing.T) (string, *Hub) {
	t.Helper()
	hub := NewHub()
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http"), hub
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readDelta(t *testing.T, conn *websocket.Conn) types.Delta {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var d types.Delta
	if err := json.Unmarshal(msg, &d); err != nil {
		t.Fatalf("unmarshal %s: %v", msg, err)
	}
	return d
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Count() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count: got %d, want %d", hub.Count(), n)
}

func testDelta(v float64) *types.Delta {
	return &types.Delta{
		Context: "vessels.self",
		Updates: []types.Update{{
			Source: &types.Source{Label: "signalk-value-combiner"},
			Values: []types.PathValue{{Path: "electrical.batteries.house.current", Value: types.NumberValue(v)}},
		}},
	}
}

func TestHub_BroadcastsDeltas(t *testing.T) {
	wsURL, hub := startHub(t)
	a, b := dial(t, wsURL), dial(t, wsURL)
	waitClients(t, hub, 2)

	if err := hub.Send(context.Background(), testDelta(20)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	for _, c := range []*websocket.Conn{a, b} {
		d := readDelta(t, c)
		if n := d.Numbers(); len(n) != 1 || n[0].Value != 20 {
			t.Errorf("received %+v", n)
		}
	}
}

func TestHub_NewClientGetsLastDelta(t *testing.T) {
	wsURL, hub := startHub(t)
	hub.Send(context.Background(), testDelta(1))  //nolint:errcheck
	hub.Send(context.Background(), testDelta(42)) //nolint:errcheck

	c := dial(t, wsURL)
	d := readDelta(t, c)
	if n := d.Numbers(); len(n) != 1 || n[0].Value != 42 {
		t.Errorf("first message %+v, want the last delta", n)
	}
}

func TestHub_ClientDisconnect(t *testing.T) {
	wsURL, hub := startHub(t)
	c := dial(t, wsURL)
	waitClients(t, hub, 1)
	c.Close()
	waitClients(t, hub, 0)
}

func TestHub_CloseRejectsClients(t *testing.T) {
	wsURL, hub := startHub(t)
	c := dial(t, wsURL)
	waitClients(t, hub, 1)

	hub.Close()
	if hub.Count() != 0 {
		t.Errorf("count after Close = %d", hub.Count())
	}
	c.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	if _, _, err := c.ReadMessage(); err == nil {
		t.Error("expected connection to close")
	}
}
