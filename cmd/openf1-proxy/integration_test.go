//go:build integration

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/openf1-proxy/internal/testutil"
	"github.com/Sternrassler/openf1-proxy/pkg/config"
)

// startRedis starts a Redis container and returns its host:port.
func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() { _ = redisC.Terminate(ctx) })

	endpoint, err := redisC.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}
	return endpoint
}

// TestTwoInstances_Integration runs two proxies against one Redis: the
// second serves the first one's refill from the shared cache, and a
// subscriber on the second receives the first one's refresh event.
func TestTwoInstances_Integration(t *testing.T) {
	upstream := setupUpstream(t)
	upstream.SetResponses("/stints", testutil.NewJSONResponse(`[{"stint_number":1,"compound":"SOFT"}]`))

	cfg := testConfig(upstream.URL())
	cfg.Redis.URL = startRedis(t)
	cfg.Cache.Backend = config.BackendRedis

	first := newTestApp(t, cfg)
	second := newTestApp(t, cfg)

	server := httptest.NewServer(second.routes())
	t.Cleanup(server.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for second.broadcaster.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("websocket subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if w := get(t, first.routes(), "/api/stints/9158/1"); w.Code != http.StatusOK {
		t.Fatalf("first instance: expected 200, got %d (%s)", w.Code, w.Body.String())
	}

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Expected relayed event: %v", err)
	}
	var event struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &event); err != nil || event.Type != "stints" {
		t.Errorf("Unexpected event %s (err %v)", msg, err)
	}

	if w := get(t, second.routes(), "/api/stints/9158/1"); w.Code != http.StatusOK {
		t.Fatalf("second instance: expected 200, got %d", w.Code)
	}
	if n := upstream.RequestCount("/stints"); n != 1 {
		t.Errorf("Expected 1 upstream request across both instances, got %d", n)
	}

	if w := get(t, second.routes(), "/ready"); w.Code != http.StatusOK {
		t.Errorf("Expected ready, got %d", w.Code)
	}
}
