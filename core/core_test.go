package core

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opshelm/skillbus/config"
	"github.com/opshelm/skillbus/models"
	"github.com/opshelm/skillbus/registry"
	"github.com/opshelm/skillbus/store"
)

// memStore is an in-memory store.Store for relay scenario tests.
type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]string)}
}

func (m *memStore) Get(table, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.data[table+"/"+key]
	if !ok {
		return "", &store.ErrKeyNotFound{Table: table, Key: key}
	}
	return value, nil
}

func (m *memStore) Put(table, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[table+"/"+key] = value
	return nil
}

func (m *memStore) Delete(table, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, table+"/"+key)
	return nil
}

func (m *memStore) Close() error { return nil }

func testConfig(socketPath string, topics ...string) *config.Service {
	return &config.Service{
		SocketPath: socketPath,
		DataDir:    "unused",
		Topics:     topics,
		Delivery: config.Delivery{
			ConnectTimeout: 1 * time.Second,
			RequestTimeout: 250 * time.Millisecond,
		},
		Retry: config.Retry{Limit: 50, Burst: 4},
		Pools: config.Pools{HandlerWorkers: 2, PublishWorkers: 4, QueueDepth: 32},
	}
}

func startRelay(t *testing.T, topics ...string) *Core {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	socket := filepath.Join(t.TempDir(), "relay.sock")

	c, err := New(ctx, testLogger(), testConfig(socket, topics...), newMemStore())
	require.NoError(t, err)
	require.NoError(t, c.Start())

	t.Cleanup(func() {
		cancel()
		c.Stop()
	})
	return c
}

// startSkill binds a unix socket that plays the subscriber side.
func startSkill(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()

	socket := filepath.Join(t.TempDir(), "skill.sock")
	listener, err := net.Listen("unix", socket)
	require.NoError(t, err)

	server := &http.Server{Handler: handler}
	go server.Serve(listener)
	t.Cleanup(func() { server.Close() })
	return socket
}

func unixHTTPClient(socketPath string) *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var dialer net.Dialer
				return dialer.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

func postDoc(t *testing.T, socketPath, path, body string) (int, models.Document) {
	t.Helper()

	resp, err := unixHTTPClient(socketPath).Post("http://localhost"+path, "application/json", bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var doc models.Document
	if len(payload) > 0 {
		doc = models.Document{}
		require.NoError(t, json.Unmarshal(payload, &doc))
	}
	return resp.StatusCode, doc
}

func TestPublishDeliversMessage(t *testing.T) {
	received := make(chan models.Document, 1)
	skill := startSkill(t, func(w http.ResponseWriter, r *http.Request) {
		payload, _ := io.ReadAll(r.Body)
		doc := models.Document{}
		if json.Unmarshal(payload, &doc) == nil {
			received <- doc
		}
		w.WriteHeader(http.StatusOK)
	})

	relay := startRelay(t, "weather")
	subscriber := models.Subscriber{Endpoint: skill, Path: "/notify"}
	_, err := relay.Registry().AddSubscription("weather", subscriber)
	require.NoError(t, err)

	require.NoError(t, relay.Publish("weather", models.Document{"temperature": float64(21)}))

	select {
	case doc := <-received:
		assert.Equal(t, float64(21), doc["temperature"])
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never arrived")
	}

	// A successful delivery leaves the subscription intact.
	assert.Len(t, relay.Registry().Subscribers("weather"), 1)
}

func TestPublishUnknownTopic(t *testing.T) {
	relay := startRelay(t, "weather")
	err := relay.Publish("nope", models.Document{"x": float64(1)})
	assert.ErrorIs(t, err, registry.ErrUnknownTopic)
}

func TestErrorResponseRemovesSubscriber(t *testing.T) {
	skill := startSkill(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	relay := startRelay(t, "weather")
	_, err := relay.Registry().AddSubscription("weather", models.Subscriber{Endpoint: skill, Path: "/notify"})
	require.NoError(t, err)

	require.NoError(t, relay.Publish("weather", models.Document{"x": float64(1)}))

	require.Eventually(t, func() bool {
		return len(relay.Registry().Subscribers("weather")) == 0
	}, 2*time.Second, 10*time.Millisecond, "non-2xx response should unregister the subscriber")
}

func TestConnectionFailureRemovesSubscriber(t *testing.T) {
	relay := startRelay(t, "weather")

	// No socket ever listens at this endpoint.
	gone := filepath.Join(t.TempDir(), "gone.sock")
	_, err := relay.Registry().AddSubscription("weather", models.Subscriber{Endpoint: gone, Path: "/notify"})
	require.NoError(t, err)

	require.NoError(t, relay.Publish("weather", models.Document{"x": float64(1)}))

	require.Eventually(t, func() bool {
		return len(relay.Registry().Subscribers("weather")) == 0
	}, 2*time.Second, 10*time.Millisecond, "unreachable endpoint should unregister the subscriber")
}

func TestTimeoutRetriesWithoutRemoval(t *testing.T) {
	var attempts atomic.Int64
	skill := startSkill(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		// Exceed the relay's request timeout so every attempt times out.
		time.Sleep(time.Second)
	})

	relay := startRelay(t, "weather")
	_, err := relay.Registry().AddSubscription("weather", models.Subscriber{Endpoint: skill, Path: "/notify"})
	require.NoError(t, err)

	require.NoError(t, relay.Publish("weather", models.Document{"x": float64(1)}))

	require.Eventually(t, func() bool {
		return attempts.Load() >= 2
	}, 5*time.Second, 20*time.Millisecond, "a timed-out delivery should be reattempted")

	assert.Len(t, relay.Registry().Subscribers("weather"), 1, "timeouts never unregister the subscriber")
}

func TestSubscribeUnsubscribeOverSocket(t *testing.T) {
	relay := startRelay(t, "weather")

	status, _ := postDoc(t, relay.cfg.SocketPath, "/subscribe",
		`{"id":"weather","endpoint":"/tmp/skill-a.sock","path":"/notify"}`)
	assert.Equal(t, http.StatusNoContent, status)
	assert.Len(t, relay.Registry().Subscribers("weather"), 1)

	t.Run("duplicate subscribe is accepted", func(t *testing.T) {
		status, _ := postDoc(t, relay.cfg.SocketPath, "/subscribe",
			`{"id":"weather","endpoint":"/tmp/skill-a.sock","path":"/notify"}`)
		assert.Equal(t, http.StatusNoContent, status)
		assert.Len(t, relay.Registry().Subscribers("weather"), 1)
	})

	t.Run("unknown topic fails", func(t *testing.T) {
		status, _ := postDoc(t, relay.cfg.SocketPath, "/subscribe",
			`{"id":"nope","endpoint":"/tmp/skill-a.sock","path":"/notify"}`)
		assert.Equal(t, http.StatusInternalServerError, status)
	})

	t.Run("missing field fails", func(t *testing.T) {
		status, _ := postDoc(t, relay.cfg.SocketPath, "/subscribe",
			`{"id":"weather","path":"/notify"}`)
		assert.Equal(t, http.StatusInternalServerError, status)
	})

	t.Run("malformed body is a client error", func(t *testing.T) {
		status, _ := postDoc(t, relay.cfg.SocketPath, "/subscribe", "{not json")
		assert.Equal(t, http.StatusBadRequest, status)
	})

	status, _ = postDoc(t, relay.cfg.SocketPath, "/unsubscribe",
		`{"id":"weather","endpoint":"/tmp/skill-a.sock","path":"/notify"}`)
	assert.Equal(t, http.StatusNoContent, status)
	assert.Empty(t, relay.Registry().Subscribers("weather"))

	t.Run("unsubscribing an absent pair succeeds", func(t *testing.T) {
		status, _ := postDoc(t, relay.cfg.SocketPath, "/unsubscribe",
			`{"id":"weather","endpoint":"/tmp/skill-a.sock","path":"/notify"}`)
		assert.Equal(t, http.StatusNoContent, status)
	})
}

func TestSubscribeRunsHandlerAndNotifies(t *testing.T) {
	received := make(chan models.Document, 1)
	skill := startSkill(t, func(w http.ResponseWriter, r *http.Request) {
		payload, _ := io.ReadAll(r.Body)
		doc := models.Document{}
		if json.Unmarshal(payload, &doc) == nil {
			received <- doc
		}
		w.WriteHeader(http.StatusOK)
	})

	relay := startRelay(t)
	relay.RegisterTopic("navigation",
		func(request, response models.Document) bool {
			response["ack"] = true
			return true
		},
		func(request models.Document) bool {
			request["route"] = "current"
			return true
		},
		nil,
	)

	body, err := json.Marshal(models.SubscriptionRecord{ID: "navigation", Endpoint: skill, Path: "/notify"})
	require.NoError(t, err)

	status, doc := postDoc(t, relay.cfg.SocketPath, "/subscribe", string(body))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, doc["ack"])

	// The request builder fires an immediate delivery to the new
	// subscriber without any publish.
	select {
	case delivered := <-received:
		assert.Equal(t, "current", delivered["route"])
	case <-time.After(2 * time.Second):
		t.Fatal("immediate notification never arrived")
	}
}

func TestPublishEndpoint(t *testing.T) {
	received := make(chan struct{}, 1)
	skill := startSkill(t, func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
		w.WriteHeader(http.StatusOK)
	})

	relay := startRelay(t, "weather")
	_, err := relay.Registry().AddSubscription("weather", models.Subscriber{Endpoint: skill, Path: "/notify"})
	require.NoError(t, err)

	status, _ := postDoc(t, relay.cfg.SocketPath, "/publish",
		`{"id":"weather","message":{"temperature":18}}`)
	assert.Equal(t, http.StatusNoContent, status)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("publish ingress never fanned out")
	}

	t.Run("unknown topic fails", func(t *testing.T) {
		status, _ := postDoc(t, relay.cfg.SocketPath, "/publish", `{"id":"nope"}`)
		assert.Equal(t, http.StatusInternalServerError, status)
	})

	t.Run("non-object message fails", func(t *testing.T) {
		status, _ := postDoc(t, relay.cfg.SocketPath, "/publish", `{"id":"weather","message":"hi"}`)
		assert.Equal(t, http.StatusInternalServerError, status)
	})
}

func TestStatusEndpoint(t *testing.T) {
	relay := startRelay(t, "weather", "navigation")
	_, err := relay.Registry().AddSubscription("weather", models.Subscriber{Endpoint: "/tmp/a.sock", Path: "/notify"})
	require.NoError(t, err)

	status, doc := postDoc(t, relay.cfg.SocketPath, "/status", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), doc["topics"])
	assert.Equal(t, float64(1), doc["subscribers"])
	assert.Contains(t, doc, "uptime")
}

func TestMonitorConnectionCapAndEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	socket := filepath.Join(t.TempDir(), "relay.sock")

	cfg := testConfig(socket, "weather")
	cfg.Monitor = config.Monitor{
		Enabled:         true,
		SendBufferSize:  8,
		MaxConnections:  1,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	relay, err := New(ctx, testLogger(), cfg, newMemStore())
	require.NoError(t, err)
	require.NoError(t, relay.Start())
	t.Cleanup(func() {
		cancel()
		relay.Stop()
	})

	dialer := websocket.Dialer{
		NetDial: func(_, _ string) (net.Conn, error) {
			return net.Dial("unix", socket)
		},
	}

	conn, _, err := dialer.Dial("ws://localhost/monitor", nil)
	require.NoError(t, err)
	defer conn.Close()

	t.Run("second session is rejected at the cap", func(t *testing.T) {
		_, resp, err := dialer.Dial("ws://localhost/monitor", nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	status, _ := postDoc(t, socket, "/subscribe",
		`{"id":"weather","endpoint":"/tmp/skill-a.sock","path":"/notify"}`)
	require.Equal(t, http.StatusNoContent, status)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event models.MonitorEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "subscribe", event.Kind)
	assert.Equal(t, "weather", event.Topic)
	assert.Equal(t, "/tmp/skill-a.sock", event.Endpoint)
}

func TestRegistryLogsUnderCoreGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	socket := filepath.Join(t.TempDir(), "relay.sock")
	relay, err := New(context.Background(), logger, testConfig(socket, "weather"), newMemStore())
	require.NoError(t, err)
	t.Cleanup(func() { relay.Stop() })

	// Registering the config topic logs through the registry; the line
	// must carry the same core group as every other component.
	assert.Contains(t, buf.String(), "core.registry.")
}

func TestResponseHandlerFailureKeepsSubscriber(t *testing.T) {
	skill := startSkill(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":false}`))
	})

	relay := startRelay(t)
	handled := make(chan struct{}, 1)
	relay.RegisterTopic("weather", nil, nil, func(response models.Document) bool {
		handled <- struct{}{}
		return false
	})

	_, err := relay.Registry().AddSubscription("weather", models.Subscriber{Endpoint: skill, Path: "/notify"})
	require.NoError(t, err)

	require.NoError(t, relay.Publish("weather", models.Document{"x": float64(1)}))

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("response handler never ran")
	}

	// A failing response handler marks the delivery failed but the
	// subscriber stays registered.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, relay.Registry().Subscribers("weather"), 1)
}
