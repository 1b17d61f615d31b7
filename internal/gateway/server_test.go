package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"mtmfeed/internal/bus"
	"mtmfeed/internal/instrumentation"
	"mtmfeed/internal/models"
	"mtmfeed/internal/store"
	"mtmfeed/internal/timeseries"
)

var testNow = time.Date(2024, 1, 2, 10, 30, 0, 0, time.UTC)

type harness struct {
	mr      *miniredis.Miniredis
	bus     *bus.MemoryBus
	metrics *instrumentation.Metrics
	server  *Server
	http    *httptest.Server
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil, nil)
}

// newHarnessWith serves historical queries from weights and points when set,
// otherwise from the miniredis-backed store.
func newHarnessWith(t *testing.T, weights WeightsSource, points PointsReader) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := store.New("redis://"+mr.Addr(), "", discardLogger())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	reader := timeseries.New(client, time.UTC, discardLogger(),
		timeseries.WithClock(func() time.Time { return testNow }))

	if weights == nil {
		weights = client
	}
	if points == nil {
		points = reader
	}

	b := bus.NewMemory(16, discardLogger())
	metrics := instrumentation.NewMetricsWith(prometheus.NewRegistry())

	srv, err := New(b, NewHistorical(weights, points, discardLogger()), Options{
		Location:          time.UTC,
		HistoricalTimeout: time.Second,
	}, discardLogger(), metrics)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	return &harness{mr: mr, bus: b, metrics: metrics, server: srv, http: ts}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	waitFor(t, func() bool { return h.bus.Subscribers() >= 1 })
	return ws
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func readText(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}

func sendText(t *testing.T, ws *websocket.Conn, msg string) {
	t.Helper()

	if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.http.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != `{"status":"healthy"}` {
		t.Errorf("health: %d %s", resp.StatusCode, body)
	}
}

func TestMetricsRouteHasNoTimeout(t *testing.T) {
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.Write([]byte("mtm_feed_up 1\n"))
	})

	srv, err := New(bus.NewMemory(4, discardLogger()),
		NewHistorical(fakeWeights{}, fakePoints{}, discardLogger()),
		Options{Timeout: 20 * time.Millisecond, MetricsHandler: slow},
		discardLogger(), nil)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "mtm_feed_up 1\n" {
		t.Errorf("metrics: %d %q", resp.StatusCode, body)
	}
}

func TestRelayIsVerbatim(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	payload := []byte(`{"client_data":[{"name":"alice","MTM":1.5}]}`)
	if err := h.bus.Publish(context.Background(), models.TopicClient, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := readText(t, ws); string(got) != string(payload) {
		t.Errorf("relayed %s, want %s", got, payload)
	}

	for _, topic := range []models.Topic{models.TopicBasket, models.TopicConnection, models.TopicStrategyChart} {
		msg := []byte(`{"topic":"` + string(topic) + `"}`)
		h.bus.Publish(context.Background(), topic, msg)
		if got := readText(t, ws); string(got) != string(msg) {
			t.Errorf("topic %s relayed %s", topic, got)
		}
	}

	waitFor(t, func() bool { return testutil.ToFloat64(h.metrics.RelayedMessages) == 4 })
}

func TestLateSubscriberMissesEarlierTicks(t *testing.T) {
	h := newHarness(t)

	h.bus.Publish(context.Background(), models.TopicClient, []byte(`{"tick":1}`))

	ws := h.dial(t)
	h.bus.Publish(context.Background(), models.TopicClient, []byte(`{"tick":2}`))

	if got := readText(t, ws); string(got) != `{"tick":2}` {
		t.Errorf("first message should be tick 2, got %s", got)
	}
}

func TestInvalidMessagesKeepConnectionOpen(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	sendText(t, ws, `not json`)
	sendText(t, ws, `{"type":"subscribe"}`)
	sendText(t, ws, `{}`)
	sendText(t, ws, `[1,2,3]`)
	sendText(t, ws, ``)

	h.bus.Publish(context.Background(), models.TopicConnection, []byte(`{"time":"x"}`))

	if got := readText(t, ws); string(got) != `{"time":"x"}` {
		t.Errorf("expected relay after bad messages, got %s", got)
	}
	if n := h.bus.Subscribers(); n != 1 {
		t.Errorf("connection should still be subscribed, subscribers=%d", n)
	}
}

func seedHistory(h *harness) {
	h.mr.HSet(store.KeyLiveWeights, "directional", `{"trend":1}`)
	h.mr.HSet(store.KeyLiveWeights, "non_directional", `{"carry":1}`)
	h.mr.HSet(store.StrategyMTMKey("trend"),
		"2024-01-01 09:00:00", "9",
		"2024-01-02 09:20:00", "2",
		"2024-01-02 09:15:00", "1",
		"2024-01-02 10:00:00", "3",
	)
}

func epochMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func TestHistoricalRequest(t *testing.T) {
	h := newHarness(t)
	seedHistory(h)
	ws := h.dial(t)

	cutoff := epochMillis(time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC))

	for _, ts := range []string{
		`"` + strconv.FormatInt(cutoff, 10) + `"`,
		strconv.FormatInt(cutoff, 10),
	} {
		sendText(t, ws, `{"type":"request_historical_data","earliestTimestamp":`+ts+`}`)

		var resp struct {
			Channel string                     `json:"channel"`
			Data    map[string]json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(readText(t, ws), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}

		if resp.Channel != "historical_data" {
			t.Errorf("channel: %q", resp.Channel)
		}
		wantDirectional := `[{"trend":{"2024-01-02 09:15:00":1,"2024-01-02 09:20:00":2}}]`
		if string(resp.Data["directional"]) != wantDirectional {
			t.Errorf("directional:\n got %s\nwant %s", resp.Data["directional"], wantDirectional)
		}
		if string(resp.Data["non_directional"]) != `[{"carry":{}}]` {
			t.Errorf("non_directional: %s", resp.Data["non_directional"])
		}
	}

	waitFor(t, func() bool { return testutil.ToFloat64(h.metrics.HistoricalRequests.WithLabelValues("ok")) == 2 })
}

func TestHistoricalRequestWithoutWeights(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	sendText(t, ws, `{"type":"request_historical_data","earliestTimestamp":1704187800000}`)

	got := string(readText(t, ws))
	want := `{"channel":"historical_data","data":{"directional":[],"non_directional":[]}}`
	if got != want {
		t.Errorf("response:\n got %s\nwant %s", got, want)
	}
}

func TestBadTimestampGetsNoResponse(t *testing.T) {
	h := newHarness(t)
	seedHistory(h)
	ws := h.dial(t)

	sendText(t, ws, `{"type":"request_historical_data","earliestTimestamp":"abc"}`)
	sendText(t, ws, `{"type":"request_historical_data","earliestTimestamp":1.5}`)
	sendText(t, ws, `{"type":"request_historical_data"}`)

	h.bus.Publish(context.Background(), models.TopicBasket, []byte(`{"basket_data":[]}`))

	if got := readText(t, ws); string(got) != `{"basket_data":[]}` {
		t.Errorf("bad requests must not be answered, got %s", got)
	}

	waitFor(t, func() bool {
		return testutil.ToFloat64(h.metrics.HistoricalRequests.WithLabelValues(string(KindInvalid))) == 2 &&
			testutil.ToFloat64(h.metrics.HistoricalRequests.WithLabelValues(string(KindTimestamp))) == 1
	})
	if got := testutil.ToFloat64(h.metrics.HistoricalRequests.WithLabelValues("ok")); got != 0 {
		t.Errorf("no request should have been answered, got %v", got)
	}
}

func TestDisconnectUnsubscribes(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	waitFor(t, func() bool { return testutil.ToFloat64(h.metrics.OpenConnections) == 1 })

	ws.Close()

	waitFor(t, func() bool { return h.bus.Subscribers() == 0 })
	waitFor(t, func() bool { return testutil.ToFloat64(h.metrics.OpenConnections) == 0 })

	if err := h.bus.Publish(context.Background(), models.TopicClient, []byte(`{}`)); err != nil {
		t.Errorf("publish after disconnect: %v", err)
	}
}

// gatedWeights blocks LiveWeights until release is closed.
type gatedWeights struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedWeights) LiveWeights(ctx context.Context) (models.LiveWeights, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return models.LiveWeights{{Name: "directional", Strategies: []string{"trend"}}}, nil
}

func TestDisconnectDuringHistoricalQuery(t *testing.T) {
	gate := &gatedWeights{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarnessWith(t, gate, fakePoints{
		"trend": {{Timestamp: "2024-01-02 09:15:00", Value: 1}},
	})

	ws := h.dial(t)
	waitFor(t, func() bool { return testutil.ToFloat64(h.metrics.OpenConnections) == 1 })

	sendText(t, ws, `{"type":"request_historical_data","earliestTimestamp":1704187800000}`)

	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("historical query never started")
	}

	ws.Close()
	close(gate.release)

	waitFor(t, func() bool { return h.bus.Subscribers() == 0 })
	waitFor(t, func() bool { return testutil.ToFloat64(h.metrics.OpenConnections) == 0 })

	next := h.dial(t)
	h.bus.Publish(context.Background(), models.TopicConnection, []byte(`{"time":"y"}`))
	if got := readText(t, next); string(got) != `{"time":"y"}` {
		t.Errorf("gateway should keep relaying, got %s", got)
	}
}

func TestCloseDisconnectsClients(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	h.server.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal closure, got %v", err)
	}
	if n := h.bus.Subscribers(); n != 0 {
		t.Errorf("subscribers after close: %d", n)
	}

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Errorf("dial should fail after close")
	} else if resp != nil && resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status after close: %d", resp.StatusCode)
	}
}

func TestCloseWhileClientsConnect(t *testing.T) {
	h := newHarness(t)
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
				if err != nil {
					if resp != nil && resp.StatusCode != http.StatusServiceUnavailable {
						t.Errorf("status while closing: %d", resp.StatusCode)
					}
					continue
				}
				ws.Close()
			}
		}()
	}

	h.server.Close()
	wg.Wait()

	if got := testutil.ToFloat64(h.metrics.OpenConnections); got != 0 {
		t.Errorf("open connections after close: %v", got)
	}
	if n := h.bus.Subscribers(); n != 0 {
		t.Errorf("subscribers after close: %d", n)
	}
}

func TestClientsAreIndependent(t *testing.T) {
	h := newHarness(t)
	seedHistory(h)

	first := h.dial(t)
	second := h.dial(t)
	waitFor(t, func() bool { return h.bus.Subscribers() == 2 })

	sendText(t, first, `{"type":"request_historical_data","earliestTimestamp":"1704187800000"}`)
	resp := readText(t, first)
	if !strings.Contains(string(resp), `"channel":"historical_data"`) {
		t.Fatalf("unexpected response %s", resp)
	}

	h.bus.Publish(context.Background(), models.TopicClient, []byte(`{"tick":1}`))

	// The historical response went to first only; second sees the broadcast first.
	if got := readText(t, second); string(got) != `{"tick":1}` {
		t.Errorf("second client got %s", got)
	}
	if got := readText(t, first); string(got) != `{"tick":1}` {
		t.Errorf("first client got %s", got)
	}
}
