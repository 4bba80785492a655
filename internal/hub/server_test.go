package hub

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candle-relay/market"
)

type wsEnv struct {
	srv *Server
	reg *Registry
	agg *market.Aggregator
	ts  *httptest.Server
}

func newWSEnv(t *testing.T, cfg ServerConfig) *wsEnv {
	t.Helper()
	reg := NewRegistry()
	agg := market.NewAggregator(market.AggregatorConfig{})
	srv := NewServer(cfg, reg, agg.Latest, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &wsEnv{srv: srv, reg: reg, agg: agg, ts: ts}
}

func (e *wsEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *wsEnv) waitSubscribers(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return e.reg.Len() == n }, 2*time.Second, 10*time.Millisecond)
}

func readSnapshot(t *testing.T, conn *websocket.Conn) market.Snapshot {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var snap market.Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	return snap
}

func TestServerBroadcastReachesSubscribers(t *testing.T) {
	env := newWSEnv(t, ServerConfig{Client: ClientOptions{SendQueue: 4}})
	a := env.dial(t)
	b := env.dial(t)
	env.waitSubscribers(t, 2)

	snap, err := env.agg.ProcessTick(market.Tick{Price: 100, Timestamp: 1700000000})
	require.NoError(t, err)
	_, err = NewBroadcaster(env.reg, nil, nil).Broadcast(snap)
	require.NoError(t, err)

	for _, conn := range []*websocket.Conn{a, b} {
		got := readSnapshot(t, conn)
		require.Len(t, got.History, 1)
		assert.Equal(t, "100.000000", got.History[0].Price)
		assert.Equal(t, "100.00", got.Stats.PctFlat)
	}
}

func TestServerLateSubscriberGetsFullWindow(t *testing.T) {
	env := newWSEnv(t, ServerConfig{ReplayLatest: true})
	for i := 0; i < 51; i++ {
		_, err := env.agg.ProcessTick(market.Tick{Price: 1 + float64(i)/100, Timestamp: 1700000000 + int64(i)})
		require.NoError(t, err)
	}

	conn := env.dial(t)
	got := readSnapshot(t, conn)
	require.Len(t, got.History, 51)
	assert.Equal(t, "1.000000", got.History[0].Price)
	assert.Equal(t, "1.500000", got.History[50].Price)
}

func TestServerLateSubscriberReceivesNextTickWithFullWindow(t *testing.T) {
	env := newWSEnv(t, ServerConfig{Client: ClientOptions{SendQueue: 4}})
	for i := 0; i < 50; i++ {
		_, err := env.agg.ProcessTick(market.Tick{Price: 1 + float64(i)/100, Timestamp: 1700000000 + int64(i)})
		require.NoError(t, err)
	}

	conn := env.dial(t)
	env.waitSubscribers(t, 1)

	snap, err := env.agg.ProcessTick(market.Tick{Price: 1.5, Timestamp: 1700000050})
	require.NoError(t, err)
	_, err = NewBroadcaster(env.reg, nil, nil).Broadcast(snap)
	require.NoError(t, err)

	got := readSnapshot(t, conn)
	require.Len(t, got.History, 51)
	assert.Equal(t, "1.000000", got.History[0].Price)
	assert.Equal(t, "1.500000", got.History[50].Price)
}

func TestServerNoReplayWhenDisabled(t *testing.T) {
	env := newWSEnv(t, ServerConfig{})
	_, err := env.agg.ProcessTick(market.Tick{Price: 1, Timestamp: 1700000000})
	require.NoError(t, err)

	conn := env.dial(t)
	env.waitSubscribers(t, 1)
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "no snapshot expected before the next tick")
}

func TestServerRemovesClosedSubscriber(t *testing.T) {
	env := newWSEnv(t, ServerConfig{})
	conn := env.dial(t)
	env.waitSubscribers(t, 1)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()
	env.waitSubscribers(t, 0)
}

func TestServerHealthz(t *testing.T) {
	env := newWSEnv(t, ServerConfig{})
	env.srv.SetHealth(func() map[string]interface{} {
		return map[string]interface{}{"state": "STREAMING", "window": 0}
	})

	resp, err := http.Get(env.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "STREAMING", body["state"])
	assert.EqualValues(t, 0, body["subscribers"])
}

func TestServerStaticDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>viewer</h1>"), 0o644))
	env := newWSEnv(t, ServerConfig{StaticDir: dir})

	resp, err := http.Get(env.ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "viewer")
}
