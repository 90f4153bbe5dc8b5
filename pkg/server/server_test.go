package server

import (
	"context"
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
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/spotweb/pkg/bridge"
	"github.com/gwillem/spotweb/pkg/logbuf"
	"github.com/gwillem/spotweb/pkg/metrics"
	"github.com/gwillem/spotweb/pkg/robot/sim"
)

type fixture struct {
	srv   *httptest.Server
	sup   *bridge.Supervisor
	robot *sim.Robot
	logs  *logbuf.Buffer
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logs := logbuf.New(100)
	log := zerolog.New(logs)
	m := metrics.New()
	r := sim.New(sim.Options{})
	sup := bridge.New(r, bridge.WithLogger(log), bridge.WithMetrics(m))

	cfg.Target = bridge.Target{Host: "spot", Username: "admin", Password: "admin"}
	cfg.Settings = map[string]any{"SPOT_HOST": "spot"}
	if cfg.TelemetryInterval == 0 {
		cfg.TelemetryInterval = 20 * time.Millisecond
	}
	srv := httptest.NewServer(New(cfg, sup, logs, m, log).Handler())
	t.Cleanup(func() {
		srv.Close()
		sup.Disconnect(context.Background())
		logs.Close()
	})
	return &fixture{srv: srv, sup: sup, robot: r, logs: logs}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, bridge.Result) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var res bridge.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return resp.StatusCode, res
}

func (f *fixture) ok(t *testing.T, method, path, body string) bridge.Result {
	t.Helper()
	code, res := f.do(t, method, path, body)
	require.Equal(t, http.StatusOK, code)
	require.True(t, res.OK, "%s %s: %v", method, path, res.Err())
	return res
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.ok(t, "GET", "/api/health", "")
	assert.Equal(t, "running", res.Data["server"])
	assert.Equal(t, false, res.Data["connected"])
	assert.Equal(t, map[string]any{"SPOT_HOST": "spot"}, res.Data["config"])
}

func TestStatusWhileDisconnected(t *testing.T) {
	f := newFixture(t, Config{})
	code, res := f.do(t, "GET", "/api/status", "")
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, res.OK)
	assert.Equal(t, bridge.NotConnected, res.Error.Kind)
}

func TestDriveSession(t *testing.T) {
	f := newFixture(t, Config{})

	res := f.ok(t, "POST", "/api/connect", "")
	assert.Equal(t, "sim-0001", res.Data["robot_id"])
	f.ok(t, "POST", "/api/power/on", "")
	f.ok(t, "POST", "/api/command/stand", "")

	res = f.ok(t, "POST", "/api/command/velocity", `{"vx": 1.5, "vy": 0, "yaw": -0.2, "locomotion_hint": 2}`)
	assert.Equal(t, 0.5, res.Data["vx"])
	assert.Equal(t, -0.2, res.Data["yaw"])

	res = f.ok(t, "POST", "/api/command/body-pose", `{"height": -0.5, "pitch": 0.1}`)
	assert.Equal(t, -0.3, res.Data["height"])

	f.ok(t, "POST", "/api/command/stop", "")
	f.ok(t, "POST", "/api/estop/stop", "")
	res = f.ok(t, "GET", "/api/status", "")
	assert.Equal(t, "stopped", res.Data["estop_status"])
	f.ok(t, "POST", "/api/estop/release", "")

	// The e-stop cut motor power.
	f.ok(t, "POST", "/api/power/on", "")
	f.ok(t, "POST", "/api/command/sit", "")
	f.ok(t, "POST", "/api/power/off", "")
	f.ok(t, "POST", "/api/disconnect", "")
	f.ok(t, "POST", "/api/disconnect", "")
	assert.False(t, f.robot.LeaseHeld())
}

func TestMalformedBody(t *testing.T) {
	f := newFixture(t, Config{})
	for _, path := range []string{"/api/command/velocity", "/api/command/body-pose"} {
		code, res := f.do(t, "POST", path, `{"vx": "fast"`)
		assert.Equal(t, http.StatusBadRequest, code, path)
		require.NotNil(t, res.Error)
		assert.Equal(t, bridge.Kind("BadRequest"), res.Error.Kind)
	}
}

func TestDiagnostics(t *testing.T) {
	f := newFixture(t, Config{})

	res := f.ok(t, "GET", "/api/test-connection", "")
	assert.Equal(t, true, res.Data["ready_to_connect"])
	assert.Len(t, res.Data["tests"], 4)

	res = f.ok(t, "GET", "/api/diagnose", "")
	assert.Equal(t, "degraded", res.Data["overall_status"])
}

func TestLogDownload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spot_web.log")
	f := newFixture(t, Config{LogFile: path})

	code, res := f.do(t, "GET", "/api/logs/download", "")
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, res.OK)
	assert.Equal(t, "Log file not found", res.Error.Message)

	require.NoError(t, os.WriteFile(path, []byte("line one\n"), 0o600))
	res = f.ok(t, "GET", "/api/logs/download", "")
	assert.Equal(t, "line one\n", res.Data["logs"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, Config{})
	f.do(t, "GET", "/api/status", "")

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `spotweb_operations_total{op="status",result="error"} 1`)
}

func TestStaticFrontend(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>spot</h1>"), 0o600))
	f := newFixture(t, Config{FrontendDir: dir})

	resp, err := http.Get(f.srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "<h1>spot</h1>")
}

func dial(t *testing.T, f *fixture, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestTelemetrySocket(t *testing.T) {
	f := newFixture(t, Config{})
	conn := dial(t, f, "/ws/telemetry")

	var res bridge.Result
	require.NoError(t, conn.ReadJSON(&res))
	assert.False(t, res.OK)
	assert.Equal(t, bridge.NotConnected, res.Error.Kind)

	f.ok(t, "POST", "/api/connect", "")
	assert.Eventually(t, func() bool {
		var res bridge.Result
		return conn.ReadJSON(&res) == nil && res.OK && res.Data["connected"] == true
	}, 5*time.Second, time.Millisecond)
}

func TestLogSocket(t *testing.T) {
	f := newFixture(t, Config{})
	l := zerolog.New(f.logs)
	l.Info().Msg("before connect")
	conn := dial(t, f, "/ws/logs")

	var e logbuf.Entry
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, "before connect", e.Message)

	f.ok(t, "POST", "/api/connect", "")
	found := false
	for !found {
		var e logbuf.Entry
		require.NoError(t, conn.ReadJSON(&e))
		found = e.Message == "connected to robot"
	}
	assert.True(t, found)
}
