package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"quoteflow/config"
	"quoteflow/internal/metrics"
	"quoteflow/internal/router"
	"quoteflow/logger"
	"quoteflow/models"
)

type stubConnections []models.ConnectionMetrics

func (s stubConnections) AllMetrics() []models.ConnectionMetrics { return s }

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type stubAlerts struct {
	alerts []models.MonitorAlert
	err    error
	limit  int
}

func (s *stubAlerts) ListAlerts(_ context.Context, limit int) ([]models.MonitorAlert, error) {
	s.limit = limit
	return s.alerts, s.err
}

func newTestServer(t *testing.T, sources Sources) (*Server, *gin.Engine) {
	t.Helper()
	log := logger.Logger()
	srv, err := NewServer(config.DashboardConfig{Enabled: true, SampleInterval: time.Second, MetricsHistory: 10, LogHistory: 10}, log, sources)
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	t.Cleanup(srv.cleanup)
	engine, err := srv.buildRouter("quoteflow")
	if err != nil {
		t.Fatalf("buildRouter error: %v", err)
	}
	return srv, engine
}

func get(t *testing.T, engine *gin.Engine, path string, v interface{}) int {
	t.Helper()
	res := httptest.NewRecorder()
	engine.ServeHTTP(res, httptest.NewRequest(http.MethodGet, path, nil))
	if v != nil {
		if err := json.Unmarshal(res.Body.Bytes(), v); err != nil {
			t.Fatalf("decode %s: %v (%s)", path, err, res.Body.String())
		}
	}
	return res.Code
}

func TestMetricsEndpointEmitsStoredMetrics(t *testing.T) {
	srv, engine := newTestServer(t, Sources{})

	metrics.EmitMetric(srv.log, "monitor", "alert_triggered", 5, "gauge", logger.Fields{"symbol": "BTCUSDT"})

	var body struct {
		Metrics []map[string]interface{} `json:"metrics"`
	}
	if code := get(t, engine, "/api/metrics?component=monitor", &body); code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", code)
	}
	if len(body.Metrics) == 0 || body.Metrics[0]["name"] != "alert_triggered" {
		t.Fatalf("expected the emitted metric, got %+v", body.Metrics)
	}
}

func TestHealthReportsStoreFailure(t *testing.T) {
	_, engine := newTestServer(t, Sources{Store: stubPinger{}})
	var body map[string]interface{}
	if code := get(t, engine, "/api/health", &body); code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health %d %+v", code, body)
	}

	_, engine = newTestServer(t, Sources{
		Store:        stubPinger{err: models.StoreUnavailable("ping", errors.New("gone"))},
		MonitorError: func() error { return errors.New("alert write failed") },
	})
	body = nil
	if code := get(t, engine, "/api/health", &body); code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Fatalf("unexpected health %d %+v", code, body)
	}
	if body["monitor_error"] != "alert write failed" {
		t.Fatalf("expected monitor error in health, got %+v", body)
	}
}

func TestConnectionsAndRouterEndpoints(t *testing.T) {
	r := router.New(config.RouterConfig{TickerBuffer: 1, OrderBookBuffer: 1, TradeBuffer: 1, CandleBuffer: 1, StatusBuffer: 1})
	defer r.Close()
	r.SubscribeFrontend(models.Topic{Provider: "binance", Channel: "ticker", Symbol: "BTCUSDT"})

	conns := stubConnections{{Provider: "binance", State: models.StateConnected, Connected: true}}
	_, engine := newTestServer(t, Sources{Connections: conns, Router: r})

	var cbody struct {
		Connections []models.ConnectionMetrics `json:"connections"`
	}
	get(t, engine, "/api/connections", &cbody)
	if len(cbody.Connections) != 1 || cbody.Connections[0].State != models.StateConnected {
		t.Fatalf("unexpected connections %+v", cbody)
	}

	var rbody struct {
		Dropped uint64   `json:"dropped"`
		Topics  []string `json:"topics"`
	}
	get(t, engine, "/api/router", &rbody)
	if len(rbody.Topics) != 1 || rbody.Topics[0] != "binance.ticker.BTCUSDT" {
		t.Fatalf("unexpected router payload %+v", rbody)
	}
}

func TestAlertsEndpointPassesLimit(t *testing.T) {
	alerts := &stubAlerts{alerts: []models.MonitorAlert{{ID: 1, ConditionID: 2, Provider: "acme", Symbol: "BTCUSD", TriggeredValue: 50001}}}
	_, engine := newTestServer(t, Sources{Alerts: alerts})

	var body struct {
		Alerts []models.MonitorAlert `json:"alerts"`
	}
	if code := get(t, engine, "/api/alerts?limit=5", &body); code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	if alerts.limit != 5 || len(body.Alerts) != 1 || body.Alerts[0].TriggeredValue != 50001 {
		t.Fatalf("unexpected alerts %+v (limit %d)", body, alerts.limit)
	}

	alerts.err = models.StoreUnavailable("list alerts", errors.New("locked"))
	if code := get(t, engine, "/api/alerts", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on store failure, got %d", code)
	}
}

func TestLogsEndpointFiltersByLevel(t *testing.T) {
	srv, engine := newTestServer(t, Sources{})
	srv.log.WithComponent("gateway").Info("client connected")
	srv.log.WithComponent("gateway").Warn("client lagging")

	var body struct {
		Logs []map[string]interface{} `json:"logs"`
	}
	get(t, engine, "/api/logs?level=warn", &body)
	for _, l := range body.Logs {
		if l["level"] != "warning" && l["level"] != "error" {
			t.Fatalf("unexpected level in filtered logs: %+v", l)
		}
	}
	if len(body.Logs) == 0 {
		t.Fatal("expected the warning to be captured")
	}
	if code := get(t, engine, "/api/logs?level=loud", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad level, got %d", code)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	_, engine := newTestServer(t, Sources{})
	metrics.ObserveRouted("ticker")

	res := httptest.NewRecorder()
	engine.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "quoteflow_router_messages_total") {
		t.Fatalf("unexpected /metrics response %d", res.Code)
	}
}
