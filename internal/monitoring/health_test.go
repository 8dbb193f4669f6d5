package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/23skdu/longbow-reu/internal/metrics"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthzFollowsState(t *testing.T) {
	m := New("", "")
	h := m.Handler()

	tests := []struct {
		name   string
		apply  func()
		code   int
		status State
	}{
		{"starting", func() {}, http.StatusOK, StateStarting},
		{"serving", func() { m.Begin(8) }, http.StatusOK, StateServing},
		{"done", func() { m.Finish(nil) }, http.StatusOK, StateDone},
		{"failed", func() { m.Finish(errors.New("bank fault")) }, http.StatusServiceUnavailable, StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.apply()
			rec := get(t, h, "/healthz")
			if rec.Code != tt.code {
				t.Errorf("code = %d, want %d", rec.Code, tt.code)
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body["status"] != string(tt.status) {
				t.Errorf("status = %q, want %q", body["status"], tt.status)
			}
		})
	}
}

func TestStatusDocument(t *testing.T) {
	m := New("", "")
	m.SetModel(ModelInfo{Config: "dim=8", Layers: 2, SeqLen: 16, WeightBytes: 5792, FirstFree: "$00:1f40"})
	m.Begin(16)
	m.RecordStep(0, 100, 10*time.Millisecond)
	m.RecordStep(1, 120, 30*time.Millisecond)

	var st HealthStatus
	if err := json.NewDecoder(get(t, m.Handler(), "/status").Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Model.FirstFree != "$00:1f40" || st.Model.WeightBytes != 5792 {
		t.Errorf("model = %+v", st.Model)
	}
	g := st.Generation
	if g.Position != 1 || g.Tokens != 2 || g.Transfers != 220 || g.Steps != 16 {
		t.Errorf("generation = %+v", g)
	}
	if g.AvgStepMs != 20 {
		t.Errorf("AvgStepMs = %v, want 20", g.AvgStepMs)
	}
	if g.TokensPerSecond != 50 {
		t.Errorf("TokensPerSecond = %v, want 50", g.TokensPerSecond)
	}
	if st.Version != Version {
		t.Errorf("version = %q", st.Version)
	}
}

func TestAlerts(t *testing.T) {
	m := New("", "")
	h := m.Handler()
	for i := 0; i < maxAlerts+5; i++ {
		m.AddAlert("warning", "bank", "slow transfer")
	}
	m.Finish(errors.New("boom"))

	var alerts []Alert
	if err := json.NewDecoder(get(t, h, "/alerts").Body).Decode(&alerts); err != nil {
		t.Fatal(err)
	}
	if len(alerts) != maxAlerts {
		t.Fatalf("%d alerts kept, want %d", len(alerts), maxAlerts)
	}
	if last := alerts[len(alerts)-1]; last.Level != "error" || last.Message != "boom" {
		t.Errorf("last alert = %+v", last)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/alerts", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete code = %d", rec.Code)
	}
	if n := len(m.Status().Alerts); n != 0 {
		t.Errorf("%d alerts after clear", n)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/alerts", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("post code = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.RecordRopeRefresh()
	rec := get(t, New("", "").Handler(), "/metrics")
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "rope_table_refresh_total") {
		t.Error("metrics output is missing the rope refresh counter")
	}
}

func TestServeHTTPAndGRPC(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := New("127.0.0.1:0", "127.0.0.1:0")
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		sctx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = m.Shutdown(sctx)
	}()
	httpAddr, grpcAddr := m.Addrs()

	resp, err := http.Get("http://" + httpAddr + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz code = %d", resp.StatusCode)
	}

	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		cctx, c := context.WithTimeout(ctx, 5*time.Second)
		defer c()
		r, err := client.Check(cctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		if err != nil {
			t.Fatal(err)
		}
		return r.GetStatus()
	}

	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("before Begin: %v", got)
	}
	m.Begin(4)
	if got := check(); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("during run: %v", got)
	}
	m.Finish(nil)
	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("after Finish: %v", got)
	}
}
