// Package monitoring serves process health over HTTP and the gRPC health
// protocol, and exposes the Prometheus registry.
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/23skdu/longbow-reu/internal/logger"
)

// Version is reported by /healthz and /status.
const Version = "0.1.0"

// ServiceName is the gRPC health service name for the generator. The empty
// name reports overall process health and follows it.
const ServiceName = "reu.Generator"

// State is the lifecycle of a generation process.
type State string

const (
	StateStarting State = "starting"
	StateServing  State = "serving"
	StateDone     State = "done"
	StateFailed   State = "failed"
)

// HealthStatus is the /status document.
type HealthStatus struct {
	Status     State          `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
	Version    string         `json:"version"`
	Uptime     time.Duration  `json:"uptime"`
	System     SystemInfo     `json:"system"`
	Model      ModelInfo      `json:"model"`
	Generation GenerationInfo `json:"generation"`
	Alerts     []Alert        `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// ModelInfo describes the resident model and the bank it occupies.
type ModelInfo struct {
	Config      string `json:"config"`
	Layers      int    `json:"layers"`
	Heads       int    `json:"heads"`
	SeqLen      int    `json:"seq_len"`
	VocabSize   int    `json:"vocab_size"`
	WeightBytes uint32 `json:"weight_bytes"`
	FirstFree   string `json:"first_free"`
	Bank        string `json:"bank"`
	BankBytes   int    `json:"bank_bytes"`
}

// GenerationInfo tracks the run in progress.
type GenerationInfo struct {
	Position        int       `json:"position"`
	Steps           int       `json:"steps"`
	Tokens          int       `json:"tokens"`
	Transfers       uint64    `json:"transfers"`
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgStepMs       float64   `json:"avg_step_ms"`
	LastStep        time.Time `json:"last_step"`
}

type Alert struct {
	Level     string    `json:"level"`     // info, warning, error
	Component string    `json:"component"` // engine, generate, bank
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

const maxAlerts = 100

// Monitor serves the process health over HTTP and the gRPC health
// protocol. An empty address disables that listener.
type Monitor struct {
	httpAddr string
	grpcAddr string

	startTime time.Time
	log       *logger.Logger

	mu        sync.RWMutex
	state     State
	model     ModelInfo
	gen       GenerationInfo
	stepTotal time.Duration
	alerts    []Alert

	health   *health.Server
	httpSrv  *http.Server
	grpcSrv  *grpc.Server
	httpLis  net.Listener
	grpcLis  net.Listener
	serveErr chan error
}

func New(httpAddr, grpcAddr string) *Monitor {
	m := &Monitor{
		httpAddr:  httpAddr,
		grpcAddr:  grpcAddr,
		startTime: time.Now(),
		log:       logger.Log.With("monitoring"),
		state:     StateStarting,
		health:    health.NewServer(),
		serveErr:  make(chan error, 2),
	}
	m.setHealth(healthpb.HealthCheckResponse_NOT_SERVING)
	return m
}

// Handler returns the HTTP routes: /health, /healthz, /status, /alerts and
// /metrics.
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/healthz", m.handleHealth)
	mux.HandleFunc("/status", m.handleStatus)
	mux.HandleFunc("/alerts", m.handleAlerts)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start binds the configured listeners and serves in the background until
// Shutdown is called or ctx is done.
func (m *Monitor) Start(ctx context.Context) error {
	if m.httpAddr != "" {
		lis, err := net.Listen("tcp", m.httpAddr)
		if err != nil {
			return fmt.Errorf("monitoring: listen http %s: %w", m.httpAddr, err)
		}
		m.httpLis = lis
		m.httpSrv = &http.Server{
			Handler:      m.Handler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			if err := m.httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				m.serveErr <- err
			}
		}()
		m.log.Info("http monitor listening", "addr", lis.Addr().String())
	}
	if m.grpcAddr != "" {
		lis, err := net.Listen("tcp", m.grpcAddr)
		if err != nil {
			if m.httpSrv != nil {
				_ = m.httpSrv.Close()
			}
			return fmt.Errorf("monitoring: listen grpc %s: %w", m.grpcAddr, err)
		}
		m.grpcLis = lis
		m.grpcSrv = grpc.NewServer()
		healthpb.RegisterHealthServer(m.grpcSrv, m.health)
		go func() {
			if err := m.grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				m.serveErr <- err
			}
		}()
		m.log.Info("grpc health listening", "addr", lis.Addr().String())
	}
	go func() {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = m.Shutdown(sctx)
		case err := <-m.serveErr:
			m.log.Error("monitor server stopped", "error", err)
		}
	}()
	return nil
}

// Addrs reports the bound listener addresses, empty when disabled.
func (m *Monitor) Addrs() (httpAddr, grpcAddr string) {
	if m.httpLis != nil {
		httpAddr = m.httpLis.Addr().String()
	}
	if m.grpcLis != nil {
		grpcAddr = m.grpcLis.Addr().String()
	}
	return httpAddr, grpcAddr
}

func (m *Monitor) Shutdown(ctx context.Context) error {
	m.health.Shutdown()
	var err error
	if m.httpSrv != nil {
		err = m.httpSrv.Shutdown(ctx)
	}
	if m.grpcSrv != nil {
		done := make(chan struct{})
		go func() {
			m.grpcSrv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			m.grpcSrv.Stop()
		}
	}
	return err
}

func (m *Monitor) setHealth(s healthpb.HealthCheckResponse_ServingStatus) {
	m.health.SetServingStatus("", s)
	m.health.SetServingStatus(ServiceName, s)
}

// SetModel records the resident model once it is loaded.
func (m *Monitor) SetModel(info ModelInfo) {
	m.mu.Lock()
	m.model = info
	m.mu.Unlock()
}

// Begin marks a generation of up to steps positions as running.
func (m *Monitor) Begin(steps int) {
	m.mu.Lock()
	m.state = StateServing
	m.gen = GenerationInfo{Steps: steps}
	m.stepTotal = 0
	m.mu.Unlock()
	m.setHealth(healthpb.HealthCheckResponse_SERVING)
}

// RecordStep tracks one forward pass.
func (m *Monitor) RecordStep(pos int, transfers uint64, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen.Position = pos
	m.gen.Tokens++
	m.gen.Transfers += transfers
	m.gen.LastStep = time.Now()
	m.stepTotal += d
	if m.stepTotal > 0 {
		m.gen.TokensPerSecond = float64(m.gen.Tokens) / m.stepTotal.Seconds()
		m.gen.AvgStepMs = float64(m.stepTotal.Nanoseconds()) / float64(m.gen.Tokens) / 1e6
	}
}

// Finish ends the run; a non-nil err marks it failed and raises an alert.
// Either way the gRPC status flips to NOT_SERVING.
func (m *Monitor) Finish(err error) {
	m.mu.Lock()
	if err != nil {
		m.state = StateFailed
	} else {
		m.state = StateDone
	}
	m.mu.Unlock()
	if err != nil {
		m.AddAlert("error", "generate", err.Error())
	}
	m.setHealth(healthpb.HealthCheckResponse_NOT_SERVING)
}

func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Monitor) AddAlert(level, component, message string) {
	m.mu.Lock()
	m.alerts = append(m.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(m.alerts) > maxAlerts {
		m.alerts = m.alerts[1:]
	}
	m.mu.Unlock()
	m.log.Warn("alert", "level", level, "component", component, "message", message)
}

func (m *Monitor) Status() HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return HealthStatus{
		Status:     m.state,
		Timestamp:  time.Now(),
		Version:    Version,
		Uptime:     time.Since(m.startTime),
		System:     systemInfo(),
		Model:      m.model,
		Generation: m.gen,
		Alerts:     append([]Alert(nil), m.alerts...),
	}
}

func systemInfo() SystemInfo {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(ms.Sys / 1024 / 1024),
		MemoryUsedMB: int(ms.Alloc / 1024 / 1024),
	}
}

func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := m.State()
	w.Header().Set("Content-Type", "application/json")
	if state == StateFailed {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    string(state),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (m *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.Status())
}

func (m *Monitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.Status().Alerts)
	case http.MethodDelete:
		m.mu.Lock()
		m.alerts = m.alerts[:0]
		m.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
