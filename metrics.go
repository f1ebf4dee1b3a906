package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// pollStatus 指標需要的輪詢器狀態
type pollStatus interface {
	State() PollState
	Cycles() uint64
}

// MetricsCollector 指標收集器, 同時作為快照的 Sink
type MetricsCollector struct {
	mu sync.RWMutex

	startTime time.Time
	lastCycle *Snapshot

	registry *prometheus.Registry

	cycles        prometheus.Counter
	cycleDuration prometheus.Gauge
	lastCycleTime prometheus.Gauge
	items         prometheus.Gauge
	itemErrors    prometheus.Gauge
	values        *prometheus.GaugeVec
	up            *prometheus.GaugeVec
	errorsTotal   *prometheus.CounterVec

	server *http.Server
	status pollStatus
	logger *zap.Logger
}

// MetricsSnapshot 指標快照 (JSON 格式)
type MetricsSnapshot struct {
	Timestamp    time.Time `json:"timestamp"`
	Uptime       string    `json:"uptime"`
	PollState    string    `json:"poll_state"`
	Cycles       uint64    `json:"cycles"`
	LastCycleID  string    `json:"last_cycle_id,omitempty"`
	LastCycleAt  time.Time `json:"last_cycle_at,omitempty"`
	LastDuration string    `json:"last_duration,omitempty"`
	Items        int       `json:"items"`
	Errors       int       `json:"errors"`
	ErrorRate    float64   `json:"error_rate"`
}

// NewMetricsCollector 建立指標收集器
func NewMetricsCollector(status pollStatus, logger *zap.Logger) *MetricsCollector {
	m := &MetricsCollector{
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),
		status:    status,
		logger:    logger,

		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modbusbridge_cycles_total",
			Help: "Completed poll cycles",
		}),
		cycleDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modbusbridge_cycle_duration_seconds",
			Help: "Duration of the last poll cycle",
		}),
		lastCycleTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modbusbridge_last_cycle_timestamp_seconds",
			Help: "Start time of the last poll cycle",
		}),
		items: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modbusbridge_cycle_items",
			Help: "Parameters polled in the last cycle",
		}),
		itemErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modbusbridge_cycle_errors",
			Help: "Parameters that failed in the last cycle",
		}),
		values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modbusbridge_parameter_value",
			Help: "Last raw value read for a parameter",
		}, []string{"service", "parameter"}),
		up: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modbusbridge_parameter_up",
			Help: "Whether the last read of a parameter succeeded",
		}, []string{"service", "parameter"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modbusbridge_parameter_errors_total",
			Help: "Failed parameter reads by error kind",
		}, []string{"service", "parameter", "kind"}),
	}

	m.registry.MustRegister(
		m.cycles, m.cycleDuration, m.lastCycleTime, m.items, m.itemErrors,
		m.values, m.up, m.errorsTotal,
	)

	return m
}

// Attach 設定輪詢器狀態來源, 需在 Start 之前呼叫
func (m *MetricsCollector) Attach(status pollStatus) {
	m.status = status
}

// Publish 以快照更新指標
func (m *MetricsCollector) Publish(_ context.Context, snap *Snapshot) error {
	total, failed := snap.Counts()

	m.cycles.Inc()
	m.cycleDuration.Set(snap.Duration.Seconds())
	m.lastCycleTime.Set(float64(snap.StartedAt.Unix()))
	m.items.Set(float64(total))
	m.itemErrors.Set(float64(failed))

	for _, svc := range snap.Services {
		for _, item := range svc.Items {
			if item.Err != nil {
				m.values.DeleteLabelValues(svc.Service, item.Parameter)
				m.up.WithLabelValues(svc.Service, item.Parameter).Set(0)
				m.errorsTotal.WithLabelValues(svc.Service, item.Parameter, errorKind(item.Err)).Inc()
				continue
			}
			m.values.WithLabelValues(svc.Service, item.Parameter).Set(float64(item.Value))
			m.up.WithLabelValues(svc.Service, item.Parameter).Set(1)
		}
	}

	m.mu.Lock()
	m.lastCycle = snap
	m.mu.Unlock()

	return nil
}

// errorKind 錯誤分類標籤
func errorKind(err error) string {
	var resErr *ResolutionError
	if !errors.As(err, &resErr) {
		return "other"
	}
	if resErr.Kind == ResolveProtocol {
		var protoErr *ProtocolError
		if errors.As(resErr.Err, &protoErr) {
			return protoErr.Kind.String()
		}
	}
	return resErr.Kind.String()
}

// Start 啟動指標 HTTP 伺服器
func (m *MetricsCollector) Start(endpoint string, port int) error {
	mux := http.NewServeMux()
	mux.Handle(endpoint, m.Handler())
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/ready", m.handleReady)

	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("監聽指標位址 %s 失敗: %w", addr, err)
	}

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	m.server = server

	m.logger.Info("啟動指標伺服器", zap.String("addr", ln.Addr().String()), zap.String("endpoint", endpoint))

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("指標伺服器錯誤", zap.Error(err))
		}
	}()

	return nil
}

// Stop 關閉指標伺服器
func (m *MetricsCollector) Stop(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

// Snapshot 取得指標快照
func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	last := m.lastCycle
	m.mu.RUnlock()

	s := MetricsSnapshot{
		Timestamp: time.Now(),
		Uptime:    time.Since(m.startTime).String(),
	}

	if m.status != nil {
		s.PollState = m.status.State().String()
		s.Cycles = m.status.Cycles()
	}

	if last != nil {
		s.LastCycleID = last.ID.String()
		s.LastCycleAt = last.StartedAt
		s.LastDuration = last.Duration.String()
		s.Items, s.Errors = last.Counts()
		if s.Items > 0 {
			s.ErrorRate = float64(s.Errors) / float64(s.Items) * 100
		}
	}

	return s
}

// Handler /metrics, 預設 Prometheus 格式, format=json 時輸出快照
func (m *MetricsCollector) Handler() http.Handler {
	prom := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") == "application/json" || r.URL.Query().Get("format") == "json" {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(m.Snapshot())
			return
		}
		prom.ServeHTTP(w, r)
	})
}

// handleHealth 處理 /health 請求
func (m *MetricsCollector) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// handleReady 至少完成一個週期才算就緒
func (m *MetricsCollector) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if m.status == nil || m.status.Cycles() == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
