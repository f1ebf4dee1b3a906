package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticStatus struct {
	state  PollState
	cycles uint64
}

func (s staticStatus) State() PollState { return s.state }
func (s staticStatus) Cycles() uint64   { return s.cycles }

func metricsSnapshot() *Snapshot {
	timeout := &ResolutionError{
		Kind:    ResolveProtocol,
		Service: "svcA",
		Err:     &ProtocolError{Op: OpRead, Kind: ProtocolTimeout, Err: context.DeadlineExceeded},
	}
	return &Snapshot{
		ID:        uuid.New(),
		StartedAt: time.Unix(1714564800, 0),
		Duration:  2 * time.Second,
		Services: []ServiceResult{
			{
				Service: "svcA",
				Items: []ItemResult{
					{Parameter: "paramX", Value: 123},
					{Parameter: "paramY", Err: timeout},
				},
			},
			{
				Service: "svcC",
				Items: []ItemResult{
					{Parameter: "paramW", Err: &ResolutionError{Kind: ResolveNoUnitMapping, Service: "svcC", InstanceID: 99}},
				},
			},
		},
	}
}

func TestMetricsCollector_Publish(t *testing.T) {
	m := NewMetricsCollector(nil, zap.NewNop())

	require.NoError(t, m.Publish(context.Background(), metricsSnapshot()))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.cycles))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.items))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.itemErrors))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.cycleDuration))
	assert.Equal(t, float64(123), testutil.ToFloat64(m.values.WithLabelValues("svcA", "paramX")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.up.WithLabelValues("svcA", "paramX")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.up.WithLabelValues("svcA", "paramY")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.errorsTotal.WithLabelValues("svcA", "paramY", "timeout")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.errorsTotal.WithLabelValues("svcC", "paramW", "no_unit_mapping")))

	// 失敗的參數不保留舊值
	assert.Equal(t, 1, testutil.CollectAndCount(m.values))
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"plain", errors.New("x"), "other"},
		{"unknown service", &ResolutionError{Kind: ResolveUnknownService}, "unknown_service"},
		{"protocol fault", &ResolutionError{Kind: ResolveProtocol, Err: &ProtocolError{Kind: ProtocolFault}}, "protocol_fault"},
		{"protocol without cause", &ResolutionError{Kind: ResolveProtocol, Err: errors.New("x")}, "protocol"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorKind(tt.err))
		})
	}
}

func TestMetricsCollector_Handler(t *testing.T) {
	m := NewMetricsCollector(nil, zap.NewNop())
	m.Attach(staticStatus{state: PollStateIdle, cycles: 1})
	require.NoError(t, m.Publish(context.Background(), metricsSnapshot()))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `modbusbridge_parameter_value{parameter="paramX",service="svcA"} 123`))

	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics?format=json", nil))
	var snap MetricsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "idle", snap.PollState)
	assert.Equal(t, uint64(1), snap.Cycles)
	assert.Equal(t, 3, snap.Items)
	assert.Equal(t, 2, snap.Errors)
}

func TestMetricsCollector_Ready(t *testing.T) {
	m := NewMetricsCollector(nil, zap.NewNop())

	rec := httptest.NewRecorder()
	m.handleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	m.Attach(staticStatus{cycles: 0})
	rec = httptest.NewRecorder()
	m.handleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	m.Attach(staticStatus{cycles: 3})
	rec = httptest.NewRecorder()
	m.handleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	m.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsCollector_StartPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()

	m := NewMetricsCollector(nil, zap.NewNop())
	err = m.Start("/metrics", ln.Addr().(*net.TCPAddr).Port)
	require.Error(t, err)
	assert.NoError(t, m.Stop(context.Background()))
}

func TestMetricsCollector_StartStop(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	m := NewMetricsCollector(nil, zap.NewNop())
	require.NoError(t, m.Start("/metrics", port))

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.NoError(t, m.Stop(context.Background()))
}
