package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type failingDiscovery struct{}

func (failingDiscovery) Discover(context.Context) ([]DiscoveredService, error) {
	return nil, errors.New("ssh: handshake failed")
}

func bridgeConfig() *Config {
	cfg := DefaultConfig()
	cfg.Sink.Log = false
	cfg.Metrics.Enabled = false
	cfg.Poll.Interval = 10 * time.Millisecond
	cfg.Poll.CallTimeout = time.Second
	return cfg
}

func scenarioDiscovery() StaticDiscovery {
	return StaticDiscovery{Services: []DiscoveredService{
		{Name: "svcA", InstanceID: 42},
		{Name: "svcB", InstanceID: 43},
		{Name: "svcC", InstanceID: 99},
	}}
}

func TestBridge_StartStop(t *testing.T) {
	client := newFakeClient()
	client.values[regKey{unit: 7, register: 100}] = []uint16{123}
	sink := &recordingSink{}

	b := NewBridge(bridgeConfig(), zap.NewNop(),
		WithMappingTable(scenarioMapping(t)),
		WithDiscoverer(scenarioDiscovery()),
		WithClientFactory(singleClient(client)),
		WithExtraSink(sink),
	)

	ctx := context.Background()
	require.NoError(t, b.Start(ctx))
	assert.Equal(t, BridgeStateRunning, b.State())
	assert.Error(t, b.Start(ctx), "不允許重複啟動")

	require.Eventually(t, func() bool { return sink.count() >= 2 }, 2*time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, b.Stop(stopCtx))
	assert.Equal(t, BridgeStateStopped, b.State())
	assert.True(t, client.closed)

	stats := b.Stats()
	assert.Equal(t, 3, stats.Services)
	assert.Equal(t, 4, stats.Parameters)
	assert.Equal(t, 2, stats.Units)

	x, ok := sink.snapshots[0].Lookup("svcA", "paramX")
	require.True(t, ok)
	assert.Equal(t, uint64(123), x.Value)

	// 再次停止不做任何事
	assert.NoError(t, b.Stop(stopCtx))
}

func TestBridge_StartWithMetrics(t *testing.T) {
	cfg := bridgeConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 0

	b := NewBridge(cfg, zap.NewNop(),
		WithMappingTable(scenarioMapping(t)),
		WithDiscoverer(scenarioDiscovery()),
		WithClientFactory(singleClient(newFakeClient())),
	)

	require.NoError(t, b.Start(context.Background()))
	require.Eventually(t, func() bool { return b.metrics.Snapshot().Items == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, b.Poller().Cycles(), uint64(1))

	require.NoError(t, b.Stop(context.Background()))
}

func TestBridge_PollOnce(t *testing.T) {
	client := newFakeClient()
	client.values[regKey{unit: 8, register: 200}] = []uint16{77}

	b := NewBridge(bridgeConfig(), zap.NewNop(),
		WithMappingTable(scenarioMapping(t)),
		WithDiscoverer(scenarioDiscovery()),
		WithClientFactory(singleClient(client)),
	)

	snap, err := b.PollOnce(context.Background())
	require.NoError(t, err)

	z, ok := snap.Lookup("svcB", "paramZ")
	require.True(t, ok)
	assert.Equal(t, uint64(77), z.Value)
	assert.True(t, client.closed)
	assert.Equal(t, BridgeStateStopped, b.State())
}

func TestBridge_Resolve(t *testing.T) {
	client := newFakeClient()

	b := NewBridge(bridgeConfig(), zap.NewNop(),
		WithMappingTable(scenarioMapping(t)),
		WithDiscoverer(scenarioDiscovery()),
		WithClientFactory(singleClient(client)),
	)

	value := uint16(55)
	res, err := b.Resolve(context.Background(), Request{Service: "svcA", Parameter: "paramX", Op: OpWrite, Value: &value})
	require.NoError(t, err)
	assert.Equal(t, uint8(7), res.Unit)
	assert.Equal(t, uint16(100), res.Register)
	assert.Equal(t, []writeCall{{unit: 7, register: 100, value: 55}}, client.writes)

	_, err = b.Resolve(context.Background(), Request{Service: "svcX", Parameter: "paramX", Op: OpRead})
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, ResolveUnknownService, resErr.Kind)
}

func TestBridge_Services(t *testing.T) {
	b := NewBridge(bridgeConfig(), zap.NewNop(),
		WithMappingTable(scenarioMapping(t)),
		WithDiscoverer(StaticDiscovery{Services: []DiscoveredService{
			{Name: "com.victronenergy.solarcharger.ttyO1", InstanceID: 258},
		}}),
		WithClientFactory(singleClient(newFakeClient())),
	)

	records, err := b.Services(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "com.victronenergy.solarcharger", records[0].Name)
	assert.Equal(t, 258, records[0].InstanceID)
}

func TestBridge_PrepareErrors(t *testing.T) {
	tests := []struct {
		name string
		opts []BridgeOption
	}{
		{
			name: "discovery failure",
			opts: []BridgeOption{
				WithMappingTable(scenarioMapping(t)),
				WithDiscoverer(failingDiscovery{}),
			},
		},
		{
			name: "no device address",
			opts: []BridgeOption{
				WithMappingTable(scenarioMapping(t)),
				WithDiscoverer(scenarioDiscovery()),
				WithDeviceLocator(&fakeLocator{}),
			},
		},
		{
			name: "missing mapping file",
			opts: []BridgeOption{
				WithDiscoverer(scenarioDiscovery()),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := bridgeConfig()
			cfg.Mapping.Path = "does-not-exist.xlsx"

			b := NewBridge(cfg, zap.NewNop(), tt.opts...)
			assert.Error(t, b.Start(context.Background()))
			assert.Equal(t, BridgeStateStopped, b.State())
		})
	}
}
