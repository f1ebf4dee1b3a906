package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// BridgeState 橋接服務狀態
type BridgeState int32

const (
	BridgeStateStopped BridgeState = iota
	BridgeStateStarting
	BridgeStateRunning
	BridgeStateStopping
)

func (s BridgeState) String() string {
	switch s {
	case BridgeStateStopped:
		return "stopped"
	case BridgeStateStarting:
		return "starting"
	case BridgeStateRunning:
		return "running"
	case BridgeStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Bridge 組合對照表, 設備登錄, 輪詢器與輸出
//
// 每個程序只建立一個, 由 CLI 明確傳遞.
type Bridge struct {
	mu sync.RWMutex

	config *Config

	state atomic.Int32

	mapping  *MappingTable
	registry *DeviceRegistry
	host     string

	discoverer Discoverer
	locator    DeviceLocator
	newClient  ClientFactory
	extraSinks []Sink

	poller  *Poller
	metrics *MetricsCollector
	mqtt    *MQTTSink

	cancel context.CancelFunc
	done   chan struct{}

	stats BridgeStats

	logger *zap.Logger
}

// BridgeStats 橋接服務統計
type BridgeStats struct {
	StartTime  time.Time
	Services   int
	Parameters int
	Units      int
}

// BridgeOption 橋接服務選項
type BridgeOption func(*Bridge)

// WithMappingTable 使用已載入的對照表, 不讀取檔案
func WithMappingTable(m *MappingTable) BridgeOption {
	return func(b *Bridge) {
		b.mapping = m
	}
}

// WithDiscoverer 指定服務探索來源
func WithDiscoverer(d Discoverer) BridgeOption {
	return func(b *Bridge) {
		b.discoverer = d
	}
}

// WithDeviceLocator 指定 MAC 位址定位器
func WithDeviceLocator(l DeviceLocator) BridgeOption {
	return func(b *Bridge) {
		b.locator = l
	}
}

// WithClientFactory 指定連線建立方式
func WithClientFactory(f ClientFactory) BridgeOption {
	return func(b *Bridge) {
		b.newClient = f
	}
}

// WithExtraSink 額外的快照輸出
func WithExtraSink(s Sink) BridgeOption {
	return func(b *Bridge) {
		b.extraSinks = append(b.extraSinks, s)
	}
}

// NewBridge 建立橋接服務
func NewBridge(config *Config, logger *zap.Logger, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		config: config,
		logger: logger,
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.locator == nil {
		b.locator = NewDeviceLocator(config.Device.Interface, logger)
	}

	return b
}

// Prepare 載入對照表, 探索服務並決定設備位址, 只執行一次
func (b *Bridge) Prepare(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.registry != nil {
		return nil
	}

	if b.mapping == nil {
		m, err := LoadMappingFile(b.config.Mapping, b.logger)
		if err != nil {
			return fmt.Errorf("載入對照表失敗: %w", err)
		}
		b.mapping = m
	}

	if b.discoverer == nil {
		d, err := NewDiscoverer(b.config.SSHTarget(), b.logger)
		if err != nil {
			return err
		}
		b.discoverer = d
	}

	discovered, err := b.discoverer.Discover(ctx)
	if err != nil {
		return fmt.Errorf("服務探索失敗: %w", err)
	}
	registry := NewDeviceRegistry(discovered, b.logger)

	if b.newClient == nil {
		host, err := ResolveDeviceHost(ctx, b.config.Device, b.locator, b.logger)
		if err != nil {
			return err
		}
		b.host = host
		b.newClient = b.modbusClientFactory(host)
	}

	b.registry = registry
	b.stats.Services = registry.Len()
	b.stats.Parameters = b.mapping.Len()
	b.stats.Units = b.mapping.UnitCount()

	b.logger.Info("橋接服務已就緒",
		zap.String("device", b.host),
		zap.Int("services", b.stats.Services),
		zap.Int("parameters", b.stats.Parameters),
		zap.Int("units", b.stats.Units),
	)

	return nil
}

func (b *Bridge) modbusClientFactory(host string) ClientFactory {
	return func() RegisterClient {
		return NewModbusClient(host, b.config.Device.Port,
			WithCallTimeout(b.config.Device.Timeout),
			WithClientLogger(b.logger.With(zap.String("device", host))),
		)
	}
}

// newPoller 依配置建立輪詢器
func (b *Bridge) newPoller(sink Sink) *Poller {
	return NewPoller(b.registry, b.mapping, b.newClient,
		WithPollInterval(b.config.Poll.Interval),
		WithPollCallTimeout(b.config.Poll.CallTimeout),
		WithRetries(b.config.Poll.Retries),
		WithPublishTimeout(b.config.PublishTimeout(b.itemCount())),
		WithConcurrency(b.config.Poll.MaxConcurrency),
		WithSink(sink),
		WithPollerLogger(b.logger),
	)
}

// itemCount 每個週期輪詢的 (服務, 參數) 數量
func (b *Bridge) itemCount() int {
	n := 0
	for _, svc := range b.registry.Services() {
		n += len(b.mapping.Parameters(svc))
	}
	return n
}

// buildSinks 組合所有啟用的輸出
func (b *Bridge) buildSinks() (MultiSink, error) {
	var sinks MultiSink

	if b.config.Sink.Log {
		sinks = append(sinks, NewLogSink(b.logger))
	}

	if b.config.Sink.MQTT.Enabled {
		mqttSink, err := NewMQTTSink(b.config.Sink.MQTT, b.logger)
		if err != nil {
			return nil, err
		}
		b.mqtt = mqttSink
		sinks = append(sinks, mqttSink)
	}

	if b.config.Metrics.Enabled {
		b.metrics = NewMetricsCollector(nil, b.logger)
		sinks = append(sinks, b.metrics)
	}

	return append(sinks, b.extraSinks...), nil
}

// Start 啟動週期輪詢
func (b *Bridge) Start(ctx context.Context) error {
	if !b.state.CompareAndSwap(int32(BridgeStateStopped), int32(BridgeStateStarting)) {
		return fmt.Errorf("橋接服務已經在運行中")
	}

	if err := b.Prepare(ctx); err != nil {
		b.state.Store(int32(BridgeStateStopped))
		return err
	}

	sinks, err := b.buildSinks()
	if err != nil {
		b.state.Store(int32(BridgeStateStopped))
		return err
	}

	b.mu.Lock()
	b.poller = b.newPoller(sinks)
	b.stats.StartTime = time.Now()
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.Attach(b.poller)
		if err := b.metrics.Start(b.config.Metrics.Endpoint, b.config.Metrics.Port); err != nil {
			b.logger.Warn("啟動指標伺服器失敗", zap.Error(err))
		}
	}

	// 輪詢獨立於呼叫端的 ctx, 由 Stop 結束
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.done = make(chan struct{})

	go func() {
		defer close(b.done)
		if err := b.poller.Run(runCtx); err != nil {
			b.logger.Error("輪詢器錯誤", zap.Error(err))
		}
	}()

	b.state.Store(int32(BridgeStateRunning))
	b.logger.Info("橋接服務已啟動",
		zap.Duration("interval", b.config.Poll.Interval),
		zap.Int("workers", b.config.Poll.MaxConcurrency),
	)

	return nil
}

// Stop 停止輪詢, 等待進行中的請求完成或逾時
func (b *Bridge) Stop(ctx context.Context) error {
	if !b.state.CompareAndSwap(int32(BridgeStateRunning), int32(BridgeStateStopping)) {
		return nil
	}

	b.logger.Info("正在停止橋接服務")
	b.cancel()

	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("停止橋接服務超時")
	}

	if b.metrics != nil {
		if err := b.metrics.Stop(ctx); err != nil {
			b.logger.Warn("關閉指標伺服器失敗", zap.Error(err))
		}
	}
	if b.mqtt != nil {
		b.mqtt.Close()
	}

	b.state.Store(int32(BridgeStateStopped))
	b.logger.Info("橋接服務已停止",
		zap.Duration("uptime", time.Since(b.stats.StartTime)),
		zap.Uint64("cycles", b.poller.Cycles()),
	)

	return nil
}

// PollOnce 執行單一週期, 不經過輸出
func (b *Bridge) PollOnce(ctx context.Context) (*Snapshot, error) {
	if err := b.Prepare(ctx); err != nil {
		return nil, err
	}

	p := b.newPoller(MultiSink{})
	defer p.Close()

	return p.PollOnce(ctx)
}

// Resolve 單次讀寫, 使用獨立連線
func (b *Bridge) Resolve(ctx context.Context, req Request) (Result, error) {
	if err := b.Prepare(ctx); err != nil {
		return Result{}, err
	}

	r := NewResolver(b.registry, b.mapping, b.newClient(), b.logger)
	defer r.Close()

	callCtx, cancel := context.WithTimeout(ctx, b.config.Poll.CallTimeout)
	defer cancel()

	return r.Resolve(callCtx, req)
}

// Services 已登錄的服務
func (b *Bridge) Services(ctx context.Context) ([]ServiceRecord, error) {
	if err := b.Prepare(ctx); err != nil {
		return nil, err
	}
	return b.registry.Records(), nil
}

// Mapping 目前的對照表
func (b *Bridge) Mapping() *MappingTable {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mapping
}

// State 取得橋接服務狀態
func (b *Bridge) State() BridgeState {
	return BridgeState(b.state.Load())
}

// Stats 取得統計資訊
func (b *Bridge) Stats() BridgeStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stats
}

// Poller 運行中的輪詢器, 未啟動時為 nil
func (b *Bridge) Poller() *Poller {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.poller
}
