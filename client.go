package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"go.uber.org/zap"
)

// ErrNotConnected 尚未建立連線
var ErrNotConnected = errors.New("modbus 連線尚未建立")

// ModbusClient 單一持久連線的 Modbus TCP 客戶端
//
// 同一時間只允許一個請求在連線上進行, 併發呼叫會在 mu 上排隊.
// 逾時或連線錯誤後連線會被丟棄, 下一次使用前需要重新 Connect.
type ModbusClient struct {
	mu sync.Mutex

	address string
	timeout time.Duration

	handler *modbus.TCPClientHandler
	client  modbus.Client

	logger *zap.Logger
}

// ClientOption 客戶端配置選項
type ClientOption func(*ModbusClient)

// WithClientLogger 設定日誌
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *ModbusClient) {
		c.logger = logger
	}
}

// WithCallTimeout 設定單次往返逾時
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *ModbusClient) {
		c.timeout = d
	}
}

// NewModbusClient 建立客戶端 (不會立即連線)
func NewModbusClient(host string, port int, opts ...ClientOption) *ModbusClient {
	c := &ModbusClient{
		address: net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		timeout: 2 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	return c
}

// Address 設備位址
func (c *ModbusClient) Address() string {
	return c.address
}

// Connected 是否持有可用連線
func (c *ModbusClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler != nil
}

// Connect 建立連線, 已存在的連線會被取代
func (c *ModbusClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dropLocked()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("連線 %s 已取消: %w", c.address, err)
	}

	h := modbus.NewTCPClientHandler(c.address)
	h.Timeout = c.timeout
	// 連線跨輪詢週期重用, 不使用閒置自動關閉
	h.IdleTimeout = 0

	done := make(chan error, 1)
	go func() {
		done <- h.Connect()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("連線 %s 失敗: %w", c.address, err)
		}
	case <-ctx.Done():
		go func() {
			if err := <-done; err == nil {
				_ = h.Close()
			}
		}()
		return fmt.Errorf("連線 %s 已取消: %w", c.address, ctx.Err())
	}

	c.handler = h
	c.client = modbus.NewClient(h)

	c.logger.Info("已連線至 Modbus 設備", zap.String("address", c.address))
	return nil
}

// ReadRegisters 讀取保持暫存器 (FC 03)
func (c *ModbusClient) ReadRegisters(ctx context.Context, unit uint8, start, count uint16) ([]uint16, error) {
	if count < 1 || count > MaxRegistersPerRead {
		return nil, fmt.Errorf("讀取 %d 個暫存器: %w", count, ErrQuantityOutOfRange)
	}

	data, err := c.exchange(ctx, OpRead, unit, start, func(cl modbus.Client) ([]byte, error) {
		return cl.ReadHoldingRegisters(start, count)
	})
	if err != nil {
		return nil, err
	}

	return bytesToRegisters(data), nil
}

// WriteRegister 寫入單一暫存器 (FC 06)
func (c *ModbusClient) WriteRegister(ctx context.Context, unit uint8, register, value uint16) error {
	_, err := c.exchange(ctx, OpWrite, unit, register, func(cl modbus.Client) ([]byte, error) {
		return cl.WriteSingleRegister(register, value)
	})
	return err
}

// Close 關閉連線
func (c *ModbusClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handler == nil {
		return nil
	}
	err := c.handler.Close()
	c.handler, c.client = nil, nil
	return err
}

// exchange 在連線上執行一次請求/回應, 可由 ctx 中止
func (c *ModbusClient) exchange(ctx context.Context, op Operation, unit uint8, register uint16, fn func(modbus.Client) ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handler == nil {
		return nil, &ProtocolError{Op: op, Kind: ProtocolTransport, Unit: unit, Register: register, Err: ErrNotConnected}
	}
	if err := ctx.Err(); err != nil {
		return nil, classifyError(op, unit, register, err)
	}

	handler, client := c.handler, c.client
	handler.SlaveId = unit

	type reply struct {
		data []byte
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		data, err := fn(client)
		done <- reply{data: data, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			perr := classifyError(op, unit, register, r.err)
			if perr.Kind != ProtocolFault {
				c.dropLocked()
			}
			c.logger.Debug("Modbus 請求失敗",
				zap.String("op", op.String()),
				zap.Uint8("unit", unit),
				zap.Uint16("register", register),
				zap.String("kind", perr.Kind.String()),
				zap.Error(r.err),
			)
			return nil, perr
		}
		return r.data, nil

	case <-ctx.Done():
		// 放棄這條連線; 背景請求在 handler 逾時後結束並關閉 socket
		c.handler, c.client = nil, nil
		go func() {
			<-done
			_ = handler.Close()
		}()
		return nil, classifyError(op, unit, register, ctx.Err())
	}
}

// dropLocked 丟棄目前的連線 (呼叫端需持有 mu)
func (c *ModbusClient) dropLocked() {
	if c.handler == nil {
		return
	}
	if err := c.handler.Close(); err != nil {
		c.logger.Debug("關閉連線失敗", zap.String("address", c.address), zap.Error(err))
	}
	c.handler, c.client = nil, nil
}

// classifyError 將底層錯誤分類為 Timeout / Transport / ProtocolFault
func classifyError(op Operation, unit uint8, register uint16, err error) *ProtocolError {
	perr := &ProtocolError{Op: op, Kind: ProtocolTransport, Unit: unit, Register: register, Err: err}

	var mbErr *modbus.ModbusError
	var netErr net.Error
	switch {
	case errors.As(err, &mbErr):
		perr.Kind = ProtocolFault
		perr.Err = fmt.Errorf("%s: %w", exceptionText(mbErr.ExceptionCode), err)
	case errors.Is(err, context.DeadlineExceeded):
		perr.Kind = ProtocolTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		perr.Kind = ProtocolTimeout
	}

	return perr
}
