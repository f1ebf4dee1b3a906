package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config 全域配置
type Config struct {
	Device    DeviceConfig    `json:"device" mapstructure:"device" yaml:"device"`
	Discovery DiscoveryConfig `json:"discovery" mapstructure:"discovery" yaml:"discovery"`
	Mapping   MappingConfig   `json:"mapping" mapstructure:"mapping" yaml:"mapping"`
	Poll      PollConfig      `json:"poll" mapstructure:"poll" yaml:"poll"`
	Sink      SinkConfig      `json:"sink" mapstructure:"sink" yaml:"sink"`
	Metrics   MetricsConfig   `json:"metrics" mapstructure:"metrics" yaml:"metrics"`
	Simulator SimulatorConfig `json:"simulator" mapstructure:"simulator" yaml:"simulator"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging" yaml:"logging"`
	Server    ServerConfig    `json:"server" mapstructure:"server" yaml:"server"`
}

// DeviceConfig 閘道器連線配置
type DeviceConfig struct {
	Host      string        `json:"host" mapstructure:"host" yaml:"host"`
	Port      int           `json:"port" mapstructure:"port" yaml:"port"`
	MAC       string        `json:"mac" mapstructure:"mac" yaml:"mac"`
	Interface string        `json:"interface" mapstructure:"interface" yaml:"interface"`
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout" yaml:"timeout"`
}

// DiscoveryConfig 服務探索配置
type DiscoveryConfig struct {
	Mode          string              `json:"mode" mapstructure:"mode" yaml:"mode"`
	ServicePrefix string              `json:"service_prefix" mapstructure:"service_prefix" yaml:"service_prefix"`
	Services      []DiscoveredService `json:"services" mapstructure:"services" yaml:"services"`
	SSH           SSHConfig           `json:"ssh" mapstructure:"ssh" yaml:"ssh"`
}

// SSHConfig 閘道器 SSH 配置
type SSHConfig struct {
	Host       string        `json:"host" mapstructure:"host" yaml:"host"`
	Port       int           `json:"port" mapstructure:"port" yaml:"port"`
	User       string        `json:"user" mapstructure:"user" yaml:"user"`
	Password   string        `json:"password" mapstructure:"password" yaml:"password"`
	KeyPath    string        `json:"key_path" mapstructure:"key_path" yaml:"key_path"`
	KnownHosts string        `json:"known_hosts" mapstructure:"known_hosts" yaml:"known_hosts"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout" yaml:"timeout"`
}

// MappingConfig 對照表來源配置
type MappingConfig struct {
	Path          string         `json:"path" mapstructure:"path" yaml:"path"`
	UnitPath      string         `json:"unit_path" mapstructure:"unit_path" yaml:"unit_path"`
	RegisterSheet string         `json:"register_sheet" mapstructure:"register_sheet" yaml:"register_sheet"`
	UnitSheet     string         `json:"unit_sheet" mapstructure:"unit_sheet" yaml:"unit_sheet"`
	HeaderRow     int            `json:"header_row" mapstructure:"header_row" yaml:"header_row"`
	UnitHeaderRow int            `json:"unit_header_row" mapstructure:"unit_header_row" yaml:"unit_header_row"`
	Columns       MappingColumns `json:"columns" mapstructure:"columns" yaml:"columns"`
}

// PollConfig 輪詢配置
type PollConfig struct {
	Interval       time.Duration `json:"interval" mapstructure:"interval" yaml:"interval"`
	CallTimeout    time.Duration `json:"call_timeout" mapstructure:"call_timeout" yaml:"call_timeout"`
	MaxConcurrency int           `json:"max_concurrency" mapstructure:"max_concurrency" yaml:"max_concurrency"`
	Retries        int           `json:"retries" mapstructure:"retries" yaml:"retries"`
	// PublishTimeout 為 0 時依參數數量與 MQTT 訊息間隔自動計算
	PublishTimeout time.Duration `json:"publish_timeout" mapstructure:"publish_timeout" yaml:"publish_timeout"`
}

// SinkConfig 快照輸出配置
type SinkConfig struct {
	Log  bool       `json:"log" mapstructure:"log" yaml:"log"`
	MQTT MQTTConfig `json:"mqtt" mapstructure:"mqtt" yaml:"mqtt"`
}

// MQTTConfig MQTT 輸出配置
type MQTTConfig struct {
	Enabled        bool          `json:"enabled" mapstructure:"enabled" yaml:"enabled"`
	Broker         string        `json:"broker" mapstructure:"broker" yaml:"broker"`
	ClientID       string        `json:"client_id" mapstructure:"client_id" yaml:"client_id"`
	Username       string        `json:"username" mapstructure:"username" yaml:"username"`
	Password       string        `json:"password" mapstructure:"password" yaml:"password"`
	Topic          string        `json:"topic" mapstructure:"topic" yaml:"topic"`
	QoS            byte          `json:"qos" mapstructure:"qos" yaml:"qos"`
	Retained       bool          `json:"retained" mapstructure:"retained" yaml:"retained"`
	MessageDelay   time.Duration `json:"message_delay" mapstructure:"message_delay" yaml:"message_delay"`
	ConnectTimeout time.Duration `json:"connect_timeout" mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ServicePrefix  string        `json:"service_prefix" mapstructure:"service_prefix" yaml:"service_prefix"`
}

// MetricsConfig 指標配置
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" mapstructure:"endpoint" yaml:"endpoint"`
	Port     int    `json:"port" mapstructure:"port" yaml:"port"`
}

// SimulatorConfig 模擬設備配置
type SimulatorConfig struct {
	Host   string           `json:"host" mapstructure:"host" yaml:"host"`
	Port   int              `json:"port" mapstructure:"port" yaml:"port"`
	Fill   uint16           `json:"fill" mapstructure:"fill" yaml:"fill"`
	Values []SimulatedValue `json:"values" mapstructure:"values" yaml:"values"`

	// 故障注入
	JitterMin time.Duration `json:"jitter_min" mapstructure:"jitter_min" yaml:"jitter_min"`
	JitterMax time.Duration `json:"jitter_max" mapstructure:"jitter_max" yaml:"jitter_max"`
	FaultRate float64       `json:"fault_rate" mapstructure:"fault_rate" yaml:"fault_rate"`
}

// SimulatedValue 指定暫存器的初始值
type SimulatedValue struct {
	Address uint16 `json:"address" mapstructure:"address" yaml:"address"`
	Value   uint16 `json:"value" mapstructure:"value" yaml:"value"`
}

// LoggingConfig 日誌配置
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level" yaml:"level"`
	Format     string `json:"format" mapstructure:"format" yaml:"format"`
	OutputPath string `json:"output_path" mapstructure:"output_path" yaml:"output_path"`
}

// ServerConfig 程序層級配置
type ServerConfig struct {
	GracefulTimeout time.Duration `json:"graceful_timeout" mapstructure:"graceful_timeout" yaml:"graceful_timeout"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Port:    ModbusTCPDefaultPort,
			Timeout: 2 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Mode:          "static",
			ServicePrefix: "com.victronenergy",
			Services:      []DiscoveredService{},
			SSH: SSHConfig{
				Port:    22,
				User:    "root",
				Timeout: 10 * time.Second,
			},
		},
		Mapping: MappingConfig{
			Path:          "CCGX-Modbus-TCP-register-list.xlsx",
			HeaderRow:     2,
			UnitHeaderRow: 1,
			Columns:       DefaultMappingColumns(),
		},
		Poll: PollConfig{
			Interval:       120 * time.Second,
			CallTimeout:    5 * time.Second,
			MaxConcurrency: 1,
			Retries:        0,
			PublishTimeout: 0,
		},
		Sink: SinkConfig{
			Log: true,
			MQTT: MQTTConfig{
				Enabled:        false,
				Broker:         "tcp://127.0.0.1:1883",
				ClientID:       "modbusbridge",
				Topic:          "victron/{service}/{setting_id}",
				QoS:            1,
				MessageDelay:   100 * time.Millisecond,
				ConnectTimeout: 10 * time.Second,
				ServicePrefix:  "com.victronenergy.",
			},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
			Port:     9090,
		},
		Simulator: SimulatorConfig{
			Host:   "0.0.0.0",
			Port:   5020,
			Values: []SimulatedValue{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
		Server: ServerConfig{
			GracefulTimeout: 10 * time.Second,
		},
	}
}

// LoadConfig 載入配置檔
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/modbusbridge/")
		v.AddConfigPath("$HOME/.modbusbridge/")
	}

	// 環境變數覆蓋, 例如 MODBUSBRIDGE_DEVICE_HOST
	v.SetEnvPrefix("MODBUSBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
		}
		// 配置檔不存在，使用預設值
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置驗證失敗: %w", err)
	}

	return cfg, nil
}

// basePublishTimeout 自動計算發布期限時的基本寬限
const basePublishTimeout = 10 * time.Second

// PublishTimeout 發布一個含 items 個參數的快照可用的時間
//
// 未設定 poll.publish_timeout 時, 啟用 MQTT 者需涵蓋每則訊息之間的間隔.
func (c *Config) PublishTimeout(items int) time.Duration {
	if c.Poll.PublishTimeout > 0 {
		return c.Poll.PublishTimeout
	}
	d := basePublishTimeout
	if c.Sink.MQTT.Enabled && items > 1 {
		d += time.Duration(items-1) * c.Sink.MQTT.MessageDelay
	}
	return d
}

// bindEnvKeys 讓常用的純量設定可以只靠環境變數覆蓋
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"device.host", "device.port", "device.mac", "device.interface", "device.timeout",
		"discovery.mode", "discovery.ssh.host", "discovery.ssh.user", "discovery.ssh.password",
		"mapping.path", "mapping.unit_path",
		"poll.interval", "poll.call_timeout", "poll.max_concurrency", "poll.retries", "poll.publish_timeout",
		"sink.log", "sink.mqtt.enabled", "sink.mqtt.broker", "sink.mqtt.username", "sink.mqtt.password",
		"metrics.enabled", "metrics.port",
		"logging.level", "logging.format",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate 驗證配置
func (c *Config) Validate() error {
	if err := validatePort("device.port", c.Device.Port); err != nil {
		return err
	}
	if c.Device.Timeout <= 0 {
		return fmt.Errorf("device.timeout 必須大於 0")
	}
	if strings.ContainsAny(c.Device.Host, " /") {
		return fmt.Errorf("無效的設備位址: %s", c.Device.Host)
	}
	if c.Device.MAC != "" {
		if _, err := net.ParseMAC(c.Device.MAC); err != nil {
			return fmt.Errorf("無效的 MAC 位址: %s", c.Device.MAC)
		}
	}

	switch c.Discovery.Mode {
	case "", "static":
	case "ssh":
		if c.Discovery.SSH.Host == "" && c.Device.Host == "" {
			return fmt.Errorf("ssh 探索需要 discovery.ssh.host 或 device.host")
		}
		if err := validatePort("discovery.ssh.port", c.Discovery.SSH.Port); err != nil {
			return err
		}
	default:
		return fmt.Errorf("無效的探索模式: %s", c.Discovery.Mode)
	}

	if c.Mapping.HeaderRow < 1 || c.Mapping.UnitHeaderRow < 1 {
		return fmt.Errorf("標題列必須從 1 開始")
	}

	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval 必須大於 0")
	}
	if c.Poll.CallTimeout <= 0 {
		return fmt.Errorf("poll.call_timeout 必須大於 0")
	}
	if c.Poll.MaxConcurrency < 1 || c.Poll.MaxConcurrency > 64 {
		return fmt.Errorf("poll.max_concurrency 必須介於 1 到 64: %d", c.Poll.MaxConcurrency)
	}
	if c.Poll.Retries < 0 {
		return fmt.Errorf("poll.retries 不可為負數")
	}
	if c.Poll.PublishTimeout < 0 {
		return fmt.Errorf("poll.publish_timeout 不可為負數")
	}

	if c.Sink.MQTT.Enabled {
		if c.Sink.MQTT.Broker == "" {
			return fmt.Errorf("啟用 MQTT 時必須指定 broker")
		}
		if c.Sink.MQTT.QoS > 2 {
			return fmt.Errorf("無效的 MQTT QoS: %d", c.Sink.MQTT.QoS)
		}
	}

	if c.Metrics.Enabled {
		if err := validatePort("metrics.port", c.Metrics.Port); err != nil {
			return err
		}
	}

	if c.Simulator.JitterMax < c.Simulator.JitterMin {
		return fmt.Errorf("simulator.jitter_max 不可小於 jitter_min")
	}
	if c.Simulator.FaultRate < 0 || c.Simulator.FaultRate > 1 {
		return fmt.Errorf("simulator.fault_rate 必須介於 0 到 1: %v", c.Simulator.FaultRate)
	}

	return validatePort("simulator.port", c.Simulator.Port)
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("無效的埠號 %s: %d", name, port)
	}
	return nil
}

// SaveConfig 儲存配置到檔案, 副檔名為 .yaml/.yml 時輸出 YAML
func (c *Config) SaveConfig(path string) error {
	var (
		data []byte
		err  error
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("序列化配置失敗: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("寫入配置檔失敗: %w", err)
	}

	return nil
}

// SSHTarget 探索用的 SSH 配置, 未指定主機時沿用設備位址
func (c *Config) SSHTarget() DiscoveryConfig {
	d := c.Discovery
	if d.SSH.Host == "" {
		d.SSH.Host = c.Device.Host
	}
	return d
}
