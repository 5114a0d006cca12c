// ============================================================================
// twinlife Config - 設定檔載入
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 以 YAML 描述執行環境的所有可調參數
//
// 設定檔結構（預設 configs/default.yaml）:
//   connection: 傳輸方式、伺服器位址、連線與重連逾時
//   request:    請求預設逾時
//   scheduler:  前景延遲、REPORT 批次延遲、網路鎖寬限時間
//   worker:     listener / continuation 工作池大小
//   telemetry:  事件批次大小與上限
//   store:      key-value 儲存檔案路徑
//   metrics:    Prometheus 端點
//
// 載入流程:
//   1. Default() 建立預設值
//   2. yaml.Unmarshal 覆蓋檔案中出現的欄位
//   3. Validate() 檢查範圍
//
// 時間欄位使用 Go duration 字串，例如 "64s"、"1500ms"。
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig 設定值超出允許範圍
var ErrInvalidConfig = errors.New("invalid config")

const (
	TransportWebSocket = "websocket"
	TransportGrpc      = "grpc"
)

// ConnectionConfig 連線狀態機與傳輸層設定
type ConnectionConfig struct {
	Transport              string        `yaml:"transport"` // websocket 或 grpc
	URL                    string        `yaml:"url"`       // websocket 位址
	Target                 string        `yaml:"target"`    // grpc 目標
	CAFile                 string        `yaml:"ca_file"`   // 額外信任的 CA，空字串表示只用系統憑證
	Insecure               bool          `yaml:"insecure"`  // grpc 不使用 TLS
	ConnectTimeout         time.Duration `yaml:"connect_timeout"`
	MinConnectedTimeout    time.Duration `yaml:"min_connected_timeout"`
	MaxConnectedTimeout    time.Duration `yaml:"max_connected_timeout"`
	MinReconnectionTimeout time.Duration `yaml:"min_reconnection_timeout"`
	MaxReconnectionTimeout time.Duration `yaml:"max_reconnection_timeout"`
}

// RequestConfig 請求設定
type RequestConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// SchedulerConfig 任務排程器設定
type SchedulerConfig struct {
	ForegroundDelay  time.Duration `yaml:"foreground_delay"`
	ReportDelay      time.Duration `yaml:"report_delay"`
	NetworkLockGrace time.Duration `yaml:"network_lock_grace"`
	QueueSize        int           `yaml:"queue_size"`
}

// WorkerConfig listener 與 continuation 工作池設定
type WorkerConfig struct {
	PoolSize  int `yaml:"pool_size"`
	QueueSize int `yaml:"queue_size"`
}

// TelemetryConfig 事件回報服務設定
type TelemetryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	MaxBuffered   int           `yaml:"max_buffered"`
}

// StoreConfig key-value 儲存設定
type StoreConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig Prometheus 設定
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Config 完整設定
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	Request    RequestConfig    `yaml:"request"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Worker     WorkerConfig     `yaml:"worker"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Store      StoreConfig      `yaml:"store"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// Default 回傳預設設定
func Default() Config {
	return Config{
		Connection: ConnectionConfig{
			Transport:              TransportWebSocket,
			URL:                    "wss://localhost:8443/twinlife",
			Target:                 "localhost:50051",
			ConnectTimeout:         10 * time.Second,
			MinConnectedTimeout:    64 * time.Second,
			MaxConnectedTimeout:    1024 * time.Second,
			MinReconnectionTimeout: 1000 * time.Millisecond,
			MaxReconnectionTimeout: 8000 * time.Millisecond,
		},
		Request: RequestConfig{
			DefaultTimeout: 20 * time.Second,
		},
		Scheduler: SchedulerConfig{
			ForegroundDelay:  100 * time.Millisecond,
			ReportDelay:      5 * time.Second,
			NetworkLockGrace: 2 * time.Second,
			QueueSize:        256,
		},
		Worker: WorkerConfig{
			PoolSize:  4,
			QueueSize: 256,
		},
		Telemetry: TelemetryConfig{
			Enabled:       true,
			FlushInterval: 60 * time.Second,
			BatchSize:     50,
			MaxBuffered:   1000,
		},
		Store: StoreConfig{
			Path: "data/twinlife.yaml",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
	}
}

// Load 讀取設定檔；檔案中未出現的欄位保留預設值
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate 檢查設定範圍
func (c Config) Validate() error {
	conn := c.Connection
	switch conn.Transport {
	case TransportWebSocket:
		if conn.URL == "" {
			return fmt.Errorf("%w: connection.url is required for websocket", ErrInvalidConfig)
		}
	case TransportGrpc:
		if conn.Target == "" {
			return fmt.Errorf("%w: connection.target is required for grpc", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, conn.Transport)
	}

	if conn.MinConnectedTimeout <= 0 || conn.MinConnectedTimeout > conn.MaxConnectedTimeout {
		return fmt.Errorf("%w: connected timeout range [%s, %s]", ErrInvalidConfig,
			conn.MinConnectedTimeout, conn.MaxConnectedTimeout)
	}
	if conn.MinReconnectionTimeout <= 0 || conn.MinReconnectionTimeout > conn.MaxReconnectionTimeout {
		return fmt.Errorf("%w: reconnection timeout range [%s, %s]", ErrInvalidConfig,
			conn.MinReconnectionTimeout, conn.MaxReconnectionTimeout)
	}
	if conn.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: connection.connect_timeout must be positive", ErrInvalidConfig)
	}
	if c.Request.DefaultTimeout <= 0 {
		return fmt.Errorf("%w: request.default_timeout must be positive", ErrInvalidConfig)
	}
	if c.Worker.PoolSize <= 0 {
		return fmt.Errorf("%w: worker.pool_size must be positive", ErrInvalidConfig)
	}
	if c.Telemetry.Enabled && (c.Telemetry.BatchSize <= 0 || c.Telemetry.MaxBuffered < c.Telemetry.BatchSize) {
		return fmt.Errorf("%w: telemetry batch_size %d / max_buffered %d", ErrInvalidConfig,
			c.Telemetry.BatchSize, c.Telemetry.MaxBuffered)
	}
	return nil
}
