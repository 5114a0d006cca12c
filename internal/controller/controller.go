// ============================================================================
// twinlife 控制器 - 執行環境的組裝與生命週期
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 建立並連接所有元件，傳遞生命週期與網路訊號，負責啟動與關閉
//
// 元件關係:
//
//   Transport ──> connection.Manager ──frame──> dispatch.Dispatcher
//                   │  OnConnect/OnDisconnect      │  SendDataPacket
//                   ├─> scheduler.Scheduler        ├─> registry.Registry ──> listener pool
//                   ├─> dispatch.Dispatcher        └─> arena (ITEM_NOT_FOUND 逐出)
//                   └─> telemetry / 其他服務
//
//   scheduler.Scheduler ──job──> scheduler pool (1 worker)
//     OnActive / OnIdle ──> connection.SetAutoConnect
//
// 啟動順序:
//   1. 啟動工作池（listener N 個、scheduler 1 個）
//   2. 註冊回應封包、Configure 所有 Configurable 服務
//   3. 依序 Start 所有 Startable 服務
//   4. 啟動連線 loop
//
// 關閉順序與啟動相反；等待中的請求直接丟棄，不呼叫 continuation。
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/twinlife/internal/arena"
	"github.com/ChuLiYu/twinlife/internal/config"
	"github.com/ChuLiYu/twinlife/internal/connection"
	"github.com/ChuLiYu/twinlife/internal/dispatch"
	"github.com/ChuLiYu/twinlife/internal/metrics"
	"github.com/ChuLiYu/twinlife/internal/registry"
	"github.com/ChuLiYu/twinlife/internal/scheduler"
	"github.com/ChuLiYu/twinlife/internal/service"
	"github.com/ChuLiYu/twinlife/internal/telemetry"
	"github.com/ChuLiYu/twinlife/internal/transport"
	"github.com/ChuLiYu/twinlife/internal/worker"
	"github.com/ChuLiYu/twinlife/pkg/types"
)

var log = slog.Default().With("component", "controller")

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrAlreadyStarted Start 被呼叫兩次
	ErrAlreadyStarted = errors.New("controller already started")
	// ErrStopped 已停止的 Controller 不能再啟動
	ErrStopped = errors.New("controller stopped")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	Settings config.Config

	// 以下皆可為 nil，nil 時依 Settings 建立
	Transport connection.Transport      // 依 Settings.Connection.Transport 建立
	Network   connection.NetworkWatcher // 預設為有網路的 NetworkMonitor
	Store     *config.Store             // 開啟 Settings.Store.Path
	Clock     clock.Clock
	Registry  *prometheus.Registry

	// Precheck 送出請求前的資源檢查
	Precheck func(req dispatch.Request) types.ErrorCode

	// Services 額外的服務，依實作的介面接上生命週期與連線通知
	Services []any
}

// Status 執行環境的即時狀態
type Status struct {
	State            types.ConnectionState
	ApplicationState types.ApplicationState
	Connection       connection.Stats
	Timeouts         connection.Timeouts
	PendingRequests  int
	Scheduler        scheduler.Stats
	Telemetry        telemetry.Stats
	Objects          int
}

// Controller 執行環境
type Controller struct {
	settings config.Config
	network  connection.NetworkWatcher
	monitor  *connection.NetworkMonitor // Network 未指定時由 Controller 持有
	store    *config.Store
	registry *prometheus.Registry
	metrics  *metrics.Collector

	listeners *worker.Pool // listener 與 continuation
	jobs      *worker.Pool // scheduler 的單一執行器

	requests  *registry.Registry
	conn      *connection.Manager
	sched     *scheduler.Scheduler
	dispatch  *dispatch.Dispatcher
	objects   *arena.Arena[any]
	telemetry *telemetry.Service

	services []any // 依啟動順序

	mu      sync.Mutex
	started bool
	stopped bool
	running []service.Startable // 已啟動，關閉時反向停止
	cancel  context.CancelFunc
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewTransport 依設定建立傳輸層
func NewTransport(cfg config.ConnectionConfig) (connection.Transport, error) {
	switch cfg.Transport {
	case config.TransportWebSocket:
		return transport.NewWebSocket(transport.WebSocketConfig{
			URL:      cfg.URL,
			CAFile:   cfg.CAFile,
			Insecure: cfg.Insecure,
		}), nil
	case config.TransportGrpc:
		return transport.NewGrpc(transport.GrpcConfig{
			Target:   cfg.Target,
			CAFile:   cfg.CAFile,
			Insecure: cfg.Insecure,
		}), nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", config.ErrInvalidConfig, cfg.Transport)
	}
}

// New 建立並連接所有元件，尚未啟動任何 goroutine
//
// 參數：
//   - cfg: Controller 配置
//
// 返回值：
//   - *Controller: Controller 實例
//   - error: 設定無效、傳輸層或儲存檔案無法建立
func New(cfg Config) (*Controller, error) {
	settings := cfg.Settings
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		settings: settings,
		network:  cfg.Network,
		store:    cfg.Store,
		registry: cfg.Registry,
	}

	// 1. 外部依賴
	if cfg.Transport == nil {
		tr, err := NewTransport(settings.Connection)
		if err != nil {
			return nil, err
		}
		cfg.Transport = tr
	}
	if c.network == nil {
		c.monitor = connection.NewNetworkMonitor(true)
		c.network = c.monitor
	}
	if c.store == nil {
		store, err := config.OpenStore(settings.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		c.store = store
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if c.registry == nil {
		c.registry = prometheus.NewRegistry()
	}
	c.metrics = metrics.NewCollector(c.registry)

	// 2. 工作池
	c.listeners = worker.NewPool("listener", settings.Worker.QueueSize)
	c.jobs = worker.NewPool("scheduler", settings.Scheduler.QueueSize)
	c.listeners.SetObserver(observe("listener"))
	c.jobs.SetObserver(observe("scheduler"))

	// 3. 請求、連線、排程
	c.requests = registry.New(registry.Config{
		Clock:          cfg.Clock,
		Executor:       c.listeners,
		Metrics:        c.metrics,
		DefaultTimeout: settings.Request.DefaultTimeout,
	})

	conn := settings.Connection
	c.conn = connection.NewManager(connection.Config{
		Transport:              cfg.Transport,
		Network:                c.network,
		Clock:                  cfg.Clock,
		Metrics:                c.metrics,
		ConnectTimeout:         conn.ConnectTimeout,
		MinConnectedTimeout:    conn.MinConnectedTimeout,
		MaxConnectedTimeout:    conn.MaxConnectedTimeout,
		MinReconnectionTimeout: conn.MinReconnectionTimeout,
		MaxReconnectionTimeout: conn.MaxReconnectionTimeout,
	})

	c.sched = scheduler.New(scheduler.Config{
		Executor:         c.jobs,
		Clock:            cfg.Clock,
		Metrics:          c.metrics,
		ForegroundDelay:  settings.Scheduler.ForegroundDelay,
		ReportDelay:      settings.Scheduler.ReportDelay,
		NetworkLockGrace: settings.Scheduler.NetworkLockGrace,
		OnActive:         c.onActive,
		OnIdle:           c.onIdle,
	})

	// 4. 服務
	c.objects = arena.New[any]()
	c.dispatch = dispatch.New(dispatch.Config{
		Sender:   c.conn,
		Requests: c.requests,
		Executor: c.listeners,
		Subjects: c.objects,
		Metrics:  c.metrics,
		Precheck: cfg.Precheck,
	})
	c.conn.SetReceiver(c.dispatch.HandleFrame)

	c.telemetry = telemetry.New(telemetry.Config{
		Requester: c.dispatch,
		Scheduler: c.sched,
		Store:     c.store,
		Clock:     cfg.Clock,
		Settings:  settings.Telemetry,
	})
	if err := c.telemetry.Register(); err != nil {
		return nil, err
	}

	// 排程器先收到連線通知，服務的 OnConnect 才能排入立即可執行的任務
	c.services = append([]any{c.sched, c.dispatch, c.telemetry}, cfg.Services...)
	for _, svc := range c.services {
		if cn, ok := svc.(service.Connectable); ok {
			c.conn.AddConnectable(cn)
		}
	}

	return c, nil
}

func observe(pool string) func(worker.Result) {
	return func(r worker.Result) {
		if !r.Success() {
			log.Debug("task failed", "pool", pool, "task", r.Name, "panicked", r.Panicked, "error", r.Err)
		}
	}
}

// Start 啟動工作池、服務與連線 loop
//
// 任一服務啟動失敗時，已啟動的部分會被停止。
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true

	if err := c.listeners.Start(c.settings.Worker.PoolSize); err != nil {
		c.shutdownLocked()
		return fmt.Errorf("failed to start listener pool: %w", err)
	}
	if err := c.jobs.Start(1); err != nil {
		c.shutdownLocked()
		return fmt.Errorf("failed to start scheduler pool: %w", err)
	}

	ctx, c.cancel = context.WithCancel(ctx)

	for _, svc := range c.services {
		if cf, ok := svc.(service.Configurable); ok {
			if err := cf.Configure(c.settings); err != nil {
				c.shutdownLocked()
				return fmt.Errorf("failed to configure %s: %w", service.NameOf(svc), err)
			}
		}
	}
	for _, svc := range c.services {
		st, ok := svc.(service.Startable)
		if !ok {
			continue
		}
		if err := st.Start(ctx); err != nil {
			c.shutdownLocked()
			return fmt.Errorf("failed to start %s: %w", service.NameOf(svc), err)
		}
		c.running = append(c.running, st)
	}

	// 只在有需求時自動重連；啟動前的需求變化沒有執行器可以通知
	c.conn.SetAutoConnect(c.sched.Active())
	if err := c.conn.Start(); err != nil {
		c.shutdownLocked()
		return fmt.Errorf("failed to start connection: %w", err)
	}

	log.Info("Controller started",
		"transport", c.settings.Connection.Transport,
		"workers", c.settings.Worker.PoolSize,
		"services", len(c.services))
	return nil
}

// Stop 關閉所有元件；可重複呼叫
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	c.shutdownLocked()
	log.Info("Controller stopped")
}

func (c *Controller) shutdownLocked() {
	c.stopped = true

	// 先停止連線，之後不會再有新的 frame 或連線通知
	c.conn.Stop()

	if abandoned := c.requests.Abandon(); len(abandoned) > 0 {
		log.Info("Abandoned pending requests", "count", len(abandoned))
	}

	for _, st := range slices.Backward(c.running) {
		st.Stop()
	}
	c.running = nil

	c.sched.Stop()
	if c.cancel != nil {
		c.cancel()
	}
	c.jobs.Stop()
	c.listeners.Stop()

	if err := c.store.Save(); err != nil {
		log.Error("Failed to save store", "path", c.store.Path(), "error", err)
	}
}

// ============================================================================
// 訊號
// ============================================================================

// SetApplicationState 宿主應用程式的生命週期變化；進入前景時立即嘗試連線
func (c *Controller) SetApplicationState(state types.ApplicationState) {
	c.sched.SetApplicationState(state)
	if state.IsForeground() {
		c.conn.Connect()
	}
	log.Debug("Application state changed", "state", state)
}

// SetNetworkAvailable 更新網路狀態；只在 Controller 自己持有 NetworkMonitor 時有效
func (c *Controller) SetNetworkAvailable(available bool) {
	if c.monitor == nil {
		log.Warn("Network state is owned by the host watcher, ignoring update")
		return
	}
	c.monitor.Set(available)
}

func (c *Controller) onActive() {
	c.conn.SetAutoConnect(true)
	c.conn.Connect()
}

func (c *Controller) onIdle() {
	c.conn.SetAutoConnect(false)
}

// ============================================================================
// 存取
// ============================================================================

func (c *Controller) Dispatcher() *dispatch.Dispatcher {
	return c.dispatch
}

func (c *Controller) Scheduler() *scheduler.Scheduler {
	return c.sched
}

func (c *Controller) Connection() *connection.Manager {
	return c.conn
}

func (c *Controller) Requests() *registry.Registry {
	return c.requests
}

func (c *Controller) Telemetry() *telemetry.Service {
	return c.telemetry
}

// Objects 本地物件；伺服器回報 ITEM_NOT_FOUND 時對應的物件會被逐出
func (c *Controller) Objects() *arena.Arena[any] {
	return c.objects
}

func (c *Controller) Store() *config.Store {
	return c.store
}

// Gatherer 所有元件的 Prometheus 指標
func (c *Controller) Gatherer() prometheus.Gatherer {
	return c.registry
}

// Status 回傳目前狀態
func (c *Controller) Status() Status {
	return Status{
		State:            c.conn.State(),
		ApplicationState: c.sched.ApplicationState(),
		Connection:       c.conn.Stats(),
		Timeouts:         c.conn.Timeouts(),
		PendingRequests:  c.requests.Len(),
		Scheduler:        c.sched.Stats(),
		Telemetry:        c.telemetry.Stats(),
		Objects:          c.objects.Len(),
	}
}
