// ============================================================================
// twinlife Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集並暴露請求、連線、排程器的運行指標
//
// 指標分類:
//
//   1. 請求 (Request Registry / Dispatch)：
//      - twinlife_requests_sent_total: 已送出請求數
//      - twinlife_requests_resolved_total{outcome}: 依 success / error / timeout 分類
//      - twinlife_request_latency_seconds: 送出到結束的延遲
//      - twinlife_requests_pending: 等待中的請求數
//      - twinlife_frames_dropped_total{reason}: 無法解碼或無人接收的封包
//
//   2. 連線 (Connection State Machine)：
//      - twinlife_connection_state: 0 DISCONNECTED / 1 CONNECTING / 2 CONNECTED
//      - twinlife_connect_attempts_total
//      - twinlife_connect_failures_total{kind}: dns / tcp / tls / handshake / other
//      - twinlife_connected_timeout_seconds / twinlife_reconnection_timeout_seconds
//
//   3. 排程 (Job Scheduler)：
//      - twinlife_jobs_scheduled_total{priority}
//      - twinlife_jobs_completed_total / failed_total / cancelled_total
//      - twinlife_network_locks
//      - twinlife_foreground_delivery_delay_seconds: 推播送出到前景服務啟動的延遲
//      - twinlife_priority_downgrades_total: 推播優先權被降級的次數
//
// Prometheus 查詢示例:
//
//   # 逾時比例
//   rate(twinlife_requests_resolved_total{outcome="timeout"}[5m])
//     / rate(twinlife_requests_sent_total[5m])
//
//   # 重連頻率
//   rate(twinlife_connect_attempts_total[10m])
//
// nil *Collector 的所有方法都是 no-op，元件不需要判斷是否啟用監控。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/twinlife/pkg/types"
)

// 請求結束的分類標籤
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 請求相關指標
	requestsSent     prometheus.Counter
	requestsResolved *prometheus.CounterVec
	requestLatency   prometheus.Histogram
	requestsPending  prometheus.Gauge
	framesDropped    *prometheus.CounterVec

	// 連線相關指標
	connectionState     prometheus.Gauge
	connectAttempts     prometheus.Counter
	connectFailures     *prometheus.CounterVec
	connectedTimeout    prometheus.Gauge
	reconnectionTimeout prometheus.Gauge

	// 排程相關指標
	jobsScheduled      *prometheus.CounterVec
	jobsCompleted      prometheus.Counter
	jobsFailed         prometheus.Counter
	jobsCancelled      prometheus.Counter
	networkLocks       prometheus.Gauge
	foregroundDelay    prometheus.Histogram
	priorityDowngrades prometheus.Counter
}

// NewCollector 建立指標收集器並註冊到 reg；reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		requestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twinlife_requests_sent_total",
			Help: "Total number of requests written to the connection",
		}),
		requestsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twinlife_requests_resolved_total",
			Help: "Total number of requests resolved, by outcome",
		}, []string{"outcome"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "twinlife_request_latency_seconds",
			Help:    "Time from registration to resolution",
			Buckets: prometheus.DefBuckets,
		}),
		requestsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "twinlife_requests_pending",
			Help: "Current number of pending requests",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twinlife_frames_dropped_total",
			Help: "Inbound frames dropped, by reason",
		}, []string{"reason"}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "twinlife_connection_state",
			Help: "Connection state: 0 disconnected, 1 connecting, 2 connected",
		}),
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twinlife_connect_attempts_total",
			Help: "Total number of connection attempts",
		}),
		connectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twinlife_connect_failures_total",
			Help: "Connection failures, by kind",
		}, []string{"kind"}),
		connectedTimeout: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "twinlife_connected_timeout_seconds",
			Help: "Current idle wait while connected",
		}),
		reconnectionTimeout: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "twinlife_reconnection_timeout_seconds",
			Help: "Current backoff before the next connection attempt",
		}),
		jobsScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twinlife_jobs_scheduled_total",
			Help: "Total number of jobs scheduled, by priority",
		}, []string{"priority"}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twinlife_jobs_completed_total",
			Help: "Total number of jobs that ran without error",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twinlife_jobs_failed_total",
			Help: "Total number of jobs that returned an error or panicked",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twinlife_jobs_cancelled_total",
			Help: "Total number of jobs cancelled before running",
		}),
		networkLocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "twinlife_network_locks",
			Help: "Current number of held network locks",
		}),
		foregroundDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "twinlife_foreground_delivery_delay_seconds",
			Help:    "Delay between a push being sent and the foreground service starting",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}),
		priorityDowngrades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twinlife_priority_downgrades_total",
			Help: "Pushes delivered with a lower priority than requested",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.requestsSent,
		c.requestsResolved,
		c.requestLatency,
		c.requestsPending,
		c.framesDropped,
		c.connectionState,
		c.connectAttempts,
		c.connectFailures,
		c.connectedTimeout,
		c.reconnectionTimeout,
		c.jobsScheduled,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsCancelled,
		c.networkLocks,
		c.foregroundDelay,
		c.priorityDowngrades,
	)

	return c
}

// ============================================================================
// 請求
// ============================================================================

// RecordRequestSent 記錄一個請求已寫入連線
func (c *Collector) RecordRequestSent() {
	if c == nil {
		return
	}
	c.requestsSent.Inc()
}

// RecordRequestResolved 記錄請求結束
func (c *Collector) RecordRequestResolved(outcome string, latency time.Duration) {
	if c == nil {
		return
	}
	c.requestsResolved.WithLabelValues(outcome).Inc()
	c.requestLatency.Observe(latency.Seconds())
}

// SetPendingRequests 更新等待中的請求數
func (c *Collector) SetPendingRequests(n int) {
	if c == nil {
		return
	}
	c.requestsPending.Set(float64(n))
}

// RecordFrameDropped 記錄被丟棄的封包
func (c *Collector) RecordFrameDropped(reason string) {
	if c == nil {
		return
	}
	c.framesDropped.WithLabelValues(reason).Inc()
}

// ============================================================================
// 連線
// ============================================================================

func (c *Collector) SetConnectionState(state types.ConnectionState) {
	if c == nil {
		return
	}
	c.connectionState.Set(float64(state))
}

func (c *Collector) RecordConnectAttempt() {
	if c == nil {
		return
	}
	c.connectAttempts.Inc()
}

func (c *Collector) RecordConnectFailure(kind string) {
	if c == nil {
		return
	}
	c.connectFailures.WithLabelValues(kind).Inc()
}

// SetTimeouts 更新連線狀態機目前的兩個等待時間
func (c *Collector) SetTimeouts(connected, reconnection time.Duration) {
	if c == nil {
		return
	}
	c.connectedTimeout.Set(connected.Seconds())
	c.reconnectionTimeout.Set(reconnection.Seconds())
}

// ============================================================================
// 排程
// ============================================================================

func (c *Collector) RecordJobScheduled(priority types.Priority) {
	if c == nil {
		return
	}
	c.jobsScheduled.WithLabelValues(priority.String()).Inc()
}

func (c *Collector) RecordJobCompleted() {
	if c == nil {
		return
	}
	c.jobsCompleted.Inc()
}

func (c *Collector) RecordJobFailed() {
	if c == nil {
		return
	}
	c.jobsFailed.Inc()
}

func (c *Collector) RecordJobCancelled() {
	if c == nil {
		return
	}
	c.jobsCancelled.Inc()
}

func (c *Collector) SetNetworkLocks(n int) {
	if c == nil {
		return
	}
	c.networkLocks.Set(float64(n))
}

// RecordForegroundService 記錄一次前景服務啟動的遞送延遲與是否降級
func (c *Collector) RecordForegroundService(delay time.Duration, downgraded bool) {
	if c == nil {
		return
	}
	if delay >= 0 {
		c.foregroundDelay.Observe(delay.Seconds())
	}
	if downgraded {
		c.priorityDowngrades.Inc()
	}
}

// ============================================================================
// HTTP 端點
// ============================================================================

// Server 在背景提供 /metrics
type Server struct {
	srv  *http.Server
	done chan error
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - addr: 監聽位址，例如 ":9090"
//   - gatherer: 指標來源，nil 時使用 prometheus.DefaultGatherer
func StartServer(addr string, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s := &Server{
		srv:  &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		done: make(chan error, 1),
	}
	go func() {
		err := s.srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	return s
}

// Shutdown 優雅關閉 HTTP 伺服器
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	return <-s.done
}
