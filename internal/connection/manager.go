// ============================================================================
// twinlife Connection Manager - 連線狀態機
// ============================================================================
//
// Package: internal/connection
// 文件: manager.go
// 功能: 維持唯一一條長連線：斷線後以隨機退避重連，連線中以逐步加長的
//       閒置等待做存活探測
//
// 狀態轉換 (State Machine):
//   DISCONNECTED
//      ↓ 到達 nextAttempt（或 Connect() 重設退避）
//   CONNECTING
//      ├─ 成功 → CONNECTED：connectedTimeout = Min，reconnectionTimeout 設為小的隨機值
//      └─ 失敗 → DISCONNECTED：reconnectionTimeout = clamp(rand[0,Max) + hint, Min, Max)
//   CONNECTED
//      ├─ 閒置 connectedTimeout → connectedTimeout 加倍（上限 Max）並 Ping
//      └─ Session 結束或 Ping 失敗 → DISCONNECTED
//
// 兩個等待時間刻意不對稱：
//   - connectedTimeout 單調加倍，成功連線時重設
//   - reconnectionTimeout 每次失敗重新隨機，避免大量用戶端同時重連
//
// 並發模型:
//   - 單一 loop goroutine 負責所有狀態轉換
//   - 其他 goroutine 透過 wakeCh 喚醒 loop（Connect / Disconnect / 網路變化）
//   - changed channel 以「關閉再替換」廣播狀態變化給 WaitForConnectedNetwork
//   - Connectable 通知在 loop goroutine 上、鎖外同步呼叫
//
// 生命週期:
//   Start() 啟動 loop；Stop() 是唯一的終止轉換，會關閉現有連線並等待 loop 結束。
//   任何連線失敗都不會讓 loop 結束。
//
// ============================================================================

package connection

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/twinlife/internal/metrics"
	"github.com/ChuLiYu/twinlife/internal/service"
	"github.com/ChuLiYu/twinlife/pkg/types"
)

var log = slog.Default().With("component", "connection")

// 等待時間常數
const (
	MinConnectedTimeout    = 64 * time.Second
	MaxConnectedTimeout    = 1024 * time.Second
	MinReconnectionTimeout = 1000 * time.Millisecond
	MaxReconnectionTimeout = 8000 * time.Millisecond
	NoReconnectionTimeout  = 0 // 立即重試一次

	DefaultConnectTimeout = 10 * time.Second

	// Connect() 重設退避的頻率上限
	resetBurst = 3
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrNotConnected 目前沒有連線
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyStarted Start 被呼叫兩次
	ErrAlreadyStarted = errors.New("connection manager already started")
	// ErrStopped Manager 已停止
	ErrStopped = errors.New("connection manager stopped")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Manager 配置；零值欄位使用套件常數
type Config struct {
	Transport Transport          // 必填
	Network   NetworkReporter    // nil 時視為永遠有網路
	Clock     clock.Clock        // nil 時使用 clock.WallClock
	Metrics   *metrics.Collector // 可為 nil
	Rand      func(n int64) int64

	ConnectTimeout         time.Duration
	MinConnectedTimeout    time.Duration
	MaxConnectedTimeout    time.Duration
	MinReconnectionTimeout time.Duration
	MaxReconnectionTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Network == nil {
		c.Network = alwaysAvailable{}
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Rand == nil {
		c.Rand = rand.Int63n
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.MinConnectedTimeout <= 0 {
		c.MinConnectedTimeout = MinConnectedTimeout
	}
	if c.MaxConnectedTimeout <= 0 {
		c.MaxConnectedTimeout = MaxConnectedTimeout
	}
	if c.MinReconnectionTimeout <= 0 {
		c.MinReconnectionTimeout = MinReconnectionTimeout
	}
	if c.MaxReconnectionTimeout <= 0 {
		c.MaxReconnectionTimeout = MaxReconnectionTimeout
	}
}

// Timeouts 等待時間快照
type Timeouts struct {
	Connected    time.Duration
	Reconnection time.Duration
	NextAttempt  time.Time // 零值表示立即
}

// Stats 連線統計
type Stats struct {
	State          types.ConnectionState
	Attempts       int
	Failures       int
	FailuresByKind map[FailureKind]int
	Connects       int
}

// Manager 連線狀態機
type Manager struct {
	cfg     Config
	limiter *rate.Limiter

	mu                  sync.Mutex
	state               types.ConnectionState
	session             Session
	connectedTimeout    time.Duration
	reconnectionTimeout time.Duration
	nextAttempt         time.Time
	autoConnect         bool
	connectables        []service.Connectable
	changed             chan struct{}
	stats               Stats
	started             bool
	stopped             bool

	receiver    atomic.Pointer[func([]byte)]
	wakeCh      chan struct{}
	stopCh      chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立連線狀態機，需呼叫 Start 才會開始連線
func NewManager(cfg Config) *Manager {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:                 cfg,
		limiter:             rate.NewLimiter(rate.Every(cfg.MinReconnectionTimeout), resetBurst),
		state:               types.StateDisconnected,
		connectedTimeout:    cfg.MinConnectedTimeout,
		reconnectionTimeout: NoReconnectionTimeout,
		autoConnect:         true,
		changed:             make(chan struct{}),
		stats:               Stats{FailuresByKind: make(map[FailureKind]int)},
		wakeCh:              make(chan struct{}, 1),
		stopCh:              make(chan struct{}),
		ctx:                 ctx,
		cancel:              cancel,
	}

	if w, ok := cfg.Network.(NetworkWatcher); ok {
		m.unsubscribe = w.Subscribe(m.NetworkChanged)
	}
	return m
}

// AddConnectable 登記需要連線通知的服務，必須在 Start 之前呼叫
func (m *Manager) AddConnectable(c service.Connectable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectables = append(m.connectables, c)
}

// SetReceiver 設定收到 frame 時的處理函式
func (m *Manager) SetReceiver(fn func(frame []byte)) {
	m.receiver.Store(&fn)
}

// Start 啟動連線 loop
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true

	m.wg.Add(1)
	go m.run()
	return nil
}

// Stop 停止 loop 並關閉連線
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	m.cancel()
	m.wg.Wait()

	if m.unsubscribe != nil {
		m.unsubscribe()
	}

	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess != nil {
		sess.Close()
		m.sessionLost(sess)
	}
	log.Info("connection manager stopped")
}

// ============================================================================
// 外部訊號
// ============================================================================

// Connect 要求立即連線；退避重設受頻率限制，超過時只喚醒 loop
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.limiter.AllowN(m.cfg.Clock.Now(), 1) {
		m.reconnectionTimeout = NoReconnectionTimeout
		m.nextAttempt = time.Time{}
	}
	m.mu.Unlock()
	m.wake()
}

// Disconnect 關閉目前的連線；loop 之後依退避重連
func (m *Manager) Disconnect() {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
	m.wake()
}

// SetAutoConnect 開啟或關閉自動連線；關閉時不會中斷已建立的連線
func (m *Manager) SetAutoConnect(enabled bool) {
	m.mu.Lock()
	changed := m.autoConnect != enabled
	m.autoConnect = enabled
	if changed && enabled {
		m.nextAttempt = time.Time{}
	}
	m.mu.Unlock()

	if changed {
		log.Debug("auto connect changed", "enabled", enabled)
		m.wake()
	}
}

// NetworkChanged 網路狀態改變的通知
func (m *Manager) NetworkChanged(available bool) {
	log.Info("network changed", "available", available)

	m.mu.Lock()
	m.broadcastLocked()
	m.mu.Unlock()

	if available {
		m.Connect()
	} else {
		m.wake()
	}
}

// WaitForConnectedNetwork 等待網路可用
//
// 網路已可用時立即回傳 true；否則等到狀態變化訊號或 timeout，醒來後重新取樣。
func (m *Manager) WaitForConnectedNetwork(ctx context.Context, timeout time.Duration) bool {
	m.mu.Lock()
	changed := m.changed
	m.mu.Unlock()

	if m.cfg.Network.IsNetworkAvailable() {
		return true
	}

	timer := m.cfg.Clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-changed:
	case <-timer.Chan():
	case <-ctx.Done():
	case <-m.stopCh:
	}
	return m.cfg.Network.IsNetworkAvailable()
}

// ============================================================================
// 查詢
// ============================================================================

func (m *Manager) State() types.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsConnected() bool {
	return m.State() == types.StateConnected
}

// Timeouts 目前的等待時間
func (m *Manager) Timeouts() Timeouts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Timeouts{
		Connected:    m.connectedTimeout,
		Reconnection: m.reconnectionTimeout,
		NextAttempt:  m.nextAttempt,
	}
}

// Stats 連線統計快照
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.State = m.state
	s.FailuresByKind = make(map[FailureKind]int, len(m.stats.FailuresByKind))
	for k, v := range m.stats.FailuresByKind {
		s.FailuresByKind[k] = v
	}
	return s
}

// Changed 下一次狀態變化時關閉的 channel
func (m *Manager) Changed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

// Send 在目前的連線上寫出 frame
func (m *Manager) Send(ctx context.Context, frame []byte) error {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()

	if sess == nil {
		return ErrNotConnected
	}
	return sess.Send(ctx, frame)
}

// ============================================================================
// 連線 loop
// ============================================================================

func (m *Manager) run() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		m.mu.Lock()
		sess := m.session
		m.mu.Unlock()

		if sess != nil {
			m.waitConnected(sess)
		} else {
			m.waitDisconnected()
		}
	}
}

// waitDisconnected 未連線：等到 nextAttempt 再嘗試連線
func (m *Manager) waitDisconnected() {
	m.mu.Lock()
	canConnect := m.autoConnect && m.cfg.Network.IsNetworkAvailable()
	scheduled := !m.nextAttempt.IsZero()
	wait := m.nextAttempt.Sub(m.cfg.Clock.Now())
	m.mu.Unlock()

	if !canConnect {
		m.sleep(m.cfg.MaxReconnectionTimeout)
		return
	}
	if scheduled && wait > 0 {
		m.sleep(wait)
		return
	}
	m.attempt()
}

// waitConnected 已連線：閒置 connectedTimeout 後探測
func (m *Manager) waitConnected(sess Session) {
	m.mu.Lock()
	timeout := m.connectedTimeout
	m.mu.Unlock()

	timer := m.cfg.Clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.stopCh:
	case <-m.wakeCh:
	case <-sess.Done():
		log.Info("connection lost", "error", sess.Err())
		m.sessionLost(sess)
	case <-timer.Chan():
		m.probe(sess)
	}
}

// probe 閒置到期：加倍 connectedTimeout 並 Ping
func (m *Manager) probe(sess Session) {
	m.mu.Lock()
	m.connectedTimeout *= 2
	if m.connectedTimeout > m.cfg.MaxConnectedTimeout {
		m.connectedTimeout = m.cfg.MaxConnectedTimeout
	}
	m.cfg.Metrics.SetTimeouts(m.connectedTimeout, m.reconnectionTimeout)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
	defer cancel()

	if err := sess.Ping(ctx); err != nil {
		log.Warn("liveness probe failed", "error", err)
		sess.Close()
		m.sessionLost(sess)
	}
}

// attempt 嘗試一次連線
func (m *Manager) attempt() {
	m.mu.Lock()
	m.state = types.StateConnecting
	m.stats.Attempts++
	m.broadcastLocked()
	m.mu.Unlock()

	m.cfg.Metrics.SetConnectionState(types.StateConnecting)
	m.cfg.Metrics.RecordConnectAttempt()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
	sess, err := m.cfg.Transport.Connect(ctx, m.deliver)
	cancel()

	if err != nil {
		m.connectFailed(err)
		return
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		sess.Close()
		m.setDisconnected()
		return
	}
	m.session = sess
	m.state = types.StateConnected
	m.stats.Connects++
	m.connectedTimeout = m.cfg.MinConnectedTimeout
	m.reconnectionTimeout = m.cfg.MinReconnectionTimeout + m.random(m.cfg.MinReconnectionTimeout)
	connectables := append([]service.Connectable(nil), m.connectables...)
	m.cfg.Metrics.SetTimeouts(m.connectedTimeout, m.reconnectionTimeout)
	m.broadcastLocked()
	m.mu.Unlock()

	m.cfg.Metrics.SetConnectionState(types.StateConnected)
	log.Info("connected")

	for _, c := range connectables {
		c.OnConnect()
	}
}

// connectFailed 重新隨機 reconnectionTimeout
func (m *Manager) connectFailed(err error) {
	kind, hint := classify(err)

	m.mu.Lock()
	timeout := m.random(m.cfg.MaxReconnectionTimeout) + hint
	if timeout < m.cfg.MinReconnectionTimeout {
		timeout = m.cfg.MinReconnectionTimeout
	}
	if timeout > m.cfg.MaxReconnectionTimeout {
		timeout = m.cfg.MaxReconnectionTimeout
	}
	m.reconnectionTimeout = timeout
	m.nextAttempt = m.cfg.Clock.Now().Add(timeout)
	m.state = types.StateDisconnected
	m.stats.Failures++
	m.stats.FailuresByKind[kind]++
	m.cfg.Metrics.SetTimeouts(m.connectedTimeout, m.reconnectionTimeout)
	m.broadcastLocked()
	m.mu.Unlock()

	m.cfg.Metrics.SetConnectionState(types.StateDisconnected)
	m.cfg.Metrics.RecordConnectFailure(string(kind))
	log.Warn("connect failed", "kind", kind, "retry_in", timeout, "error", err)
}

// sessionLost 連線結束：排定下一次嘗試並通知服務
func (m *Manager) sessionLost(sess Session) {
	m.mu.Lock()
	if m.session != sess {
		m.mu.Unlock()
		return
	}
	m.session = nil
	m.state = types.StateDisconnected
	m.nextAttempt = m.cfg.Clock.Now().Add(m.reconnectionTimeout)
	connectables := append([]service.Connectable(nil), m.connectables...)
	m.broadcastLocked()
	m.mu.Unlock()

	m.cfg.Metrics.SetConnectionState(types.StateDisconnected)

	for _, c := range connectables {
		c.OnDisconnect()
	}
}

func (m *Manager) setDisconnected() {
	m.mu.Lock()
	m.state = types.StateDisconnected
	m.broadcastLocked()
	m.mu.Unlock()
	m.cfg.Metrics.SetConnectionState(types.StateDisconnected)
}

// deliver 將收到的 frame 交給 receiver
func (m *Manager) deliver(frame []byte) {
	if fn := m.receiver.Load(); fn != nil && *fn != nil {
		(*fn)(frame)
	}
}

// sleep 等待 d、喚醒或停止
func (m *Manager) sleep(d time.Duration) {
	timer := m.cfg.Clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-m.stopCh:
	case <-m.wakeCh:
	case <-timer.Chan():
	}
}

func (m *Manager) wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// random 回傳 [0, n) 的隨機時間
func (m *Manager) random(n time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(m.cfg.Rand(int64(n)))
}

func (m *Manager) broadcastLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}
