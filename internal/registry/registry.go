// ============================================================================
// twinlife Request Registry - 等待中請求的登記與結束
// ============================================================================
//
// Package: internal/registry
// 文件: registry.go
// 功能: 配發 requestId、登記等待中的請求、在回應 / 錯誤 / 逾時三者之一發生時
//       恰好結束一次
//
// 請求生命週期:
//   NewRequestID()
//      ↓ Register()
//   Pending (等待中，計時器啟動)
//      ↓ Resolve() / ResolveError() / 計時器到期
//   Resolved (已從 pending 移除，continuation 被呼叫一次)
//
// 「恰好一次」的保證:
//   - 所有結束路徑都先在互斥鎖內把項目從 pending map 移除（claim）
//   - 只有 claim 成功的一方會呼叫 continuation
//   - 計時器路徑以指標比對，只 claim 自己登記的那一筆
//
// 並發安全:
//   - sync.Mutex 保護 pending map
//   - continuation 在釋放鎖之後呼叫，透過 Executor（共享工作池）執行
//   - requestId 計數器使用 atomic，不需持鎖
//
// 重試:
//   Registry 永遠不重試；TWINLIFE_OFFLINE 或 TIMEOUT_ERROR 交給上層服務決定。
//
// ============================================================================

package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/ChuLiYu/twinlife/internal/metrics"
	"github.com/ChuLiYu/twinlife/pkg/types"
)

var log = slog.Default().With("component", "registry")

// DefaultRequestTimeout 未指定逾時時使用
const DefaultRequestTimeout = 20 * time.Second

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrDuplicateRequest requestId 已在等待中
	ErrDuplicateRequest = errors.New("request already pending")
	// ErrInvalidRequestID requestId 必須為正數
	ErrInvalidRequestID = errors.New("invalid request id")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Kind 請求種類；錯誤回應時依種類決定額外處理（例如逐出快取物件）
type Kind int

const (
	KindGeneric Kind = iota // 沒有主體物件
	KindCreate              // 建立物件
	KindGet                 // 讀取物件
	KindUpdate              // 更新物件
	KindDelete              // 刪除物件
	KindInvoke              // 對物件呼叫動作
)

func (k Kind) String() string {
	switch k {
	case KindGeneric:
		return "generic"
	case KindCreate:
		return "create"
	case KindGet:
		return "get"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindInvoke:
		return "invoke"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Continuation 請求結束時的回呼，兩者恰好呼叫其一
type Continuation struct {
	OnResult func(result any)
	OnError  func(code types.ErrorCode)
}

// Request 要登記的請求
type Request struct {
	ID           int64         // NewRequestID() 配發
	Kind         Kind          // 請求種類
	Subject      uuid.UUID     // 主體物件的 arena ID，沒有主體時為 uuid.Nil
	Timeout      time.Duration // 0 表示使用預設逾時
	Continuation Continuation
}

// PendingRequest 等待中的請求
type PendingRequest struct {
	Request
	CreatedAt time.Time
	timer     clock.Timer
}

// Executor 執行 continuation 的工作池
type Executor interface {
	Go(name string, fn func()) error
}

// Config Registry 配置
type Config struct {
	Clock          clock.Clock        // 計時來源，nil 時使用 clock.WallClock
	Executor       Executor           // nil 時在結束請求的 goroutine 上直接呼叫
	Metrics        *metrics.Collector // 可為 nil
	DefaultTimeout time.Duration      // 0 時使用 DefaultRequestTimeout
}

// Registry 等待中請求的登記表
type Registry struct {
	mu      sync.Mutex
	pending map[int64]*PendingRequest
	nextID  atomic.Int64

	clock          clock.Clock
	executor       Executor
	metrics        *metrics.Collector
	defaultTimeout time.Duration
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Registry
func New(cfg Config) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultRequestTimeout
	}
	return &Registry{
		pending:        make(map[int64]*PendingRequest),
		clock:          cfg.Clock,
		executor:       cfg.Executor,
		metrics:        cfg.Metrics,
		defaultTimeout: cfg.DefaultTimeout,
	}
}

// NewRequestID 配發新的 requestId：單調遞增，跳過仍在等待中的 ID
func (r *Registry) NewRequestID() int64 {
	for {
		id := r.nextID.Add(1)
		if id <= 0 {
			r.nextID.CompareAndSwap(id, 0)
			continue
		}
		if !r.IsPending(id) {
			return id
		}
	}
}

// Register 登記請求並啟動逾時計時器
//
// 錯誤處理：
//   - ErrInvalidRequestID: ID 不是正數
//   - ErrDuplicateRequest: 相同 ID 仍在等待中
func (r *Registry) Register(req Request) error {
	if req.ID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRequestID, req.ID)
	}
	if req.Timeout <= 0 {
		req.Timeout = r.defaultTimeout
	}

	r.mu.Lock()
	if _, exists := r.pending[req.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrDuplicateRequest, req.ID)
	}

	pr := &PendingRequest{Request: req, CreatedAt: r.clock.Now()}
	pr.timer = r.clock.AfterFunc(req.Timeout, func() { r.expire(pr) })
	r.pending[req.ID] = pr
	n := len(r.pending)
	r.mu.Unlock()

	r.metrics.SetPendingRequests(n)
	return nil
}

// Claim 移除並回傳等待中的請求；ID 不存在時回傳 false
//
// 呼叫端取得請求後必須以 Complete 或 Fail 結束它。
func (r *Registry) Claim(id int64) (*PendingRequest, bool) {
	r.mu.Lock()
	pr, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	n := len(r.pending)
	r.mu.Unlock()

	if !ok {
		return nil, false
	}
	pr.timer.Stop()
	r.metrics.SetPendingRequests(n)
	return pr, true
}

// Resolve 以成功結果結束請求；ID 不存在時是 no-op
func (r *Registry) Resolve(id int64, result any) bool {
	pr, ok := r.Claim(id)
	if !ok {
		log.Debug("response for unknown request", "request_id", id)
		return false
	}
	r.Complete(pr, result)
	return true
}

// ResolveError 以錯誤碼結束請求；ID 不存在時是 no-op
func (r *Registry) ResolveError(id int64, code types.ErrorCode) bool {
	pr, ok := r.Claim(id)
	if !ok {
		log.Debug("error for unknown request", "request_id", id, "code", code)
		return false
	}
	r.Fail(pr, code)
	return true
}

// Complete 對已 claim 的請求遞送成功結果
func (r *Registry) Complete(pr *PendingRequest, result any) {
	r.metrics.RecordRequestResolved(metrics.OutcomeSuccess, r.clock.Now().Sub(pr.CreatedAt))
	onResult := pr.Continuation.OnResult
	if onResult == nil {
		return
	}
	r.dispatch(pr, func() { onResult(result) })
}

// Fail 對已 claim 的請求遞送錯誤碼
func (r *Registry) Fail(pr *PendingRequest, code types.ErrorCode) {
	outcome := metrics.OutcomeError
	if code == types.TimeoutError {
		outcome = metrics.OutcomeTimeout
	}
	r.metrics.RecordRequestResolved(outcome, r.clock.Now().Sub(pr.CreatedAt))
	onError := pr.Continuation.OnError
	if onError == nil {
		return
	}
	r.dispatch(pr, func() { onError(code) })
}

// expire 計時器到期：只 claim 自己登記的那一筆
func (r *Registry) expire(pr *PendingRequest) {
	r.mu.Lock()
	current, ok := r.pending[pr.ID]
	if !ok || current != pr {
		r.mu.Unlock()
		return
	}
	delete(r.pending, pr.ID)
	n := len(r.pending)
	r.mu.Unlock()

	r.metrics.SetPendingRequests(n)
	log.Debug("request timed out", "request_id", pr.ID, "kind", pr.Kind, "timeout", pr.Timeout)
	r.Fail(pr, types.TimeoutError)
}

func (r *Registry) dispatch(pr *PendingRequest, fn func()) {
	if r.executor == nil {
		fn()
		return
	}
	if err := r.executor.Go("continuation", fn); err != nil {
		log.Warn("continuation dropped", "request_id", pr.ID, "error", err)
	}
}

// Abandon 關閉時丟棄所有等待中的請求，不呼叫 continuation
//
// 返回值：
//   - []int64: 被丟棄的 requestId
func (r *Registry) Abandon() []int64 {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.pending))
	for id, pr := range r.pending {
		pr.timer.Stop()
		ids = append(ids, id)
	}
	r.pending = make(map[int64]*PendingRequest)
	r.mu.Unlock()

	r.metrics.SetPendingRequests(0)
	return ids
}

// IsPending 檢查 requestId 是否仍在等待中
func (r *Registry) IsPending(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

// Len 等待中的請求數
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
