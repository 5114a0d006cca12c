// ============================================================================
// twinlife Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和任務分發
//
// 設計模式:
//   採用 Worker Pool 模式（工作池模式）：
//   1. 固定數量的 Worker goroutine 持續運行
//   2. 通過共享的任務 channel 分發任務
//   3. 執行結果交給可選的 observer（例如更新指標）
//
// 兩種用法:
//   - Start(1): 單一 Worker，任務嚴格依提交順序執行（Job Scheduler 的執行器）
//   - Start(n): n 個 Worker，執行 packet listener 與請求 continuation
//
//   ┌─────────────┐
//   │ Scheduler / │ --Submit()--> taskCh
//   │ Dispatcher  │
//   └─────────────┘
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ observer(Result)
//   │  └────────┘ │
//   └─────────────┘
//
// 並發控制:
//   - taskCh: 帶緩衝 channel；滿載時 Submit 阻塞直到有空位或 Pool 停止
//   - stopCh: 關閉後 Worker 與阻塞中的 Submit 都會返回
//   - taskCh 永遠不關閉，Submit 與 Stop 之間沒有向已關閉 channel 發送的競爭
//
// 錯誤處理:
//   - ErrPoolNotStarted: Pool 未啟動時提交任務
//   - ErrPoolClosed: Pool 已關閉時提交任務
//   - 任務回傳的 error 與 panic 都被記錄，不會終止 Worker
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var log = slog.Default().With("component", "worker")

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 表示 Pool 已啟動
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrTaskPanicked 任務執行時 panic
	ErrTaskPanicked = errors.New("task panicked")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	name     string         // Pool 名稱，用於日誌
	workers  []*Worker      // Worker 列表
	taskCh   chan Task      // 任務通道
	stopCh   chan struct{}  // 停止訊號
	observer func(Result)   // 結果觀察者，可為 nil
	wg       sync.WaitGroup // 等待所有 Worker 完成
	started  bool
	stopped  bool
	mu       sync.Mutex // 保護 started / stopped / observer
}

// NewPool 建立新的 Worker Pool
// 參數：
//   - name: Pool 名稱
//   - bufferSize: 任務通道的緩衝大小
func NewPool(name string, bufferSize int) *Pool {
	return &Pool{
		name:    name,
		workers: make([]*Worker, 0),
		taskCh:  make(chan Task, bufferSize),
		stopCh:  make(chan struct{}),
	}
}

// SetObserver 設定結果觀察者，必須在 Start 之前呼叫
func (p *Pool) SetObserver(observer func(Result)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observer = observer
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.taskCh, p.stopCh, p.observer)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	log.Debug("worker pool started", "pool", p.name, "workers", workerCount)
	return nil
}

// Submit 提交任務到 Worker Pool
//
// 通道滿載時阻塞；Pool 停止時返回 ErrPoolClosed。
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// Go 提交一個不回傳錯誤的閉包
func (p *Pool) Go(name string, fn func()) error {
	return p.Submit(Task{
		Name: name,
		Run: func(context.Context) error {
			fn()
			return nil
		},
	})
}

// Stop 關閉 Worker Pool，等待執行中的任務完成；佇列中的任務被捨棄
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	if dropped := len(p.taskCh); dropped > 0 {
		log.Info("worker pool stopped with queued tasks", "pool", p.name, "dropped", dropped)
	}
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// QueueLen 佇列中尚未開始的任務數
func (p *Pool) QueueLen() int {
	return len(p.taskCh)
}
