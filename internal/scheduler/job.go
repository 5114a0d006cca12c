package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"

	"github.com/ChuLiYu/twinlife/pkg/types"
)

// Work 任務內容；回傳的 error 只被記錄與計數，不會傳出排程器
type Work func(ctx context.Context) error

// jobState 任務狀態
//
//	pending ──armTimer──→ scheduled ──timer──→ queued ──executor──→ running ──→ done
//	   ↑                      │                   │
//	   └──────(不再允許)───────┴───────────────────┘
type jobState int

const (
	jobPending   jobState = iota // 在列表中，沒有計時器
	jobScheduled                 // 計時器已啟動
	jobQueued                    // 已交給執行器，尚未開始
	jobRunning                   // 執行中，不會被中斷
	jobDone                      // 已執行或已取消
)

func (s jobState) String() string {
	switch s {
	case jobPending:
		return "pending"
	case jobScheduled:
		return "scheduled"
	case jobQueued:
		return "queued"
	case jobRunning:
		return "running"
	case jobDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Job 延後執行的工作單位
//
// 除了建立時設定的唯讀欄位之外，其餘欄位都由 Scheduler.mu 保護。
type Job struct {
	s        *Scheduler
	name     string
	priority types.Priority
	deadline time.Time
	work     Work

	state      jobState
	timer      clock.Timer
	generation uint64 // 每次取消排程或重新排程都會遞增，過期的計時器 / 執行器回呼據此放棄
}

func (j *Job) Name() string {
	return j.name
}

func (j *Job) Priority() types.Priority {
	return j.priority
}

// Deadline 任務最早可執行的時間
func (j *Job) Deadline() time.Time {
	return j.deadline
}

// Scheduled 任務是否已交給計時器或執行器
func (j *Job) Scheduled() bool {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	return j.state == jobScheduled || j.state == jobQueued
}

// Done 任務是否已執行或已取消
func (j *Job) Done() bool {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	return j.state == jobDone
}

// Cancel 取消任務；可重複呼叫，任務已開始執行時是 no-op
func (j *Job) Cancel() {
	j.s.cancelJob(j)
}

func (j *Job) String() string {
	return fmt.Sprintf("%s[%s]", j.name, j.priority)
}
