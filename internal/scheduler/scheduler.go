// ============================================================================
// twinlife Job Scheduler - 依優先權與裝置狀態決定背景任務何時執行
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 管理延後執行的任務，在每次狀態改變時重新評估哪些任務可以執行
//
// 允許條件（state = online / foreground / foregroundServiceRunning）:
//   CONNECT     永遠
//   FOREGROUND  foreground 或 foregroundServiceRunning
//   UPDATE      online 且 foreground
//   MESSAGE     online
//   REPORT      online 且（foreground 或 foregroundServiceRunning）
//
// 重新評估 (reevaluateLocked):
//   - 允許但未排程 → 啟動計時器，時間為 max(deadline-now, 0)
//       FOREGROUND 固定 ForegroundDelay
//       REPORT 的 deadline 已過時延後 ReportDelay，與同一批推播的報告合併
//   - 已排程但不再允許 → 停止計時器（執行中的任務不會被中斷）
//   評估與觸發它的狀態修改在同一個臨界區內完成。
//
// 執行:
//   計時器到期 → 持鎖再檢查一次 → 交給單一 Worker 的執行器
//   → 執行器開始前再檢查一次（排隊中的任務也能被取消）→ Job.run
//   任務依序執行，永遠不會並行。
//
// 並發安全:
//   - 單一 sync.Mutex 保護任務列表、狀態旗標、鎖計數
//   - 任務內容、finish 回呼、OnActive / OnIdle 都在鎖外、執行器上呼叫，
//     交給執行器時同樣不持鎖
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/ChuLiYu/twinlife/internal/metrics"
	"github.com/ChuLiYu/twinlife/pkg/types"
)

var log = slog.Default().With("component", "scheduler")

// 預設時間常數
const (
	DefaultForegroundDelay  = 100 * time.Millisecond
	DefaultReportDelay      = 5 * time.Second
	DefaultNetworkLockGrace = 2 * time.Second
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrStopped 排程器已停止
	ErrStopped = errors.New("scheduler stopped")
	// ErrJobPanicked 任務 panic
	ErrJobPanicked = errors.New("job panicked")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Executor 依序執行任務的單一 Worker
type Executor interface {
	Go(name string, fn func()) error
}

// Config 排程器配置
type Config struct {
	Executor         Executor           // 必填，必須只有一個 Worker
	Clock            clock.Clock        // nil 時使用 clock.WallClock
	Metrics          *metrics.Collector // 可為 nil
	ForegroundDelay  time.Duration
	ReportDelay      time.Duration
	NetworkLockGrace time.Duration

	// OnActive / OnIdle 在「前景、前景服務、網路鎖」三者之一成立與否改變時呼叫
	OnActive func()
	OnIdle   func()
}

// Stats 排程器統計
type Stats struct {
	Jobs                     map[types.Priority]int
	Scheduled                int
	NetworkLocks             int
	ForegroundServiceRunning bool
	WindowEnd                time.Time
	TeardownPending          bool
	ForegroundServices       int
	Downgrades               int
	AverageDeliveryDelay     time.Duration
	Completed                int
	Failed                   int
	Cancelled                int
}

type demandState int

const (
	demandUnknown demandState = iota // 尚未通知過，第一次通知一定送出
	demandIdle
	demandActive
)

// Scheduler 依裝置狀態決定任務執行時機
type Scheduler struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	jobs       []*Job
	online     bool
	foreground bool
	appState   types.ApplicationState
	stopped    bool
	active     bool
	demand     demandState // 最後一次通知給 OnActive / OnIdle 的狀態
	demandDue  bool        // active 改變後尚未交給執行器

	// 前景服務視窗
	fgsRunning  bool
	windowEnd   time.Time
	windowTimer clock.Timer
	windowGen   uint64
	finishes    []func()

	// 網路鎖
	locks      int
	graceTimer clock.Timer
	graceGen   uint64

	// 統計
	fgsCount      int
	downgrades    int
	deliveryTotal time.Duration
	deliveryCount int
	completed     int
	failed        int
	cancelled     int
}

// New 建立排程器；初始狀態為離線、背景
func New(cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.ForegroundDelay <= 0 {
		cfg.ForegroundDelay = DefaultForegroundDelay
	}
	if cfg.ReportDelay <= 0 {
		cfg.ReportDelay = DefaultReportDelay
	}
	if cfg.NetworkLockGrace <= 0 {
		cfg.NetworkLockGrace = DefaultNetworkLockGrace
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		appState: types.AppBackground,
	}
}

// ============================================================================
// 排程
// ============================================================================

// ScheduleJob 建立任務，允許時儘快執行
func (s *Scheduler) ScheduleJob(name string, work Work, priority types.Priority) *Job {
	return s.ScheduleAfter(name, work, s.cfg.Clock.Now(), priority)
}

// ScheduleIn 建立任務，最早在 delay 之後執行
func (s *Scheduler) ScheduleIn(name string, work Work, delay time.Duration, priority types.Priority) *Job {
	return s.ScheduleAfter(name, work, s.cfg.Clock.Now().Add(delay), priority)
}

// ScheduleAfter 建立任務，最早在 deadline 執行
//
// 排程器已停止時回傳的任務直接處於完成狀態，永遠不會執行。
func (s *Scheduler) ScheduleAfter(name string, work Work, deadline time.Time, priority types.Priority) *Job {
	job := &Job{
		s:        s,
		name:     name,
		priority: priority,
		deadline: deadline,
		work:     work,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		job.state = jobDone
		log.Debug("job rejected, scheduler stopped", "job", job)
		return job
	}

	s.jobs = append(s.jobs, job)
	s.cfg.Metrics.RecordJobScheduled(priority)
	s.reevaluateLocked()
	return job
}

// ============================================================================
// 狀態輸入
// ============================================================================

// OnOnline 連線建立
func (s *Scheduler) OnOnline() {
	s.update(func() { s.online = true })
}

// OnOffline 連線中斷
func (s *Scheduler) OnOffline() {
	s.update(func() { s.online = false })
}

// OnConnect 與 OnDisconnect 讓排程器可以直接登記為連線通知的接收者
func (s *Scheduler) OnConnect()    { s.OnOnline() }
func (s *Scheduler) OnDisconnect() { s.OnOffline() }

// SetApplicationState 宿主應用程式的生命週期改變
func (s *Scheduler) SetApplicationState(state types.ApplicationState) {
	s.update(func() {
		s.appState = state
		s.foreground = state.IsForeground()
	})
}

// SetForeground 只更新前景旗標
func (s *Scheduler) SetForeground(foreground bool) {
	s.update(func() { s.foreground = foreground })
}

// update 在同一個臨界區內修改狀態並重新評估
func (s *Scheduler) update(mutate func()) {
	s.mu.Lock()
	mutate()
	s.reevaluateLocked()
	s.mu.Unlock()

	s.notifyDemand()
}

// ============================================================================
// 允許條件與重新評估
// ============================================================================

func (s *Scheduler) admittedLocked(p types.Priority) bool {
	switch p {
	case types.PriorityConnect:
		return true
	case types.PriorityForeground:
		return s.foreground || s.fgsRunning
	case types.PriorityUpdate:
		return s.online && s.foreground
	case types.PriorityMessage:
		return s.online
	case types.PriorityReport:
		return s.online && (s.foreground || s.fgsRunning)
	default:
		return false
	}
}

// reevaluateLocked 依目前狀態啟動或停止每個未執行任務的排程
func (s *Scheduler) reevaluateLocked() {
	if s.stopped {
		return
	}
	for _, job := range s.jobs {
		admitted := s.admittedLocked(job.priority)
		switch job.state {
		case jobPending:
			if admitted {
				s.armLocked(job)
			}
		case jobScheduled, jobQueued:
			if !admitted {
				s.disarmLocked(job)
			}
		}
	}
	s.updateDemandLocked()
}

// armLocked 依任務優先權計算延遲並啟動計時器
func (s *Scheduler) armLocked(job *Job) {
	delay := job.deadline.Sub(s.cfg.Clock.Now())
	if delay < 0 {
		delay = 0
	}
	switch job.priority {
	case types.PriorityForeground:
		// 一旦允許就以固定的短延遲執行，不等 deadline
		delay = s.cfg.ForegroundDelay
	case types.PriorityReport:
		if delay == 0 {
			delay = s.cfg.ReportDelay
		}
	}

	job.generation++
	gen := job.generation
	job.state = jobScheduled
	job.timer = s.cfg.Clock.AfterFunc(delay, func() { s.fire(job, gen) })
	log.Debug("job scheduled", "job", job, "delay", delay)
}

// disarmLocked 取消尚未開始的排程，任務回到等待狀態
func (s *Scheduler) disarmLocked(job *Job) {
	if job.timer != nil {
		job.timer.Stop()
		job.timer = nil
	}
	job.generation++
	job.state = jobPending
	log.Debug("job unscheduled", "job", job)
}

// fire 計時器到期：再檢查一次允許條件，交給執行器
func (s *Scheduler) fire(job *Job, gen uint64) {
	s.mu.Lock()
	if s.stopped || job.generation != gen || job.state != jobScheduled {
		s.mu.Unlock()
		return
	}
	if !s.admittedLocked(job.priority) {
		s.disarmLocked(job)
		s.mu.Unlock()
		return
	}
	job.state = jobQueued
	job.timer = nil
	s.mu.Unlock()

	err := s.cfg.Executor.Go(job.name, func() { s.execute(job, gen) })
	if err != nil {
		log.Warn("executor rejected job", "job", job, "error", err)
		s.mu.Lock()
		if job.generation == gen && job.state == jobQueued {
			s.removeLocked(job)
			job.state = jobDone
		}
		s.mu.Unlock()
	}
}

// execute 在執行器上：開始前最後一次檢查，然後執行
func (s *Scheduler) execute(job *Job, gen uint64) {
	s.mu.Lock()
	if s.stopped || job.generation != gen || job.state != jobQueued || !s.admittedLocked(job.priority) {
		if job.generation == gen && job.state == jobQueued {
			s.disarmLocked(job)
		}
		s.mu.Unlock()
		return
	}
	job.state = jobRunning
	s.mu.Unlock()

	err := s.run(job)

	s.mu.Lock()
	s.removeLocked(job)
	job.state = jobDone
	if err != nil {
		s.failed++
	} else {
		s.completed++
	}
	s.mu.Unlock()

	if err != nil {
		s.cfg.Metrics.RecordJobFailed()
	} else {
		s.cfg.Metrics.RecordJobCompleted()
	}
}

// run 執行任務內容；錯誤與 panic 都只記錄
func (s *Scheduler) run(job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
		}
		if err != nil {
			log.Error("job failed", "job", job, "error", err)
		}
	}()

	if job.work == nil {
		return nil
	}
	return job.work(s.ctx)
}

func (s *Scheduler) cancelJob(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch job.state {
	case jobRunning, jobDone:
		return
	}
	if job.timer != nil {
		job.timer.Stop()
		job.timer = nil
	}
	job.generation++
	job.state = jobDone
	s.removeLocked(job)
	s.cancelled++
	s.cfg.Metrics.RecordJobCancelled()
	log.Debug("job cancelled", "job", job)
}

func (s *Scheduler) removeLocked(job *Job) {
	for i, j := range s.jobs {
		if j == job {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return
		}
	}
}

// ============================================================================
// 需求通知
// ============================================================================

// updateDemandLocked 計算是否需要保持連線；改變時只做標記，
// 由呼叫端解鎖後呼叫 notifyDemand 交給執行器
func (s *Scheduler) updateDemandLocked() {
	active := s.foreground || s.fgsRunning || s.locks > 0 || s.graceTimer != nil
	if active == s.active {
		return
	}
	s.active = active
	s.demandDue = true
}

// notifyDemand 必須在未持有 s.mu 時呼叫：Executor.Go 在佇列滿時會阻塞，
// 而執行中的任務可能正在等 s.mu
func (s *Scheduler) notifyDemand() {
	s.mu.Lock()
	due := s.demandDue && !s.stopped
	s.demandDue = false
	s.mu.Unlock()

	if !due || (s.cfg.OnActive == nil && s.cfg.OnIdle == nil) {
		return
	}
	if err := s.cfg.Executor.Go("demand", s.deliverDemand); err != nil {
		log.Warn("demand hook dropped", "error", err)
	}
}

// deliverDemand 在執行器上讀取當下的需求狀態並通知；
// 送出順序因此不影響最後一次通知的結果
func (s *Scheduler) deliverDemand() {
	s.mu.Lock()
	want := demandIdle
	if s.active {
		want = demandActive
	}
	if s.stopped || want == s.demand {
		s.mu.Unlock()
		return
	}
	s.demand = want
	s.mu.Unlock()

	hook := s.cfg.OnIdle
	if want == demandActive {
		hook = s.cfg.OnActive
	}
	if hook != nil {
		hook()
	}
}

// ============================================================================
// 查詢與生命週期
// ============================================================================

// Active 是否有需要保持連線的需求（前景、前景服務或網路鎖）
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// IsOnline 連線狀態
func (s *Scheduler) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// ApplicationState 目前的生命週期狀態
func (s *Scheduler) ApplicationState() types.ApplicationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appState
}

// Stats 排程器統計快照
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Jobs:                     make(map[types.Priority]int),
		NetworkLocks:             s.locks,
		ForegroundServiceRunning: s.fgsRunning,
		WindowEnd:                s.windowEnd,
		TeardownPending:          s.graceTimer != nil,
		ForegroundServices:       s.fgsCount,
		Downgrades:               s.downgrades,
		Completed:                s.completed,
		Failed:                   s.failed,
		Cancelled:                s.cancelled,
	}
	for _, job := range s.jobs {
		st.Jobs[job.priority]++
		if job.state == jobScheduled || job.state == jobQueued {
			st.Scheduled++
		}
	}
	if s.deliveryCount > 0 {
		st.AverageDeliveryDelay = s.deliveryTotal / time.Duration(s.deliveryCount)
	}
	return st
}

// Stop 停止所有計時器；之後建立的任務不會執行，執行中的任務不受影響
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	for _, job := range s.jobs {
		if job.timer != nil {
			job.timer.Stop()
			job.timer = nil
		}
		job.generation++
		job.state = jobDone
	}
	dropped := len(s.jobs)
	s.jobs = nil
	s.stopWindowLocked()
	s.stopGraceLocked()
	s.cancel()
	log.Info("scheduler stopped", "dropped_jobs", dropped)
}
