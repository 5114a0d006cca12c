package scheduler

import (
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/twinlife/pkg/types"
)

// ============================================================================
// 前景服務視窗
// ============================================================================
//
// 視窗開啟期間 FOREGROUND 任務被強制允許。視窗在下列條件同時成立時關閉：
//   - now >= windowEnd（StartForegroundService 只會延長，不會縮短）
//   - 沒有網路鎖
// 關閉時在執行器上呼叫所有累積的 finish。
//
// 網路鎖計數歸零後等待 NetworkLockGrace 才檢查是否關閉視窗；寬限期間新的鎖
// 或更晚的 windowEnd 都會使這次檢查失效。

// StartForegroundService 開啟或延長前景服務視窗
//
// 參數：
//   - priority: 實際遞送的推播優先權
//   - originalPriority: 伺服器送出時的優先權，高於 priority 表示被降級
//   - sentTime: 推播送出時間，零值表示未知
//   - finish: 視窗關閉時呼叫，可為 nil
//   - delay: 視窗長度
func (s *Scheduler) StartForegroundService(priority, originalPriority types.MessagePriority, sentTime time.Time, finish func(), delay time.Duration) {
	now := s.cfg.Clock.Now()
	downgraded := priority < originalPriority

	var deliveryDelay time.Duration
	if !sentTime.IsZero() && now.After(sentTime) {
		deliveryDelay = now.Sub(sentTime)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}

	s.fgsCount++
	if downgraded {
		s.downgrades++
	}
	if !sentTime.IsZero() {
		s.deliveryTotal += deliveryDelay
		s.deliveryCount++
	}
	if finish != nil {
		s.finishes = append(s.finishes, finish)
	}

	s.fgsRunning = true
	if end := now.Add(delay); end.After(s.windowEnd) {
		s.windowEnd = end
		s.armWindowLocked(delay)
	}
	s.reevaluateLocked()
	s.mu.Unlock()
	s.notifyDemand()

	s.cfg.Metrics.RecordForegroundService(deliveryDelay, downgraded)
	log.Info("foreground service started",
		"priority", priority,
		"original_priority", originalPriority,
		"delivery_delay", deliveryDelay,
		"window", delay)
}

// IsForegroundServiceRunning 視窗是否開啟中
func (s *Scheduler) IsForegroundServiceRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fgsRunning
}

func (s *Scheduler) armWindowLocked(delay time.Duration) {
	s.stopWindowLocked()
	s.windowGen++
	gen := s.windowGen
	s.windowTimer = s.cfg.Clock.AfterFunc(delay, func() { s.onWindowExpired(gen) })
}

func (s *Scheduler) stopWindowLocked() {
	if s.windowTimer != nil {
		s.windowTimer.Stop()
		s.windowTimer = nil
	}
}

func (s *Scheduler) onWindowExpired(gen uint64) {
	s.mu.Lock()
	if s.stopped || gen != s.windowGen {
		s.mu.Unlock()
		return
	}
	s.windowTimer = nil

	// 仍有網路鎖時由最後一次 Release 的寬限檢查負責關閉
	if s.locks > 0 || s.graceTimer != nil {
		s.mu.Unlock()
		return
	}
	finishes := s.teardownLocked()
	s.mu.Unlock()

	s.notifyDemand()
	s.runFinishes(finishes)
}

// teardownLocked 關閉視窗並回傳要呼叫的 finish
func (s *Scheduler) teardownLocked() []func() {
	if !s.fgsRunning {
		return nil
	}
	s.fgsRunning = false
	s.windowEnd = time.Time{}
	s.stopWindowLocked()
	finishes := s.finishes
	s.finishes = nil
	s.reevaluateLocked()
	log.Info("foreground service finished")
	return finishes
}

func (s *Scheduler) runFinishes(finishes []func()) {
	for _, fn := range finishes {
		if err := s.cfg.Executor.Go("foreground-finish", fn); err != nil {
			log.Warn("foreground finish dropped", "error", err)
		}
	}
}

// ============================================================================
// 網路鎖
// ============================================================================

// NetworkLock 要求保持連線的引用計數權杖
type NetworkLock struct {
	s        *Scheduler
	released atomic.Bool
}

// AllocateNetworkLock 取得網路鎖；會取消進行中的寬限檢查
func (s *Scheduler) AllocateNetworkLock() *NetworkLock {
	s.mu.Lock()
	s.locks++
	s.stopGraceLocked()
	n := s.locks
	s.reevaluateLocked()
	s.mu.Unlock()
	s.notifyDemand()

	s.cfg.Metrics.SetNetworkLocks(n)
	log.Debug("network lock allocated", "locks", n)
	return &NetworkLock{s: s}
}

// Release 釋放網路鎖；可重複呼叫
func (l *NetworkLock) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.s.releaseLock()
}

func (s *Scheduler) releaseLock() {
	s.mu.Lock()
	s.locks--
	n := s.locks
	if n == 0 && !s.stopped {
		s.stopGraceLocked()
		s.graceGen++
		gen := s.graceGen
		s.graceTimer = s.cfg.Clock.AfterFunc(s.cfg.NetworkLockGrace, func() { s.onGraceExpired(gen) })
	}
	s.reevaluateLocked()
	s.mu.Unlock()
	s.notifyDemand()

	s.cfg.Metrics.SetNetworkLocks(n)
	log.Debug("network lock released", "locks", n)
}

func (s *Scheduler) stopGraceLocked() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.graceGen++
}

// onGraceExpired 寬限期結束：沒有新鎖且視窗已到期時關閉視窗
func (s *Scheduler) onGraceExpired(gen uint64) {
	s.mu.Lock()
	if s.stopped || gen != s.graceGen {
		s.mu.Unlock()
		return
	}
	s.graceTimer = nil

	var finishes []func()
	if s.locks == 0 && !s.cfg.Clock.Now().Before(s.windowEnd) {
		finishes = s.teardownLocked()
	}
	s.reevaluateLocked()
	s.mu.Unlock()

	s.notifyDemand()
	s.runFinishes(finishes)
}
