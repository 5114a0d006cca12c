package worker

import (
	"context"
	"time"
)

// Task 交給 Worker 執行的工作單元
type Task struct {
	Name    string                          // 任務名稱，用於日誌
	Run     func(ctx context.Context) error // 執行內容，回傳錯誤而不是 panic
	Timeout time.Duration                   // 執行超時時間，0 表示不限制
}

// Result 任務執行結果
type Result struct {
	Name     string        // 任務名稱
	WorkerID int           // 執行此任務的 Worker
	Err      error         // 錯誤訊息（如果有）
	Panicked bool          // 任務是否 panic
	Duration time.Duration // 實際執行時間
}

// Success 執行是否成功
func (r Result) Success() bool {
	return r.Err == nil
}
