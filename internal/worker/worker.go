package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker 從共享的任務通道取出任務並依序執行
type Worker struct {
	id       int           // Worker unique identifier, used for logging and debugging
	taskCh   <-chan Task   // Task channel (read-only), receives tasks to execute
	stopCh   <-chan struct{}
	observer func(Result)
}

func newWorker(id int, taskCh <-chan Task, stopCh <-chan struct{}, observer func(Result)) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		stopCh:   stopCh,
		observer: observer,
	}
}

// Run Worker 主循環，stopCh 關閉後結束；佇列中尚未開始的任務被捨棄
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			result := w.execute(task)
			if !result.Success() {
				log.Warn("task failed", "worker", w.id, "task", task.Name, "error", result.Err)
			}
			if w.observer != nil {
				w.observer(result)
			}
		}
	}
}

// execute 執行單一任務，panic 轉成 error，不會讓 Worker 結束
func (w *Worker) execute(task Task) (result Result) {
	start := time.Now()
	result = Result{Name: task.Name, WorkerID: w.id}

	ctx := context.Background()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
			result.Panicked = true
		}
		result.Duration = time.Since(start)
	}()

	result.Err = task.Run(ctx)
	return result
}
