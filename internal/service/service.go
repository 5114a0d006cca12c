// Package service 定義服務可選擇實作的能力介面
//
// 執行環境以介面斷言判斷服務具備哪些能力，而不是要求所有服務繼承同一個基底：
//   - Startable: 隨執行環境啟動與停止
//   - Connectable: 接收連線建立與中斷通知
//   - Configurable: 從設定檔讀取自身參數
package service

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/twinlife/internal/config"
)

// Startable 隨執行環境啟停的服務
type Startable interface {
	Start(ctx context.Context) error
	Stop()
}

// Connectable 關心連線狀態的服務
//
// 通知在連線管理器的 goroutine 上同步呼叫，實作不可阻塞。
type Connectable interface {
	OnConnect()
	OnDisconnect()
}

// Configurable 需要設定的服務
type Configurable interface {
	Configure(cfg config.Config) error
}

// Named 提供服務名稱，用於日誌
type Named interface {
	Name() string
}

// NameOf 取得服務名稱，未實作 Named 時回傳型別名稱
func NameOf(s any) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}
