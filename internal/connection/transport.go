package connection

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Transport 建立到伺服器的長連線
//
// Connect 阻塞直到握手完成或失敗；成功後收到的每個 frame 都交給 onReceive，
// 直到回傳的 Session 結束。onReceive 在傳輸層的讀取 goroutine 上呼叫。
type Transport interface {
	Connect(ctx context.Context, onReceive func(frame []byte)) (Session, error)
}

// Session 一次成功建立的連線
type Session interface {
	// Send 寫出一個 frame；同一個 Session 上的呼叫由實作序列化
	Send(ctx context.Context, frame []byte) error
	// Ping 存活探測，失敗表示連線已無聲中斷
	Ping(ctx context.Context) error
	// Close 主動斷線，可重複呼叫
	Close() error
	// Done 連線結束時關閉
	Done() <-chan struct{}
	// Err 連線結束的原因，Done 關閉前為 nil
	Err() error
}

// FailureKind 連線失敗分類，用於統計與退避提示
type FailureKind string

const (
	FailureDNS       FailureKind = "dns"
	FailureTCP       FailureKind = "tcp"
	FailureTLS       FailureKind = "tls"
	FailureHandshake FailureKind = "handshake"
	FailureOther     FailureKind = "other"
)

// ConnectError 傳輸層回報的連線失敗
type ConnectError struct {
	Kind       FailureKind
	RetryAfter time.Duration // 伺服器或傳輸層建議的額外等待，加在隨機退避之上
	Err        error
}

func (e *ConnectError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("connect failed (%s, retry after %s): %v", e.Kind, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("connect failed (%s): %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// classify 取出失敗分類與退避提示
func classify(err error) (FailureKind, time.Duration) {
	var connErr *ConnectError
	if errors.As(err, &connErr) {
		return connErr.Kind, connErr.RetryAfter
	}
	return FailureOther, 0
}
