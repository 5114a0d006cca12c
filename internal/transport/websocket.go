// ============================================================================
// twinlife WebSocket Transport
// ============================================================================
//
// Package: internal/transport
// 文件: websocket.go
// 功能: 以 gorilla/websocket 實作 connection.Transport
//
// Frame 對應:
//   - 每個 binary message 就是一個 frame
//   - text message 被忽略
//   - Ping 送出 ping control frame，並等待 pong
//
// 失敗分類（供連線狀態機統計與退避提示）:
//   *net.DNSError              → dns
//   x509 / tls 錯誤            → tls
//   websocket.ErrBadHandshake  → handshake（Retry-After 標頭作為提示）
//   其他 *net.OpError          → tcp
//
// 額外 CA:
//   CAFile 只在第一次連線時讀取一次（sync.Once），之後所有連線共用同一個
//   憑證池；讀取失敗會在每次 Connect 回報同一個錯誤。
//
// ============================================================================

package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/twinlife/internal/connection"
)

var log = slog.Default().With("component", "transport")

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrSessionClosed 本端主動關閉連線
	ErrSessionClosed = errors.New("session closed")
	// ErrNoCertificates CA 檔案中沒有可用的憑證
	ErrNoCertificates = errors.New("no certificates found in CA file")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// WebSocketConfig WebSocket 傳輸配置
type WebSocketConfig struct {
	URL      string
	CAFile   string      // 額外信任的 CA（PEM），空字串表示只用系統憑證
	Insecure bool        // 略過伺服器憑證驗證，只用於測試環境
	Header   http.Header // 握手時附加的標頭
}

// WebSocket 以 WebSocket 連到伺服器的傳輸
type WebSocket struct {
	cfg WebSocketConfig

	poolOnce sync.Once
	pool     *x509.CertPool
	poolErr  error
}

var _ connection.Transport = (*WebSocket)(nil)

// NewWebSocket 建立 WebSocket 傳輸
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	return &WebSocket{cfg: cfg}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Connect 撥號並完成握手
func (w *WebSocket) Connect(ctx context.Context, onReceive func([]byte)) (connection.Session, error) {
	tlsConfig, err := w.tlsConfig()
	if err != nil {
		return nil, &connection.ConnectError{Kind: connection.FailureTLS, Err: err}
	}

	dialer := websocket.Dialer{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: tlsConfig,
	}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.HandshakeTimeout = time.Until(deadline)
	}

	conn, resp, err := dialer.DialContext(ctx, w.cfg.URL, w.cfg.Header)
	if err != nil {
		return nil, classifyDialError(err, resp)
	}

	log.Debug("websocket connected", "url", w.cfg.URL)
	return newWSSession(conn, onReceive), nil
}

func (w *WebSocket) tlsConfig() (*tls.Config, error) {
	if w.cfg.CAFile == "" && !w.cfg.Insecure {
		return nil, nil
	}

	w.poolOnce.Do(func() {
		if w.cfg.CAFile == "" {
			return
		}
		w.pool, w.poolErr = loadCertPool(w.cfg.CAFile)
	})
	if w.poolErr != nil {
		return nil, w.poolErr
	}

	return &tls.Config{
		RootCAs:            w.pool,
		InsecureSkipVerify: w.cfg.Insecure,
		MinVersion:         tls.VersionTLS12,
	}, nil
}

// loadCertPool 系統憑證池加上 path 中的 PEM 憑證
func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}

	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: %s", ErrNoCertificates, path)
	}
	return pool, nil
}

// classifyDialError 將撥號錯誤轉為 ConnectError
func classifyDialError(err error, resp *http.Response) error {
	var (
		dnsErr      *net.DNSError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		certErr     x509.CertificateInvalidError
		verifyErr   *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		opErr       *net.OpError
	)

	switch {
	case errors.As(err, &dnsErr):
		return &connection.ConnectError{Kind: connection.FailureDNS, Err: err}
	case errors.As(err, &unknownAuth), errors.As(err, &hostErr), errors.As(err, &certErr),
		errors.As(err, &verifyErr), errors.As(err, &recordErr):
		return &connection.ConnectError{Kind: connection.FailureTLS, Err: err}
	case errors.Is(err, websocket.ErrBadHandshake):
		ce := &connection.ConnectError{Kind: connection.FailureHandshake, Err: err}
		if resp != nil {
			ce.Err = fmt.Errorf("%w: status %d", err, resp.StatusCode)
			ce.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		return ce
	case errors.As(err, &opErr):
		return &connection.ConnectError{Kind: connection.FailureTCP, Err: err}
	default:
		return &connection.ConnectError{Kind: connection.FailureOther, Err: err}
	}
}

// parseRetryAfter 只接受秒數格式
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// ============================================================================
// Session
// ============================================================================

type wsSession struct {
	conn      *websocket.Conn
	onReceive func([]byte)

	writeMu sync.Mutex
	pongCh  chan struct{}

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

func newWSSession(conn *websocket.Conn, onReceive func([]byte)) *wsSession {
	s := &wsSession{
		conn:      conn,
		onReceive: onReceive,
		pongCh:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		select {
		case s.pongCh <- struct{}{}:
		default:
		}
		return nil
	})
	go s.readLoop()
	return s
}

func (s *wsSession) readLoop() {
	defer close(s.done)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(err)
			s.conn.Close()
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if s.onReceive != nil {
			s.onReceive(data)
		}
	}
}

func (s *wsSession) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *wsSession) Ping(ctx context.Context) error {
	select {
	case <-s.pongCh:
	default:
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(connection.DefaultConnectTimeout)
	}
	s.writeMu.Lock()
	err := s.conn.WriteControl(websocket.PingMessage, nil, deadline)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write ping: %w", err)
	}

	select {
	case <-s.pongCh:
		return nil
	case <-s.done:
		return fmt.Errorf("connection closed while waiting for pong: %w", s.Err())
	case <-ctx.Done():
		return fmt.Errorf("waiting for pong: %w", ctx.Err())
	}
}

func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.setErr(ErrSessionClosed)

		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()

		err = s.conn.Close()
	})
	return err
}

func (s *wsSession) Done() <-chan struct{} {
	return s.done
}

func (s *wsSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// setErr 只保留第一個結束原因
func (s *wsSession) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}
