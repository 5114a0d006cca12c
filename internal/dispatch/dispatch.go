// ============================================================================
// twinlife Service Dispatch - 請求送出與封包路由
// ============================================================================
//
// Package: internal/dispatch
// 文件: dispatch.go
// 功能: 讓上層服務送出具型別的請求並收到具型別的回應，不必自己處理關聯
//
// 送出流程 (SendDataPacket):
//   1. 未連線 → 立即回傳 TWINLIFE_OFFLINE，不登記任何東西
//   2. Precheck 拒絕 → 回傳該錯誤碼（資源類錯誤，請求永不送出）
//   3. 編碼失敗 → BAD_REQUEST，不送出
//   4. 登記到 Request Registry（啟動逾時計時器）
//   5. 持 sendMu 寫出 frame，保證依呼叫順序送出
//   6. 寫出失敗 → 收回登記，回傳 TWINLIFE_OFFLINE
//
// 接收流程 (HandleFrame):
//   frame → wire.Registry.Unmarshal
//     ├─ 錯誤封包   → onErrorPacket（依請求種類處理後結束請求）
//     ├─ listener   → 工作池上呼叫 handler
//     ├─ response   → registry.Resolve
//     └─ 解碼失敗 / 未知 schema / 沒有 handler → 記錄、計數、丟棄
//
// ============================================================================

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/twinlife/internal/metrics"
	"github.com/ChuLiYu/twinlife/internal/registry"
	"github.com/ChuLiYu/twinlife/internal/wire"
	"github.com/ChuLiYu/twinlife/pkg/types"
)

var log = slog.Default().With("component", "dispatch")

// 丟棄 frame 的原因，對應 frames_dropped_total 的 reason 標籤
const (
	DropDecode        = "decode"
	DropUnknownSchema = "unknown_schema"
	DropNoHandler     = "no_handler"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrHandlerExists 同一個 schema 已經有 listener 或 response 處理
	ErrHandlerExists = errors.New("handler already registered for schema")
	// ErrNoSerializer 請求沒有指定序列化器
	ErrNoSerializer = errors.New("request has no serializer")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Sender 已連線時寫出 frame（connection.Manager）
type Sender interface {
	IsConnected() bool
	Send(ctx context.Context, frame []byte) error
}

// Evicter 收到 ITEM_NOT_FOUND 時逐出本地物件（arena.Arena）
type Evicter interface {
	Evict(id uuid.UUID) bool
}

// Request 要送出的請求
type Request struct {
	ID         int64 // 0 表示由 Dispatcher 配發
	Serializer wire.Serializer
	Packet     any
	Kind       registry.Kind
	Subject    uuid.UUID     // 主體物件的 ID，沒有時為 uuid.Nil
	Timeout    time.Duration // 0 表示使用 Registry 預設值
}

// PacketHandler 收到伺服器主動送出的封包
type PacketHandler func(header wire.Header, packet any)

// Config Dispatcher 配置
type Config struct {
	Sender   Sender             // 必填
	Requests *registry.Registry // 必填
	Executor registry.Executor  // 執行 listener 的工作池，nil 時直接在接收 goroutine 上呼叫
	Subjects Evicter            // 可為 nil
	Metrics  *metrics.Collector // 可為 nil

	// Precheck 在送出前檢查資源狀態，回傳非 Success 時請求不會送出
	Precheck func(req Request) types.ErrorCode
}

// Dispatcher 請求送出與封包路由
type Dispatcher struct {
	cfg     Config
	schemas *wire.Registry

	mu        sync.RWMutex
	listeners map[wire.SchemaKey]PacketHandler
	responses map[wire.SchemaKey]struct{}

	sendMu sync.Mutex
}

// New 建立 Dispatcher
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		schemas:   wire.NewRegistry(),
		listeners: make(map[wire.SchemaKey]PacketHandler),
		responses: make(map[wire.SchemaKey]struct{}),
	}
}

func (d *Dispatcher) Name() string {
	return "dispatch"
}

// NewRequestID 由 Request Registry 配發
func (d *Dispatcher) NewRequestID() int64 {
	return d.cfg.Requests.NewRequestID()
}

// ============================================================================
// 註冊
// ============================================================================

// AddPacketListener 註冊伺服器主動封包的處理函式
func (d *Dispatcher) AddPacketListener(s wire.Serializer, handler PacketHandler) error {
	return d.addHandler(s, func() { d.listeners[s.Key()] = handler })
}

// AddResponse 註冊回應封包；解出的封包會結束同 requestId 的請求
func (d *Dispatcher) AddResponse(s wire.Serializer) error {
	return d.addHandler(s, func() { d.responses[s.Key()] = struct{}{} })
}

func (d *Dispatcher) addHandler(s wire.Serializer, add func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := s.Key()
	if _, ok := d.listeners[key]; ok {
		return fmt.Errorf("%s: %w", key, ErrHandlerExists)
	}
	if _, ok := d.responses[key]; ok {
		return fmt.Errorf("%s: %w", key, ErrHandlerExists)
	}
	if err := d.schemas.Register(s); err != nil {
		return err
	}
	add()
	return nil
}

// ============================================================================
// 送出
// ============================================================================

// SendDataPacket 編碼、登記並送出請求
//
// 返回值：
//   - int64: 請求的 requestId
//   - error: *types.RequestError（TWINLIFE_OFFLINE、BAD_REQUEST 或 Precheck 的錯誤碼），
//     或 Registry 的登記錯誤；回傳錯誤時 continuation 不會被呼叫
func (d *Dispatcher) SendDataPacket(ctx context.Context, req Request, cont registry.Continuation) (int64, error) {
	if req.Serializer == nil {
		return 0, ErrNoSerializer
	}
	if !d.cfg.Sender.IsConnected() {
		return 0, types.NewRequestError(types.TwinlifeOffline, req.ID)
	}
	if d.cfg.Precheck != nil {
		if code := d.cfg.Precheck(req); code != types.Success {
			return 0, types.NewRequestError(code, req.ID)
		}
	}

	if req.ID == 0 {
		req.ID = d.NewRequestID()
	}

	frame, err := wire.Marshal(req.Serializer, req.ID, req.Packet)
	if err != nil {
		log.Warn("encode request failed", "schema", req.Serializer.Key(), "request_id", req.ID, "error", err)
		return req.ID, fmt.Errorf("encode %s: %v: %w", req.Serializer.Key(), err, types.NewRequestError(types.BadRequest, req.ID))
	}

	err = d.cfg.Requests.Register(registry.Request{
		ID:           req.ID,
		Kind:         req.Kind,
		Subject:      req.Subject,
		Timeout:      req.Timeout,
		Continuation: cont,
	})
	if err != nil {
		return req.ID, err
	}

	d.sendMu.Lock()
	err = d.cfg.Sender.Send(ctx, frame)
	d.sendMu.Unlock()

	if err != nil {
		// 已被回應或逾時結束時由那一方負責 continuation
		if _, claimed := d.cfg.Requests.Claim(req.ID); !claimed {
			return req.ID, nil
		}
		log.Info("send failed", "request_id", req.ID, "error", err)
		return req.ID, types.NewRequestError(types.TwinlifeOffline, req.ID)
	}

	d.cfg.Metrics.RecordRequestSent()
	return req.ID, nil
}

// ============================================================================
// 接收
// ============================================================================

// HandleFrame 解碼並路由收到的 frame；任何錯誤都只會丟棄這個 frame
func (d *Dispatcher) HandleFrame(frame []byte) {
	header, packet, err := d.schemas.Unmarshal(frame)
	if err != nil {
		reason := DropDecode
		if errors.Is(err, wire.ErrUnknownSchema) {
			reason = DropUnknownSchema
		}
		d.drop(reason, header, err)
		return
	}

	if header.Schema == wire.ErrorPacketKey {
		ep, ok := packet.(*wire.ErrorPacket)
		if !ok {
			d.drop(DropDecode, header, fmt.Errorf("%w: %T", wire.ErrPacketType, packet))
			return
		}
		d.onErrorPacket(header.RequestID, ep.Code)
		return
	}

	d.mu.RLock()
	handler, isListener := d.listeners[header.Schema]
	_, isResponse := d.responses[header.Schema]
	d.mu.RUnlock()

	switch {
	case isListener:
		d.runListener(header, packet, handler)
	case isResponse:
		d.cfg.Requests.Resolve(header.RequestID, packet)
	default:
		d.drop(DropNoHandler, header, nil)
	}
}

func (d *Dispatcher) runListener(header wire.Header, packet any, handler PacketHandler) {
	if d.cfg.Executor == nil {
		handler(header, packet)
		return
	}
	err := d.cfg.Executor.Go("listener", func() { handler(header, packet) })
	if err != nil {
		log.Warn("listener dropped", "schema", header.Schema, "error", err)
	}
}

func (d *Dispatcher) drop(reason string, header wire.Header, err error) {
	d.cfg.Metrics.RecordFrameDropped(reason)
	log.Warn("frame dropped", "reason", reason, "schema", header.Schema, "request_id", header.RequestID, "error", err)
}

// onErrorPacket 伺服器回報請求失敗：依請求種類做本地處理後結束請求
func (d *Dispatcher) onErrorPacket(requestID int64, code types.ErrorCode) {
	pr, ok := d.cfg.Requests.Claim(requestID)
	if !ok {
		log.Debug("error packet for unknown request", "request_id", requestID, "code", code)
		return
	}

	switch pr.Kind {
	case registry.KindGet, registry.KindUpdate, registry.KindDelete:
		if code == types.ItemNotFound {
			d.evict(pr)
		}
	case registry.KindCreate, registry.KindInvoke, registry.KindGeneric:
		// 沒有需要同步的本地物件
	default:
		log.Warn("error packet for unexpected request kind", "request_id", requestID, "kind", pr.Kind)
	}

	d.cfg.Requests.Fail(pr, code)
}

// evict 伺服器已沒有這個物件，本地副本跟著移除
func (d *Dispatcher) evict(pr *registry.PendingRequest) {
	if d.cfg.Subjects == nil || pr.Subject == uuid.Nil {
		return
	}
	if d.cfg.Subjects.Evict(pr.Subject) {
		log.Info("evicted object missing on server", "subject", pr.Subject, "kind", pr.Kind)
	}
}

// ============================================================================
// 連線通知
// ============================================================================

func (d *Dispatcher) OnConnect() {
	log.Debug("session established", "pending", d.cfg.Requests.Len())
}

// OnDisconnect 等待中的請求保留到逾時，上層服務依 TIMEOUT_ERROR 決定是否重送
func (d *Dispatcher) OnDisconnect() {
	log.Debug("session lost", "pending", d.cfg.Requests.Len())
}
