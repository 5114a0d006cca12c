// ============================================================================
// twinlife Telemetry Service - 事件批次回報
// ============================================================================
//
// Package: internal/telemetry
// 文件: service.go
// 功能: 在本地暫存事件，於可回報時以 REPORT 任務批次送給伺服器
//
// 流程:
//   Record → buffer（超過 MaxBuffered 丟棄最舊）
//   定時器 / OnConnect / 上一批確認後仍有資料 → scheduleFlush
//   flush (REPORT 任務) → 取出最多 BatchSize 筆 → SendDataPacket(PushEventsIQ)
//     ├─ OnPushEventsIQ → 完成，仍有資料時再排一次
//     ├─ TWINLIFE_OFFLINE / TIMEOUT_ERROR → 整批放回最前面，保留 sequence
//     └─ 其他錯誤 → 丟棄這批並記錄
//
// 批次序號保存在 Store 的 telemetry.sequence，重啟後繼續遞增。
//
// ============================================================================

package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/ChuLiYu/twinlife/internal/config"
	"github.com/ChuLiYu/twinlife/internal/dispatch"
	"github.com/ChuLiYu/twinlife/internal/registry"
	"github.com/ChuLiYu/twinlife/internal/scheduler"
	"github.com/ChuLiYu/twinlife/internal/wire"
	"github.com/ChuLiYu/twinlife/pkg/types"
)

var log = slog.Default().With("component", "telemetry")

// SequenceKey 批次序號在 Store 中的 key
const SequenceKey = "telemetry.sequence"

const flushJobName = "telemetry-flush"

// ============================================================================
// 封包定義
// ============================================================================

var (
	// PushEventsKey 上傳事件批次
	PushEventsKey = wire.SchemaKey{ID: uuid.MustParse("8f1c7a3e-52b4-4d6e-a0c9-3b7e2d5f9a14"), Version: 1}
	// OnPushEventsKey 伺服器對事件批次的確認
	OnPushEventsKey = wire.SchemaKey{ID: uuid.MustParse("c4e9b2d7-1a6f-4c38-8e05-6d2a9f7b1c53"), Version: 1}
)

// Event 一筆事件
type Event struct {
	Name       string
	Timestamp  time.Time
	Attributes map[string]string
}

// PushEventsIQ 事件批次
type PushEventsIQ struct {
	Sequence int64
	Events   []Event
}

// OnPushEventsIQ 伺服器接受的事件數
type OnPushEventsIQ struct {
	Accepted int32
}

// PushEventsCodec 只負責寫出
var PushEventsCodec = wire.NewCodec(PushEventsKey, encodePushEvents, nil)

// OnPushEventsCodec 只負責讀入
var OnPushEventsCodec = wire.NewCodec(OnPushEventsKey, nil, decodeOnPushEvents)

func encodePushEvents(e *wire.Encoder, p *PushEventsIQ) error {
	e.WriteLong(p.Sequence)
	e.WriteInt(int32(len(p.Events)))
	for _, ev := range p.Events {
		e.WriteString(ev.Name)
		e.WriteLong(ev.Timestamp.UnixMilli())
		e.WriteInt(int32(len(ev.Attributes)))
		for _, k := range slices.Sorted(maps.Keys(ev.Attributes)) {
			e.WriteString(k)
			e.WriteString(ev.Attributes[k])
		}
	}
	return nil
}

func decodeOnPushEvents(d *wire.Decoder) (*OnPushEventsIQ, error) {
	accepted, err := d.ReadInt()
	if err != nil {
		return nil, err
	}
	return &OnPushEventsIQ{Accepted: accepted}, nil
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Requester 送出請求（dispatch.Dispatcher）
type Requester interface {
	SendDataPacket(ctx context.Context, req dispatch.Request, cont registry.Continuation) (int64, error)
	AddResponse(s wire.Serializer) error
}

// JobScheduler 排程 REPORT 任務（scheduler.Scheduler）
type JobScheduler interface {
	ScheduleJob(name string, work scheduler.Work, priority types.Priority) *scheduler.Job
}

// Config Service 配置
type Config struct {
	Requester Requester
	Scheduler JobScheduler
	Store     config.KeyValueStore
	Clock     clock.Clock
	Settings  config.TelemetryConfig
}

type batch struct {
	sequence int64
	events   []Event
}

// Stats 回報統計
type Stats struct {
	Buffered  int
	Dropped   int64 // 超過上限被丟棄的事件
	Sent      int64 // 伺服器已確認的事件
	Discarded int64 // 因伺服器錯誤或未被接受而丟棄的事件
	Retries   int64
	InFlight  bool
}

// Service 事件回報服務
type Service struct {
	cfg Config

	mu       sync.Mutex
	settings config.TelemetryConfig
	buffer   []Event
	retry    *batch // 等待重送的批次，永遠先於 buffer 送出
	inFlight bool
	flushJob *scheduler.Job
	ticker   clock.Timer
	tickGen  uint64
	started  bool
	stats    Stats
}

// New 建立 Service
func New(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Service{cfg: cfg, settings: cfg.Settings}
}

func (s *Service) Name() string {
	return "telemetry"
}

// Register 向 Dispatcher 註冊確認封包
func (s *Service) Register() error {
	return s.cfg.Requester.AddResponse(OnPushEventsCodec)
}

// Configure 套用設定；已暫存的事件不受影響
func (s *Service) Configure(cfg config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = cfg.Telemetry
	s.trimLocked()
	if s.started {
		s.armTickerLocked()
	}
	return nil
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 開始定時回報
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	s.armTickerLocked()
	log.Info("telemetry started", "enabled", s.settings.Enabled, "interval", s.settings.FlushInterval)
	return nil
}

// Stop 停止定時回報並取消尚未執行的 flush；暫存的事件保留
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	s.stopTickerLocked()
	if s.flushJob != nil {
		s.flushJob.Cancel()
		s.flushJob = nil
	}
}

func (s *Service) armTickerLocked() {
	s.stopTickerLocked()
	if !s.settings.Enabled || s.settings.FlushInterval <= 0 {
		return
	}
	gen := s.tickGen
	s.ticker = s.cfg.Clock.AfterFunc(s.settings.FlushInterval, func() { s.onTick(gen) })
}

func (s *Service) stopTickerLocked() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	s.tickGen++
}

func (s *Service) onTick(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || gen != s.tickGen {
		return
	}
	s.scheduleFlushLocked()
	s.armTickerLocked()
}

// OnConnect 連線建立後儘快送出暫存事件
func (s *Service) OnConnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleFlushLocked()
}

func (s *Service) OnDisconnect() {}

// ============================================================================
// 事件
// ============================================================================

// Record 暫存一筆事件
func (s *Service) Record(name string, attrs map[string]string) {
	ev := Event{
		Name:       name,
		Timestamp:  s.cfg.Clock.Now(),
		Attributes: maps.Clone(attrs),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.settings.Enabled {
		return
	}
	s.buffer = append(s.buffer, ev)
	s.trimLocked()
	if len(s.buffer) >= s.settings.BatchSize {
		s.scheduleFlushLocked()
	}
}

// trimLocked 丟棄超過上限的最舊事件
func (s *Service) trimLocked() {
	limit := s.settings.MaxBuffered
	if limit <= 0 || len(s.buffer) <= limit {
		return
	}
	n := len(s.buffer) - limit
	s.buffer = slices.Delete(s.buffer, 0, n)
	s.stats.Dropped += int64(n)
	log.Warn("telemetry buffer full, dropped oldest events", "dropped", n)
}

// Stats 回傳目前統計
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Buffered = len(s.buffer)
	if s.retry != nil {
		st.Buffered += len(s.retry.events)
	}
	st.InFlight = s.inFlight
	return st
}

// ============================================================================
// 送出
// ============================================================================

func (s *Service) scheduleFlushLocked() {
	if !s.started || s.inFlight || (len(s.buffer) == 0 && s.retry == nil) {
		return
	}
	if s.flushJob != nil && !s.flushJob.Done() {
		return
	}
	s.flushJob = s.cfg.Scheduler.ScheduleJob(flushJobName, s.Flush, types.PriorityReport)
}

// nextBatchLocked 優先取出等待重送的批次，否則從 buffer 切出新批次並配發序號
func (s *Service) nextBatchLocked() (*batch, error) {
	if s.retry != nil {
		b := s.retry
		s.retry = nil
		return b, nil
	}

	n := min(len(s.buffer), max(s.settings.BatchSize, 1))
	seq := s.cfg.Store.GetInt(SequenceKey, 0) + 1
	s.cfg.Store.SetInt(SequenceKey, seq)
	if err := s.cfg.Store.Save(); err != nil {
		s.cfg.Store.SetInt(SequenceKey, seq-1)
		return nil, err
	}

	b := &batch{sequence: seq, events: slices.Clone(s.buffer[:n])}
	s.buffer = slices.Delete(s.buffer, 0, n)
	return b, nil
}

// Flush 送出一個批次；作為 REPORT 任務執行
func (s *Service) Flush(ctx context.Context) error {
	s.mu.Lock()
	// 執行中的任務不再擋住下一次排程
	s.flushJob = nil
	if s.inFlight || (len(s.buffer) == 0 && s.retry == nil) {
		s.mu.Unlock()
		return nil
	}
	b, err := s.nextBatchLocked()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.inFlight = true
	s.mu.Unlock()

	_, err = s.cfg.Requester.SendDataPacket(ctx, dispatch.Request{
		Serializer: PushEventsCodec,
		Packet:     &PushEventsIQ{Sequence: b.sequence, Events: b.events},
		Kind:       registry.KindInvoke,
	}, registry.Continuation{
		OnResult: func(result any) { s.onAck(b, result) },
		OnError:  func(code types.ErrorCode) { s.onError(b, code) },
	})
	if err != nil {
		var reqErr *types.RequestError
		if errors.As(err, &reqErr) {
			s.onError(b, reqErr.Code)
			return nil
		}
		s.onError(b, types.BadRequest)
		return err
	}

	log.Debug("telemetry batch sent", "sequence", b.sequence, "events", len(b.events))
	return nil
}

// onAck 只把伺服器接受的事件算進 Sent，其餘算作 Discarded
func (s *Service) onAck(b *batch, result any) {
	accepted := len(b.events)
	if ack, ok := result.(*OnPushEventsIQ); ok && ack != nil {
		accepted = min(max(int(ack.Accepted), 0), len(b.events))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
	s.stats.Sent += int64(accepted)
	if rejected := len(b.events) - accepted; rejected > 0 {
		s.stats.Discarded += int64(rejected)
		log.Info("server accepted part of telemetry batch",
			"sequence", b.sequence, "accepted", accepted, "events", len(b.events))
	}
	s.scheduleFlushLocked()
}

func (s *Service) onError(b *batch, code types.ErrorCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false

	switch code {
	case types.TwinlifeOffline, types.TimeoutError:
		s.retry = b
		s.stats.Retries++
		log.Info("telemetry batch will be retried", "sequence", b.sequence, "code", code)
		s.scheduleFlushLocked()
	default:
		s.stats.Discarded += int64(len(b.events))
		log.Warn("telemetry batch discarded", "sequence", b.sequence, "events", len(b.events), "code", code)
	}
}
