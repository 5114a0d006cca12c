package wire

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
)

// SchemaKey 封包形狀的識別：schemaId + schemaVersion
type SchemaKey struct {
	ID      uuid.UUID
	Version int32
}

func (k SchemaKey) String() string {
	return fmt.Sprintf("%s.%d", k.ID, k.Version)
}

// Header 每個封包開頭的固定欄位
type Header struct {
	Schema    SchemaKey
	RequestID int64
}

// WriteHeader 寫入 schemaId、schemaVersion、requestId
func WriteHeader(e *Encoder, h Header) {
	e.WriteUUID(h.Schema.ID)
	e.WriteInt(h.Schema.Version)
	e.WriteLong(h.RequestID)
}

// ReadHeader 讀取封包標頭
func ReadHeader(d *Decoder) (Header, error) {
	var h Header
	id, err := d.ReadUUID()
	if err != nil {
		return h, err
	}
	version, err := d.ReadInt()
	if err != nil {
		return h, err
	}
	requestID, err := d.ReadLong()
	if err != nil {
		return h, err
	}
	h.Schema = SchemaKey{ID: id, Version: version}
	h.RequestID = requestID
	return h, nil
}

// Direction 序列化器支援的方向
type Direction int

const (
	Bidirectional Direction = iota
	WriteOnly               // 只送出，不解碼
	ReadOnly                // 只解碼，不送出
)

func (d Direction) String() string {
	switch d {
	case WriteOnly:
		return "write-only"
	case ReadOnly:
		return "read-only"
	default:
		return "bidirectional"
	}
}

// Serializer 綁定單一 SchemaKey 的封包編解碼器
type Serializer interface {
	Key() SchemaKey
	Direction() Direction
	Encode(e *Encoder, packet any) error
	Decode(d *Decoder) (any, error)
}

// Codec 以型別化的編解碼函式建立 Serializer
//
// encode 為 nil 時為只讀；decode 為 nil 時為只寫。
type Codec[T any] struct {
	key    SchemaKey
	encode func(*Encoder, T) error
	decode func(*Decoder) (T, error)
}

// NewCodec 建立型別化序列化器
func NewCodec[T any](key SchemaKey, encode func(*Encoder, T) error, decode func(*Decoder) (T, error)) *Codec[T] {
	return &Codec[T]{key: key, encode: encode, decode: decode}
}

func (c *Codec[T]) Key() SchemaKey {
	return c.key
}

func (c *Codec[T]) Direction() Direction {
	switch {
	case c.encode == nil:
		return ReadOnly
	case c.decode == nil:
		return WriteOnly
	default:
		return Bidirectional
	}
}

func (c *Codec[T]) Encode(e *Encoder, packet any) error {
	if c.encode == nil {
		return fmt.Errorf("%s: %w", c.key, ErrReadOnly)
	}
	p, ok := packet.(T)
	if !ok {
		var zero T
		return fmt.Errorf("%s: %w: want %T, got %T", c.key, ErrPacketType, zero, packet)
	}
	if v := reflect.ValueOf(p); v.Kind() == reflect.Pointer && v.IsNil() {
		return fmt.Errorf("%s: %w: nil %T", c.key, ErrPacketType, packet)
	}
	return c.encode(e, p)
}

func (c *Codec[T]) Decode(d *Decoder) (any, error) {
	if c.decode == nil {
		return nil, fmt.Errorf("%s: %w", c.key, ErrWriteOnly)
	}
	return c.decode(d)
}

// ============================================================================
// Registry
// ============================================================================

// Registry 以 SchemaKey 索引的序列化器表，用於解碼收到的封包
type Registry struct {
	mu          sync.RWMutex
	serializers map[SchemaKey]Serializer
}

// NewRegistry 建立 Registry，錯誤封包的序列化器預先註冊
func NewRegistry() *Registry {
	r := &Registry{serializers: make(map[SchemaKey]Serializer)}
	r.serializers[ErrorPacketKey] = ErrorPacketCodec
	return r
}

// Register 註冊序列化器；重複註冊同一實例是 no-op
func (r *Registry) Register(s Serializer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.serializers[s.Key()]; ok {
		if existing == s {
			return nil
		}
		return fmt.Errorf("%s: %w", s.Key(), ErrDuplicateSchema)
	}
	r.serializers[s.Key()] = s
	return nil
}

// Lookup 依 SchemaKey 查找序列化器
func (r *Registry) Lookup(key SchemaKey) (Serializer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.serializers[key]
	return s, ok
}

// Len 已註冊的序列化器數量
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.serializers)
}

// Marshal 將標頭與封包內容編碼成一個 frame；serializer 不必事先註冊
func Marshal(s Serializer, requestID int64, packet any) ([]byte, error) {
	if s.Direction() == ReadOnly {
		return nil, fmt.Errorf("%s: %w", s.Key(), ErrReadOnly)
	}
	e := NewEncoder(64)
	WriteHeader(e, Header{Schema: s.Key(), RequestID: requestID})
	if err := s.Encode(e, packet); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// PeekHeader 只解出標頭
func PeekHeader(frame []byte) (Header, error) {
	return ReadHeader(NewDecoder(frame))
}

// Unmarshal 解出標頭並以註冊的序列化器解碼內容
//
// 未註冊的 key 回傳 ErrUnknownSchema；封包後多餘的位元組會被忽略。
func (r *Registry) Unmarshal(frame []byte) (Header, any, error) {
	d := NewDecoder(frame)
	h, err := ReadHeader(d)
	if err != nil {
		return h, nil, err
	}

	s, ok := r.Lookup(h.Schema)
	if !ok {
		return h, nil, fmt.Errorf("%s: %w", h.Schema, ErrUnknownSchema)
	}
	if s.Direction() == WriteOnly {
		return h, nil, fmt.Errorf("%s: %w", h.Schema, ErrWriteOnly)
	}

	packet, err := s.Decode(d)
	if err != nil {
		return h, nil, err
	}
	return h, packet, nil
}
