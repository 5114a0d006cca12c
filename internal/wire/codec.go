// ============================================================================
// twinlife Wire Codec - 二進位封包編解碼
// ============================================================================
//
// Package: internal/wire
// 文件: codec.go
// 功能: 基本型別的二進位編碼與解碼
//
// 編碼規則（兩端必須完全一致）:
//   - int32 / int64: zig-zag varint（encoding/binary AppendVarint）
//   - bool: 單一位元組 0 或 1，其他值視為無效標記
//   - string / bytes: varint 長度 + 原始位元組
//   - optional X: varint 存在標記（0 = 缺席，1 = 存在）+ 值
//   - UUID: 16 個原始位元組
//   - enum: 凍結序號的 varint，序號由列舉本身提供
//
// 錯誤處理:
//   Decoder 的每個讀取方法都回傳 error，永遠不 panic。
//   結構性錯誤一律包裝為 *DecodeError，可用 errors.Is 比對：
//   ErrTruncated / ErrInvalidDiscriminant / ErrInvalidLength / ErrFieldTooLarge
//
// 並發安全:
//   Encoder 與 Decoder 皆非執行緒安全，每個封包各自建立一份。
//
// ============================================================================

package wire

import (
	"encoding/binary"
	"math"

	"github.com/google/uuid"
)

// MaxFieldSize 單一字串或位元組欄位的上限
const MaxFieldSize = 16 << 20

const (
	absent  = 0
	present = 1
)

// ============================================================================
// Encoder
// ============================================================================

// Encoder 將基本型別依序附加到內部緩衝區
type Encoder struct {
	buf []byte
}

// NewEncoder 建立 Encoder，capacity 為預先配置的容量
func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

// Bytes 回傳目前為止編碼的內容（不複製）
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len 已編碼的位元組數
func (e *Encoder) Len() int {
	return len(e.buf)
}

func (e *Encoder) WriteInt(v int32) {
	e.buf = binary.AppendVarint(e.buf, int64(v))
}

func (e *Encoder) WriteLong(v int64) {
	e.buf = binary.AppendVarint(e.buf, v)
}

func (e *Encoder) WriteBool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

func (e *Encoder) WriteString(s string) {
	e.buf = binary.AppendVarint(e.buf, int64(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteBytes 寫入長度前綴的 blob，nil 與空切片編碼結果相同
func (e *Encoder) WriteBytes(b []byte) {
	e.buf = binary.AppendVarint(e.buf, int64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) WriteUUID(id uuid.UUID) {
	e.buf = append(e.buf, id[:]...)
}

// WriteEnum 寫入列舉的凍結序號
func (e *Encoder) WriteEnum(ordinal int32) {
	e.WriteInt(ordinal)
}

func (e *Encoder) writePresence(ok bool) {
	if ok {
		e.buf = binary.AppendVarint(e.buf, present)
	} else {
		e.buf = binary.AppendVarint(e.buf, absent)
	}
}

func (e *Encoder) WriteOptionalInt(v *int32) {
	e.writePresence(v != nil)
	if v != nil {
		e.WriteInt(*v)
	}
}

func (e *Encoder) WriteOptionalLong(v *int64) {
	e.writePresence(v != nil)
	if v != nil {
		e.WriteLong(*v)
	}
}

func (e *Encoder) WriteOptionalString(s *string) {
	e.writePresence(s != nil)
	if s != nil {
		e.WriteString(*s)
	}
}

// WriteOptionalBytes nil 表示缺席；非 nil 的空切片表示存在但長度為 0
func (e *Encoder) WriteOptionalBytes(b []byte) {
	e.writePresence(b != nil)
	if b != nil {
		e.WriteBytes(b)
	}
}

func (e *Encoder) WriteOptionalUUID(id *uuid.UUID) {
	e.writePresence(id != nil)
	if id != nil {
		e.WriteUUID(*id)
	}
}

// ============================================================================
// Decoder
// ============================================================================

// Decoder 從位元組切片依序讀取基本型別
type Decoder struct {
	buf []byte
	off int
}

// NewDecoder 建立 Decoder，不複製 buf
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Offset 目前讀取位置
func (d *Decoder) Offset() int {
	return d.off
}

// Remaining 尚未讀取的位元組數
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.off
}

func (d *Decoder) fail(field string, err error) error {
	return &DecodeError{Field: field, Offset: d.off, Err: err}
}

func (d *Decoder) varint(field string) (int64, error) {
	v, n := binary.Varint(d.buf[d.off:])
	if n == 0 {
		return 0, d.fail(field, ErrTruncated)
	}
	if n < 0 {
		return 0, d.fail(field, ErrVarintOverflow)
	}
	d.off += n
	return v, nil
}

func (d *Decoder) ReadInt() (int32, error) {
	v, err := d.varint("int")
	if err != nil {
		return 0, err
	}
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, d.fail("int", ErrVarintOverflow)
	}
	return int32(v), nil
}

func (d *Decoder) ReadLong() (int64, error) {
	return d.varint("long")
}

func (d *Decoder) ReadBool() (bool, error) {
	if d.Remaining() < 1 {
		return false, d.fail("bool", ErrTruncated)
	}
	b := d.buf[d.off]
	switch b {
	case 0:
		d.off++
		return false, nil
	case 1:
		d.off++
		return true, nil
	default:
		return false, d.fail("bool", ErrInvalidDiscriminant)
	}
}

// readLength 讀取並驗證長度前綴
func (d *Decoder) readLength(field string) (int, error) {
	n, err := d.varint(field)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, d.fail(field, ErrInvalidLength)
	}
	if n > MaxFieldSize {
		return 0, d.fail(field, ErrFieldTooLarge)
	}
	if int(n) > d.Remaining() {
		return 0, d.fail(field, ErrTruncated)
	}
	return int(n), nil
}

func (d *Decoder) ReadString() (string, error) {
	n, err := d.readLength("string")
	if err != nil {
		return "", err
	}
	s := string(d.buf[d.off : d.off+n])
	d.off += n
	return s, nil
}

// ReadBytes 回傳複本，永遠不為 nil
func (d *Decoder) ReadBytes() ([]byte, error) {
	n, err := d.readLength("bytes")
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, d.buf[d.off:d.off+n])
	d.off += n
	return b, nil
}

func (d *Decoder) ReadUUID() (uuid.UUID, error) {
	var id uuid.UUID
	if d.Remaining() < len(id) {
		return id, d.fail("uuid", ErrTruncated)
	}
	copy(id[:], d.buf[d.off:d.off+len(id)])
	d.off += len(id)
	return id, nil
}

// ReadEnum 讀取序號，由呼叫端轉換並驗證
func (d *Decoder) ReadEnum() (int32, error) {
	return d.ReadInt()
}

func (d *Decoder) readPresence(field string) (bool, error) {
	v, err := d.varint(field)
	if err != nil {
		return false, err
	}
	switch v {
	case absent:
		return false, nil
	case present:
		return true, nil
	default:
		return false, d.fail(field, ErrInvalidDiscriminant)
	}
}

func (d *Decoder) ReadOptionalInt() (*int32, error) {
	ok, err := d.readPresence("optional int")
	if err != nil || !ok {
		return nil, err
	}
	v, err := d.ReadInt()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (d *Decoder) ReadOptionalLong() (*int64, error) {
	ok, err := d.readPresence("optional long")
	if err != nil || !ok {
		return nil, err
	}
	v, err := d.ReadLong()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (d *Decoder) ReadOptionalString() (*string, error) {
	ok, err := d.readPresence("optional string")
	if err != nil || !ok {
		return nil, err
	}
	s, err := d.ReadString()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ReadOptionalBytes 缺席回傳 nil，存在的空 blob 回傳長度 0 的非 nil 切片
func (d *Decoder) ReadOptionalBytes() ([]byte, error) {
	ok, err := d.readPresence("optional bytes")
	if err != nil || !ok {
		return nil, err
	}
	return d.ReadBytes()
}

func (d *Decoder) ReadOptionalUUID() (*uuid.UUID, error) {
	ok, err := d.readPresence("optional uuid")
	if err != nil || !ok {
		return nil, err
	}
	id, err := d.ReadUUID()
	if err != nil {
		return nil, err
	}
	return &id, nil
}
