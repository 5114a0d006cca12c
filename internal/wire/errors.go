package wire

import (
	"errors"
	"fmt"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrTruncated 緩衝區在欄位讀完前就結束
	ErrTruncated = errors.New("truncated buffer")
	// ErrInvalidDiscriminant 布林值或 optional 標記不是 0/1
	ErrInvalidDiscriminant = errors.New("invalid discriminant")
	// ErrInvalidLength 長度前綴為負數
	ErrInvalidLength = errors.New("invalid length prefix")
	// ErrFieldTooLarge 長度前綴超過 MaxFieldSize
	ErrFieldTooLarge = errors.New("field exceeds maximum size")
	// ErrVarintOverflow varint 超過 64 位元或超出 int32 範圍
	ErrVarintOverflow = errors.New("varint overflow")

	// ErrUnknownSchema 收到未註冊的 (schemaId, schemaVersion)
	ErrUnknownSchema = errors.New("unknown schema")
	// ErrDuplicateSchema 同一個 schema key 已註冊了另一個序列化器
	ErrDuplicateSchema = errors.New("schema already registered")
	// ErrWriteOnly 嘗試用只寫序列化器解碼
	ErrWriteOnly = errors.New("serializer is write-only")
	// ErrReadOnly 嘗試用只讀序列化器編碼
	ErrReadOnly = errors.New("serializer is read-only")
	// ErrPacketType 封包型別與序列化器不符
	ErrPacketType = errors.New("packet type does not match serializer")
)

// DecodeError 記錄解碼失敗的欄位與位移
type DecodeError struct {
	Field  string // 欄位名稱
	Offset int    // 失敗時的讀取位移
	Err    error  // 底層錯誤
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s at offset %d: %v", e.Field, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
