package wire

import (
	"github.com/google/uuid"

	"github.com/ChuLiYu/twinlife/pkg/types"
)

// ErrorPacketKey 錯誤回應封包的保留 schema
var ErrorPacketKey = SchemaKey{
	ID:      uuid.MustParse("12d6d1a2-3c3d-4b10-9a7e-7e0f4d9c2a61"),
	Version: 1,
}

// ErrorPacket 伺服器回報請求失敗；requestId 位於標頭
type ErrorPacket struct {
	Code types.ErrorCode
}

// ErrorPacketCodec 錯誤封包的雙向序列化器
var ErrorPacketCodec = NewCodec(ErrorPacketKey, encodeErrorPacket, decodeErrorPacket)

func encodeErrorPacket(e *Encoder, p *ErrorPacket) error {
	if p == nil {
		return ErrPacketType
	}
	e.WriteEnum(p.Code.Ordinal())
	return nil
}

// 未知序號視為 SERVER_ERROR，讓請求仍能以錯誤結束而不是等到逾時
func decodeErrorPacket(d *Decoder) (*ErrorPacket, error) {
	ordinal, err := d.ReadEnum()
	if err != nil {
		return nil, err
	}
	code, ok := types.ErrorCodeFromOrdinal(ordinal)
	if !ok {
		code = types.ServerError
	}
	return &ErrorPacket{Code: code}, nil
}
