package wire

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/twinlife/pkg/types"
)

func TestRegistryRejectsUnknownSchema(t *testing.T) {
	registry := NewRegistry()

	frame, err := Marshal(sampleCodec, 3, &samplePacket{})
	require.NoError(t, err)

	header, packet, err := registry.Unmarshal(frame)
	assert.True(t, errors.Is(err, ErrUnknownSchema))
	assert.Nil(t, packet)
	assert.Equal(t, int64(3), header.RequestID)
}

func TestRegistryVersionIsPartOfKey(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(sampleCodec))

	v3 := NewCodec(SchemaKey{ID: sampleKey.ID, Version: 3}, encodeSample, decodeSample)
	frame, err := Marshal(v3, 1, &samplePacket{})
	require.NoError(t, err)

	_, _, err = registry.Unmarshal(frame)
	assert.True(t, errors.Is(err, ErrUnknownSchema))

	require.NoError(t, registry.Register(v3))
	_, _, err = registry.Unmarshal(frame)
	assert.NoError(t, err)
}

func TestRegistryDuplicate(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(sampleCodec))
	assert.NoError(t, registry.Register(sampleCodec), "same instance is idempotent")

	other := NewCodec(sampleKey, encodeSample, decodeSample)
	assert.True(t, errors.Is(registry.Register(other), ErrDuplicateSchema))
	assert.Equal(t, 2, registry.Len())
}

func TestCodecDirection(t *testing.T) {
	writeOnly := NewCodec[*samplePacket](sampleKey, encodeSample, nil)
	readOnly := NewCodec[*samplePacket](sampleKey, nil, decodeSample)

	assert.Equal(t, WriteOnly, writeOnly.Direction())
	assert.Equal(t, ReadOnly, readOnly.Direction())
	assert.Equal(t, Bidirectional, sampleCodec.Direction())

	_, err := Marshal(readOnly, 1, &samplePacket{})
	assert.True(t, errors.Is(err, ErrReadOnly))

	frame, err := Marshal(writeOnly, 1, &samplePacket{})
	require.NoError(t, err)

	registry := NewRegistry()
	require.NoError(t, registry.Register(writeOnly))
	_, _, err = registry.Unmarshal(frame)
	assert.True(t, errors.Is(err, ErrWriteOnly))
}

func TestCodecPacketTypeMismatch(t *testing.T) {
	_, err := Marshal(sampleCodec, 1, &ErrorPacket{Code: types.BadRequest})
	assert.True(t, errors.Is(err, ErrPacketType))
}

func TestCodecRejectsNilPacket(t *testing.T) {
	var packet *ErrorPacket
	_, err := Marshal(ErrorPacketCodec, 1, packet)
	assert.True(t, errors.Is(err, ErrPacketType))

	assert.ErrorIs(t, encodeErrorPacket(NewEncoder(0), nil), ErrPacketType)
}

func TestErrorPacket(t *testing.T) {
	registry := NewRegistry()

	frame, err := Marshal(ErrorPacketCodec, 99, &ErrorPacket{Code: types.ItemNotFound})
	require.NoError(t, err)

	header, err := PeekHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, ErrorPacketKey, header.Schema)
	assert.Equal(t, int64(99), header.RequestID)

	_, packet, err := registry.Unmarshal(frame)
	require.NoError(t, err)
	assert.Equal(t, types.ItemNotFound, packet.(*ErrorPacket).Code)
}

func TestErrorPacketUnknownOrdinal(t *testing.T) {
	e := NewEncoder(32)
	WriteHeader(e, Header{Schema: ErrorPacketKey, RequestID: 5})
	e.WriteEnum(9000)

	_, packet, err := NewRegistry().Unmarshal(e.Bytes())
	require.NoError(t, err)
	assert.Equal(t, types.ServerError, packet.(*ErrorPacket).Code)
}

func TestHeaderLayout(t *testing.T) {
	id := uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff")
	e := NewEncoder(32)
	WriteHeader(e, Header{Schema: SchemaKey{ID: id, Version: 1}, RequestID: 42})

	b := e.Bytes()
	require.Len(t, b, 16+1+1)
	assert.Equal(t, id[:], b[:16])
	assert.Equal(t, byte(2), b[16], "zig-zag of 1")
	assert.Equal(t, byte(84), b[17], "zig-zag of 42")
	assert.Equal(t, "00112233-4455-6677-8899-aabbccddeeff.1", SchemaKey{ID: id, Version: 1}.String())
}
