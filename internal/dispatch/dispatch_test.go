package dispatch

// ============================================================================
// Service Dispatch Test File
// Purpose: Verify request send path, response / error routing, listeners
//          and frame drop accounting
// ============================================================================

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/twinlife/internal/arena"
	"github.com/ChuLiYu/twinlife/internal/metrics"
	"github.com/ChuLiYu/twinlife/internal/registry"
	"github.com/ChuLiYu/twinlife/internal/wire"
	"github.com/ChuLiYu/twinlife/pkg/types"
)

// ============================================================================
// Test packets
// ============================================================================

type pingIQ struct{ Seq int64 }
type pongIQ struct{ Seq int64 }

var (
	pingKey = wire.SchemaKey{ID: uuid.MustParse("5b3e1f0a-8c7d-4e2b-9f61-0a1b2c3d4e5f"), Version: 1}
	pongKey = wire.SchemaKey{ID: uuid.MustParse("5b3e1f0a-8c7d-4e2b-9f61-0a1b2c3d4e60"), Version: 1}
	pushKey = wire.SchemaKey{ID: uuid.MustParse("5b3e1f0a-8c7d-4e2b-9f61-0a1b2c3d4e61"), Version: 2}

	pingCodec = wire.NewCodec(pingKey, func(e *wire.Encoder, p *pingIQ) error {
		e.WriteLong(p.Seq)
		return nil
	}, nil)

	pongCodec = wire.NewCodec(pongKey, encodePong, decodePong)
	pushCodec = wire.NewCodec(pushKey, encodePong, decodePong)
)

func encodePong(e *wire.Encoder, p *pongIQ) error {
	e.WriteLong(p.Seq)
	return nil
}

func decodePong(d *wire.Decoder) (*pongIQ, error) {
	seq, err := d.ReadLong()
	if err != nil {
		return nil, err
	}
	return &pongIQ{Seq: seq}, nil
}

// ============================================================================
// Test doubles
// ============================================================================

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	sendErr   error
	frames    [][]byte
}

func (f *fakeSender) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) Send(_ context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

type outcome struct {
	result any
	code   types.ErrorCode
	isErr  bool
}

func capture() (registry.Continuation, chan outcome) {
	ch := make(chan outcome, 1)
	return registry.Continuation{
		OnResult: func(r any) { ch <- outcome{result: r} },
		OnError:  func(c types.ErrorCode) { ch <- outcome{code: c, isErr: true} },
	}, ch
}

type fixture struct {
	d        *Dispatcher
	sender   *fakeSender
	requests *registry.Registry
	objects  *arena.Arena[string]
	reg      *prometheus.Registry
	clk      *testclock.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sender:  &fakeSender{connected: true},
		objects: arena.New[string](),
		reg:     prometheus.NewRegistry(),
		clk:     testclock.NewClock(time.Now()),
	}
	m := metrics.NewCollector(f.reg)
	f.requests = registry.New(registry.Config{Clock: f.clk, Metrics: m})
	f.d = New(Config{
		Sender:   f.sender,
		Requests: f.requests,
		Subjects: f.objects,
		Metrics:  m,
	})
	require.NoError(t, f.d.AddResponse(pongCodec))
	return f
}

func mustMarshal(t *testing.T, s wire.Serializer, id int64, packet any) []byte {
	t.Helper()
	frame, err := wire.Marshal(s, id, packet)
	require.NoError(t, err)
	return frame
}

// ============================================================================
// Send path
// ============================================================================

func TestSendOfflineFailsImmediately(t *testing.T) {
	f := newFixture(t)
	f.sender.connected = false
	cont, ch := capture()

	_, err := f.d.SendDataPacket(context.Background(), Request{Serializer: pingCodec, Packet: &pingIQ{}}, cont)

	assert.ErrorIs(t, err, types.NewRequestError(types.TwinlifeOffline, 0))
	assert.Equal(t, 0, f.requests.Len())
	assert.Empty(t, f.sender.sent())
	assert.Empty(t, ch)
}

func TestSendPrecheckRejects(t *testing.T) {
	f := newFixture(t)
	f.d.cfg.Precheck = func(Request) types.ErrorCode { return types.NoStorageSpace }
	cont, _ := capture()

	_, err := f.d.SendDataPacket(context.Background(), Request{Serializer: pingCodec, Packet: &pingIQ{}}, cont)

	var reqErr *types.RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, types.NoStorageSpace, reqErr.Code)
	assert.Equal(t, types.CategoryResource, reqErr.Code.Category())
	assert.Empty(t, f.sender.sent())
}

func TestSendEncodeFailureIsBadRequest(t *testing.T) {
	f := newFixture(t)
	cont, _ := capture()

	_, err := f.d.SendDataPacket(context.Background(), Request{Serializer: pingCodec, Packet: "not a ping"}, cont)

	assert.ErrorIs(t, err, types.NewRequestError(types.BadRequest, 0))
	assert.Equal(t, 0, f.requests.Len())
	assert.Empty(t, f.sender.sent())
}

func TestSendFailureClaimsRequestBack(t *testing.T) {
	f := newFixture(t)
	f.sender.sendErr = errors.New("broken pipe")
	cont, ch := capture()

	id, err := f.d.SendDataPacket(context.Background(), Request{Serializer: pingCodec, Packet: &pingIQ{}}, cont)

	assert.ErrorIs(t, err, types.NewRequestError(types.TwinlifeOffline, id))
	assert.False(t, f.requests.IsPending(id))
	assert.Empty(t, ch, "continuation never fires when an error is returned")
}

func TestSendNoSerializer(t *testing.T) {
	f := newFixture(t)
	_, err := f.d.SendDataPacket(context.Background(), Request{}, registry.Continuation{})
	assert.ErrorIs(t, err, ErrNoSerializer)
}

func TestSendPreservesCallOrder(t *testing.T) {
	f := newFixture(t)

	for seq := int64(1); seq <= 5; seq++ {
		_, err := f.d.SendDataPacket(context.Background(), Request{Serializer: pingCodec, Packet: &pingIQ{Seq: seq}}, registry.Continuation{})
		require.NoError(t, err)
	}

	frames := f.sender.sent()
	require.Len(t, frames, 5)
	var last int64
	for _, frame := range frames {
		h, err := wire.PeekHeader(frame)
		require.NoError(t, err)
		assert.Equal(t, pingKey, h.Schema)
		assert.Greater(t, h.RequestID, last)
		last = h.RequestID
	}
}

// ============================================================================
// Receive path
// ============================================================================

func TestResponseResolvesRequest(t *testing.T) {
	f := newFixture(t)
	cont, ch := capture()

	id, err := f.d.SendDataPacket(context.Background(), Request{Serializer: pingCodec, Packet: &pingIQ{Seq: 7}}, cont)
	require.NoError(t, err)
	require.True(t, f.requests.IsPending(id))

	f.d.HandleFrame(mustMarshal(t, pongCodec, id, &pongIQ{Seq: 7}))

	got := <-ch
	assert.False(t, got.isErr)
	assert.Equal(t, &pongIQ{Seq: 7}, got.result)
	assert.False(t, f.requests.IsPending(id))

	// A duplicate response is ignored.
	f.d.HandleFrame(mustMarshal(t, pongCodec, id, &pongIQ{Seq: 7}))
	assert.Empty(t, ch)
}

func TestErrorPacketEvictsMissingSubject(t *testing.T) {
	tests := []struct {
		name    string
		kind    registry.Kind
		code    types.ErrorCode
		evicted bool
	}{
		{"get not found", registry.KindGet, types.ItemNotFound, true},
		{"update not found", registry.KindUpdate, types.ItemNotFound, true},
		{"delete not found", registry.KindDelete, types.ItemNotFound, true},
		{"get expired", registry.KindGet, types.Expired, false},
		{"create not found", registry.KindCreate, types.ItemNotFound, false},
		{"invoke not found", registry.KindInvoke, types.ItemNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			subject := uuid.New()
			f.objects.Put(subject, "cached")
			cont, ch := capture()

			id, err := f.d.SendDataPacket(context.Background(),
				Request{Serializer: pingCodec, Packet: &pingIQ{}, Kind: tt.kind, Subject: subject}, cont)
			require.NoError(t, err)

			f.d.HandleFrame(mustMarshal(t, wire.ErrorPacketCodec, id, &wire.ErrorPacket{Code: tt.code}))

			got := <-ch
			assert.True(t, got.isErr)
			assert.Equal(t, tt.code, got.code)
			assert.Equal(t, !tt.evicted, f.objects.Contains(subject))
		})
	}
}

func TestErrorPacketForUnknownRequest(t *testing.T) {
	f := newFixture(t)
	assert.NotPanics(t, func() {
		f.d.HandleFrame(mustMarshal(t, wire.ErrorPacketCodec, 999, &wire.ErrorPacket{Code: types.ServerError}))
	})
}

func TestTimeoutWithoutResponse(t *testing.T) {
	f := newFixture(t)
	cont, ch := capture()

	id, err := f.d.SendDataPacket(context.Background(),
		Request{Serializer: pingCodec, Packet: &pingIQ{}, Timeout: 5 * time.Second}, cont)
	require.NoError(t, err)

	require.NoError(t, f.clk.WaitAdvance(5*time.Second, time.Second, 1))
	select {
	case got := <-ch:
		assert.Equal(t, types.TimeoutError, got.code)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never delivered")
	}
	assert.False(t, f.requests.IsPending(id))
}

func TestPacketListener(t *testing.T) {
	f := newFixture(t)
	got := make(chan any, 1)
	require.NoError(t, f.d.AddPacketListener(pushCodec, func(h wire.Header, p any) {
		assert.Equal(t, pushKey, h.Schema)
		got <- p
	}))

	f.d.HandleFrame(mustMarshal(t, pushCodec, 0, &pongIQ{Seq: 3}))
	assert.Equal(t, &pongIQ{Seq: 3}, <-got)
}

func TestHandlerRegistrationConflicts(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.d.AddPacketListener(pongCodec, func(wire.Header, any) {}), ErrHandlerExists)
	assert.ErrorIs(t, f.d.AddResponse(pongCodec), ErrHandlerExists)

	other := wire.NewCodec(pushKey, encodePong, decodePong)
	require.NoError(t, f.d.AddResponse(pushCodec))
	assert.ErrorIs(t, f.d.AddPacketListener(other, func(wire.Header, any) {}), ErrHandlerExists)
}

func TestDroppedFramesAreCounted(t *testing.T) {
	f := newFixture(t)
	unknown := wire.NewCodec(wire.SchemaKey{ID: uuid.New(), Version: 1}, encodePong, decodePong)
	outbound := wire.NewCodec(pingKey, encodePong, decodePong)

	assert.NotPanics(t, func() {
		f.d.HandleFrame([]byte{0xff})
		f.d.HandleFrame(mustMarshal(t, pongCodec, 1, &pongIQ{})[:17])
		f.d.HandleFrame(mustMarshal(t, unknown, 1, &pongIQ{}))
		f.d.HandleFrame(mustMarshal(t, outbound, 1, &pongIQ{}))
	})

	expected := `
# HELP twinlife_frames_dropped_total Inbound frames dropped, by reason
# TYPE twinlife_frames_dropped_total counter
twinlife_frames_dropped_total{reason="decode"} 2
twinlife_frames_dropped_total{reason="unknown_schema"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(f.reg, strings.NewReader(expected), "twinlife_frames_dropped_total"))
}
