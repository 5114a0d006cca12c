package controller

// ============================================================================
// Controller Test File
// Purpose: Verify component wiring, lifecycle ordering and end-to-end request
//          handling over an in-memory gRPC frame server
// ============================================================================

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/twinlife/internal/config"
	"github.com/ChuLiYu/twinlife/internal/dispatch"
	"github.com/ChuLiYu/twinlife/internal/registry"
	"github.com/ChuLiYu/twinlife/internal/transport"
	"github.com/ChuLiYu/twinlife/internal/wire"
	"github.com/ChuLiYu/twinlife/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type lookupIQ struct {
	ID uuid.UUID
}

var lookupCodec = wire.NewCodec(
	wire.SchemaKey{ID: uuid.MustParse("5b0e6f2a-7d41-4c9b-b3e8-1f6a2c9d4e70"), Version: 1},
	func(e *wire.Encoder, p *lookupIQ) error {
		e.WriteUUID(p.ID)
		return nil
	},
	nil,
)

func testSettings() config.Config {
	cfg := config.Default()
	cfg.Connection.Transport = config.TransportGrpc
	cfg.Connection.Target = "passthrough:///bufnet"
	cfg.Connection.Insecure = true
	cfg.Connection.ConnectTimeout = 2 * time.Second
	cfg.Store.Path = ""
	cfg.Worker.PoolSize = 2
	return cfg
}

// startServer serves the frame stream on an in-memory listener and returns a
// transport dialing it.
func startServer(t *testing.T, handler transport.FrameHandler) (*transport.FrameServer, *transport.Grpc) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(transport.ServerOptions()...)
	fs := transport.NewFrameServer(handler)
	fs.Register(srv)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	tr := transport.NewGrpc(transport.GrpcConfig{
		Target:   "passthrough:///bufnet",
		Insecure: true,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	return fs, tr
}

func newTestController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	if cfg.Settings.Connection.Transport == "" {
		cfg.Settings = testSettings()
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func waitConnected(t *testing.T, c *Controller) {
	t.Helper()
	require.Eventually(t, c.Connection().IsConnected, 3*time.Second, 5*time.Millisecond, "never connected")
}

type recordingService struct {
	mu     sync.Mutex
	events []string
	cfg    config.Config
}

func (s *recordingService) record(ev string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingService) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func (s *recordingService) Name() string { return "recording" }

func (s *recordingService) Configure(cfg config.Config) error {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.record("configure")
	return nil
}

func (s *recordingService) Start(context.Context) error { s.record("start"); return nil }
func (s *recordingService) Stop()                       { s.record("stop") }
func (s *recordingService) OnConnect()                  { s.record("connect") }
func (s *recordingService) OnDisconnect()               { s.record("disconnect") }

// ============================================================================
// Construction
// ============================================================================

func TestNewRejectsInvalidSettings(t *testing.T) {
	cfg := testSettings()
	cfg.Connection.Transport = "carrier-pigeon"

	_, err := New(Config{Settings: cfg})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestNewTransport(t *testing.T) {
	cfg := testSettings()

	tr, err := NewTransport(cfg.Connection)
	require.NoError(t, err)
	assert.IsType(t, &transport.Grpc{}, tr)

	cfg.Connection.Transport = config.TransportWebSocket
	tr, err = NewTransport(cfg.Connection)
	require.NoError(t, err)
	assert.IsType(t, &transport.WebSocket{}, tr)

	cfg.Connection.Transport = "smoke-signals"
	_, err = NewTransport(cfg.Connection)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestStartTwiceAndAfterStop(t *testing.T) {
	_, tr := startServer(t, nil)
	c := newTestController(t, Config{Transport: tr})

	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)

	c.Stop()
	c.Stop()
	assert.ErrorIs(t, c.Start(context.Background()), ErrStopped)
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestBackgroundDoesNotConnect(t *testing.T) {
	_, tr := startServer(t, nil)
	c := newTestController(t, Config{Transport: tr})
	require.NoError(t, c.Start(context.Background()))

	assert.Never(t, c.Connection().IsConnected, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, types.AppBackground, c.Status().ApplicationState)
}

func TestForegroundConnects(t *testing.T) {
	_, tr := startServer(t, nil)
	c := newTestController(t, Config{Transport: tr})
	require.NoError(t, c.Start(context.Background()))

	c.SetApplicationState(types.AppForeground)
	waitConnected(t, c)

	st := c.Status()
	assert.Equal(t, types.StateConnected, st.State)
	assert.True(t, c.Scheduler().IsOnline(), "scheduler follows the connection")
}

func TestForegroundBeforeStart(t *testing.T) {
	_, tr := startServer(t, nil)
	c := newTestController(t, Config{Transport: tr})

	c.SetApplicationState(types.AppForeground)
	require.NoError(t, c.Start(context.Background()))
	waitConnected(t, c)
}

func TestNetworkLossBlocksConnecting(t *testing.T) {
	_, tr := startServer(t, nil)
	c := newTestController(t, Config{Transport: tr})
	require.NoError(t, c.Start(context.Background()))

	c.SetNetworkAvailable(false)
	c.SetApplicationState(types.AppForeground)
	assert.Never(t, c.Connection().IsConnected, 100*time.Millisecond, 5*time.Millisecond)

	c.SetNetworkAvailable(true)
	waitConnected(t, c)
}

func TestServicesFollowLifecycle(t *testing.T) {
	_, tr := startServer(t, nil)
	svc := &recordingService{}
	c := newTestController(t, Config{Transport: tr, Services: []any{svc}})

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, []string{"configure", "start"}, svc.Events())
	assert.Equal(t, config.TransportGrpc, svc.cfg.Connection.Transport)

	c.SetApplicationState(types.AppForeground)
	waitConnected(t, c)
	require.Eventually(t, func() bool { return len(svc.Events()) == 3 }, 2*time.Second, 5*time.Millisecond)

	c.Stop()
	assert.Equal(t, []string{"configure", "start", "connect", "disconnect", "stop"}, svc.Events())
}

func TestStoreSavedOnStop(t *testing.T) {
	_, tr := startServer(t, nil)
	cfg := testSettings()
	cfg.Store.Path = filepath.Join(t.TempDir(), "store.yaml")

	c := newTestController(t, Config{Settings: cfg, Transport: tr})
	require.NoError(t, c.Start(context.Background()))
	c.Store().SetString("device.name", "kitchen")
	c.Stop()

	reopened, err := config.OpenStore(cfg.Store.Path)
	require.NoError(t, err)
	assert.Equal(t, "kitchen", reopened.GetString("device.name", ""))
}

// ============================================================================
// Requests
// ============================================================================

func TestItemNotFoundEvictsObject(t *testing.T) {
	_, tr := startServer(t, transport.ErrorResponder(types.ItemNotFound))
	c := newTestController(t, Config{Transport: tr})
	require.NoError(t, c.Start(context.Background()))
	c.SetApplicationState(types.AppForeground)
	waitConnected(t, c)

	id := uuid.New()
	c.Objects().Put(id, "twin")

	codes := make(chan types.ErrorCode, 1)
	_, err := c.Dispatcher().SendDataPacket(context.Background(), dispatch.Request{
		Serializer: lookupCodec,
		Packet:     &lookupIQ{ID: id},
		Kind:       registry.KindGet,
		Subject:    id,
	}, registry.Continuation{
		OnResult: func(any) { t.Error("unexpected result") },
		OnError:  func(code types.ErrorCode) { codes <- code },
	})
	require.NoError(t, err)

	select {
	case code := <-codes:
		assert.Equal(t, types.ItemNotFound, code)
	case <-time.After(3 * time.Second):
		t.Fatal("no error delivered")
	}
	assert.False(t, c.Objects().Contains(id))
	assert.Equal(t, 0, c.Status().PendingRequests)
}

func TestOfflineRequestFailsFast(t *testing.T) {
	_, tr := startServer(t, nil)
	c := newTestController(t, Config{Transport: tr})
	require.NoError(t, c.Start(context.Background()))

	_, err := c.Dispatcher().SendDataPacket(context.Background(), dispatch.Request{
		Serializer: lookupCodec,
		Packet:     &lookupIQ{ID: uuid.New()},
	}, registry.Continuation{})
	assert.ErrorIs(t, err, types.NewRequestError(types.TwinlifeOffline, 0))
	assert.Equal(t, 0, c.Requests().Len())
}

func TestStopAbandonsPendingRequests(t *testing.T) {
	// server never answers
	_, tr := startServer(t, func(context.Context, []byte) [][]byte { return nil })
	c := newTestController(t, Config{Transport: tr})
	require.NoError(t, c.Start(context.Background()))
	c.SetApplicationState(types.AppForeground)
	waitConnected(t, c)

	var called atomic.Bool
	_, err := c.Dispatcher().SendDataPacket(context.Background(), dispatch.Request{
		Serializer: lookupCodec,
		Packet:     &lookupIQ{ID: uuid.New()},
		Timeout:    time.Hour,
	}, registry.Continuation{
		OnResult: func(any) { called.Store(true) },
		OnError:  func(types.ErrorCode) { called.Store(true) },
	})
	require.NoError(t, err)
	assert.Equal(t, 1, c.Requests().Len())

	c.Stop()
	assert.Equal(t, 0, c.Requests().Len())
	assert.False(t, called.Load(), "abandoned requests get no continuation")
}

func TestMetricsGathered(t *testing.T) {
	_, tr := startServer(t, nil)
	c := newTestController(t, Config{Transport: tr})
	require.NoError(t, c.Start(context.Background()))
	c.SetApplicationState(types.AppForeground)
	waitConnected(t, c)

	families, err := c.Gatherer().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["twinlife_connection_state"], "got %v", names)
}
