package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/twinlife/internal/connection"
)

// Frames are carried over a single bidirectional stream. There is no
// generated stub: the method is described by hand and every message is a
// google.protobuf.BytesValue holding one encoded frame.
const (
	frameServiceName = "twinlife.v1.Frames"
	frameMethod      = "/" + frameServiceName + "/Exchange"
)

// HTTP/2 keepalive pings let a half-open connection leave the Ready state,
// which is what Ping observes.
const (
	DefaultKeepaliveTime    = 30 * time.Second
	DefaultKeepaliveTimeout = 10 * time.Second

	// grpc-go raises any client keepalive time below this to 10s
	minKeepaliveTime = 10 * time.Second
)

var frameStreamDesc = grpc.StreamDesc{
	StreamName:    "Exchange",
	ServerStreams: true,
	ClientStreams: true,
}

// GrpcConfig configures the gRPC transport.
type GrpcConfig struct {
	Target   string
	CAFile   string // PEM bundle; empty means system roots
	Insecure bool   // plaintext, no TLS at all

	KeepaliveTime    time.Duration // idle time before a keepalive ping; 0 means DefaultKeepaliveTime
	KeepaliveTimeout time.Duration // ping ack deadline; 0 means DefaultKeepaliveTimeout

	// DialOptions are appended after the credentials option (tests use this
	// for bufconn dialers).
	DialOptions []grpc.DialOption
}

// Grpc implements connection.Transport over a gRPC bidi stream.
type Grpc struct {
	cfg GrpcConfig

	credsOnce sync.Once
	creds     credentials.TransportCredentials
	credsErr  error
}

var _ connection.Transport = (*Grpc)(nil)

// NewGrpc creates a gRPC transport.
func NewGrpc(cfg GrpcConfig) *Grpc {
	return &Grpc{cfg: cfg}
}

func (g *Grpc) credentials() (credentials.TransportCredentials, error) {
	g.credsOnce.Do(func() {
		switch {
		case g.cfg.Insecure:
			g.creds = insecure.NewCredentials()
		case g.cfg.CAFile != "":
			g.creds, g.credsErr = credentials.NewClientTLSFromFile(g.cfg.CAFile, "")
		default:
			g.creds = credentials.NewClientTLSFromCert(nil, "")
		}
	})
	return g.creds, g.credsErr
}

func (g *Grpc) keepaliveParams() keepalive.ClientParameters {
	params := keepalive.ClientParameters{
		Time:                g.cfg.KeepaliveTime,
		Timeout:             g.cfg.KeepaliveTimeout,
		PermitWithoutStream: true,
	}
	if params.Time <= 0 {
		params.Time = DefaultKeepaliveTime
	}
	if params.Time < minKeepaliveTime {
		params.Time = minKeepaliveTime
	}
	if params.Timeout <= 0 {
		params.Timeout = DefaultKeepaliveTimeout
	}
	return params
}

// Connect opens the channel and the frame stream, and blocks until the
// server has sent its response headers.
func (g *Grpc) Connect(ctx context.Context, onReceive func([]byte)) (connection.Session, error) {
	creds, err := g.credentials()
	if err != nil {
		return nil, &connection.ConnectError{Kind: connection.FailureTLS, Err: err}
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(g.keepaliveParams()),
	}, g.cfg.DialOptions...)
	conn, err := grpc.NewClient(g.cfg.Target, opts...)
	if err != nil {
		return nil, &connection.ConnectError{Kind: connection.FailureOther, Err: fmt.Errorf("create client for %s: %w", g.cfg.Target, err)}
	}

	// The stream outlives the connect context.
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := conn.NewStream(streamCtx, &frameStreamDesc, frameMethod)
	if err != nil {
		cancel()
		conn.Close()
		return nil, classifyStatus(err)
	}

	headerErr := make(chan error, 1)
	go func() {
		_, err := stream.Header()
		headerErr <- err
	}()

	select {
	case err = <-headerErr:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		conn.Close()
		return nil, classifyStatus(err)
	}

	log.Debug("grpc stream established", "target", g.cfg.Target)
	return newGrpcSession(conn, stream, cancel, onReceive), nil
}

// classifyStatus maps gRPC status codes onto connection failure kinds.
func classifyStatus(err error) error {
	switch status.Code(err) {
	case codes.Unavailable:
		return &connection.ConnectError{Kind: connection.FailureTCP, Err: err}
	case codes.Unauthenticated, codes.PermissionDenied, codes.Unimplemented:
		return &connection.ConnectError{Kind: connection.FailureHandshake, Err: err}
	default:
		return &connection.ConnectError{Kind: connection.FailureOther, Err: err}
	}
}

// ============================================================================
// Session
// ============================================================================

type grpcSession struct {
	conn      *grpc.ClientConn
	stream    grpc.ClientStream
	cancel    context.CancelFunc
	onReceive func([]byte)

	sendMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

func newGrpcSession(conn *grpc.ClientConn, stream grpc.ClientStream, cancel context.CancelFunc, onReceive func([]byte)) *grpcSession {
	s := &grpcSession{
		conn:      conn,
		stream:    stream,
		cancel:    cancel,
		onReceive: onReceive,
		done:      make(chan struct{}),
	}
	go s.recvLoop()
	return s
}

func (s *grpcSession) recvLoop() {
	defer close(s.done)

	for {
		msg := new(wrapperspb.BytesValue)
		if err := s.stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			s.setErr(err)
			s.cancel()
			s.conn.Close()
			return
		}
		if s.onReceive != nil {
			s.onReceive(msg.GetValue())
		}
	}
}

func (s *grpcSession) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.SendMsg(wrapperspb.Bytes(frame))
}

// Ping reports whether the underlying channel is still usable. A peer that
// stops answering keepalive pings moves the channel out of Ready.
func (s *grpcSession) Ping(ctx context.Context) error {
	for {
		state := s.conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return fmt.Errorf("channel shut down")
		}
		if !s.conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("channel not ready (%s): %w", state, ctx.Err())
		}
	}
}

func (s *grpcSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.setErr(ErrSessionClosed)
		s.sendMu.Lock()
		s.stream.CloseSend()
		s.sendMu.Unlock()
		s.cancel()
		err = s.conn.Close()
	})
	return err
}

func (s *grpcSession) Done() <-chan struct{} {
	return s.done
}

func (s *grpcSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *grpcSession) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}
