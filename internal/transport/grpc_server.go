package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/twinlife/internal/wire"
	"github.com/ChuLiYu/twinlife/pkg/types"
)

// FrameHandler answers one inbound frame with zero or more reply frames.
type FrameHandler func(ctx context.Context, frame []byte) [][]byte

// FrameService is the server-side contract of the frame stream.
type FrameService interface {
	Exchange(stream grpc.ServerStream) error
}

var frameServiceDesc = grpc.ServiceDesc{
	ServiceName: frameServiceName,
	HandlerType: (*FrameService)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    frameStreamDesc.StreamName,
		Handler:       exchangeHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "twinlife/v1/frames.proto",
}

func exchangeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(FrameService).Exchange(stream)
}

// FrameServer implements the server half of the frame stream.
type FrameServer struct {
	handler FrameHandler

	mu      sync.Mutex
	streams map[*peerStream]struct{}
}

type peerStream struct {
	stream grpc.ServerStream
	sendMu sync.Mutex
}

func (p *peerStream) send(frame []byte) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.stream.SendMsg(wrapperspb.Bytes(frame))
}

var _ FrameService = (*FrameServer)(nil)

// NewFrameServer creates a frame server. A nil handler never replies.
func NewFrameServer(handler FrameHandler) *FrameServer {
	return &FrameServer{
		handler: handler,
		streams: make(map[*peerStream]struct{}),
	}
}

// ServerOptions accepts client keepalive pings at the transport's rate; the
// grpc-go default policy closes connections that ping more than every 5m.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             minKeepaliveTime,
			PermitWithoutStream: true,
		}),
	}
}

// Register attaches the service to a gRPC server.
func (s *FrameServer) Register(r grpc.ServiceRegistrar) {
	r.RegisterService(&frameServiceDesc, s)
}

// Exchange handles one client stream until the client goes away.
func (s *FrameServer) Exchange(stream grpc.ServerStream) error {
	// Headers go out immediately so the client's Connect can complete.
	if err := stream.SendHeader(metadata.MD{}); err != nil {
		return err
	}

	peer := &peerStream{stream: stream}
	s.mu.Lock()
	s.streams[peer] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.streams, peer)
		s.mu.Unlock()
	}()

	for {
		msg := new(wrapperspb.BytesValue)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if s.handler == nil {
			continue
		}
		for _, reply := range s.handler(stream.Context(), msg.GetValue()) {
			if err := peer.send(reply); err != nil {
				return err
			}
		}
	}
}

// Push sends a server-initiated frame to every connected client and
// returns how many received it.
func (s *FrameServer) Push(frame []byte) int {
	s.mu.Lock()
	peers := make([]*peerStream, 0, len(s.streams))
	for p := range s.streams {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	delivered := 0
	for _, p := range peers {
		if err := p.send(frame); err != nil {
			log.Debug("push failed", "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Connected returns the number of open client streams.
func (s *FrameServer) Connected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// ErrorResponder answers every request frame with an error packet carrying
// code and the request's id. Frames without a readable header are ignored.
func ErrorResponder(code types.ErrorCode) FrameHandler {
	return func(_ context.Context, frame []byte) [][]byte {
		header, err := wire.PeekHeader(frame)
		if err != nil {
			log.Debug("ignoring unreadable frame", "error", err)
			return nil
		}
		reply, err := wire.Marshal(wire.ErrorPacketCodec, header.RequestID, &wire.ErrorPacket{Code: code})
		if err != nil {
			log.Warn("encode error packet", "error", err)
			return nil
		}
		return [][]byte{reply}
	}
}
