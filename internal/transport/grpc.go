package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	tsaeerrors "github.com/bastiqui/TSAE75644-2024/internal/errors"
	"github.com/bastiqui/TSAE75644-2024/internal/model"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName       = "tsae.v1.AntiEntropy"
	sessionStreamName = "Session"
	sessionMethod     = "/" + serviceName + "/" + sessionStreamName
)

// SessionHandler serves one inbound session. The returned error is reported
// to the peer as the stream status.
type SessionHandler interface {
	HandleSession(ctx context.Context, ch Channel) error
}

// Each frame travels as a BytesValue whose payload is the wire encoding of a
// model.Message, so the default proto codec carries it unchanged.
var antiEntropyServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SessionHandler)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    sessionStreamName,
			Handler:       sessionStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "tsae/v1/anti_entropy.proto",
}

func sessionStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	handler := srv.(SessionHandler)
	ch := newStreamChannel(stream, nil, nil)
	defer ch.Close()

	err := handler.HandleSession(stream.Context(), ch)
	if err == nil {
		return nil
	}
	var se *tsaeerrors.SessionError
	if errors.As(err, &se) {
		return se.ToGRPCStatus().Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// streamChannel adapts a gRPC stream to Channel. Close unblocks a pending
// Recv on either side; the server side has no stream cancel of its own, the
// stream ends when the handler returns.
type streamChannel struct {
	stream    msgStream
	closeSend func() error
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// msgStream is the part of grpc.ServerStream and grpc.ClientStream a channel uses
type msgStream interface {
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

type recvResult struct {
	frame *wrapperspb.BytesValue
	err   error
}

func newStreamChannel(stream msgStream, closeSend func() error, cancel context.CancelFunc) *streamChannel {
	return &streamChannel{
		stream:    stream,
		closeSend: closeSend,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (c *streamChannel) Send(msg *model.Message) error {
	select {
	case <-c.done:
		return tsaeerrors.Transport("send on closed channel", io.ErrClosedPipe)
	default:
	}

	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	if err := c.stream.SendMsg(wrapperspb.Bytes(data)); err != nil {
		if err == io.EOF {
			return tsaeerrors.Transport("stream closed by peer", err)
		}
		return tsaeerrors.FromGRPC(err)
	}
	return nil
}

func (c *streamChannel) Recv() (*model.Message, error) {
	select {
	case <-c.done:
		return nil, tsaeerrors.Transport("receive on closed channel", io.ErrClosedPipe)
	default:
	}

	// RecvMsg cannot be interrupted on the server side, so it runs apart and
	// is abandoned on Close. It returns once the stream is torn down.
	received := make(chan recvResult, 1)
	go func() {
		frame := &wrapperspb.BytesValue{}
		received <- recvResult{frame: frame, err: c.stream.RecvMsg(frame)}
	}()

	select {
	case r := <-received:
		if r.err != nil {
			if r.err == io.EOF {
				return nil, tsaeerrors.Transport("stream closed by peer", r.err)
			}
			return nil, tsaeerrors.FromGRPC(r.err)
		}
		return DecodeMessage(r.frame.GetValue())
	case <-c.done:
		return nil, tsaeerrors.Transport("receive on closed channel", io.ErrClosedPipe)
	}
}

func (c *streamChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.closeSend != nil {
			err = c.closeSend()
		}
		if c.cancel != nil {
			c.cancel()
		}
	})
	return err
}

// ServerConfig holds the gRPC server settings for inbound sessions
type ServerConfig struct {
	MaxConnections   int
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	ExtraOptions     []grpc.ServerOption
}

// Server accepts inbound anti-entropy sessions
type Server struct {
	grpcServer *grpc.Server
	logger     *zap.Logger
}

// NewServer creates a gRPC server dispatching sessions to handler
func NewServer(cfg ServerConfig, handler SessionHandler, logger *zap.Logger) *Server {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if cfg.MaxConnections > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(uint32(cfg.MaxConnections)))
	}
	opts = append(opts, cfg.ExtraOptions...)

	grpcServer := grpc.NewServer(opts...)
	grpcServer.RegisterService(&antiEntropyServiceDesc, handler)

	return &Server{grpcServer: grpcServer, logger: logger}
}

// Serve accepts connections on lis until Stop or GracefulStop
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Session server listening", zap.String("address", lis.Addr().String()))
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("session server: %w", err)
	}
	return nil
}

// GracefulStop waits for in-flight sessions up to timeout, then closes them
func (s *Server) GracefulStop(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("Graceful stop timed out, closing sessions")
		s.grpcServer.Stop()
	}
}

// DialerConfig holds client settings for outbound sessions
type DialerConfig struct {
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	ExtraOptions     []grpc.DialOption
}

// Dialer opens outbound sessions, reusing one connection per peer address
type Dialer struct {
	opts   []grpc.DialOption
	conns  map[string]*grpc.ClientConn
	mu     sync.Mutex
	logger *zap.Logger
}

// NewDialer creates a dialer
func NewDialer(cfg DialerConfig, logger *zap.Logger) *Dialer {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if cfg.KeepaliveTime > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}))
	}
	opts = append(opts, cfg.ExtraOptions...)

	return &Dialer{
		opts:   opts,
		conns:  make(map[string]*grpc.ClientConn),
		logger: logger,
	}
}

func (d *Dialer) conn(addr string) (*grpc.ClientConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if conn, ok := d.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr, d.opts...)
	if err != nil {
		return nil, err
	}
	d.conns[addr] = conn
	return conn, nil
}

// Open starts a session stream to peer. The channel stays bound to ctx.
func (d *Dialer) Open(ctx context.Context, peer model.Peer) (Channel, error) {
	conn, err := d.conn(peer.Addr)
	if err != nil {
		return nil, tsaeerrors.Transport(fmt.Sprintf("failed to connect to %s", peer.ID), err).
			WithDetail("addr", peer.Addr)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := conn.NewStream(streamCtx, &antiEntropyServiceDesc.Streams[0], sessionMethod)
	if err != nil {
		cancel()
		return nil, tsaeerrors.Transport(fmt.Sprintf("failed to open session with %s", peer.ID), err).
			WithDetail("addr", peer.Addr)
	}

	return newStreamChannel(stream, stream.CloseSend, cancel), nil
}

// Close closes every cached connection
func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for addr, conn := range d.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.conns, addr)
	}
	return firstErr
}
