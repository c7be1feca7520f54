// Package rpc serves the storage management API over gRPC.
//
// The service is registered from a hand-written grpc.ServiceDesc instead of
// generated stubs. Every method takes and returns a google.protobuf.Struct
// that is converted to and from the api/v1alpha1 message types at this
// boundary.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jbweber/sma/api/v1alpha1"
	"github.com/jbweber/sma/internal/logging"
)

// Service is the management API implementation.
//
// In production, this is satisfied by *agent.Agent.
// In tests, this is satisfied by mock implementations.
type Service interface {
	CreateDevice(ctx context.Context, req *v1alpha1.CreateDeviceRequest) (*v1alpha1.CreateDeviceResponse, error)
	RemoveDevice(ctx context.Context, req *v1alpha1.RemoveDeviceRequest) (*v1alpha1.RemoveDeviceResponse, error)
	AttachVolume(ctx context.Context, req *v1alpha1.AttachVolumeRequest) (*v1alpha1.AttachVolumeResponse, error)
	DetachVolume(ctx context.Context, req *v1alpha1.DetachVolumeRequest) (*v1alpha1.DetachVolumeResponse, error)
	ConnectVolume(ctx context.Context, req *v1alpha1.ConnectVolumeRequest) (*v1alpha1.ConnectVolumeResponse, error)
	DisconnectVolume(ctx context.Context, req *v1alpha1.DisconnectVolumeRequest) (*v1alpha1.DisconnectVolumeResponse, error)
}

// Observer records finished calls.
//
// In production, this is satisfied by *metrics.Collector.
type Observer interface {
	Observe(method, code string, d time.Duration)
}

// Config configures the server.
type Config struct {
	Address string
	Port    int
	TLS     TLSConfig
}

// ListenAddress returns host:port.
func (c Config) ListenAddress() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// Server is the management API gRPC server.
type Server struct {
	cfg        Config
	grpcServer *grpc.Server
	log        *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	running  bool
}

// NewServer returns a server dispatching to svc. A nil obs disables metrics.
func NewServer(cfg Config, svc Service, obs Observer, log *slog.Logger) (*Server, error) {
	log = logging.OrNop(log)

	creds, err := cfg.TLS.ServerCredentials()
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, log: log}
	s.grpcServer = grpc.NewServer(
		grpc.Creds(creds),
		grpc.ChainUnaryInterceptor(callInterceptor(obs, log)),
	)
	s.grpcServer.RegisterService(&serviceDesc, svc)
	return s, nil
}

// Start listens on the configured address and serves in the background. It
// returns the bound address.
func (s *Server) Start() (string, error) {
	l, err := net.Listen("tcp", s.cfg.ListenAddress())
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddress(), err)
	}
	if err := s.claim(l); err != nil {
		_ = l.Close()
		return "", err
	}
	go func() {
		if err := s.serve(l); err != nil {
			s.log.Error("management API stopped", "error", err)
		}
	}()
	return l.Addr().String(), nil
}

// Serve serves on l until the server stops.
func (s *Server) Serve(l net.Listener) error {
	if err := s.claim(l); err != nil {
		return err
	}
	return s.serve(l)
}

func (s *Server) claim(l net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("server already running")
	}
	s.listener = l
	s.running = true
	return nil
}

func (s *Server) serve(l net.Listener) error {
	s.log.Info("serving management API", "address", l.Addr().String(), "tls", s.cfg.TLS.Enabled())
	if err := s.grpcServer.Serve(l); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("gRPC server error: %w", err)
	}
	return nil
}

// Stop stops the server gracefully, forcing it after timeout or when ctx is
// done.
func (s *Server) Stop(ctx context.Context, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.grpcServer.Stop()
	case <-ctx.Done():
		s.grpcServer.Stop()
	}

	s.mu.Lock()
	s.running = false
	s.listener = nil
	s.mu.Unlock()
}

// callInterceptor logs every call and reports it to obs.
func callInterceptor(obs Observer, log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		elapsed := time.Since(start)

		method := methodName(info.FullMethod)
		code := status.Code(err)
		if obs != nil {
			obs.Observe(method, code.String(), elapsed)
		}
		if err != nil {
			log.Info("request failed", "method", method, "code", code.String(), "duration", elapsed, "error", status.Convert(err).Message())
		} else {
			log.Debug("request completed", "method", method, "duration", elapsed)
		}
		return resp, err
	}
}

func methodName(fullMethod string) string {
	for i := len(fullMethod) - 1; i >= 0; i-- {
		if fullMethod[i] == '/' {
			return fullMethod[i+1:]
		}
	}
	return fullMethod
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: v1alpha1.ServiceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		unary(v1alpha1.MethodCreateDevice, Service.CreateDevice),
		unary(v1alpha1.MethodRemoveDevice, Service.RemoveDevice),
		unary(v1alpha1.MethodAttachVolume, Service.AttachVolume),
		unary(v1alpha1.MethodDetachVolume, Service.DetachVolume),
		unary(v1alpha1.MethodConnectVolume, Service.ConnectVolume),
		unary(v1alpha1.MethodDisconnectVolume, Service.DisconnectVolume),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sma/v1alpha1/sma.proto",
}

// unary builds the method descriptor of a Struct-in, Struct-out call.
func unary[Req, Resp any](method string, call func(Service, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := v1alpha1.FullMethod(method)
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "failed to decode request: %v", err)
			}

			handler := func(ctx context.Context, req any) (any, error) {
				var r Req
				if err := v1alpha1.FromStruct(req.(*structpb.Struct), &r); err != nil {
					return nil, status.Error(codes.InvalidArgument, err.Error())
				}
				resp, err := call(srv.(Service), ctx, &r)
				if err != nil {
					return nil, err
				}
				out, err := v1alpha1.ToStruct(resp)
				if err != nil {
					return nil, status.Errorf(codes.Internal, "failed to build response: %v", err)
				}
				return out, nil
			}

			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, handler)
		},
	}
}
