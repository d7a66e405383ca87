package rpc

import (
	"context"
	"time"

	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/fxnlabs/weft/pkg/wire"
)

// NewServer creates a gRPC server serving backend. Errors returned by the
// backend are converted to status codes before metrics and logging see them.
func NewServer(log *zap.Logger, backend wire.BackendServer, m *grpcprom.ServerMetrics, opts ...grpc.ServerOption) *grpc.Server {
	log = log.Named("rpc")
	opts = append(opts,
		grpc.ChainUnaryInterceptor(
			m.UnaryServerInterceptor(),
			unaryLogging(log),
			unaryStatus,
		),
		grpc.ChainStreamInterceptor(
			m.StreamServerInterceptor(),
			streamLogging(log),
			streamStatus,
		),
	)
	srv := grpc.NewServer(opts...)
	wire.RegisterBackendServer(srv, backend)
	m.InitializeMetrics(srv)
	return srv
}

func unaryStatus(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	return resp, wire.ToStatus(err)
}

func streamStatus(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	return wire.ToStatus(handler(srv, ss))
}

func unaryLogging(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logCall(log, info.FullMethod, start, err)
		return resp, err
	}
}

func streamLogging(log *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logCall(log, info.FullMethod, start, err)
		return err
	}
}

func logCall(log *zap.Logger, method string, start time.Time, err error) {
	fields := []zap.Field{
		zap.String("method", method),
		zap.Duration("duration", time.Since(start)),
		zap.Stringer("code", status.Code(err)),
	}
	if err != nil {
		log.Warn("RPC failed", append(fields, zap.Error(err))...)
		return
	}
	log.Debug("RPC served", fields...)
}
