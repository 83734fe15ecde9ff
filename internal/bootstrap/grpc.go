package bootstrap

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/Domenick1991/staysync/internal/metrics"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// interceptorLogger adapts zap to the go-grpc-middleware logging interface.
func interceptorLogger(l *zap.Logger) logging.Logger {
	return logging.LoggerFunc(func(_ context.Context, lvl logging.Level, msg string, fields ...any) {
		f := make([]zap.Field, 0, len(fields)/2)
		for i := 0; i+1 < len(fields); i += 2 {
			key, ok := fields[i].(string)
			if !ok {
				key = fmt.Sprint(fields[i])
			}
			f = append(f, zap.Any(key, fields[i+1]))
		}

		switch lvl {
		case logging.LevelDebug:
			l.Debug(msg, f...)
		case logging.LevelInfo:
			l.Info(msg, f...)
		case logging.LevelWarn:
			l.Warn(msg, f...)
		case logging.LevelError:
			l.Error(msg, f...)
		default:
			panic(fmt.Sprintf("unknown level %v", lvl))
		}
	})
}

// NewGRPCServer builds the gRPC server exposing grpc.health.v1. Serving status follows the health
// server returned alongside it.
func NewGRPCServer(logger *zap.Logger, reg *prometheus.Registry, m *metrics.Metrics) (*grpc.Server, *health.Server) {
	srvMetrics := grpcprom.NewServerMetrics(
		grpcprom.WithServerHandlingTimeHistogram(
			grpcprom.WithHistogramBuckets([]float64{0.001, 0.01, 0.1, 0.3, 0.6, 1, 3, 6}),
		),
	)
	reg.MustRegister(srvMetrics)

	rpcLogger := logger.Named("grpc")
	panicHandler := func(p any) error {
		m.PanicRecovered()
		rpcLogger.Error("recovered from panic", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
		return status.Errorf(codes.Internal, "%s", p)
	}

	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			srvMetrics.UnaryServerInterceptor(),
			logging.UnaryServerInterceptor(interceptorLogger(rpcLogger)),
			recovery.UnaryServerInterceptor(recovery.WithRecoveryHandler(panicHandler)),
		),
		grpc.ChainStreamInterceptor(
			srvMetrics.StreamServerInterceptor(),
			logging.StreamServerInterceptor(interceptorLogger(rpcLogger)),
			recovery.StreamServerInterceptor(recovery.WithRecoveryHandler(panicHandler)),
		),
	)

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)
	srvMetrics.InitializeMetrics(srv)

	return srv, healthSrv
}
