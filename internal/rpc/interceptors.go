package rpc

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/example/fx-ledger/internal/auth"
	"github.com/example/fx-ledger/internal/security"
)

// AuthInterceptor validates the bearer token in the "authorization" metadata
// and enforces the method's scope before the handler runs.
func AuthInterceptor(v *auth.JWTValidator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if v == nil {
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}

		var authz string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get("authorization"); len(vals) > 0 {
				authz = vals[0]
			}
		}

		ai, err := v.AuthInfoFromBearer(authz)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}
		if scope, ok := methodScopes[info.FullMethod]; ok && !ai.HasScope(scope) {
			return nil, status.Error(codes.PermissionDenied, "forbidden")
		}

		return handler(auth.ContextWithAuthInfo(ctx, ai), req)
	}
}

// LoggingInterceptor logs one line per call, tagged with the correlation id
// when CorrelationIDUnaryInterceptor ran first.
func LoggingInterceptor(l *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		level := slog.LevelInfo
		if code == codes.Internal || code == codes.Unknown {
			level = slog.LevelError
		}
		l.Log(ctx, level, "grpc_request",
			"cid", security.CorrelationIDFromContext(ctx),
			"method", info.FullMethod,
			"code", code.String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return resp, err
	}
}

// NewServer builds a gRPC server speaking the JSON codec. Calls pass through
// correlation id, logging, the peer allowlist and auth, in that order.
func NewServer(l *slog.Logger, v *auth.JWTValidator, allow []*net.IPNet, opts ...grpc.ServerOption) *grpc.Server {
	if l == nil {
		l = slog.Default()
	}
	base := []grpc.ServerOption{
		grpc.ForceServerCodec(Codec{}),
		grpc.ChainUnaryInterceptor(
			security.CorrelationIDUnaryInterceptor(),
			LoggingInterceptor(l),
			security.IPAllowlistUnaryInterceptor(allow),
			AuthInterceptor(v),
		),
		grpc.MaxRecvMsgSize(1024 * 1024),
		grpc.MaxSendMsgSize(1024 * 1024),
	}
	return grpc.NewServer(append(base, opts...)...)
}
