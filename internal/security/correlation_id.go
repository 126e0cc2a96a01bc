package security

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// CorrelationIDHeader carries the request correlation id over HTTP.
const CorrelationIDHeader = "X-Correlation-ID"

// CorrelationIDMetadataKey carries it over gRPC. Metadata keys are lowercase.
const CorrelationIDMetadataKey = "x-correlation-id"

type correlationIDKey struct{}

func ensureCorrelationID(cid string) string {
	if cid == "" {
		return uuid.NewString()
	}
	return cid
}

// ContextWithCorrelationID stores cid for CorrelationIDFromContext.
func ContextWithCorrelationID(ctx context.Context, cid string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, cid)
}

// CorrelationID reuses the caller's X-Correlation-ID or assigns a new one,
// echoes it on the response and makes it available to handlers.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := ensureCorrelationID(r.Header.Get(CorrelationIDHeader))
		w.Header().Set(CorrelationIDHeader, cid)
		next.ServeHTTP(w, r.WithContext(ContextWithCorrelationID(r.Context(), cid)))
	})
}

// CorrelationIDUnaryInterceptor is the gRPC counterpart of CorrelationID. The
// id is returned to the client as a response header.
func CorrelationIDUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var cid string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(CorrelationIDMetadataKey); len(vals) > 0 {
				cid = vals[0]
			}
		}
		cid = ensureCorrelationID(cid)
		_ = grpc.SetHeader(ctx, metadata.Pairs(CorrelationIDMetadataKey, cid))
		return handler(ContextWithCorrelationID(ctx, cid), req)
	}
}

func CorrelationIDFromContext(ctx context.Context) string {
	cid, _ := ctx.Value(correlationIDKey{}).(string)
	return cid
}
