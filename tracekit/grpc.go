package tracekit

import (
	"context"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// GRPCServerInterceptors returns gRPC server options with OpenTelemetry
// instrumentation and RequestContext capture, mirroring GinMiddleware/
// EchoMiddleware for gRPC unary calls.
func (s *SDK) GRPCServerInterceptors() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler(
			otelgrpc.WithTracerProvider(s.tracerProvider),
		)),
		grpc.ChainUnaryInterceptor(requestContextUnaryInterceptor),
	}
}

// GRPCClientInterceptors returns gRPC client interceptors with OpenTelemetry
func (s *SDK) GRPCClientInterceptors() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithStatsHandler(otelgrpc.NewClientHandler(
			otelgrpc.WithTracerProvider(s.tracerProvider),
		)),
	}
}

func requestContextUnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	rc := &RequestContext{
		Method: info.FullMethod,
	}

	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		rc.RemoteAddr = p.Addr.String()
	}

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		headers := make(map[string]string)
		for key, values := range md {
			if len(values) == 0 {
				continue
			}
			if isRedactedHeader(key) {
				headers[key] = "[REDACTED]"
				continue
			}
			headers[key] = values[0]
		}
		rc.Headers = headers
		if ua := md.Get("user-agent"); len(ua) > 0 {
			rc.UserAgent = ua[0]
		}
	}

	ctx = context.WithValue(ctx, requestContextKey{}, rc)
	return handler(ctx, req)
}

// GetGRPCRequestContext retrieves the RequestContext the server
// interceptor stashed on ctx, if any.
func GetGRPCRequestContext(ctx context.Context) *RequestContext {
	return extractRequestContext(ctx)
}
