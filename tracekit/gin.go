package tracekit

import (
	"context"
	"net/textproto"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// requestContextKey is the context key a RequestContext is stashed
// under by the framework middlewares below and retrieved through by
// ControlPlaneClient.onHit / extractRequestContext.
type requestContextKey struct{}

// RequestContext is the HTTP (or gRPC) request detail attached to a
// Snapshot when a hit occurs inside a traced request.
type RequestContext struct {
	Method      string            `json:"method,omitempty"`
	Path        string            `json:"path,omitempty"`
	RemoteAddr  string            `json:"remoteAddr,omitempty"`
	UserAgent   string            `json:"userAgent,omitempty"`
	QueryParams map[string]string `json:"queryParams,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

var redactedHeaders = map[string]bool{
	"Authorization": true,
	"Cookie":        true,
	"X-Api-Key":     true,
}

// isRedactedHeader checks key case-insensitively; gRPC metadata keys
// arrive lowercased while net/http headers arrive canonicalized.
func isRedactedHeader(key string) bool {
	return redactedHeaders[textproto.CanonicalMIMEHeaderKey(key)]
}

// GinMiddleware returns a Gin middleware with OpenTelemetry
// instrumentation that also captures a RequestContext for later
// attachment to any Snapshot taken during this request.
func (s *SDK) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := ExtractClientIP(c.Request)
		reqCtx := extractGinRequestContext(c)

		ctx := context.WithValue(c.Request.Context(), requestContextKey{}, reqCtx)
		c.Request = c.Request.WithContext(ctx)

		opts := []otelgin.Option{otelgin.WithTracerProvider(s.tracerProvider)}
		if clientIP != "" {
			opts = append(opts, otelgin.WithSpanStartOptions(
				trace.WithAttributes(attribute.String("http.client_ip", clientIP)),
			))
		}

		otelgin.Middleware(s.config.ServiceName, opts...)(c)
	}
}

func extractGinRequestContext(c *gin.Context) *RequestContext {
	rc := &RequestContext{
		Method:     c.Request.Method,
		Path:       c.Request.URL.Path,
		RemoteAddr: c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	}

	if len(c.Request.URL.RawQuery) > 0 {
		params := make(map[string]string)
		for key, values := range c.Request.URL.Query() {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}
		rc.QueryParams = params
	}

	headers := make(map[string]string)
	for key, values := range c.Request.Header {
		if isRedactedHeader(key) {
			headers[key] = "[REDACTED]"
			continue
		}
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}
	rc.Headers = headers

	return rc
}

// GetRequestContext retrieves the RequestContext a GinMiddleware stashed
// on the request, if any.
func GetRequestContext(c *gin.Context) *RequestContext {
	return extractRequestContext(c.Request.Context())
}
