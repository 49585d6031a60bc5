package tracekit

import (
	"context"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

// EchoMiddleware returns an Echo middleware with OpenTelemetry
// instrumentation that also captures a RequestContext for later
// attachment to any Snapshot taken during this request, mirroring
// GinMiddleware.
func (s *SDK) EchoMiddleware() echo.MiddlewareFunc {
	otelMW := otelecho.Middleware(s.config.ServiceName,
		otelecho.WithTracerProvider(s.tracerProvider),
	)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return otelMW(func(c echo.Context) error {
			reqCtx := extractEchoRequestContext(c)
			ctx := context.WithValue(c.Request().Context(), requestContextKey{}, reqCtx)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		})
	}
}

func extractEchoRequestContext(c echo.Context) *RequestContext {
	req := c.Request()
	rc := &RequestContext{
		Method:     req.Method,
		Path:       c.Path(),
		RemoteAddr: c.RealIP(),
		UserAgent:  req.UserAgent(),
	}

	if len(req.URL.RawQuery) > 0 {
		params := make(map[string]string)
		for key, values := range req.URL.Query() {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}
		rc.QueryParams = params
	}

	headers := make(map[string]string)
	for key, values := range req.Header {
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

// GetEchoRequestContext retrieves the RequestContext EchoMiddleware
// stashed on the request, if any.
func GetEchoRequestContext(c echo.Context) *RequestContext {
	return extractRequestContext(c.Request().Context())
}
