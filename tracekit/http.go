package tracekit

import (
	"net"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// clientIPMiddleware tags the current span with the caller's IP.
type clientIPMiddleware struct {
	handler http.Handler
}

func (m *clientIPMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if clientIP := ExtractClientIP(r); clientIP != "" {
		span := trace.SpanFromContext(r.Context())
		if span.SpanContext().IsValid() {
			span.SetAttributes(attribute.String("http.client_ip", clientIP))
		}
	}
	m.handler.ServeHTTP(w, r)
}

// HTTPHandler wraps handler with OpenTelemetry instrumentation and client
// IP tagging.
func (s *SDK) HTTPHandler(handler http.Handler, operation string) http.Handler {
	otelHandler := otelhttp.NewHandler(handler, operation,
		otelhttp.WithTracerProvider(s.tracerProvider),
	)
	return &clientIPMiddleware{handler: otelHandler}
}

// HTTPMiddleware adapts HTTPHandler into a chainable middleware.
func (s *SDK) HTTPMiddleware(operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return s.HTTPHandler(next, operation)
	}
}

// HTTPClient wraps client (or http.DefaultClient if nil) so outgoing
// requests get a CLIENT span carrying a peer.service attribute. The
// ControlPlaneClient's own client is wrapped this way in NewSDK so its
// poll/ship traffic is traced; those requests carry no inbound context,
// so each one starts a trace of its own.
func (s *SDK) HTTPClient(client *http.Client) *http.Client {
	if client == nil {
		client = http.DefaultClient
	}

	client.Transport = otelhttp.NewTransport(client.Transport,
		otelhttp.WithTracerProvider(s.tracerProvider),
		otelhttp.WithSpanOptions(trace.WithSpanKind(trace.SpanKindClient)),
	)
	client.Transport = &peerServiceTransport{
		base:                client.Transport,
		serviceNameMappings: s.config.ServiceNameMappings,
	}

	return client
}

// WrapRoundTripper wraps rt the same way HTTPClient wraps a client's
// transport, for callers that build their own http.Client.
func (s *SDK) WrapRoundTripper(rt http.RoundTripper) http.RoundTripper {
	wrapped := otelhttp.NewTransport(rt,
		otelhttp.WithTracerProvider(s.tracerProvider),
		otelhttp.WithSpanOptions(trace.WithSpanKind(trace.SpanKindClient)),
	)
	return &peerServiceTransport{
		base:                wrapped,
		serviceNameMappings: s.config.ServiceNameMappings,
	}
}

type peerServiceTransport struct {
	base                http.RoundTripper
	serviceNameMappings map[string]string
}

func (t *peerServiceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	serviceName := t.extractServiceName(req.URL.Host)

	span := trace.SpanFromContext(req.Context())
	if span.SpanContext().IsValid() {
		span.SetAttributes(
			semconv.PeerService(serviceName),
			attribute.String("http.host", req.URL.Host),
			attribute.String("http.scheme", req.URL.Scheme),
		)
	}

	return t.base.RoundTrip(req)
}

func (t *peerServiceTransport) extractServiceName(hostname string) string {
	if t.serviceNameMappings != nil {
		if serviceName, ok := t.serviceNameMappings[hostname]; ok {
			return serviceName
		}

		hostWithoutPort := hostname
		if idx := strings.Index(hostname, ":"); idx != -1 {
			hostWithoutPort = hostname[:idx]
		}
		if serviceName, ok := t.serviceNameMappings[hostWithoutPort]; ok {
			return serviceName
		}
	}

	return extractServiceName(hostname)
}

func extractServiceName(hostname string) string {
	if strings.Contains(hostname, ".svc.cluster.local") {
		if parts := strings.Split(hostname, "."); len(parts) > 0 {
			return parts[0]
		}
	}

	if strings.Contains(hostname, ".internal") {
		host := hostname
		if idx := strings.Index(host, ":"); idx != -1 {
			host = host[:idx]
		}
		if parts := strings.Split(host, "."); len(parts) > 0 {
			return parts[0]
		}
	}

	if idx := strings.Index(hostname, ":"); idx != -1 {
		return hostname[:idx]
	}

	return hostname
}

// ExtractClientIP resolves the caller's IP, preferring proxy headers
// (X-Forwarded-For, X-Real-IP) over the raw RemoteAddr.
func ExtractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			clientIP := strings.TrimSpace(ips[0])
			if net.ParseIP(clientIP) != nil {
				return clientIP
			}
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		xri = strings.TrimSpace(xri)
		if net.ParseIP(xri) != nil {
			return xri
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	if net.ParseIP(ip) != nil {
		return ip
	}

	return ""
}
