package tracekit

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds the TraceKit SDK configuration.
type Config struct {
	// Required
	APIKey      string `validate:"required"`
	ServiceName string `validate:"required"`

	// Optional - defaults to app.tracekit.dev
	Endpoint string

	// Optional - defaults to /v1/traces
	TracesPath string

	// Optional - defaults to /v1/metrics
	MetricsPath string

	// Optional - selects https for a host-only Endpoint. The zero value
	// (false) means plain http; an Endpoint that carries its own scheme
	// ignores this field.
	UseSSL bool

	ServiceVersion string
	Environment    string

	ResourceAttributes map[string]string

	// Optional - enable the snapshot debugger engine and its polling
	// control-plane client.
	EnableCodeMonitoring bool

	// Optional - code monitoring poll interval (default: 30s)
	CodeMonitoringPollInterval time.Duration

	// Optional - root directory the Source Scanner walks at startup.
	// Defaults to the current working directory.
	WorkingDirectory string

	// Optional - bounds the State Capturer applies to every snapshot.
	// Defaults to DefaultCaptureConfig().
	Capture CaptureConfig

	// Optional - shared, cross-replica cache of active breakpoints that
	// the ControlPlaneClient reads instead of polling the backend. The
	// client only reads it; filling it (Put) is left to the embedding
	// application. Construct one with NewRedisBreakpointCache (redis.go).
	// Nil means every replica polls the backend directly.
	BreakpointCache BreakpointCache

	// Optional - durable sink for completed snapshots, in addition to
	// shipping them to the backend. Construct one with NewSQLAuditStore
	// (database.go), NewGormAuditStore (gorm.go), or NewMongoAuditStore
	// (mongodb.go). Nil means snapshots are not durably recorded beyond
	// the ship to the backend.
	AuditStore AuditStore

	SamplingRate float64
	BatchTimeout time.Duration

	ServiceNameMappings map[string]string
}

var configValidator = validator.New()

// Validate runs go-playground/validator struct-tag validation over
// Config's required fields. Breakpoint wire objects are not run through
// this validator; their validate tags are not checked anywhere.
func (c *Config) Validate() error {
	return configValidator.Struct(c)
}

// SDK is the main TraceKit SDK client.
type SDK struct {
	config             *Config
	tracer             trace.Tracer
	tracerProvider     *sdktrace.TracerProvider
	agent              *Agent
	controlPlaneClient *ControlPlaneClient
	metricsRegistry    *metricsRegistry
	localUIEnabled     bool
}

func resolveEndpoint(endpoint, path string, useSSL bool) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		endpoint = strings.TrimSuffix(endpoint, "/")

		trimmed := strings.TrimPrefix(endpoint, "https://")
		trimmed = strings.TrimPrefix(trimmed, "http://")

		if strings.Contains(trimmed, "/") {
			if path == "" {
				return extractBaseURL(endpoint)
			}
			return endpoint
		}

		return endpoint + path
	}

	scheme := "https://"
	if !useSSL {
		scheme = "http://"
	}

	endpoint = strings.TrimSuffix(endpoint, "/")
	return scheme + endpoint + path
}

func extractBaseURL(fullURL string) string {
	hasServicePath := strings.Contains(fullURL, "/v1/traces") ||
		strings.Contains(fullURL, "/v1/metrics") ||
		strings.Contains(fullURL, "/api/v1/traces") ||
		strings.Contains(fullURL, "/api/v1/metrics")

	if !hasServicePath {
		return fullURL
	}

	var scheme string
	remaining := fullURL
	if strings.HasPrefix(fullURL, "https://") {
		scheme = "https://"
		remaining = strings.TrimPrefix(fullURL, "https://")
	} else if strings.HasPrefix(fullURL, "http://") {
		scheme = "http://"
		remaining = strings.TrimPrefix(fullURL, "http://")
	} else {
		return fullURL
	}

	if idx := strings.Index(remaining, "/"); idx != -1 {
		return scheme + remaining[:idx]
	}

	return scheme + remaining
}

func detectLocalUI() bool {
	client := &http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Get("http://localhost:9999/api/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// localUISpanProcessor sends traces to the local TraceKit UI during
// development. Unchanged from the teacher: this is ambient tracing
// plumbing, unrelated to the snapshot engine.
type localUISpanProcessor struct {
	client *http.Client
}

func newLocalUISpanProcessor() *localUISpanProcessor {
	return &localUISpanProcessor{client: &http.Client{Timeout: 1 * time.Second}}
}

func (p *localUISpanProcessor) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {}

func (p *localUISpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	if os.Getenv("ENV") != "development" {
		return
	}

	go func() {
		payload := map[string]interface{}{
			"resourceSpans": []map[string]interface{}{
				{
					"scopeSpans": []map[string]interface{}{
						{
							"spans": []map[string]interface{}{
								{
									"traceId":           s.SpanContext().TraceID().String(),
									"spanId":            s.SpanContext().SpanID().String(),
									"parentSpanId":      s.Parent().SpanID().String(),
									"name":              s.Name(),
									"kind":              s.SpanKind(),
									"startTimeUnixNano": s.StartTime().UnixNano(),
									"endTimeUnixNano":   s.EndTime().UnixNano(),
									"attributes":        convertAttributes(s.Attributes()),
									"status":            map[string]interface{}{"code": s.Status().Code},
								},
							},
						},
					},
				},
			},
		}

		body, err := sonic.Marshal(payload)
		if err != nil {
			return
		}

		req, err := http.NewRequest("POST", "http://localhost:9999/v1/traces", bytes.NewBuffer(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err == nil {
			defer resp.Body.Close()
			log.Println("🔍 sent to local UI")
		}
	}()
}

func (p *localUISpanProcessor) Shutdown(ctx context.Context) error   { return nil }
func (p *localUISpanProcessor) ForceFlush(ctx context.Context) error { return nil }

func convertAttributes(attrs []attribute.KeyValue) []map[string]interface{} {
	result := make([]map[string]interface{}, 0, len(attrs))
	for _, attr := range attrs {
		result = append(result, map[string]interface{}{
			"key":   string(attr.Key),
			"value": map[string]interface{}{"stringValue": attr.Value.AsString()},
		})
	}
	return result
}

// NewSDK creates and initializes the TraceKit SDK. When
// config.EnableCodeMonitoring is set, it also scans WorkingDirectory,
// builds the snapshot debugger Agent, and starts a ControlPlaneClient
// polling loop against it.
func NewSDK(config *Config) (*SDK, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if config.Endpoint == "" {
		config.Endpoint = "app.tracekit.dev"
	}
	if config.TracesPath == "" {
		config.TracesPath = "/v1/traces"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/v1/metrics"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = "1.0.0"
	}
	if config.SamplingRate == 0 {
		config.SamplingRate = 1.0
	}
	if config.BatchTimeout == 0 {
		config.BatchTimeout = 5 * time.Second
	}
	if config.CodeMonitoringPollInterval == 0 {
		config.CodeMonitoringPollInterval = 30 * time.Second
	}
	if config.WorkingDirectory == "" {
		config.WorkingDirectory = "."
	}
	if config.Capture == (CaptureConfig{}) {
		config.Capture = DefaultCaptureConfig()
	}

	tracesEndpoint := resolveEndpoint(config.Endpoint, config.TracesPath, config.UseSSL)
	metricsEndpoint := resolveEndpoint(config.Endpoint, config.MetricsPath, config.UseSSL)

	sdk := &SDK{config: config}

	if os.Getenv("ENV") == "development" {
		if detectLocalUI() {
			sdk.localUIEnabled = true
			log.Println("🔍 local UI detected at http://localhost:9999")
		}
	}

	if err := sdk.initTracer(tracesEndpoint); err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	sdk.metricsRegistry = newMetricsRegistry(metricsEndpoint, config.APIKey, config.ServiceName)

	if config.EnableCodeMonitoring {
		scanner := NewScanner()
		inventory, err := scanner.Scan(config.WorkingDirectory)
		if err != nil {
			return nil, fmt.Errorf("failed to scan working directory: %w", err)
		}

		sdk.agent = NewAgent(log.Default(), config.Capture, inventory)
		sdk.agent.WireMetrics(sdk)

		snapshotEndpoint := resolveEndpoint(config.Endpoint, "", config.UseSSL)
		sdk.controlPlaneClient = NewControlPlaneClient(
			config.APIKey,
			snapshotEndpoint,
			config.ServiceName,
			sdk.agent,
			config.BreakpointCache,
			config.AuditStore,
		)
		sdk.controlPlaneClient.client = sdk.HTTPClient(sdk.controlPlaneClient.client)
		sdk.controlPlaneClient.pollInterval = config.CodeMonitoringPollInterval
		sdk.controlPlaneClient.Start()
	}

	log.Printf("✅ TraceKit SDK initialized for service: %s", config.ServiceName)
	return sdk, nil
}

func (s *SDK) initTracer(tracesEndpoint string) error {
	ctx := context.Background()

	var endpoint, urlPath string
	var useSSL bool

	if strings.HasPrefix(tracesEndpoint, "https://") {
		useSSL = true
		tracesEndpoint = strings.TrimPrefix(tracesEndpoint, "https://")
	} else if strings.HasPrefix(tracesEndpoint, "http://") {
		useSSL = false
		tracesEndpoint = strings.TrimPrefix(tracesEndpoint, "http://")
	}

	parts := strings.SplitN(tracesEndpoint, "/", 2)
	endpoint = parts[0]
	if len(parts) > 1 {
		urlPath = "/" + parts[1]
	} else {
		urlPath = "/v1/traces"
	}

	var opts []otlptracehttp.Option
	opts = append(opts,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithURLPath(urlPath),
		otlptracehttp.WithHeaders(map[string]string{
			"X-API-Key": s.config.APIKey,
		}),
	)

	if useSSL {
		opts = append(opts, otlptracehttp.WithTLSClientConfig(&tls.Config{}))
	} else {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return err
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(s.config.ServiceName),
		semconv.ServiceVersion(s.config.ServiceVersion),
	}

	if s.config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(s.config.Environment))
	}

	for k, v := range s.config.ResourceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return err
	}

	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.config.SamplingRate))

	tpOptions := []sdktrace.TracerProviderOption{
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(s.config.BatchTimeout),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}

	if s.localUIEnabled {
		tpOptions = append(tpOptions, sdktrace.WithSpanProcessor(newLocalUISpanProcessor()))
	}

	s.tracerProvider = sdktrace.NewTracerProvider(tpOptions...)

	otel.SetTracerProvider(s.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	s.tracer = s.tracerProvider.Tracer(s.config.ServiceName)

	return nil
}

// Tracer returns the underlying OpenTelemetry tracer.
func (s *SDK) Tracer() trace.Tracer { return s.tracer }

// Agent returns the snapshot debugger engine (nil if code monitoring is
// not enabled).
func (s *SDK) Agent() *Agent { return s.agent }

// ControlPlaneClient returns the code monitoring client (nil if not
// enabled).
func (s *SDK) ControlPlaneClient() *ControlPlaneClient { return s.controlPlaneClient }

// Shutdown gracefully shuts down the SDK.
func (s *SDK) Shutdown(ctx context.Context) error {
	if s.controlPlaneClient != nil {
		s.controlPlaneClient.Stop()
	}

	if s.metricsRegistry != nil {
		s.metricsRegistry.shutdown()
	}

	if s.tracerProvider != nil {
		return s.tracerProvider.Shutdown(ctx)
	}

	return nil
}
