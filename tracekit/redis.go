package tracekit

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WrapRedis adds OpenTelemetry instrumentation to a Redis client using hooks
func (s *SDK) WrapRedis(client *redis.Client) error {
	// Add before and after hooks for tracing
	client.AddHook(&redisHook{
		tracer: s.tracer,
	})
	return nil
}

// WrapRedisCluster adds OpenTelemetry instrumentation to a Redis cluster client
func (s *SDK) WrapRedisCluster(client *redis.ClusterClient) error {
	client.AddHook(&redisHook{
		tracer: s.tracer,
	})
	return nil
}

// redisHook implements redis.Hook interface for OpenTelemetry tracing
type redisHook struct {
	tracer trace.Tracer
}

func (h *redisHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (h *redisHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		ctx, span := h.tracer.Start(ctx, "redis."+cmd.Name())
		defer span.End()

		span.SetAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("db.operation", cmd.Name()),
		)

		err := next(ctx, cmd)
		// redis.Nil is not an error - it just means "key not found" or "no data"
		if err != nil && err != redis.Nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}

func (h *redisHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		ctx, span := h.tracer.Start(ctx, "redis.pipeline")
		defer span.End()

		span.SetAttributes(
			attribute.String("db.system", "redis"),
			attribute.Int("db.redis.pipeline_length", len(cmds)),
		)

		err := next(ctx, cmds)
		// redis.Nil is not an error - it just means "key not found" or "no data"
		if err != nil && err != redis.Nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}

// RedisBreakpointCache implements BreakpointCache (client.go) over a
// shared Redis client, already traced via WrapRedis. Storing the active
// breakpoint set in Redis instead of re-hitting the control-plane
// backend on every replica's poll tick lets many service instances
// share one fetch.
type RedisBreakpointCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisBreakpointCache wraps client. Entries are written with ttl as
// their expiry so a control-plane outage does not leave stale
// breakpoints cached forever; ttl <= 0 means no expiry.
func NewRedisBreakpointCache(client redis.UniversalClient, ttl time.Duration) *RedisBreakpointCache {
	return &RedisBreakpointCache{client: client, ttl: ttl}
}

func redisBreakpointKey(serviceName string, id any) string {
	return fmt.Sprintf("tracekit:breakpoints:%s:%v", serviceName, id)
}

// Put stores bp, keyed by its service name and ID.
func (c *RedisBreakpointCache) Put(ctx context.Context, bp *Breakpoint) error {
	data, err := sonic.Marshal(bp)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, redisBreakpointKey(bp.ServiceName, bp.ID), data, c.ttl).Err()
}

// List returns every Breakpoint cached for serviceName.
func (c *RedisBreakpointCache) List(ctx context.Context, serviceName string) ([]*Breakpoint, error) {
	pattern := redisBreakpointKey(serviceName, "*")

	var breakpoints []*Breakpoint
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		data, err := c.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, err
		}
		var bp Breakpoint
		if err := sonic.Unmarshal(data, &bp); err != nil {
			return nil, err
		}
		breakpoints = append(breakpoints, &bp)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	return breakpoints, nil
}
