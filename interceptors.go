package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/langswarm/langswarm-go/memory"
)

// LoggingInterceptor logs the start and end of every request.
func LoggingInterceptor(logger *slog.Logger) Interceptor {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (*Reply, error) {
			log := loggerOr(logger).With(
				slog.String("request_id", req.ID),
				slog.String("kind", string(req.Kind)),
				slog.String("target", req.Target),
			)
			log.DebugContext(ctx, "request started")
			start := time.Now()
			reply, err := next.Handle(ctx, req)
			if err != nil {
				log.WarnContext(ctx, "request failed",
					slog.Duration("latency", time.Since(start)),
					slog.String("error_kind", string(KindOf(err))),
					slog.Any("error", err))
				return nil, err
			}
			log.InfoContext(ctx, "request finished",
				slog.Duration("latency", time.Since(start)),
				slog.Bool("cache_hit", reply.CacheHit),
				slog.Int64("tokens", reply.Usage.TotalTokens))
			return reply, nil
		})
	}
}

// RecoveryInterceptor turns panics in downstream handlers into internal errors.
func RecoveryInterceptor() Interceptor {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (reply *Reply, err error) {
			defer func() {
				if r := recover(); r != nil {
					Logger().ErrorContext(ctx, "handler panic",
						slog.String("target", req.Target),
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())))
					reply = nil
					err = NewError(KindInternal, "handle", req.Target, fmt.Errorf("panic: %v", r))
				}
			}()
			return next.Handle(ctx, req)
		})
	}
}

// TimeoutInterceptor bounds every request by d.
func TimeoutInterceptor(d time.Duration) Interceptor {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (*Reply, error) {
			if d <= 0 {
				return next.Handle(ctx, req)
			}
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			reply, err := next.Handle(tctx, req)
			if err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, NewError(KindTimeout, "handle", req.Target, fmt.Errorf("exceeded %s: %w", d, err))
			}
			return reply, err
		})
	}
}

// RetryInterceptor retries retryable failures with exponential backoff.
func RetryInterceptor(policy *RetryPolicy) Interceptor {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (*Reply, error) {
			var reply *Reply
			err := policy.Do(ctx, func(attempt int) error {
				if attempt > 0 {
					Logger().DebugContext(ctx, "retrying request",
						slog.String("target", req.Target),
						slog.Int("attempt", attempt))
				}
				var err error
				reply, err = next.Handle(ctx, req)
				return err
			})
			if err != nil {
				return nil, err
			}
			return reply, nil
		})
	}
}

// RateLimitInterceptor applies a token bucket per target.
func RateLimitInterceptor(rps float64, burst int) Interceptor {
	if burst < 1 {
		burst = 1
	}
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)
	limiterFor := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[key]
		if !ok {
			l = rate.NewLimiter(rate.Limit(rps), burst)
			limiters[key] = l
		}
		return l
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (*Reply, error) {
			if rps <= 0 {
				return next.Handle(ctx, req)
			}
			if err := limiterFor(string(req.Kind) + ":" + req.Target).Wait(ctx); err != nil {
				return nil, rateLimitError(ctx, req.Target, err)
			}
			return next.Handle(ctx, req)
		})
	}
}

// rateLimitError maps a failed token wait to a timeout or execution error.
func rateLimitError(ctx context.Context, target string, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		if errors.Is(cerr, context.DeadlineExceeded) {
			return NewError(KindTimeout, "rate limit", target, cerr)
		}
		return NewError(KindExecution, "rate limit", target, cerr)
	}
	if _, ok := ctx.Deadline(); ok {
		return NewError(KindTimeout, "rate limit", target, fmt.Errorf("%w: %v", context.DeadlineExceeded, err))
	}
	return NewError(KindExecution, "rate limit", target, err)
}

// TracingInterceptor opens a span per request and records RED metrics.
// Nil tracer or meter fall back to the global providers.
func TracingInterceptor(tracer trace.Tracer, meter metric.Meter) (Interceptor, error) {
	if tracer == nil {
		tracer = otel.Tracer("github.com/langswarm/langswarm-go")
	}
	if meter == nil {
		meter = otel.Meter("github.com/langswarm/langswarm-go")
	}
	requests, err := meter.Int64Counter("langswarm.requests",
		metric.WithDescription("Routed requests"))
	if err != nil {
		return nil, fmt.Errorf("create request counter: %w", err)
	}
	failures, err := meter.Int64Counter("langswarm.request.errors",
		metric.WithDescription("Failed routed requests"))
	if err != nil {
		return nil, fmt.Errorf("create error counter: %w", err)
	}
	duration, err := meter.Float64Histogram("langswarm.request.duration",
		metric.WithDescription("Routed request latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (*Reply, error) {
			attrs := []attribute.KeyValue{
				attribute.String("langswarm.kind", string(req.Kind)),
				attribute.String("langswarm.target", req.Target),
			}
			ctx, span := tracer.Start(ctx, fmt.Sprintf("%s %s", req.Kind, req.Target),
				trace.WithAttributes(append(attrs, attribute.String("langswarm.request_id", req.ID))...))
			defer span.End()

			start := time.Now()
			reply, err := next.Handle(ctx, req)
			elapsed := float64(time.Since(start).Microseconds()) / 1000

			requests.Add(ctx, 1, metric.WithAttributes(attrs...))
			duration.Record(ctx, elapsed, metric.WithAttributes(attrs...))
			if err != nil {
				failures.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("langswarm.error_kind", string(KindOf(err))))...))
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			span.SetAttributes(
				attribute.Bool("langswarm.cache_hit", reply.CacheHit),
				attribute.Int64("langswarm.tokens", reply.Usage.TotalTokens),
			)
			span.SetStatus(codes.Ok, "")
			return reply, nil
		})
	}, nil
}

// MemoryInterceptor stores every successful agent exchange in store.
// Write failures are logged and never fail the request.
func MemoryInterceptor(store memory.Store) Interceptor {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (*Reply, error) {
			reply, err := next.Handle(ctx, req)
			if err != nil || req.Kind != TargetAgent || store == nil {
				return reply, err
			}
			agentID := req.Target
			if reply.Agent != nil {
				agentID = reply.Agent.Name
			}
			rec := memory.Record{
				Key:           uuid.NewString(),
				Text:          req.Input + "\n" + reply.Content,
				Metadata:      map[string]interface{}{"request_id": req.ID, "tokens": reply.Usage.TotalTokens},
				Timestamp:     time.Now().UTC(),
				SessionID:     req.SessionID,
				AgentID:       agentID,
				UserInput:     req.Input,
				AgentResponse: reply.Content,
			}
			if werr := store.Add(ctx, rec); werr != nil {
				Logger().WarnContext(ctx, "memory write failed",
					slog.String("session_id", req.SessionID),
					slog.Any("error", werr))
			}
			return reply, nil
		})
	}
}
