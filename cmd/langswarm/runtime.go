package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	swarm "github.com/langswarm/langswarm-go"
	"github.com/langswarm/langswarm-go/memory"
)

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// runtime bundles everything a command needs to dispatch requests.
type runtime struct {
	cfg      *swarm.Config
	logger   *slog.Logger
	swarm    *swarm.Swarm
	registry *swarm.Registry
	pipeline *swarm.Pipeline
	memory   memory.Store
	closers  []func(context.Context) error
}

func (r *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// loadRuntime loads the config and builds telemetry, the agent runtime,
// the registry, memory and the interceptor pipeline.
func loadRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := swarm.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if otlpEndpoint != "" {
		cfg.Telemetry.OTLPEndpoint = otlpEndpoint
	}

	rt := &runtime{cfg: cfg, logger: swarm.Logger()}
	ok := false
	defer func() {
		if !ok {
			rt.Close(context.Background())
		}
	}()

	var opts swarm.PipelineOptions
	opts.Logger = rt.logger
	if cfg.Telemetry.OTLPEndpoint != "" {
		shutdown, err := setupTracing(ctx, cfg.Telemetry)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, shutdown)
		opts.Tracer = otel.Tracer("langswarm")
		opts.Meter = otel.Meter("langswarm")
	}

	if rt.swarm, err = swarm.NewDefaultSwarm(); err != nil {
		return nil, err
	}
	if rt.registry, err = cfg.BuildRegistry(builtinTools()...); err != nil {
		return nil, err
	}
	if rt.memory, err = cfg.OpenMemory(ctx); err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func(context.Context) error { return rt.memory.Close() })
	opts.Memory = rt.memory

	if rt.pipeline, err = cfg.BuildPipeline(ctx, rt.registry, rt.swarm, opts); err != nil {
		return nil, err
	}
	ok = true
	return rt, nil
}

// setupTracing installs a batching OTLP gRPC tracer provider as the global
// provider and returns its shutdown function.
func setupTracing(ctx context.Context, tc swarm.TelemetryConfig) (func(context.Context) error, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(tc.OTLPEndpoint)}
	if tc.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", tc.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	swarm.Logger().Info("tracing enabled", "endpoint", tc.OTLPEndpoint, "service", tc.ServiceName)
	return tp.Shutdown, nil
}

// builtinTools are registered for every config so agents and plans can bind them by name.
func builtinTools() []swarm.Tool {
	return []swarm.Tool{
		swarm.NewTool("echo", "Return the text argument unchanged",
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				text, _ := args["text"].(string)
				return text, nil
			},
			[]swarm.Parameter{{Name: "text", Description: "Text to return", Type: reflect.TypeOf(""), Required: true}},
		),
		swarm.NewTool("now", "Return the current UTC time in RFC 3339",
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				return time.Now().UTC().Format(time.RFC3339), nil
			},
			nil,
		),
	}
}
