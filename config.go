package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/langswarm/langswarm-go/artifacts"
	"github.com/langswarm/langswarm-go/memory"
)

// MinConfigVersion is the oldest configuration format accepted.
const MinConfigVersion = "2.0.0"

// Config is the YAML project configuration.
type Config struct {
	Version      string                `yaml:"version"`
	DefaultModel string                `yaml:"default_model,omitempty"`
	Agents       []AgentConfig         `yaml:"agents"`
	Workflows    []WorkflowRef         `yaml:"workflows,omitempty"`
	Middleware   MiddlewareConfig      `yaml:"middleware,omitempty"`
	Memory       MemoryConfig          `yaml:"memory,omitempty"`
	Artifacts    artifacts.Config      `yaml:"artifacts,omitempty"`
	Planner      PlannerConfig         `yaml:"planner,omitempty"`
	Policy       Policy                `yaml:"policy,omitempty"`
	Escalation   EscalationConfig      `yaml:"escalation,omitempty"`
	Telemetry    TelemetryConfig       `yaml:"telemetry,omitempty"`
	Pricing      map[string]ModelPrice `yaml:"pricing,omitempty"`

	// dir resolves relative workflow files.
	dir string
}

// AgentConfig declares an agent. Tools are bound by name from the tool set
// passed to BuildRegistry.
type AgentConfig struct {
	Name         string   `yaml:"name"`
	Model        string   `yaml:"model,omitempty"`
	Instructions string   `yaml:"instructions,omitempty"`
	Description  string   `yaml:"description,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty"`
	Tools        []string `yaml:"tools,omitempty"`
}

// WorkflowRef is either an inline workflow or a path to a workflow file.
type WorkflowRef struct {
	File     string `yaml:"file,omitempty"`
	Workflow `yaml:",inline"`
}

// MiddlewareConfig configures the pipeline interceptors.
type MiddlewareConfig struct {
	Timeout   time.Duration   `yaml:"timeout,omitempty"`
	Retry     *RetryPolicy    `yaml:"retry,omitempty"`
	Cache     CacheConfig     `yaml:"cache,omitempty"`
	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty"`
	Security  *SecurityPolicy `yaml:"security,omitempty"`
}

// CacheConfig configures response caching.
type CacheConfig struct {
	Enabled     bool          `yaml:"enabled"`
	TTL         time.Duration `yaml:"ttl,omitempty"`
	Backend     string        `yaml:"backend,omitempty"`
	RedisURL    string        `yaml:"redis_url,omitempty"`
	CacheAgents bool          `yaml:"cache_agents,omitempty"`
}

// RateLimitConfig configures per-target token buckets.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps,omitempty"`
	Burst int     `yaml:"burst,omitempty"`
}

// MemoryConfig selects the conversation memory backend.
type MemoryConfig struct {
	Backend string `yaml:"backend,omitempty"`
	DSN     string `yaml:"dsn,omitempty"`
}

// PlannerConfig configures the coordinator.
type PlannerConfig struct {
	// Agent is the registered agent used by the LLM planner.
	Agent         string `yaml:"agent,omitempty"`
	MaxCandidates int    `yaml:"max_candidates,omitempty"`
	MaxParallel   int    `yaml:"max_parallel,omitempty"`
}

// EscalationConfig maps severities to notifier names. "log" is built in.
type EscalationConfig struct {
	Routes map[Severity][]string `yaml:"routes,omitempty"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
	Insecure     bool   `yaml:"insecure,omitempty"`
	ServiceName  string `yaml:"service_name,omitempty"`
}

// LoadConfig reads a YAML config, applies LANGSWARM_* environment overrides,
// fills defaults and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

// ParseConfig decodes, overrides, defaults and validates a YAML config document.
// Policy fields absent from the document take DefaultPolicy values; an explicit
// zero is kept.
func ParseConfig(data []byte) (*Config, error) {
	cfg := Config{Policy: DefaultPolicy()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LANGSWARM_MODEL"); v != "" {
		c.DefaultModel = v
	}
	if v := os.Getenv("LANGSWARM_MEMORY_DSN"); v != "" {
		c.Memory.DSN = v
	}
	if v := os.Getenv("LANGSWARM_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
}

func (c *Config) applyDefaults() {
	if c.DefaultModel == "" {
		c.DefaultModel = "gpt-4o"
	}
	if c.Memory.Backend == "" {
		c.Memory.Backend = "memory"
	}
	if c.Middleware.Cache.Enabled && c.Middleware.Cache.Backend == "" {
		c.Middleware.Cache.Backend = "memory"
	}
	if c.Middleware.Cache.Enabled && c.Middleware.Cache.TTL == 0 {
		c.Middleware.Cache.TTL = 10 * time.Minute
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "langswarm"
	}
}

// Validate checks the version gate and the shape of every section.
func (c *Config) Validate() error {
	if c.Version == "" {
		return NewError(KindValidation, "config", "version", errors.New("version is required"))
	}
	v, err := semver.NewVersion(c.Version)
	if err != nil {
		return NewError(KindValidation, "config", "version", fmt.Errorf("invalid version %q: %w", c.Version, err))
	}
	constraint, err := semver.NewConstraint(">= " + MinConfigVersion)
	if err != nil {
		return fmt.Errorf("version constraint: %w", err)
	}
	if !constraint.Check(v) {
		return NewError(KindValidation, "config", "version",
			fmt.Errorf("version %s is a v1 configuration; migrate it to the v2 format (>= %s)", c.Version, MinConfigVersion))
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.Name == "" {
			return NewError(KindValidation, "config", "agents", fmt.Errorf("agent %d has no name", i))
		}
		if seen[a.Name] {
			return NewError(KindValidation, "config", "agents", fmt.Errorf("duplicate agent %q", a.Name))
		}
		seen[a.Name] = true
	}
	for i, w := range c.Workflows {
		if w.File == "" && w.Name == "" {
			return NewError(KindValidation, "config", "workflows", fmt.Errorf("workflow %d needs a file or a name", i))
		}
	}

	switch c.Memory.Backend {
	case "memory", "sqlite", "postgres", "redis":
	default:
		return NewError(KindValidation, "config", "memory", fmt.Errorf("unknown memory backend %q", c.Memory.Backend))
	}
	switch c.Artifacts.Backend {
	case "", "fs", "minio", "s3":
	default:
		return NewError(KindValidation, "config", "artifacts", fmt.Errorf("unknown artifacts backend %q", c.Artifacts.Backend))
	}
	if c.Middleware.Cache.Enabled {
		switch c.Middleware.Cache.Backend {
		case "memory":
		case "redis":
			if c.Middleware.Cache.RedisURL == "" {
				return NewError(KindValidation, "config", "middleware.cache", errors.New("redis cache needs redis_url"))
			}
		default:
			return NewError(KindValidation, "config", "middleware.cache", fmt.Errorf("unknown cache backend %q", c.Middleware.Cache.Backend))
		}
	}
	if c.Middleware.RateLimit.RPS < 0 {
		return NewError(KindValidation, "config", "middleware.rate_limit", errors.New("rps cannot be negative"))
	}
	if c.Policy.MinConfidence < 0 || c.Policy.MinConfidence > 1 {
		return NewError(KindValidation, "config", "policy", errors.New("min_confidence must be within [0, 1]"))
	}
	for sev := range c.Escalation.Routes {
		switch sev {
		case S1, S2, S3, S4:
		default:
			return NewError(KindValidation, "config", "escalation", fmt.Errorf("unknown severity %q", sev))
		}
	}
	return nil
}

// BuildRegistry registers every tool in tools, the configured agents with
// their tools bound by name, and the configured workflows.
func (c *Config) BuildRegistry(tools ...Tool) (*Registry, error) {
	reg := NewRegistry()
	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		if err := reg.RegisterTool(t); err != nil {
			return nil, err
		}
		byName[t.Name()] = t
	}

	for _, ac := range c.Agents {
		agent := NewAgent(ac.Name).
			WithDescription(ac.Description).
			WithCapabilities(ac.Capabilities...)
		agent.Model = c.DefaultModel
		if ac.Model != "" {
			agent.Model = ac.Model
		}
		if ac.Instructions != "" {
			agent.WithInstructions(ac.Instructions)
		}
		for _, name := range ac.Tools {
			t, ok := byName[name]
			if !ok {
				return nil, NewError(KindNotFound, "config", ac.Name, fmt.Errorf("%w: tool %q", ErrNotFound, name))
			}
			agent.AddTool(t)
		}
		if err := reg.RegisterAgent(agent); err != nil {
			return nil, err
		}
	}

	for _, ref := range c.Workflows {
		wf := ref.Workflow
		if ref.File != "" {
			path := ref.File
			if !filepath.IsAbs(path) && c.dir != "" {
				path = filepath.Join(c.dir, path)
			}
			loaded, err := LoadWorkflow(path)
			if err != nil {
				return nil, err
			}
			wf = *loaded
		}
		w := wf
		if err := reg.RegisterWorkflow(&w); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// PipelineOptions supplies runtime dependencies for BuildPipeline.
type PipelineOptions struct {
	Logger *slog.Logger
	// Tracer and Meter enable the tracing interceptor when both are set.
	Tracer trace.Tracer
	Meter  metric.Meter
	// Memory enables the memory interceptor.
	Memory memory.Store
	// Cache overrides the configured cache backend.
	Cache Cache
}

// BuildPipeline assembles the interceptors in the order recovery, logging,
// tracing, security, rate limit, cache, timeout, retry, memory, ending in a
// UnifiedExecutor. When sw is set its tool calls are routed through the pipeline.
func (c *Config) BuildPipeline(ctx context.Context, reg *Registry, sw *Swarm, opts PipelineOptions) (*Pipeline, error) {
	exec := NewUnifiedExecutor(reg, sw)
	var chain []Interceptor

	chain = append(chain, RecoveryInterceptor(), LoggingInterceptor(opts.Logger))

	if opts.Tracer != nil && opts.Meter != nil {
		tracing, err := TracingInterceptor(opts.Tracer, opts.Meter)
		if err != nil {
			return nil, err
		}
		chain = append(chain, tracing)
	}

	if sec := c.Middleware.Security; sec != nil {
		fw, err := NewFirewall(*sec, reg)
		if err != nil {
			return nil, err
		}
		chain = append(chain, SecurityInterceptor(fw))
	}

	if rl := c.Middleware.RateLimit; rl.RPS > 0 {
		chain = append(chain, RateLimitInterceptor(rl.RPS, rl.Burst))
	}

	if cc := c.Middleware.Cache; cc.Enabled || opts.Cache != nil {
		cache := opts.Cache
		if cache == nil {
			var err error
			if cache, err = c.openCache(ctx); err != nil {
				return nil, err
			}
		}
		chain = append(chain, CacheInterceptor(cache, CacheOptions{TTL: cc.TTL, CacheAgents: cc.CacheAgents}))
	}

	if c.Middleware.Timeout > 0 {
		chain = append(chain, TimeoutInterceptor(c.Middleware.Timeout))
	}
	if c.Middleware.Retry != nil {
		chain = append(chain, RetryInterceptor(c.Middleware.Retry))
	}
	if opts.Memory != nil {
		chain = append(chain, MemoryInterceptor(opts.Memory))
	}

	p := NewPipeline(exec, chain...)
	exec.Self = p
	if sw != nil {
		if len(c.Pricing) > 0 && sw.Pricing == nil {
			sw.Pricing = make(map[string]ModelPrice, len(c.Pricing))
		}
		for model, price := range c.Pricing {
			if _, ok := sw.Pricing[model]; !ok {
				sw.Pricing[model] = price
			}
		}
		sw.WithPipeline(p)
	}
	return p, nil
}

func (c *Config) openCache(ctx context.Context) (Cache, error) {
	if c.Middleware.Cache.Backend != "redis" {
		return NewMemoryCache(), nil
	}
	opts, err := redis.ParseURL(c.Middleware.Cache.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse cache redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping cache redis: %w", err)
	}
	return NewRedisCache(client), nil
}

// OpenMemory opens the configured conversation memory store.
func (c *Config) OpenMemory(ctx context.Context) (memory.Store, error) {
	return memory.Open(ctx, c.Memory.Backend, c.Memory.DSN)
}

// OpenArtifacts opens the configured artifact store.
func (c *Config) OpenArtifacts(ctx context.Context) (artifacts.Store, error) {
	return artifacts.Open(ctx, c.Artifacts)
}

// BuildRouter creates an escalation router with the configured routes. The
// notifier name "log" is always available; others come from notifiers.
func (c *Config) BuildRouter(logger *slog.Logger, notifiers map[string]Notifier) (*EscalationRouter, error) {
	router := NewEscalationRouter(logger)
	for sev, names := range c.Escalation.Routes {
		var multi MultiNotifier
		for _, name := range names {
			if name == "log" {
				multi = append(multi, LogNotifier{Logger: logger})
				continue
			}
			n, ok := notifiers[name]
			if !ok {
				return nil, NewError(KindNotFound, "config", "escalation", fmt.Errorf("%w: notifier %q", ErrNotFound, name))
			}
			multi = append(multi, n)
		}
		if len(multi) == 1 {
			router.Route(sev, multi[0])
		} else {
			router.Route(sev, multi)
		}
	}
	return router, nil
}

// BuildCoordinator wires a coordinator with the configured policy, parallelism
// and escalation routes.
func (c *Config) BuildCoordinator(planner Planner, reg *Registry, h Handler, logger *slog.Logger, notifiers map[string]Notifier) (*Coordinator, error) {
	coord, err := NewCoordinator(planner, reg, h)
	if err != nil {
		return nil, err
	}
	router, err := c.BuildRouter(logger, notifiers)
	if err != nil {
		return nil, err
	}
	coord.Router = router
	coord.Policy = c.Policy
	coord.Logger = logger
	coord.Executor.Logger = logger
	coord.Patcher.Logger = logger
	if c.Planner.MaxParallel > 0 {
		coord.MaxParallel = c.Planner.MaxParallel
	}
	return coord, nil
}

// NewPlanner returns a StaticPlanner when the brief pins its actions and an
// LLMPlanner over the configured planner agent otherwise.
func (c *Config) NewPlanner(brief *TaskBrief, reg *Registry, h Handler) (Planner, error) {
	if len(brief.Actions) > 0 {
		return NewStaticPlanner(brief.Actions...), nil
	}
	if c.Planner.Agent == "" {
		return nil, NewError(KindValidation, "config", "planner", errors.New("brief has no actions and no planner agent is configured"))
	}
	if !reg.Has(TargetAgent, c.Planner.Agent) {
		return nil, NewError(KindNotFound, "config", c.Planner.Agent, fmt.Errorf("%w: planner agent", ErrNotFound))
	}
	p := NewLLMPlanner(h, reg, c.Planner.Agent)
	if c.Planner.MaxCandidates > 0 {
		p.MaxCandidates = c.Planner.MaxCandidates
	}
	return p, nil
}
