// agentbusd is the governed agent bus daemon. It wires configuration,
// observability, the agent registry, the processing strategy chain, the
// guardrail pipeline and the bus itself, then serves /health and /metrics
// until SIGINT or SIGTERM.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/acgs-project/agentbus/pkg/audit"
	"github.com/acgs-project/agentbus/pkg/bus"
	"github.com/acgs-project/agentbus/pkg/config"
	"github.com/acgs-project/agentbus/pkg/constitutional"
	"github.com/acgs-project/agentbus/pkg/deliberation"
	"github.com/acgs-project/agentbus/pkg/health"
	"github.com/acgs-project/agentbus/pkg/kafkabridge"
	"github.com/acgs-project/agentbus/pkg/observability"
	"github.com/acgs-project/agentbus/pkg/opaclient"
	"github.com/acgs-project/agentbus/pkg/policy"
	"github.com/acgs-project/agentbus/pkg/processor"
	"github.com/acgs-project/agentbus/pkg/registry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("agentbusd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := observability.New(ctx, &observability.Config{
		ServiceName:    "agentbusd",
		ServiceVersion: constitutional.PolicyVersion,
		Enabled:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "",
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics := observability.NewMetrics("agentbus")

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	proc, err := buildProcessor(ctx, cfg, metrics, provider)
	if err != nil {
		return err
	}

	scorer := deliberation.NewScorer()
	delibQueue := deliberation.NewQueue(deliberation.QueueConfig{
		Timeout:        time.Duration(cfg.Deliberation.TimeoutSec) * time.Second,
		ConsensusRatio: cfg.Deliberation.ConsensusRatio,
		RequiredVotes:  cfg.Deliberation.RequiredVotes,
	})
	delibQueue.WithGauge(metrics.SetDeliberationsPending)

	slos := observability.NewSLOTracker()
	for _, target := range observability.DefaultSLOTargets() {
		slos.SetTarget(target)
	}

	busOpts := []bus.BusOption{
		bus.WithMetrics(metrics),
		bus.WithDeliberationQueue(delibQueue),
		bus.WithImpactScorer(scorer),
		bus.WithSLOTracker(slos),
	}
	if cfg.Bus.JWTPublicKeyPath != "" {
		key, err := loadPublicKey(cfg.Bus.JWTPublicKeyPath)
		if err != nil {
			return err
		}
		busOpts = append(busOpts, bus.WithVerifier(bus.NewTokenVerifier(key)))
	}
	if cfg.Bus.UseKafka {
		busOpts = append(busOpts, bus.WithPublisher(kafkabridge.NewProducer(
			cfg.Kafka.Bootstrap,
			time.Duration(cfg.Kafka.ProduceTimeoutMs)*time.Millisecond)))
	}

	b := bus.New(cfg.Bus, reg, proc, busOpts...)

	if cfg.Bus.UseKafka {
		// the poller needs the bus enqueue hook, so it attaches after
		// construction and before Start
		poller := kafkabridge.NewPoller(kafkabridge.PollerConfig{
			Bootstrap: cfg.Kafka.Bootstrap,
			GroupID:   "agentbus",
		}, b.Enqueue)
		if err := b.AttachPoller(poller); err != nil {
			return fmt.Errorf("attach kafka poller: %w", err)
		}
	}

	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("start bus: %w", err)
	}

	checks := buildHealth(cfg, b, reg, slos)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           buildMux(checks, metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("agentbusd listening",
			"addr", cfg.ListenAddr,
			"constitutional_hash", constitutional.Hash,
			"kafka", cfg.Bus.UseKafka,
			"dynamic_policy", cfg.Bus.UseDynamicPolicy)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	return b.Stop(shutdownCtx)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func buildRegistry(cfg *config.Config) (registry.Registry, error) {
	if cfg.Bus.UseRedisRegistry {
		reg, err := registry.NewRedisRegistry(cfg.Redis.URL,
			time.Duration(cfg.Redis.TimeoutMs)*time.Millisecond)
		if err != nil {
			return nil, fmt.Errorf("redis registry: %w", err)
		}
		return reg, nil
	}
	return registry.NewInMemoryRegistry(), nil
}

// buildProcessor assembles the strategy chain: the in-process kernel,
// OPA, dynamic policy, then the terminal static-hash fallback.
func buildProcessor(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, provider *observability.Provider) (*processor.Processor, error) {
	engine, err := policy.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("policy engine: %w", err)
	}

	opa := opaclient.New(opaclient.Config{
		URL:       cfg.OPA.URL,
		Path:      cfg.OPA.DecisionPath,
		Timeout:   time.Duration(cfg.OPA.TimeoutMs) * time.Millisecond,
		CacheTTL:  time.Duration(cfg.OPA.CacheTTLSec) * time.Second,
		CacheSize: cfg.OPA.CacheSize,
	})

	var registryClient policy.RegistryClient
	if url := os.Getenv("POLICY_REGISTRY_URL"); cfg.Bus.UseDynamicPolicy && url != "" {
		registryClient = policy.NewHTTPRegistryClient(url)
	}

	if err := loadBundledRules(ctx, cfg, engine); err != nil {
		slog.Warn("policy bundles unavailable, kernel runs built-in rules only", "error", err)
	}

	chain := processor.NewDefaultChain(processor.EngineKernel{Engine: engine}, opa, registryClient)

	opts := []processor.ProcessorOption{
		processor.WithScorer(deliberation.NewScorer()),
		processor.WithMetrics(metrics),
		processor.WithProvider(provider),
	}
	if cfg.Audit.URL != "" {
		opts = append(opts, processor.WithAuditReporter(audit.NewClient(cfg.Audit.URL,
			audit.WithTimeout(time.Duration(cfg.Audit.TimeoutMs)*time.Millisecond))))
	}
	return processor.New(chain, opts...), nil
}

// loadBundledRules pulls a pinned rule-set bundle out of the configured
// blob store (file, S3 or GCS) and loads it into the kernel engine. The
// digest pin comes from POLICY_BUNDLE_DIGEST; without one the built-in
// rules stand alone.
func loadBundledRules(ctx context.Context, cfg *config.Config, engine *policy.Engine) error {
	digest := os.Getenv("POLICY_BUNDLE_DIGEST")
	if digest == "" {
		return nil
	}
	blobs, err := policy.NewBlobStore(ctx, cfg.Bundles)
	if err != nil {
		return fmt.Errorf("bundle store: %w", err)
	}
	data, err := blobs.Get(ctx, digest)
	if err != nil {
		return fmt.Errorf("fetch bundle %s: %w", digest, err)
	}
	var rs policy.RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return fmt.Errorf("parse bundle %s: %w", digest, err)
	}
	if err := engine.LoadRuleSet(&rs); err != nil {
		return fmt.Errorf("load bundle %s: %w", digest, err)
	}
	slog.Info("policy bundle loaded", "name", rs.Name, "version", rs.Version, "rules", len(rs.Rules))
	return nil
}

func buildHealth(cfg *config.Config, b *bus.EnhancedAgentBus, reg registry.Registry, slos *observability.SLOTracker) *health.Registry {
	checks := health.NewRegistry()
	checks.Register("bus", func(context.Context) (health.Status, string) {
		if b.IsRunning() {
			return health.StatusHealthy, ""
		}
		return health.StatusUnhealthy, string(b.StateNow())
	})
	checks.Register("registry", func(ctx context.Context) (health.Status, string) {
		if _, err := reg.ListAgents(ctx); err != nil {
			return health.StatusUnhealthy, err.Error()
		}
		return health.StatusHealthy, ""
	})
	checks.Register("slo", func(context.Context) (health.Status, string) {
		for _, op := range slos.Operations() {
			status, err := slos.Status(op)
			if err != nil {
				continue
			}
			if !status.InCompliance {
				return health.StatusDegraded,
					fmt.Sprintf("%s out of compliance, burn rate %.1f", op, status.BurnRate)
			}
		}
		return health.StatusHealthy, ""
	})
	if cfg.OPA.URL != "" {
		checks.Register("opa", opaProbe(cfg.OPA.URL))
	}
	return checks
}

func opaProbe(url string) health.Probe {
	client := &http.Client{Timeout: 2 * time.Second}
	return func(ctx context.Context) (health.Status, string) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			strings.TrimRight(url, "/")+"/health", nil)
		if err != nil {
			return health.StatusUnhealthy, err.Error()
		}
		resp, err := client.Do(req)
		if err != nil {
			// the composite falls back to static validation, so a dark
			// OPA degrades rather than fails the bus
			return health.StatusDegraded, err.Error()
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return health.StatusDegraded, resp.Status
		}
		return health.StatusHealthy, ""
	}
}

func buildMux(checks *health.Registry, metrics *observability.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/health", checks.Handler())
	mux.Handle("/metrics", metrics.Handler())
	return metrics.HTTPMiddleware(mux)
}

func loadPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jwt public key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("jwt public key %q is not PEM", path)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse jwt public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("jwt public key %q is not ed25519", path)
	}
	return pub, nil
}
