package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/equitylens/research-orchestrator/pkg/agent"
	"github.com/equitylens/research-orchestrator/pkg/api"
	"github.com/equitylens/research-orchestrator/pkg/config"
	"github.com/equitylens/research-orchestrator/pkg/dispatch"
	"github.com/equitylens/research-orchestrator/pkg/observability"
	"github.com/equitylens/research-orchestrator/pkg/research"
	"github.com/equitylens/research-orchestrator/pkg/resilience"
	"github.com/equitylens/research-orchestrator/pkg/state"
	"github.com/equitylens/research-orchestrator/pkg/workflow"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	BuildTime = "unknown"

	// Global telemetry instance
	telemetry *observability.Telemetry
	metrics   *observability.Metrics
	tracer    trace.Tracer
)

func main() {
	var (
		configPath = flag.String("config", "configs/default.yaml", "Path to configuration file")
		version    = flag.Bool("version", false, "Show version information")
		apiMode    = flag.Bool("api", false, "Run in API server mode")
		question   = flag.String("question", "", "Research question (for CLI mode)")
	)
	flag.Parse()

	if *version {
		fmt.Printf("Research Orchestrator\n")
		fmt.Printf("Version: %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		os.Exit(0)
	}

	cfg := config.LoadOrDefault(*configPath)

	ctx := context.Background()
	if err := initObservability(cfg); err != nil {
		log.Fatalf("Failed to initialize observability: %v", err)
	}
	defer shutdownObservability(ctx)

	ctx, span := tracer.Start(ctx, "main",
		trace.WithAttributes(
			attribute.String("version", Version),
			attribute.Bool("api_mode", *apiMode),
		),
	)
	defer span.End()

	log.Printf("Starting Research Orchestrator v%s (built: %s)", Version, BuildTime)
	log.Printf("Configuration loaded from: %s", *configPath)

	if err := run(ctx, cfg, *apiMode, *question); err != nil {
		span.RecordError(err)
		log.Fatalf("Application failed: %v", err)
	}
}

func initObservability(cfg *config.Config) error {
	telConfig := &observability.TelemetryConfig{
		ServiceName:    "research-orchestrator",
		ServiceVersion: Version,
		Environment:    getEnvironment(),
		OTLPEndpoint:   cfg.Observability.Tracing.Endpoint,
		PrometheusPort: cfg.Observability.Metrics.Port,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		EnableTracing:  cfg.Observability.Tracing.Enabled,
		EnableMetrics:  cfg.Observability.Metrics.Enabled,
	}

	var err error
	telemetry, err = observability.NewTelemetry(telConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	tracer = telemetry.Tracer()

	if cfg.Observability.Metrics.Enabled {
		metrics, err = observability.NewMetrics(telemetry.Meter())
		if err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}

	return nil
}

func shutdownObservability(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down telemetry: %v", err)
		}
	}
}

func run(ctx context.Context, cfg *config.Config, apiMode bool, question string) error {
	logger := observability.NewStructuredLogger("orchestrator")

	registry := agent.NewRegistry()
	for agentType, agentCfg := range cfg.Agents {
		worker := agent.NewHTTPWorker(agentCfg.Endpoint, &agent.HTTPWorkerOptions{
			Timeout: agentTimeout(agentCfg),
		})
		if err := registry.Register(agentType, worker); err != nil {
			return fmt.Errorf("failed to register agent %s: %w", agentType, err)
		}
	}
	log.Printf("Registered %d agent types", len(registry.Types()))

	breakers := resilience.NewBreakerGroup(resilience.BreakerConfig{
		FailureThreshold: cfg.Resilience.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout(),
		HalfOpenTrials:   cfg.Resilience.Breaker.HalfOpenTrials,
	})
	limiters := resilience.NewLimiterGroup(resilience.LimiterConfig{
		Capacity:        cfg.Resilience.RateLimit.Capacity,
		RefillPerSecond: cfg.Resilience.RateLimit.RefillPerSecond,
	})

	store := state.NewMemoryStore()

	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		MaxConcurrentPerAgent: cfg.Dispatcher.MaxConcurrentPerAgent,
		QueueSize:             cfg.Dispatcher.QueueSize,
		TaskTimeout:           cfg.TaskTimeout(),
	}, registry, breakers, limiters, store, logger.WithComponent("dispatcher"), metrics)

	executor := workflow.NewExecutor(dispatcher, store, logger.WithComponent("workflow"), metrics)
	library := workflow.DefaultLibrary()

	engine := research.NewEngine(research.Config{
		AgentType:           cfg.Research.AgentType,
		MaxIterations:       cfg.Research.MaxIterations,
		ConfidenceThreshold: cfg.Research.ConfidenceThreshold,
		MaxSessions:         cfg.Research.MaxSessions,
	}, dispatcher, store, logger.WithComponent("research"), metrics)

	if apiMode {
		return runAPIServer(ctx, cfg, registry, dispatcher, executor, library, engine, logger)
	}
	return runCLI(ctx, dispatcher, engine, question)
}

func runAPIServer(
	ctx context.Context,
	cfg *config.Config,
	registry *agent.Registry,
	dispatcher *dispatch.Dispatcher,
	executor *workflow.Executor,
	library *workflow.Library,
	engine *research.Engine,
	logger *observability.StructuredLogger,
) error {
	if !cfg.API.Enabled {
		return fmt.Errorf("api mode requested but api is disabled in configuration")
	}

	server := api.NewServer(registry, dispatcher, executor, library, engine, logger.WithComponent("api"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(cfg.API.Host, cfg.API.Port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigChan:
		log.Println("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down API server: %v", err)
	}
	return dispatcher.Shutdown(shutdownCtx)
}

func runCLI(ctx context.Context, dispatcher *dispatch.Dispatcher, engine *research.Engine, question string) error {
	if question == "" {
		fmt.Print("Enter your research question: ")
		_, err := fmt.Scanln(&question)
		if err != nil {
			return fmt.Errorf("failed to read question from stdin: %w", err)
		}
	}

	if question == "" {
		return fmt.Errorf("no research question provided")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal")
		cancel()
	}()

	startTime := time.Now()
	log.Printf("Starting research for: %s", question)

	session, err := engine.Run(ctx, question)
	if err != nil {
		return fmt.Errorf("research failed: %w", err)
	}

	log.Printf("Research %s after %d iterations in %s (confidence %.2f)",
		session.State, len(session.Iterations), time.Since(startTime).Round(time.Millisecond), session.Confidence)

	output, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render session: %w", err)
	}
	fmt.Println(string(output))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	return dispatcher.Shutdown(shutdownCtx)
}

func agentTimeout(cfg config.Agent) time.Duration {
	if cfg.Timeout == "" {
		return 60 * time.Second
	}
	d, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

func getEnvironment() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	return "development"
}
