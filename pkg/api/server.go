package api

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/equitylens/research-orchestrator/pkg/agent"
	"github.com/equitylens/research-orchestrator/pkg/dispatch"
	"github.com/equitylens/research-orchestrator/pkg/observability"
	"github.com/equitylens/research-orchestrator/pkg/research"
	"github.com/equitylens/research-orchestrator/pkg/workflow"
)

// Server hosts the orchestration HTTP API
type Server struct {
	app      *fiber.App
	handlers *Handlers
	logger   observability.Logger
}

// NewServer assembles the fiber application and its routes
func NewServer(
	registry *agent.Registry,
	dispatcher *dispatch.Dispatcher,
	executor *workflow.Executor,
	library *workflow.Library,
	engine *research.Engine,
	logger observability.Logger,
) *Server {
	if logger == nil {
		logger = observability.NewStructuredLogger("api")
	}

	handlers := NewHandlers(registry, dispatcher, executor, library, engine)

	app := fiber.New(fiber.Config{
		AppName: "research-orchestrator",
	})
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get("/health", handlers.HealthCheck)
	app.Get("/agents", handlers.GetAgents)
	app.Get("/workflows", handlers.GetWorkflows)

	tasks := app.Group("/tasks")
	tasks.Post("/", handlers.SubmitTask)
	tasks.Get("/:id", handlers.GetTask)
	tasks.Delete("/:id", handlers.CancelTask)

	runs := app.Group("/workflow-runs")
	runs.Post("/", handlers.StartRun)
	runs.Get("/:id", handlers.GetRun)
	runs.Delete("/:id", handlers.CancelRun)

	sessions := app.Group("/research")
	sessions.Post("/", handlers.StartResearch)
	sessions.Get("/:id", handlers.GetResearch)

	return &Server{
		app:      app,
		handlers: handlers,
		logger:   logger,
	}
}

// App returns the underlying fiber application, for tests
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves the API on host:port until Shutdown
func (s *Server) Listen(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.logger.Info(context.Background(), "API server listening", map[string]interface{}{
		"addr": addr,
	})
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the API server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
