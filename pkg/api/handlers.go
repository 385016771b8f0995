// Package api exposes the orchestration core over HTTP.
package api

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/equitylens/research-orchestrator/pkg/agent"
	"github.com/equitylens/research-orchestrator/pkg/dispatch"
	"github.com/equitylens/research-orchestrator/pkg/domain"
	"github.com/equitylens/research-orchestrator/pkg/research"
	"github.com/equitylens/research-orchestrator/pkg/workflow"
)

// SubmitTaskRequest is the body of POST /tasks
type SubmitTaskRequest struct {
	ID        string                 `json:"id" validate:"required"`
	AgentType string                 `json:"agent_type" validate:"required"`
	Operation string                 `json:"operation" validate:"required"`
	Input     map[string]interface{} `json:"input"`
	Priority  string                 `json:"priority" validate:"omitempty,oneof=low normal high critical"`
}

// StartRunRequest is the body of POST /workflow-runs
type StartRunRequest struct {
	WorkflowID string                 `json:"workflow_id" validate:"required"`
	Input      map[string]interface{} `json:"input"`
}

// StartResearchRequest is the body of POST /research
type StartResearchRequest struct {
	Question string `json:"question" validate:"required"`
}

// Handlers binds HTTP routes to the orchestration core
type Handlers struct {
	registry   *agent.Registry
	dispatcher *dispatch.Dispatcher
	executor   *workflow.Executor
	library    *workflow.Library
	engine     *research.Engine
	validator  *validator.Validate
}

// NewHandlers creates the route handlers
func NewHandlers(
	registry *agent.Registry,
	dispatcher *dispatch.Dispatcher,
	executor *workflow.Executor,
	library *workflow.Library,
	engine *research.Engine,
) *Handlers {
	return &Handlers{
		registry:   registry,
		dispatcher: dispatcher,
		executor:   executor,
		library:    library,
		engine:     engine,
		validator:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// SubmitTask accepts a task for dispatch
func (h *Handlers) SubmitTask(c fiber.Ctx) error {
	var req SubmitTaskRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	task := &domain.Task{
		ID:        req.ID,
		AgentType: req.AgentType,
		Operation: req.Operation,
		Input:     req.Input,
		Status:    domain.TaskStatusPending,
		Priority:  domain.ParsePriority(req.Priority),
	}

	if _, err := h.dispatcher.Submit(c.Context(), task); err != nil {
		return handleDomainError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"task_id": task.ID,
		"status":  string(domain.TaskStatusPending),
	})
}

// GetTask returns the current state of a task
func (h *Handlers) GetTask(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Task ID is required")
	}

	task, err := h.dispatcher.GetTask(id)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(task)
}

// CancelTask requests cancellation of a task
func (h *Handlers) CancelTask(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Task ID is required")
	}

	if err := h.dispatcher.Cancel(id); err != nil {
		return handleDomainError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"task_id": id,
	})
}

// GetAgents lists the registered agent types
func (h *Handlers) GetAgents(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"agent_types": h.registry.Types(),
	})
}

// GetWorkflows lists the registered workflow definitions
func (h *Handlers) GetWorkflows(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"workflow_ids": h.library.IDs(),
	})
}

// StartRun begins a workflow run
func (h *Handlers) StartRun(c fiber.Ctx) error {
	var req StartRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	def, exists := h.library.Get(req.WorkflowID)
	if !exists {
		return notFound(c, "Workflow not found: "+req.WorkflowID)
	}

	run, err := h.executor.StartRun(c.Context(), def, req.Input)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"run_id":      run.ID,
		"workflow_id": run.WorkflowID,
		"status":      string(run.Status),
	})
}

// GetRun returns the current state of a workflow run
func (h *Handlers) GetRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	run, err := h.executor.GetRun(c.Context(), id)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(run)
}

// CancelRun requests cancellation of a workflow run
func (h *Handlers) CancelRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	if err := h.executor.CancelRun(c.Context(), id); err != nil {
		return handleDomainError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"run_id": id,
	})
}

// StartResearch begins an autonomous research session
func (h *Handlers) StartResearch(c fiber.Ctx) error {
	var req StartResearchRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	session, err := h.engine.StartSession(c.Context(), req.Question)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"session_id": session.ID,
		"state":      string(session.State),
	})
}

// GetResearch returns the current state of a research session
func (h *Handlers) GetResearch(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Session ID is required")
	}

	session, err := h.engine.GetSession(c.Context(), id)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(session)
}

// HealthCheck reports liveness
func (h *Handlers) HealthCheck(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"agents": len(h.registry.Types()),
	})
}
