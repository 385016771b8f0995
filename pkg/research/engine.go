package research

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/equitylens/research-orchestrator/pkg/dispatch"
	"github.com/equitylens/research-orchestrator/pkg/domain"
	"github.com/equitylens/research-orchestrator/pkg/observability"
)

// Config configures the autonomous research loop
type Config struct {
	// AgentType answers research questions and synthesizes findings.
	AgentType string
	// Operation is the per-iteration research operation.
	Operation string
	// SynthesisOperation produces the final write-up from findings.
	SynthesisOperation string
	// MaxIterations bounds the loop; reaching it exhausts the session.
	MaxIterations int
	// ConfidenceThreshold is the weighted confidence at which the
	// session converges.
	ConfidenceThreshold float64
	// MaxSessions bounds concurrently exploring sessions.
	MaxSessions int
}

// DefaultConfig returns the default research configuration
func DefaultConfig() Config {
	return Config{
		AgentType:           "due_diligence",
		Operation:           "research_question",
		SynthesisOperation:  "synthesize_findings",
		MaxIterations:       5,
		ConfidenceThreshold: 0.8,
		MaxSessions:         10,
	}
}

// Engine drives autonomous research sessions. Each session iterates
// on a question: dispatch a research task, fold the reported
// confidence into a recency-weighted aggregate, and either converge,
// chain into the agent's first follow-up question, or exhaust.
type Engine struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	store      domain.SessionStore
	logger     observability.Logger
	metrics    *observability.Metrics

	// slots bounds concurrently exploring sessions.
	slots chan struct{}
}

// NewEngine creates a research engine
func NewEngine(cfg Config, dispatcher *dispatch.Dispatcher, store domain.SessionStore, logger observability.Logger, metrics *observability.Metrics) *Engine {
	defaults := DefaultConfig()
	if cfg.AgentType == "" {
		cfg.AgentType = defaults.AgentType
	}
	if cfg.Operation == "" {
		cfg.Operation = defaults.Operation
	}
	if cfg.SynthesisOperation == "" {
		cfg.SynthesisOperation = defaults.SynthesisOperation
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.ConfidenceThreshold <= 0 || cfg.ConfidenceThreshold > 1 {
		cfg.ConfidenceThreshold = defaults.ConfidenceThreshold
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaults.MaxSessions
	}
	if logger == nil {
		logger = observability.NewStructuredLogger("research")
	}

	return &Engine{
		cfg:        cfg,
		dispatcher: dispatcher,
		store:      store,
		logger:     logger,
		metrics:    metrics,
		slots:      make(chan struct{}, cfg.MaxSessions),
	}
}

// WeightedConfidence aggregates per-iteration confidences with
// recency weighting: the most recent iteration carries weight 1, each
// older one half the weight of the one after it.
func WeightedConfidence(confidences []float64) float64 {
	if len(confidences) == 0 {
		return 0
	}

	var weighted, total float64
	weight := 1.0
	for i := len(confidences) - 1; i >= 0; i-- {
		weighted += confidences[i] * weight
		total += weight
		weight /= 2
	}
	return weighted / total
}

// Run executes a research session to completion and returns the final
// session record.
func (e *Engine) Run(ctx context.Context, question string) (*domain.ResearchSession, error) {
	session, err := e.begin(ctx, question)
	if err != nil {
		return nil, err
	}

	e.loop(ctx, session)
	return session.Clone(), nil
}

// StartSession begins a research session in the background and
// returns it immediately in the exploring state.
func (e *Engine) StartSession(ctx context.Context, question string) (*domain.ResearchSession, error) {
	session, err := e.begin(ctx, question)
	if err != nil {
		return nil, err
	}

	snapshot := session.Clone()
	go e.loop(context.WithoutCancel(ctx), session)
	return snapshot, nil
}

// GetSession returns a snapshot of a research session
func (e *Engine) GetSession(ctx context.Context, id string) (*domain.ResearchSession, error) {
	return e.store.LoadSession(ctx, id)
}

// begin validates the question, reserves a session slot, and records
// the new session.
func (e *Engine) begin(ctx context.Context, question string) (*domain.ResearchSession, error) {
	if question == "" {
		return nil, fmt.Errorf("research question is required")
	}

	select {
	case e.slots <- struct{}{}:
	default:
		return nil, fmt.Errorf("%w: %d sessions already exploring", domain.ErrSessionLimit, e.cfg.MaxSessions)
	}

	session := &domain.ResearchSession{
		ID:        uuid.NewString(),
		Question:  question,
		State:     domain.SessionExploring,
		StartedAt: time.Now(),
	}
	e.persist(ctx, session)

	if e.metrics != nil {
		e.metrics.RecordSessionStarted(ctx)
	}
	e.logger.Info(ctx, "Research session started", map[string]interface{}{
		"session_id": session.ID,
		"question":   question,
	})

	return session, nil
}

// loop runs the iterate-assess-chain cycle until the session reaches
// a terminal state, then synthesizes and releases the slot.
func (e *Engine) loop(ctx context.Context, session *domain.ResearchSession) {
	defer func() { <-e.slots }()

	question := session.Question
	for i := 0; i < e.cfg.MaxIterations; i++ {
		iteration, err := e.iterate(ctx, session, i, question)
		if err != nil {
			e.logger.Error(ctx, "Research iteration failed", err, map[string]interface{}{
				"session_id": session.ID,
				"iteration":  i,
			})
			session.State = domain.SessionExhausted
			break
		}

		session.Iterations = append(session.Iterations, *iteration)
		session.Confidence = WeightedConfidence(confidences(session.Iterations))
		e.persist(ctx, session)

		if e.metrics != nil {
			e.metrics.RecordResearchIteration(ctx)
		}

		if session.Confidence >= e.cfg.ConfidenceThreshold {
			session.State = domain.SessionConverged
			break
		}
		if len(iteration.FollowUps) == 0 {
			session.State = domain.SessionExhausted
			break
		}
		question = iteration.FollowUps[0]
	}

	// MaxIterations ran out without converging.
	if session.State == domain.SessionExploring {
		session.State = domain.SessionExhausted
	}

	if len(session.Iterations) > 0 {
		e.synthesize(ctx, session)
	}

	now := time.Now()
	session.CompletedAt = &now
	e.persist(ctx, session)

	if e.metrics != nil {
		e.metrics.RecordSessionFinished(ctx, string(session.State), session.Confidence)
	}
	e.logger.Info(ctx, "Research session finished", map[string]interface{}{
		"session_id": session.ID,
		"state":      string(session.State),
		"iterations": len(session.Iterations),
		"confidence": session.Confidence,
	})
}

// iterate dispatches one research task and parses its findings
func (e *Engine) iterate(ctx context.Context, session *domain.ResearchSession, index int, question string) (*domain.ResearchIteration, error) {
	task := &domain.Task{
		ID:        fmt.Sprintf("%s-iter-%d", session.ID, index),
		AgentType: e.cfg.AgentType,
		Operation: e.cfg.Operation,
		Input: map[string]interface{}{
			"question":      question,
			"root_question": session.Question,
			"findings":      findings(session.Iterations),
		},
		Status:   domain.TaskStatusPending,
		Priority: domain.PriorityNormal,
	}

	var final *domain.Task
	err := observability.InstrumentResearchIteration(ctx, session.ID, index, func(ctx context.Context) error {
		handle, err := e.dispatcher.Submit(ctx, task)
		if err != nil {
			return err
		}
		result, err := handle.Wait(ctx)
		if err != nil {
			return err
		}
		if result.Status != domain.TaskStatusCompleted {
			return fmt.Errorf("research task %s: %s", result.Status, result.ErrorMessage)
		}
		final = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &domain.ResearchIteration{
		Question:   question,
		Answer:     asString(final.Output["answer"]),
		Confidence: asFloat(final.Output["confidence"]),
		Sources:    asStringSlice(final.Output["sources"]),
		FollowUps:  asStringSlice(final.Output["follow_up_questions"]),
		TaskID:     final.ID,
		Timestamp:  time.Now(),
	}, nil
}

// synthesize dispatches the terminal synthesis task. Synthesis
// failures leave the session's findings intact; the session keeps its
// terminal state either way.
func (e *Engine) synthesize(ctx context.Context, session *domain.ResearchSession) {
	task := &domain.Task{
		ID:        fmt.Sprintf("%s-synthesis", session.ID),
		AgentType: e.cfg.AgentType,
		Operation: e.cfg.SynthesisOperation,
		Input: map[string]interface{}{
			"question":   session.Question,
			"findings":   findings(session.Iterations),
			"confidence": session.Confidence,
			"state":      string(session.State),
		},
		Status:   domain.TaskStatusPending,
		Priority: domain.PriorityHigh,
	}

	handle, err := e.dispatcher.Submit(ctx, task)
	if err != nil {
		e.logger.Error(ctx, "Failed to dispatch synthesis task", err, map[string]interface{}{
			"session_id": session.ID,
		})
		return
	}

	final, err := handle.Wait(ctx)
	if err != nil || final.Status != domain.TaskStatusCompleted {
		e.logger.Warn(ctx, "Synthesis task did not complete", map[string]interface{}{
			"session_id": session.ID,
		})
		return
	}

	session.Synthesis = asString(final.Output["synthesis"])
}

// persist saves a session snapshot; store failures are logged, never
// propagated into session state.
func (e *Engine) persist(ctx context.Context, session *domain.ResearchSession) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveSession(ctx, session.Clone()); err != nil {
		e.logger.Warn(ctx, "Failed to persist research session", map[string]interface{}{
			"session_id": session.ID,
			"error":      err.Error(),
		})
	}
}

func confidences(iterations []domain.ResearchIteration) []float64 {
	out := make([]float64, len(iterations))
	for i, it := range iterations {
		out[i] = it.Confidence
	}
	return out
}

// findings flattens prior iterations into the payload agents receive
// as accumulated context.
func findings(iterations []domain.ResearchIteration) []map[string]interface{} {
	out := make([]map[string]interface{}, len(iterations))
	for i, it := range iterations {
		out[i] = map[string]interface{}{
			"question":   it.Question,
			"answer":     it.Answer,
			"confidence": it.Confidence,
			"sources":    it.Sources,
		}
	}
	return out
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func asStringSlice(v interface{}) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
