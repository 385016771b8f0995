package research

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/equitylens/research-orchestrator/internal/testutil"
	"github.com/equitylens/research-orchestrator/pkg/agent"
	"github.com/equitylens/research-orchestrator/pkg/dispatch"
	"github.com/equitylens/research-orchestrator/pkg/domain"
	"github.com/equitylens/research-orchestrator/pkg/resilience"
	"github.com/equitylens/research-orchestrator/pkg/state"
)

func newTestEngine(t *testing.T, cfg Config, worker domain.Worker) (*Engine, *state.MemoryStore) {
	t.Helper()

	registry := agent.NewRegistry()
	if err := registry.Register(cfg.AgentType, worker); err != nil {
		t.Fatalf("failed to register worker: %v", err)
	}

	breakers := resilience.NewBreakerGroup(resilience.BreakerConfig{
		FailureThreshold: 100,
		RecoveryTimeout:  time.Minute,
		HalfOpenTrials:   1,
	})
	limiters := resilience.NewLimiterGroup(resilience.LimiterConfig{Capacity: 1000, RefillPerSecond: 10000})
	store := state.NewMemoryStore()

	d := dispatch.NewDispatcher(dispatch.DefaultConfig(), registry, breakers, limiters, store, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})

	return NewEngine(cfg, d, store, nil, nil), store
}

// researchWorker scripts per-iteration answers keyed by question.
type researchWorker struct {
	answers map[string]map[string]interface{}
}

func (w *researchWorker) Execute(ctx context.Context, operation string, input map[string]interface{}) (map[string]interface{}, error) {
	if operation == "synthesize_findings" {
		return map[string]interface{}{"synthesis": "final write-up"}, nil
	}
	question, _ := input["question"].(string)
	if out, ok := w.answers[question]; ok {
		return out, nil
	}
	return map[string]interface{}{"confidence": 0.1}, nil
}

func TestWeightedConfidence(t *testing.T) {
	tests := []struct {
		name string
		in   []float64
		want float64
	}{
		{"empty", nil, 0},
		{"single", []float64{0.9}, 0.9},
		// Most recent weighted 1, older halved: (0.8*1 + 0.4*0.5) / 1.5
		{"recency weighting", []float64{0.4, 0.8}, (0.8 + 0.2) / 1.5},
		{"uniform", []float64{0.3, 0.3, 0.3}, 0.3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WeightedConfidence(tt.in)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("WeightedConfidence(%v) = %f, want %f", tt.in, got, tt.want)
			}
		})
	}
}

func TestEngineConvergesOnHighConfidence(t *testing.T) {
	worker := &researchWorker{answers: map[string]map[string]interface{}{
		"Is ACME a buy?": {
			"answer":     "Strong fundamentals",
			"confidence": 0.9,
			"sources":    []interface{}{"10-K", "earnings call"},
		},
	}}

	cfg := DefaultConfig()
	e, _ := newTestEngine(t, cfg, worker)
	ctx := testutil.NewTestContext(t)

	session, err := e.Run(ctx, "Is ACME a buy?")
	testutil.AssertNoError(t, err, "Run")

	testutil.AssertEqual(t, domain.SessionConverged, session.State, "session state")
	testutil.AssertEqual(t, 1, len(session.Iterations), "iterations")
	if session.Confidence < cfg.ConfidenceThreshold {
		t.Errorf("confidence %f below threshold after convergence", session.Confidence)
	}
	testutil.AssertEqual(t, "final write-up", session.Synthesis, "synthesis")
	if len(session.Iterations[0].Sources) != 2 {
		t.Errorf("sources not parsed: %v", session.Iterations[0].Sources)
	}
	if session.CompletedAt == nil {
		t.Errorf("terminal session missing completion timestamp")
	}
}

func TestEngineChainsFollowUpQuestions(t *testing.T) {
	worker := &researchWorker{answers: map[string]map[string]interface{}{
		// Recency weighting gives (0.95 + 0.7*0.5) / 1.5 = 0.867, above
		// the 0.8 threshold only once the follow-up lands.
		"root": {
			"answer":              "partial",
			"confidence":          0.7,
			"follow_up_questions": []interface{}{"follow-1", "ignored"},
		},
		"follow-1": {
			"answer":     "clear",
			"confidence": 0.95,
		},
	}}

	e, _ := newTestEngine(t, DefaultConfig(), worker)
	ctx := testutil.NewTestContext(t)

	session, err := e.Run(ctx, "root")
	testutil.AssertNoError(t, err, "Run")

	testutil.AssertEqual(t, domain.SessionConverged, session.State, "session state")
	testutil.AssertEqual(t, 2, len(session.Iterations), "iterations")
	testutil.AssertEqual(t, "root", session.Iterations[0].Question, "first question")
	testutil.AssertEqual(t, "follow-1", session.Iterations[1].Question, "chained question")
}

func TestEngineExhaustsWithoutFollowUps(t *testing.T) {
	// Constant low confidence and no follow-ups: exhaust after one pass.
	worker := &researchWorker{answers: map[string]map[string]interface{}{
		"root": {"answer": "unclear", "confidence": 0.3},
	}}

	e, _ := newTestEngine(t, DefaultConfig(), worker)
	ctx := testutil.NewTestContext(t)

	session, err := e.Run(ctx, "root")
	testutil.AssertNoError(t, err, "Run")

	testutil.AssertEqual(t, domain.SessionExhausted, session.State, "session state")
	testutil.AssertEqual(t, 1, len(session.Iterations), "iterations")
	if math.Abs(session.Confidence-0.3) > 1e-9 {
		t.Errorf("confidence = %f, want 0.3", session.Confidence)
	}
}

func TestEngineExhaustsAtMaxIterations(t *testing.T) {
	calls := 0
	worker := agent.WorkerFunc(func(ctx context.Context, operation string, input map[string]interface{}) (map[string]interface{}, error) {
		if operation == "synthesize_findings" {
			return map[string]interface{}{"synthesis": "partial"}, nil
		}
		calls++
		return map[string]interface{}{
			"confidence":          0.3,
			"follow_up_questions": []interface{}{"keep digging"},
		}, nil
	})

	cfg := DefaultConfig()
	cfg.MaxIterations = 3
	e, _ := newTestEngine(t, cfg, worker)
	ctx := testutil.NewTestContext(t)

	session, err := e.Run(ctx, "root")
	testutil.AssertNoError(t, err, "Run")

	testutil.AssertEqual(t, domain.SessionExhausted, session.State, "session state")
	testutil.AssertEqual(t, 3, len(session.Iterations), "iterations")
	testutil.AssertEqual(t, 3, calls, "research calls")
}

func TestEngineExhaustsOnTaskFailure(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(), testutil.FailingWorker("model down"))
	ctx := testutil.NewTestContext(t)

	session, err := e.Run(ctx, "root")
	testutil.AssertNoError(t, err, "Run")

	testutil.AssertEqual(t, domain.SessionExhausted, session.State, "session state")
	testutil.AssertEqual(t, 0, len(session.Iterations), "iterations")
	testutil.AssertEqual(t, "", session.Synthesis, "synthesis skipped without findings")
}

func TestEngineEnforcesSessionLimit(t *testing.T) {
	release := make(chan struct{})
	worker := agent.WorkerFunc(func(ctx context.Context, operation string, input map[string]interface{}) (map[string]interface{}, error) {
		select {
		case <-release:
			return map[string]interface{}{"confidence": 0.9}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	cfg := DefaultConfig()
	cfg.MaxSessions = 1
	e, _ := newTestEngine(t, cfg, worker)
	ctx := testutil.NewTestContext(t)

	first, err := e.StartSession(ctx, "q1")
	testutil.AssertNoError(t, err, "first StartSession")

	_, err = e.StartSession(ctx, "q2")
	if !errors.Is(err, domain.ErrSessionLimit) {
		t.Errorf("expected ErrSessionLimit, got %v", err)
	}

	close(release)

	// The slot frees once the first session finishes.
	testutil.Eventually(t, 2*time.Second, func() bool {
		session, err := e.GetSession(ctx, first.ID)
		return err == nil && session.State != domain.SessionExploring
	}, "first session did not finish")

	testutil.Eventually(t, 2*time.Second, func() bool {
		_, err := e.StartSession(ctx, "q3")
		return err == nil
	}, "slot was not released")
}

func TestEngineStartSessionIsAsynchronous(t *testing.T) {
	worker := &researchWorker{answers: map[string]map[string]interface{}{
		"root": {"answer": "done", "confidence": 0.9},
	}}

	e, _ := newTestEngine(t, DefaultConfig(), worker)
	ctx := testutil.NewTestContext(t)

	session, err := e.StartSession(ctx, "root")
	testutil.AssertNoError(t, err, "StartSession")
	testutil.AssertEqual(t, domain.SessionExploring, session.State, "initial state")

	testutil.Eventually(t, 2*time.Second, func() bool {
		current, err := e.GetSession(ctx, session.ID)
		return err == nil && current.State == domain.SessionConverged
	}, "session did not converge")
}

func TestEngineRejectsEmptyQuestion(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(), testutil.NewMockWorker())
	ctx := testutil.NewTestContext(t)

	if _, err := e.Run(ctx, ""); err == nil {
		t.Errorf("expected error for empty question")
	}
}

func TestEngineGetSessionUnknown(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(), testutil.NewMockWorker())
	ctx := testutil.NewTestContext(t)

	if _, err := e.GetSession(ctx, "missing"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}
