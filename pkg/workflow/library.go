package workflow

import (
	"fmt"
	"sort"
	"sync"

	"github.com/equitylens/research-orchestrator/pkg/domain"
)

// Library holds the registered workflow definitions addressable by id
type Library struct {
	mu        sync.RWMutex
	workflows map[string]*domain.WorkflowDefinition
}

// NewLibrary creates an empty workflow library
func NewLibrary() *Library {
	return &Library{
		workflows: make(map[string]*domain.WorkflowDefinition),
	}
}

// Register adds a workflow definition after validating it
func (l *Library) Register(def *domain.WorkflowDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("workflow id is required")
	}
	if err := Validate(def); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.workflows[def.ID]; exists {
		return fmt.Errorf("workflow already registered: %s", def.ID)
	}
	l.workflows[def.ID] = def
	return nil
}

// Get returns a workflow definition by id
func (l *Library) Get(id string) (*domain.WorkflowDefinition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	def, exists := l.workflows[id]
	return def, exists
}

// IDs returns the registered workflow ids in sorted order
func (l *Library) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.workflows))
	for id := range l.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DefaultLibrary returns a library preloaded with the built-in
// research workflows.
func DefaultLibrary() *Library {
	l := NewLibrary()
	for _, def := range []*domain.WorkflowDefinition{
		StandardResearch(),
		DeepResearch(),
	} {
		if err := l.Register(def); err != nil {
			// Built-in definitions are validated by tests; a failure
			// here is a programming error.
			panic(err)
		}
	}
	return l
}

// StandardResearch is the default equity research workflow: parallel
// fundamental and sentiment passes feeding a risk assessment, with a
// final synthesis over everything.
func StandardResearch() *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID:   "standard_research",
		Name: "Standard Research",
		Steps: []domain.WorkflowStep{
			{
				Name:      "business_model",
				AgentType: "due_diligence",
				Operation: "business_model_analysis",
			},
			{
				Name:      "sentiment",
				AgentType: "sentiment_analysis",
				Operation: "news_sentiment",
			},
			{
				Name:      "risk",
				AgentType: "risk_analysis",
				Operation: "risk_assessment",
				DependsOn: []string{"business_model"},
			},
			{
				Name:      "synthesis",
				AgentType: "portfolio_management",
				Operation: "investment_synthesis",
				DependsOn: []string{"business_model", "sentiment", "risk"},
			},
		},
	}
}

// DeepResearch extends the standard workflow with macro context, a
// competitive moat pass, and an explicit bear case before synthesis.
func DeepResearch() *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID:   "deep_research",
		Name: "Deep Research",
		Steps: []domain.WorkflowStep{
			{
				Name:      "business_model",
				AgentType: "due_diligence",
				Operation: "business_model_analysis",
			},
			{
				Name:      "moat",
				AgentType: "due_diligence",
				Operation: "competitive_moat_analysis",
				DependsOn: []string{"business_model"},
			},
			{
				Name:      "sentiment",
				AgentType: "sentiment_analysis",
				Operation: "news_sentiment",
			},
			{
				Name:      "macro",
				AgentType: "macro_analysis",
				Operation: "macro_outlook",
			},
			{
				Name:      "risk",
				AgentType: "risk_analysis",
				Operation: "risk_assessment",
				DependsOn: []string{"business_model", "macro"},
			},
			{
				Name:      "bear_case",
				AgentType: "risk_analysis",
				Operation: "bear_case_analysis",
				DependsOn: []string{"business_model", "moat"},
			},
			{
				Name:      "synthesis",
				AgentType: "portfolio_management",
				Operation: "investment_synthesis",
				DependsOn: []string{"moat", "sentiment", "risk", "bear_case"},
			},
		},
	}
}
