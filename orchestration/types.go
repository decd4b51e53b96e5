package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// APICall describes one HTTP call against the backend API
type APICall struct {
	Method      string                 `json:"method"`
	Path        string                 `json:"path"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	RequestBody map[string]interface{} `json:"requestBody,omitempty"`
}

// LoopSpec marks a plan step whose concrete iterations are generated
// dynamically from another step's output. Over is either a literal data
// source or a resolved_from_step_<N> reference.
type LoopSpec struct {
	Over        string `json:"over"`
	ExtractPath string `json:"extractPath,omitempty"`
	As          string `json:"as,omitempty"`
}

// ExecutionStep is one plan-time step. Immutable once produced; placeholder
// substitution operates on a copy, never on the plan template.
type ExecutionStep struct {
	StepNumber  int       `json:"step_number"`
	Description string    `json:"description"`
	API         *APICall  `json:"api"`
	Loop        *LoopSpec `json:"loop,omitempty"`
}

// Plan is the LLM planning artifact. If NeedsClarification is set the
// execution plan is not executed at all.
type Plan struct {
	NeedsClarification    bool            `json:"needs_clarification"`
	ClarificationQuestion string          `json:"clarification_question,omitempty"`
	ExecutionPlan         []ExecutionStep `json:"execution_plan"`
}

// ExecutedStep is the run-time record appended to the execution history
// after each step. Never mutated after creation. The history is the sole
// memory available to later placeholder resolution and goal validation.
type ExecutedStep struct {
	Step        int         `json:"step"`
	Iteration   int         `json:"iteration,omitempty"`
	Description string      `json:"description"`
	API         *APICall    `json:"api"`
	Response    interface{} `json:"response"`
	Error       string      `json:"error,omitempty"`
}

// UnmarshalJSON accepts the three record shapes written by successive
// generations of the recorder:
//
//	{"step": 3, ...}
//	{"stepNumber": 3, ...}
//	{"step": {"step_number": 3}, ...}
//
// so that history loaded from the store resolves regardless of which
// recorder produced it.
func (s *ExecutedStep) UnmarshalJSON(data []byte) error {
	type alias ExecutedStep
	aux := struct {
		Step       json.RawMessage `json:"step"`
		StepNumber *int            `json:"stepNumber"`
		*alias
	}{alias: (*alias)(s)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if len(aux.Step) > 0 {
		var n int
		if err := json.Unmarshal(aux.Step, &n); err == nil {
			s.Step = n
			return nil
		}
		var nested struct {
			StepNumber int `json:"step_number"`
		}
		if err := json.Unmarshal(aux.Step, &nested); err == nil {
			s.Step = nested.StepNumber
			return nil
		}
		return fmt.Errorf("unrecognized step field: %s", string(aux.Step))
	}
	if aux.StepNumber != nil {
		s.Step = *aux.StepNumber
	}
	return nil
}

// findExecuted returns the first history record for the given plan step
// number. Loop iterations share the originating step number, so the first
// record is the earliest iteration.
func findExecuted(history []ExecutedStep, stepNumber int) (*ExecutedStep, bool) {
	for i := range history {
		if history[i].Step == stepNumber {
			return &history[i], true
		}
	}
	return nil, false
}

// PlanValidation is the plan-vs-goal verdict produced before execution
type PlanValidation struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// GoalValidation is the post-execution verdict: did the executed steps
// actually satisfy the user's goal?
type GoalValidation struct {
	Achieved       bool     `json:"achieved"`
	Reason         string   `json:"reason,omitempty"`
	CompletedItems []string `json:"completedItems,omitempty"`
	MissingItems   []string `json:"missingItems,omitempty"`
}

// Reason codes returned in place of exceptions. These are data, not errors:
// a tagged result lets goal validation and replanning reason about partial
// failure without stack unwinding.
const (
	ReasonConfigError         = "config-error"
	ReasonParseError          = "parse-error"
	ReasonUnresolvedReference = "unresolved-reference"
	ReasonInvalidStep         = "invalid-step"
)

// Resource is a retrieved API or table-schema description. Entries with
// non-empty Content are table schemas; entries with Endpoint/Method are API
// resources. The shape drives prompt construction, not execution.
type Resource struct {
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Content   string    `json:"content,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Method    string    `json:"method,omitempty"`
	Embedding []float64 `json:"embedding,omitempty"`
}

// Retriever is the embedding-based resource retrieval collaborator
type Retriever interface {
	Search(ctx context.Context, query string, resourceType string, topK int) ([]Resource, error)
}

// RunStore persists plans and steps for audit and approval display.
// All writes are best-effort side channels from the engine's perspective:
// failures are logged and never block the in-memory flow. Only the returned
// IDs matter, to correlate later update calls within the same run.
type RunStore interface {
	CreatePlan(ctx context.Context, conversationID string, plan *Plan) (string, error)
	CreateStep(ctx context.Context, planID string, step ExecutionStep) (string, error)
	FinishStep(ctx context.Context, stepID string, duration time.Duration, response interface{}, errMsg string) error
	SaveMessage(ctx context.Context, conversationID, role, content string) error
}

// NoopRunStore discards all writes
type NoopRunStore struct{}

func (NoopRunStore) CreatePlan(ctx context.Context, conversationID string, plan *Plan) (string, error) {
	return "", nil
}

func (NoopRunStore) CreateStep(ctx context.Context, planID string, step ExecutionStep) (string, error) {
	return "", nil
}

func (NoopRunStore) FinishStep(ctx context.Context, stepID string, duration time.Duration, response interface{}, errMsg string) error {
	return nil
}

func (NoopRunStore) SaveMessage(ctx context.Context, conversationID, role, content string) error {
	return nil
}

// OrchestratorConfig bounds the orchestration loops
type OrchestratorConfig struct {
	MaxIterations int           `json:"max_iterations"`
	Planner       PlannerConfig `json:"planner"`
}

// PlannerConfig bounds the generate/refine/validate loop and sets the
// model knobs for the planning calls
type PlannerConfig struct {
	MaxValidationIterations int     `json:"max_validation_iterations"`
	GenerateTemperature     float32 `json:"generate_temperature"`
	ValidateTemperature     float32 `json:"validate_temperature"`
	MaxTokens               int     `json:"max_tokens"`
	TopK                    int     `json:"top_k"`
}

// DefaultConfig returns default orchestrator configuration
func DefaultConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		MaxIterations: 20,
		Planner: PlannerConfig{
			MaxValidationIterations: 10,
			GenerateTemperature:     0.3,
			ValidateTemperature:     0,
			MaxTokens:               2000,
			TopK:                    8,
		},
	}
}
