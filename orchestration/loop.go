package orchestration

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ElasticDash/ElasticDash-BE-sub001/core"
)

// LoopIteration pairs one materialized iteration with its execution outcome
type LoopIteration struct {
	Iteration   int           `json:"iteration"`
	Description string        `json:"description,omitempty"`
	API         *APICall      `json:"api"`
	Result      ExecuteResult `json:"result"`
}

// LoopResult is the outcome of expanding and driving one loop step.
// Zero iterations is a valid, non-error outcome.
type LoopResult struct {
	Error      string          `json:"error,omitempty"`
	Iterations []LoopIteration `json:"iterations"`
}

// LoopExpander materializes a loop step into N concrete iterations via one
// LLM call, then drives the step executor over each. All field mapping and
// path substitution is performed by the model; the expander itself performs
// no mapping logic.
type LoopExpander struct {
	aiClient core.AIClient
	executor *StepExecutor
	renderer *Renderer
	logger   core.Logger
}

// NewLoopExpander creates a loop expander
func NewLoopExpander(aiClient core.AIClient, executor *StepExecutor, renderer *Renderer) *LoopExpander {
	return &LoopExpander{
		aiClient: aiClient,
		executor: executor,
		renderer: renderer,
	}
}

// SetLogger sets the logger provider
func (l *LoopExpander) SetLogger(logger core.Logger) {
	if logger == nil {
		l.logger = &core.NoOpLogger{}
	} else {
		l.logger = logger
	}
	if l.executor != nil {
		l.executor.SetLogger(logger)
	}
}

// Expand materializes and executes the loop step in req.Step
func (l *LoopExpander) Expand(ctx context.Context, req ExecuteRequest) LoopResult {
	step := req.Step
	if step.Loop == nil {
		return LoopResult{Error: ReasonInvalidStep, Iterations: []LoopIteration{}}
	}
	if l.aiClient == nil {
		return LoopResult{Error: ReasonConfigError, Iterations: []LoopIteration{}}
	}

	source, reason := l.resolveSource(step.Loop.Over, req.History)
	if reason != "" {
		return LoopResult{Error: reason, Iterations: []LoopIteration{}}
	}

	iterations, reason := l.materialize(ctx, step, source)
	if reason != "" {
		return LoopResult{Error: reason, Iterations: []LoopIteration{}}
	}

	if l.logger != nil {
		l.logger.Debug("Loop materialized", map[string]interface{}{
			"operation":       "loop_expansion",
			"step_number":     step.StepNumber,
			"iteration_count": len(iterations),
		})
	}

	// Iterations run sequentially, never in parallel: side-effect ordering
	// is preserved and a failing iteration does not short-circuit the rest,
	// keeping maximal partial progress over the batch
	results := make([]LoopIteration, 0, len(iterations))
	for i, it := range iterations {
		iterStep := ExecutionStep{
			StepNumber:  step.StepNumber,
			Description: it.Description,
			API:         it.API,
		}
		if iterStep.Description == "" {
			iterStep.Description = fmt.Sprintf("%s (iteration %d)", step.Description, i+1)
		}

		iterReq := req
		iterReq.Step = iterStep
		result := l.executor.Execute(ctx, iterReq)

		results = append(results, LoopIteration{
			Iteration:   i + 1,
			Description: iterStep.Description,
			API:         it.API,
			Result:      result,
		})
	}

	return LoopResult{Iterations: results}
}

// resolveSource turns the loop's "over" field into concrete source data:
// either a prior step's response or the literal value itself
func (l *LoopExpander) resolveSource(over string, history []ExecutedStep) (interface{}, string) {
	if m := refBarePattern.FindStringSubmatch(over); m != nil {
		var refStep int
		fmt.Sscanf(m[1], "%d", &refStep)
		executed, ok := findExecuted(history, refStep)
		if !ok {
			return nil, ReasonUnresolvedReference
		}
		return executed.Response, ""
	}
	return over, ""
}

type materializedIteration struct {
	Description string   `json:"description,omitempty"`
	API         *APICall `json:"api"`
}

// materialize asks the model for the concrete per-element API calls
func (l *LoopExpander) materialize(ctx context.Context, step ExecutionStep, source interface{}) ([]materializedIteration, string) {
	stepJSON, _ := json.MarshalIndent(step, "", "  ")
	sourceJSON, _ := json.MarshalIndent(source, "", "  ")

	extractHint := ""
	if step.Loop.ExtractPath != "" {
		extractHint = fmt.Sprintf(" (iterate over the %q field)", step.Loop.ExtractPath)
	}

	prompt, err := l.renderer.Render(TemplateLoopExpand, map[string]interface{}{
		"step":         string(stepJSON),
		"source":       string(sourceJSON),
		"extract_hint": extractHint,
	})
	if err != nil {
		return nil, ReasonConfigError
	}

	response, err := l.aiClient.GenerateResponse(ctx, prompt, &core.AIOptions{
		Temperature: 0.1,
		MaxTokens:   3000,
	})
	if err != nil {
		if core.IsConfigurationError(err) {
			return nil, ReasonConfigError
		}
		return nil, ReasonParseError
	}

	raw, err := ExtractJSON(response.Content)
	if err != nil {
		return nil, ReasonParseError
	}

	var parsed struct {
		Iterations []materializedIteration `json:"iterations"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, ReasonParseError
	}
	return parsed.Iterations, ""
}
