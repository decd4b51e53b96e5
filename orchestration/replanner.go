package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ElasticDash/ElasticDash-BE-sub001/core"
)

// ReplanRequest carries everything the replanner needs: what was asked,
// what happened, and what the goal validator found missing
type ReplanRequest struct {
	Goal             string
	History          []ExecutedStep
	ExecutionContext string
	GoalValidation   GoalValidation
	Resources        []Resource
	Iteration        int
}

// Replanner produces a fresh plan after execution failed to achieve the
// goal. A single LLM call, no internal refine loop: the orchestrator's
// outer loop is the retry envelope.
type Replanner struct {
	aiClient core.AIClient
	renderer *Renderer
	logger   core.Logger
}

// NewReplanner creates a post-execution replanner
func NewReplanner(aiClient core.AIClient, renderer *Renderer) *Replanner {
	return &Replanner{
		aiClient: aiClient,
		renderer: renderer,
	}
}

// SetLogger sets the logger provider
func (r *Replanner) SetLogger(logger core.Logger) {
	if logger == nil {
		r.logger = &core.NoOpLogger{}
	} else {
		r.logger = logger
	}
}

// Replan asks for a new plan that closes the gap the goal validator
// reported. A response without a usable execution_plan array is a
// parse-error: there is nothing the orchestrator could execute.
func (r *Replanner) Replan(ctx context.Context, req ReplanRequest) (*Plan, error) {
	if r.aiClient == nil {
		return nil, fmt.Errorf("replanner: %w", core.ErrMissingConfiguration)
	}

	stepsJSON, _ := json.MarshalIndent(summarizeHistory(req.History), "", "  ")
	validationJSON, _ := json.MarshalIndent(req.GoalValidation, "", "  ")

	var apis strings.Builder
	for _, res := range req.Resources {
		if res.Endpoint != "" {
			fmt.Fprintf(&apis, "- %s %s: %s\n", res.Method, res.Endpoint, res.Name)
		}
	}
	apiSection := apis.String()
	if apiSection == "" {
		apiSection = "(no API catalog available)"
	}

	prompt, err := r.renderer.Render(TemplateReplan, map[string]interface{}{
		"goal":            req.Goal,
		"steps":           string(stepsJSON),
		"validation":      string(validationJSON),
		"completed_items": strings.Join(req.GoalValidation.CompletedItems, ", "),
		"missing_items":   strings.Join(req.GoalValidation.MissingItems, ", "),
		"apis":            apiSection,
		"iteration":       req.Iteration,
	})
	if err != nil {
		return nil, err
	}

	response, err := r.aiClient.GenerateResponse(ctx, prompt, &core.AIOptions{
		Temperature:  0.4,
		MaxTokens:    2000,
		SystemPrompt: "You are an orchestrator that repairs execution plans of HTTP API calls.",
	})
	if err != nil {
		return nil, fmt.Errorf("replan: %w", err)
	}

	raw, err := ExtractJSON(response.Content)
	if err != nil {
		return nil, fmt.Errorf("replan: %w", err)
	}

	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("replan: %w: %v", core.ErrMalformedJSON, err)
	}
	if plan.ExecutionPlan == nil {
		return nil, fmt.Errorf("replan: %w: missing execution_plan", core.ErrMalformedJSON)
	}

	if r.logger != nil {
		r.logger.Info("Replan produced", map[string]interface{}{
			"operation":  "replan",
			"iteration":  req.Iteration,
			"step_count": len(plan.ExecutionPlan),
		})
	}
	return &plan, nil
}
