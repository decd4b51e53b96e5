package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ElasticDash/ElasticDash-BE-sub001/core"
)

// Intent types for request classification
const (
	IntentFetch  = "FETCH"
	IntentModify = "MODIFY"
)

// PrecompletedMessage is returned when the precheck decides the goal is
// already satisfiable from existing context
const PrecompletedMessage = "Goal completed with existing data"

// PlanRequest carries one planning invocation
type PlanRequest struct {
	Goal      string
	Context   string // serialized conversation context
	Intent    string // optional pre-classified intent; empty triggers classification
	ProjectID string
}

// PlanResult is the planner's output. When the validate loop exhausts its
// iterations the last-generated plan is still returned: a degraded plan is
// a result, not an error.
type PlanResult struct {
	Plan             *Plan    `json:"plan"`
	Intent           string   `json:"intent"`
	Precompleted     bool     `json:"precompleted"`
	Message          string   `json:"message,omitempty"`
	Answer           string   `json:"answer,omitempty"`
	ValidationPassed bool     `json:"validation_passed"`
	ValidationReason string   `json:"validation_reason,omitempty"`
	SchemaIssues     []string `json:"schema_issues,omitempty"`
	Iterations       int      `json:"iterations"`
}

// Planner drives the LLM planning pipeline:
// PRECHECK -> INTENT -> GENERATE/REFINE <-> VALIDATE -> SCHEMA_CHECK
type Planner struct {
	aiClient  core.AIClient
	retriever Retriever
	renderer  *Renderer
	config    *PlannerConfig
	logger    core.Logger
	telemetry core.Telemetry
}

// NewPlanner creates a planner
func NewPlanner(aiClient core.AIClient, retriever Retriever, renderer *Renderer, config *PlannerConfig) *Planner {
	if config == nil {
		c := DefaultConfig().Planner
		config = &c
	}
	return &Planner{
		aiClient:  aiClient,
		retriever: retriever,
		renderer:  renderer,
		config:    config,
		telemetry: &core.NoOpTelemetry{},
	}
}

// SetLogger sets the logger provider
func (p *Planner) SetLogger(logger core.Logger) {
	if logger == nil {
		p.logger = &core.NoOpLogger{}
	} else {
		p.logger = logger
	}
}

// SetTelemetry sets the telemetry provider
func (p *Planner) SetTelemetry(telemetry core.Telemetry) {
	if telemetry == nil {
		p.telemetry = &core.NoOpTelemetry{}
	} else {
		p.telemetry = telemetry
	}
}

// BuildPlan runs the full planning pipeline for one orchestration cycle
func (p *Planner) BuildPlan(ctx context.Context, req PlanRequest) (*PlanResult, error) {
	ctx, span := p.telemetry.StartSpan(ctx, "planner.build_plan")
	defer span.End()

	if p.aiClient == nil {
		return nil, fmt.Errorf("planner: %w", core.ErrMissingConfiguration)
	}

	startTime := time.Now()

	// PRECHECK: one call decides whether the goal is already satisfied by
	// existing context; a positive verdict short-circuits all planning
	if answer, done := p.precheck(ctx, req); done {
		span.SetAttribute("precompleted", true)
		return &PlanResult{
			Plan:             &Plan{ExecutionPlan: []ExecutionStep{}},
			Precompleted:     true,
			Message:          PrecompletedMessage,
			Answer:           answer,
			ValidationPassed: true,
			Intent:           req.Intent,
			Iterations:       0,
		}, nil
	}

	// INTENT: classify unless the caller already supplied one
	intent := req.Intent
	if intent == "" {
		intent = p.classifyIntent(ctx, req.Goal)
	}
	span.SetAttribute("intent", intent)

	apis, schemas := p.gatherResources(ctx, req.Goal, req.ProjectID)

	// GENERATE/REFINE <-> VALIDATE loop, bounded. Exhaustion returns the
	// last plan rather than failing.
	var plan *Plan
	var planJSON string
	validated := false
	reason := ""
	iteration := 0

	for iteration = 1; iteration <= p.config.MaxValidationIterations; iteration++ {
		var err error
		plan, planJSON, err = p.generate(ctx, req, intent, apis, schemas, reason, planJSON)
		if err != nil {
			// Unparseable generation output is fatal to this cycle
			return nil, err
		}

		if plan.NeedsClarification {
			// Nothing to validate; the clarification question goes back to
			// the user instead of an execution plan
			validated = true
			break
		}

		ok, rejection := p.validatePlan(ctx, req.Goal, planJSON)
		if ok {
			validated = true
			break
		}
		reason = rejection

		if p.logger != nil {
			p.logger.Debug("Plan rejected by validator", map[string]interface{}{
				"operation": "plan_validation",
				"iteration": iteration,
				"reason":    truncate(rejection, 200),
			})
		}
	}
	if iteration > p.config.MaxValidationIterations {
		iteration = p.config.MaxValidationIterations
	}

	result := &PlanResult{
		Plan:             plan,
		Intent:           intent,
		ValidationPassed: validated,
		Iterations:       iteration,
	}
	if !validated {
		result.ValidationReason = reason
		if p.logger != nil {
			p.logger.Warn("Plan validation loop exhausted, returning last plan", map[string]interface{}{
				"operation":  "plan_validation",
				"iterations": p.config.MaxValidationIterations,
			})
		}
	}

	// SCHEMA_CHECK: non-blocking conformance pass; its result is attached
	// but never gates execution
	result.SchemaIssues = p.schemaCheck(ctx, planJSON, schemas)

	if p.logger != nil {
		p.logger.Info("Plan generated", map[string]interface{}{
			"operation":         "plan_generation",
			"intent":            intent,
			"step_count":        len(plan.ExecutionPlan),
			"validation_passed": validated,
			"iterations":        iteration,
			"duration_ms":       time.Since(startTime).Milliseconds(),
		})
	}
	p.telemetry.RecordMetric("planner.iterations", float64(iteration), map[string]string{
		"validated": fmt.Sprintf("%t", validated),
	})

	return result, nil
}

// precheck returns (answer, true) when the goal is already satisfied.
// Parse failures degrade to "not yet complete" rather than erroring.
func (p *Planner) precheck(ctx context.Context, req PlanRequest) (string, bool) {
	prompt, err := p.renderer.Render(TemplatePrecheck, map[string]interface{}{
		"goal":    req.Goal,
		"context": req.Context,
	})
	if err != nil {
		return "", false
	}

	response, err := p.aiClient.GenerateResponse(ctx, prompt, &core.AIOptions{
		Temperature: p.config.ValidateTemperature,
		MaxTokens:   500,
	})
	if err != nil {
		return "", false
	}

	raw, err := ExtractJSON(response.Content)
	if err != nil {
		return "", false
	}
	var verdict struct {
		Completed bool   `json:"completed"`
		Answer    string `json:"answer"`
	}
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return "", false
	}
	return verdict.Answer, verdict.Completed
}

// classifyIntent picks FETCH or MODIFY; unrecognized output defaults to FETCH
func (p *Planner) classifyIntent(ctx context.Context, goal string) string {
	prompt, err := p.renderer.Render(TemplateIntent, map[string]interface{}{"goal": goal})
	if err != nil {
		return IntentFetch
	}

	response, err := p.aiClient.GenerateResponse(ctx, prompt, &core.AIOptions{
		Temperature: p.config.ValidateTemperature,
		MaxTokens:   10,
	})
	if err != nil {
		return IntentFetch
	}

	if strings.Contains(strings.ToUpper(response.Content), IntentModify) {
		return IntentModify
	}
	return IntentFetch
}

// gatherResources queries the retriever and splits results by shape:
// entries with content are table schemas, entries with endpoint/method are
// API resources
func (p *Planner) gatherResources(ctx context.Context, goal, projectID string) (string, string) {
	if p.retriever == nil {
		return "(no API catalog available)", "(no table schemas available)"
	}

	var apis, schemas strings.Builder
	for _, resourceType := range []string{"api", "table"} {
		resources, err := p.retriever.Search(ctx, goal, resourceType, p.config.TopK)
		if err != nil {
			if p.logger != nil {
				p.logger.Warn("Resource retrieval failed", map[string]interface{}{
					"operation":     "resource_retrieval",
					"resource_type": resourceType,
					"error":         err.Error(),
				})
			}
			continue
		}
		for _, r := range resources {
			if r.Content != "" {
				fmt.Fprintf(&schemas, "- %s:\n%s\n", r.Name, r.Content)
			} else if r.Endpoint != "" {
				fmt.Fprintf(&apis, "- %s %s: %s\n", r.Method, r.Endpoint, r.Name)
			}
		}
	}

	apiSection := apis.String()
	if apiSection == "" {
		apiSection = "(no API catalog available)"
	}
	schemaSection := schemas.String()
	if schemaSection == "" {
		schemaSection = "(no table schemas available)"
	}
	return apiSection, schemaSection
}

// generate produces (iteration 1) or refines (iteration >1) a plan.
// Unusable JSON here is fatal: there is nothing to execute or refine.
func (p *Planner) generate(ctx context.Context, req PlanRequest, intent, apis, schemas, rejection, previousPlan string) (*Plan, string, error) {
	template := TemplatePlan
	vars := map[string]interface{}{
		"goal":    req.Goal,
		"context": req.Context,
		"apis":    apis,
		"schemas": schemas,
		"intent":  intent,
	}
	if rejection != "" {
		template = TemplateRefine
		vars["reason"] = rejection
		vars["previous_plan"] = previousPlan
	}

	prompt, err := p.renderer.Render(template, vars)
	if err != nil {
		return nil, "", err
	}

	response, err := p.aiClient.GenerateResponse(ctx, prompt, &core.AIOptions{
		Temperature:  p.config.GenerateTemperature,
		MaxTokens:    p.config.MaxTokens,
		SystemPrompt: "You are an orchestrator that creates execution plans of HTTP API calls.",
	})
	if err != nil {
		return nil, "", fmt.Errorf("plan generation: %w", err)
	}

	raw, err := ExtractJSON(response.Content)
	if err != nil {
		return nil, "", fmt.Errorf("plan generation: %w", err)
	}

	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, "", fmt.Errorf("plan generation: %w: %v", core.ErrMalformedJSON, err)
	}
	return &plan, raw, nil
}

// validatePlan asks for a strict plan-vs-goal judgment. Call failures
// degrade to "not yet valid" so the refine loop keeps control.
func (p *Planner) validatePlan(ctx context.Context, goal, planJSON string) (bool, string) {
	prompt, err := p.renderer.Render(TemplateValidatePlan, map[string]interface{}{
		"goal": goal,
		"plan": planJSON,
	})
	if err != nil {
		return false, err.Error()
	}

	response, err := p.aiClient.GenerateResponse(ctx, prompt, &core.AIOptions{
		Temperature: p.config.ValidateTemperature,
		MaxTokens:   500,
	})
	if err != nil {
		return false, fmt.Sprintf("validator unavailable: %v", err)
	}

	return ParseVerdict(response.Content)
}

// schemaCheck runs the non-blocking schema conformance pass
func (p *Planner) schemaCheck(ctx context.Context, planJSON, schemas string) []string {
	if planJSON == "" || strings.HasPrefix(schemas, "(") {
		return nil
	}

	prompt, err := p.renderer.Render(TemplateSchemaCheck, map[string]interface{}{
		"plan":    planJSON,
		"schemas": schemas,
	})
	if err != nil {
		return nil
	}

	response, err := p.aiClient.GenerateResponse(ctx, prompt, &core.AIOptions{
		Temperature: p.config.ValidateTemperature,
		MaxTokens:   500,
	})
	if err != nil {
		return nil
	}

	raw, err := ExtractJSON(response.Content)
	if err != nil {
		return nil
	}
	var parsed struct {
		Issues []string `json:"issues"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil
	}
	return parsed.Issues
}
