package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/ElasticDash/ElasticDash-BE-sub001/core"
)

// RunRequest is one orchestration invocation: a user goal plus the call
// environment for the steps it will spawn
type RunRequest struct {
	Goal           string
	ConversationID string
	Context        string // serialized conversation context
	Intent         string // optional pre-classified intent
	ProjectID      string
	BaseURL        string
	UserToken      string
	Record         bool
}

// RunResult is the terminal shape of every orchestration run. Callers
// never receive a raw error from a full run; all internal failures are
// absorbed into an unachieved result with a StoppedReason.
type RunResult struct {
	RequestID     string         `json:"request_id"`
	Achieved      bool           `json:"achieved"`
	FinalAnswer   string         `json:"final_answer"`
	Steps         []ExecutedStep `json:"steps"`
	Iterations    int            `json:"iterations"`
	StoppedReason string         `json:"stopped_reason,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time"`
}

// IterativeOrchestrator is the top-level driver:
// PLAN -> EXECUTE -> POST_VALIDATE -> (DONE | REPLAN -> EXECUTE), bounded
// by MaxIterations. One invocation owns one run's execution history; runs
// for different requests share nothing mutable.
type IterativeOrchestrator struct {
	config    *OrchestratorConfig
	planner   *Planner
	executor  *StepExecutor
	loops     *LoopExpander
	validator *GoalValidator
	replanner *Replanner
	aiClient  core.AIClient
	retriever Retriever
	renderer  *Renderer
	store     RunStore
	logger    core.Logger
	telemetry core.Telemetry
}

// NewIterativeOrchestrator wires the full engine from its collaborators
func NewIterativeOrchestrator(config *OrchestratorConfig, aiClient core.AIClient, retriever Retriever, store RunStore) *IterativeOrchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	if store == nil {
		store = NoopRunStore{}
	}

	renderer := NewRenderer()
	resolver := NewPlaceholderResolver(aiClient, renderer)
	executor := NewStepExecutor(resolver, store)

	return &IterativeOrchestrator{
		config:    config,
		planner:   NewPlanner(aiClient, retriever, renderer, &config.Planner),
		executor:  executor,
		loops:     NewLoopExpander(aiClient, executor, renderer),
		validator: NewGoalValidator(aiClient, renderer),
		replanner: NewReplanner(aiClient, renderer),
		aiClient:  aiClient,
		retriever: retriever,
		renderer:  renderer,
		store:     store,
		telemetry: &core.NoOpTelemetry{},
	}
}

// SetLogger sets the logger and propagates it to sub-components
func (o *IterativeOrchestrator) SetLogger(logger core.Logger) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	o.logger = logger
	o.planner.SetLogger(logger)
	o.executor.SetLogger(logger)
	o.loops.SetLogger(logger)
	o.validator.SetLogger(logger)
	o.replanner.SetLogger(logger)
}

// SetTelemetry sets the telemetry provider
func (o *IterativeOrchestrator) SetTelemetry(telemetry core.Telemetry) {
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	o.telemetry = telemetry
	o.planner.SetTelemetry(telemetry)
}

// SetHTTPClient replaces the outbound HTTP client used for step execution
func (o *IterativeOrchestrator) SetHTTPClient(client *http.Client) {
	o.executor.SetHTTPClient(client)
}

// Run executes one full orchestration. The returned result is always
// non-nil and terminal; see RunResult.
func (o *IterativeOrchestrator) Run(ctx context.Context, req RunRequest) *RunResult {
	ctx, span := o.telemetry.StartSpan(ctx, "orchestrator.run")
	defer span.End()

	startTime := time.Now()
	requestID := uuid.New().String()
	span.SetAttribute("request_id", requestID)

	o.telemetry.RecordMetric("orchestrator.requests.total", 1, nil)

	if o.logger != nil {
		o.logger.Info("Starting orchestration run", map[string]interface{}{
			"operation":       "orchestration_run",
			"request_id":      requestID,
			"conversation_id": req.ConversationID,
			"goal_length":     len(req.Goal),
		})
	}

	// Run state: owned exclusively by this invocation, discarded on return
	executedSteps := make([]ExecutedStep, 0, 8)
	var currentPlan *Plan

	result := &RunResult{RequestID: requestID}
	defer func() {
		result.Steps = executedSteps
		result.ExecutionTime = time.Since(startTime)
		o.telemetry.RecordMetric("orchestrator.latency_ms", float64(result.ExecutionTime.Milliseconds()), nil)
		if o.logger != nil {
			o.logger.Info("Orchestration run finished", map[string]interface{}{
				"operation":      "orchestration_run_complete",
				"request_id":     requestID,
				"achieved":       result.Achieved,
				"iterations":     result.Iterations,
				"stopped_reason": result.StoppedReason,
				"duration_ms":    result.ExecutionTime.Milliseconds(),
			})
		}
	}()

	// PLAN: the full planner pipeline runs once; replan iterations bypass
	// it (no precheck/intent/validate loop on the replan path)
	planResult, err := o.planner.BuildPlan(ctx, PlanRequest{
		Goal:      req.Goal,
		Context:   req.Context,
		Intent:    req.Intent,
		ProjectID: req.ProjectID,
	})
	if err != nil {
		span.RecordError(err)
		result.StoppedReason = fmt.Sprintf("planning failed: %v", err)
		result.FinalAnswer = o.finalAnswer(ctx, req.Goal, executedSteps, false)
		return result
	}

	if planResult.Precompleted {
		result.Achieved = true
		result.FinalAnswer = planResult.Answer
		if result.FinalAnswer == "" {
			result.FinalAnswer = planResult.Message
		}
		return result
	}

	currentPlan = planResult.Plan
	if currentPlan.NeedsClarification {
		result.StoppedReason = "clarification required"
		result.FinalAnswer = currentPlan.ClarificationQuestion
		return result
	}
	if len(currentPlan.ExecutionPlan) == 0 {
		result.StoppedReason = "No execution steps generated"
		result.FinalAnswer = o.finalAnswer(ctx, req.Goal, executedSteps, false)
		return result
	}

	planID := o.recordPlan(ctx, req, currentPlan)

	for iteration := 1; iteration <= o.config.MaxIterations; iteration++ {
		result.Iterations = iteration

		// EXECUTE: steps run in declared order; records are appended
		// immediately so later steps in the same plan can resolve
		// placeholders against earlier ones
		executedSteps = o.executePlan(ctx, req, currentPlan, planID, executedSteps)

		// POST_VALIDATE over the cumulative history: achievement can draw
		// on evidence from earlier iterations too
		validation := o.validator.Validate(ctx, req.Goal, executedSteps, req.Context)
		if validation.Achieved {
			result.Achieved = true
			result.FinalAnswer = o.finalAnswer(ctx, req.Goal, executedSteps, true)
			o.telemetry.RecordMetric("orchestrator.requests.achieved", 1, nil)
			return result
		}

		if o.logger != nil {
			o.logger.Debug("Goal not yet achieved", map[string]interface{}{
				"operation":  "goal_validation",
				"request_id": requestID,
				"iteration":  iteration,
				"reason":     truncate(validation.Reason, 200),
			})
		}

		if iteration == o.config.MaxIterations {
			break
		}

		// REPLAN: a fresh plan addressing the validator's gap
		newPlan, err := o.replanner.Replan(ctx, ReplanRequest{
			Goal:             req.Goal,
			History:          executedSteps,
			ExecutionContext: req.Context,
			GoalValidation:   validation,
			Resources:        o.replanResources(ctx, req.Goal),
			Iteration:        iteration,
		})
		if err != nil {
			span.RecordError(err)
			result.StoppedReason = fmt.Sprintf("replanning failed at iteration %d: %v", iteration, err)
			result.FinalAnswer = o.finalAnswer(ctx, req.Goal, executedSteps, false)
			return result
		}
		if len(newPlan.ExecutionPlan) == 0 {
			result.StoppedReason = fmt.Sprintf("replanning produced no steps at iteration %d", iteration)
			result.FinalAnswer = o.finalAnswer(ctx, req.Goal, executedSteps, false)
			return result
		}
		currentPlan = newPlan
		planID = o.recordPlan(ctx, req, currentPlan)
	}

	result.StoppedReason = fmt.Sprintf("goal not achieved after %d iterations", o.config.MaxIterations)
	result.FinalAnswer = o.finalAnswer(ctx, req.Goal, executedSteps, false)
	return result
}

// executePlan runs every step of the plan in order, appending one record
// per step (or per loop iteration) to the history. A step panic aborts the
// remaining steps of this plan but is recorded as a failed step, so the run
// flows into post-validation with partial history instead of dying.
func (o *IterativeOrchestrator) executePlan(ctx context.Context, req RunRequest, plan *Plan, planID string, history []ExecutedStep) []ExecutedStep {
	for _, step := range plan.ExecutionPlan {
		records, aborted := o.executeStep(ctx, req, step, planID, history)
		history = append(history, records...)
		if aborted {
			break
		}
	}
	return history
}

// executeStep dispatches one plan step to the loop expander or the step
// executor and converts the outcome into history records
func (o *IterativeOrchestrator) executeStep(ctx context.Context, req RunRequest, step ExecutionStep, planID string, history []ExecutedStep) (records []ExecutedStep, aborted bool) {
	defer func() {
		if r := recover(); r != nil {
			if o.logger != nil {
				o.logger.Error("Step execution panic", map[string]interface{}{
					"operation":   "step_execution",
					"step_number": step.StepNumber,
					"panic":       fmt.Sprintf("%v", r),
					"stack":       string(debug.Stack()),
				})
			}
			records = append(records, ExecutedStep{
				Step:        step.StepNumber,
				Description: step.Description,
				API:         step.API,
				Error:       fmt.Sprintf("step %d execution panic: %v", step.StepNumber, r),
			})
			aborted = true
		}
	}()

	execReq := ExecuteRequest{
		Step:      step,
		BaseURL:   req.BaseURL,
		UserToken: req.UserToken,
		History:   history,
		Record:    req.Record,
		PlanID:    planID,
	}

	if step.Loop != nil {
		loopResult := o.loops.Expand(ctx, execReq)
		if loopResult.Error != "" {
			return []ExecutedStep{{
				Step:        step.StepNumber,
				Description: step.Description,
				API:         step.API,
				Error:       loopResult.Error,
			}}, false
		}
		for _, it := range loopResult.Iterations {
			records = append(records, ExecutedStep{
				Step:        step.StepNumber,
				Iteration:   it.Iteration,
				Description: it.Description,
				API:         it.API,
				Response:    it.Result.Response,
				Error:       it.Result.Error,
			})
		}
		return records, false
	}

	execResult := o.executor.Execute(ctx, execReq)
	return []ExecutedStep{{
		Step:        step.StepNumber,
		Description: step.Description,
		API:         step.API,
		Response:    execResult.Response,
		Error:       execResult.Error,
	}}, false
}

// finalAnswer produces the user-facing answer. Achieved runs get one LLM
// call over the executed steps; failures of that call, and unachieved runs
// with nothing better, fall back to a plain summary.
func (o *IterativeOrchestrator) finalAnswer(ctx context.Context, goal string, history []ExecutedStep, achieved bool) string {
	if o.aiClient != nil && len(history) > 0 {
		stepsJSON, _ := json.MarshalIndent(summarizeHistory(history), "", "  ")
		prompt, err := o.renderer.Render(TemplateFinalAnswer, map[string]interface{}{
			"goal":  goal,
			"steps": string(stepsJSON),
		})
		if err == nil {
			response, err := o.aiClient.GenerateResponse(ctx, prompt, &core.AIOptions{
				Temperature: 0.5,
				MaxTokens:   800,
			})
			if err == nil && response.Content != "" {
				return response.Content
			}
		}
	}

	if achieved {
		return "Done."
	}
	if len(history) == 0 {
		return "I could not produce an execution plan for this request."
	}
	return fmt.Sprintf("I executed %d step(s) but could not fully complete the request.", len(history))
}

// replanResources refreshes the API catalog for the replanner
func (o *IterativeOrchestrator) replanResources(ctx context.Context, goal string) []Resource {
	if o.retriever == nil {
		return nil
	}
	resources, err := o.retriever.Search(ctx, goal, "api", o.config.Planner.TopK)
	if err != nil {
		return nil
	}
	return resources
}

// recordPlan persists the plan snapshot, best-effort
func (o *IterativeOrchestrator) recordPlan(ctx context.Context, req RunRequest, plan *Plan) string {
	if !req.Record {
		return ""
	}
	planID, err := o.store.CreatePlan(ctx, req.ConversationID, plan)
	if err != nil {
		if o.logger != nil {
			o.logger.Warn("Failed to persist plan", map[string]interface{}{
				"operation":       "plan_record",
				"conversation_id": req.ConversationID,
				"error":           err.Error(),
			})
		}
		return ""
	}
	return planID
}
