package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ElasticDash/ElasticDash-BE-sub001/core"
)

var listingGoalPattern = regexp.MustCompile(`(?i)\b(list|show my|fetch|get|view|display|check)\b`)

// GoalValidator judges post-execution whether the executed steps actually
// satisfied the user's goal
type GoalValidator struct {
	aiClient core.AIClient
	renderer *Renderer
	logger   core.Logger
}

// NewGoalValidator creates a goal validator
func NewGoalValidator(aiClient core.AIClient, renderer *Renderer) *GoalValidator {
	return &GoalValidator{
		aiClient: aiClient,
		renderer: renderer,
	}
}

// SetLogger sets the logger provider
func (v *GoalValidator) SetLogger(logger core.Logger) {
	if logger == nil {
		v.logger = &core.NoOpLogger{}
	} else {
		v.logger = logger
	}
}

// Validate returns the semantic verdict over the cumulative execution
// history. It never returns an error: verdict parse failures degrade to a
// conservative "not achieved".
func (v *GoalValidator) Validate(ctx context.Context, goal string, history []ExecutedStep, executionContext string) GoalValidation {
	if len(history) == 0 {
		return GoalValidation{
			Achieved: false,
			Reason:   "no steps were executed",
		}
	}

	// Any recorded step error means the goal cannot have been achieved;
	// no model call needed to decide that
	var failed []string
	for _, step := range history {
		if step.Error != "" {
			failed = append(failed, step.Description)
		}
	}
	if len(failed) > 0 {
		return GoalValidation{
			Achieved:     false,
			Reason:       fmt.Sprintf("%d step(s) failed: %s", len(failed), strings.Join(failed, "; ")),
			MissingItems: failed,
		}
	}

	// An empty collection is a legitimate answer to a listing goal; asking
	// the model about it tends to produce a misleading "nothing was found
	// so the goal failed" verdict
	last := history[len(history)-1]
	if listingGoalPattern.MatchString(goal) && isEmptyCollection(last.Response) {
		if v.logger != nil {
			v.logger.Debug("Empty result accepted for listing goal", map[string]interface{}{
				"operation": "goal_validation",
				"goal":      truncate(goal, 80),
			})
		}
		return GoalValidation{
			Achieved:       true,
			Reason:         "the query succeeded and returned no matching items; an empty result is a valid answer",
			CompletedItems: []string{last.Description},
		}
	}

	if v.aiClient == nil {
		return GoalValidation{Achieved: false, Reason: "goal validation unavailable"}
	}

	stepsJSON, _ := json.MarshalIndent(summarizeHistory(history), "", "  ")
	prompt, err := v.renderer.Render(TemplateGoalValidation, map[string]interface{}{
		"goal":    goal,
		"steps":   string(stepsJSON),
		"context": executionContext,
	})
	if err != nil {
		return GoalValidation{Achieved: false, Reason: err.Error()}
	}

	response, err := v.aiClient.GenerateResponse(ctx, prompt, &core.AIOptions{
		Temperature: 0.1,
		MaxTokens:   800,
	})
	if err != nil {
		return GoalValidation{Achieved: false, Reason: fmt.Sprintf("goal validation call failed: %v", err)}
	}

	raw, err := ExtractJSON(response.Content)
	if err != nil {
		return GoalValidation{Achieved: false, Reason: "goal validation produced no usable verdict"}
	}

	var verdict GoalValidation
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return GoalValidation{Achieved: false, Reason: "goal validation produced no usable verdict"}
	}
	return verdict
}

// isEmptyCollection recognizes the empty-result shapes the backend API
// produces: [], {result: []} and {result: {rows: []}}
func isEmptyCollection(response interface{}) bool {
	switch v := response.(type) {
	case nil:
		return false
	case []interface{}:
		return len(v) == 0
	case map[string]interface{}:
		result, ok := v["result"]
		if !ok {
			return false
		}
		switch r := result.(type) {
		case []interface{}:
			return len(r) == 0
		case map[string]interface{}:
			if rows, ok := r["rows"].([]interface{}); ok {
				return len(rows) == 0
			}
		}
	}
	return false
}

// summarizeHistory trims responses so the verdict prompt stays bounded
func summarizeHistory(history []ExecutedStep) []map[string]interface{} {
	summary := make([]map[string]interface{}, len(history))
	for i, step := range history {
		entry := map[string]interface{}{
			"step":        step.Step,
			"description": step.Description,
		}
		if step.Iteration > 0 {
			entry["iteration"] = step.Iteration
		}
		if step.Error != "" {
			entry["error"] = step.Error
		}
		if step.Response != nil {
			data, err := json.Marshal(step.Response)
			if err == nil && len(data) > 2000 {
				entry["response"] = string(data[:2000]) + "...[truncated]"
			} else {
				entry["response"] = step.Response
			}
		}
		summary[i] = entry
	}
	return summary
}
