package orchestration

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"

	"github.com/ElasticDash/ElasticDash-BE-sub001/core"
)

// Cross-step reference patterns. Three forms are tolerated:
//
//	resolved_from_step_3
//	{{resolved_from_step_3.field}}
//	{{3.field}}   (malformed shorthand, treated as the second form)
var (
	refBarePattern      = regexp.MustCompile(`resolved_from_step_(\d+)`)
	refBracedPattern    = regexp.MustCompile(`\{\{\s*resolved_from_step_(\d+)(?:\.[A-Za-z0-9_.\[\]]+)?\s*\}\}`)
	refShorthandPattern = regexp.MustCompile(`\{\{\s*(\d+)\.[A-Za-z0-9_.\[\]]+\s*\}\}`)
)

// ResolveResult is the tagged outcome of a placeholder resolution.
// Resolution never produces a Go error; every failure mode is a reason code.
type ResolveResult struct {
	Resolved bool   `json:"resolved"`
	Reason   string `json:"reason,omitempty"`
}

// PlaceholderResolver rewrites cross-step data references inside a step's
// parameters using prior step outputs plus one LLM call for the free-form
// value extraction.
type PlaceholderResolver struct {
	aiClient core.AIClient
	renderer *Renderer
	logger   core.Logger
}

// NewPlaceholderResolver creates a placeholder resolver
func NewPlaceholderResolver(aiClient core.AIClient, renderer *Renderer) *PlaceholderResolver {
	return &PlaceholderResolver{
		aiClient: aiClient,
		renderer: renderer,
	}
}

// SetLogger sets the logger provider
func (r *PlaceholderResolver) SetLogger(logger core.Logger) {
	if logger == nil {
		r.logger = &core.NoOpLogger{}
	} else {
		r.logger = logger
	}
}

// Detect reports whether any string leaf of the step carries a cross-step
// reference. The scan is recursive through objects and arrays.
func (r *PlaceholderResolver) Detect(step ExecutionStep) bool {
	_, found := referencedStep(step)
	return found
}

// referencedStep locates the step number of the first reference found in a
// structural scan of the step. Only one referenced step is supported per
// resolution call: when a step references several distinct prior steps the
// first match wins and the rest are left untouched. Known limitation,
// preserved deliberately.
func referencedStep(step ExecutionStep) (int, bool) {
	data, err := json.Marshal(step)
	if err != nil {
		return 0, false
	}
	s := string(data)

	// The braced form contains the bare token, so the bare pattern finds
	// both; the shorthand only matters when no named reference exists.
	for _, pattern := range []*regexp.Regexp{refBarePattern, refShorthandPattern} {
		if m := pattern.FindStringSubmatch(s); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// Resolve returns a copy of the step with references to the given prior
// step's output substituted by concrete values. The input step is never
// mutated; on failure the original step is returned alongside the tagged
// reason (config-error, unresolved-reference, parse-error).
func (r *PlaceholderResolver) Resolve(ctx context.Context, step ExecutionStep, history []ExecutedStep) (ExecutionStep, ResolveResult) {
	refStep, found := referencedStep(step)
	if !found {
		return step, ResolveResult{Resolved: true}
	}

	if r.aiClient == nil {
		return step, ResolveResult{Reason: ReasonConfigError}
	}

	executed, ok := findExecuted(history, refStep)
	if !ok {
		if r.logger != nil {
			r.logger.Warn("Referenced step not yet executed", map[string]interface{}{
				"operation":       "placeholder_resolution",
				"step_number":     step.StepNumber,
				"referenced_step": refStep,
			})
		}
		return step, ResolveResult{Reason: ReasonUnresolvedReference}
	}

	stepJSON, _ := json.MarshalIndent(step, "", "  ")
	refJSON, _ := json.MarshalIndent(executed.Response, "", "  ")

	prompt, err := r.renderer.Render(TemplateResolve, map[string]interface{}{
		"step":         string(stepJSON),
		"ref_step":     refStep,
		"ref_response": string(refJSON),
	})
	if err != nil {
		return step, ResolveResult{Reason: ReasonConfigError}
	}

	response, err := r.aiClient.GenerateResponse(ctx, prompt, &core.AIOptions{
		Temperature: 0.1,
		MaxTokens:   1500,
	})
	if err != nil {
		if core.IsConfigurationError(err) {
			return step, ResolveResult{Reason: ReasonConfigError}
		}
		return step, ResolveResult{Reason: ReasonParseError}
	}

	raw, err := ExtractJSON(response.Content)
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("Unusable resolution response", map[string]interface{}{
				"operation":   "placeholder_resolution",
				"step_number": step.StepNumber,
				"error":       err.Error(),
			})
		}
		return step, ResolveResult{Reason: ReasonParseError}
	}

	var patch map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &patch); err != nil {
		return step, ResolveResult{Reason: ReasonParseError}
	}

	resolved, err := mergeStep(step, patch)
	if err != nil {
		return step, ResolveResult{Reason: ReasonParseError}
	}

	if r.logger != nil {
		r.logger.Debug("Placeholder resolution successful", map[string]interface{}{
			"operation":       "placeholder_resolution",
			"step_number":     step.StepNumber,
			"referenced_step": refStep,
		})
	}
	return resolved, ResolveResult{Resolved: true}
}

// mergeStep shallow-merges the model's rewritten fields onto the original
// step, so fields the model omitted survive unchanged
func mergeStep(step ExecutionStep, patch map[string]interface{}) (ExecutionStep, error) {
	base, err := json.Marshal(step)
	if err != nil {
		return step, err
	}
	var merged map[string]interface{}
	if err := json.Unmarshal(base, &merged); err != nil {
		return step, err
	}
	for k, v := range patch {
		merged[k] = v
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return step, err
	}
	var result ExecutionStep
	if err := json.Unmarshal(out, &result); err != nil {
		return step, err
	}
	return result, nil
}
