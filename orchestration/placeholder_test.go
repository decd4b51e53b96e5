package orchestration

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolverStep() ExecutionStep {
	return ExecutionStep{
		StepNumber:  2,
		Description: "Add the pokemon to the new team",
		API: &APICall{
			Method: "POST",
			Path:   "/api/teams/resolved_from_step_1/members",
			RequestBody: map[string]interface{}{
				"pokemon_id": float64(25),
			},
		},
	}
}

func TestDetectReferenceForms(t *testing.T) {
	r := NewPlaceholderResolver(nil, NewRenderer())

	tests := []struct {
		name  string
		step  ExecutionStep
		found bool
	}{
		{
			name:  "bare token in path",
			step:  resolverStep(),
			found: true,
		},
		{
			name: "braced reference in body",
			step: ExecutionStep{API: &APICall{
				Method:      "POST",
				Path:        "/api/teams",
				RequestBody: map[string]interface{}{"owner": "{{resolved_from_step_3.id}}"},
			}},
			found: true,
		},
		{
			name: "numeric shorthand",
			step: ExecutionStep{API: &APICall{
				Method:     "GET",
				Path:       "/api/items",
				Parameters: map[string]interface{}{"team": "{{1.id}}"},
			}},
			found: true,
		},
		{
			name: "no reference",
			step: ExecutionStep{API: &APICall{
				Method: "GET",
				Path:   "/api/teams/{teamId}",
			}},
			found: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.found, r.Detect(tt.step))
		})
	}
}

func TestReferencedStepNumber(t *testing.T) {
	n, ok := referencedStep(resolverStep())
	require.True(t, ok)
	assert.Equal(t, 1, n)

	n, ok = referencedStep(ExecutionStep{API: &APICall{
		Method:     "GET",
		Path:       "/api/x",
		Parameters: map[string]interface{}{"v": "{{4.result.id}}"},
	}})
	require.True(t, ok)
	assert.Equal(t, 4, n)
}

func TestExecutedStepLegacyShapes(t *testing.T) {
	records := []string{
		`{"step": 3, "description": "a", "response": {"id": 7}}`,
		`{"stepNumber": 3, "description": "b", "response": {"id": 7}}`,
		`{"step": {"step_number": 3}, "description": "c", "response": {"id": 7}}`,
	}
	for _, raw := range records {
		var rec ExecutedStep
		require.NoError(t, json.Unmarshal([]byte(raw), &rec), raw)
		assert.Equal(t, 3, rec.Step, raw)

		found, ok := findExecuted([]ExecutedStep{rec}, 3)
		require.True(t, ok, raw)
		assert.Equal(t, map[string]interface{}{"id": float64(7)}, found.Response)
	}
}

func TestFindExecutedReturnsFirstMatch(t *testing.T) {
	history := []ExecutedStep{
		{Step: 2, Iteration: 1, Response: "first"},
		{Step: 2, Iteration: 2, Response: "second"},
	}
	found, ok := findExecuted(history, 2)
	require.True(t, ok)
	assert.Equal(t, "first", found.Response)

	_, ok = findExecuted(history, 9)
	assert.False(t, ok)
}

func TestResolveMissingReference(t *testing.T) {
	ai := &mockAIClient{}
	r := NewPlaceholderResolver(ai, NewRenderer())

	step := resolverStep()
	out, result := r.Resolve(context.Background(), step, nil)

	assert.False(t, result.Resolved)
	assert.Equal(t, ReasonUnresolvedReference, result.Reason)
	assert.Equal(t, step, out)
	assert.Empty(t, ai.prompts, "no model call for a missing reference")
}

func TestResolveWithoutClient(t *testing.T) {
	r := NewPlaceholderResolver(nil, NewRenderer())
	_, result := r.Resolve(context.Background(), resolverStep(), []ExecutedStep{{Step: 1}})
	assert.Equal(t, ReasonConfigError, result.Reason)
}

func TestResolveSubstitutesValues(t *testing.T) {
	ai := &mockAIClient{rules: []aiRule{{
		match: promptResolve,
		content: `{"step_number": 2, "description": "Add the pokemon to the new team",
			"api": {"method": "POST", "path": "/api/teams/7/members",
			"requestBody": {"pokemon_id": 25}}}`,
	}}}
	r := NewPlaceholderResolver(ai, NewRenderer())

	history := []ExecutedStep{{Step: 1, Response: map[string]interface{}{"id": float64(7)}}}
	step := resolverStep()
	out, result := r.Resolve(context.Background(), step, history)

	require.True(t, result.Resolved)
	assert.Equal(t, "/api/teams/7/members", out.API.Path)
	assert.Equal(t, float64(25), out.API.RequestBody["pokemon_id"])

	// The plan template must survive for later iterations
	assert.Equal(t, "/api/teams/resolved_from_step_1/members", step.API.Path)
}

func TestResolveKeepsOmittedFields(t *testing.T) {
	// The model may echo only the fields it rewrote
	ai := &mockAIClient{rules: []aiRule{{
		match:   promptResolve,
		content: `{"api": {"method": "POST", "path": "/api/teams/7/members", "requestBody": {"pokemon_id": 25}}}`,
	}}}
	r := NewPlaceholderResolver(ai, NewRenderer())

	history := []ExecutedStep{{Step: 1, Response: map[string]interface{}{"id": float64(7)}}}
	out, result := r.Resolve(context.Background(), resolverStep(), history)

	require.True(t, result.Resolved)
	assert.Equal(t, 2, out.StepNumber)
	assert.Equal(t, "Add the pokemon to the new team", out.Description)
	assert.Equal(t, "/api/teams/7/members", out.API.Path)
}

func TestResolveUnusableModelOutput(t *testing.T) {
	ai := &mockAIClient{fallback: "I replaced the reference for you."}
	r := NewPlaceholderResolver(ai, NewRenderer())

	step := resolverStep()
	out, result := r.Resolve(context.Background(), step, []ExecutedStep{{Step: 1, Response: "x"}})

	assert.Equal(t, ReasonParseError, result.Reason)
	assert.Equal(t, step, out)
}
