package orchestration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEmptyHistory(t *testing.T) {
	ai := &mockAIClient{}
	v := NewGoalValidator(ai, NewRenderer())

	verdict := v.Validate(context.Background(), "list my teams", nil, "")
	assert.False(t, verdict.Achieved)
	assert.Empty(t, ai.prompts)
}

func TestValidateFailedStepShortCircuits(t *testing.T) {
	ai := &mockAIClient{}
	v := NewGoalValidator(ai, NewRenderer())

	history := []ExecutedStep{
		{Step: 1, Description: "Create team Alpha", Response: map[string]interface{}{"id": 7}},
		{Step: 2, Description: "Add pikachu", Error: ReasonUnresolvedReference},
	}
	verdict := v.Validate(context.Background(), "create a team with pikachu", history, "")

	assert.False(t, verdict.Achieved)
	assert.Contains(t, verdict.Reason, "Add pikachu")
	assert.Equal(t, []string{"Add pikachu"}, verdict.MissingItems)
	assert.Empty(t, ai.prompts, "a failed step decides the verdict without a model call")
}

func TestValidateEmptyListingResult(t *testing.T) {
	ai := &mockAIClient{}
	v := NewGoalValidator(ai, NewRenderer())

	tests := []struct {
		name     string
		response interface{}
	}{
		{"bare array", []interface{}{}},
		{"result array", map[string]interface{}{"result": []interface{}{}}},
		{"result rows", map[string]interface{}{"result": map[string]interface{}{"rows": []interface{}{}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history := []ExecutedStep{{Step: 1, Description: "List watchlist", Response: tt.response}}
			verdict := v.Validate(context.Background(), "show my watchlist", history, "")

			assert.True(t, verdict.Achieved)
			assert.Empty(t, ai.prompts, "an empty collection answers a listing goal directly")
		})
	}
}

func TestValidateEmptyResultNonListingGoalAsksModel(t *testing.T) {
	ai := &mockAIClient{rules: []aiRule{{
		match:   promptGoalValidate,
		content: `{"achieved": false, "reason": "nothing was created"}`,
	}}}
	v := NewGoalValidator(ai, NewRenderer())

	history := []ExecutedStep{{Step: 1, Description: "Create team", Response: []interface{}{}}}
	verdict := v.Validate(context.Background(), "create a new team", history, "")

	assert.False(t, verdict.Achieved)
	assert.Equal(t, 1, ai.promptCount(promptGoalValidate))
}

func TestValidateModelVerdict(t *testing.T) {
	ai := &mockAIClient{rules: []aiRule{{
		match: promptGoalValidate,
		content: `{"achieved": true, "reason": "team created and member added",
			"completedItems": ["create team", "add member"]}`,
	}}}
	v := NewGoalValidator(ai, NewRenderer())

	history := []ExecutedStep{
		{Step: 1, Description: "Create team", Response: map[string]interface{}{"id": 7}},
		{Step: 2, Description: "Add member", Response: map[string]interface{}{"ok": true}},
	}
	verdict := v.Validate(context.Background(), "create a team with pikachu", history, "")

	require.True(t, verdict.Achieved)
	assert.Equal(t, []string{"create team", "add member"}, verdict.CompletedItems)
}

func TestValidateUnusableVerdictDegrades(t *testing.T) {
	ai := &mockAIClient{fallback: "Looks good to me!"}
	v := NewGoalValidator(ai, NewRenderer())

	history := []ExecutedStep{{Step: 1, Description: "Create team", Response: map[string]interface{}{"id": 7}}}
	verdict := v.Validate(context.Background(), "create a team", history, "")

	// Unparseable verdicts never count as achievement
	assert.False(t, verdict.Achieved)
	assert.NotEmpty(t, verdict.Reason)
}

func TestIsEmptyCollection(t *testing.T) {
	assert.True(t, isEmptyCollection([]interface{}{}))
	assert.True(t, isEmptyCollection(map[string]interface{}{"result": []interface{}{}}))
	assert.True(t, isEmptyCollection(map[string]interface{}{"result": map[string]interface{}{"rows": []interface{}{}}}))

	assert.False(t, isEmptyCollection(nil))
	assert.False(t, isEmptyCollection([]interface{}{1}))
	assert.False(t, isEmptyCollection(map[string]interface{}{"id": 7}))
	assert.False(t, isEmptyCollection(map[string]interface{}{"result": map[string]interface{}{"rows": []interface{}{1}}}))
}
