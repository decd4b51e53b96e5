package orchestration

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ElasticDash/ElasticDash-BE-sub001/core"
)

const teamPlanJSON = `{
	"needs_clarification": false,
	"execution_plan": [
		{"step_number": 1, "description": "Create team Alpha",
		 "api": {"method": "POST", "path": "/api/teams", "requestBody": {"name": "Alpha"}}},
		{"step_number": 2, "description": "Add pikachu to the team",
		 "api": {"method": "POST", "path": "/api/teams/resolved_from_step_1/members",
		         "requestBody": {"pokemon_id": 25}}}
	]
}`

func newTestOrchestrator(ai *mockAIClient, fn roundTripFunc, store RunStore) *IterativeOrchestrator {
	o := NewIterativeOrchestrator(DefaultConfig(), ai, nil, store)
	o.SetHTTPClient(newTestHTTPClient(fn))
	return o
}

func TestRunEndToEnd(t *testing.T) {
	ai := &mockAIClient{rules: []aiRule{
		{match: promptPrecheck, content: `{"completed": false}`},
		{match: promptIntent, content: "MODIFY"},
		{match: promptValidatePlan, content: "true"},
		{match: promptPlan, content: teamPlanJSON},
		{match: promptResolve, content: `{"step_number": 2, "description": "Add pikachu to the team",
			"api": {"method": "POST", "path": "/api/teams/7/members", "requestBody": {"pokemon_id": 25}}}`},
		{match: promptGoalValidate, content: `{"achieved": true, "reason": "both steps succeeded"}`},
		{match: promptFinalAnswer, content: "Team Alpha was created and pikachu was added."},
	}}

	var urls []string
	o := newTestOrchestrator(ai, func(r *http.Request) (*http.Response, error) {
		urls = append(urls, r.Method+" "+r.URL.Path)
		switch r.URL.Path {
		case "/api/teams":
			return jsonResponse(201, `{"id": 7, "name": "Alpha"}`), nil
		case "/api/teams/7/members":
			return jsonResponse(200, `{"ok": true}`), nil
		}
		return jsonResponse(404, `{"message": "not found"}`), nil
	}, nil)

	result := o.Run(context.Background(), RunRequest{
		Goal:      "Create a team called Alpha and add pikachu (id 25) to it",
		BaseURL:   "http://api.local",
		UserToken: "tok",
	})

	assert.True(t, result.Achieved)
	assert.Equal(t, "Team Alpha was created and pikachu was added.", result.FinalAnswer)
	assert.Equal(t, 1, result.Iterations)
	assert.Empty(t, result.StoppedReason)
	assert.NotEmpty(t, result.RequestID)

	require.Len(t, result.Steps, 2)
	assert.Equal(t, 1, result.Steps[0].Step)
	assert.Empty(t, result.Steps[0].Error)
	assert.Equal(t, 2, result.Steps[1].Step)
	assert.Empty(t, result.Steps[1].Error)

	// The cross-step reference must have been resolved before the call
	assert.Equal(t, []string{"POST /api/teams", "POST /api/teams/7/members"}, urls)
}

func TestRunPrecompleted(t *testing.T) {
	ai := &mockAIClient{rules: []aiRule{
		{match: promptPrecheck, content: `{"completed": true, "answer": "You already have 3 teams."}`},
	}}
	o := newTestOrchestrator(ai, func(r *http.Request) (*http.Response, error) {
		t.Fatal("no requests expected for a precompleted goal")
		return nil, nil
	}, nil)

	result := o.Run(context.Background(), RunRequest{Goal: "How many teams do I have?"})

	assert.True(t, result.Achieved)
	assert.Equal(t, "You already have 3 teams.", result.FinalAnswer)
	assert.Empty(t, result.Steps)
	assert.Zero(t, result.Iterations)
}

func TestRunClarification(t *testing.T) {
	ai := &mockAIClient{rules: []aiRule{
		{match: promptPrecheck, content: `{"completed": false}`},
		{match: promptIntent, content: "MODIFY"},
		{match: promptPlan, content: `{"needs_clarification": true, "clarification_question": "Which team should pikachu join?", "execution_plan": []}`},
	}}
	o := newTestOrchestrator(ai, nil, nil)

	result := o.Run(context.Background(), RunRequest{Goal: "add pikachu"})

	assert.False(t, result.Achieved)
	assert.Equal(t, "Which team should pikachu join?", result.FinalAnswer)
	assert.Equal(t, "clarification required", result.StoppedReason)
	assert.Empty(t, result.Steps)
}

func TestRunEmptyPlan(t *testing.T) {
	ai := &mockAIClient{rules: []aiRule{
		{match: promptPrecheck, content: `{"completed": false}`},
		{match: promptIntent, content: "FETCH"},
		{match: promptValidatePlan, content: "true"},
		{match: promptPlan, content: `{"needs_clarification": false, "execution_plan": []}`},
	}}
	o := newTestOrchestrator(ai, nil, nil)

	result := o.Run(context.Background(), RunRequest{Goal: "do nothing"})

	assert.False(t, result.Achieved)
	assert.Equal(t, "No execution steps generated", result.StoppedReason)
}

func TestRunPlanningFailure(t *testing.T) {
	ai := &mockAIClient{rules: []aiRule{
		{match: promptPrecheck, content: `{"completed": false}`},
		{match: promptIntent, content: "FETCH"},
		{match: promptPlan, content: "no json here"},
	}}
	o := newTestOrchestrator(ai, nil, nil)

	result := o.Run(context.Background(), RunRequest{Goal: "g"})

	assert.False(t, result.Achieved)
	assert.Contains(t, result.StoppedReason, "planning failed")
	assert.NotEmpty(t, result.FinalAnswer)
}

func TestRunReplansUntilAchieved(t *testing.T) {
	singleStepPlan := `{
		"needs_clarification": false,
		"execution_plan": [
			{"step_number": 1, "description": "List teams",
			 "api": {"method": "GET", "path": "/api/teams"}}
		]
	}`

	goalValidations := 0
	ai := &sequencedGoalAI{
		inner: &mockAIClient{rules: []aiRule{
			{match: promptPrecheck, content: `{"completed": false}`},
			{match: promptIntent, content: "FETCH"},
			{match: promptValidatePlan, content: "true"},
			{match: promptReplan, content: singleStepPlan},
			{match: promptPlan, content: singleStepPlan},
			{match: promptFinalAnswer, content: "Here are your teams."},
		}},
		count: &goalValidations,
		verdicts: []string{
			`{"achieved": false, "reason": "pagination incomplete", "missingItems": ["page 2"]}`,
			`{"achieved": true, "reason": "all pages fetched"}`,
		},
	}

	o := newTestOrchestrator(ai.inner, nil, nil)
	o.aiClient = ai
	o.planner = NewPlanner(ai, nil, NewRenderer(), &DefaultConfig().Planner)
	o.validator = NewGoalValidator(ai, NewRenderer())
	o.replanner = NewReplanner(ai, NewRenderer())
	o.SetHTTPClient(newTestHTTPClient(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"result": [{"id": 1}]}`), nil
	}))

	result := o.Run(context.Background(), RunRequest{Goal: "collect every team", BaseURL: "http://api.local"})

	assert.True(t, result.Achieved)
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, 2, goalValidations)
	assert.Len(t, result.Steps, 2, "history accumulates across iterations")
	assert.Equal(t, 1, ai.inner.promptCount(promptPlan))
	assert.Equal(t, 1, ai.inner.promptCount(promptReplan))
}

func TestRunIterationCap(t *testing.T) {
	singleStepPlan := `{
		"needs_clarification": false,
		"execution_plan": [
			{"step_number": 1, "description": "Probe the backlog",
			 "api": {"method": "GET", "path": "/api/backlog"}}
		]
	}`
	ai := &mockAIClient{rules: []aiRule{
		{match: promptPrecheck, content: `{"completed": false}`},
		{match: promptIntent, content: "FETCH"},
		{match: promptValidatePlan, content: "true"},
		{match: promptGoalValidate, content: `{"achieved": false, "reason": "still incomplete"}`},
		{match: promptReplan, content: singleStepPlan},
		{match: promptPlan, content: singleStepPlan},
		{match: promptFinalAnswer, content: "I could not finish the backlog sweep."},
	}}

	o := newTestOrchestrator(ai, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"items": [1]}`), nil
	}, nil)

	result := o.Run(context.Background(), RunRequest{Goal: "drain the backlog", BaseURL: "http://api.local"})

	assert.False(t, result.Achieved)
	assert.Equal(t, 20, result.Iterations)
	assert.Contains(t, result.StoppedReason, "20 iterations")
	assert.Len(t, result.Steps, 20)
	assert.Equal(t, 19, ai.promptCount(promptReplan), "no replan after the final iteration")
}

func TestRunStepPanicRecorded(t *testing.T) {
	ai := &mockAIClient{rules: []aiRule{
		{match: promptPrecheck, content: `{"completed": false}`},
		{match: promptIntent, content: "FETCH"},
		{match: promptValidatePlan, content: "true"},
		{match: promptPlan, content: teamPlanJSON},
		{match: promptResolve, err: assert.AnError},
		{match: promptGoalValidate, content: `{"achieved": false, "reason": "execution aborted"}`},
		{match: promptReplan, err: assert.AnError},
		{match: promptFinalAnswer, content: "Something went wrong."},
	}}

	o := newTestOrchestrator(ai, func(r *http.Request) (*http.Response, error) {
		panic("transport exploded")
	}, nil)

	result := o.Run(context.Background(), RunRequest{Goal: "create the team", BaseURL: "http://api.local"})

	assert.False(t, result.Achieved)
	require.NotEmpty(t, result.Steps)
	assert.Contains(t, result.Steps[0].Error, "panic")
	// The panicking step aborts the remainder of its plan
	assert.Len(t, result.Steps, 1)
}

func TestRunRecordsPlansAndSteps(t *testing.T) {
	ai := &mockAIClient{rules: []aiRule{
		{match: promptPrecheck, content: `{"completed": false}`},
		{match: promptIntent, content: "FETCH"},
		{match: promptValidatePlan, content: "true"},
		{match: promptPlan, content: `{"needs_clarification": false, "execution_plan": [
			{"step_number": 1, "description": "List teams", "api": {"method": "GET", "path": "/api/teams"}}
		]}`},
		{match: promptGoalValidate, content: `{"achieved": true, "reason": "done"}`},
		{match: promptFinalAnswer, content: "Done."},
	}}
	store := newMemoryRunStore()

	o := newTestOrchestrator(ai, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(200, `[]`), nil
	}, store)

	result := o.Run(context.Background(), RunRequest{
		Goal:           "list teams",
		ConversationID: "conv-1",
		BaseURL:        "http://api.local",
		Record:         true,
	})

	assert.True(t, result.Achieved)
	assert.Len(t, store.plans, 1)
	assert.Len(t, store.steps, 1)
}

// sequencedGoalAI returns goal-validation verdicts in order while delegating
// every other prompt to the wrapped mock
type sequencedGoalAI struct {
	inner    *mockAIClient
	verdicts []string
	count    *int
}

func (s *sequencedGoalAI) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	if strings.Contains(prompt, promptGoalValidate) {
		i := *s.count
		*s.count = i + 1
		if i < len(s.verdicts) {
			return &core.AIResponse{Content: s.verdicts[i]}, nil
		}
		return &core.AIResponse{Content: s.verdicts[len(s.verdicts)-1]}, nil
	}
	return s.inner.GenerateResponse(ctx, prompt, options)
}
