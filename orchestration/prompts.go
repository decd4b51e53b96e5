package orchestration

import (
	"fmt"
	"regexp"
)

// Renderer performs simple {{var}} substitution on named templates.
// Missing variables are left as literal placeholders rather than blanked:
// a {{goal}} surviving into a prompt is an immediate signal of incomplete
// variable wiring.
type Renderer struct {
	templates map[string]string
}

var templateVarPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// NewRenderer creates a renderer over the built-in templates
func NewRenderer() *Renderer {
	return &Renderer{templates: builtinTemplates}
}

// Render substitutes variables into the named template
func (r *Renderer) Render(name string, vars map[string]interface{}) (string, error) {
	tmpl, ok := r.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown template %q", name)
	}

	return templateVarPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		key := templateVarPattern.FindStringSubmatch(match)[1]
		if v, ok := vars[key]; ok {
			return fmt.Sprintf("%v", v)
		}
		return match
	}), nil
}

// Template names
const (
	TemplatePrecheck       = "precheck"
	TemplateIntent         = "intent"
	TemplatePlan           = "plan"
	TemplateRefine         = "refine"
	TemplateValidatePlan   = "validate_plan"
	TemplateSchemaCheck    = "schema_check"
	TemplateResolve        = "resolve"
	TemplateLoopExpand     = "loop_expand"
	TemplateGoalValidation = "goal_validation"
	TemplateReplan         = "replan"
	TemplateFinalAnswer    = "final_answer"
)

const planSchemaBlock = `Respond with JSON in exactly this structure:
{
  "needs_clarification": false,
  "clarification_question": null,
  "execution_plan": [
    {
      "step_number": 1,
      "description": "what this step does",
      "api": {
        "method": "POST",
        "path": "/api/teams",
        "parameters": {"string_param": "text", "number_param": 42.5},
        "requestBody": {"name": "value"}
      }
    }
  ]
}

CRITICAL - Parameter Type Rules:
- Parameters with type "number" or "integer" MUST be JSON numbers, NOT strings
- Parameters with type "boolean" MUST be JSON booleans, NOT strings
- Only string parameters should be quoted

Data dependencies between steps:
- When a step needs a value produced by an earlier step, reference it as
  resolved_from_step_<N> or {{resolved_from_step_<N>.field}}
- When a step must run once per element of an earlier step's response, emit a
  "loop" field: {"over": "resolved_from_step_<N>", "extractPath": "...", "as": "item"}
  and describe the per-iteration call in "api" using {{item.field}} references`

var builtinTemplates = map[string]string{
	TemplatePrecheck: `You are checking whether a user's goal is already satisfied by data available in the conversation so far.

Goal: {{goal}}

Conversation context:
{{context}}

Respond with JSON only: {"completed": true|false, "answer": "the answer drawn from existing data, if completed"}`,

	TemplateIntent: `Classify the user request into exactly one intent.

Request: {{goal}}

Intents:
- FETCH: the user wants to read, list, view or check data
- MODIFY: the user wants to create, update, delete or otherwise change data

Respond with the single intent word only.`,

	TemplatePlan: `You are an orchestrator that turns a user goal into a sequence of HTTP API calls.

Available API endpoints:
{{apis}}

Relevant table schemas:
{{schemas}}

Conversation context:
{{context}}

User goal: {{goal}}

Create the shortest execution plan that fulfils the goal.
If the goal is ambiguous, set needs_clarification and ask one question instead of planning.

` + planSchemaBlock + `

Response (JSON only, no explanation):`,

	TemplateRefine: `You are an orchestrator that turns a user goal into a sequence of HTTP API calls.

Available API endpoints:
{{apis}}

Relevant table schemas:
{{schemas}}

Conversation context:
{{context}}

User goal: {{goal}}

Your previous plan was rejected by a reviewer for this reason:
{{reason}}

Previous plan:
{{previous_plan}}

Produce a corrected plan that addresses the rejection.

` + planSchemaBlock + `

Response (JSON only, no explanation):`,

	TemplateValidatePlan: `You are a strict reviewer. Decide whether the execution plan below fully achieves the user goal.

User goal: {{goal}}

Execution plan:
{{plan}}

If the plan fully achieves the goal, respond with exactly: true
Otherwise respond with a short explanation of what is wrong or missing. Do not respond with JSON.`,

	TemplateSchemaCheck: `Check the execution plan below against the table schemas. List any field names, types or required columns the plan gets wrong.

Table schemas:
{{schemas}}

Execution plan:
{{plan}}

Respond with JSON only: {"issues": ["..."]} with an empty array when the plan conforms.`,

	TemplateResolve: `A plan step references output from a previously executed step. Substitute the concrete values.

Step needing resolution:
{{step}}

Response of step {{ref_step}}:
{{ref_response}}

Replace every resolved_from_step_{{ref_step}} reference (including {{ and }} wrapped forms) with the concrete value from the response. Keep value types intact: numeric values must be JSON numbers, not quoted strings.

Respond with ONLY the rewritten step JSON. No explanation, no markdown.`,

	TemplateLoopExpand: `A plan step must run once per element of a data source. Materialize the concrete iterations.

Step template:
{{step}}

Source data{{extract_hint}}:
{{source}}

For every element of the source, emit one complete API call with all field mapping and path substitution already performed. An empty source yields an empty iterations array.

Respond with JSON only:
{"iterations": [{"description": "...", "api": {"method": "...", "path": "...", "parameters": {}, "requestBody": {}}}]}`,

	TemplateGoalValidation: `You are judging whether executed API calls satisfied the user's goal.

User goal: {{goal}}

Executed steps:
{{steps}}

Execution context:
{{context}}

Respond with JSON only:
{"achieved": true|false, "reason": "...", "completedItems": ["..."], "missingItems": ["..."]}`,

	TemplateReplan: `A previous execution plan did not fully achieve the user's goal. Produce a new plan that closes the gap.

User goal: {{goal}}

What was executed (iteration {{iteration}}):
{{steps}}

Goal validation verdict:
{{validation}}

Completed: {{completed_items}}
Still missing: {{missing_items}}

Available API endpoints:
{{apis}}

Plan ONLY the remaining work; do not repeat calls that already succeeded unless their output is required again.

` + planSchemaBlock + `

Response (JSON only, no explanation):`,

	TemplateFinalAnswer: `Write the final answer to the user based on what was executed.

User goal: {{goal}}

Executed steps and responses:
{{steps}}

Answer in natural language, concise and direct. Mention concrete values from the responses where relevant. Do not mention steps, plans or internal mechanics.`,
}
