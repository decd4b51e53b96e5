package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ElasticDash/ElasticDash-BE-sub001/core"
)

var urlParamPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// ExecuteRequest carries everything one step execution needs
type ExecuteRequest struct {
	Step      ExecutionStep
	BaseURL   string
	UserToken string
	History   []ExecutedStep
	Record    bool
	PlanID    string
}

// ExecuteResult is the normalized outcome of one step execution.
// Ordinary request failures never surface in Error: they are packaged into
// Response as {success:false, error:true, statusCode, message, details} so
// goal validation and replanning can inspect them as data. Error carries
// only the pre-network reason codes (invalid-step, config-error,
// unresolved-reference, parse-error).
type ExecuteResult struct {
	Response interface{} `json:"response"`
	Error    string      `json:"error,omitempty"`
	StepID   string      `json:"step_id,omitempty"`
}

// StepExecutor executes one concrete API call per invocation. Exactly one
// HTTP request is issued; there is no automatic retry.
type StepExecutor struct {
	httpClient *http.Client
	resolver   *PlaceholderResolver
	store      RunStore
	logger     core.Logger
}

// NewStepExecutor creates a step executor
func NewStepExecutor(resolver *PlaceholderResolver, store RunStore) *StepExecutor {
	if store == nil {
		store = NoopRunStore{}
	}
	return &StepExecutor{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		resolver: resolver,
		store:    store,
	}
}

// SetLogger sets the logger provider
func (e *StepExecutor) SetLogger(logger core.Logger) {
	if logger == nil {
		e.logger = &core.NoOpLogger{}
	} else {
		e.logger = logger
	}
}

// SetHTTPClient replaces the outbound HTTP client (used by tests)
func (e *StepExecutor) SetHTTPClient(client *http.Client) {
	if client != nil {
		e.httpClient = client
	}
}

// Execute runs one step against the backend API
func (e *StepExecutor) Execute(ctx context.Context, req ExecuteRequest) ExecuteResult {
	step := req.Step
	if step.API == nil || step.API.Path == "" || step.API.Method == "" {
		return ExecuteResult{Error: ReasonInvalidStep}
	}

	startTime := time.Now()

	// Persistence is best-effort: a failed write is logged and swallowed,
	// execution proceeds regardless
	stepID := ""
	if req.Record {
		id, err := e.store.CreateStep(ctx, req.PlanID, step)
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("Failed to persist step record", map[string]interface{}{
					"operation":   "step_record",
					"plan_id":     req.PlanID,
					"step_number": step.StepNumber,
					"error":       err.Error(),
				})
			}
		} else {
			stepID = id
		}
	}

	if e.resolver != nil && e.resolver.Detect(step) {
		resolved, result := e.resolver.Resolve(ctx, step, req.History)
		if !result.Resolved {
			e.finishStep(ctx, stepID, time.Since(startTime), nil, result.Reason)
			return ExecuteResult{Error: result.Reason, StepID: stepID}
		}
		step = resolved
	}

	url, err := e.buildURL(step, req.BaseURL)
	if err != nil {
		e.finishStep(ctx, stepID, time.Since(startTime), nil, ReasonConfigError)
		return ExecuteResult{Error: ReasonConfigError, StepID: stepID}
	}

	if e.logger != nil {
		e.logger.Debug("Executing API call", map[string]interface{}{
			"operation":   "step_execution",
			"step_number": step.StepNumber,
			"method":      step.API.Method,
			"url":         url,
		})
	}

	response := e.call(ctx, step, url, req.UserToken)
	duration := time.Since(startTime)

	errPayload := ""
	if m, ok := response.(map[string]interface{}); ok {
		if failed, _ := m["error"].(bool); failed {
			errPayload = fmt.Sprintf("%v", m["message"])
		}
	}
	e.finishStep(ctx, stepID, duration, response, errPayload)

	if e.logger != nil {
		e.logger.Debug("Step execution completed", map[string]interface{}{
			"operation":   "step_execution_complete",
			"step_number": step.StepNumber,
			"duration_ms": duration.Milliseconds(),
		})
	}

	return ExecuteResult{Response: response, StepID: stepID}
}

// buildURL merges declared parameters into the URL template and joins
// relative paths onto the configured base URL. Unresolved {token} segments
// are left verbatim in the outbound URL.
func (e *StepExecutor) buildURL(step ExecutionStep, baseURL string) (string, error) {
	path := urlParamPattern.ReplaceAllStringFunc(step.API.Path, func(match string) string {
		key := urlParamPattern.FindStringSubmatch(match)[1]
		if v, ok := step.API.Parameters[key]; ok {
			return fmt.Sprintf("%v", v)
		}
		return match
	})

	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path, nil
	}
	if baseURL == "" {
		return "", core.ErrMissingBaseURL
	}
	return strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(path, "/"), nil
}

// call issues the single HTTP request and normalizes the outcome
func (e *StepExecutor) call(ctx context.Context, step ExecutionStep, url, userToken string) interface{} {
	method := strings.ToUpper(step.API.Method)

	var body io.Reader
	if len(step.API.RequestBody) > 0 && method != http.MethodGet {
		data, err := json.Marshal(step.API.RequestBody)
		if err != nil {
			return failurePayload(0, "failed to encode request body", err.Error())
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return failurePayload(0, "failed to create request", err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if userToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+userToken)
	}

	if method == http.MethodGet && len(step.API.Parameters) > 0 {
		q := httpReq.URL.Query()
		for k, v := range step.API.Parameters {
			// Parameters consumed by path substitution stay harmless here:
			// the backend ignores duplicated path values in the query
			if strings.Contains(step.API.Path, "{"+k+"}") {
				continue
			}
			q.Set(k, fmt.Sprintf("%v", v))
		}
		httpReq.URL.RawQuery = q.Encode()
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return failurePayload(0, "request failed", err.Error())
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return failurePayload(resp.StatusCode, "failed to read response", err.Error())
	}

	var parsed interface{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &parsed); err != nil {
			parsed = string(data)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failurePayload(resp.StatusCode,
			fmt.Sprintf("API returned status %d", resp.StatusCode), parsed)
	}
	return parsed
}

// failurePayload packages a request failure as data rather than an error
func failurePayload(statusCode int, message string, details interface{}) map[string]interface{} {
	return map[string]interface{}{
		"success":    false,
		"error":      true,
		"statusCode": statusCode,
		"message":    message,
		"details":    details,
	}
}

func (e *StepExecutor) finishStep(ctx context.Context, stepID string, duration time.Duration, response interface{}, errMsg string) {
	if stepID == "" {
		return
	}
	if err := e.store.FinishStep(ctx, stepID, duration, response, errMsg); err != nil {
		if e.logger != nil {
			e.logger.Warn("Failed to persist step outcome", map[string]interface{}{
				"operation": "step_record",
				"step_id":   stepID,
				"error":     err.Error(),
			})
		}
	}
}
