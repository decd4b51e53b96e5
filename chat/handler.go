package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ElasticDash/ElasticDash-BE-sub001/core"
	"github.com/ElasticDash/ElasticDash-BE-sub001/orchestration"
)

// Runner is the orchestration entry point the handler drives
type Runner interface {
	Run(ctx context.Context, req orchestration.RunRequest) *orchestration.RunResult
}

// PlanPreviewer produces a plan without executing it, for the approval flow
type PlanPreviewer interface {
	BuildPlan(ctx context.Context, req orchestration.PlanRequest) (*orchestration.PlanResult, error)
}

// HandlerConfig carries the chat surface settings
type HandlerConfig struct {
	// BaseURL of the backend API the orchestrated steps call
	BaseURL string
	// RequireApproval holds MODIFY goals for explicit user approval
	// before execution
	RequireApproval bool
	// ContextExchanges bounds how many goal/answer pairs feed back into
	// planning
	ContextExchanges int
	// Record persists plans and steps to the run store
	Record bool
}

// Handler serves the chat API
type Handler struct {
	runner   Runner
	planner  PlanPreviewer
	sessions SessionManager
	store    orchestration.RunStore
	config   HandlerConfig
	logger   core.Logger
}

// NewHandler creates the chat handler. planner may be nil when
// RequireApproval is off; store may be nil.
func NewHandler(runner Runner, planner PlanPreviewer, sessions SessionManager, store orchestration.RunStore, config HandlerConfig) *Handler {
	if sessions == nil {
		sessions = NewMemorySessionManager()
	}
	if store == nil {
		store = orchestration.NoopRunStore{}
	}
	if config.ContextExchanges <= 0 {
		config.ContextExchanges = 10
	}
	return &Handler{
		runner:   runner,
		planner:  planner,
		sessions: sessions,
		store:    store,
		config:   config,
	}
}

// SetLogger sets the logger provider
func (h *Handler) SetLogger(logger core.Logger) {
	if logger == nil {
		h.logger = &core.NoOpLogger{}
	} else {
		h.logger = logger
	}
}

// Routes returns the instrumented HTTP handler
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", h.handleChat)
	mux.HandleFunc("/api/approve", h.handleApprove)
	mux.HandleFunc("/health", h.handleHealth)
	return otelhttp.NewHandler(mux, "chat")
}

// ChatRequest is the inbound chat message
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	UserToken string `json:"user_token,omitempty"`
}

// ChatResponse is the chat reply. When PendingApproval is set the goal was
// not executed; the client must POST /api/approve to proceed.
type ChatResponse struct {
	SessionID       string                       `json:"session_id"`
	Answer          string                       `json:"answer"`
	Achieved        bool                         `json:"achieved"`
	PendingApproval bool                         `json:"pending_approval,omitempty"`
	Plan            *orchestration.Plan          `json:"plan,omitempty"`
	Steps           []orchestration.ExecutedStep `json:"steps,omitempty"`
	StoppedReason   string                       `json:"stopped_reason,omitempty"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	ctx := r.Context()
	session, err := h.loadOrCreateSession(ctx, req.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session unavailable")
		return
	}

	// A new message supersedes any plan still waiting for approval
	session.PendingGoal = ""
	session.PendingPlan = ""

	_ = h.store.SaveMessage(ctx, session.ID, "user", req.Message)

	if h.config.RequireApproval && h.planner != nil {
		held, resp := h.maybeHoldForApproval(ctx, session, req)
		if held {
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	resp := h.execute(ctx, session, req.Message, "", req.UserToken)
	writeJSON(w, http.StatusOK, resp)
}

// maybeHoldForApproval plans without executing; MODIFY goals are parked on
// the session until approved
func (h *Handler) maybeHoldForApproval(ctx context.Context, session *Session, req ChatRequest) (bool, *ChatResponse) {
	preview, err := h.planner.BuildPlan(ctx, orchestration.PlanRequest{
		Goal:    req.Message,
		Context: session.ContextText(),
	})
	if err != nil || preview.Precompleted || preview.Intent != orchestration.IntentModify {
		return false, nil
	}
	if preview.Plan != nil && preview.Plan.NeedsClarification {
		return false, nil
	}

	planJSON, err := json.Marshal(preview.Plan)
	if err != nil {
		return false, nil
	}
	session.PendingGoal = req.Message
	session.PendingPlan = string(planJSON)
	if err := h.sessions.Save(ctx, session); err != nil {
		if h.logger != nil {
			h.logger.Warn("Failed to park pending plan", map[string]interface{}{
				"operation":  "plan_approval",
				"session_id": session.ID,
				"error":      err.Error(),
			})
		}
		return false, nil
	}

	answer := "This will modify data. Review the plan and approve to continue."
	_ = h.store.SaveMessage(ctx, session.ID, "assistant", answer)
	return true, &ChatResponse{
		SessionID:       session.ID,
		Answer:          answer,
		PendingApproval: true,
		Plan:            preview.Plan,
	}
}

// ApproveRequest confirms or rejects the pending plan
type ApproveRequest struct {
	SessionID string `json:"session_id"`
	Approve   bool   `json:"approve"`
	UserToken string `json:"user_token,omitempty"`
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	session, err := h.sessions.Get(ctx, req.SessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if session.PendingGoal == "" {
		writeError(w, http.StatusConflict, "no plan awaiting approval")
		return
	}

	goal := session.PendingGoal
	session.PendingGoal = ""
	session.PendingPlan = ""

	if !req.Approve {
		answer := "Okay, I will not make those changes."
		session.AppendExchange(goal, answer, h.config.ContextExchanges)
		_ = h.sessions.Save(ctx, session)
		_ = h.store.SaveMessage(ctx, session.ID, "assistant", answer)
		writeJSON(w, http.StatusOK, &ChatResponse{SessionID: session.ID, Answer: answer})
		return
	}

	resp := h.execute(ctx, session, goal, orchestration.IntentModify, req.UserToken)
	writeJSON(w, http.StatusOK, resp)
}

// execute runs the orchestrator and folds the outcome back into the session
func (h *Handler) execute(ctx context.Context, session *Session, goal, intent, userToken string) *ChatResponse {
	result := h.runner.Run(ctx, orchestration.RunRequest{
		Goal:           goal,
		ConversationID: session.ID,
		Context:        session.ContextText(),
		Intent:         intent,
		BaseURL:        h.config.BaseURL,
		UserToken:      userToken,
		Record:         h.config.Record,
	})

	session.AppendExchange(goal, result.FinalAnswer, h.config.ContextExchanges)
	if err := h.sessions.Save(ctx, session); err != nil {
		if h.logger != nil {
			h.logger.Warn("Failed to save session", map[string]interface{}{
				"operation":  "session_save",
				"session_id": session.ID,
				"error":      err.Error(),
			})
		}
	}
	_ = h.store.SaveMessage(ctx, session.ID, "assistant", result.FinalAnswer)

	return &ChatResponse{
		SessionID:     session.ID,
		Answer:        result.FinalAnswer,
		Achieved:      result.Achieved,
		Steps:         result.Steps,
		StoppedReason: result.StoppedReason,
	}
}

func (h *Handler) loadOrCreateSession(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return h.sessions.Create(ctx)
	}
	session, err := h.sessions.Get(ctx, sessionID)
	if errors.Is(err, core.ErrNotFound) {
		return h.sessions.Create(ctx)
	}
	return session, err
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
