// Package storage persists orchestration runs to SQLite for audit and
// approval display. All writes are side channels: the engine treats
// failures here as log-and-continue.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ElasticDash/ElasticDash-BE-sub001/core"
	"github.com/ElasticDash/ElasticDash-BE-sub001/orchestration"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS plans (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	plan_json       TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS steps (
	id            TEXT PRIMARY KEY,
	plan_id       TEXT NOT NULL,
	step_number   INTEGER NOT NULL,
	step_json     TEXT NOT NULL,
	response_json TEXT,
	error         TEXT,
	duration_ms   INTEGER,
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	finished_at   TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
CREATE INDEX IF NOT EXISTS idx_plans_conversation ON plans(conversation_id);
CREATE INDEX IF NOT EXISTS idx_steps_plan ON steps(plan_id);
`

// SQLiteStore implements orchestration.RunStore over a local SQLite file
type SQLiteStore struct {
	db     *sql.DB
	logger core.Logger
}

// NewSQLiteStore opens (and migrates) the database at path. ":memory:"
// gives an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open database: %w", err)
	}
	// SQLite handles one writer at a time
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// SetLogger sets the logger provider
func (s *SQLiteStore) SetLogger(logger core.Logger) {
	if logger == nil {
		s.logger = &core.NoOpLogger{}
	} else {
		s.logger = logger
	}
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// EnsureConversation creates the conversation row if it does not exist
func (s *SQLiteStore) EnsureConversation(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id) VALUES (?)`, conversationID)
	if err != nil {
		return fmt.Errorf("storage: failed to ensure conversation: %w", err)
	}
	return nil
}

// CreatePlan stores a plan snapshot and returns its ID
func (s *SQLiteStore) CreatePlan(ctx context.Context, conversationID string, plan *orchestration.Plan) (string, error) {
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return "", fmt.Errorf("storage: failed to encode plan: %w", err)
	}

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plans (id, conversation_id, plan_json) VALUES (?, ?, ?)`,
		id, conversationID, string(planJSON))
	if err != nil {
		return "", fmt.Errorf("storage: failed to insert plan: %w", err)
	}
	return id, nil
}

// CreateStep stores the pre-execution step record and returns its ID
func (s *SQLiteStore) CreateStep(ctx context.Context, planID string, step orchestration.ExecutionStep) (string, error) {
	stepJSON, err := json.Marshal(step)
	if err != nil {
		return "", fmt.Errorf("storage: failed to encode step: %w", err)
	}

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO steps (id, plan_id, step_number, step_json) VALUES (?, ?, ?, ?)`,
		id, planID, step.StepNumber, string(stepJSON))
	if err != nil {
		return "", fmt.Errorf("storage: failed to insert step: %w", err)
	}
	return id, nil
}

// FinishStep records the step outcome
func (s *SQLiteStore) FinishStep(ctx context.Context, stepID string, duration time.Duration, response interface{}, errMsg string) error {
	var responseJSON sql.NullString
	if response != nil {
		data, err := json.Marshal(response)
		if err == nil {
			responseJSON = sql.NullString{String: string(data), Valid: true}
		}
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE steps SET response_json = ?, error = ?, duration_ms = ?, finished_at = CURRENT_TIMESTAMP WHERE id = ?`,
		responseJSON, nullable(errMsg), duration.Milliseconds(), stepID)
	if err != nil {
		return fmt.Errorf("storage: failed to finish step: %w", err)
	}
	return nil
}

// SaveMessage appends one chat message to the conversation transcript
func (s *SQLiteStore) SaveMessage(ctx context.Context, conversationID, role, content string) error {
	if err := s.EnsureConversation(ctx, conversationID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content) VALUES (?, ?, ?, ?)`,
		uuid.New().String(), conversationID, role, content)
	if err != nil {
		return fmt.Errorf("storage: failed to insert message: %w", err)
	}
	return nil
}

// Message is one transcript entry
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Messages returns the conversation transcript in chronological order
func (s *SQLiteStore) Messages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query messages: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// StepRecord is one persisted execution step with its outcome
type StepRecord struct {
	ID         string `json:"id"`
	StepNumber int    `json:"step_number"`
	StepJSON   string `json:"step_json"`
	Response   string `json:"response_json,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// PlanSteps returns the recorded steps of a plan in step order
func (s *SQLiteStore) PlanSteps(ctx context.Context, planID string) ([]StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, step_number, step_json,
		        COALESCE(response_json, ''), COALESCE(error, ''), COALESCE(duration_ms, 0)
		 FROM steps WHERE plan_id = ? ORDER BY step_number ASC, created_at ASC`,
		planID)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query steps: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []StepRecord
	for rows.Next() {
		var r StepRecord
		if err := rows.Scan(&r.ID, &r.StepNumber, &r.StepJSON, &r.Response, &r.Error, &r.DurationMS); err != nil {
			return nil, fmt.Errorf("storage: failed to scan step: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
