// Package chat exposes the orchestration engine over HTTP: a chat
// endpoint, a plan-approval endpoint, and Redis-backed conversation
// sessions.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/ElasticDash/ElasticDash-BE-sub001/core"
)

// Exchange is one goal/answer pair kept as conversation context
type Exchange struct {
	Goal   string `json:"goal"`
	Answer string `json:"answer"`
}

// Session is the per-conversation state. PendingGoal holds a destructive
// goal awaiting user approval; it is cleared on approval or on the next
// chat message.
type Session struct {
	ID          string     `json:"id"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Exchanges   []Exchange `json:"exchanges,omitempty"`
	PendingGoal string     `json:"pending_goal,omitempty"`
	PendingPlan string     `json:"pending_plan,omitempty"`
}

// ContextText serializes recent exchanges for the planner prompts
func (s *Session) ContextText() string {
	if len(s.Exchanges) == 0 {
		return ""
	}
	var b strings.Builder
	for _, e := range s.Exchanges {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", e.Goal, e.Answer)
	}
	return b.String()
}

// AppendExchange records one completed goal/answer pair, keeping only the
// most recent entries
func (s *Session) AppendExchange(goal, answer string, keep int) {
	s.Exchanges = append(s.Exchanges, Exchange{Goal: goal, Answer: answer})
	if keep > 0 && len(s.Exchanges) > keep {
		s.Exchanges = s.Exchanges[len(s.Exchanges)-keep:]
	}
}

// SessionManager stores conversation sessions
type SessionManager interface {
	Create(ctx context.Context) (*Session, error)
	Get(ctx context.Context, sessionID string) (*Session, error)
	Save(ctx context.Context, session *Session) error
	Delete(ctx context.Context, sessionID string) error
}

// RedisSessionManager keeps sessions in Redis with a sliding TTL
type RedisSessionManager struct {
	client *redis.Client
	ttl    time.Duration
	logger core.Logger
}

// NewRedisSessionManager connects to Redis and verifies the connection
func NewRedisSessionManager(redisURL string, ttl time.Duration) (*RedisSessionManager, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("chat: invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("chat: %w: %v", core.ErrConnectionFailed, err)
	}

	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisSessionManager{client: client, ttl: ttl}, nil
}

// SetLogger sets the logger provider
func (r *RedisSessionManager) SetLogger(logger core.Logger) {
	if logger == nil {
		r.logger = &core.NoOpLogger{}
	} else {
		r.logger = logger
	}
}

// Close releases the Redis connection
func (r *RedisSessionManager) Close() error {
	return r.client.Close()
}

func sessionKey(id string) string {
	return "elasticdash:session:" + id
}

// Create starts a new session
func (r *RedisSessionManager) Create(ctx context.Context) (*Session, error) {
	now := time.Now()
	session := &Session{
		ID:        uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.Save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Get loads a session; core.ErrNotFound when it expired or never existed
func (r *RedisSessionManager) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := r.client.Get(ctx, sessionKey(sessionID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("chat: session %s: %w", sessionID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("chat: failed to load session: %w", err)
	}

	var session Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("chat: corrupt session %s: %w", sessionID, err)
	}
	return &session, nil
}

// Save writes the session back and refreshes its TTL
func (r *RedisSessionManager) Save(ctx context.Context, session *Session) error {
	session.UpdatedAt = time.Now()
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("chat: failed to encode session: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(session.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("chat: failed to save session: %w", err)
	}
	return nil
}

// Delete removes a session
func (r *RedisSessionManager) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("chat: failed to delete session: %w", err)
	}
	return nil
}

// MemorySessionManager is the single-process fallback used when no Redis
// URL is configured, and by tests
type MemorySessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemorySessionManager creates an empty in-process session store
func NewMemorySessionManager() *MemorySessionManager {
	return &MemorySessionManager{sessions: make(map[string]*Session)}
}

func (m *MemorySessionManager) Create(ctx context.Context) (*Session, error) {
	now := time.Now()
	session := &Session{ID: uuid.New().String(), CreatedAt: now, UpdatedAt: now}
	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()
	return session, nil
}

func (m *MemorySessionManager) Get(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("chat: session %s: %w", sessionID, core.ErrNotFound)
	}
	copied := *session
	return &copied, nil
}

func (m *MemorySessionManager) Save(ctx context.Context, session *Session) error {
	session.UpdatedAt = time.Now()
	copied := *session
	m.mu.Lock()
	m.sessions[session.ID] = &copied
	m.mu.Unlock()
	return nil
}

func (m *MemorySessionManager) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	return nil
}
