package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearth-ai/hearth/pkg/models"
)

// maxMessagesPerKey limits messages kept per session to prevent unbounded
// memory growth. Old messages are trimmed when the limit is exceeded.
const maxMessagesPerKey = 1000

// MemoryStore provides an in-memory Store implementation for tests and
// ephemeral runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	messages map[string][]*models.Message
	locker   *KeyLocker
	events   *EventBus
}

// NewMemoryStore creates a new in-memory session store. The bus may be nil
// when lifecycle notifications are not needed.
func NewMemoryStore(bus *EventBus) *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*models.Session{},
		messages: map[string][]*models.Message{},
		locker:   NewKeyLocker(),
		events:   bus,
	}
}

func (m *MemoryStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil || session.Key == "" {
		return ErrNotFound
	}
	m.mu.Lock()
	clone := cloneSession(session)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt
	session.ID = clone.ID
	session.CreatedAt = clone.CreatedAt
	session.UpdatedAt = clone.UpdatedAt
	m.sessions[clone.Key] = clone
	m.mu.Unlock()

	m.publish(EventCreated, clone.Key)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(session), nil
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, key, agentID string) (*models.Session, error) {
	m.mu.Lock()
	if session, ok := m.sessions[key]; ok {
		clone := cloneSession(session)
		m.mu.Unlock()
		return clone, nil
	}
	now := time.Now()
	session := &models.Session{
		ID:        uuid.NewString(),
		Key:       key,
		AgentID:   agentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[key] = session
	clone := cloneSession(session)
	m.mu.Unlock()

	m.publish(EventCreated, key)
	return clone, nil
}

func (m *MemoryStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil {
		return ErrNotFound
	}
	m.mu.Lock()
	existing, ok := m.sessions[session.Key]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	clone := cloneSession(session)
	clone.ID = existing.ID
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now()
	m.sessions[clone.Key] = clone
	m.mu.Unlock()

	m.publish(EventPatched, session.Key)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	_, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.sessions, key)
	delete(m.messages, key)
	m.mu.Unlock()

	m.publish(EventDeleted, key)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	m.mu.RLock()
	result := make([]*models.Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		if opts.AgentID != "" && session.AgentID != opts.AgentID {
			continue
		}
		result = append(result, cloneSession(session))
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

func (m *MemoryStore) Append(ctx context.Context, key string, msg *models.Message) error {
	if msg == nil {
		return nil
	}
	unlock := m.locker.Lock(key)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[key]; !ok {
		return ErrNotFound
	}

	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.SessionKey = key
	msg.ID = clone.ID
	msg.CreatedAt = clone.CreatedAt

	msgs := append(m.messages[key], clone)
	if len(msgs) > maxMessagesPerKey {
		msgs = msgs[len(msgs)-maxMessagesPerKey:]
	}
	m.messages[key] = msgs
	if session := m.sessions[key]; session != nil {
		session.UpdatedAt = clone.CreatedAt
	}
	return nil
}

func (m *MemoryStore) History(ctx context.Context, key string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[key]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	result := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		result = append(result, cloneMessage(msg))
	}
	return result, nil
}

func (m *MemoryStore) publish(kind EventKind, key string) {
	if m.events == nil {
		return
	}
	m.events.Publish(Event{Kind: kind, SessionKey: key})
}

func cloneSession(session *models.Session) *models.Session {
	clone := *session
	if session.Metadata != nil {
		clone.Metadata = make(map[string]any, len(session.Metadata))
		for k, v := range session.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func cloneMessage(msg *models.Message) *models.Message {
	clone := *msg
	if msg.ToolCalls != nil {
		clone.ToolCalls = append([]models.ToolCall(nil), msg.ToolCalls...)
	}
	if msg.ToolResults != nil {
		clone.ToolResults = append([]models.ToolResult(nil), msg.ToolResults...)
	}
	if msg.Blocks != nil {
		clone.Blocks = append([]models.ContentBlock(nil), msg.Blocks...)
	}
	if msg.Usage != nil {
		usage := *msg.Usage
		clone.Usage = &usage
	}
	return &clone
}
