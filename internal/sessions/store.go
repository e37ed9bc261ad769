package sessions

import (
	"context"
	"errors"
	"strings"

	"github.com/hearth-ai/hearth/pkg/models"
)

var (
	// ErrNotFound is returned when a session key has no record.
	ErrNotFound = errors.New("sessions: not found")
)

// Store is the interface for durable session persistence. Appends to the
// same key are serialized by the implementation; turns on different keys
// proceed independently.
type Store interface {
	// Create registers a new session record. If session.Key already exists
	// the existing record is returned unchanged by GetOrCreate instead.
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, key string) (*models.Session, error)
	GetOrCreate(ctx context.Context, key, agentID string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, opts ListOptions) ([]*models.Session, error)

	// Append durably adds a message to the key's turn log. The message is
	// persisted before Append returns nil.
	Append(ctx context.Context, key string, msg *models.Message) error
	History(ctx context.Context, key string, limit int) ([]*models.Message, error)
}

// ListOptions configures session listing.
type ListOptions struct {
	AgentID string
	Limit   int
	Offset  int
}

// BuildKey builds a structured session key "<scope>:<identifier>". An empty
// scope or identifier collapses to the default key.
func BuildKey(scope, identifier string) string {
	scope = strings.ToLower(strings.TrimSpace(scope))
	identifier = strings.TrimSpace(identifier)
	if scope == "" || identifier == "" {
		return models.DefaultSessionKey
	}
	return scope + ":" + identifier
}
