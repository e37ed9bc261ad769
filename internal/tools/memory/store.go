package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound indicates the fragment id does not exist.
var ErrNotFound = errors.New("memory: fragment not found")

// InMemoryService is a Service backed by a map with substring scoring.
// It serves single-process deployments and tests; richer backends
// implement Service against a real index.
type InMemoryService struct {
	mu        sync.RWMutex
	fragments map[string]string
}

// NewInMemoryService creates an empty in-memory service.
func NewInMemoryService() *InMemoryService {
	return &InMemoryService{fragments: make(map[string]string)}
}

func (s *InMemoryService) Remember(_ context.Context, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.fragments[id] = content
	return id, nil
}

func (s *InMemoryService) Recall(_ context.Context, query string, limit int) ([]Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	terms := strings.Fields(strings.ToLower(query))
	var out []Fragment
	for id, content := range s.fragments {
		lower := strings.ToLower(content)
		matched := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		out = append(out, Fragment{
			ID:      id,
			Content: content,
			Score:   float64(matched) / float64(len(terms)),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryService) Forget(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fragments[id]; !ok {
		return ErrNotFound
	}
	delete(s.fragments, id)
	return nil
}
