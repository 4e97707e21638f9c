package recipes

import (
	"context"
	"sort"
	"sync"

	"github.com/bastiqui/TSAE75644-2024/internal/model"
	"go.uber.org/zap"
)

// MemoryStore implements Store using an in-memory map
type MemoryStore struct {
	data   map[string]model.Recipe
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewMemoryStore creates an empty in-memory recipe store
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		data:   make(map[string]model.Recipe),
		logger: logger,
	}
}

// Add stores recipe under its title
func (s *MemoryStore) Add(ctx context.Context, recipe model.Recipe) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[recipe.Title] = recipe
	return nil
}

// Get retrieves a recipe by title
func (s *MemoryStore) Get(ctx context.Context, title string) (*model.Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recipe, exists := s.data[title]
	if !exists {
		return nil, ErrNotFound
	}
	return &recipe, nil
}

// Remove deletes a recipe by title
func (s *MemoryStore) Remove(ctx context.Context, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[title]; !exists {
		return ErrNotFound
	}
	delete(s.data, title)
	return nil
}

// List returns every recipe sorted by title
func (s *MemoryStore) List(ctx context.Context) ([]model.Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Recipe, 0, len(s.data))
	for _, recipe := range s.data {
		out = append(out, recipe)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
