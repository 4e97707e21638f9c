// Package recipes holds the domain store the replica applies operations to.
package recipes

import (
	"context"
	"errors"

	"github.com/bastiqui/TSAE75644-2024/internal/model"
)

// ErrNotFound is returned when no recipe has the requested title
var ErrNotFound = errors.New("not found")

// Store is the domain store mutated by applied operations. Recipes are keyed by title.
type Store interface {
	// Add stores recipe, replacing any recipe with the same title
	Add(ctx context.Context, recipe model.Recipe) error
	Get(ctx context.Context, title string) (*model.Recipe, error)
	Remove(ctx context.Context, title string) error
	// List returns all recipes sorted by title
	List(ctx context.Context) ([]model.Recipe, error)

	Ping(ctx context.Context) error
	Close() error
}
