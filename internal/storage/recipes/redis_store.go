package recipes

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/bastiqui/TSAE75644-2024/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore implements Store on Redis: one JSON value per recipe plus a set of titles
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(addr, password string, db int, prefix string, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreWithClient(client, prefix, logger), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (s *RedisStore) recipeKey(title string) string {
	return fmt.Sprintf("%srecipe:%s", s.prefix, title)
}

func (s *RedisStore) titlesKey() string {
	return s.prefix + "titles"
}

// Add stores recipe and indexes its title
func (s *RedisStore) Add(ctx context.Context, recipe model.Recipe) error {
	data, err := json.Marshal(recipe)
	if err != nil {
		return fmt.Errorf("failed to marshal recipe: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recipeKey(recipe.Title), data, 0)
		pipe.SAdd(ctx, s.titlesKey(), recipe.Title)
		return nil
	})
	return err
}

// Get retrieves a recipe by title
func (s *RedisStore) Get(ctx context.Context, title string) (*model.Recipe, error) {
	data, err := s.client.Get(ctx, s.recipeKey(title)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var recipe model.Recipe
	if err := json.Unmarshal(data, &recipe); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recipe: %w", err)
	}
	return &recipe, nil
}

// Remove deletes a recipe and its index entry
func (s *RedisStore) Remove(ctx context.Context, title string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.recipeKey(title))
		pipe.SRem(ctx, s.titlesKey(), title)
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every indexed recipe sorted by title
func (s *RedisStore) List(ctx context.Context) ([]model.Recipe, error) {
	titles, err := s.client.SMembers(ctx, s.titlesKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(titles)

	out := make([]model.Recipe, 0, len(titles))
	for _, title := range titles {
		recipe, err := s.Get(ctx, title)
		if err == ErrNotFound {
			s.logger.Warn("Indexed recipe missing", zap.String("title", title))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *recipe)
	}
	return out, nil
}

// Ping checks the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
