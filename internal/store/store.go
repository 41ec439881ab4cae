// Package store persists completed story artifacts. Postgres is preferred,
// redis serves as a lighter fallback, and an in-memory store backs dev runs
// with no storage configured.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/memoirhq/memoir/config"
	"github.com/memoirhq/memoir/internal/pipeline"
)

// New selects the backend from configuration.
func New(ctx context.Context, cfg config.StorageConfig) (pipeline.ArtifactStore, error) {
	logger := log.New(log.Writer(), "[STORE] ", log.LstdFlags)
	if cfg.Postgres.Configured() {
		s, err := NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		logger.Printf("using postgres artifact store")
		return s, nil
	}
	if cfg.Redis.Validate() == nil {
		s, err := NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		logger.Printf("using redis artifact store")
		return s, nil
	}
	logger.Printf("no storage configured, artifacts held in memory only")
	return NewMemory(), nil
}

// Postgres is the durable artifact store.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(ctx context.Context, cfg config.PostgresConfig) (*Postgres, error) {
	dsn := cfg.URL
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	s := &Postgres{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS story_artifacts (
    id         TEXT PRIMARY KEY,
    task_id    TEXT NOT NULL,
    intent     TEXT NOT NULL,
    query      TEXT NOT NULL,
    state      TEXT NOT NULL,
    payload    JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS story_artifacts_created_at_idx ON story_artifacts (created_at DESC);
`)
	return err
}

func (s *Postgres) SaveArtifact(ctx context.Context, artifact pipeline.StoryArtifact) error {
	payload, err := json.Marshal(artifact)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO story_artifacts (id, task_id, intent, query, state, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, payload = EXCLUDED.payload`,
		artifact.ID, artifact.TaskID, artifact.Intent, artifact.Query, artifact.State, payload, artifact.CreatedAt)
	return err
}

func (s *Postgres) GetArtifact(ctx context.Context, id string) (pipeline.StoryArtifact, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM story_artifacts WHERE id = $1`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return pipeline.StoryArtifact{}, fmt.Errorf("artifact %s not found", id)
	}
	if err != nil {
		return pipeline.StoryArtifact{}, err
	}
	var a pipeline.StoryArtifact
	if err := json.Unmarshal(payload, &a); err != nil {
		return pipeline.StoryArtifact{}, err
	}
	return a, nil
}

func (s *Postgres) ListArtifacts(ctx context.Context, limit int) ([]pipeline.StoryArtifact, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM story_artifacts ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.StoryArtifact
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var a pipeline.StoryArtifact
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Postgres) Close() error { return s.db.Close() }

// Redis keeps artifacts as JSON values indexed by a creation-time sorted set.
type Redis struct {
	client *redis.Client
}

const (
	artifactKeyPrefix = "memoir:artifact:"
	artifactIndexKey  = "memoir:artifacts"
)

func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Redis{client: client}, nil
}

func (s *Redis) SaveArtifact(ctx context.Context, artifact pipeline.StoryArtifact) error {
	payload, err := json.Marshal(artifact)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, artifactKeyPrefix+artifact.ID, payload, 0)
	pipe.ZAdd(ctx, artifactIndexKey, redis.Z{
		Score:  float64(artifact.CreatedAt.UnixNano()),
		Member: artifact.ID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Redis) GetArtifact(ctx context.Context, id string) (pipeline.StoryArtifact, error) {
	payload, err := s.client.Get(ctx, artifactKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return pipeline.StoryArtifact{}, fmt.Errorf("artifact %s not found", id)
	}
	if err != nil {
		return pipeline.StoryArtifact{}, err
	}
	var a pipeline.StoryArtifact
	if err := json.Unmarshal(payload, &a); err != nil {
		return pipeline.StoryArtifact{}, err
	}
	return a, nil
}

func (s *Redis) ListArtifacts(ctx context.Context, limit int) ([]pipeline.StoryArtifact, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, artifactIndexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]pipeline.StoryArtifact, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetArtifact(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Redis) Close() error { return s.client.Close() }

// Memory is the in-process store used when nothing durable is configured.
type Memory struct {
	mu        sync.RWMutex
	artifacts map[string]pipeline.StoryArtifact
}

func NewMemory() *Memory {
	return &Memory{artifacts: make(map[string]pipeline.StoryArtifact)}
}

func (s *Memory) SaveArtifact(_ context.Context, artifact pipeline.StoryArtifact) error {
	s.mu.Lock()
	s.artifacts[artifact.ID] = artifact
	s.mu.Unlock()
	return nil
}

func (s *Memory) GetArtifact(_ context.Context, id string) (pipeline.StoryArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	if !ok {
		return pipeline.StoryArtifact{}, fmt.Errorf("artifact %s not found", id)
	}
	return a, nil
}

func (s *Memory) ListArtifacts(_ context.Context, limit int) ([]pipeline.StoryArtifact, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.StoryArtifact, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
