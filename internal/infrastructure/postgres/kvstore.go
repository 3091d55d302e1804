package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drfirst/visitnote/internal/autosave"
)

// KVStore keeps autosave records in the autosave_records table
type KVStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

var _ autosave.Store = (*KVStore)(nil)

// NewKVStore creates a store over an open pool
func NewKVStore(pool *pgxpool.Pool) *KVStore {
	return &KVStore{pool: pool, tracer: otel.Tracer("autosave-store")}
}

// Get implements autosave.Store
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := s.tracer.Start(ctx, "autosave_store_get", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM autosave_records WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, autosave.ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Set implements autosave.Store
func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	ctx, span := s.tracer.Start(ctx, "autosave_store_set", trace.WithAttributes(
		attribute.String("key", key),
		attribute.Int("value_size", len(value)),
	))
	defer span.End()

	query := `
		INSERT INTO autosave_records (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`
	if _, err := s.pool.Exec(ctx, query, key, value); err != nil {
		span.RecordError(err)
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete implements autosave.Store
func (s *KVStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM autosave_records WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
