package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dunamismax/pixelbatch/internal/domain"
	_ "github.com/lib/pq"
)

const usageSchemaSQL = `
CREATE TABLE IF NOT EXISTS usage_logs (
	batch_id TEXT PRIMARY KEY,
	images INTEGER NOT NULL,
	failed_images INTEGER NOT NULL,
	variants INTEGER NOT NULL,
	pixels_processed BIGINT NOT NULL,
	bytes_in BIGINT NOT NULL,
	bytes_out BIGINT NOT NULL,
	bytes_saved BIGINT NOT NULL,
	compute_time_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

type PostgresUsageStore struct {
	db *sql.DB
}

func NewPostgresUsageStore(ctx context.Context, dsn string) (*PostgresUsageStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresUsageStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresUsageStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, usageSchemaSQL); err != nil {
		return fmt.Errorf("ensure usage_logs schema: %w", err)
	}
	return nil
}

func (s *PostgresUsageStore) Close() error {
	return s.db.Close()
}

func (s *PostgresUsageStore) Record(ctx context.Context, usage domain.UsageLog) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO usage_logs (batch_id, images, failed_images, variants, pixels_processed, bytes_in, bytes_out, bytes_saved, compute_time_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (batch_id) DO NOTHING`,
		usage.BatchID,
		usage.Images,
		usage.FailedImages,
		usage.Variants,
		usage.PixelsProcessed,
		usage.BytesIn,
		usage.BytesOut,
		usage.BytesSaved,
		usage.ComputeTimeMS,
		usage.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}

func (s *PostgresUsageStore) Get(ctx context.Context, batchID string) (domain.UsageLog, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT batch_id, images, failed_images, variants, pixels_processed, bytes_in, bytes_out, bytes_saved, compute_time_ms, created_at
		 FROM usage_logs
		 WHERE batch_id = $1`,
		batchID,
	)

	var usage domain.UsageLog
	if err := row.Scan(
		&usage.BatchID,
		&usage.Images,
		&usage.FailedImages,
		&usage.Variants,
		&usage.PixelsProcessed,
		&usage.BytesIn,
		&usage.BytesOut,
		&usage.BytesSaved,
		&usage.ComputeTimeMS,
		&usage.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.UsageLog{}, ErrUsageNotFound
		}
		return domain.UsageLog{}, fmt.Errorf("query usage log: %w", err)
	}
	return usage, nil
}
