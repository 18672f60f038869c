package completion

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/instantcocoa/kos/pkg/config"
)

//go:embed migrations
var migrationFiles embed.FS

// Migrations returns the embedded SQL migrations for the usage ledger.
func Migrations() (embed.FS, string) {
	return migrationFiles, "migrations"
}

// UsageStore defines the interface for usage ledger persistence.
type UsageStore interface {
	Insert(ctx context.Context, record UsageRecord) error
	List(ctx context.Context, since time.Time) ([]UsageRecord, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// StoreOptions contains configuration for creating a usage store.
type StoreOptions struct {
	Backend config.StorageBackend
	DB      *sql.DB
}

// NewStore creates a UsageStore based on the provided options.
func NewStore(opts StoreOptions) (UsageStore, error) {
	switch opts.Backend {
	case config.StoragePostgres:
		if opts.DB == nil {
			return nil, fmt.Errorf("database connection required for postgres backend")
		}
		return NewPostgresStore(opts.DB), nil
	case config.StorageMemory:
		return NewMemoryStore(), nil
	default:
		return NewMemoryStore(), nil
	}
}

// MemoryStore is an in-memory implementation of UsageStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records []UsageRecord
}

// NewMemoryStore creates a new in-memory usage store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Insert(ctx context.Context, record UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, record)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, since time.Time) ([]UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []UsageRecord
	for _, record := range s.records {
		if record.Timestamp.Before(since) {
			continue
		}
		results = append(results, record)
	}
	return results, nil
}

func (s *MemoryStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	for _, record := range s.records {
		if record.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, record)
	}
	removed := len(s.records) - len(kept)
	s.records = kept
	return removed, nil
}

// PostgresStore implements UsageStore using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed usage store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, record UsageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, recorded_at, backend, model, tokens, cost_usd, category, success, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, record.ID, record.Timestamp, record.Backend, record.Model,
		record.Tokens, record.CostUSD, record.Category, record.Success, record.LatencyMS)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, since time.Time) ([]UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recorded_at, backend, model, tokens, cost_usd, category, success, latency_ms
		FROM usage_records
		WHERE recorded_at >= $1
		ORDER BY recorded_at ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var results []UsageRecord
	for rows.Next() {
		var record UsageRecord
		if err := rows.Scan(&record.ID, &record.Timestamp, &record.Backend, &record.Model,
			&record.Tokens, &record.CostUSD, &record.Category, &record.Success, &record.LatencyMS); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read usage records: %w", err)
	}
	return results, nil
}

func (s *PostgresStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM usage_records WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete usage records: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted usage records: %w", err)
	}
	return int(affected), nil
}

// Ensure implementations satisfy the interface
var (
	_ UsageStore = (*MemoryStore)(nil)
	_ UsageStore = (*PostgresStore)(nil)
)
