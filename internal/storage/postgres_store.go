package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"

	"github.com/example/coride/internal/models"
)

// PostgresStore archives issued search results.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies a SQL file, e.g. migrations/001_create_searches.sql.
func (p *PostgresStore) Migrate(ctx context.Context, path string) error {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migration %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (p *PostgresStore) SaveSearch(ctx context.Context, r models.SearchResult) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO searches(search_id, created_at, expires_at, match_count, payload) VALUES($1,$2,$3,$4,$5) ON CONFLICT (search_id) DO NOTHING`,
		r.SearchID, r.CreatedAt, r.ExpiresAt, len(r.Matches), payload)
	return err
}

func (p *PostgresStore) GetSearch(ctx context.Context, id string) (models.SearchResult, error) {
	var payload []byte
	err := p.db.QueryRowContext(ctx, `SELECT payload FROM searches WHERE search_id=$1 AND expires_at > now()`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SearchResult{}, ErrNotFound
	}
	if err != nil {
		return models.SearchResult{}, err
	}
	var r models.SearchResult
	if err := json.Unmarshal(payload, &r); err != nil {
		return models.SearchResult{}, err
	}
	return r, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }
