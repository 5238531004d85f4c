// Package catalog persists the store's product snapshot and renders the
// compact summary the prompt builder grounds completions on.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// SummaryLimit caps how many products the prompt summary includes.
const SummaryLimit = 25

// Product is one catalog entry as received from the store platform.
type Product struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Price     float64   `json:"price"`
	Currency  string    `json:"currency"`
	Stock     int       `json:"stock"`
	URL       string    `json:"url,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS products (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    price REAL NOT NULL,
    currency TEXT NOT NULL DEFAULT 'ARS',
    stock INTEGER NOT NULL DEFAULT 0,
    url TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_products_updated ON products(updated_at);
`

// Store is the SQLite-backed product snapshot.
type Store struct {
	db *sql.DB
}

// NewStore opens (and migrates) the catalog database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening catalog db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating catalog db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Upsert inserts or replaces one product.
func (s *Store) Upsert(ctx context.Context, p Product) error {
	if p.ID == "" || p.Name == "" {
		return fmt.Errorf("product requires id and name")
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, price, currency, stock, url, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			price = excluded.price,
			currency = excluded.currency,
			stock = excluded.stock,
			url = excluded.url,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Price, p.Currency, p.Stock, p.URL, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting product %s: %w", p.ID, err)
	}
	return nil
}

// UpsertBatch upserts a batch of products in one transaction.
func (s *Store) UpsertBatch(ctx context.Context, products []Product) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning catalog tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO products (id, name, price, currency, stock, url, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			price = excluded.price,
			currency = excluded.currency,
			stock = excluded.stock,
			url = excluded.url,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("preparing catalog upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, p := range products {
		if p.ID == "" || p.Name == "" {
			continue
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = now
		}
		if _, err := stmt.ExecContext(ctx, p.ID, p.Name, p.Price, p.Currency, p.Stock, p.URL, p.UpdatedAt); err != nil {
			return fmt.Errorf("upserting product %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

// Count returns how many products are stored.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&n)
	return n, err
}

// Summary renders the catalog as a compact product list for prompt grounding.
// Returns "" when the catalog is empty so the prompt builder can skip the
// catalog block entirely. Errors are logged and treated as empty: a broken
// catalog must not block message processing.
func (s *Store) Summary(ctx context.Context) string {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, price, currency, stock
		FROM products
		ORDER BY updated_at DESC
		LIMIT ?`, SummaryLimit)
	if err != nil {
		log.Error().Err(err).Msg("catalog summary query failed")
		return ""
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var (
			name, currency string
			price          float64
			stock          int
		)
		if err := rows.Scan(&name, &price, &currency, &stock); err != nil {
			log.Error().Err(err).Msg("catalog summary scan failed")
			return ""
		}
		availability := "en stock"
		if stock <= 0 {
			availability = "sin stock"
		}
		fmt.Fprintf(&b, "- %s — %s %.2f — %s\n", name, currency, price, availability)
	}
	if err := rows.Err(); err != nil {
		log.Error().Err(err).Msg("catalog summary rows failed")
		return ""
	}
	return strings.TrimSuffix(b.String(), "\n")
}
