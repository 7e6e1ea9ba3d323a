// Package docstore provides the "document" store.Driver: each auction is a
// single JSONB document guarded by a version column, accessed through plain
// database/sql with OTEL instrumentation via otelsql.
//
// It shares the Postgres database and migrations of the relational driver
// but keeps bids embedded in the document instead of a child table.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/XSAM/otelsql"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // postgres driver
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/jensholdgaard/auctiond/internal/config"
	"github.com/jensholdgaard/auctiond/internal/store"
	"github.com/jensholdgaard/auctiond/internal/store/postgres"
)

func init() {
	store.Register("document", open)
}

func open(ctx context.Context, cfg config.StoreConfig) (*store.Backend, error) {
	db, err := Connect(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	if cfg.Postgres.AutoMigrate {
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &store.Backend{
		Auctions: New(db),
		Closer:   db,
		Ping:     db.PingContext,
	}, nil
}

// Connect opens and verifies a Postgres connection via database/sql.
func Connect(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := otelsql.Open("postgres", cfg.DSN(),
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("opening document database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging document database: %w", err)
	}

	return db, nil
}

// Store implements store.AuctionStore over the auction_documents table.
type Store struct {
	db *sql.DB
}

// New returns a new Store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func decode(raw []byte) (*store.Auction, error) {
	var a store.Auction
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decoding auction document: %w", err)
	}
	return &a, nil
}

func (s *Store) Get(ctx context.Context, id string) (*store.Auction, store.Version, error) {
	var (
		raw []byte
		v   store.Version
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT doc, version FROM auction_documents WHERE id = $1`, id,
	).Scan(&raw, &v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, store.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("getting auction document: %w", err)
	}
	a, err := decode(raw)
	if err != nil {
		return nil, 0, err
	}
	return a, v, nil
}

func (s *Store) ConditionalUpdate(ctx context.Context, id string, v store.Version, a *store.Auction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		raw     []byte
		current store.Version
	)
	err = tx.QueryRowContext(ctx,
		`SELECT doc, version FROM auction_documents WHERE id = $1 FOR UPDATE`, id,
	).Scan(&raw, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("locking auction document: %w", err)
	}
	if current != v {
		return store.ErrVersionConflict
	}

	prev, err := decode(raw)
	if err != nil {
		return err
	}
	if err := store.CheckHistory(a, prev.History); err != nil {
		return err
	}

	next := a.Clone()
	next.ID = id
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encoding auction document: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE auction_documents SET doc = $1, version = version + 1 WHERE id = $2`, doc, id,
	); err != nil {
		return fmt.Errorf("updating auction document: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing auction document: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, a *store.Auction) (string, error) {
	next := a.Clone()
	next.ID = uuid.NewString()
	doc, err := json.Marshal(next)
	if err != nil {
		return "", fmt.Errorf("encoding auction document: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO auction_documents (id, doc) VALUES ($1, $2)`, next.ID, doc,
	); err != nil {
		return "", fmt.Errorf("inserting auction document: %w", err)
	}
	return next.ID, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM auction_documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting auction document: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, pred func(*store.Auction) bool) ([]store.Auction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM auction_documents ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("scanning auction documents: %w", err)
	}
	defer rows.Close()

	var out []store.Auction
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning auction document row: %w", err)
		}
		a, err := decode(raw)
		if err != nil {
			return nil, err
		}
		if pred == nil || pred(a) {
			out = append(out, *a)
		}
	}
	return out, rows.Err()
}
