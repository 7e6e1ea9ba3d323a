package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/auctiond/internal/store"
)

const auctionColumns = `id, title, description, category, starting_price, current_bid,
	bids_count, current_bidder, created_by, end_time, created_at`

type auctionRow struct {
	store.Auction
	Version store.Version `db:"version"`
}

type bidRow struct {
	AuctionID string `db:"auction_id"`
	store.Bid
}

// AuctionStore implements store.AuctionStore with sqlx. The auctions row
// carries the version token; history rows are only ever inserted.
type AuctionStore struct {
	db *sqlx.DB
}

// NewAuctionStore returns a new AuctionStore.
func NewAuctionStore(db *sqlx.DB) *AuctionStore {
	return &AuctionStore{db: db}
}

// snapshot opens a read-only transaction so the auction row and its bids are
// read from the same committed state.
func (s *AuctionStore) snapshot(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("beginning read transaction: %w", err)
	}
	return tx, nil
}

func (s *AuctionStore) Get(ctx context.Context, id string) (*store.Auction, store.Version, error) {
	tx, err := s.snapshot(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var row auctionRow
	err = tx.GetContext(ctx, &row, `SELECT `+auctionColumns+`, version FROM auctions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, store.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("getting auction: %w", err)
	}

	if err := tx.SelectContext(ctx, &row.History,
		`SELECT bidder_id, amount, placed_at FROM auction_bids WHERE auction_id = $1 ORDER BY position ASC`, id,
	); err != nil {
		return nil, 0, fmt.Errorf("loading bid history: %w", err)
	}

	a := row.Auction
	return &a, row.Version, nil
}

func (s *AuctionStore) ConditionalUpdate(ctx context.Context, id string, v store.Version, a *store.Auction) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current store.Version
	err = tx.GetContext(ctx, &current, `SELECT version FROM auctions WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("locking auction: %w", err)
	}
	if current != v {
		return store.ErrVersionConflict
	}

	var stored []store.Bid
	if err := tx.SelectContext(ctx, &stored,
		`SELECT bidder_id, amount, placed_at FROM auction_bids WHERE auction_id = $1 ORDER BY position ASC`, id,
	); err != nil {
		return fmt.Errorf("loading bid history: %w", err)
	}
	if err := store.CheckHistory(a, stored); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE auctions SET current_bid = $1, bids_count = $2, current_bidder = $3, version = version + 1
		 WHERE id = $4`,
		a.CurrentBid, a.BidsCount, a.CurrentBidder, id,
	); err != nil {
		return fmt.Errorf("updating auction: %w", err)
	}

	if err := insertBids(ctx, tx, id, len(stored), a.History[len(stored):]); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing auction update: %w", err)
	}
	return nil
}

func insertBids(ctx context.Context, tx *sqlx.Tx, auctionID string, from int, bids []store.Bid) error {
	if len(bids) == 0 {
		return nil
	}
	stmt, err := tx.PreparexContext(ctx,
		`INSERT INTO auction_bids (auction_id, position, bidder_id, amount, placed_at) VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for i, b := range bids {
		if _, err := stmt.ExecContext(ctx, auctionID, from+i, b.BidderID, b.Amount, b.PlacedAt.UTC()); err != nil {
			return fmt.Errorf("inserting bid (auction=%s, position=%d): %w", auctionID, from+i, err)
		}
	}
	return nil
}

func (s *AuctionStore) Insert(ctx context.Context, a *store.Auction) (string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowxContext(ctx,
		`INSERT INTO auctions (title, description, category, starting_price, current_bid,
		                       bids_count, current_bidder, created_by, end_time, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		a.Title, a.Description, a.Category, a.StartingPrice, a.CurrentBid,
		a.BidsCount, a.CurrentBidder, a.CreatedBy, a.EndTime.UTC(), a.CreatedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("inserting auction: %w", err)
	}

	if err := insertBids(ctx, tx, id, 0, a.History); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing auction insert: %w", err)
	}
	return id, nil
}

func (s *AuctionStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM auctions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting auction: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *AuctionStore) Scan(ctx context.Context, pred func(*store.Auction) bool) ([]store.Auction, error) {
	tx, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var rows []auctionRow
	if err := tx.SelectContext(ctx, &rows,
		`SELECT `+auctionColumns+`, version FROM auctions ORDER BY seq ASC`,
	); err != nil {
		return nil, fmt.Errorf("scanning auctions: %w", err)
	}

	var bids []bidRow
	if err := tx.SelectContext(ctx, &bids,
		`SELECT auction_id, bidder_id, amount, placed_at FROM auction_bids ORDER BY auction_id, position ASC`,
	); err != nil {
		return nil, fmt.Errorf("scanning bid history: %w", err)
	}

	history := make(map[string][]store.Bid, len(rows))
	for _, b := range bids {
		history[b.AuctionID] = append(history[b.AuctionID], b.Bid)
	}

	var out []store.Auction
	for _, r := range rows {
		a := r.Auction
		a.History = history[a.ID]
		if pred == nil || pred(&a) {
			out = append(out, a)
		}
	}
	return out, nil
}
