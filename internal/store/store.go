package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Errors returned by AuctionStore implementations.
var (
	ErrNotFound        = errors.New("auction record not found")
	ErrVersionConflict = errors.New("auction record changed since it was read")
	// ErrHistoryRewrite is returned when an update would drop or reorder
	// entries of the append-only bid history, or disagrees with its length.
	ErrHistoryRewrite = errors.New("bid history is append-only")
)

// Version is an opaque token identifying one committed state of a record.
// Every successful ConditionalUpdate produces a new version.
type Version int64

// Bid is one accepted entry in an auction's history.
type Bid struct {
	BidderID string          `json:"bidder_id" db:"bidder_id"`
	Amount   decimal.Decimal `json:"amount" db:"amount"`
	PlacedAt time.Time       `json:"placed_at" db:"placed_at"`
}

// Auction is the persisted state of a single reverse auction.
type Auction struct {
	ID            string          `json:"id" db:"id"`
	Title         string          `json:"title" db:"title"`
	Description   string          `json:"description" db:"description"`
	Category      string          `json:"category" db:"category"`
	StartingPrice decimal.Decimal `json:"starting_price" db:"starting_price"`
	CurrentBid    decimal.Decimal `json:"current_bid" db:"current_bid"`
	BidsCount     int             `json:"bids_count" db:"bids_count"`
	CurrentBidder string          `json:"current_bidder,omitempty" db:"current_bidder"` // empty until the first bid
	CreatedBy     string          `json:"created_by" db:"created_by"`
	EndTime       time.Time       `json:"end_time" db:"end_time"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	History       []Bid           `json:"history" db:"-"`
}

// Clone returns a deep copy so callers can never alias a stored history.
func (a *Auction) Clone() *Auction {
	c := *a
	c.History = slices.Clone(a.History)
	return &c
}

// HasBidFrom reports whether bidderID appears anywhere in the history.
func (a *Auction) HasBidFrom(bidderID string) bool {
	return slices.ContainsFunc(a.History, func(b Bid) bool { return b.BidderID == bidderID })
}

// AuctionStore is the transactional key-value store holding auction records.
// Implementations must make ConditionalUpdate an atomic compare-and-swap on
// the version token returned by Get.
type AuctionStore interface {
	// Get returns the record and its current version, or ErrNotFound.
	Get(ctx context.Context, id string) (*Auction, Version, error)
	// ConditionalUpdate replaces the record only if it is still at version v.
	// It returns ErrVersionConflict when the record moved on and ErrNotFound
	// when it no longer exists.
	ConditionalUpdate(ctx context.Context, id string, v Version, a *Auction) error
	// Insert persists a new record and returns its assigned id.
	Insert(ctx context.Context, a *Auction) (string, error)
	// Delete removes the record or returns ErrNotFound.
	Delete(ctx context.Context, id string) error
	// Scan returns every record matching pred in insertion order.
	// A nil pred matches everything.
	Scan(ctx context.Context, pred func(*Auction) bool) ([]Auction, error)
}

// CheckHistory returns ErrHistoryRewrite unless next may replace a record
// whose stored history is prev: the history only grows and the bid count
// matches its length.
func CheckHistory(next *Auction, prev []Bid) error {
	if next.BidsCount != len(next.History) || !Extends(next.History, prev) {
		return ErrHistoryRewrite
	}
	return nil
}

// Extends reports whether next keeps every entry of prev, in order, as its
// prefix.
func Extends(next, prev []Bid) bool {
	if len(next) < len(prev) {
		return false
	}
	for i, b := range prev {
		n := next[i]
		if n.BidderID != b.BidderID || !n.Amount.Equal(b.Amount) || !n.PlacedAt.Equal(b.PlacedAt) {
			return false
		}
	}
	return true
}
