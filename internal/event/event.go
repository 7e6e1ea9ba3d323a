// Package event defines the domain events emitted after an auction change
// commits, and the publishers that fan them out.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type identifies an event kind.
type Type string

const (
	AuctionCreated   Type = "auction.created"
	AuctionBidPlaced Type = "auction.bid_placed"
	AuctionDeleted   Type = "auction.deleted"
	AuctionEnded     Type = "auction.ended"
)

// Event represents a single domain event.
type Event struct {
	ID          string          `json:"id"`
	AggregateID string          `json:"aggregate_id"`
	Type        Type            `json:"type"`
	Data        json.RawMessage `json:"data"`
	// Version is the number of accepted bids on the auction when the event
	// was emitted.
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// New builds an Event with a fresh ID, encoding data as its payload.
func New(aggregateID string, typ Type, version int, data any, at time.Time) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("encoding %s payload: %w", typ, err)
	}
	return Event{
		ID:          uuid.NewString(),
		AggregateID: aggregateID,
		Type:        typ,
		Data:        raw,
		Version:     version,
		CreatedAt:   at,
	}, nil
}

// AuctionCreatedData is the payload for AuctionCreated events.
type AuctionCreatedData struct {
	Title         string          `json:"title"`
	Category      string          `json:"category"`
	StartingPrice decimal.Decimal `json:"starting_price"`
	EndTime       time.Time       `json:"end_time"`
	CreatedBy     string          `json:"created_by"`
}

// BidPlacedData is the payload for AuctionBidPlaced events.
type BidPlacedData struct {
	BidderID string          `json:"bidder_id"`
	Amount   decimal.Decimal `json:"amount"`
}

// AuctionDeletedData is the payload for AuctionDeleted events.
type AuctionDeletedData struct {
	DeletedBy string `json:"deleted_by,omitempty"`
}

// AuctionEndedData is the payload for AuctionEnded events. WinnerID is empty
// when the auction closed without bids.
type AuctionEndedData struct {
	WinnerID  string          `json:"winner_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	BidsCount int             `json:"bids_count"`
}
