package auction

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/auctiond/internal/store"
)

// Validate checks a proposed bid against a snapshot of the auction at now.
// Rules are evaluated in a fixed order and the first failure is returned:
// ended, missing bidder, non-positive amount, owner bidding, bidder already
// winning, amount not strictly below the current bid.
//
// Validate has no side effects.
func Validate(a *store.Auction, amount decimal.Decimal, bidderID string, now time.Time) error {
	if !now.Before(a.EndTime) {
		return &RejectionError{Reason: ReasonAuctionEnded, EndTime: a.EndTime}
	}
	if bidderID == "" {
		return &RejectionError{Reason: ReasonMissingField, Field: "bidder_id"}
	}
	if !amount.IsPositive() {
		return &RejectionError{Reason: ReasonInvalidAmount, Amount: amount}
	}
	if bidderID == a.CreatedBy {
		return &RejectionError{Reason: ReasonOwnerCannotBid}
	}
	if a.CurrentBidder != "" && bidderID == a.CurrentBidder {
		return &RejectionError{Reason: ReasonAlreadyWinning}
	}
	if amount.GreaterThanOrEqual(a.CurrentBid) {
		return &RejectionError{Reason: ReasonBidNotLowEnough, Amount: amount, CurrentBid: a.CurrentBid}
	}
	return nil
}

// apply returns the state after accepting a validated bid. The snapshot is
// left untouched.
func apply(a *store.Auction, amount decimal.Decimal, bidderID string, now time.Time) *store.Auction {
	next := a.Clone()
	next.CurrentBid = amount
	next.CurrentBidder = bidderID
	next.BidsCount++
	next.History = append(next.History, store.Bid{
		BidderID: bidderID,
		Amount:   amount,
		PlacedAt: now,
	})
	return next
}
