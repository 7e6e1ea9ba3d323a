package auction

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Reason is the closed set of ways a request can be rejected by the business
// rules. Rejections are expected outcomes, never faults.
type Reason int

const (
	ReasonAuctionEnded Reason = iota + 1
	ReasonInvalidAmount
	ReasonOwnerCannotBid
	ReasonAlreadyWinning
	ReasonBidNotLowEnough
	ReasonMissingField
	ReasonInvalidEndTime
)

var reasonCodes = map[Reason]string{
	ReasonAuctionEnded:    "auction_ended",
	ReasonInvalidAmount:   "invalid_amount",
	ReasonOwnerCannotBid:  "owner_cannot_bid",
	ReasonAlreadyWinning:  "already_winning",
	ReasonBidNotLowEnough: "bid_not_low_enough",
	ReasonMissingField:    "missing_field",
	ReasonInvalidEndTime:  "invalid_end_time",
}

// String returns the stable snake_case code used in logs, metrics and API
// responses.
func (r Reason) String() string {
	if code, ok := reasonCodes[r]; ok {
		return code
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// RejectionError carries the reason a bid or auction was rejected together
// with the values that caused it. Only the fields relevant to Reason are set.
type RejectionError struct {
	Reason     Reason
	Field      string
	Amount     decimal.Decimal
	CurrentBid decimal.Decimal
	EndTime    time.Time
}

func (e *RejectionError) Error() string {
	switch e.Reason {
	case ReasonAuctionEnded:
		if e.EndTime.IsZero() {
			return "auction has ended"
		}
		return fmt.Sprintf("auction ended at %s", e.EndTime.Format(time.RFC3339))
	case ReasonInvalidAmount:
		if e.Field != "" {
			return fmt.Sprintf("%s must not be negative, got %s", e.Field, e.Amount)
		}
		return fmt.Sprintf("bid amount must be positive, got %s", e.Amount)
	case ReasonOwnerCannotBid:
		return "auction owner cannot bid on their own auction"
	case ReasonAlreadyWinning:
		return "bidder already holds the current bid"
	case ReasonBidNotLowEnough:
		return fmt.Sprintf("bid %s must be lower than current bid %s", e.Amount, e.CurrentBid)
	case ReasonMissingField:
		if e.Field == "" {
			return "required field is missing"
		}
		return fmt.Sprintf("required field %q is missing", e.Field)
	case ReasonInvalidEndTime:
		return fmt.Sprintf("end time %s is too soon", e.EndTime.Format(time.RFC3339))
	default:
		return "rejected: " + e.Reason.String()
	}
}

// Is matches any RejectionError with the same Reason, so callers can use
// errors.Is(err, ErrBidNotLowEnough) regardless of the attached context.
func (e *RejectionError) Is(target error) bool {
	t, ok := target.(*RejectionError)
	return ok && t.Reason == e.Reason
}

// Rejection sentinels for errors.Is.
var (
	ErrAuctionEnded    = &RejectionError{Reason: ReasonAuctionEnded}
	ErrInvalidAmount   = &RejectionError{Reason: ReasonInvalidAmount}
	ErrOwnerCannotBid  = &RejectionError{Reason: ReasonOwnerCannotBid}
	ErrAlreadyWinning  = &RejectionError{Reason: ReasonAlreadyWinning}
	ErrBidNotLowEnough = &RejectionError{Reason: ReasonBidNotLowEnough}
	ErrMissingField    = &RejectionError{Reason: ReasonMissingField}
	ErrInvalidEndTime  = &RejectionError{Reason: ReasonInvalidEndTime}
)

// Errors returned by auction operations.
var (
	ErrAuctionNotFound = errors.New("auction not found")
	// ErrConcurrencyExhausted means every attempt lost the conditional write
	// to another bidder. The bid was never evaluated against the final state.
	ErrConcurrencyExhausted = errors.New("too many concurrent bids, retry later")
	ErrInvalidFilter        = errors.New("invalid auction filter")
)

// ReasonOf extracts the rejection reason from err, if it carries one.
func ReasonOf(err error) (Reason, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return 0, false
}
