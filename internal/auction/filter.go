package auction

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/auctiond/internal/store"
)

// Status is the lifecycle state of an auction, derived from its end time.
type Status string

const (
	StatusAll        Status = "all"
	StatusActive     Status = "active"
	StatusEndingSoon Status = "ending-soon"
	StatusEnded      Status = "ended"
)

// ParseStatus accepts the status names used by listing filters. An empty
// string means StatusAll.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case "":
		return StatusAll, nil
	case StatusAll, StatusActive, StatusEndingSoon, StatusEnded:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidFilter, s)
	}
}

// PriceRange matches auctions whose current bid lies in [Min, Max], or in
// [Min, ∞) when Unbounded is set.
type PriceRange struct {
	Min       decimal.Decimal
	Max       decimal.Decimal
	Unbounded bool
}

// ParsePriceRange parses "min-max" (inclusive) or "min+".
func ParsePriceRange(s string) (PriceRange, error) {
	invalid := func(reason string) (PriceRange, error) {
		return PriceRange{}, fmt.Errorf("%w: price range %q %s", ErrInvalidFilter, s, reason)
	}

	if lo, ok := strings.CutSuffix(s, "+"); ok {
		minPrice, err := decimal.NewFromString(lo)
		if err != nil || minPrice.IsNegative() {
			return invalid("has an invalid lower bound")
		}
		return PriceRange{Min: minPrice, Unbounded: true}, nil
	}

	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return invalid("must look like min-max or min+")
	}
	minPrice, err := decimal.NewFromString(lo)
	if err != nil || minPrice.IsNegative() {
		return invalid("has an invalid lower bound")
	}
	maxPrice, err := decimal.NewFromString(hi)
	if err != nil {
		return invalid("has an invalid upper bound")
	}
	if maxPrice.LessThan(minPrice) {
		return invalid("has its bounds reversed")
	}
	return PriceRange{Min: minPrice, Max: maxPrice}, nil
}

// Contains reports whether price falls inside the range.
func (r PriceRange) Contains(price decimal.Decimal) bool {
	if price.LessThan(r.Min) {
		return false
	}
	return r.Unbounded || price.LessThanOrEqual(r.Max)
}

// Filter selects auctions for ListAuctions. Zero values match everything.
type Filter struct {
	Category   string
	Status     Status
	PriceRange *PriceRange
}

func (f Filter) validate() error {
	_, err := ParseStatus(string(f.Status))
	return err
}

// matcher builds the store predicate for f evaluated at now.
func (f Filter) matcher(now time.Time, endingSoon time.Duration) func(*store.Auction) bool {
	return func(a *store.Auction) bool {
		if f.Category != "" && a.Category != f.Category {
			return false
		}
		if f.PriceRange != nil && !f.PriceRange.Contains(a.CurrentBid) {
			return false
		}
		switch f.Status {
		case StatusActive:
			return now.Before(a.EndTime)
		case StatusEndingSoon:
			return now.Before(a.EndTime) && !a.EndTime.After(now.Add(endingSoon))
		case StatusEnded:
			return !now.Before(a.EndTime)
		}
		return true
	}
}

// StatusAt derives the status of a at now. It never returns StatusAll.
func StatusAt(a *store.Auction, now time.Time, endingSoon time.Duration) Status {
	switch {
	case !now.Before(a.EndTime):
		return StatusEnded
	case !a.EndTime.After(now.Add(endingSoon)):
		return StatusEndingSoon
	default:
		return StatusActive
	}
}
