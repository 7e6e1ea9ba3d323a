package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auctiond/internal/clock"
	"github.com/jensholdgaard/auctiond/internal/event"
	"github.com/jensholdgaard/auctiond/internal/store"
)

// Policy holds the lifecycle rules that are configurable.
type Policy struct {
	// MinDuration is the shortest allowed gap between creation and end time.
	MinDuration time.Duration
	// EndingSoonWindow is how close to its end an active auction must be to
	// match StatusEndingSoon.
	EndingSoonWindow time.Duration
}

// DefaultPolicy requires auctions to run at least a day and treats the last
// day as ending soon.
func DefaultPolicy() Policy {
	return Policy{MinDuration: 24 * time.Hour, EndingSoonWindow: 24 * time.Hour}
}

// NewAuction holds the owner-supplied fields of an auction. StartingPrice is
// a pointer so that an omitted price is distinguishable from zero.
type NewAuction struct {
	Title         string
	Description   string
	Category      string
	StartingPrice *decimal.Decimal
	EndTime       time.Time
	CreatedBy     string
}

// Manager governs auction creation, listing and deletion.
type Manager struct {
	records store.AuctionStore
	events  event.Publisher
	logger  *slog.Logger
	tracer  trace.Tracer
	clock   clock.Clock
	policy  Policy
}

// NewManager creates a new auction Manager.
func NewManager(records store.AuctionStore, events event.Publisher, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock, policy Policy) *Manager {
	return &Manager{
		records: records,
		events:  events,
		logger:  logger,
		tracer:  tp.Tracer(instrumentationName),
		clock:   clk,
		policy:  policy,
	}
}

// Policy returns the lifecycle rules in force.
func (m *Manager) Policy() Policy { return m.policy }

func missing(field string) error {
	return &RejectionError{Reason: ReasonMissingField, Field: field}
}

func (n NewAuction) validate(now time.Time, minDuration time.Duration) error {
	switch {
	case strings.TrimSpace(n.Title) == "":
		return missing("title")
	case strings.TrimSpace(n.Description) == "":
		return missing("description")
	case n.StartingPrice == nil:
		return missing("starting_price")
	case n.EndTime.IsZero():
		return missing("end_time")
	case strings.TrimSpace(n.CreatedBy) == "":
		return missing("created_by")
	}
	if n.StartingPrice.IsNegative() {
		return &RejectionError{Reason: ReasonInvalidAmount, Field: "starting_price", Amount: *n.StartingPrice}
	}
	if n.EndTime.Before(now.Add(minDuration)) {
		return &RejectionError{Reason: ReasonInvalidEndTime, EndTime: n.EndTime}
	}
	return nil
}

// CreateAuction validates n and persists a new auction with no bids.
func (m *Manager) CreateAuction(ctx context.Context, n NewAuction) (*store.Auction, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.CreateAuction",
		trace.WithAttributes(
			attribute.String("auction.title", n.Title),
			attribute.String("auction.created_by", n.CreatedBy),
		),
	)
	defer span.End()

	now := m.clock.Now()
	if err := n.validate(now, m.policy.MinDuration); err != nil {
		return nil, err
	}

	a := &store.Auction{
		Title:         n.Title,
		Description:   n.Description,
		Category:      n.Category,
		StartingPrice: *n.StartingPrice,
		CurrentBid:    *n.StartingPrice,
		CreatedBy:     n.CreatedBy,
		EndTime:       n.EndTime.UTC(),
		CreatedAt:     now,
	}
	id, err := m.records.Insert(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("persisting auction: %w", err)
	}
	a.ID = id

	m.logger.InfoContext(ctx, "auction created",
		slog.String("auction_id", id),
		slog.String("title", a.Title),
		slog.String("created_by", a.CreatedBy),
		slog.Time("end_time", a.EndTime),
	)
	publish(ctx, m.events, m.logger, id, event.AuctionCreated, 0, event.AuctionCreatedData{
		Title:         a.Title,
		Category:      a.Category,
		StartingPrice: a.StartingPrice,
		EndTime:       a.EndTime,
		CreatedBy:     a.CreatedBy,
	}, now)
	return a, nil
}

// GetAuction returns a single auction.
func (m *Manager) GetAuction(ctx context.Context, id string) (*store.Auction, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.GetAuction",
		trace.WithAttributes(attribute.String("auction.id", id)),
	)
	defer span.End()

	a, _, err := m.records.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("auction %s: %w", id, ErrAuctionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting auction %s: %w", id, err)
	}
	return a, nil
}

// ListAuctions returns the auctions matching f in store order.
func (m *Manager) ListAuctions(ctx context.Context, f Filter) ([]store.Auction, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.ListAuctions",
		trace.WithAttributes(
			attribute.String("filter.category", f.Category),
			attribute.String("filter.status", string(f.Status)),
		),
	)
	defer span.End()

	if err := f.validate(); err != nil {
		return nil, err
	}
	return m.scan(ctx, f.matcher(m.clock.Now(), m.policy.EndingSoonWindow))
}

// ListAuctionsByOwner returns the auctions created by ownerID.
func (m *Manager) ListAuctionsByOwner(ctx context.Context, ownerID string) ([]store.Auction, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.ListAuctionsByOwner",
		trace.WithAttributes(attribute.String("owner.id", ownerID)),
	)
	defer span.End()

	return m.scan(ctx, func(a *store.Auction) bool { return a.CreatedBy == ownerID })
}

// ListAuctionsByBidder returns the auctions bidderID has bid on at least
// once, whether or not they still hold the current bid.
func (m *Manager) ListAuctionsByBidder(ctx context.Context, bidderID string) ([]store.Auction, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.ListAuctionsByBidder",
		trace.WithAttributes(attribute.String("bidder.id", bidderID)),
	)
	defer span.End()

	return m.scan(ctx, func(a *store.Auction) bool { return a.HasBidFrom(bidderID) })
}

func (m *Manager) scan(ctx context.Context, pred func(*store.Auction) bool) ([]store.Auction, error) {
	auctions, err := m.records.Scan(ctx, pred)
	if err != nil {
		return nil, fmt.Errorf("listing auctions: %w", err)
	}
	return auctions, nil
}

// DeleteAuction removes an auction. Authorization is the caller's concern;
// requestedBy is only recorded on the emitted event.
func (m *Manager) DeleteAuction(ctx context.Context, id, requestedBy string) error {
	ctx, span := m.tracer.Start(ctx, "Manager.DeleteAuction",
		trace.WithAttributes(attribute.String("auction.id", id)),
	)
	defer span.End()

	err := m.records.Delete(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("auction %s: %w", id, ErrAuctionNotFound)
	}
	if err != nil {
		return fmt.Errorf("deleting auction %s: %w", id, err)
	}

	m.logger.InfoContext(ctx, "auction deleted",
		slog.String("auction_id", id),
		slog.String("requested_by", requestedBy),
	)
	publish(ctx, m.events, m.logger, id, event.AuctionDeleted, 0,
		event.AuctionDeletedData{DeletedBy: requestedBy}, m.clock.Now())
	return nil
}
