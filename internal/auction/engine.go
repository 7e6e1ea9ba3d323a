package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auctiond/internal/clock"
	"github.com/jensholdgaard/auctiond/internal/event"
	"github.com/jensholdgaard/auctiond/internal/store"
)

const instrumentationName = "github.com/jensholdgaard/auctiond/internal/auction"

// DefaultMaxAttempts bounds how many times a bid is re-read and re-validated
// after losing a conditional write.
const DefaultMaxAttempts = 3

// Engine accepts bids. It holds no auction state of its own: every attempt
// reads the record from the store and commits through a conditional write,
// so any number of goroutines or processes may share one store.
type Engine struct {
	records     store.AuctionStore
	events      event.Publisher
	logger      *slog.Logger
	tracer      trace.Tracer
	clock       clock.Clock
	maxAttempts int

	accepted  metric.Int64Counter
	rejected  metric.Int64Counter
	conflicts metric.Int64Counter
}

// NewEngine creates a bid acceptance Engine. A maxAttempts below 1 selects
// DefaultMaxAttempts.
func NewEngine(
	records store.AuctionStore,
	events event.Publisher,
	logger *slog.Logger,
	tp trace.TracerProvider,
	mp metric.MeterProvider,
	clk clock.Clock,
	maxAttempts int,
) (*Engine, error) {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	meter := mp.Meter(instrumentationName)

	accepted, err := meter.Int64Counter("auction.bids.accepted",
		metric.WithDescription("Bids committed to an auction."))
	if err != nil {
		return nil, fmt.Errorf("creating accepted counter: %w", err)
	}
	rejected, err := meter.Int64Counter("auction.bids.rejected",
		metric.WithDescription("Bids rejected by validation, by reason."))
	if err != nil {
		return nil, fmt.Errorf("creating rejected counter: %w", err)
	}
	conflicts, err := meter.Int64Counter("auction.bids.conflicts",
		metric.WithDescription("Conditional writes lost to a concurrent bid."))
	if err != nil {
		return nil, fmt.Errorf("creating conflicts counter: %w", err)
	}

	return &Engine{
		records:     records,
		events:      events,
		logger:      logger,
		tracer:      tp.Tracer(instrumentationName),
		clock:       clk,
		maxAttempts: maxAttempts,
		accepted:    accepted,
		rejected:    rejected,
		conflicts:   conflicts,
	}, nil
}

// PlaceBid validates amount from bidderID against the current state of the
// auction and commits it with a conditional write. A lost write is retried
// from a fresh read, so a bid that was valid against stale state is
// re-validated against the state that beat it.
//
// Rejections are returned as *RejectionError. A canceled context aborts the
// call only before the write commits.
func (e *Engine) PlaceBid(ctx context.Context, auctionID string, amount decimal.Decimal, bidderID string) (*store.Auction, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.PlaceBid",
		trace.WithAttributes(
			attribute.String("auction.id", auctionID),
			attribute.String("bidder.id", bidderID),
			attribute.String("bid.amount", amount.String()),
		),
	)
	defer span.End()

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current, version, err := e.records.Get(ctx, auctionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("auction %s: %w", auctionID, ErrAuctionNotFound)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "reading auction")
			return nil, fmt.Errorf("reading auction %s: %w", auctionID, err)
		}

		now := e.clock.Now()
		if err := Validate(current, amount, bidderID, now); err != nil {
			return nil, e.reject(ctx, span, err)
		}
		// Postgres keeps microseconds, so a finer PlacedAt would not round-trip.
		placedAt := now.UTC().Truncate(time.Microsecond)
		next := apply(current, amount, bidderID, placedAt)

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		err = e.records.ConditionalUpdate(ctx, auctionID, version, next)
		switch {
		case err == nil:
			span.SetAttributes(attribute.Int("bid.attempts", attempt))
			e.accepted.Add(ctx, 1)
			e.logger.InfoContext(ctx, "bid accepted",
				slog.String("auction_id", auctionID),
				slog.String("bidder_id", bidderID),
				slog.String("amount", amount.String()),
				slog.Int("bids_count", next.BidsCount),
			)
			publish(ctx, e.events, e.logger, auctionID, event.AuctionBidPlaced, next.BidsCount,
				event.BidPlacedData{BidderID: bidderID, Amount: amount}, placedAt)
			return next, nil

		case errors.Is(err, store.ErrVersionConflict):
			e.conflicts.Add(ctx, 1)
			e.logger.DebugContext(ctx, "bid lost conditional write, retrying",
				slog.String("auction_id", auctionID),
				slog.String("bidder_id", bidderID),
				slog.Int("attempt", attempt),
			)

		case errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("auction %s: %w", auctionID, ErrAuctionNotFound)

		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "committing bid")
			return nil, fmt.Errorf("committing bid on auction %s: %w", auctionID, err)
		}
	}

	span.SetStatus(codes.Error, "concurrency exhausted")
	e.logger.WarnContext(ctx, "bid abandoned after repeated conflicts",
		slog.String("auction_id", auctionID),
		slog.String("bidder_id", bidderID),
		slog.Int("attempts", e.maxAttempts),
	)
	return nil, fmt.Errorf("auction %s after %d attempts: %w", auctionID, e.maxAttempts, ErrConcurrencyExhausted)
}

func (e *Engine) reject(ctx context.Context, span trace.Span, err error) error {
	reason, _ := ReasonOf(err)
	span.SetAttributes(attribute.String("bid.rejected", reason.String()))
	e.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason.String())))
	return err
}
