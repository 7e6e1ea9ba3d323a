// Package sweeper announces auctions as they pass their end time. Status is
// derived from the end time, so the sweeper only publishes auction.ended; it
// never writes to the store.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auctiond/internal/clock"
	"github.com/jensholdgaard/auctiond/internal/event"
	"github.com/jensholdgaard/auctiond/internal/store"
)

// Scanner is the read side of store.AuctionStore the sweeper needs.
type Scanner interface {
	Scan(ctx context.Context, pred func(*store.Auction) bool) ([]store.Auction, error)
}

// Sweeper publishes auction.ended for every auction whose end time falls
// between two consecutive sweeps.
type Sweeper struct {
	records  Scanner
	events   event.Publisher
	logger   *slog.Logger
	tracer   trace.Tracer
	clock    clock.Clock
	interval time.Duration

	mu        sync.Mutex
	lastSweep time.Time
}

// New creates a Sweeper. Auctions that ended before New was called are not
// announced.
func New(records Scanner, events event.Publisher, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock, interval time.Duration) *Sweeper {
	return &Sweeper{
		records:   records,
		events:    events,
		logger:    logger,
		tracer:    tp.Tracer("github.com/jensholdgaard/auctiond/internal/sweeper"),
		clock:     clk,
		interval:  interval,
		lastSweep: clk.Now(),
	}
}

// Sweep announces auctions that ended in (last sweep, now] and returns how
// many it found. A failed scan leaves the window open for the next sweep.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	from := s.lastSweep

	ctx, span := s.tracer.Start(ctx, "Sweeper.Sweep",
		trace.WithAttributes(
			attribute.String("sweep.from", from.Format(time.RFC3339)),
			attribute.String("sweep.to", now.Format(time.RFC3339)),
		),
	)
	defer span.End()

	ended, err := s.records.Scan(ctx, func(a *store.Auction) bool {
		return a.EndTime.After(from) && !a.EndTime.After(now)
	})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("scanning for ended auctions: %w", err)
	}

	for i := range ended {
		s.announce(ctx, &ended[i])
	}
	s.lastSweep = now
	span.SetAttributes(attribute.Int("sweep.ended", len(ended)))
	return len(ended), nil
}

func (s *Sweeper) announce(ctx context.Context, a *store.Auction) {
	e, err := event.New(a.ID, event.AuctionEnded, a.BidsCount, event.AuctionEndedData{
		WinnerID:  a.CurrentBidder,
		Amount:    a.CurrentBid,
		BidsCount: a.BidsCount,
	}, a.EndTime)
	if err == nil {
		err = s.events.Publish(ctx, e)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to announce ended auction",
			slog.String("auction_id", a.ID),
			slog.Any("error", err),
		)
		return
	}
	s.logger.InfoContext(ctx, "auction ended",
		slog.String("auction_id", a.ID),
		slog.String("winner_id", a.CurrentBidder),
		slog.String("amount", a.CurrentBid.String()),
	)
}

// Run sweeps on a cron schedule until ctx is canceled, then waits for a
// running sweep to finish. The window restarts at the time Run is called,
// so auctions that ended while another replica held the lease are not
// announced again.
func (s *Sweeper) Run(ctx context.Context) error {
	s.mu.Lock()
	s.lastSweep = s.clock.Now()
	s.mu.Unlock()

	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.WarnContext(ctx, "sweep failed", slog.Any("error", err))
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling sweeper: %w", err)
	}

	s.logger.InfoContext(ctx, "sweeper started", slog.Duration("interval", s.interval))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("sweeper stopped")
	return nil
}
