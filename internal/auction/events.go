package auction

import (
	"context"
	"log/slog"
	"time"

	"github.com/jensholdgaard/auctiond/internal/event"
)

// publish announces a committed change. The change is final by the time this
// runs, so a failure is logged and never returned, and caller cancellation
// does not stop delivery.
func publish(ctx context.Context, pub event.Publisher, logger *slog.Logger, auctionID string, typ event.Type, version int, data any, at time.Time) {
	e, err := event.New(auctionID, typ, version, data, at)
	if err == nil {
		err = pub.Publish(context.WithoutCancel(ctx), e)
	}
	if err != nil {
		logger.ErrorContext(ctx, "failed to publish auction event",
			slog.String("auction_id", auctionID),
			slog.String("type", string(typ)),
			slog.Any("error", err),
		)
	}
}
