package auction_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/auctiond/internal/auction"
	"github.com/jensholdgaard/auctiond/internal/clock"
	"github.com/jensholdgaard/auctiond/internal/event"
	"github.com/jensholdgaard/auctiond/internal/store"
	"github.com/jensholdgaard/auctiond/internal/store/memory"
	"github.com/jensholdgaard/auctiond/internal/store/storetest"
)

// now matches the creation time used by storetest.Fixture; fixtures end two
// days later.
var now = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// --- mock helpers ---

type recordingPublisher struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) types() []event.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]event.Type, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

// racingStore runs a hook right before the next conditional write, which lets
// a test commit a competing bid between the engine's read and its write.
type racingStore struct {
	store.AuctionStore

	mu     sync.Mutex
	before func()
	writes int
}

func (s *racingStore) beforeNextWrite(fn func()) {
	s.mu.Lock()
	s.before = fn
	s.mu.Unlock()
}

func (s *racingStore) ConditionalUpdate(ctx context.Context, id string, v store.Version, a *store.Auction) error {
	s.mu.Lock()
	hook := s.before
	s.before = nil
	s.writes++
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return s.AuctionStore.ConditionalUpdate(ctx, id, v, a)
}

// conflictStore loses every conditional write.
type conflictStore struct {
	store.AuctionStore
	attempts int
}

func (s *conflictStore) ConditionalUpdate(context.Context, string, store.Version, *store.Auction) error {
	s.attempts++
	return store.ErrVersionConflict
}

// faultStore fails reads or writes with err.
type faultStore struct {
	store.AuctionStore
	getErr, updateErr error
}

func (s *faultStore) Get(ctx context.Context, id string) (*store.Auction, store.Version, error) {
	if s.getErr != nil {
		return nil, 0, s.getErr
	}
	return s.AuctionStore.Get(ctx, id)
}

func (s *faultStore) ConditionalUpdate(ctx context.Context, id string, v store.Version, a *store.Auction) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	return s.AuctionStore.ConditionalUpdate(ctx, id, v, a)
}

// --- constructors ---

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func newEngine(t *testing.T, records store.AuctionStore, pub event.Publisher, clk clock.Clock, attempts int) *auction.Engine {
	t.Helper()
	if pub == nil {
		pub = event.Discard
	}
	e, err := auction.NewEngine(records, pub, discardLogger(), noop.NewTracerProvider(), metricnoop.NewMeterProvider(), clk, attempts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

// seed stores an open auction owned by owner at the given starting price.
func seed(t *testing.T, records store.AuctionStore, owner string, price int64) string {
	t.Helper()
	id, err := records.Insert(context.Background(), storetest.Fixture("Website redesign", owner, price))
	if err != nil {
		t.Fatalf("seeding auction: %v", err)
	}
	return id
}

func mustGet(t *testing.T, records store.AuctionStore, id string) *store.Auction {
	t.Helper()
	a, _, err := records.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return a
}

// checkInvariants asserts the structural rules every reachable state obeys.
func checkInvariants(t *testing.T, a *store.Auction) {
	t.Helper()
	if a.CurrentBid.GreaterThan(a.StartingPrice) {
		t.Errorf("current bid %s above starting price %s", a.CurrentBid, a.StartingPrice)
	}
	if a.BidsCount != len(a.History) {
		t.Errorf("bids count %d != history length %d", a.BidsCount, len(a.History))
	}
	if n := len(a.History); n > 0 {
		last := a.History[n-1]
		if a.CurrentBidder != last.BidderID {
			t.Errorf("current bidder %q != last history bidder %q", a.CurrentBidder, last.BidderID)
		}
		if !a.CurrentBid.Equal(last.Amount) {
			t.Errorf("current bid %s != last history amount %s", a.CurrentBid, last.Amount)
		}
	} else if a.CurrentBidder != "" {
		t.Errorf("current bidder %q with empty history", a.CurrentBidder)
	}
	if a.CurrentBidder != "" && a.CurrentBidder == a.CreatedBy {
		t.Errorf("owner %q holds the current bid", a.CreatedBy)
	}
	for i := 1; i < len(a.History); i++ {
		if !a.History[i].Amount.LessThan(a.History[i-1].Amount) {
			t.Errorf("history[%d] = %s does not undercut history[%d] = %s",
				i, a.History[i].Amount, i-1, a.History[i-1].Amount)
		}
	}
}

func newMemory() *memory.Store { return memory.New() }
