// Package storetest holds the conformance suite every store.AuctionStore
// driver runs from its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/auctiond/internal/store"
)

// Factory returns an empty store for a single subtest.
type Factory func(t *testing.T) store.AuctionStore

// base is truncated to the second so every backend round-trips it exactly.
var base = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

// Fixture returns an unsaved auction owned by owner.
func Fixture(title, owner string, price int64) *store.Auction {
	return &store.Auction{
		Title:         title,
		Description:   "description of " + title,
		Category:      "web-development",
		StartingPrice: decimal.NewFromInt(price),
		CurrentBid:    decimal.NewFromInt(price),
		CreatedBy:     owner,
		EndTime:       base.Add(48 * time.Hour),
		CreatedAt:     base,
	}
}

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.AuctionStore)
	}{
		{"InsertAndGet", testInsertAndGet},
		{"GetMissing", testGetMissing},
		{"ConditionalUpdate", testConditionalUpdate},
		{"StaleVersionConflicts", testStaleVersion},
		{"UpdateMissing", testUpdateMissing},
		{"HistoryOrder", testHistoryOrder},
		{"HistoryIsAppendOnly", testHistoryAppendOnly},
		{"Delete", testDelete},
		{"ScanOrderAndPredicate", testScan},
		{"ConcurrentWritersOneWins", testConcurrentWriters},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func testInsertAndGet(t *testing.T, s store.AuctionStore) {
	ctx := context.Background()
	a := Fixture("Landing page", "owner-1", 100)

	id, err := s.Insert(ctx, a)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if id == "" {
		t.Fatal("expected Insert to assign an id")
	}

	got, v, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != id {
		t.Errorf("ID = %q, want %q", got.ID, id)
	}
	if got.Title != a.Title || got.Description != a.Description || got.Category != a.Category {
		t.Errorf("descriptive fields = %q/%q/%q, want %q/%q/%q",
			got.Title, got.Description, got.Category, a.Title, a.Description, a.Category)
	}
	if !got.StartingPrice.Equal(a.StartingPrice) || !got.CurrentBid.Equal(a.CurrentBid) {
		t.Errorf("prices = %s/%s, want %s/%s", got.StartingPrice, got.CurrentBid, a.StartingPrice, a.CurrentBid)
	}
	if got.CreatedBy != "owner-1" {
		t.Errorf("CreatedBy = %q, want %q", got.CreatedBy, "owner-1")
	}
	if !got.EndTime.Equal(a.EndTime) {
		t.Errorf("EndTime = %v, want %v", got.EndTime, a.EndTime)
	}
	if got.BidsCount != 0 || len(got.History) != 0 || got.CurrentBidder != "" {
		t.Errorf("expected no bids, got count=%d history=%d bidder=%q", got.BidsCount, len(got.History), got.CurrentBidder)
	}

	// The returned record must not alias stored state.
	got.History = append(got.History, store.Bid{BidderID: "x", Amount: decimal.NewFromInt(1), PlacedAt: base})
	again, v2, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if len(again.History) != 0 {
		t.Error("mutating a returned record leaked into the store")
	}
	if v2 != v {
		t.Errorf("version moved without a write: %d -> %d", v, v2)
	}
}

func testGetMissing(t *testing.T, s store.AuctionStore) {
	_, _, err := s.Get(context.Background(), "00000000-0000-0000-0000-000000000000")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func bidOn(a *store.Auction, bidder string, amount int64, at time.Time) {
	a.CurrentBid = decimal.NewFromInt(amount)
	a.CurrentBidder = bidder
	a.BidsCount++
	a.History = append(a.History, store.Bid{BidderID: bidder, Amount: decimal.NewFromInt(amount), PlacedAt: at})
}

func testConditionalUpdate(t *testing.T, s store.AuctionStore) {
	ctx := context.Background()
	id, err := s.Insert(ctx, Fixture("Logo", "owner-1", 100))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	a, v, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	bidOn(a, "bidder-1", 90, base.Add(time.Minute))
	if err := s.ConditionalUpdate(ctx, id, v, a); err != nil {
		t.Fatalf("ConditionalUpdate: %v", err)
	}

	got, v2, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if v2 == v {
		t.Error("expected version to change after a committed update")
	}
	if !got.CurrentBid.Equal(decimal.NewFromInt(90)) {
		t.Errorf("CurrentBid = %s, want 90", got.CurrentBid)
	}
	if got.CurrentBidder != "bidder-1" || got.BidsCount != 1 || len(got.History) != 1 {
		t.Errorf("got bidder=%q count=%d history=%d, want bidder-1/1/1", got.CurrentBidder, got.BidsCount, len(got.History))
	}
	if !got.StartingPrice.Equal(decimal.NewFromInt(100)) {
		t.Errorf("StartingPrice changed to %s", got.StartingPrice)
	}
}

func testStaleVersion(t *testing.T, s store.AuctionStore) {
	ctx := context.Background()
	id, err := s.Insert(ctx, Fixture("Copy", "owner-1", 100))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	a, v, _ := s.Get(ctx, id)
	b := a.Clone()

	bidOn(a, "bidder-1", 90, base.Add(time.Minute))
	if err := s.ConditionalUpdate(ctx, id, v, a); err != nil {
		t.Fatalf("first ConditionalUpdate: %v", err)
	}

	bidOn(b, "bidder-2", 80, base.Add(2*time.Minute))
	err = s.ConditionalUpdate(ctx, id, v, b)
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("stale ConditionalUpdate error = %v, want ErrVersionConflict", err)
	}

	got, _, _ := s.Get(ctx, id)
	if got.CurrentBidder != "bidder-1" || len(got.History) != 1 {
		t.Errorf("stale write leaked: bidder=%q history=%d", got.CurrentBidder, len(got.History))
	}
}

func testUpdateMissing(t *testing.T, s store.AuctionStore) {
	a := Fixture("Ghost", "owner-1", 10)
	err := s.ConditionalUpdate(context.Background(), "00000000-0000-0000-0000-000000000000", 1, a)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("ConditionalUpdate(missing) error = %v, want ErrNotFound", err)
	}
}

func testHistoryOrder(t *testing.T, s store.AuctionStore) {
	ctx := context.Background()
	id, _ := s.Insert(ctx, Fixture("Ads", "owner-1", 100))

	for i, bidder := range []string{"b1", "b2", "b3", "b1"} {
		a, v, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		bidOn(a, bidder, int64(90-10*i), base.Add(time.Duration(i+1)*time.Minute))
		if err := s.ConditionalUpdate(ctx, id, v, a); err != nil {
			t.Fatalf("ConditionalUpdate #%d: %v", i, err)
		}
	}

	got, _, _ := s.Get(ctx, id)
	if got.BidsCount != 4 || len(got.History) != 4 {
		t.Fatalf("count=%d history=%d, want 4/4", got.BidsCount, len(got.History))
	}
	want := []string{"b1", "b2", "b3", "b1"}
	for i, b := range got.History {
		if b.BidderID != want[i] {
			t.Errorf("history[%d].BidderID = %q, want %q", i, b.BidderID, want[i])
		}
		if !b.Amount.Equal(decimal.NewFromInt(int64(90 - 10*i))) {
			t.Errorf("history[%d].Amount = %s, want %d", i, b.Amount, 90-10*i)
		}
	}
	if !got.History[3].PlacedAt.Equal(base.Add(4 * time.Minute)) {
		t.Errorf("history[3].PlacedAt = %v", got.History[3].PlacedAt)
	}
}

func testHistoryAppendOnly(t *testing.T, s store.AuctionStore) {
	ctx := context.Background()
	id, _ := s.Insert(ctx, Fixture("Poster", "owner-1", 100))
	a, v, _ := s.Get(ctx, id)
	bidOn(a, "bidder-1", 90, base.Add(time.Minute))
	if err := s.ConditionalUpdate(ctx, id, v, a); err != nil {
		t.Fatalf("ConditionalUpdate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(a *store.Auction)
	}{
		{"truncated", func(a *store.Auction) {
			a.History = nil
			a.BidsCount = 0
		}},
		{"prefix replaced", func(a *store.Auction) {
			a.History[0].BidderID = "bidder-2"
			bidOn(a, "bidder-3", 80, base.Add(2*time.Minute))
		}},
		{"prefix amount changed", func(a *store.Auction) {
			a.History[0].Amount = decimal.NewFromInt(95)
		}},
		{"count ahead of history", func(a *store.Auction) {
			bidOn(a, "bidder-2", 80, base.Add(2*time.Minute))
			a.BidsCount++
		}},
		{"count behind history", func(a *store.Auction) {
			bidOn(a, "bidder-2", 80, base.Add(2*time.Minute))
			a.BidsCount = 1
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, v, err := s.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			tt.mutate(a)
			if err := s.ConditionalUpdate(ctx, id, v, a); !errors.Is(err, store.ErrHistoryRewrite) {
				t.Fatalf("ConditionalUpdate error = %v, want ErrHistoryRewrite", err)
			}
			got, v2, _ := s.Get(ctx, id)
			if v2 != v || got.BidsCount != 1 || len(got.History) != 1 || got.History[0].BidderID != "bidder-1" {
				t.Errorf("rejected update leaked: version %d->%d count=%d history=%+v", v, v2, got.BidsCount, got.History)
			}
		})
	}
}

func testDelete(t *testing.T, s store.AuctionStore) {
	ctx := context.Background()
	id, _ := s.Insert(ctx, Fixture("Brochure", "owner-1", 50))

	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := s.Get(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get after Delete error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second Delete error = %v, want ErrNotFound", err)
	}
	all, err := s.Scan(ctx, nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("Scan after Delete returned %d records, want 0", len(all))
	}
}

func testScan(t *testing.T, s store.AuctionStore) {
	ctx := context.Background()
	var ids []string
	for i := range 4 {
		a := Fixture(fmt.Sprintf("Item %d", i), fmt.Sprintf("owner-%d", i%2), 100)
		a.CreatedAt = base.Add(time.Duration(i) * time.Second)
		id, err := s.Insert(ctx, a)
		if err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	all, err := s.Scan(ctx, nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("Scan(nil) returned %d, want 4", len(all))
	}
	for i, a := range all {
		if a.ID != ids[i] {
			t.Errorf("Scan[%d].ID = %q, want insertion order id %q", i, a.ID, ids[i])
		}
	}

	owned, err := s.Scan(ctx, func(a *store.Auction) bool { return a.CreatedBy == "owner-1" })
	if err != nil {
		t.Fatalf("Scan(pred): %v", err)
	}
	if len(owned) != 2 {
		t.Fatalf("Scan(owner-1) returned %d, want 2", len(owned))
	}
	if owned[0].ID != ids[1] || owned[1].ID != ids[3] {
		t.Errorf("Scan(owner-1) ids = %q,%q want %q,%q", owned[0].ID, owned[1].ID, ids[1], ids[3])
	}
}

func testConcurrentWriters(t *testing.T, s store.AuctionStore) {
	ctx := context.Background()
	id, _ := s.Insert(ctx, Fixture("Race", "owner-1", 1000))
	snapshot, v, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := snapshot.Clone()
			bidOn(a, fmt.Sprintf("bidder-%d", i), int64(900-i), base.Add(time.Minute))
			errs[i] = s.ConditionalUpdate(ctx, id, v, a)
		}(i)
	}
	wg.Wait()

	var wins int
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrVersionConflict):
		default:
			t.Errorf("writer %d: unexpected error %v", i, err)
		}
	}
	if wins != 1 {
		t.Fatalf("%d writers committed against the same version, want exactly 1", wins)
	}

	got, _, _ := s.Get(ctx, id)
	if got.BidsCount != 1 || len(got.History) != 1 {
		t.Errorf("count=%d history=%d, want 1/1", got.BidsCount, len(got.History))
	}
}
