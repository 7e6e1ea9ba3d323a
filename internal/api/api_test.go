package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/auctiond/internal/api"
	"github.com/jensholdgaard/auctiond/internal/auction"
	"github.com/jensholdgaard/auctiond/internal/clock"
	"github.com/jensholdgaard/auctiond/internal/event"
	"github.com/jensholdgaard/auctiond/internal/store"
	"github.com/jensholdgaard/auctiond/internal/store/memory"
)

var now = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type testServer struct {
	*httptest.Server
	clk *clock.Mock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	records := memory.New()
	clk := clock.NewMock(now)
	logger := slog.New(slog.DiscardHandler)

	engine, err := auction.NewEngine(records, event.Discard, logger, noop.NewTracerProvider(), metricnoop.NewMeterProvider(), clk, 3)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	manager := auction.NewManager(records, event.Discard, logger, noop.NewTracerProvider(), clk, auction.DefaultPolicy())

	r := mux.NewRouter()
	api.NewServer(engine, manager, logger, clk).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, clk: clk}
}

func (s *testServer) do(t *testing.T, method, path, user, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, s.URL+path, rd)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if user != "" {
		req.Header.Set(api.UserHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type auctionBody struct {
	ID            string `json:"id"`
	CurrentBid    string `json:"current_bid"`
	CurrentBidder string `json:"current_bidder"`
	BidsCount     int    `json:"bids_count"`
	CreatedBy     string `json:"created_by"`
	Status        string `json:"status"`
	History       []struct {
		BidderID string `json:"bidder_id"`
	} `json:"history"`
}

type errorBody struct {
	Error struct {
		Reason string `json:"reason"`
		Field  string `json:"field"`
	} `json:"error"`
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func (s *testServer) createAuction(t *testing.T, owner string, price int, endIn time.Duration) auctionBody {
	t.Helper()
	body := `{"title":"Logo design","description":"A new logo","category":"graphic-design",` +
		`"starting_price":` + jsonInt(price) + `,"end_time":"` + now.Add(endIn).Format(time.RFC3339) + `"}`
	resp := s.do(t, http.MethodPost, "/api/v1/auctions", owner, body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	return decode[auctionBody](t, resp)
}

func jsonInt(v int) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestAPI_BidFlow(t *testing.T) {
	s := newTestServer(t)
	a := s.createAuction(t, "u1", 100, 48*time.Hour)
	if a.CreatedBy != "u1" || a.CurrentBid != "100" || a.Status != string(auction.StatusActive) {
		t.Fatalf("created = %+v", a)
	}

	resp := s.do(t, http.MethodPost, "/api/v1/auctions/"+a.ID+"/bids", "u2", `{"amount":90}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bid status = %d, want 200", resp.StatusCode)
	}
	got := decode[auctionBody](t, resp)
	if got.CurrentBid != "90" || got.CurrentBidder != "u2" || got.BidsCount != 1 {
		t.Errorf("after bid = %+v", got)
	}

	rejections := []struct {
		name   string
		user   string
		body   string
		reason string
	}{
		{"owner", "u1", `{"amount":50}`, "owner_cannot_bid"},
		{"already winning", "u2", `{"amount":"80"}`, "already_winning"},
		{"not low enough", "u3", `{"amount":95}`, "bid_not_low_enough"},
		{"non-positive", "u3", `{"amount":0}`, "invalid_amount"},
		{"missing amount", "u3", `{}`, "missing_field"},
	}
	for _, tt := range rejections {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, http.MethodPost, "/api/v1/auctions/"+a.ID+"/bids", tt.user, tt.body)
			if resp.StatusCode != http.StatusUnprocessableEntity {
				t.Fatalf("status = %d, want 422", resp.StatusCode)
			}
			if e := decode[errorBody](t, resp); e.Error.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", e.Error.Reason, tt.reason)
			}
		})
	}

	s.clk.Advance(48 * time.Hour)
	resp = s.do(t, http.MethodPost, "/api/v1/auctions/"+a.ID+"/bids", "u3", `{"amount":10}`)
	if e := decode[errorBody](t, resp); resp.StatusCode != http.StatusUnprocessableEntity || e.Error.Reason != "auction_ended" {
		t.Errorf("bid after end = %d %q, want 422 auction_ended", resp.StatusCode, e.Error.Reason)
	}
}

func TestAPI_CreateRejections(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		user   string
		body   string
		code   int
		reason string
		field  string
	}{
		{"no user", "", `{}`, http.StatusUnauthorized, "unauthorized", ""},
		{"bad json", "u1", `{`, http.StatusBadRequest, "invalid_request", ""},
		{"missing title", "u1", `{"description":"d","starting_price":10,"end_time":"2025-06-20T00:00:00Z"}`,
			http.StatusUnprocessableEntity, "missing_field", "title"},
		{"missing price", "u1", `{"title":"t","description":"d","end_time":"2025-06-20T00:00:00Z"}`,
			http.StatusUnprocessableEntity, "missing_field", "starting_price"},
		{"ends too soon", "u1", `{"title":"t","description":"d","starting_price":10,"end_time":"2025-06-15T13:00:00Z"}`,
			http.StatusUnprocessableEntity, "invalid_end_time", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, http.MethodPost, "/api/v1/auctions", tt.user, tt.body)
			if resp.StatusCode != tt.code {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.code)
			}
			e := decode[errorBody](t, resp)
			if e.Error.Reason != tt.reason || e.Error.Field != tt.field {
				t.Errorf("error = %q/%q, want %q/%q", e.Error.Reason, e.Error.Field, tt.reason, tt.field)
			}
		})
	}
}

func TestAPI_ListAndQueries(t *testing.T) {
	s := newTestServer(t)
	cheap := s.createAuction(t, "alice", 80, 72*time.Hour)
	soon := s.createAuction(t, "alice", 400, 25*time.Hour)
	s.createAuction(t, "bob", 900, 96*time.Hour)

	if resp := s.do(t, http.MethodPost, "/api/v1/auctions/"+cheap.ID+"/bids", "carol", `{"amount":70}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("bid status = %d", resp.StatusCode)
	}
	// Move into soon's ending-soon window.
	s.clk.Advance(2 * time.Hour)

	tests := []struct {
		name  string
		path  string
		count int
	}{
		{"all", "/api/v1/auctions", 3},
		{"ending soon", "/api/v1/auctions?status=ending-soon", 1},
		{"price range", "/api/v1/auctions?price_range=0-100", 1},
		{"open-ended price", "/api/v1/auctions?price_range=501%2B", 1},
		{"category", "/api/v1/auctions?category=graphic-design", 3},
		{"by owner", "/api/v1/users/alice/auctions", 2},
		{"by bidder", "/api/v1/users/carol/bids", 1},
		{"bidder with none", "/api/v1/users/alice/bids", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, http.MethodGet, tt.path, "", "")
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			if got := decode[[]auctionBody](t, resp); len(got) != tt.count {
				t.Errorf("got %d auctions, want %d", len(got), tt.count)
			}
		})
	}

	resp := s.do(t, http.MethodGet, "/api/v1/auctions/"+soon.ID, "", "")
	if got := decode[auctionBody](t, resp); got.Status != string(auction.StatusEndingSoon) {
		t.Errorf("status = %q, want %q", got.Status, auction.StatusEndingSoon)
	}

	for _, bad := range []string{"?status=closing", "?price_range=cheap"} {
		resp := s.do(t, http.MethodGet, "/api/v1/auctions"+bad, "", "")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", bad, resp.StatusCode)
		}
	}
}

func TestAPI_GetAndDelete(t *testing.T) {
	s := newTestServer(t)
	a := s.createAuction(t, "u1", 100, 48*time.Hour)

	if resp := s.do(t, http.MethodDelete, "/api/v1/auctions/"+a.ID, "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous delete status = %d, want 401", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodDelete, "/api/v1/auctions/"+a.ID, "u1", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodGet, "/api/v1/auctions/"+a.ID, "", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodDelete, "/api/v1/auctions/"+a.ID, "u1", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodPost, "/api/v1/auctions/"+a.ID+"/bids", "u2", `{"amount":1}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("bid on deleted auction status = %d, want 404", resp.StatusCode)
	}
}

type stubBids struct{ err error }

func (b stubBids) PlaceBid(context.Context, string, decimal.Decimal, string) (*store.Auction, error) {
	return nil, b.err
}

func TestAPI_BidFailureMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   int
		reason string
	}{
		{"concurrency exhausted", fmt.Errorf("auction a1 after 3 attempts: %w", auction.ErrConcurrencyExhausted),
			http.StatusConflict, "concurrency_exhausted"},
		{"auction not found", fmt.Errorf("auction a1: %w", auction.ErrAuctionNotFound),
			http.StatusNotFound, "not_found"},
		{"store fault", fmt.Errorf("committing bid on auction a1: %w", errors.New("connection reset")),
			http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := slog.New(slog.DiscardHandler)
			clk := clock.NewMock(now)
			manager := auction.NewManager(memory.New(), event.Discard, logger, noop.NewTracerProvider(), clk, auction.DefaultPolicy())

			r := mux.NewRouter()
			api.NewServer(stubBids{err: tt.err}, manager, logger, clk).Register(r)
			srv := httptest.NewServer(r)
			t.Cleanup(srv.Close)
			s := &testServer{Server: srv, clk: clk}

			resp := s.do(t, http.MethodPost, "/api/v1/auctions/a1/bids", "u2", `{"amount":10}`)
			if resp.StatusCode != tt.code {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.code)
			}
			if e := decode[errorBody](t, resp); e.Error.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", e.Error.Reason, tt.reason)
			}
		})
	}
}
