// Package api exposes the auction engine and lifecycle manager over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/auctiond/internal/auction"
	"github.com/jensholdgaard/auctiond/internal/clock"
	"github.com/jensholdgaard/auctiond/internal/store"
)

// UserHeader carries the authenticated user id supplied by the identity
// provider in front of this service.
const UserHeader = "X-User-ID"

// BidPlacer accepts bids.
type BidPlacer interface {
	PlaceBid(ctx context.Context, auctionID string, amount decimal.Decimal, bidderID string) (*store.Auction, error)
}

// Auctions is the lifecycle surface the API needs.
type Auctions interface {
	CreateAuction(ctx context.Context, n auction.NewAuction) (*store.Auction, error)
	GetAuction(ctx context.Context, id string) (*store.Auction, error)
	ListAuctions(ctx context.Context, f auction.Filter) ([]store.Auction, error)
	ListAuctionsByOwner(ctx context.Context, ownerID string) ([]store.Auction, error)
	ListAuctionsByBidder(ctx context.Context, bidderID string) ([]store.Auction, error)
	DeleteAuction(ctx context.Context, id, requestedBy string) error
	Policy() auction.Policy
}

// Server holds the HTTP handlers.
type Server struct {
	bids     BidPlacer
	auctions Auctions
	logger   *slog.Logger
	clock    clock.Clock
}

// NewServer creates a new Server.
func NewServer(bids BidPlacer, auctions Auctions, logger *slog.Logger, clk clock.Clock) *Server {
	return &Server{bids: bids, auctions: auctions, logger: logger, clock: clk}
}

// Register mounts the API routes under /api/v1 on r.
func (s *Server) Register(r *mux.Router) {
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/auctions", s.listAuctions).Methods(http.MethodGet)
	v1.HandleFunc("/auctions", s.createAuction).Methods(http.MethodPost)
	v1.HandleFunc("/auctions/{id}", s.getAuction).Methods(http.MethodGet)
	v1.HandleFunc("/auctions/{id}", s.deleteAuction).Methods(http.MethodDelete)
	v1.HandleFunc("/auctions/{id}/bids", s.placeBid).Methods(http.MethodPost)
	v1.HandleFunc("/users/{id}/auctions", s.listByOwner).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}/bids", s.listByBidder).Methods(http.MethodGet)
	v1.Use(s.logRequests)
}

// auctionView is an auction as rendered to clients, with its derived status.
type auctionView struct {
	store.Auction
	Status auction.Status `json:"status"`
}

func (s *Server) view(a *store.Auction) auctionView {
	return auctionView{
		Auction: *a,
		Status:  auction.StatusAt(a, s.clock.Now(), s.auctions.Policy().EndingSoonWindow),
	}
}

func (s *Server) views(as []store.Auction) []auctionView {
	out := make([]auctionView, 0, len(as))
	for i := range as {
		out = append(out, s.view(&as[i]))
	}
	return out
}

type createAuctionRequest struct {
	Title         string           `json:"title"`
	Description   string           `json:"description"`
	Category      string           `json:"category"`
	StartingPrice *decimal.Decimal `json:"starting_price"`
	EndTime       time.Time        `json:"end_time"`
}

func (s *Server) createAuction(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req createAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid request body", "")
		return
	}

	a, err := s.auctions.CreateAuction(r.Context(), auction.NewAuction{
		Title:         req.Title,
		Description:   req.Description,
		Category:      req.Category,
		StartingPrice: req.StartingPrice,
		EndTime:       req.EndTime,
		CreatedBy:     user,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, s.view(a))
}

func (s *Server) listAuctions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status, err := auction.ParseStatus(q.Get("status"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	f := auction.Filter{Category: q.Get("category"), Status: status}
	if pr := q.Get("price_range"); pr != "" {
		rng, err := auction.ParsePriceRange(pr)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		f.PriceRange = &rng
	}

	as, err := s.auctions.ListAuctions(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.views(as))
}

func (s *Server) getAuction(w http.ResponseWriter, r *http.Request) {
	a, err := s.auctions.GetAuction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.view(a))
}

func (s *Server) deleteAuction(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := s.auctions.DeleteAuction(r.Context(), mux.Vars(r)["id"], user); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type placeBidRequest struct {
	Amount *decimal.Decimal `json:"amount"`
}

func (s *Server) placeBid(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req placeBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid request body", "")
		return
	}
	if req.Amount == nil {
		s.fail(w, r, &auction.RejectionError{Reason: auction.ReasonMissingField, Field: "amount"})
		return
	}

	a, err := s.bids.PlaceBid(r.Context(), mux.Vars(r)["id"], *req.Amount, user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.view(a))
}

func (s *Server) listByOwner(w http.ResponseWriter, r *http.Request) {
	as, err := s.auctions.ListAuctionsByOwner(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.views(as))
}

func (s *Server) listByBidder(w http.ResponseWriter, r *http.Request) {
	as, err := s.auctions.ListAuctionsByBidder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.views(as))
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := r.Header.Get(UserHeader)
	if user == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", UserHeader+" header is required", "")
		return "", false
	}
	return user, true
}

// fail maps an operation error onto a status code. Rejections are expected
// and are not logged as errors.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var rej *auction.RejectionError
	switch {
	case errors.As(err, &rej):
		respondError(w, http.StatusUnprocessableEntity, rej.Reason.String(), rej.Error(), rej.Field)
	case errors.Is(err, auction.ErrAuctionNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error(), "")
	case errors.Is(err, auction.ErrConcurrencyExhausted):
		respondError(w, http.StatusConflict, "concurrency_exhausted", err.Error(), "")
	case errors.Is(err, auction.ErrInvalidFilter):
		respondError(w, http.StatusBadRequest, "invalid_filter", err.Error(), "")
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		respondError(w, http.StatusInternalServerError, "internal", "internal server error", "")
	}
}

type errorDetail struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, code int, reason, message, field string) {
	respondJSON(w, code, errorResponse{Error: errorDetail{Reason: reason, Message: message, Field: field}})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.DebugContext(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
