// Package memory provides an in-process store.Driver. Records live in a map
// guarded by a mutex and every committed write bumps the record's version.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/jensholdgaard/auctiond/internal/config"
	"github.com/jensholdgaard/auctiond/internal/store"
)

func init() {
	store.Register("memory", func(_ context.Context, _ config.StoreConfig) (*store.Backend, error) {
		return &store.Backend{
			Auctions: New(),
			Closer:   store.CloserFunc(nil),
			Ping:     func(context.Context) error { return nil },
		}, nil
	})
}

type record struct {
	auction *store.Auction
	version store.Version
}

// Store implements store.AuctionStore in memory.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record
	order   []string
}

// New returns an empty Store.
func New() *Store {
	return &Store{records: make(map[string]*record)}
}

func (s *Store) Get(ctx context.Context, id string) (*store.Auction, store.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return nil, 0, store.ErrNotFound
	}
	return r.auction.Clone(), r.version, nil
}

func (s *Store) ConditionalUpdate(ctx context.Context, id string, v store.Version, a *store.Auction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return store.ErrNotFound
	}
	if r.version != v {
		return store.ErrVersionConflict
	}
	if err := store.CheckHistory(a, r.auction.History); err != nil {
		return err
	}
	next := a.Clone()
	next.ID = id
	r.auction = next
	r.version++
	return nil
}

func (s *Store) Insert(ctx context.Context, a *store.Auction) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	rec := a.Clone()
	rec.ID = id

	s.mu.Lock()
	s.records[id] = &record{auction: rec, version: 1}
	s.order = append(s.order, id)
	s.mu.Unlock()
	return id, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.records, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, pred func(*store.Auction) bool) ([]store.Auction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Auction
	for _, id := range s.order {
		a := s.records[id].auction.Clone()
		if pred == nil || pred(a) {
			out = append(out, *a)
		}
	}
	return out, nil
}
