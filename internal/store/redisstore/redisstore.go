// Package redisstore provides the "redis" store.Driver. Each auction is a
// hash holding the JSON document and its version; a sorted set scored by a
// monotonically increasing sequence keeps insertion order for Scan.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jensholdgaard/auctiond/internal/config"
	"github.com/jensholdgaard/auctiond/internal/store"
)

const (
	fieldDoc     = "doc"
	fieldVersion = "version"
)

func init() {
	store.Register("redis", open)
}

func open(ctx context.Context, cfg config.StoreConfig) (*store.Backend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &store.Backend{
		Auctions: New(rdb, cfg.Redis.KeyPrefix),
		Closer:   rdb,
		Ping:     func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}, nil
}

// Store implements store.AuctionStore with WATCH/MULTI optimistic
// transactions.
type Store struct {
	rdb    *redis.Client
	prefix string
}

// New returns a Store whose keys all start with prefix.
func New(rdb *redis.Client, prefix string) *Store {
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) key(id string) string { return s.prefix + ":auction:" + id }
func (s *Store) indexKey() string    { return s.prefix + ":auctions" }
func (s *Store) seqKey() string      { return s.prefix + ":auctions:seq" }

// hashReader is satisfied by both *redis.Client and a WATCHing *redis.Tx.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func load(ctx context.Context, c hashReader, key string) (*store.Auction, store.Version, error) {
	fields, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("reading auction %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, 0, store.ErrNotFound
	}

	v, err := strconv.ParseInt(fields[fieldVersion], 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("parsing version of %s: %w", key, err)
	}
	var a store.Auction
	if err := json.Unmarshal([]byte(fields[fieldDoc]), &a); err != nil {
		return nil, 0, fmt.Errorf("decoding auction %s: %w", key, err)
	}
	return &a, store.Version(v), nil
}

func (s *Store) Get(ctx context.Context, id string) (*store.Auction, store.Version, error) {
	return load(ctx, s.rdb, s.key(id))
}

func (s *Store) ConditionalUpdate(ctx context.Context, id string, v store.Version, a *store.Auction) error {
	key := s.key(id)
	next := a.Clone()
	next.ID = id
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encoding auction: %w", err)
	}

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		prev, current, err := load(ctx, tx, key)
		if err != nil {
			return err
		}
		if current != v {
			return store.ErrVersionConflict
		}
		if err := store.CheckHistory(next, prev.History); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldDoc, doc, fieldVersion, int64(v)+1)
			return nil
		})
		return err
	}, key)

	// EXEC aborted because another client touched the key after WATCH.
	if errors.Is(err, redis.TxFailedErr) {
		return store.ErrVersionConflict
	}
	return err
}

func (s *Store) Insert(ctx context.Context, a *store.Auction) (string, error) {
	next := a.Clone()
	next.ID = uuid.NewString()
	doc, err := json.Marshal(next)
	if err != nil {
		return "", fmt.Errorf("encoding auction: %w", err)
	}

	seq, err := s.rdb.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return "", fmt.Errorf("allocating sequence: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key(next.ID), fieldDoc, doc, fieldVersion, 1)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(seq), Member: next.ID})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("inserting auction: %w", err)
	}
	return next.ID, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.key(id))
		pipe.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting auction: %w", err)
	}
	if del.Val() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, pred func(*store.Auction) bool) ([]store.Auction, error) {
	ids, err := s.rdb.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading auction index: %w", err)
	}

	var out []store.Auction
	for _, id := range ids {
		a, _, err := load(ctx, s.rdb, s.key(id))
		if errors.Is(err, store.ErrNotFound) {
			// Deleted between the index read and the load.
			continue
		}
		if err != nil {
			return nil, err
		}
		if pred == nil || pred(a) {
			out = append(out, *a)
		}
	}
	return out, nil
}
