package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sealbid/clearing-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Auction records and clearing results are cached; bids and
// allocations always come from the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAuction(ctx context.Context, a *model.Auction) error {
	if err := s.primary.CreateAuction(ctx, a); err != nil {
		return err
	}
	s.cache(ctx, auctionKey(a.ID), a)
	return nil
}

// UpdateAuctionStatus checks the transition against the primary, never the
// cache, so a stale cached record cannot satisfy it.
func (s *CachedStore) UpdateAuctionStatus(ctx context.Context, id uint64, from, to model.Status) error {
	if err := s.primary.UpdateAuctionStatus(ctx, id, from, to); err != nil {
		return err
	}
	// Invalidate; the next read repopulates.
	s.rdb.Del(ctx, auctionKey(id))
	return nil
}

func (s *CachedStore) PutClearingResult(ctx context.Context, r *model.ClearingResult) error {
	if err := s.primary.PutClearingResult(ctx, r); err != nil {
		return err
	}
	s.cache(ctx, clearingKey(r.AuctionID), r)
	return nil
}

func (s *CachedStore) SaveSettlement(ctx context.Context, auctionID uint64, allocs []model.Allocation) error {
	if err := s.primary.SaveSettlement(ctx, auctionID, allocs); err != nil {
		return err
	}
	s.rdb.Del(ctx, auctionKey(auctionID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAuction(ctx context.Context, id uint64) (*model.Auction, error) {
	data, err := s.rdb.Get(ctx, auctionKey(id)).Bytes()
	if err == nil {
		var a model.Auction
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAuction(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, auctionKey(id), a)
	return a, nil
}

func (s *CachedStore) GetClearingResult(ctx context.Context, auctionID uint64) (*model.ClearingResult, error) {
	data, err := s.rdb.Get(ctx, clearingKey(auctionID)).Bytes()
	if err == nil {
		var r model.ClearingResult
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	r, err := s.primary.GetClearingResult(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, clearingKey(auctionID), r)
	return r, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) LastAuctionID(ctx context.Context) (uint64, error) {
	return s.primary.LastAuctionID(ctx)
}

func (s *CachedStore) InsertBid(ctx context.Context, b *model.Bid) error {
	return s.primary.InsertBid(ctx, b)
}

func (s *CachedStore) ListBids(ctx context.Context, auctionID uint64) ([]model.Bid, error) {
	return s.primary.ListBids(ctx, auctionID)
}

func (s *CachedStore) ListBidsByBidder(ctx context.Context, bidder string) ([]model.Bid, error) {
	return s.primary.ListBidsByBidder(ctx, bidder)
}

func (s *CachedStore) ListAllocations(ctx context.Context, auctionID uint64) ([]model.Allocation, error) {
	return s.primary.ListAllocations(ctx, auctionID)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func auctionKey(id uint64) string  { return fmt.Sprintf("auction:%d", id) }
func clearingKey(id uint64) string { return fmt.Sprintf("clearing:%d", id) }
