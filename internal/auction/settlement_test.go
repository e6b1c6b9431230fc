package auction_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealbid/clearing-engine/internal/auction"
	"github.com/sealbid/clearing-engine/internal/fhe"
	"github.com/sealbid/clearing-engine/internal/ledger"
	"github.com/sealbid/clearing-engine/internal/model"
	"github.com/sealbid/clearing-engine/internal/store"
)

type plainBid struct {
	bidder    string
	rate, qty uint64
}

func (env *testEnv) placeAll(t *testing.T, auctionID uint64, bids []plainBid) {
	t.Helper()
	for _, b := range bids {
		env.ledger.Mint(usd, b.bidder, 1000)
		_, err := env.bid(t, b.bidder, auctionID, b.rate, b.qty)
		require.NoError(t, err)
	}
}

func TestMarginalBidSetsUniformPrice(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a := env.create(t, 100)
	env.placeAll(t, a.ID, []plainBid{{"alice", 10, 60}, {"bob", 8, 50}, {"carol", 5, 40}})

	rate, err := env.engine.ComputeClearingPrice(ctx, owner, a.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), env.reveal(t, rate, owner))

	s, err := env.engine.FinalizeAuction(ctx, owner, a.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), env.reveal(t, s.Sold, owner))
	assert.Equal(t, uint64(800), env.reveal(t, s.Proceeds, owner))
	require.Len(t, s.Allocations, 3)

	want := map[string]struct{ units, usd uint64 }{
		"alice": {60, 1000 - 600 + 120},
		"bob":   {40, 1000 - 400 + 80},
		"carol": {0, 1000},
	}
	for who, w := range want {
		assert.Equal(t, w.units, env.balance(t, item, who), who)
		assert.Equal(t, w.usd, env.balance(t, usd, who), who)
	}
	assert.Equal(t, uint64(800), env.balance(t, usd, owner))
	assert.Equal(t, uint64(900), env.balance(t, item, owner))
	assert.Equal(t, uint64(0), env.balance(t, usd, custodian))
	assert.Equal(t, uint64(0), env.balance(t, item, custodian))

	got, err := env.engine.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, got.Status)

	assert.Equal(t, []string{
		model.EventAuctionCreated,
		model.EventBidSubmitted, model.EventBidSubmitted, model.EventBidSubmitted,
		model.EventClearingComputed,
		model.EventAuctionFinalized,
	}, env.events.types())
}

func TestEqualRatesFavourEarlierBid(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a := env.create(t, 50)
	env.placeAll(t, a.ID, []plainBid{{"alice", 7, 30}, {"bob", 7, 80}})

	rate, err := env.engine.ComputeClearingPrice(ctx, owner, a.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), env.reveal(t, rate, owner))

	_, err = env.engine.FinalizeAuction(ctx, owner, a.ID)
	require.NoError(t, err)

	assert.Equal(t, uint64(30), env.balance(t, item, "alice"))
	assert.Equal(t, uint64(20), env.balance(t, item, "bob"))
	assert.Equal(t, uint64(1000-210), env.balance(t, usd, "alice"))
	assert.Equal(t, uint64(1000-140), env.balance(t, usd, "bob"))
	assert.Equal(t, uint64(350), env.balance(t, usd, owner))
}

func TestUnsoldInventoryReturnsToOwner(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.create(t, 100)
	env.placeAll(t, a.ID, []plainBid{{"alice", 6, 10}, {"bob", 9, 20}})

	_, err := env.engine.FinalizeAuction(context.Background(), owner, a.ID)
	require.NoError(t, err)

	assert.Equal(t, uint64(900+70), env.balance(t, item, owner))
	assert.Equal(t, uint64(30*6), env.balance(t, usd, owner))
	assert.Equal(t, uint64(1000-60), env.balance(t, usd, "alice"))
	assert.Equal(t, uint64(1000-120), env.balance(t, usd, "bob"))
}

func TestFinalizeComputesMissingClearingRate(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a := env.create(t, 100)
	env.placeAll(t, a.ID, []plainBid{{"alice", 10, 60}, {"bob", 8, 50}})

	_, err := env.engine.ReadClearingPrice(ctx, "bob", a.ID)
	assert.True(t, errors.Is(err, auction.ErrClearingNotComputed))

	s, err := env.engine.FinalizeAuction(ctx, "bob", a.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), env.reveal(t, s.ClearingRate, "bob"))

	rate, err := env.engine.ReadClearingPrice(ctx, "carol", a.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), env.reveal(t, rate, "carol"))
}

func TestFinalizeTwiceIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a := env.create(t, 100)
	env.placeAll(t, a.ID, []plainBid{{"alice", 10, 60}})

	_, err := env.engine.FinalizeAuction(ctx, owner, a.ID)
	require.NoError(t, err)
	ownerUSD := env.balance(t, usd, owner)
	aliceItem := env.balance(t, item, "alice")

	_, err = env.engine.FinalizeAuction(ctx, owner, a.ID)
	assert.True(t, errors.Is(err, auction.ErrAuctionNotActive))
	assert.Equal(t, ownerUSD, env.balance(t, usd, owner))
	assert.Equal(t, aliceItem, env.balance(t, item, "alice"))

	_, err = env.engine.ComputeClearingPrice(ctx, owner, a.ID)
	assert.True(t, errors.Is(err, auction.ErrAuctionNotActive))
}

func TestFinalizeLedgerRejectionReopens(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a := env.create(t, 100)
	env.placeAll(t, a.ID, []plainBid{{"alice", 10, 60}, {"bob", 8, 50}})

	env.ledger.RejectWhen(func(in ledger.Instruction) bool { return in.To == owner })
	_, err := env.engine.FinalizeAuction(ctx, owner, a.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, auction.ErrLedgerTransfer))

	got, err := env.engine.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, got.Status)
	assert.Equal(t, uint64(0), env.balance(t, item, "alice"))
	assert.Equal(t, uint64(1000), env.balance(t, usd, custodian))
	allocs, err := env.store.ListAllocations(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, allocs)

	env.ledger.RejectWhen(nil)
	_, err = env.engine.FinalizeAuction(ctx, owner, a.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), env.balance(t, item, "alice"))
}

func TestClearingRecomputeOverwrites(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a := env.create(t, 50)
	env.placeAll(t, a.ID, []plainBid{{"alice", 9, 60}})

	first, err := env.engine.ComputeClearingPrice(ctx, owner, a.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), env.reveal(t, first, owner))

	env.placeAll(t, a.ID, []plainBid{{"bob", 12, 10}})
	second, err := env.engine.ComputeClearingPrice(ctx, "bob", a.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), env.reveal(t, second, "bob"))

	r, err := env.store.GetClearingResult(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, second, r.Rate)
	assert.Equal(t, "bob", r.ComputedBy)
}

func TestComputeClearingUnknownAuction(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.engine.ComputeClearingPrice(context.Background(), owner, 7)
	assert.True(t, errors.Is(err, auction.ErrAuctionNotActive))

	_, err = env.engine.ReadClearingPrice(context.Background(), owner, 7)
	assert.True(t, errors.Is(err, auction.ErrAuctionNotFound))
}

func TestAllocationAccess(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a := env.create(t, 100)
	env.placeAll(t, a.ID, []plainBid{{"alice", 10, 60}, {"bob", 8, 50}})

	_, err := env.engine.Allocation(ctx, "alice", a.ID, "alice")
	assert.True(t, errors.Is(err, auction.ErrNotSettled))

	_, err = env.engine.FinalizeAuction(ctx, owner, a.ID)
	require.NoError(t, err)

	alloc, err := env.engine.Allocation(ctx, "alice", a.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(60), env.reveal(t, alloc.Units, "alice"))
	assert.Equal(t, uint64(600-480), env.reveal(t, alloc.Refund, "alice"))

	alloc, err = env.engine.Allocation(ctx, owner, a.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(40), env.reveal(t, alloc.Units, owner))

	_, err = env.engine.Allocation(ctx, "bob", a.ID, "alice")
	assert.True(t, errors.Is(err, auction.ErrUnauthorized))
	_, err = env.fhe.Decrypt(alloc.Units, "alice")
	assert.Error(t, err)

	_, err = env.engine.Allocation(ctx, "dave", a.ID, "dave")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestFinalizeUnknownCiphertextReopens(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a := env.create(t, 100)
	env.placeAll(t, a.ID, []plainBid{{"alice", 10, 60}})

	// A second process over the same records but a backend that never
	// saw their ciphertexts, as after a restart of the in-memory backend.
	b2, err := fhe.NewMemoryBackend([]byte("restarted"))
	require.NoError(t, err)
	e2, err := auction.NewEngine(ctx, env.store, b2, ledger.NewMemoryLedger(b2, custodian), auction.Options{Custodian: custodian})
	require.NoError(t, err)

	_, err = e2.FinalizeAuction(ctx, owner, a.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fhe.ErrUnknownHandle))

	got, err := env.engine.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, got.Status)
	allocs, err := env.store.ListAllocations(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, allocs)

	_, err = env.engine.FinalizeAuction(ctx, owner, a.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), env.balance(t, item, "alice"))
}

func TestFinalizeBehindStaleReadPaysOnce(t *testing.T) {
	env := newTestEnvOver(t, staleStatusStore{store.NewMemoryStore()}, nil)
	ctx := context.Background()
	a := env.create(t, 100)
	env.placeAll(t, a.ID, []plainBid{{"alice", 10, 60}, {"bob", 8, 50}})

	_, err := env.engine.FinalizeAuction(ctx, owner, a.ID)
	require.NoError(t, err)
	ownerUSD := env.balance(t, usd, owner)
	ownerItem := env.balance(t, item, owner)
	aliceItem := env.balance(t, item, "alice")

	_, err = env.engine.FinalizeAuction(ctx, owner, a.ID)
	assert.True(t, errors.Is(err, auction.ErrAuctionNotActive))
	assert.True(t, errors.Is(err, store.ErrConflict))

	assert.Equal(t, ownerUSD, env.balance(t, usd, owner))
	assert.Equal(t, ownerItem, env.balance(t, item, owner))
	assert.Equal(t, aliceItem, env.balance(t, item, "alice"))
	assert.Equal(t, uint64(0), env.balance(t, usd, custodian))
}

func TestRepeatedClearingKeepsCiphertextCountFlat(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a := env.create(t, 500)
	bids := make([]plainBid, 16)
	for i := range bids {
		bids[i] = plainBid{fmt.Sprintf("bidder-%02d", i), uint64(i%5 + 1), uint64(10 + i)}
	}
	env.placeAll(t, a.ID, bids)

	_, err := env.engine.ComputeClearingPrice(ctx, owner, a.ID)
	require.NoError(t, err)
	live := env.fhe.Len()
	for i := 0; i < 5; i++ {
		rate, err := env.engine.ComputeClearingPrice(ctx, owner, a.ID)
		require.NoError(t, err)
		assert.Equal(t, live, env.fhe.Len(), "pass %d", i)
		assert.Equal(t, uint64(1), env.reveal(t, rate, owner))
	}

	// A bid keeps its rate and quantity and the bidder's new balance.
	env.ledger.Mint(usd, "late", 1000)
	before := env.fhe.Len()
	_, err = env.bid(t, "late", a.ID, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, before+2, env.fhe.Len())
}
