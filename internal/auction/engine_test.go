package auction_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealbid/clearing-engine/internal/auction"
	"github.com/sealbid/clearing-engine/internal/fhe"
	"github.com/sealbid/clearing-engine/internal/ledger"
	"github.com/sealbid/clearing-engine/internal/limits"
	"github.com/sealbid/clearing-engine/internal/model"
	"github.com/sealbid/clearing-engine/internal/store"
)

const (
	owner     = "owner"
	custodian = "engine"
	item      = "ITEM"
	usd       = "USD"
)

var epoch = time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type testEnv struct {
	fhe    *fhe.MemoryBackend
	ledger *ledger.MemoryLedger
	store  store.Store
	engine *auction.Engine
	events *recorder
}

func newTestEnv(t *testing.T, limiter *limits.BidLimiter) *testEnv {
	t.Helper()
	return newTestEnvOver(t, store.NewMemoryStore(), limiter)
}

func newTestEnvOver(t *testing.T, st store.Store, limiter *limits.BidLimiter) *testEnv {
	t.Helper()
	b, err := fhe.NewMemoryBackend([]byte("engine test"))
	require.NoError(t, err)
	l := ledger.NewMemoryLedger(b, custodian)
	l.Mint(item, owner, 1000)
	l.Mint(usd, owner, 0)

	rec := &recorder{}
	e, err := auction.NewEngine(context.Background(), st, b, l, auction.Options{
		Custodian: custodian,
		Limiter:   limiter,
		Publisher: rec,
		Clock:     func() time.Time { return epoch },
	})
	require.NoError(t, err)
	return &testEnv{fhe: b, ledger: l, store: st, engine: e, events: rec}
}

func (env *testEnv) create(t *testing.T, units uint64) *model.Auction {
	t.Helper()
	a, err := env.engine.CreateAuction(context.Background(), owner, auction.CreateParams{
		ItemToken:   item,
		BidToken:    usd,
		Description: "test lot",
		TotalUnits:  units,
		StartDelay:  time.Minute,
		Duration:    time.Hour,
	})
	require.NoError(t, err)
	return a
}

func (env *testEnv) seal(t *testing.T, bidder string, rate, qty uint64) auction.SealedBid {
	t.Helper()
	s := env.fhe.Sealer()
	r, err := s.Seal(rate, bidder)
	require.NoError(t, err)
	q, err := s.Seal(qty, bidder)
	require.NoError(t, err)
	return auction.SealedBid{Rate: r, Quantity: q}
}

func (env *testEnv) bid(t *testing.T, bidder string, auctionID, rate, qty uint64) (*model.Bid, error) {
	t.Helper()
	return env.engine.SubmitBid(context.Background(), bidder, auctionID, env.seal(t, bidder, rate, qty))
}

func (env *testEnv) reveal(t *testing.T, ct fhe.Ciphertext, principal string) uint64 {
	t.Helper()
	v, err := env.fhe.Decrypt(ct, principal)
	require.NoError(t, err)
	return v
}

func (env *testEnv) balance(t *testing.T, token, account string) uint64 {
	t.Helper()
	bal := env.ledger.Balance(token, account)
	env.fhe.Grant(bal, "auditor")
	return env.reveal(t, bal, "auditor")
}

func TestCreateAuction(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.create(t, 100)

	assert.Equal(t, uint64(1), a.ID)
	assert.Equal(t, model.StatusOpen, a.Status)
	assert.Equal(t, uint64(1), a.MinimumUnits)
	assert.True(t, a.MinFillFraction.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, epoch.Add(time.Minute), a.OpensAt)
	assert.Equal(t, epoch.Add(time.Minute+time.Hour), a.ClosesAt)

	assert.Equal(t, uint64(900), env.balance(t, item, owner))
	assert.Equal(t, uint64(100), env.balance(t, item, custodian))
	assert.Equal(t, []string{model.EventAuctionCreated}, env.events.types())
}

func TestCreateAuctionIDsAdvanceOnlyOnSuccess(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.Equal(t, uint64(1), env.create(t, 100).ID)

	_, err := env.engine.CreateAuction(context.Background(), owner, auction.CreateParams{
		ItemToken: item, BidToken: usd, TotalUnits: 5000,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, auction.ErrLedgerTransfer))
	assert.True(t, errors.Is(err, ledger.ErrTransferRejected))

	assert.Equal(t, uint64(2), env.create(t, 100).ID)

	// A new engine over the same store resumes the counter.
	e2, err := auction.NewEngine(context.Background(), env.store, env.fhe, env.ledger, auction.Options{})
	require.NoError(t, err)
	a, err := e2.CreateAuction(context.Background(), owner, auction.CreateParams{ItemToken: item, BidToken: usd, TotalUnits: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), a.ID)
}

func TestCreateAuctionInvalidParams(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	cases := []auction.CreateParams{
		{ItemToken: "", BidToken: usd, TotalUnits: 1},
		{ItemToken: item, BidToken: item, TotalUnits: 1},
		{ItemToken: item, BidToken: usd, TotalUnits: 0},
		{ItemToken: item, BidToken: usd, TotalUnits: 1, Duration: -time.Second},
		{ItemToken: "item", BidToken: usd, TotalUnits: 1},
		{ItemToken: item, BidToken: "US D", TotalUnits: 1},
	}
	for _, p := range cases {
		_, err := env.engine.CreateAuction(ctx, owner, p)
		assert.True(t, errors.Is(err, auction.ErrInvalidParams), "%+v", p)
	}
	_, err := env.engine.CreateAuction(ctx, "", auction.CreateParams{ItemToken: item, BidToken: usd, TotalUnits: 1})
	assert.True(t, errors.Is(err, auction.ErrInvalidParams))
}

func TestMinimumUnits(t *testing.T) {
	pct := decimal.RequireFromString("0.01")
	assert.Equal(t, uint64(1), auction.MinimumUnits(100, pct))
	assert.Equal(t, uint64(0), auction.MinimumUnits(99, pct))
	assert.Equal(t, uint64(123), auction.MinimumUnits(12345, pct))
	assert.Equal(t, uint64(184467440737095516), auction.MinimumUnits(18446744073709551615, pct))
	assert.Equal(t, uint64(50), auction.MinimumUnits(1000, decimal.RequireFromString("0.05")))
}

// cancellingStore cancels the request context while a bid is being
// stored, as a client disconnect would.
type cancellingStore struct {
	*store.MemoryStore
	cancel context.CancelFunc
}

func (s *cancellingStore) InsertBid(ctx context.Context, b *model.Bid) error {
	s.cancel()
	return ctx.Err()
}

// staleStatusStore reports every auction as open, like a cache entry that
// outlived a status change. Writes still reach the underlying store.
type staleStatusStore struct {
	*store.MemoryStore
}

func (s staleStatusStore) GetAuction(ctx context.Context, id uint64) (*model.Auction, error) {
	a, err := s.MemoryStore.GetAuction(ctx, id)
	if err != nil {
		return nil, err
	}
	stale := *a
	stale.Status = model.StatusOpen
	return &stale, nil
}
