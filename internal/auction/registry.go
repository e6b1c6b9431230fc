package auction

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sealbid/clearing-engine/internal/ledger"
	"github.com/sealbid/clearing-engine/internal/metrics"
	"github.com/sealbid/clearing-engine/internal/model"
)

// tokenPattern matches ledger token identifiers, e.g. USD or GOLD-2026.Q1.
var tokenPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_.-]{0,31}$`)

// CreateParams describes a new auction.
type CreateParams struct {
	ItemToken   string
	BidToken    string
	Description string
	TotalUnits  uint64
	StartDelay  time.Duration
	Duration    time.Duration
}

func (p CreateParams) validate() error {
	switch {
	case p.ItemToken == "" || p.BidToken == "":
		return fmt.Errorf("%w: item and bid tokens are required", ErrInvalidParams)
	case !tokenPattern.MatchString(p.ItemToken) || !tokenPattern.MatchString(p.BidToken):
		return fmt.Errorf("%w: token identifiers must match %s", ErrInvalidParams, tokenPattern)
	case p.ItemToken == p.BidToken:
		return fmt.Errorf("%w: item and bid tokens must differ", ErrInvalidParams)
	case p.TotalUnits == 0:
		return fmt.Errorf("%w: total units must be positive", ErrInvalidParams)
	case p.StartDelay < 0 || p.Duration < 0:
		return fmt.Errorf("%w: negative start delay or duration", ErrInvalidParams)
	}
	return nil
}

// MinimumUnits returns floor(totalUnits * fraction).
func MinimumUnits(totalUnits uint64, fraction decimal.Decimal) uint64 {
	total := decimal.NewFromBigInt(new(big.Int).SetUint64(totalUnits), 0)
	return total.Mul(fraction).Floor().BigInt().Uint64()
}

// CreateAuction registers an auction owned by owner and moves the full
// inventory of the item token into custody. The identifier is consumed
// only if the whole operation succeeds.
func (e *Engine) CreateAuction(ctx context.Context, owner string, p CreateParams) (*model.Auction, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidParams)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	opensAt := now.Add(p.StartDelay)
	a := &model.Auction{
		ID:              e.nextID,
		Owner:           owner,
		ItemToken:       p.ItemToken,
		BidToken:        p.BidToken,
		Description:     p.Description,
		TotalUnits:      p.TotalUnits,
		MinFillFraction: e.minFillFrac,
		MinimumUnits:    MinimumUnits(p.TotalUnits, e.minFillFrac),
		OpensAt:         opensAt,
		ClosesAt:        opensAt.Add(p.Duration),
		Status:          model.StatusOpen,
		CreatedAt:       now,
	}

	inventory := e.ev.Encrypt(p.TotalUnits)
	defer e.ev.Release(inventory)
	deposit := []ledger.Instruction{ledger.Pull(p.ItemToken, owner, inventory)}
	if err := e.execute(ctx, "create_auction", deposit); err != nil {
		return nil, err
	}
	if err := e.store.CreateAuction(ctx, a); err != nil {
		e.compensate(ctx, "create_auction", []ledger.Instruction{ledger.Pay(p.ItemToken, owner, inventory)})
		return nil, fmt.Errorf("store auction %d: %w", a.ID, err)
	}
	e.nextID++

	metrics.AuctionsCreated.Inc()
	metrics.ActiveAuctions.Inc()
	slog.Info("auction created",
		"auction_id", a.ID,
		"owner", owner,
		"item_token", a.ItemToken,
		"bid_token", a.BidToken,
		"total_units", a.TotalUnits,
	)
	e.publish(model.Event{Type: model.EventAuctionCreated, AuctionID: a.ID, Status: a.Status})
	return a, nil
}
