package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sealbid/clearing-engine/internal/fhe"
	"github.com/sealbid/clearing-engine/internal/model"
)

// Schema is applied by Migrate. Unit counts are unsigned 64-bit and are
// kept as NUMERIC(20,0); ciphertext handles are raw 32-byte BYTEA.
const Schema = `
CREATE TABLE IF NOT EXISTS auctions (
	id                BIGINT PRIMARY KEY,
	owner             TEXT NOT NULL,
	item_token        TEXT NOT NULL,
	bid_token         TEXT NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	total_units       NUMERIC(20,0) NOT NULL,
	min_fill_fraction NUMERIC NOT NULL,
	minimum_units     NUMERIC(20,0) NOT NULL,
	opens_at          TIMESTAMPTZ NOT NULL,
	closes_at         TIMESTAMPTZ NOT NULL,
	status            TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS bids (
	id           UUID PRIMARY KEY,
	auction_id   BIGINT NOT NULL REFERENCES auctions(id),
	bidder       TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	rate         BYTEA NOT NULL,
	quantity     BYTEA NOT NULL,
	receipt      TEXT NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL,
	UNIQUE (auction_id, bidder),
	UNIQUE (auction_id, seq)
);
CREATE INDEX IF NOT EXISTS bids_bidder_idx ON bids (bidder);

CREATE TABLE IF NOT EXISTS clearing_results (
	auction_id  BIGINT PRIMARY KEY REFERENCES auctions(id),
	rate        BYTEA NOT NULL,
	computed_by TEXT NOT NULL,
	computed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS allocations (
	auction_id BIGINT NOT NULL REFERENCES auctions(id),
	bid_id     UUID NOT NULL REFERENCES bids(id),
	bidder     TEXT NOT NULL,
	units      BYTEA NOT NULL,
	refund     BYTEA NOT NULL,
	PRIMARY KEY (auction_id, bid_id)
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) CreateAuction(ctx context.Context, a *model.Auction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO auctions (id, owner, item_token, bid_token, description,
		                       total_units, min_fill_fraction, minimum_units,
		                       opens_at, closes_at, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12)`,
		int64(a.ID), a.Owner, a.ItemToken, a.BidToken, a.Description,
		strconv.FormatUint(a.TotalUnits, 10), a.MinFillFraction.String(),
		strconv.FormatUint(a.MinimumUnits, 10),
		a.OpensAt, a.ClosesAt, string(a.Status), a.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("auction %d: %w", a.ID, ErrDuplicate)
	}
	return err
}

func (s *PostgresStore) GetAuction(ctx context.Context, id uint64) (*model.Auction, error) {
	var a model.Auction
	var rawID int64
	var total, fraction, minimum, status string

	err := s.pool.QueryRow(ctx,
		`SELECT id, owner, item_token, bid_token, description,
		        total_units::TEXT, min_fill_fraction::TEXT, minimum_units::TEXT,
		        opens_at, closes_at, status, created_at
		 FROM auctions WHERE id = $1`, int64(id)).
		Scan(&rawID, &a.Owner, &a.ItemToken, &a.BidToken, &a.Description,
			&total, &fraction, &minimum,
			&a.OpensAt, &a.ClosesAt, &status, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("auction %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get auction %d: %w", id, err)
	}

	a.ID = uint64(rawID)
	a.Status = model.Status(status)
	if err := decodeAmounts(&a, total, minimum, fraction); err != nil {
		return nil, fmt.Errorf("auction %d %w", id, err)
	}
	return &a, nil
}

// decodeAmounts parses the NUMERIC columns read back as text.
func decodeAmounts(a *model.Auction, total, minimum, fraction string) error {
	var err error
	if a.TotalUnits, err = strconv.ParseUint(total, 10, 64); err != nil {
		return fmt.Errorf("total_units: %w", err)
	}
	if a.MinimumUnits, err = strconv.ParseUint(minimum, 10, 64); err != nil {
		return fmt.Errorf("minimum_units: %w", err)
	}
	if a.MinFillFraction, err = decimal.NewFromString(fraction); err != nil {
		return fmt.Errorf("min_fill_fraction: %w", err)
	}
	return nil
}

func (s *PostgresStore) LastAuctionID(ctx context.Context) (uint64, error) {
	var last int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM auctions`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("last auction id: %w", err)
	}
	return uint64(last), nil
}

func (s *PostgresStore) UpdateAuctionStatus(ctx context.Context, id uint64, from, to model.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE auctions SET status = $3 WHERE id = $1 AND status = $2`,
		int64(id), string(from), string(to))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return statusMismatch(ctx, s.pool, id, from)
	}
	return nil
}

// statusMismatch explains why a status-guarded write matched no row.
func statusMismatch(ctx context.Context, q querier, id uint64, want model.Status) error {
	var status string
	err := q.QueryRow(ctx, `SELECT status FROM auctions WHERE id = $1`, int64(id)).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("auction %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("auction %d status: %w", id, err)
	}
	return fmt.Errorf("auction %d is %s, not %s: %w", id, status, want, ErrConflict)
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// InsertBid only inserts while the auction row is open.
func (s *PostgresStore) InsertBid(ctx context.Context, b *model.Bid) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO bids (id, auction_id, bidder, seq, rate, quantity, receipt, submitted_at)
		 SELECT $1::UUID, $2::BIGINT, $3::TEXT, $4::INTEGER, $5::BYTEA, $6::BYTEA, $7::TEXT, $8::TIMESTAMPTZ
		 WHERE EXISTS (SELECT 1 FROM auctions WHERE id = $2::BIGINT AND status = $9::TEXT)`,
		b.ID, int64(b.AuctionID), b.Bidder, b.Seq,
		handleBytes(b.Rate), handleBytes(b.Quantity),
		b.Receipt, b.SubmittedAt, string(model.StatusOpen),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("bid by %s on auction %d: %w", b.Bidder, b.AuctionID, ErrDuplicate)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return statusMismatch(ctx, s.pool, b.AuctionID, model.StatusOpen)
	}
	return nil
}

func (s *PostgresStore) ListBids(ctx context.Context, auctionID uint64) ([]model.Bid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, auction_id, bidder, seq, rate, quantity, receipt, submitted_at
		 FROM bids WHERE auction_id = $1 ORDER BY seq`, int64(auctionID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBids(rows)
}

func (s *PostgresStore) ListBidsByBidder(ctx context.Context, bidder string) ([]model.Bid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, auction_id, bidder, seq, rate, quantity, receipt, submitted_at
		 FROM bids WHERE bidder = $1 ORDER BY submitted_at, auction_id`, bidder)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBids(rows)
}

func (s *PostgresStore) PutClearingResult(ctx context.Context, r *model.ClearingResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO clearing_results (auction_id, rate, computed_by, computed_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (auction_id) DO UPDATE
		 SET rate = EXCLUDED.rate, computed_by = EXCLUDED.computed_by, computed_at = EXCLUDED.computed_at`,
		int64(r.AuctionID), handleBytes(r.Rate), r.ComputedBy, r.ComputedAt,
	)
	return err
}

func (s *PostgresStore) GetClearingResult(ctx context.Context, auctionID uint64) (*model.ClearingResult, error) {
	var r model.ClearingResult
	var rate []byte

	err := s.pool.QueryRow(ctx,
		`SELECT rate, computed_by, computed_at FROM clearing_results WHERE auction_id = $1`,
		int64(auctionID)).Scan(&rate, &r.ComputedBy, &r.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("clearing result for auction %d: %w", auctionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get clearing result %d: %w", auctionID, err)
	}
	r.AuctionID = auctionID
	if r.Rate, err = uint64FromBytes(rate); err != nil {
		return nil, err
	}
	return &r, nil
}

// SaveSettlement flips a closing auction to closed and writes its
// allocations in a single transaction.
func (s *PostgresStore) SaveSettlement(ctx context.Context, auctionID uint64, allocs []model.Allocation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE auctions SET status = $3 WHERE id = $1 AND status = $2`,
		int64(auctionID), string(model.StatusClosing), string(model.StatusClosed))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return statusMismatch(ctx, tx, auctionID, model.StatusClosing)
	}

	batch := &pgx.Batch{}
	for _, a := range allocs {
		batch.Queue(
			`INSERT INTO allocations (auction_id, bid_id, bidder, units, refund)
			 VALUES ($1, $2, $3, $4, $5)`,
			int64(auctionID), a.BidID, a.Bidder, handleBytes(a.Units), handleBytes(a.Refund),
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert allocations: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListAllocations(ctx context.Context, auctionID uint64) ([]model.Allocation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT a.bid_id::TEXT, a.bidder, a.units, a.refund
		 FROM allocations a JOIN bids b ON b.id = a.bid_id
		 WHERE a.auction_id = $1 ORDER BY b.seq`, int64(auctionID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocs []model.Allocation
	for rows.Next() {
		a := model.Allocation{AuctionID: auctionID}
		var units, refund []byte
		if err := rows.Scan(&a.BidID, &a.Bidder, &units, &refund); err != nil {
			return nil, err
		}
		if a.Units, err = uint64FromBytes(units); err != nil {
			return nil, err
		}
		if a.Refund, err = uint64FromBytes(refund); err != nil {
			return nil, err
		}
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanBids(rows pgxRows) ([]model.Bid, error) {
	var bids []model.Bid
	for rows.Next() {
		var b model.Bid
		var auctionID int64
		var rate, qty []byte

		if err := rows.Scan(&b.ID, &auctionID, &b.Bidder, &b.Seq,
			&rate, &qty, &b.Receipt, &b.SubmittedAt); err != nil {
			return nil, err
		}
		b.AuctionID = uint64(auctionID)

		var err error
		if b.Rate, err = uint64FromBytes(rate); err != nil {
			return nil, err
		}
		if b.Quantity, err = uint64FromBytes(qty); err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

func handleBytes(ct fhe.Ciphertext) []byte {
	h := ct.Handle()
	return h[:]
}

func uint64FromBytes(b []byte) (fhe.Uint64, error) {
	var h fhe.Handle
	if len(b) != len(h) {
		return fhe.Uint64{}, fmt.Errorf("stored handle has %d bytes", len(b))
	}
	copy(h[:], b)
	return fhe.Uint64At(h), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
