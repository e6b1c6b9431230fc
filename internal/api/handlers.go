// Package api exposes the auction engine over HTTP and pushes lifecycle
// events to WebSocket subscribers.
//
// Callers identify themselves with the X-Principal header. Authenticating
// that header is the job of the gateway in front of this service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sealbid/clearing-engine/internal/auction"
	"github.com/sealbid/clearing-engine/internal/fhe"
	"github.com/sealbid/clearing-engine/internal/ledger"
	"github.com/sealbid/clearing-engine/internal/limits"
	"github.com/sealbid/clearing-engine/internal/model"
	"github.com/sealbid/clearing-engine/internal/store"
)

// PrincipalHeader carries the caller identity.
const PrincipalHeader = "X-Principal"

type principalKey struct{}

// Handler serves the auction endpoints.
type Handler struct {
	engine *auction.Engine
}

// NewHandler creates a Handler around engine.
func NewHandler(engine *auction.Engine) *Handler {
	return &Handler{engine: engine}
}

// Routes mounts the auction endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(RequirePrincipal)
		r.Post("/auctions", h.CreateAuction)
		r.Get("/auctions/{auctionID}", h.GetAuction)
		r.Post("/auctions/{auctionID}/bids", h.SubmitBid)
		r.Post("/auctions/{auctionID}/clearing", h.ComputeClearingPrice)
		r.Get("/auctions/{auctionID}/clearing", h.ReadClearingPrice)
		r.Post("/auctions/{auctionID}/finalize", h.FinalizeAuction)
		r.Get("/auctions/{auctionID}/allocations/{bidder}", h.GetAllocation)
	})
}

// RequirePrincipal rejects requests without a caller identity.
func RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.Header.Get(PrincipalHeader)
		if p == "" {
			writeError(w, PrincipalHeader+" header is required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func principal(r *http.Request) string {
	p, _ := r.Context().Value(principalKey{}).(string)
	return p
}

// --- Request/Response types ---

// CreateAuctionRequest is the JSON body for auction creation.
type CreateAuctionRequest struct {
	ItemToken         string `json:"item_token"`
	BidToken          string `json:"bid_token"`
	Description       string `json:"description"`
	TotalUnits        uint64 `json:"total_units"`
	StartDelaySeconds int64  `json:"start_delay_seconds"`
	DurationSeconds   int64  `json:"duration_seconds"`
}

// SubmitBidRequest carries the two sealed inputs. Ciphertexts and proofs
// are base64 in JSON.
type SubmitBidRequest struct {
	Rate     fhe.Input `json:"rate"`
	Quantity fhe.Input `json:"quantity"`
}

// SubmitBidResponse acknowledges an accepted bid.
type SubmitBidResponse struct {
	BidID     string `json:"bid_id"`
	AuctionID uint64 `json:"auction_id"`
	Seq       int    `json:"seq"`
	Receipt   string `json:"receipt"`
}

// ClearingResponse returns the encrypted clearing rate handle.
type ClearingResponse struct {
	AuctionID    uint64     `json:"auction_id"`
	ClearingRate fhe.Uint64 `json:"clearing_rate"`
}

// FinalizeResponse summarizes a settled auction.
type FinalizeResponse struct {
	AuctionID    uint64       `json:"auction_id"`
	Status       model.Status `json:"status"`
	ClearingRate fhe.Uint64   `json:"clearing_rate"`
	Sold         fhe.Uint64   `json:"sold"`
	Proceeds     fhe.Uint64   `json:"proceeds"`
	BidCount     int          `json:"bid_count"`
}

// --- HTTP Handlers ---

// CreateAuction handles POST /api/v1/auctions
func (h *Handler) CreateAuction(w http.ResponseWriter, r *http.Request) {
	var req CreateAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	a, err := h.engine.CreateAuction(r.Context(), principal(r), auction.CreateParams{
		ItemToken:   req.ItemToken,
		BidToken:    req.BidToken,
		Description: req.Description,
		TotalUnits:  req.TotalUnits,
		StartDelay:  time.Duration(req.StartDelaySeconds) * time.Second,
		Duration:    time.Duration(req.DurationSeconds) * time.Second,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// GetAuction handles GET /api/v1/auctions/{auctionID}
func (h *Handler) GetAuction(w http.ResponseWriter, r *http.Request) {
	id, ok := auctionID(w, r)
	if !ok {
		return
	}
	a, err := h.engine.GetAuction(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// SubmitBid handles POST /api/v1/auctions/{auctionID}/bids
func (h *Handler) SubmitBid(w http.ResponseWriter, r *http.Request) {
	id, ok := auctionID(w, r)
	if !ok {
		return
	}
	var req SubmitBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Rate.Ciphertext) == 0 || len(req.Quantity.Ciphertext) == 0 {
		writeError(w, "rate and quantity ciphertexts are required", http.StatusBadRequest)
		return
	}

	bid, err := h.engine.SubmitBid(r.Context(), principal(r), id, auction.SealedBid{
		Rate:     req.Rate,
		Quantity: req.Quantity,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitBidResponse{
		BidID:     bid.ID,
		AuctionID: bid.AuctionID,
		Seq:       bid.Seq,
		Receipt:   bid.Receipt,
	})
}

// ComputeClearingPrice handles POST /api/v1/auctions/{auctionID}/clearing
func (h *Handler) ComputeClearingPrice(w http.ResponseWriter, r *http.Request) {
	id, ok := auctionID(w, r)
	if !ok {
		return
	}
	rate, err := h.engine.ComputeClearingPrice(r.Context(), principal(r), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClearingResponse{AuctionID: id, ClearingRate: rate})
}

// ReadClearingPrice handles GET /api/v1/auctions/{auctionID}/clearing
func (h *Handler) ReadClearingPrice(w http.ResponseWriter, r *http.Request) {
	id, ok := auctionID(w, r)
	if !ok {
		return
	}
	rate, err := h.engine.ReadClearingPrice(r.Context(), principal(r), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClearingResponse{AuctionID: id, ClearingRate: rate})
}

// FinalizeAuction handles POST /api/v1/auctions/{auctionID}/finalize
func (h *Handler) FinalizeAuction(w http.ResponseWriter, r *http.Request) {
	id, ok := auctionID(w, r)
	if !ok {
		return
	}
	s, err := h.engine.FinalizeAuction(r.Context(), principal(r), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FinalizeResponse{
		AuctionID:    id,
		Status:       model.StatusClosed,
		ClearingRate: s.ClearingRate,
		Sold:         s.Sold,
		Proceeds:     s.Proceeds,
		BidCount:     len(s.Allocations),
	})
}

// GetAllocation handles GET /api/v1/auctions/{auctionID}/allocations/{bidder}
func (h *Handler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	id, ok := auctionID(w, r)
	if !ok {
		return
	}
	alloc, err := h.engine.Allocation(r.Context(), principal(r), id, chi.URLParam(r, "bidder"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alloc)
}

// --- Helpers ---

func auctionID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "auctionID"), 10, 64)
	if err != nil {
		writeError(w, "invalid auction id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// statusFor maps engine failures to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auction.ErrAuctionNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auction.ErrDuplicateBid),
		errors.Is(err, auction.ErrAuctionNotActive),
		errors.Is(err, auction.ErrClearingNotComputed),
		errors.Is(err, auction.ErrNotSettled),
		errors.Is(err, limits.ErrBidLimitExceeded),
		errors.Is(err, limits.ErrBidderLimitExceeded):
		return http.StatusConflict
	case errors.Is(err, auction.ErrLedgerTransfer), errors.Is(err, ledger.ErrTransferRejected):
		return http.StatusPaymentRequired
	case errors.Is(err, auction.ErrUnauthorized), errors.Is(err, fhe.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, auction.ErrInvalidParams), errors.Is(err, fhe.ErrInvalidProof):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
