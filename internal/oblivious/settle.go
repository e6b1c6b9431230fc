package oblivious

import "github.com/sealbid/clearing-engine/internal/fhe"

// Fill is the settlement outcome of one bid.
type Fill struct {
	Units    fhe.Uint64 // item units delivered to the bidder
	Escrowed fhe.Uint64 // quantity * rate debited at submission
	Owed     fhe.Uint64 // Units * clearing rate
	Refund   fhe.Uint64 // Escrowed - Owed
}

// Settlement is the outcome of one settlement pass.
type Settlement struct {
	Fills     []Fill // same order as the input bids
	Remaining fhe.Uint64
	Sold      fhe.Uint64
	Proceeds  fhe.Uint64 // Sold * clearing rate, due to the owner
}

// Settle walks bids in submission order. A bid is eligible when inventory
// remains and its rate is at least clearingRate; an eligible bid receives
// min(quantity, remaining) units. Ineligible bids receive zero units and
// their full escrow back.
func Settle(ev fhe.Evaluator, bids []Entry, inventory, clearingRate fhe.Uint64) Settlement {
	zero := ev.Encrypt(0)
	remaining := inventory
	fills := make([]Fill, len(bids))

	for i, b := range bids {
		capped := fhe.Min(ev, b.Quantity, remaining)
		eligible := ev.And(ev.Gt(remaining, zero), ev.Ge(b.Rate, clearingRate))
		remaining = ev.Select(eligible, ev.Sub(remaining, capped), remaining)
		units := ev.Select(eligible, capped, zero)

		escrowed := ev.Mul(b.Quantity, b.Rate)
		owed := ev.Mul(units, clearingRate)
		fills[i] = Fill{
			Units:    units,
			Escrowed: escrowed,
			Owed:     owed,
			Refund:   ev.Sub(escrowed, owed),
		}
	}

	sold := ev.Sub(inventory, remaining)
	return Settlement{
		Fills:     fills,
		Remaining: remaining,
		Sold:      sold,
		Proceeds:  ev.Mul(sold, clearingRate),
	}
}
