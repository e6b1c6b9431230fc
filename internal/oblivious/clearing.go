package oblivious

import "github.com/sealbid/clearing-engine/internal/fhe"

// ClearingRate walks rate-descending entries against inventory and returns
// the rate of the last entry that was reached while inventory remained.
// With no entries the result is an encryption of zero.
func ClearingRate(ev fhe.Evaluator, sorted []Entry, inventory fhe.Uint64) fhe.Uint64 {
	zero := ev.Encrypt(0)
	remaining := inventory
	rate := zero

	for _, e := range sorted {
		active := ev.Gt(remaining, zero)
		want := ev.Select(active, e.Quantity, zero)
		capped := fhe.Min(ev, want, remaining)
		remaining = ev.Select(active, ev.Sub(remaining, capped), remaining)
		rate = ev.Select(active, e.Rate, rate)
	}
	return rate
}
