// Package oblivious implements the data-oblivious core of the uniform
// price auction: sorting bids by rate, deriving the clearing rate and
// computing per-bid fills and refunds.
//
// Every function here issues the same sequence of Evaluator calls for a
// given input length, whatever the encrypted values are. Decisions are
// expressed with Select, never with Go control flow.
package oblivious

import "github.com/sealbid/clearing-engine/internal/fhe"

// Entry is an encrypted (rate, quantity) pair.
type Entry struct {
	Rate     fhe.Uint64
	Quantity fhe.Uint64
}

// Comparisons returns the number of compare-and-swap steps SortDescending
// performs on n entries.
func Comparisons(n int) int {
	if n < 2 {
		return 0
	}
	return n * (n - 1) / 2
}

// SortDescending returns a copy of entries ordered by descending rate.
// Adjacent entries swap only when the left rate is strictly lower, so
// entries with equal rates keep their input order.
func SortDescending(ev fhe.Evaluator, entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)

	n := len(out)
	for i := 0; i < n-1; i++ {
		for j := 0; j < n-1-i; j++ {
			swap := ev.Lt(out[j].Rate, out[j+1].Rate)
			left, right := out[j], out[j+1]
			out[j] = Entry{
				Rate:     ev.Select(swap, right.Rate, left.Rate),
				Quantity: ev.Select(swap, right.Quantity, left.Quantity),
			}
			out[j+1] = Entry{
				Rate:     ev.Select(swap, left.Rate, right.Rate),
				Quantity: ev.Select(swap, left.Quantity, right.Quantity),
			}
		}
	}
	return out
}
