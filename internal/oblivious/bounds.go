package oblivious

import "github.com/sealbid/clearing-engine/internal/fhe"

// InputLimit bounds bid rates and quantities. With both operands below
// 2^32 the escrow product quantity*rate cannot wrap, and neither can the
// amounts derived from it at settlement.
const InputLimit = uint64(1) << 32

// Bound replaces an entry whose rate or quantity reaches InputLimit with
// the zero bid (rate 0, quantity 0). A zero bid escrows nothing, never
// receives units and never exhausts inventory. The substitution is done
// with Select, so an out-of-range bid is indistinguishable from a valid
// one.
func Bound(ev fhe.Evaluator, e Entry) Entry {
	limit := ev.Encrypt(InputLimit)
	zero := ev.Encrypt(0)
	valid := ev.And(ev.Lt(e.Rate, limit), ev.Lt(e.Quantity, limit))
	return Entry{
		Rate:     ev.Select(valid, e.Rate, zero),
		Quantity: ev.Select(valid, e.Quantity, zero),
	}
}
