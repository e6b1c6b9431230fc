package oblivious_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sealbid/clearing-engine/internal/oblivious"
)

func TestBoundZeroesOutOfRangeBids(t *testing.T) {
	b := newBackend(t)
	top := oblivious.InputLimit - 1
	tests := []struct {
		name string
		in   plainBid
		want plainBid
	}{
		{"in range", plainBid{10, 60}, plainBid{10, 60}},
		{"largest accepted", plainBid{top, top}, plainBid{top, top}},
		{"rate at limit", plainBid{oblivious.InputLimit, 2}, plainBid{0, 0}},
		{"quantity at limit", plainBid{3, oblivious.InputLimit}, plainBid{0, 0}},
		{"wrapping escrow", plainBid{1 << 63, 2}, plainBid{0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := encryptBids(b, []plainBid{tt.in})[0]
			got := decryptBids(t, b, []oblivious.Entry{oblivious.Bound(b, e)})[0]
			assert.Equal(t, tt.want, got)
		})
	}
}

// The largest accepted bid escrows without wrapping.
func TestBoundedEscrowDoesNotWrap(t *testing.T) {
	b := newBackend(t)
	top := oblivious.InputLimit - 1
	e := oblivious.Bound(b, encryptBids(b, []plainBid{{top, top}})[0])

	escrow := reveal(t, b, b.Mul(e.Quantity, e.Rate))
	assert.Equal(t, top, escrow/top)
}
