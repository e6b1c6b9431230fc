package oblivious_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sealbid/clearing-engine/internal/fhe"
	"github.com/sealbid/clearing-engine/internal/oblivious"
)

const auditor = "auditor"

type plainBid struct {
	rate, qty uint64
}

func newBackend(t testing.TB) *fhe.MemoryBackend {
	t.Helper()
	b, err := fhe.NewMemoryBackend([]byte("oblivious test"))
	require.NoError(t, err)
	return b
}

func reveal(t testing.TB, b *fhe.MemoryBackend, ct fhe.Ciphertext) uint64 {
	t.Helper()
	b.Grant(ct, auditor)
	v, err := b.Decrypt(ct, auditor)
	require.NoError(t, err)
	return v
}

func encryptBids(b *fhe.MemoryBackend, bids []plainBid) []oblivious.Entry {
	out := make([]oblivious.Entry, len(bids))
	for i, p := range bids {
		out[i] = oblivious.Entry{Rate: b.Encrypt(p.rate), Quantity: b.Encrypt(p.qty)}
	}
	return out
}

func decryptBids(t testing.TB, b *fhe.MemoryBackend, entries []oblivious.Entry) []plainBid {
	t.Helper()
	out := make([]plainBid, len(entries))
	for i, e := range entries {
		out[i] = plainBid{rate: reveal(t, b, e.Rate), qty: reveal(t, b, e.Quantity)}
	}
	return out
}
