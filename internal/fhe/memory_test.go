package fhe_test

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealbid/clearing-engine/internal/fhe"
)

const auditor = "auditor"

func newBackend(t *testing.T) *fhe.MemoryBackend {
	t.Helper()
	b, err := fhe.NewMemoryBackend([]byte("test master key"))
	require.NoError(t, err)
	return b
}

func reveal(t *testing.T, b *fhe.MemoryBackend, ct fhe.Ciphertext) uint64 {
	t.Helper()
	b.Grant(ct, auditor)
	v, err := b.Decrypt(ct, auditor)
	require.NoError(t, err)
	return v
}

func TestArithmeticWraps(t *testing.T) {
	b := newBackend(t)
	top := b.Encrypt(math.MaxUint64)
	one := b.Encrypt(1)
	zero := b.Encrypt(0)

	assert.Equal(t, uint64(0), reveal(t, b, b.Add(top, one)))
	assert.Equal(t, uint64(math.MaxUint64), reveal(t, b, b.Sub(zero, one)))
	assert.Equal(t, uint64(600), reveal(t, b, b.Mul(b.Encrypt(10), b.Encrypt(60))))
}

func TestComparisons(t *testing.T) {
	b := newBackend(t)
	cases := []struct {
		x, y       uint64
		lt, gt, ge uint64
	}{
		{3, 5, 1, 0, 0},
		{5, 3, 0, 1, 1},
		{4, 4, 0, 0, 1},
		{0, math.MaxUint64, 1, 0, 0},
	}
	for _, c := range cases {
		x, y := b.Encrypt(c.x), b.Encrypt(c.y)
		assert.Equal(t, c.lt, reveal(t, b, b.Lt(x, y)), "lt(%d,%d)", c.x, c.y)
		assert.Equal(t, c.gt, reveal(t, b, b.Gt(x, y)), "gt(%d,%d)", c.x, c.y)
		assert.Equal(t, c.ge, reveal(t, b, b.Ge(x, y)), "ge(%d,%d)", c.x, c.y)
	}
}

func TestAndSelectMin(t *testing.T) {
	b := newBackend(t)
	yes := b.Ge(b.Encrypt(1), b.Encrypt(0))
	no := b.Lt(b.Encrypt(1), b.Encrypt(0))

	assert.Equal(t, uint64(1), reveal(t, b, b.And(yes, yes)))
	assert.Equal(t, uint64(0), reveal(t, b, b.And(yes, no)))

	x, y := b.Encrypt(7), b.Encrypt(9)
	assert.Equal(t, uint64(7), reveal(t, b, b.Select(yes, x, y)))
	assert.Equal(t, uint64(9), reveal(t, b, b.Select(no, x, y)))
	assert.Equal(t, uint64(7), reveal(t, b, fhe.Min(b, x, y)))
	assert.Equal(t, uint64(7), reveal(t, b, fhe.Min(b, y, x)))
}

func TestDecryptRequiresGrant(t *testing.T) {
	b := newBackend(t)
	v := b.Encrypt(42)

	_, err := b.Decrypt(v, "alice")
	assert.True(t, errors.Is(err, fhe.ErrAccessDenied))
	assert.False(t, b.Allowed(v, "alice"))

	b.Grant(v, "alice")
	assert.True(t, b.Allowed(v, "alice"))
	got, err := b.Decrypt(v, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got)
}

func TestDecryptUnknownHandle(t *testing.T) {
	b := newBackend(t)
	_, err := b.Decrypt(fhe.Uint64At(fhe.Handle{1}), auditor)
	assert.True(t, errors.Is(err, fhe.ErrUnknownHandle))
}

func TestUnknownHandlePanics(t *testing.T) {
	b := newBackend(t)
	assert.Panics(t, func() { b.Add(fhe.Uint64At(fhe.Handle{9}), b.Encrypt(1)) })
}

func TestSealVerifyRoundTrip(t *testing.T) {
	b := newBackend(t)
	in, err := b.Sealer().Seal(1234, "alice")
	require.NoError(t, err)

	v, err := b.VerifyInput(in, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), reveal(t, b, v))
}

func TestVerifyInputRejects(t *testing.T) {
	b := newBackend(t)
	in, err := b.Sealer().Seal(5, "alice")
	require.NoError(t, err)

	_, err = b.VerifyInput(in, "mallory")
	assert.True(t, errors.Is(err, fhe.ErrInvalidProof), "wrong sender")

	tampered := fhe.Input{Ciphertext: append([]byte(nil), in.Ciphertext...), Proof: in.Proof}
	tampered.Ciphertext[len(tampered.Ciphertext)-1] ^= 0xff
	_, err = b.VerifyInput(tampered, "alice")
	assert.True(t, errors.Is(err, fhe.ErrInvalidProof), "tampered ciphertext")

	other, err := fhe.NewMemoryBackend([]byte("another key"))
	require.NoError(t, err)
	_, err = other.VerifyInput(in, "alice")
	assert.True(t, errors.Is(err, fhe.ErrInvalidProof), "foreign backend")
}

func TestHandleTextRoundTrip(t *testing.T) {
	b := newBackend(t)
	v := b.Encrypt(3)
	text, err := v.MarshalText()
	require.NoError(t, err)

	var back fhe.Uint64
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, v, back)

	_, err = fhe.ParseHandle("abcd")
	assert.Error(t, err)
}

func TestInstrumentedCountsOps(t *testing.T) {
	b := newBackend(t)
	counts := map[string]int{}
	ev := fhe.NewInstrumented(b, func(op string) { counts[op]++ })

	x, y := ev.Encrypt(1), ev.Encrypt(2)
	ev.Select(ev.Lt(x, y), x, y)

	assert.Equal(t, 2, counts["encrypt"])
	assert.Equal(t, 1, counts["lt"])
	assert.Equal(t, 1, counts["select"])
}

func FuzzSelect(f *testing.F) {
	f.Add(uint64(0), uint64(0), false)
	f.Add(uint64(math.MaxUint64), uint64(1), true)
	f.Add(uint64(17), uint64(math.MaxUint64), false)

	b, err := fhe.NewMemoryBackend([]byte("fuzz"))
	if err != nil {
		f.Fatal(err)
	}
	f.Fuzz(func(t *testing.T, x, y uint64, cond bool) {
		var c fhe.Bool
		if cond {
			c = b.Ge(b.Encrypt(1), b.Encrypt(0))
		} else {
			c = b.Lt(b.Encrypt(1), b.Encrypt(0))
		}
		got := b.Select(c, b.Encrypt(x), b.Encrypt(y))
		b.Grant(got, auditor)
		v, err := b.Decrypt(got, auditor)
		if err != nil {
			t.Fatal(err)
		}
		want := y
		if cond {
			want = x
		}
		if v != want {
			t.Fatalf("select(%v, %d, %d) = %d, want %d", cond, x, y, v, want)
		}
	})
}

func TestReleaseForgetsHandles(t *testing.T) {
	b := newBackend(t)
	v := b.Encrypt(5)
	b.Grant(v, "alice")
	before := b.Len()

	b.Release(v, fhe.Uint64At(fhe.Handle{7}))

	assert.Equal(t, before-1, b.Len())
	assert.False(t, b.Allowed(v, "alice"))
	_, err := b.Decrypt(v, "alice")
	assert.True(t, errors.Is(err, fhe.ErrUnknownHandle))
}

func TestScopeReleasesIntermediates(t *testing.T) {
	b := newBackend(t)
	x := b.Encrypt(3)
	base := b.Len()

	s := fhe.NewScope(b)
	y := s.Encrypt(4)
	sum := s.Add(x, y)
	keep := fhe.Min(s, sum, s.Mul(x, y))
	assert.Equal(t, base+5, b.Len())

	s.Close(keep)

	assert.Equal(t, base+1, b.Len())
	assert.Equal(t, uint64(7), reveal(t, b, keep))
	assert.Equal(t, uint64(3), reveal(t, b, x), "inputs not produced by the scope survive")
}
