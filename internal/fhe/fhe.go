// Package fhe is the boundary to the homomorphic computation backend.
//
// Values are referenced by opaque 32-byte handles. An Evaluator performs
// arithmetic, comparison and selection over handles without exposing the
// underlying plaintext; callers never branch on encrypted data. Arithmetic
// on Uint64 wraps modulo 2^64.
package fhe

import (
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrInvalidProof is returned when an input ciphertext fails proof
	// verification or was produced for a different sender.
	ErrInvalidProof = errors.New("invalid input proof")
	// ErrAccessDenied is returned when a principal lacks decryption rights.
	ErrAccessDenied = errors.New("access denied")
	// ErrUnknownHandle is returned for handles the backend never issued.
	ErrUnknownHandle = errors.New("unknown ciphertext handle")
)

// Handle identifies a ciphertext held by the backend.
type Handle [32]byte

// String returns the hex encoding of the handle.
func (h Handle) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the unset handle.
func (h Handle) IsZero() bool { return h == Handle{} }

// ParseHandle decodes a hex-encoded handle.
func ParseHandle(s string) (Handle, error) {
	var h Handle
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse handle: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("parse handle: want %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Ciphertext is implemented by every encrypted value type.
type Ciphertext interface {
	Handle() Handle
}

// Uint64 is an encrypted unsigned 64-bit integer.
type Uint64 struct{ h Handle }

// Uint64At wraps an existing handle, e.g. one loaded from storage.
func Uint64At(h Handle) Uint64 { return Uint64{h: h} }

func (u Uint64) Handle() Handle { return u.h }

// IsZero reports whether u was never assigned. It says nothing about the
// encrypted value.
func (u Uint64) IsZero() bool { return u.h.IsZero() }

func (u Uint64) String() string { return u.h.String() }

func (u Uint64) MarshalText() ([]byte, error) { return []byte(u.h.String()), nil }

func (u *Uint64) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		u.h = Handle{}
		return nil
	}
	h, err := ParseHandle(string(b))
	if err != nil {
		return err
	}
	u.h = h
	return nil
}

// Bool is an encrypted boolean.
type Bool struct{ h Handle }

// BoolAt wraps an existing handle.
func BoolAt(h Handle) Bool { return Bool{h: h} }

func (b Bool) Handle() Handle { return b.h }

func (b Bool) String() string { return b.h.String() }

// Input is an externally encrypted value together with the proof that
// binds it to its sender.
type Input struct {
	Ciphertext []byte `json:"ciphertext"`
	Proof      []byte `json:"proof"`
}

// Evaluator is the set of homomorphic operations the engine relies on.
//
// Operations on handles the backend never issued panic with
// ErrUnknownHandle: every handle reaching an Evaluator must come from
// Encrypt, VerifyInput or a previous operation.
type Evaluator interface {
	// Encrypt produces a trivial encryption of a public constant.
	Encrypt(v uint64) Uint64
	// VerifyInput checks the input proof against sender and returns the
	// verified ciphertext.
	VerifyInput(in Input, sender string) (Uint64, error)

	Add(a, b Uint64) Uint64
	Sub(a, b Uint64) Uint64
	Mul(a, b Uint64) Uint64

	Lt(a, b Uint64) Bool
	Gt(a, b Uint64) Bool
	Ge(a, b Uint64) Bool
	And(a, b Bool) Bool

	// Select returns a when c is true and b otherwise.
	Select(c Bool, a, b Uint64) Uint64

	// Grant gives principal decryption rights on ct.
	Grant(ct Ciphertext, principal string)
	// Allowed reports whether principal may decrypt ct.
	Allowed(ct Ciphertext, principal string) bool
	// Decrypt reveals ct to principal. Bool values decrypt to 0 or 1.
	Decrypt(ct Ciphertext, principal string) (uint64, error)

	// Release frees ciphertexts nothing references any more. Released
	// handles become unknown. Unknown handles are ignored.
	Release(cts ...Ciphertext)
}

// Min returns the encrypted minimum of a and b.
func Min(ev Evaluator, a, b Uint64) Uint64 {
	return ev.Select(ev.Gt(a, b), b, a)
}
