package fhe

import (
	"crypto/rand"
	"fmt"
	"math/bits"
	"sync"
)

// MemoryBackend is an in-process Evaluator. It keeps plaintexts behind
// random handles and enforces the access list on Decrypt. It is intended
// for tests and single-node deployments where the process itself is the
// trusted computation party.
//
// Comparisons and Select are computed without data-dependent branches.
type MemoryBackend struct {
	mu     sync.RWMutex
	values map[Handle]uint64
	acl    map[Handle]map[string]struct{}
	keys   inputKeys
}

// NewMemoryBackend creates a backend whose input keys are derived from
// masterKey. A nil masterKey draws a fresh random key.
func NewMemoryBackend(masterKey []byte) (*MemoryBackend, error) {
	if masterKey == nil {
		masterKey = make([]byte, 32)
		if _, err := rand.Read(masterKey); err != nil {
			return nil, fmt.Errorf("generate master key: %w", err)
		}
	}
	keys, err := deriveInputKeys(masterKey)
	if err != nil {
		return nil, err
	}
	return &MemoryBackend{
		values: make(map[Handle]uint64),
		acl:    make(map[Handle]map[string]struct{}),
		keys:   keys,
	}, nil
}

// Sealer returns a client-side sealer producing inputs this backend accepts.
func (b *MemoryBackend) Sealer() *Sealer {
	return &Sealer{keys: b.keys}
}

// Len returns the number of live ciphertexts.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.values)
}

func (b *MemoryBackend) put(v uint64) Handle {
	var h Handle
	if _, err := rand.Read(h[:]); err != nil {
		panic(fmt.Errorf("fhe: allocate handle: %w", err))
	}
	b.mu.Lock()
	b.values[h] = v
	b.mu.Unlock()
	return h
}

func (b *MemoryBackend) get(h Handle) uint64 {
	b.mu.RLock()
	v, ok := b.values[h]
	b.mu.RUnlock()
	if !ok {
		panic(fmt.Errorf("fhe: %w: %s", ErrUnknownHandle, h))
	}
	return v
}

func (b *MemoryBackend) Encrypt(v uint64) Uint64 {
	return Uint64{h: b.put(v)}
}

func (b *MemoryBackend) VerifyInput(in Input, sender string) (Uint64, error) {
	v, err := b.keys.open(in, sender)
	if err != nil {
		return Uint64{}, err
	}
	return Uint64{h: b.put(v)}, nil
}

func (b *MemoryBackend) Add(x, y Uint64) Uint64 {
	return Uint64{h: b.put(b.get(x.h) + b.get(y.h))}
}

func (b *MemoryBackend) Sub(x, y Uint64) Uint64 {
	return Uint64{h: b.put(b.get(x.h) - b.get(y.h))}
}

func (b *MemoryBackend) Mul(x, y Uint64) Uint64 {
	return Uint64{h: b.put(b.get(x.h) * b.get(y.h))}
}

// Lt takes the borrow out of x-y, which is 1 exactly when x < y.
func (b *MemoryBackend) Lt(x, y Uint64) Bool {
	_, borrow := bits.Sub64(b.get(x.h), b.get(y.h), 0)
	return Bool{h: b.put(borrow)}
}

func (b *MemoryBackend) Gt(x, y Uint64) Bool {
	return b.Lt(y, x)
}

func (b *MemoryBackend) Ge(x, y Uint64) Bool {
	_, borrow := bits.Sub64(b.get(x.h), b.get(y.h), 0)
	return Bool{h: b.put(borrow ^ 1)}
}

func (b *MemoryBackend) And(x, y Bool) Bool {
	return Bool{h: b.put(b.get(x.h) & b.get(y.h) & 1)}
}

// Select evaluates y + c*(x-y) so both branches are always touched.
func (b *MemoryBackend) Select(c Bool, x, y Uint64) Uint64 {
	cv := b.get(c.h) & 1
	xv, yv := b.get(x.h), b.get(y.h)
	return Uint64{h: b.put(yv + cv*(xv-yv))}
}

func (b *MemoryBackend) Grant(ct Ciphertext, principal string) {
	h := ct.Handle()
	b.get(h)
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.acl[h]
	if !ok {
		set = make(map[string]struct{})
		b.acl[h] = set
	}
	set[principal] = struct{}{}
}

func (b *MemoryBackend) Release(cts ...Ciphertext) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ct := range cts {
		h := ct.Handle()
		delete(b.values, h)
		delete(b.acl, h)
	}
}

func (b *MemoryBackend) Allowed(ct Ciphertext, principal string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.acl[ct.Handle()][principal]
	return ok
}

func (b *MemoryBackend) Decrypt(ct Ciphertext, principal string) (uint64, error) {
	h := ct.Handle()
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.values[h]
	if !ok {
		return 0, fmt.Errorf("decrypt %s: %w", h, ErrUnknownHandle)
	}
	if _, ok := b.acl[h][principal]; !ok {
		return 0, fmt.Errorf("decrypt %s for %q: %w", h, principal, ErrAccessDenied)
	}
	return v, nil
}
