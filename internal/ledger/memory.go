package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sealbid/clearing-engine/internal/fhe"
)

var errRejectedByPolicy = errors.New("rejected by policy")

type account struct {
	token, owner string
}

// MemoryLedger keeps encrypted balances in memory. Sufficiency checks are
// computed homomorphically and only the pass/fail bit is revealed to the
// ledger itself, the same information a reverted transfer discloses.
type MemoryLedger struct {
	mu        sync.Mutex
	ev        fhe.Evaluator
	custodian string
	principal string
	tokens    map[string]struct{}
	balances  map[account]fhe.Uint64
	reject    func(Instruction) bool
}

// NewMemoryLedger creates a ledger whose TransferFrom credits and Transfer
// debits go to custodian, the engine's account.
func NewMemoryLedger(ev fhe.Evaluator, custodian string) *MemoryLedger {
	return &MemoryLedger{
		ev:        ev,
		custodian: custodian,
		principal: "ledger",
		tokens:    make(map[string]struct{}),
		balances:  make(map[account]fhe.Uint64),
	}
}

// Mint registers token if needed and credits owner with amount.
func (l *MemoryLedger) Mint(token, owner string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens[token] = struct{}{}
	key := account{token, owner}
	prev, credit := l.balanceLocked(key), l.ev.Encrypt(amount)
	l.balances[key] = l.ev.Add(prev, credit)
	l.ev.Release(prev, credit)
}

// RejectWhen installs a fault injector: matching instructions fail the
// whole batch. Pass nil to clear.
func (l *MemoryLedger) RejectWhen(fn func(Instruction) bool) {
	l.mu.Lock()
	l.reject = fn
	l.mu.Unlock()
}

// Balance returns the encrypted balance of owner in token.
func (l *MemoryLedger) Balance(token, owner string) fhe.Uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(account{token, owner})
}

func (l *MemoryLedger) balanceLocked(key account) fhe.Uint64 {
	bal, ok := l.balances[key]
	if !ok {
		bal = l.ev.Encrypt(0)
		l.balances[key] = bal
	}
	return bal
}

// Execute applies batch atomically. A failing instruction, or a panic from
// the evaluator, restores the balances held before the batch.
func (l *MemoryLedger) Execute(ctx context.Context, batch []Instruction) (err error) {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferRejected, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	snapshot := make(map[account]fhe.Uint64, len(l.balances))
	for k, v := range l.balances {
		snapshot[k] = v
	}
	tx := &ledgerTx{ev: l.ev}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: evaluator failure: %v", ErrTransferRejected, r)
		}
		if err != nil {
			for k, v := range l.balances {
				if _, ok := snapshot[k]; !ok {
					tx.created = append(tx.created, v)
				}
			}
			l.balances = snapshot
			tx.rollback()
			return
		}
		tx.commit()
	}()

	for i, in := range batch {
		if err := l.applyLocked(tx, in); err != nil {
			return fmt.Errorf("%w: instruction %d (%s %s): %w", ErrTransferRejected, i, in.Kind, in.Token, err)
		}
	}
	return nil
}

// ledgerTx tracks the ciphertexts a batch creates and the ones it
// supersedes, so whichever side loses can be released.
type ledgerTx struct {
	ev         fhe.Evaluator
	checks     []fhe.Ciphertext
	created    []fhe.Ciphertext
	superseded []fhe.Ciphertext
}

func (tx *ledgerTx) commit() {
	tx.ev.Release(append(tx.checks, tx.superseded...)...)
}

func (tx *ledgerTx) rollback() {
	tx.ev.Release(append(tx.checks, tx.created...)...)
}

func (l *MemoryLedger) applyLocked(tx *ledgerTx, in Instruction) error {
	if _, ok := l.tokens[in.Token]; !ok {
		return ErrUnknownToken
	}
	if l.reject != nil && l.reject(in) {
		return errRejectedByPolicy
	}
	var from, to account
	switch in.Kind {
	case TransferFrom:
		from, to = account{in.Token, in.From}, account{in.Token, l.custodian}
	case Transfer:
		from, to = account{in.Token, l.custodian}, account{in.Token, in.To}
	default:
		return fmt.Errorf("unknown instruction kind %d", in.Kind)
	}

	src := l.balanceLocked(from)
	ok := l.ev.Ge(src, in.Amount)
	tx.checks = append(tx.checks, ok)
	l.ev.Grant(ok, l.principal)
	sufficient, err := l.ev.Decrypt(ok, l.principal)
	if err != nil {
		return err
	}
	if sufficient == 0 {
		return ErrInsufficientBalance
	}
	debited := l.ev.Sub(src, in.Amount)
	tx.created = append(tx.created, debited)
	l.balances[from] = debited

	dst := l.balanceLocked(to)
	credited := l.ev.Add(dst, in.Amount)
	tx.created = append(tx.created, credited)
	l.balances[to] = credited
	tx.superseded = append(tx.superseded, src, dst)
	return nil
}
