// Package ledger defines the confidential token ledger the auction engine
// moves escrow through, plus an in-memory implementation.
//
// A batch of instructions is applied atomically: either every transfer in
// the batch takes effect or none does.
package ledger

import (
	"context"
	"errors"

	"github.com/sealbid/clearing-engine/internal/fhe"
)

// ErrTransferRejected is the root of every ledger refusal.
var ErrTransferRejected = errors.New("ledger transfer rejected")

var (
	ErrUnknownToken        = errors.New("unknown token")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Kind selects the transfer primitive.
type Kind int

const (
	// TransferFrom pulls Amount from From into the engine's custody.
	TransferFrom Kind = iota
	// Transfer pays Amount out of the engine's custody to To.
	Transfer
)

func (k Kind) String() string {
	switch k {
	case TransferFrom:
		return "transfer_from"
	case Transfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Instruction is one encrypted transfer.
type Instruction struct {
	Kind   Kind
	Token  string
	From   string // TransferFrom only
	To     string // Transfer only
	Amount fhe.Uint64
}

// Pull builds a TransferFrom instruction.
func Pull(token, from string, amount fhe.Uint64) Instruction {
	return Instruction{Kind: TransferFrom, Token: token, From: from, Amount: amount}
}

// Pay builds a Transfer instruction.
func Pay(token, to string, amount fhe.Uint64) Instruction {
	return Instruction{Kind: Transfer, Token: token, To: to, Amount: amount}
}

// Ledger executes batches of encrypted transfers.
type Ledger interface {
	// Execute applies batch atomically. Any failure wraps
	// ErrTransferRejected and leaves balances untouched.
	Execute(ctx context.Context, batch []Instruction) error
}
