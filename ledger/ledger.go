package ledger

import (
	"context"
	"errors"
)

// ErrTxNotFound indicates the ledger has no record of the transaction.
var ErrTxNotFound = errors.New("transaction not found")

// Receipt is the normalized view of a ledger transaction, validated at the
// boundary. Amounts are integer drops (the smallest denomination); Finalized
// is true only for validated Payment-type transfers with a drops amount.
type Receipt struct {
	Hash        string
	Payer       string
	Amount      int64
	Destination string
	Finalized   bool
}

// SignedTxInfo is a historical signed transaction of an account, carrying the
// public key that signed it.
type SignedTxInfo struct {
	Hash          string
	SigningPubKey string
}

// AccountInfo describes a ledger account.
type AccountInfo struct {
	Address  string
	Balance  int64
	Sequence uint64
}

// API provides read-only ledger interactions. Implementations must be safe
// for concurrent use; any transport failure is returned as an error, never
// as a zero-value receipt.
type API interface {
	// Tx looks up a transaction by hash. Returns ErrTxNotFound if the
	// ledger has no record of it.
	Tx(ctx context.Context, hash string) (Receipt, error)

	// AccountTx returns up to limit recent signed transactions of account,
	// newest first.
	AccountTx(ctx context.Context, account string, limit int) ([]SignedTxInfo, error)

	// AccountInfo returns current account state.
	AccountInfo(ctx context.Context, account string) (AccountInfo, error)
}
