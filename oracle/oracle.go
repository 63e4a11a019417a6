package oracle

import (
	"context"
	"errors"

	logging "github.com/textileio/go-log/v2"
	"github.com/textileio/market-core/apierr"
	"github.com/textileio/market-core/ledger"
)

var log = logging.Logger("oracle")

// Verification is the outcome of checking a payment proof. Payer and Amount
// are only meaningful when Verified is true.
type Verification struct {
	Verified bool
	Payer    string
	Amount   int64
}

// Verifier answers whether a ledger transaction constitutes sufficient
// payment to a destination. It is read-only and fails closed: the only path
// to Verified=true is a finalized transfer to the expected destination of at
// least the required amount. Single-use enforcement of the hash belongs to
// the replay guard, not here.
type Verifier struct {
	api ledger.API
}

// New returns a Verifier backed by the given ledger API.
func New(api ledger.API) *Verifier {
	return &Verifier{api: api}
}

// Verify checks that the transaction identified by hash is a finalized
// transfer of at least minAmount drops to destination.
//
// A missing or insufficient payment returns Verified=false with a nil error.
// A transport failure returns Verified=false with a KindUpstream error so
// callers can distinguish "absent" from "unreachable" for backoff purposes;
// neither case ever authorizes.
func (v *Verifier) Verify(ctx context.Context, hash string, minAmount int64, destination string) (Verification, error) {
	if hash == "" || destination == "" {
		return Verification{}, apierr.New(apierr.KindValidation, "transaction hash and destination required")
	}
	if minAmount <= 0 {
		return Verification{}, apierr.New(apierr.KindValidation, "minimum amount must be positive")
	}

	receipt, err := v.api.Tx(ctx, hash)
	if errors.Is(err, ledger.ErrTxNotFound) {
		return Verification{}, nil
	}
	if err != nil {
		log.Warnf("ledger query for %s failed: %v", hash, err)
		return Verification{}, apierr.Wrap(apierr.KindUpstream, err, "payment oracle unreachable")
	}

	if !receipt.Finalized || receipt.Destination != destination || receipt.Amount < minAmount {
		log.Debugf(
			"tx %s rejected: finalized=%v destination=%s amount=%d min=%d",
			hash, receipt.Finalized, receipt.Destination, receipt.Amount, minAmount)
		return Verification{}, nil
	}

	return Verification{
		Verified: true,
		Payer:    receipt.Payer,
		Amount:   receipt.Amount,
	}, nil
}
