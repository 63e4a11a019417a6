// Package keydir resolves encryption public keys from the ledger itself.
// There is no separate key registry: every signed transaction exposes its
// signer's public key, so an account's transaction history doubles as a key
// directory.
package keydir

import (
	"context"
	"encoding/hex"
	"strings"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	logging "github.com/textileio/go-log/v2"
	"github.com/textileio/market-core/apierr"
	"github.com/textileio/market-core/ledger"
)

var log = logging.Logger("keydir")

const defaultScanLimit = 10

// Directory looks up encryption keys for ledger identities.
type Directory struct {
	api       ledger.API
	scanLimit int
}

// New returns a Directory scanning up to scanLimit recent transactions per
// lookup. A non-positive limit falls back to a default.
func New(api ledger.API, scanLimit int) *Directory {
	if scanLimit <= 0 {
		scanLimit = defaultScanLimit
	}
	return &Directory{api: api, scanLimit: scanLimit}
}

// LookupPublicKey returns the first usable signing key found in the
// identity's recent transactions, newest first. Usable means a compressed
// secp256k1 key; Ed25519 signers (keys starting with ED) are skipped since
// the dead-drop scheme only supports the secp256k1 curve family.
func (d *Directory) LookupPublicKey(ctx context.Context, identity string) (string, error) {
	if identity == "" {
		return "", apierr.New(apierr.KindValidation, "identity required")
	}

	infos, err := d.api.AccountTx(ctx, identity, d.scanLimit)
	if err != nil {
		log.Warnf("scanning transactions of %s: %v", identity, err)
		return "", apierr.Wrap(apierr.KindUpstream, err, "ledger unreachable")
	}

	for _, info := range infos {
		if usableKey(info.SigningPubKey) {
			return info.SigningPubKey, nil
		}
	}
	return "", apierr.New(apierr.KindNotFound, "no usable public key found for identity")
}

func usableKey(key string) bool {
	if len(key) != 66 || strings.HasPrefix(strings.ToUpper(key), "ED") {
		return false
	}
	raw, err := hex.DecodeString(key)
	if err != nil {
		return false
	}
	if _, err := secp256k1.ParsePubKey(raw); err != nil {
		return false
	}
	return true
}
