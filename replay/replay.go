package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	ds "github.com/ipfs/go-datastore"
	logging "github.com/textileio/go-log/v2"
	"github.com/textileio/market-core/apierr"
	"github.com/textileio/market-core/dshelper/txndswrap"
)

var (
	log = logging.Logger("replay")

	// dsPrefix is the prefix for consumed transaction hashes.
	// Structure: /usedtx/<tx_hash> -> usedTx.
	dsPrefix = ds.NewKey("/usedtx")
)

// usedTx is the persisted consumption marker.
type usedTx struct {
	Hash   string `json:"hash"`
	Action string `json:"action"`
	UsedAt int64  `json:"usedAt"`
}

// Guard enforces the single-use capability invariant: a given transaction
// hash authorizes at most one state-changing action system-wide. Consume and
// Release bracket an action; a request that fails after consuming its hash
// must release it so the same proof can be retried.
type Guard struct {
	store txndswrap.TxnDatastore

	clock func() time.Time
	lk    sync.Mutex
}

// New returns a new Guard.
func New(store txndswrap.TxnDatastore) *Guard {
	return &Guard{store: store, clock: time.Now}
}

// Consume atomically records hash as spent by action. A hash that was
// already consumed returns a KindConflict error. The check-then-append runs
// under a single lock and transaction, so at most one of any number of
// concurrent consumers wins.
func (g *Guard) Consume(hash, action string) error {
	if hash == "" {
		return apierr.New(apierr.KindValidation, "transaction hash required")
	}
	g.lk.Lock()
	defer g.lk.Unlock()

	txn, err := g.store.NewTransaction(context.Background(), false)
	if err != nil {
		return apierr.Wrap(apierr.KindUpstream, err, "record store unavailable")
	}
	defer txn.Discard(context.Background())

	key := dsPrefix.ChildString(hash)
	exists, err := txn.Has(context.Background(), key)
	if err != nil {
		return apierr.Wrap(apierr.KindUpstream, err, "record store unavailable")
	}
	if exists {
		return apierr.New(apierr.KindConflict, "transaction already used")
	}

	val, err := json.Marshal(usedTx{
		Hash:   hash,
		Action: action,
		UsedAt: g.clock().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshaling marker: %v", err)
	}
	if err := txn.Put(context.Background(), key, val); err != nil {
		return apierr.Wrap(apierr.KindUpstream, err, "record store unavailable")
	}
	if err := txn.Commit(context.Background()); err != nil {
		return apierr.Wrap(apierr.KindUpstream, err, "record store unavailable")
	}
	log.Debugf("consumed %s for %s", hash, action)
	return nil
}

// Release removes the consumption marker of hash, compensating a request
// that failed after Consume but before its durable commit point.
func (g *Guard) Release(hash string) error {
	g.lk.Lock()
	defer g.lk.Unlock()

	if err := g.store.Delete(context.Background(), dsPrefix.ChildString(hash)); err != nil && err != ds.ErrNotFound {
		return apierr.Wrap(apierr.KindUpstream, err, "record store unavailable")
	}
	log.Debugf("released %s", hash)
	return nil
}

// Used reports whether hash was consumed.
func (g *Guard) Used(hash string) (bool, error) {
	exists, err := g.store.Has(context.Background(), dsPrefix.ChildString(hash))
	if err != nil {
		return false, apierr.Wrap(apierr.KindUpstream, err, "record store unavailable")
	}
	return exists, nil
}
