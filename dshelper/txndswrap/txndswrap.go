package txndswrap

import (
	ds "github.com/ipfs/go-datastore"
	dse "github.com/textileio/go-datastore-extensions"
)

// TxnDatastore is a transactional datastore with extended, seekable queries.
// go-ds-badger3 satisfies it directly.
type TxnDatastore interface {
	ds.TxnDatastore
	dse.DatastoreExtensions
}
