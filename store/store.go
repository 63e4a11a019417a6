package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	"github.com/oklog/ulid/v2"
	dsextensions "github.com/textileio/go-datastore-extensions"
	logging "github.com/textileio/go-log/v2"
	"github.com/textileio/market-core/dshelper/txndswrap"
)

const (
	// defaultListLimit is the default page size for ReadPage.
	defaultListLimit = 10
	// maxListLimit is the max page size for ReadPage.
	maxListLimit = 1000
)

var (
	log = logging.Logger("store")

	// ErrEmptyID indicates a record without an ID was written with WriteAll.
	ErrEmptyID = errors.New("record has no id")
)

// Record is one element of a collection. Data is an opaque encoded payload;
// collections in this repo use JSON with stable field names.
type Record struct {
	ID   string
	Data []byte
}

// Order specifies the key order of ReadPage results.
type Order int

const (
	// OrderAscending lists records from oldest key to newest.
	OrderAscending Order = iota
	// OrderDescending lists records from newest key to oldest.
	OrderDescending
)

// Query selects a page of a collection by key order.
type Query struct {
	// Offset is the record ID to seek past, for pagination.
	Offset string
	Order  Order
	Limit  int
}

func (q Query) setDefaults() Query {
	if q.Limit == -1 {
		q.Limit = maxListLimit
	} else if q.Limit <= 0 {
		q.Limit = defaultListLimit
	} else if q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}
	return q
}

// Store is a key-ordered record store of named collections. There is no
// partial-write guarantee beyond whole-collection replace; callers that
// read-modify-write must serialize access to a collection themselves.
type Store interface {
	// ReadAll returns every record of a collection in ascending key order.
	ReadAll(collection string) ([]Record, error)

	// WriteAll replaces the whole collection with recs.
	WriteAll(collection string, recs []Record) error

	// Append adds a single record. A record with an empty ID gets a
	// monotonically-increasing one; the stored record is returned.
	Append(collection string, rec Record) (Record, error)

	// ReadPage returns a page of a collection by key order.
	ReadPage(collection string, query Query) ([]Record, error)
}

// Datastore implements Store on a transactional datastore.
// Structure: /<collection>/<record_id> -> Record.Data.
type Datastore struct {
	store txndswrap.TxnDatastore

	entropy *ulid.MonotonicEntropy
	lk      sync.Mutex
}

var _ Store = (*Datastore)(nil)

// NewDatastore returns a Store backed by the given datastore. The caller
// retains ownership of the datastore and is responsible for closing it.
func NewDatastore(store txndswrap.TxnDatastore) *Datastore {
	return &Datastore{store: store}
}

// NewID returns new monotonically-increasing record ids.
func (d *Datastore) NewID(t time.Time) (string, error) {
	d.lk.Lock() // entropy is not safe for concurrent use

	if d.entropy == nil {
		d.entropy = ulid.Monotonic(rand.Reader, 0)
	}
	id, err := ulid.New(ulid.Timestamp(t.UTC()), d.entropy)
	if errors.Is(err, ulid.ErrMonotonicOverflow) {
		d.entropy = nil
		d.lk.Unlock()
		return d.NewID(t)
	} else if err != nil {
		d.lk.Unlock()
		return "", fmt.Errorf("generating id: %v", err)
	}
	d.lk.Unlock()
	return strings.ToLower(id.String()), nil
}

// ReadAll implements Store.
func (d *Datastore) ReadAll(collection string) ([]Record, error) {
	prefix := collectionKey(collection)
	results, err := d.store.Query(context.Background(), dsq.Query{
		Prefix: prefix.String(),
		Orders: []dsq.Order{dsq.OrderByKey{}},
	})
	if err != nil {
		return nil, fmt.Errorf("querying collection: %v", err)
	}
	defer func() {
		if err := results.Close(); err != nil {
			log.Errorf("closing query results: %v", err)
		}
	}()

	var recs []Record
	for res := range results.Next() {
		if res.Error != nil {
			return nil, fmt.Errorf("getting next result: %v", res.Error)
		}
		recs = append(recs, Record{
			ID:   strings.TrimPrefix(res.Key, prefix.String()+"/"),
			Data: res.Value,
		})
	}
	return recs, nil
}

// WriteAll implements Store.
func (d *Datastore) WriteAll(collection string, recs []Record) error {
	for _, rec := range recs {
		if rec.ID == "" {
			return ErrEmptyID
		}
	}

	txn, err := d.store.NewTransaction(context.Background(), false)
	if err != nil {
		return fmt.Errorf("creating txn: %v", err)
	}
	defer txn.Discard(context.Background())

	prefix := collectionKey(collection)
	results, err := txn.Query(context.Background(), dsq.Query{Prefix: prefix.String(), KeysOnly: true})
	if err != nil {
		return fmt.Errorf("querying collection: %v", err)
	}
	var stale []ds.Key
	for res := range results.Next() {
		if res.Error != nil {
			_ = results.Close()
			return fmt.Errorf("getting next result: %v", res.Error)
		}
		stale = append(stale, ds.RawKey(res.Key))
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("closing query results: %v", err)
	}
	for _, key := range stale {
		if err := txn.Delete(context.Background(), key); err != nil {
			return fmt.Errorf("deleting record: %v", err)
		}
	}

	for _, rec := range recs {
		if err := txn.Put(context.Background(), prefix.ChildString(rec.ID), rec.Data); err != nil {
			return fmt.Errorf("putting record: %v", err)
		}
	}
	if err := txn.Commit(context.Background()); err != nil {
		return fmt.Errorf("committing txn: %v", err)
	}
	return nil
}

// Append implements Store.
func (d *Datastore) Append(collection string, rec Record) (Record, error) {
	if rec.ID == "" {
		id, err := d.NewID(time.Now())
		if err != nil {
			return Record{}, fmt.Errorf("creating record id: %v", err)
		}
		rec.ID = id
	}
	if err := d.store.Put(context.Background(), collectionKey(collection).ChildString(rec.ID), rec.Data); err != nil {
		return Record{}, fmt.Errorf("putting record: %v", err)
	}
	return rec, nil
}

// ReadPage implements Store.
func (d *Datastore) ReadPage(collection string, query Query) ([]Record, error) {
	query = query.setDefaults()
	prefix := collectionKey(collection)

	var (
		order dsq.Order
		seek  string
		limit = query.Limit
	)
	if len(query.Offset) != 0 {
		seek = prefix.ChildString(query.Offset).String()
		limit++
	}
	switch query.Order {
	case OrderDescending:
		order = dsq.OrderByKeyDescending{}
		if len(seek) == 0 {
			// Seek to the largest possible key and descend from there.
			seek = prefix.ChildString(
				strings.ToLower(ulid.MustNew(ulid.MaxTime(), nil).String())).String()
		}
	case OrderAscending:
		order = dsq.OrderByKey{}
	}

	results, err := d.store.QueryExtended(dsextensions.QueryExt{
		Query: dsq.Query{
			Prefix: prefix.String(),
			Orders: []dsq.Order{order},
			Limit:  limit,
		},
		SeekPrefix: seek,
	})
	if err != nil {
		return nil, fmt.Errorf("querying collection: %v", err)
	}
	defer func() {
		if err := results.Close(); err != nil {
			log.Errorf("closing query results: %v", err)
		}
	}()

	var recs []Record
	for res := range results.Next() {
		if res.Error != nil {
			return nil, fmt.Errorf("getting next result: %v", res.Error)
		}
		recs = append(recs, Record{
			ID:   strings.TrimPrefix(res.Key, prefix.String()+"/"),
			Data: res.Value,
		})
	}

	// Remove seek from the page.
	if len(query.Offset) != 0 && len(recs) > 0 {
		recs = recs[1:]
	}
	return recs, nil
}

func collectionKey(collection string) ds.Key {
	return ds.NewKey("/" + collection)
}
