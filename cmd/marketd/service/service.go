package service

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	badger "github.com/textileio/go-ds-badger3"
	"github.com/textileio/market-core/auction"
	"github.com/textileio/market-core/catalog"
	"github.com/textileio/market-core/cmd/marketd/httpapi"
	"github.com/textileio/market-core/cmd/marketd/metrics"
	"github.com/textileio/market-core/deaddrop"
	"github.com/textileio/market-core/gen"
	"github.com/textileio/market-core/keydir"
	"github.com/textileio/market-core/ledger/xrpl"
	"github.com/textileio/market-core/oracle"
	"github.com/textileio/market-core/replay"
	"github.com/textileio/market-core/store"
)

// Config holds the service configuration.
type Config struct {
	HTTPListenAddr string
	DatastoreDir   string

	LedgerRPCAddr string
	MerchantAddr  string

	GenAddr   string
	GenAPIKey string
	GenModel  string

	ClaimFee        int64
	AntiSnipeWindow time.Duration
	StoreFee        int64
	RetrieveFee     int64
	MessageExpiry   time.Duration
	KeyScanLimit    int
}

// Service wires the marketplace components behind the HTTP API.
type Service struct {
	config Config

	datastore     *badger.Datastore
	httpAPIServer *http.Server
}

// New returns a running Service.
func New(config Config) (*Service, error) {
	dstore, err := badger.NewDatastore(config.DatastoreDir, &badger.DefaultOptions)
	if err != nil {
		return nil, fmt.Errorf("opening datastore: %s", err)
	}

	ledgerAPI := xrpl.New(config.LedgerRPCAddr, 0)
	verifier := oracle.New(ledgerAPI)
	guard := replay.New(dstore)
	records := store.NewDatastore(dstore)
	generator := gen.NewClient(config.GenAddr, config.GenAPIKey, config.GenModel, 0)

	auctions, err := auction.New(records, guard, verifier, generator, auction.Config{
		Destination:     config.MerchantAddr,
		ClaimFee:        config.ClaimFee,
		AntiSnipeWindow: config.AntiSnipeWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("creating auction engine: %s", err)
	}
	relay, err := deaddrop.New(records, guard, verifier, deaddrop.Config{
		Destination: config.MerchantAddr,
		StoreFee:    config.StoreFee,
		RetrieveFee: config.RetrieveFee,
		Expiry:      config.MessageExpiry,
	})
	if err != nil {
		return nil, fmt.Errorf("creating dead-drop relay: %s", err)
	}
	cat, err := catalog.New(records, guard, verifier, generator, config.MerchantAddr)
	if err != nil {
		return nil, fmt.Errorf("creating catalog: %s", err)
	}
	keys := keydir.New(ledgerAPI, config.KeyScanLimit)

	_ = metrics.New(auctions, cat)

	httpAPIServer, err := httpapi.NewServer(config.HTTPListenAddr, httpapi.Deps{
		Auctions:     auctions,
		DeadDrop:     relay,
		Products:     cat,
		Keys:         keys,
		Ledger:       ledgerAPI,
		MerchantAddr: config.MerchantAddr,
	})
	if err != nil {
		return nil, fmt.Errorf("creating http server: %s", err)
	}

	return &Service{
		config: config,

		datastore:     dstore,
		httpAPIServer: httpAPIServer,
	}, nil
}

// Close gracefully stops the service.
func (s *Service) Close() error {
	var errors []string

	if err := s.httpAPIServer.Close(); err != nil {
		errors = append(errors, fmt.Sprintf("closing http api server: %s", err))
	}
	if err := s.datastore.Close(); err != nil {
		errors = append(errors, fmt.Sprintf("closing datastore: %s", err))
	}

	if errors != nil {
		return fmt.Errorf(strings.Join(errors, "\n"))
	}
	return nil
}
