package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textileio/market-core/apierr"
	"github.com/textileio/market-core/auction"
	"github.com/textileio/market-core/catalog"
	"github.com/textileio/market-core/deaddrop"
	"github.com/textileio/market-core/ledger"
)

func TestListAuctions(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	res, err := http.Get(srv.URL + "/auctions")
	require.NoError(t, err)
	defer func() { require.NoError(t, res.Body.Close()) }()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body struct {
		Auctions []auction.Auction `json:"auctions"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.Len(t, body.Auctions, 1)
	assert.Equal(t, "a1", body.Auctions[0].ID)
}

func TestCreateAuction(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	res, err := http.Post(srv.URL+"/auctions", "application/json",
		strings.NewReader(`{"skillName":"haiku","skillDescriptor":"You write haiku.","description":"rivers","minimumBid":10,"durationMs":3600000}`))
	require.NoError(t, err)
	defer func() { require.NoError(t, res.Body.Close()) }()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var a auction.Auction
	require.NoError(t, json.NewDecoder(res.Body).Decode(&a))
	assert.Equal(t, "haiku", a.SkillName)
	assert.Equal(t, auction.StatusActive, a.Status)
}

func TestBidErrorMapping(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	// Unverified payments surface as 402.
	res, err := http.Post(srv.URL+"/auctions/bid", "application/json",
		strings.NewReader(`{"auctionId":"a1","txHash":"deadbeef"}`))
	require.NoError(t, err)
	defer func() { require.NoError(t, res.Body.Close()) }()
	require.Equal(t, http.StatusPaymentRequired, res.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.NotEmpty(t, body["error"])
}

func TestPurchase(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	res, err := http.Post(srv.URL+"/purchase", "application/json",
		strings.NewReader(`{"txHash":"abc","productId":"agent-greeting"}`))
	require.NoError(t, err)
	defer func() { require.NoError(t, res.Body.Close()) }()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body struct {
		Output string `json:"output"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "artifact", body.Output)
}

func TestInbox(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	res, err := http.Get(srv.URL + "/deaddrop/inbox?identity=rRecipient")
	require.NoError(t, err)
	defer func() { require.NoError(t, res.Body.Close()) }()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body struct {
		Messages []deaddrop.Envelope `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.Len(t, body.Messages, 1)
	assert.Equal(t, "m1", body.Messages[0].ID)
}

func TestWallet(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	res, err := http.Get(srv.URL + "/wallet")
	require.NoError(t, err)
	require.NoError(t, res.Body.Close())
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, err = http.Get(srv.URL + "/wallet?identity=rAlice")
	require.NoError(t, err)
	defer func() { require.NoError(t, res.Body.Close()) }()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body struct {
		Address   string `json:"address"`
		Balance   int64  `json:"balance"`
		PublicKey string `json:"publicKey"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "rAlice", body.Address)
	assert.Equal(t, int64(1000), body.Balance)
	assert.Equal(t, "02aabb", body.PublicKey)
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	res, err := http.Post(srv.URL+"/products", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	require.NoError(t, res.Body.Close())
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)

	res, err = http.Get(srv.URL + "/auctions/bid")
	require.NoError(t, err)
	require.NoError(t, res.Body.Close())
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
}

type fakeAuctions struct{}

func (f *fakeAuctions) Create(
	_ context.Context,
	skillName, skillDescriptor, description string,
	minimumBid int64,
	_ time.Duration,
) (auction.Auction, error) {
	return auction.Auction{
		ID:              "a2",
		SkillName:       skillName,
		SkillDescriptor: skillDescriptor,
		Description:     description,
		MinimumBid:      minimumBid,
		Status:          auction.StatusActive,
	}, nil
}

func (f *fakeAuctions) Get(_ context.Context, id string) (auction.Auction, error) {
	if id != "a1" {
		return auction.Auction{}, apierr.Newf(apierr.KindNotFound, "auction %s not found", id)
	}
	return auction.Auction{ID: "a1", Status: auction.StatusActive}, nil
}

func (f *fakeAuctions) List(_ context.Context) ([]auction.Auction, error) {
	return []auction.Auction{{ID: "a1", Status: auction.StatusActive}}, nil
}

func (f *fakeAuctions) PlaceBid(_ context.Context, _, _ string) (auction.BidResult, error) {
	return auction.BidResult{}, apierr.New(apierr.KindAuthorization, "payment not found")
}

func (f *fakeAuctions) Claim(_ context.Context, _, _ string) (auction.ClaimResult, error) {
	return auction.ClaimResult{}, apierr.New(apierr.KindConflict, "auction already claimed")
}

type fakeDeadDrop struct{}

func (f *fakeDeadDrop) Store(_ context.Context, _, _, _, _, _ string) (deaddrop.Message, error) {
	return deaddrop.Message{ID: "m1"}, nil
}

func (f *fakeDeadDrop) Retrieve(_ context.Context, _, _ string) (deaddrop.Message, error) {
	return deaddrop.Message{ID: "m1", Retrieved: true}, nil
}

func (f *fakeDeadDrop) ListFor(_ context.Context, identity string) ([]deaddrop.Envelope, error) {
	if identity == "" {
		return nil, apierr.New(apierr.KindValidation, "identity required")
	}
	return []deaddrop.Envelope{{ID: "m1", FromIdentity: "rSender"}}, nil
}

type fakeProducts struct{}

func (f *fakeProducts) Products() []catalog.Product {
	return []catalog.Product{{ID: "agent-greeting", Name: "Agent Greeting Exchange", Drops: 2}}
}

func (f *fakeProducts) Purchase(_ context.Context, txHash, productID string) (catalog.PurchaseResult, error) {
	return catalog.PurchaseResult{
		Product: catalog.Product{ID: productID, Name: "Agent Greeting Exchange"},
		Receipt: catalog.Receipt{TransactionHash: txHash, Payer: "rBuyer", Amount: 2},
		Output:  "artifact",
	}, nil
}

type fakeKeys struct{}

func (f *fakeKeys) LookupPublicKey(_ context.Context, _ string) (string, error) {
	return "02aabb", nil
}

type fakeLedger struct{}

func (f *fakeLedger) Tx(_ context.Context, _ string) (ledger.Receipt, error) {
	return ledger.Receipt{}, ledger.ErrTxNotFound
}

func (f *fakeLedger) AccountTx(_ context.Context, _ string, _ int) ([]ledger.SignedTxInfo, error) {
	return nil, nil
}

func (f *fakeLedger) AccountInfo(_ context.Context, account string) (ledger.AccountInfo, error) {
	return ledger.AccountInfo{Address: account, Balance: 1000, Sequence: 7}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := createMux(Deps{
		Auctions:     &fakeAuctions{},
		DeadDrop:     &fakeDeadDrop{},
		Products:     &fakeProducts{},
		Keys:         &fakeKeys{},
		Ledger:       &fakeLedger{},
		MerchantAddr: "rMerchantDestinationAddress",
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}
