package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	logging "github.com/textileio/go-log/v2"
	"github.com/textileio/market-core/apierr"
	"github.com/textileio/market-core/auction"
	"github.com/textileio/market-core/catalog"
	"github.com/textileio/market-core/deaddrop"
	"github.com/textileio/market-core/ledger"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// LogName is the logging subsystem of the HTTP API.
	LogName = "http-api"

	maxBodySize = 64 * 1024
)

var (
	log = logging.Logger(LogName)
)

// Auctions is the auction surface exposed over HTTP.
type Auctions interface {
	Create(ctx context.Context, skillName, skillDescriptor, description string, minimumBid int64, duration time.Duration) (auction.Auction, error)
	Get(ctx context.Context, id string) (auction.Auction, error)
	List(ctx context.Context) ([]auction.Auction, error)
	PlaceBid(ctx context.Context, auctionID, txHash string) (auction.BidResult, error)
	Claim(ctx context.Context, auctionID, txHash string) (auction.ClaimResult, error)
}

// DeadDrop is the encrypted relay surface exposed over HTTP.
type DeadDrop interface {
	Store(ctx context.Context, txHash, toIdentity, blob, ephemeralPubKey, version string) (deaddrop.Message, error)
	Retrieve(ctx context.Context, txHash, messageID string) (deaddrop.Message, error)
	ListFor(ctx context.Context, identity string) ([]deaddrop.Envelope, error)
}

// Products is the fixed-price catalog surface exposed over HTTP.
type Products interface {
	Products() []catalog.Product
	Purchase(ctx context.Context, txHash, productID string) (catalog.PurchaseResult, error)
}

// Keys resolves a ledger identity's encryption public key.
type Keys interface {
	LookupPublicKey(ctx context.Context, identity string) (string, error)
}

// Deps groups what the HTTP API serves.
type Deps struct {
	Auctions     Auctions
	DeadDrop     DeadDrop
	Products     Products
	Keys         Keys
	Ledger       ledger.API
	MerchantAddr string
}

// NewServer returns a running HTTP API server.
func NewServer(listenAddr string, deps Deps) (*http.Server, error) {
	httpServer := &http.Server{
		Addr:              listenAddr,
		ReadHeaderTimeout: time.Second * 5,
		WriteTimeout:      time.Second * 60,
		Handler:           createMux(deps),
	}

	log.Infof("Running HTTP API...")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("stopping http server: %s", err)
		}
	}()

	return httpServer, nil
}

func createMux(deps Deps) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/auctions", otelhttp.NewHandler(http.HandlerFunc(auctionsHandler(deps)), "auctions"))
	mux.Handle("/auctions/bid", otelhttp.NewHandler(http.HandlerFunc(bidHandler(deps)), "auctions-bid"))
	mux.Handle("/auctions/claim", otelhttp.NewHandler(http.HandlerFunc(claimHandler(deps)), "auctions-claim"))
	mux.Handle("/deaddrop/store", otelhttp.NewHandler(http.HandlerFunc(storeHandler(deps)), "deaddrop-store"))
	mux.Handle("/deaddrop/retrieve", otelhttp.NewHandler(http.HandlerFunc(retrieveHandler(deps)), "deaddrop-retrieve"))
	mux.Handle("/deaddrop/inbox", otelhttp.NewHandler(http.HandlerFunc(inboxHandler(deps)), "deaddrop-inbox"))
	mux.Handle("/products", otelhttp.NewHandler(http.HandlerFunc(productsHandler(deps)), "products"))
	mux.Handle("/purchase", otelhttp.NewHandler(http.HandlerFunc(purchaseHandler(deps)), "purchase"))
	mux.Handle("/wallet", otelhttp.NewHandler(http.HandlerFunc(walletHandler(deps)), "wallet"))
	return mux
}

func auctionsHandler(deps Deps) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if id := r.URL.Query().Get("id"); id != "" {
				a, err := deps.Auctions.Get(r.Context(), id)
				if err != nil {
					httpError(w, err)
					return
				}
				writeJSON(w, a)
				return
			}
			auctions, err := deps.Auctions.List(r.Context())
			if err != nil {
				httpError(w, err)
				return
			}
			writeJSON(w, map[string]interface{}{"auctions": auctions})
		case http.MethodPost:
			var req struct {
				SkillName       string `json:"skillName"`
				SkillDescriptor string `json:"skillDescriptor"`
				Description     string `json:"description"`
				MinimumBid      int64  `json:"minimumBid"`
				DurationMs      int64  `json:"durationMs"`
			}
			if !decodeBody(w, r, &req) {
				return
			}
			a, err := deps.Auctions.Create(
				r.Context(),
				req.SkillName,
				req.SkillDescriptor,
				req.Description,
				req.MinimumBid,
				time.Duration(req.DurationMs)*time.Millisecond,
			)
			if err != nil {
				httpError(w, err)
				return
			}
			writeJSON(w, a)
		default:
			methodNotAllowed(w)
		}
	}
}

func bidHandler(deps Deps) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req struct {
			AuctionID string `json:"auctionId"`
			TxHash    string `json:"txHash"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := deps.Auctions.PlaceBid(r.Context(), req.AuctionID, req.TxHash)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{"leader": res.Bid, "endsAt": res.EndsAt})
	}
}

func claimHandler(deps Deps) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req struct {
			AuctionID string `json:"auctionId"`
			TxHash    string `json:"txHash"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := deps.Auctions.Claim(r.Context(), req.AuctionID, req.TxHash)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{"auction": res.Auction, "artifact": res.Artifact})
	}
}

func storeHandler(deps Deps) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req struct {
			TxHash          string `json:"txHash"`
			ToIdentity      string `json:"toIdentity"`
			Blob            string `json:"blob"`
			EphemeralPubKey string `json:"ephemeralPubKey"`
			Version         string `json:"version"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		msg, err := deps.DeadDrop.Store(r.Context(), req.TxHash, req.ToIdentity, req.Blob, req.EphemeralPubKey, req.Version)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{
			"id":        msg.ID,
			"storedAt":  msg.StoredAt,
			"expiresAt": msg.ExpiresAt,
		})
	}
}

func retrieveHandler(deps Deps) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req struct {
			TxHash    string `json:"txHash"`
			MessageID string `json:"messageId"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		msg, err := deps.DeadDrop.Retrieve(r.Context(), req.TxHash, req.MessageID)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, msg)
	}
}

func inboxHandler(deps Deps) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		envelopes, err := deps.DeadDrop.ListFor(r.Context(), r.URL.Query().Get("identity"))
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{"messages": envelopes})
	}
}

func productsHandler(deps Deps) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		writeJSON(w, map[string]interface{}{
			"products":        deps.Products.Products(),
			"merchantAddress": deps.MerchantAddr,
		})
	}
}

func purchaseHandler(deps Deps) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req struct {
			TxHash    string `json:"txHash"`
			ProductID string `json:"productId"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := deps.Products.Purchase(r.Context(), req.TxHash, req.ProductID)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{
			"product": map[string]string{"id": res.Product.ID, "name": res.Product.Name},
			"payment": map[string]interface{}{
				"txHash": res.Receipt.TransactionHash,
				"payer":  res.Receipt.Payer,
				"drops":  res.Receipt.Amount,
			},
			"output": res.Output,
		})
	}
}

func walletHandler(deps Deps) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		identity := r.URL.Query().Get("identity")
		if identity == "" {
			httpError(w, apierr.New(apierr.KindValidation, "identity required"))
			return
		}
		info, err := deps.Ledger.AccountInfo(r.Context(), identity)
		if err != nil {
			httpError(w, apierr.Wrap(apierr.KindUpstream, err, "ledger unreachable"))
			return
		}
		resp := map[string]interface{}{
			"address":  info.Address,
			"balance":  info.Balance,
			"sequence": info.Sequence,
		}
		// Best effort; accounts without usable signing keys are still valid.
		if pubKey, err := deps.Keys.LookupPublicKey(r.Context(), identity); err == nil {
			resp["publicKey"] = pubKey
		}
		writeJSON(w, resp)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		httpError(w, apierr.Wrap(apierr.KindValidation, err, "invalid request body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("marshaling response: %s", err)
	}
}

func httpError(w http.ResponseWriter, err error) {
	status := apierr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("request failed: %s", err)
	} else {
		log.Debugf("request rejected: %s", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": err.Error()}); err != nil {
		log.Errorf("marshaling error response: %s", err)
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "method not allowed"})
}
