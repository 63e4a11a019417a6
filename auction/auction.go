package auction

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	logging "github.com/textileio/go-log/v2"
	"github.com/textileio/market-core/apierr"
	"github.com/textileio/market-core/gen"
	"github.com/textileio/market-core/metrics"
	"github.com/textileio/market-core/oracle"
	"github.com/textileio/market-core/replay"
	"github.com/textileio/market-core/sempool"
	"github.com/textileio/market-core/store"
	"go.opentelemetry.io/otel/metric"
)

var log = logging.Logger("auction")

const (
	// collection is the record store collection holding auctions.
	collection = "auctions"

	// defaultAntiSnipeWindow extends endsAt when a bid lands inside it.
	defaultAntiSnipeWindow = time.Second * 60
	// defaultClaimFee is the fixed claim fee in drops.
	defaultClaimFee = 1
	// defaultDuration is used when Create is given no duration.
	defaultDuration = time.Hour * 24
)

// Status is the lifecycle phase of an auction.
type Status string

const (
	// StatusActive auctions accept bids.
	StatusActive Status = "active"
	// StatusEnded auctions have passed endsAt and await a claim.
	StatusEnded Status = "ended"
	// StatusClaimed is terminal; the winner collected the artifact.
	StatusClaimed Status = "claimed"
)

// Bid is one funded offer on an auction. Bids are immutable once placed;
// the amount is the verified payment amount, not a declared figure.
type Bid struct {
	ID              string `json:"id"`
	AuctionID       string `json:"auctionId"`
	BidderIdentity  string `json:"bidderIdentity"`
	Amount          int64  `json:"amount"`
	TransactionHash string `json:"transactionHash"`
	PlacedAt        int64  `json:"placedAt"`
}

// Auction is one item up for bidding. Timestamps are epoch milliseconds.
type Auction struct {
	ID              string `json:"id"`
	SkillName       string `json:"skillName"`
	SkillDescriptor string `json:"skillDescriptor"`
	Description     string `json:"description"`
	MinimumBid      int64  `json:"minimumBid"`
	StartedAt       int64  `json:"startedAt"`
	EndsAt          int64  `json:"endsAt"`
	Status          Status `json:"status"`
	Bids            []Bid  `json:"bids"`
	WinningBidID    string `json:"winningBidId,omitempty"`
	ClaimHash       string `json:"claimHash,omitempty"`
}

// BidResult reports an accepted bid and the possibly-extended endsAt.
type BidResult struct {
	Bid    Bid
	EndsAt int64
}

// ClaimResult carries the generated artifact and the final auction state.
type ClaimResult struct {
	Auction  Auction
	Artifact string
}

// PaymentVerifier checks that a transaction pays at least minAmount to
// destination. Implemented by oracle.Verifier.
type PaymentVerifier interface {
	Verify(ctx context.Context, hash string, minAmount int64, destination string) (oracle.Verification, error)
}

// Config groups the fixed knobs of the engine. Destination is required;
// the rest default sanely.
type Config struct {
	// Destination is the ledger address bid and claim payments must pay.
	Destination string
	// ClaimFee is the fixed fee in drops to claim a won auction.
	ClaimFee int64
	// AntiSnipeWindow extends endsAt when a bid lands within it of expiry.
	AntiSnipeWindow time.Duration
}

func (c Config) setDefaults() Config {
	if c.ClaimFee <= 0 {
		c.ClaimFee = defaultClaimFee
	}
	if c.AntiSnipeWindow <= 0 {
		c.AntiSnipeWindow = defaultAntiSnipeWindow
	}
	return c
}

// Engine runs auctions. Each auction is a single-writer resource: bids and
// claims against the same auction id are serialized, while distinct auctions
// proceed in parallel. endsAt only ever increases, so a claim can never
// overtake a bid that would have extended the window.
type Engine struct {
	store    store.Store
	guard    *replay.Guard
	verifier PaymentVerifier
	gen      gen.Generator
	cfg      Config
	clock    func() time.Time

	entropy   *ulid.MonotonicEntropy
	entropyLk sync.Mutex

	lks *sempool.SemaphorePool

	metricBidTotal   metric.Int64Counter
	metricClaimTotal metric.Int64Counter
}

// New returns a new Engine.
func New(
	s store.Store,
	guard *replay.Guard,
	verifier PaymentVerifier,
	generator gen.Generator,
	cfg Config,
) (*Engine, error) {
	if cfg.Destination == "" {
		return nil, errors.New("payment destination is required")
	}
	e := &Engine{
		store:    s,
		guard:    guard,
		verifier: verifier,
		gen:      generator,
		cfg:      cfg.setDefaults(),
		clock:    time.Now,
		lks:      sempool.NewSemaphorePool(1),
	}
	e.initMetrics()
	return e, nil
}

// Create opens a new auction for the described skill. A non-positive
// duration falls back to a default.
func (e *Engine) Create(
	ctx context.Context,
	skillName, skillDescriptor, description string,
	minimumBid int64,
	duration time.Duration,
) (Auction, error) {
	if skillName == "" || skillDescriptor == "" {
		return Auction{}, apierr.New(apierr.KindValidation, "skill name and descriptor required")
	}
	if minimumBid <= 0 {
		return Auction{}, apierr.New(apierr.KindValidation, "minimum bid must be positive")
	}
	if duration <= 0 {
		duration = defaultDuration
	}

	now := e.clock()
	a := Auction{
		ID:              uuid.New().String(),
		SkillName:       skillName,
		SkillDescriptor: skillDescriptor,
		Description:     description,
		MinimumBid:      minimumBid,
		StartedAt:       now.UnixMilli(),
		EndsAt:          now.Add(duration).UnixMilli(),
		Status:          StatusActive,
	}
	if err := e.saveAuction(a); err != nil {
		return Auction{}, err
	}
	log.Infof("created auction %s (%s), min bid %d, ends %d", a.ID, a.SkillName, a.MinimumBid, a.EndsAt)
	return a, nil
}

// Get returns one auction, transitioning it from active to ended if endsAt
// has passed.
func (e *Engine) Get(ctx context.Context, id string) (Auction, error) {
	if id == "" {
		return Auction{}, apierr.New(apierr.KindValidation, "auction id required")
	}
	sem := e.lks.Get(sempool.StringKey(id))
	sem.Acquire()
	defer sem.Release()

	a, err := e.getAuction(id)
	if err != nil {
		return Auction{}, err
	}
	if a.Status == StatusActive && e.clock().UnixMilli() > a.EndsAt {
		a.Status = StatusEnded
		if err := e.saveAuction(a); err != nil {
			return Auction{}, err
		}
	}
	return a, nil
}

// List returns all auctions in id order. Expired auctions are reported as
// ended; the durable transition happens on Get, PlaceBid, or Claim.
func (e *Engine) List(ctx context.Context) ([]Auction, error) {
	recs, err := e.store.ReadAll(collection)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstream, err, "record store unavailable")
	}
	now := e.clock().UnixMilli()
	auctions := make([]Auction, 0, len(recs))
	for _, rec := range recs {
		var a Auction
		if err := json.Unmarshal(rec.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshaling auction %s: %v", rec.ID, err)
		}
		if a.Status == StatusActive && now > a.EndsAt {
			a.Status = StatusEnded
		}
		auctions = append(auctions, a)
	}
	return auctions, nil
}

// PlaceBid accepts a bid on an auction funded by the transaction txHash.
// The verified payment amount is the bid amount; a payment below the
// current required minimum (highest bid plus one, or the auction's minimum
// bid) is rejected. A bid accepted within the anti-snipe window of endsAt
// extends endsAt by the window.
func (e *Engine) PlaceBid(ctx context.Context, auctionID, txHash string) (res BidResult, err error) {
	defer func() {
		metrics.MetricIncrCounter(ctx, err, e.metricBidTotal)
	}()
	if auctionID == "" || txHash == "" {
		return BidResult{}, apierr.New(apierr.KindValidation, "auction id and transaction hash required")
	}
	sem := e.lks.Get(sempool.StringKey(auctionID))
	sem.Acquire()
	defer sem.Release()

	a, err := e.getAuction(auctionID)
	if err != nil {
		return BidResult{}, err
	}
	if a.Status != StatusActive {
		return BidResult{}, apierr.Newf(apierr.KindState, "auction is %s", a.Status)
	}
	if e.clock().UnixMilli() > a.EndsAt {
		a.Status = StatusEnded
		if err := e.saveAuction(a); err != nil {
			return BidResult{}, err
		}
		return BidResult{}, apierr.New(apierr.KindState, "auction has ended")
	}

	required := a.MinimumBid
	if highest := highestBid(a); highest != nil {
		required = highest.Amount + 1
	}

	if err := e.guard.Consume(txHash, "auction-bid"); err != nil {
		return BidResult{}, err
	}
	v, err := e.verifier.Verify(ctx, txHash, required, e.cfg.Destination)
	if err != nil {
		e.releaseHash(txHash)
		return BidResult{}, err
	}
	if !v.Verified {
		e.releaseHash(txHash)
		return BidResult{}, apierr.Newf(apierr.KindAuthorization,
			"payment of at least %d drops to %s not found", required, e.cfg.Destination)
	}

	accepted := e.clock()
	id, err := e.newBidID(accepted)
	if err != nil {
		e.releaseHash(txHash)
		return BidResult{}, err
	}
	bid := Bid{
		ID:              id,
		AuctionID:       a.ID,
		BidderIdentity:  v.Payer,
		Amount:          v.Amount,
		TransactionHash: txHash,
		PlacedAt:        accepted.UnixMilli(),
	}
	a.Bids = append(a.Bids, bid)

	// Anti-snipe: evaluated at acceptance, after payment verification.
	if a.EndsAt-accepted.UnixMilli() < e.cfg.AntiSnipeWindow.Milliseconds() {
		a.EndsAt += e.cfg.AntiSnipeWindow.Milliseconds()
		log.Infof("auction %s: anti-snipe extension to %d", a.ID, a.EndsAt)
	}

	if err := e.saveAuction(a); err != nil {
		e.releaseHash(txHash)
		return BidResult{}, err
	}
	log.Infof("auction %s: bid %s of %d drops by %s", a.ID, bid.ID, bid.Amount, bid.BidderIdentity)
	return BidResult{Bid: *highestBid(a), EndsAt: a.EndsAt}, nil
}

// Claim settles an ended auction. txHash must pay the fixed claim fee and
// its payer must be the winning bidder. The prize artifact is generated
// before the claim commits, so a generation failure leaves the auction
// claimable again by the same winner with a fresh fee payment.
func (e *Engine) Claim(ctx context.Context, auctionID, txHash string) (res ClaimResult, err error) {
	defer func() {
		metrics.MetricIncrCounter(ctx, err, e.metricClaimTotal)
	}()
	if auctionID == "" || txHash == "" {
		return ClaimResult{}, apierr.New(apierr.KindValidation, "auction id and transaction hash required")
	}
	sem := e.lks.Get(sempool.StringKey(auctionID))
	sem.Acquire()
	defer sem.Release()

	a, err := e.getAuction(auctionID)
	if err != nil {
		return ClaimResult{}, err
	}
	if a.Status == StatusClaimed {
		return ClaimResult{}, apierr.New(apierr.KindConflict, "auction already claimed")
	}
	if a.Status == StatusActive {
		if e.clock().UnixMilli() <= a.EndsAt {
			return ClaimResult{}, apierr.New(apierr.KindState, "auction is still active")
		}
		a.Status = StatusEnded
		if err := e.saveAuction(a); err != nil {
			return ClaimResult{}, err
		}
	}
	winner := highestBid(a)
	if winner == nil {
		return ClaimResult{}, apierr.New(apierr.KindState, "auction received no bids")
	}

	if err := e.guard.Consume(txHash, "auction-claim"); err != nil {
		return ClaimResult{}, err
	}
	v, err := e.verifier.Verify(ctx, txHash, e.cfg.ClaimFee, e.cfg.Destination)
	if err != nil {
		e.releaseHash(txHash)
		return ClaimResult{}, err
	}
	if !v.Verified {
		e.releaseHash(txHash)
		return ClaimResult{}, apierr.Newf(apierr.KindAuthorization,
			"claim fee of %d drops to %s not found", e.cfg.ClaimFee, e.cfg.Destination)
	}
	if v.Payer != winner.BidderIdentity {
		e.releaseHash(txHash)
		return ClaimResult{}, apierr.New(apierr.KindAuthorization, "claim is reserved for the winning bidder")
	}

	artifact, err := e.gen.Generate(ctx, a.SkillDescriptor, a.Description)
	if err != nil {
		e.releaseHash(txHash)
		return ClaimResult{}, err
	}

	a.Status = StatusClaimed
	a.WinningBidID = winner.ID
	a.ClaimHash = txHash
	if err := e.saveAuction(a); err != nil {
		e.releaseHash(txHash)
		return ClaimResult{}, err
	}
	log.Infof("auction %s: claimed by %s with bid %s", a.ID, winner.BidderIdentity, winner.ID)
	return ClaimResult{Auction: a, Artifact: artifact}, nil
}

// highestBid returns the current leader, or nil if there are no bids.
// Ordering is amount descending, then earliest placedAt, then bid id.
func highestBid(a Auction) *Bid {
	if len(a.Bids) == 0 {
		return nil
	}
	bids := make([]Bid, len(a.Bids))
	copy(bids, a.Bids)
	sort.Slice(bids, func(i, j int) bool {
		if bids[i].Amount != bids[j].Amount {
			return bids[i].Amount > bids[j].Amount
		}
		if bids[i].PlacedAt != bids[j].PlacedAt {
			return bids[i].PlacedAt < bids[j].PlacedAt
		}
		return bids[i].ID < bids[j].ID
	})
	return &bids[0]
}

func (e *Engine) getAuction(id string) (Auction, error) {
	recs, err := e.store.ReadAll(collection)
	if err != nil {
		return Auction{}, apierr.Wrap(apierr.KindUpstream, err, "record store unavailable")
	}
	for _, rec := range recs {
		if rec.ID != id {
			continue
		}
		var a Auction
		if err := json.Unmarshal(rec.Data, &a); err != nil {
			return Auction{}, fmt.Errorf("unmarshaling auction %s: %v", id, err)
		}
		return a, nil
	}
	return Auction{}, apierr.Newf(apierr.KindNotFound, "auction %s not found", id)
}

func (e *Engine) saveAuction(a Auction) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshaling auction: %v", err)
	}
	if _, err := e.store.Append(collection, store.Record{ID: a.ID, Data: data}); err != nil {
		return apierr.Wrap(apierr.KindUpstream, err, "record store unavailable")
	}
	return nil
}

func (e *Engine) releaseHash(hash string) {
	if err := e.guard.Release(hash); err != nil {
		log.Errorf("releasing %s: %v", hash, err)
	}
}

// newBidID returns new monotonically-increasing bid ids.
func (e *Engine) newBidID(t time.Time) (string, error) {
	e.entropyLk.Lock() // entropy is not safe for concurrent use

	if e.entropy == nil {
		e.entropy = ulid.Monotonic(rand.Reader, 0)
	}
	id, err := ulid.New(ulid.Timestamp(t.UTC()), e.entropy)
	if errors.Is(err, ulid.ErrMonotonicOverflow) {
		e.entropy = nil
		e.entropyLk.Unlock()
		return e.newBidID(t)
	} else if err != nil {
		e.entropyLk.Unlock()
		return "", fmt.Errorf("generating bid id: %v", err)
	}
	e.entropyLk.Unlock()
	return strings.ToLower(id.String()), nil
}
