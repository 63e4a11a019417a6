package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	logging "github.com/textileio/go-log/v2"
	"github.com/textileio/market-core/apierr"
	"github.com/textileio/market-core/gen"
	"github.com/textileio/market-core/metrics"
	"github.com/textileio/market-core/oracle"
	"github.com/textileio/market-core/replay"
	"github.com/textileio/market-core/store"
	"go.opentelemetry.io/otel/metric"
)

var log = logging.Logger("catalog")

// collection is the record store collection holding purchase receipts.
const collection = "purchases"

// conversationSystem frames every product generation.
const conversationSystem = "You are a conversation generator for an AI agent marketplace " +
	"built on the XRP Ledger. Generate realistic, professional exchanges between AI agents. " +
	"Format output as a clean dialogue with \"Agent A:\" and \"Agent B:\" labels."

// OutputType describes the shape of a product's generated artifact.
type OutputType string

const (
	OutputConversation OutputType = "conversation"
	OutputReport       OutputType = "report"
	OutputAnalysis     OutputType = "analysis"
)

// Product is one fixed-price generated artifact for sale.
type Product struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Drops       int64      `json:"drops"`
	Category    string     `json:"category"`
	OutputType  OutputType `json:"outputType"`
	Prompt      string     `json:"-"`
}

// Receipt records one completed purchase. Timestamps are epoch milliseconds.
type Receipt struct {
	ID              string `json:"id"`
	ProductID       string `json:"productId"`
	Payer           string `json:"payer"`
	Amount          int64  `json:"amount"`
	TransactionHash string `json:"transactionHash"`
	PurchasedAt     int64  `json:"purchasedAt"`
}

// PurchaseResult carries the generated artifact and its receipt.
type PurchaseResult struct {
	Product Product
	Receipt Receipt
	Output  string
}

// products is the fixed offering. Prices are in drops.
var products = []Product{
	{
		ID:          "agent-greeting",
		Name:        "Agent Greeting Exchange",
		Description: "Two AI agents introduce themselves and establish a working relationship.",
		Drops:       2,
		Category:    "Social",
		OutputType:  OutputConversation,
		Prompt: "Generate a short, professional greeting exchange between two AI agents " +
			"meeting for the first time. Agent A introduces itself and its capabilities. " +
			"Agent B responds in kind. Keep it under 200 words.",
	},
	{
		ID:          "market-analysis",
		Name:        "XRP Market Analysis",
		Description: "Two agents debate and analyze the current XRP market landscape.",
		Drops:       4,
		Category:    "Finance",
		OutputType:  OutputConversation,
		Prompt: "Generate a sharp, analytical conversation between two AI agents discussing " +
			"the XRP ecosystem, use cases, and network growth. Include specific observations " +
			"about XRPL technology. Under 400 words.",
	},
	{
		ID:          "task-delegation",
		Name:        "Task Delegation Protocol",
		Description: "Agent A assigns a structured task to Agent B with full context.",
		Drops:       4,
		Category:    "Operations",
		OutputType:  OutputConversation,
		Prompt: "Generate a conversation where Agent A (manager) delegates a research task " +
			"to Agent B (specialist). Include task definition, success criteria, and Agent B " +
			"confirming understanding. Under 500 words.",
	},
	{
		ID:          "research-exchange",
		Name:        "Deep Research Exchange",
		Description: "Multi-turn research conversation between agents covering a topic in depth.",
		Drops:       6,
		Category:    "Research",
		OutputType:  OutputReport,
		Prompt: "Generate a thorough multi-turn conversation between two research AI agents " +
			"exploring the future of AI-to-AI commerce on blockchain networks. Cover use " +
			"cases, challenges, and opportunities. Under 800 words.",
	},
	{
		ID:          "strategy-session",
		Name:        "Strategy Session",
		Description: "Agents co-develop a strategic plan for a given domain.",
		Drops:       8,
		Category:    "Strategy",
		OutputType:  OutputAnalysis,
		Prompt: "Generate a structured strategy session between two AI agents building a " +
			"go-to-market plan for a new XRP-based service. Include situation analysis, key " +
			"actions, and success metrics. Under 1000 words.",
	},
}

// PaymentVerifier checks that a transaction pays at least minAmount to
// destination. Implemented by oracle.Verifier.
type PaymentVerifier interface {
	Verify(ctx context.Context, hash string, minAmount int64, destination string) (oracle.Verification, error)
}

// Catalog sells fixed-price generated artifacts paid per purchase.
type Catalog struct {
	store       store.Store
	guard       *replay.Guard
	verifier    PaymentVerifier
	gen         gen.Generator
	destination string
	clock       func() time.Time

	metricPurchaseTotal metric.Int64Counter
}

// New returns a new Catalog.
func New(
	s store.Store,
	guard *replay.Guard,
	verifier PaymentVerifier,
	generator gen.Generator,
	destination string,
) (*Catalog, error) {
	if destination == "" {
		return nil, errors.New("payment destination is required")
	}
	c := &Catalog{
		store:       s,
		guard:       guard,
		verifier:    verifier,
		gen:         generator,
		destination: destination,
		clock:       time.Now,
	}
	c.initMetrics()
	return c, nil
}

// Products returns the fixed offering.
func (c *Catalog) Products() []Product {
	out := make([]Product, len(products))
	copy(out, products)
	return out
}

// Product returns one product by id.
func (c *Catalog) Product(id string) (Product, error) {
	for _, p := range products {
		if p.ID == id {
			return p, nil
		}
	}
	return Product{}, apierr.Newf(apierr.KindNotFound, "product %s not found", id)
}

// Purchase sells productID to the payer of txHash. The artifact is generated
// before the purchase commits; a generation failure releases the hash so the
// same payment can retry.
func (c *Catalog) Purchase(ctx context.Context, txHash, productID string) (res PurchaseResult, err error) {
	defer func() {
		metrics.MetricIncrCounter(ctx, err, c.metricPurchaseTotal)
	}()
	if txHash == "" || productID == "" {
		return PurchaseResult{}, apierr.New(apierr.KindValidation, "transaction hash and product id required")
	}
	product, err := c.Product(productID)
	if err != nil {
		return PurchaseResult{}, err
	}

	if err := c.guard.Consume(txHash, "catalog-purchase"); err != nil {
		return PurchaseResult{}, err
	}
	v, err := c.verifier.Verify(ctx, txHash, product.Drops, c.destination)
	if err != nil {
		c.releaseHash(txHash)
		return PurchaseResult{}, err
	}
	if !v.Verified {
		c.releaseHash(txHash)
		return PurchaseResult{}, apierr.Newf(apierr.KindAuthorization,
			"payment of %d drops to %s not found", product.Drops, c.destination)
	}

	output, err := c.gen.Generate(ctx, conversationSystem, product.Prompt)
	if err != nil {
		c.releaseHash(txHash)
		return PurchaseResult{}, err
	}

	receipt := Receipt{
		ID:              uuid.New().String(),
		ProductID:       product.ID,
		Payer:           v.Payer,
		Amount:          v.Amount,
		TransactionHash: txHash,
		PurchasedAt:     c.clock().UnixMilli(),
	}
	data, err := json.Marshal(receipt)
	if err != nil {
		c.releaseHash(txHash)
		return PurchaseResult{}, fmt.Errorf("marshaling receipt: %v", err)
	}
	if _, err := c.store.Append(collection, store.Record{ID: receipt.ID, Data: data}); err != nil {
		c.releaseHash(txHash)
		return PurchaseResult{}, apierr.Wrap(apierr.KindUpstream, err, "record store unavailable")
	}
	log.Infof("sold %s to %s for %d drops", product.ID, receipt.Payer, receipt.Amount)
	return PurchaseResult{Product: product, Receipt: receipt, Output: output}, nil
}

// Receipts returns all purchase receipts in id order.
func (c *Catalog) Receipts(ctx context.Context) ([]Receipt, error) {
	recs, err := c.store.ReadAll(collection)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstream, err, "record store unavailable")
	}
	receipts := make([]Receipt, 0, len(recs))
	for _, rec := range recs {
		var r Receipt
		if err := json.Unmarshal(rec.Data, &r); err != nil {
			return nil, fmt.Errorf("unmarshaling receipt %s: %v", rec.ID, err)
		}
		receipts = append(receipts, r)
	}
	return receipts, nil
}

func (c *Catalog) releaseHash(hash string) {
	if err := c.guard.Release(hash); err != nil {
		log.Errorf("releasing %s: %v", hash, err)
	}
}
