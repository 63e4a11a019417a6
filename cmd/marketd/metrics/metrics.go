package metrics

import (
	"context"

	logging "github.com/textileio/go-log/v2"
	"github.com/textileio/market-core/auction"
	"github.com/textileio/market-core/catalog"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
)

var (
	log = logging.Logger("marketd/metrics")
)

const prefix = "marketd"

var meter = metric.Must(global.Meter(prefix))

// Metrics observes marketplace state.
type Metrics struct {
	auctions *auction.Engine
	catalog  *catalog.Catalog
}

// New creates a new Metrics.
func New(auctions *auction.Engine, cat *catalog.Catalog) *Metrics {
	m := &Metrics{auctions: auctions, catalog: cat}
	m.initMetrics()
	return m
}

func (m *Metrics) initMetrics() {
	var (
		auctionsTotal   metric.Int64GaugeObserver
		auctionsActive  metric.Int64GaugeObserver
		auctionsClaimed metric.Int64GaugeObserver
		purchasesTotal  metric.Int64GaugeObserver
	)
	batchObs := meter.NewBatchObserver(func(ctx context.Context, result metric.BatchObserverResult) {
		var obs []metric.Observation

		auctions, err := m.auctions.List(ctx)
		if err != nil {
			log.Errorf("listing auctions: %v", err)
		} else {
			var active, claimed int64
			for _, a := range auctions {
				switch a.Status {
				case auction.StatusActive:
					active++
				case auction.StatusClaimed:
					claimed++
				}
			}
			obs = append(
				obs,
				auctionsTotal.Observation(int64(len(auctions))),
				auctionsActive.Observation(active),
				auctionsClaimed.Observation(claimed),
			)
		}

		receipts, err := m.catalog.Receipts(ctx)
		if err != nil {
			log.Errorf("listing receipts: %v", err)
		} else {
			obs = append(obs, purchasesTotal.Observation(int64(len(receipts))))
		}

		result.Observe(nil, obs...)
	})
	auctionsTotal = batchObs.NewInt64GaugeObserver(prefix + ".auctions_total")
	auctionsActive = batchObs.NewInt64GaugeObserver(prefix + ".auctions_active")
	auctionsClaimed = batchObs.NewInt64GaugeObserver(prefix + ".auctions_claimed")
	purchasesTotal = batchObs.NewInt64GaugeObserver(prefix + ".purchases_total")
}
