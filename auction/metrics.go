package auction

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
)

var meter = metric.Must(global.Meter("auction"))

func (e *Engine) initMetrics() {
	e.metricBidTotal = meter.NewInt64Counter("auction.bid_total")
	e.metricClaimTotal = meter.NewInt64Counter("auction.claim_total")
}
