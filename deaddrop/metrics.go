package deaddrop

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
)

var meter = metric.Must(global.Meter("deaddrop"))

func (r *Relay) initMetrics() {
	r.metricStoreTotal = meter.NewInt64Counter("deaddrop.store_total")
	r.metricRetrieveTotal = meter.NewInt64Counter("deaddrop.retrieve_total")
}
