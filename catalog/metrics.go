package catalog

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
)

var meter = metric.Must(global.Meter("catalog"))

func (c *Catalog) initMetrics() {
	c.metricPurchaseTotal = meter.NewInt64Counter("catalog.purchase_total")
}
