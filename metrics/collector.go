// Package metrics exposes the engine's Prometheus collector. The collector
// is constructor-injected and registers on a caller-owned registry; handing
// each test its own registry keeps duplicate-registration panics out of
// parallel test runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the engine emits.
type Collector struct {
	registry *prometheus.Registry

	OrdersTotal        *prometheus.CounterVec
	TradesTotal        *prometheus.CounterVec
	LiquidationsTotal  *prometheus.CounterVec
	ADLUnwindsTotal    *prometheus.CounterVec
	FundingSettlements *prometheus.CounterVec
	StoreErrors        *prometheus.CounterVec
	WSDroppedClients   prometheus.Counter

	WSClients        prometheus.Gauge
	OpenPositions    *prometheus.GaugeVec
	InsuranceBalance prometheus.Gauge

	MatchBatchSeconds prometheus.Histogram
	RiskTickSeconds   prometheus.Histogram
}

// NewCollector builds and registers the engine metrics on a fresh private
// registry.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.OrdersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpengine",
		Name:      "orders_total",
		Help:      "Orders ingested, by terminal handling status.",
	}, []string{"token", "status"})

	c.TradesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpengine",
		Name:      "trades_total",
		Help:      "Trades executed.",
	}, []string{"token", "type"})

	c.LiquidationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpengine",
		Name:      "liquidations_total",
		Help:      "Liquidations processed, by outcome.",
	}, []string{"token", "outcome"})

	c.ADLUnwindsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpengine",
		Name:      "adl_unwinds_total",
		Help:      "Counterparty positions unwound by auto-deleveraging.",
	}, []string{"token"})

	c.FundingSettlements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpengine",
		Name:      "funding_settlements_total",
		Help:      "Funding cycles settled.",
	}, []string{"token"})

	c.StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpengine",
		Name:      "store_errors_total",
		Help:      "Store operations that returned an error.",
	}, []string{"op"})

	c.WSDroppedClients = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "perpengine",
		Name:      "ws_dropped_clients_total",
		Help:      "WebSocket clients disconnected for not draining their queue.",
	})

	c.WSClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "perpengine",
		Name:      "ws_clients",
		Help:      "Connected WebSocket clients.",
	})

	c.OpenPositions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "perpengine",
		Name:      "open_positions",
		Help:      "Open positions per token.",
	}, []string{"token"})

	c.InsuranceBalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "perpengine",
		Name:      "insurance_fund_balance",
		Help:      "Insurance fund balance, whole collateral units.",
	})

	c.MatchBatchSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "perpengine",
		Name:      "match_batch_seconds",
		Help:      "Time spent applying one matching batch.",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
	})

	c.RiskTickSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "perpengine",
		Name:      "risk_tick_seconds",
		Help:      "Time spent in one risk-engine tick.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5},
	})

	c.registry.MustRegister(
		c.OrdersTotal,
		c.TradesTotal,
		c.LiquidationsTotal,
		c.ADLUnwindsTotal,
		c.FundingSettlements,
		c.StoreErrors,
		c.WSDroppedClients,
		c.WSClients,
		c.OpenPositions,
		c.InsuranceBalance,
		c.MatchBatchSeconds,
		c.RiskTickSeconds,
	)
	return c
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveMatchBatch records one matching batch duration.
func (c *Collector) ObserveMatchBatch(d time.Duration) {
	c.MatchBatchSeconds.Observe(d.Seconds())
}

// ObserveRiskTick records one risk tick duration.
func (c *Collector) ObserveRiskTick(d time.Duration) {
	c.RiskTickSeconds.Observe(d.Seconds())
}
