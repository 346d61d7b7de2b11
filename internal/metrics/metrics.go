// Package metrics provides Prometheus instrumentation for the billing engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "billing",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// WalletTransactionsTotal counts ledger transactions by kind and status.
	WalletTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "wallet_transactions_total",
			Help:      "Total wallet transactions recorded by kind and status.",
		},
		[]string{"kind", "status"},
	)

	// InsufficientFundsTotal counts debits rejected for lack of balance.
	InsufficientFundsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "insufficient_funds_total",
		Help:      "Total debit attempts rejected due to insufficient balance.",
	})

	// PartialFailuresTotal counts debits whose dependent mutation did not complete.
	// This is the alertable broken-invariant signal; it should stay at zero.
	PartialFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "partial_failures_total",
		Help:      "Total operations where the wallet was debited but the dependent mutation failed.",
	})

	// GiftCardRedemptionsTotal counts gift card redemption attempts by result.
	GiftCardRedemptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "giftcard_redemptions_total",
			Help:      "Total gift card redemption attempts by result.",
		},
		[]string{"result"},
	)

	// DiscountConsumptionsTotal counts discount code consumptions by result.
	DiscountConsumptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "discount_consumptions_total",
			Help:      "Total discount code consumptions by result.",
		},
		[]string{"result"},
	)

	// RechargeOrdersTotal counts recharge orders by status transition.
	RechargeOrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "recharge_orders_total",
			Help:      "Total wallet recharge orders by status.",
		},
		[]string{"status"},
	)

	// ReconciliationRunsTotal counts reconciliation sweeps by outcome.
	ReconciliationRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "reconciliation_runs_total",
			Help:      "Total reconciliation sweeps by outcome.",
		},
		[]string{"outcome"},
	)

	// BalanceMismatchesTotal counts wallets whose balance disagreed with
	// the transaction log sum.
	BalanceMismatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "balance_mismatches_total",
		Help:      "Total wallets found with a balance that disagrees with the ledger sum.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "billing", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "billing", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "billing", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "billing", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		WalletTransactionsTotal,
		InsufficientFundsTotal,
		PartialFailuresTotal,
		GiftCardRedemptionsTotal,
		DiscountConsumptionsTotal,
		RechargeOrdersTotal,
		ReconciliationRunsTotal,
		BalanceMismatchesTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
