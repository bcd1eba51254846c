package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const apwNamespace = "apw"

// WalletMetrics instruments facade operations. A nil *WalletMetrics records nothing.
type WalletMetrics struct {
	operations     *prometheus.CounterVec
	userOpsSent    *prometheus.CounterVec
	receiptLatency prometheus.Histogram
	pendingOps     prometheus.Gauge
	reconciled     *prometheus.CounterVec
}

func NewWalletMetrics(reg prometheus.Registerer) *WalletMetrics {
	return &WalletMetrics{
		operations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apwNamespace,
				Name:      "operations_total",
				Help:      "Facade operations by name and outcome. Outcome is success or the failure reason",
			}, []string{"operation", "outcome"}),

		userOpsSent: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apwNamespace,
				Name:      "user_operations_sent_total",
				Help:      "User operations accepted by the bundler, by sponsorship mode",
			}, []string{"sponsorship"}),

		receiptLatency: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: apwNamespace,
				Name:      "receipt_wait_seconds",
				Help:      "Time from submission until the user operation receipt is available",
				Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
			}),

		pendingOps: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: apwNamespace,
				Name:      "pending_operations",
				Help:      "Journaled operations still waiting for a receipt",
			}),

		reconciled: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apwNamespace,
				Name:      "reconciled_operations_total",
				Help:      "Pending operations resolved by the reconciler, by final status",
			}, []string{"status"}),
	}
}

func (m *WalletMetrics) IncOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

func (m *WalletMetrics) IncUserOpSent(sponsorship string) {
	if m == nil {
		return
	}
	m.userOpsSent.WithLabelValues(sponsorship).Inc()
}

func (m *WalletMetrics) ObserveReceiptWait(d time.Duration) {
	if m == nil {
		return
	}
	m.receiptLatency.Observe(d.Seconds())
}

func (m *WalletMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingOps.Set(float64(n))
}

func (m *WalletMetrics) IncReconciled(status string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(status).Inc()
}
