package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 领取流程的 prometheus 指标. nil 接收者上的方法为空操作
type Metrics struct {
	ClaimsTotal      *prometheus.CounterVec
	TransfersTotal   *prometheus.CounterVec
	TransferDuration prometheus.Histogram
	WalletBusyTotal  prometheus.Counter
	RetryTotal       *prometheus.CounterVec
	AmountLookups    *prometheus.CounterVec
}

// New 创建指标并注册到 registerer
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClaimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qr_claims_total",
			Help: "Claim requests by source and outcome code",
		}, []string{"source", "outcome"}),
		TransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qr_transfers_total",
			Help: "Token transfer executions by outcome code",
		}, []string{"outcome"}),
		TransferDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "qr_transfer_duration_seconds",
			Help:    "Time from wallet acquisition to confirmation",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60},
		}),
		WalletBusyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qr_wallet_pool_busy_total",
			Help: "Times no funding wallet could be acquired",
		}),
		RetryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qr_retry_queue_total",
			Help: "Retry queue outcomes",
		}, []string{"outcome"}),
		AmountLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qr_amount_lookups_total",
			Help: "Claim amount computations by tier",
		}, []string{"tier"}),
	}

	registerer.MustRegister(m.ClaimsTotal, m.TransfersTotal, m.TransferDuration,
		m.WalletBusyTotal, m.RetryTotal, m.AmountLookups)
	return m
}

func (m *Metrics) ObserveClaim(source, outcome string) {
	if m == nil {
		return
	}
	m.ClaimsTotal.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) ObserveTransfer(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TransfersTotal.WithLabelValues(outcome).Inc()
	m.TransferDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveWalletBusy() {
	if m == nil {
		return
	}
	m.WalletBusyTotal.Inc()
}

func (m *Metrics) ObserveRetry(outcome string) {
	if m == nil {
		return
	}
	m.RetryTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveAmount(tier string) {
	if m == nil {
		return
	}
	m.AmountLookups.WithLabelValues(tier).Inc()
}
