package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the registration-only Prometheus collector set for the
// fission/bonding pipeline. No HTTP exporter is wired here — scraping is
// out of scope (spec.md §1) — components simply observe these collectors
// as they run; a caller wires the registry to an exporter if it wants one.
type Metrics struct {
	BondSuccessTotal      prometheus.Counter
	BondQuarantineTotal   prometheus.Counter
	BondInsufficientTotal prometheus.Counter
	LedgerAppendLatency   prometheus.Histogram
	FissionTotal          prometheus.Counter
	TokenValidationTotal  *prometheus.CounterVec
}

// NewMetrics constructs and registers a fresh Metrics set against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the global
// default registry across parallel test runs.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		BondSuccessTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atomic",
			Subsystem: "bonding",
			Name:      "bonds_total",
			Help:      "Total number of successful bond operations.",
		}),
		BondQuarantineTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atomic",
			Subsystem: "bonding",
			Name:      "quarantine_total",
			Help:      "Total number of bonders that entered BONDQUARANTINE.",
		}),
		BondInsufficientTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atomic",
			Subsystem: "bonding",
			Name:      "insufficient_atoms_total",
			Help:      "Total number of bond attempts that found insufficient atoms.",
		}),
		LedgerAppendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "atomic",
			Subsystem: "ledger",
			Name:      "append_latency_seconds",
			Help:      "Observed latency of Ledger Store Append calls, including fsync.",
			Buckets:   prometheus.DefBuckets,
		}),
		FissionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atomic",
			Subsystem: "fission",
			Name:      "batches_total",
			Help:      "Total number of completed fission batches.",
		}),
		TokenValidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atomic",
			Subsystem: "tokens",
			Name:      "validations_total",
			Help:      "Total token validations, labeled by outcome.",
		}, []string{"outcome"}),
	}

	collectors := []prometheus.Collector{
		m.BondSuccessTotal, m.BondQuarantineTotal, m.BondInsufficientTotal,
		m.LedgerAppendLatency, m.FissionTotal, m.TokenValidationTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveValidation records the outcome of one TokenRegistry.Validate call.
func (m *Metrics) ObserveValidation(valid bool) {
	if m == nil {
		return
	}
	if valid {
		m.TokenValidationTotal.WithLabelValues("valid").Inc()
		return
	}
	m.TokenValidationTotal.WithLabelValues("invalid").Inc()
}

// ObserveBondSuccess records one successful Bonder.Attempt.
func (m *Metrics) ObserveBondSuccess() {
	if m == nil {
		return
	}
	m.BondSuccessTotal.Inc()
}

// ObserveBondQuarantine records one Bonder entering BONDQUARANTINE.
func (m *Metrics) ObserveBondQuarantine() {
	if m == nil {
		return
	}
	m.BondQuarantineTotal.Inc()
}

// ObserveBondInsufficient records one Bonder.Attempt that found insufficient
// constituent atoms.
func (m *Metrics) ObserveBondInsufficient() {
	if m == nil {
		return
	}
	m.BondInsufficientTotal.Inc()
}

// ObserveFission records one completed fission batch.
func (m *Metrics) ObserveFission() {
	if m == nil {
		return
	}
	m.FissionTotal.Inc()
}

// ObserveLedgerAppend records the latency of one LedgerStore.Append call.
func (m *Metrics) ObserveLedgerAppend(d time.Duration) {
	if m == nil {
		return
	}
	m.LedgerAppendLatency.Observe(d.Seconds())
}
