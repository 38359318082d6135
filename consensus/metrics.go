package consensus

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "consensus"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Height of the round in progress.
	Height metrics.Gauge
	// View number of the round in progress.
	View metrics.Gauge

	// Number of validators.
	Validators metrics.Gauge
	// Number of validators that sent no message for more than one block.
	FailedValidators metrics.Gauge

	// Number of ChangeView messages sent by this node, labeled by reason.
	ChangeViews metrics.Counter
	// Number of recovery messages sent by this node.
	RecoveryMessages metrics.Counter

	// Time between this block and the preceding one.
	BlockIntervalSeconds metrics.Histogram
	// Number of transactions.
	NumTxs metrics.Gauge
	// Size of the block.
	BlockSizeBytes metrics.Gauge
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Height: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "height",
			Help:      "Height of the round in progress.",
		}, labels).With(labelsAndValues...),
		View: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "view",
			Help:      "View number of the round in progress.",
		}, labels).With(labelsAndValues...),
		Validators: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "validators",
			Help:      "Number of validators.",
		}, labels).With(labelsAndValues...),
		FailedValidators: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "failed_validators",
			Help:      "Number of validators silent for more than one block.",
		}, labels).With(labelsAndValues...),
		ChangeViews: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "change_views",
			Help:      "Number of change view messages sent.",
		}, append(labels, "reason")).With(labelsAndValues...),
		RecoveryMessages: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "recovery_messages",
			Help:      "Number of recovery messages sent.",
		}, labels).With(labelsAndValues...),
		BlockIntervalSeconds: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "block_interval_seconds",
			Help:      "Time between this and the last block.",
		}, labels).With(labelsAndValues...),
		NumTxs: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "num_txs",
			Help:      "Number of transactions.",
		}, labels).With(labelsAndValues...),
		BlockSizeBytes: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "block_size_bytes",
			Help:      "Size of the block.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Height:               discard.NewGauge(),
		View:                 discard.NewGauge(),
		Validators:           discard.NewGauge(),
		FailedValidators:     discard.NewGauge(),
		ChangeViews:          discard.NewCounter(),
		RecoveryMessages:     discard.NewCounter(),
		BlockIntervalSeconds: discard.NewHistogram(),
		NumTxs:               discard.NewGauge(),
		BlockSizeBytes:       discard.NewGauge(),
	}
}
