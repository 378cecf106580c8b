package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Metrics names.
	MetricNameBuildInfo        = "clocksync_agent_build_info"
	MetricNameSamplesLearned   = "clocksync_agent_samples_learned_total"
	MetricNameSamplesRejected  = "clocksync_agent_samples_rejected_total"
	MetricNameSynchronizations = "clocksync_agent_synchronizations_total"
	MetricNameWindowResets     = "clocksync_agent_window_resets_total"
	MetricNameEpochExpiries    = "clocksync_agent_epoch_expiries_total"
	MetricNameSynchronized     = "clocksync_agent_synchronized"
	MetricNameOffsetBoundNanos = "clocksync_agent_offset_bound_nanoseconds"
	MetricNameProbeLosses      = "clocksync_agent_probe_losses_total"

	// Labels.
	LabelVersion      = "version"
	LabelCommit       = "commit"
	LabelDate         = "date"
	LabelRejectReason = "reason"
	LabelBound        = "bound"
	LabelPeer         = "peer"

	// Sample reject reasons.
	RejectReasonSelf          = "self"
	RejectReasonUnknownPeer   = "unknown_peer"
	RejectReasonCausality     = "causality"
	RejectReasonBeforeWindow  = "before_window"
	RejectReasonWindowExpired = "window_expired"

	// Offset bound labels.
	BoundLower = "lower"
	BoundUpper = "upper"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricNameBuildInfo,
			Help: "Build information of the clock synchronization agent",
		},
		[]string{LabelVersion, LabelCommit, LabelDate},
	)

	SamplesLearned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameSamplesLearned,
			Help: "Number of round-trip samples accepted into the synchronization window",
		},
	)

	SamplesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameSamplesRejected,
			Help: "Number of round-trip samples rejected before reaching the synchronization window",
		},
		[]string{LabelRejectReason},
	)

	Synchronizations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameSynchronizations,
			Help: "Number of successful synchronizations, each promoting a window to the current epoch",
		},
	)

	WindowResets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameWindowResets,
			Help: "Number of synchronization windows discarded without majority agreement",
		},
	)

	EpochExpiries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameEpochExpiries,
			Help: "Number of synchronized epochs discarded after outliving the epoch age limit",
		},
	)

	Synchronized = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricNameSynchronized,
			Help: "Whether the agent currently has a synchronized cluster time (1) or not (0)",
		},
	)

	OffsetBoundNanos = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricNameOffsetBoundNanos,
			Help: "Bounds of the synchronized cluster time interval relative to the epoch anchor, in nanoseconds",
		},
		[]string{LabelBound},
	)

	ProbeLosses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameProbeLosses,
			Help: "Number of probes that timed out or failed per peer",
		},
		[]string{LabelPeer},
	)
)
