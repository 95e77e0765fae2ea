package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	campaignDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "redteam_campaign_duration_seconds",
		Help:    "Duration of probe campaigns from request to terminal state",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
	}, []string{"phase"})

	campaignOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redteam_campaign_outcomes_total",
		Help: "Campaigns reaching a terminal state grouped by phase and error kind",
	}, []string{"phase", "kind"})

	recordsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redteam_stream_records_dropped_total",
		Help: "Stream lines discarded by the frame decoder grouped by reason",
	}, []string{"reason"})

	recordsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redteam_stream_records_dispatched_total",
		Help: "Decoded stream records dispatched to the campaign state machine",
	}, []string{"type"})

	probesClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redteam_probes_classified_total",
		Help: "Probe results classified by the aggregator grouped by status and severity",
	}, []string{"status", "severity"})
)

// ObserveCampaign records the terminal phase and duration of a campaign. kind
// is empty for successful campaigns.
func ObserveCampaign(phase, kind string, duration time.Duration) {
	if phase == "" {
		phase = "unknown"
	}
	if kind == "" {
		kind = "none"
	}
	campaignDuration.WithLabelValues(phase).Observe(duration.Seconds())
	campaignOutcomes.WithLabelValues(phase, kind).Inc()
}

// ObserveDroppedRecord counts a stream line the decoder refused.
func ObserveDroppedRecord(reason string) {
	recordsDropped.WithLabelValues(reason).Inc()
}

// ObserveDispatchedRecord counts a record handed to the dispatcher.
func ObserveDispatchedRecord(recordType string) {
	recordsDispatched.WithLabelValues(recordType).Inc()
}

// ObserveProbe counts a classified probe result.
func ObserveProbe(status, severity string) {
	probesClassified.WithLabelValues(status, severity).Inc()
}
