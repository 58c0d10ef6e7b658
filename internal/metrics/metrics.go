// ABOUTME: Prometheus collectors for the session relay
// ABOUTME: Frame, poll and forward counters plus cursor and session gauges

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Push frame outcomes.
const (
	FrameForwarded = "forwarded"
	FrameRetry     = "retry_dropped"
	FrameDuplicate = "duplicate"
	FrameEmpty     = "empty_payload"
	FrameMalformed = "malformed"
	FrameControl   = "control"
)

// Poll outcomes.
const (
	PollForwarded = "forwarded"
	PollSkipped   = "skipped"
	PollUnknown   = "unknown_shape"
	PollFailed    = "failed"
)

// No session ids in labels; cardinality stays bounded by side/outcome.
var (
	PushFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coven_relay_push_frames_total",
		Help: "Push transport frames received, by outcome.",
	}, []string{"outcome"})

	PullPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coven_relay_pull_polls_total",
		Help: "Pull transport poll responses, by outcome.",
	}, []string{"outcome"})

	ForwardErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coven_relay_forward_errors_total",
		Help: "Forward calls the sink did not acknowledge, by side.",
	}, []string{"side"})

	NegotiationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coven_relay_negotiation_failures_total",
		Help: "Handle negotiations that failed, by side.",
	}, []string{"side"})

	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coven_relay_sessions_total",
		Help: "Sessions that reached a terminal status, by status.",
	}, []string{"status"})

	DeliveryCursor = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coven_relay_delivery_cursor",
		Help: "Current pull delivery cursor of the running session.",
	})

	SessionRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coven_relay_session_running",
		Help: "1 while a session is running, 0 otherwise.",
	})
)

// RecordPushFrame counts one push frame.
func RecordPushFrame(outcome string) {
	PushFramesTotal.WithLabelValues(outcome).Inc()
}

// RecordPoll counts one poll response.
func RecordPoll(outcome string) {
	PullPollsTotal.WithLabelValues(outcome).Inc()
}

// RecordForwardError counts a refused or failed forward.
func RecordForwardError(side string) {
	ForwardErrorsTotal.WithLabelValues(side).Inc()
}

// RecordNegotiationFailure counts a failed negotiation.
func RecordNegotiationFailure(side string) {
	NegotiationFailuresTotal.WithLabelValues(side).Inc()
}

// RecordSessionStart marks a session as running and resets the cursor gauge.
func RecordSessionStart() {
	SessionRunning.Set(1)
	DeliveryCursor.Set(-1)
}

// RecordSessionEnd counts a terminal session status and clears the running gauge.
func RecordSessionEnd(status string) {
	SessionsTotal.WithLabelValues(status).Inc()
	SessionRunning.Set(0)
}

// SetCursor publishes the delivery cursor.
func SetCursor(cursor int64) {
	DeliveryCursor.Set(float64(cursor))
}
