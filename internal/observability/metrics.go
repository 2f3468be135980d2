package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bbb_stt_active_sessions",
		Help: "Number of participants currently being transcribed",
	})

	sessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbb_stt_sessions_started_total",
		Help: "Total transcription sessions started",
	}, []string{"provider"})

	sessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbb_stt_sessions_ended_total",
		Help: "Total transcription sessions ended",
	}, []string{"reason"}) // reason: "stopped", "source_ended", "engine_error"

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bbb_stt_session_duration_seconds",
		Help:    "Duration of transcription sessions in seconds",
		Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600},
	})

	// Transcript metrics
	transcriptsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbb_stt_transcripts_emitted_total",
		Help: "Total transcript records emitted",
	}, []string{"kind"}) // kind: "final" or "interim"

	alternativesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbb_stt_alternatives_dropped_total",
		Help: "Total transcript alternatives dropped by the filter",
	}, []string{"reason"}) // reason: "confidence", "duration", "partials_disabled"

	localeFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bbb_stt_locale_fallbacks_total",
		Help: "Transcript alternatives emitted with a raw language code because no locale mapping existed",
	})

	// Engine metrics
	engineFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbb_stt_engine_frames_total",
		Help: "Audio frames pushed to recognition streams",
	}, []string{"provider"})

	engineErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbb_stt_engine_errors_total",
		Help: "Recognition stream errors",
	}, []string{"provider"})

	engineEventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbb_stt_engine_events_dropped_total",
		Help: "Speech events dropped because a session's event channel was full",
	}, []string{"provider"})

	// Bus metrics
	busPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbb_stt_bus_publishes_total",
		Help: "Transcript messages published to the event bus",
	}, []string{"status"})

	busPublishLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bbb_stt_bus_publish_latency_seconds",
		Help:    "Latency of event bus publishes",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	busMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbb_stt_bus_messages_total",
		Help: "Inbound control bus messages by outcome",
	}, []string{"outcome"}) // outcome: "handled", "ignored", "malformed"

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bbb_stt_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})
)

// SessionStarted records a new transcription session
func SessionStarted(provider string) {
	activeSessions.Inc()
	sessionsStarted.WithLabelValues(provider).Inc()
}

// SessionEnded records a finished transcription session
func SessionEnded(reason string, started time.Time) {
	activeSessions.Dec()
	sessionsEnded.WithLabelValues(reason).Inc()
	if !started.IsZero() {
		sessionDuration.Observe(time.Since(started).Seconds())
	}
}

// TranscriptEmitted records an emitted transcript record
func TranscriptEmitted(final bool) {
	kind := "interim"
	if final {
		kind = "final"
	}
	transcriptsEmitted.WithLabelValues(kind).Inc()
}

// AlternativeDropped records a filtered-out alternative
func AlternativeDropped(reason string) {
	alternativesDropped.WithLabelValues(reason).Inc()
}

// LocaleFallback records a missing locale mapping
func LocaleFallback() {
	localeFallbacks.Inc()
}

// EngineFramePushed records a frame forwarded to a recognition stream
func EngineFramePushed(provider string) {
	engineFrames.WithLabelValues(provider).Inc()
}

// EngineError records a recognition stream error
func EngineError(provider string) {
	engineErrors.WithLabelValues(provider).Inc()
}

// EngineEventDropped records a speech event lost to a full event channel
func EngineEventDropped(provider string) {
	engineEventsDropped.WithLabelValues(provider).Inc()
}

// BusPublish records the outcome and latency of one bus publish
func BusPublish(err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	busPublishes.WithLabelValues(status).Inc()
	busPublishLatency.Observe(duration.Seconds())
}

// BusMessage records one inbound control message outcome
func BusMessage(outcome string) {
	busMessages.WithLabelValues(outcome).Inc()
}

// UpdateCircuitBreakerState updates the circuit breaker state gauge
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}
