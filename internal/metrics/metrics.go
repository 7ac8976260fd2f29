package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicerelay_turns_total",
			Help: "Turns by terminal outcome",
		},
		[]string{"outcome"}, // "ready", "text_only", "relay_failed", "dropped"
	)

	TurnsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voicerelay_turns_in_flight",
			Help: "Turns currently being processed",
		},
	)

	RelayDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voicerelay_relay_duration_seconds",
			Help:    "Remote agent round-trip time",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	SynthesisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voicerelay_synthesis_duration_seconds",
			Help:    "Speech synthesis subprocess time",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// Delivery metrics
	MessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicerelay_messages_appended_total",
			Help: "Log entries appended",
		},
		[]string{"direction"},
	)

	PollRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voicerelay_poll_requests_total",
			Help: "Poll requests served",
		},
	)

	Transcriptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicerelay_transcriptions_total",
			Help: "Transcription requests by result",
		},
		[]string{"result"}, // "ok", "silence", "error"
	)
)
