package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_sessions_active",
		Help: "Currently active call sessions",
	})

	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_sessions_total",
		Help: "Total calls accepted, by engine mode",
	}, []string{"mode"})

	CallsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_sessions_ended_total",
		Help: "Calls ended, by reason",
	}, []string{"reason"})

	CallsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_sessions_rejected_total",
		Help: "Calls rejected before audio was accepted",
	}, []string{"reason"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "call_stage_duration_seconds",
		Help:    "Per-stage latency",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0},
	}, []string{"stage"})

	E2EDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "call_response_latency_seconds",
		Help:    "Latency from end of user speech to first agent audio",
		Buckets: []float64{0.1, 0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0},
	}, []string{"mode"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	AudioChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_audio_chunks_total",
		Help: "Audio chunks moved across the telephony transport",
	}, []string{"direction"})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_audio_frames_dropped_total",
		Help: "Audio frames dropped by the transport",
	}, []string{"direction", "reason"})

	SpeechSegments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vad_speech_segments_total",
		Help: "Speech segments detected by VAD",
	})

	BargeIns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_barge_ins_total",
		Help: "Agent responses interrupted by caller speech",
	}, []string{"mode"})

	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tool_calls_total",
		Help: "Tool invocations by outcome",
	}, []string{"tool", "outcome"})

	ToolDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tool_call_duration_seconds",
		Help:    "Tool execution latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	EmbeddingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "embedding_duration_seconds",
		Help:    "Embedding generation latency",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.5},
	})

	RAGDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rag_duration_seconds",
		Help:    "Knowledge retrieval latency (embed + search)",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.5},
	})
)
