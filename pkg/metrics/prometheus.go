package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusObserver maps pipeline events onto Prometheus collectors.
type PrometheusObserver struct {
	FramesDropped        prometheus.Counter
	CaptureStatus        prometheus.Counter
	Segments             *prometheus.CounterVec
	SegmentsSkipped      prometheus.Counter
	SegmentDuration      prometheus.Histogram
	Transcriptions       *prometheus.CounterVec
	TranscriptionLatency prometheus.Histogram
	RealTimeFactor       prometheus.Histogram
	ActiveStreams        prometheus.Gauge
	ActiveSessions       prometheus.Gauge
	Evictions            *prometheus.CounterVec
}

// NewPrometheusObserver registers the collectors on reg.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	f := promauto.With(reg)
	return &PrometheusObserver{
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "dengar_frames_dropped_total",
			Help: "Audio frames evicted from full frame queues",
		}),
		CaptureStatus: f.NewCounter(prometheus.CounterOpts{
			Name: "dengar_capture_status_total",
			Help: "Capture blocks delivered with a device status flag",
		}),
		Segments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dengar_segments_total",
			Help: "Sealed speech segments by seal reason",
		}, []string{"reason"}),
		SegmentsSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "dengar_segments_skipped_total",
			Help: "Segments dropped because they held only carryover audio",
		}),
		SegmentDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dengar_segment_duration_seconds",
			Help:    "Duration of sealed segments",
			Buckets: []float64{0.25, 0.5, 1, 2, 3, 4.5, 6, 10},
		}),
		Transcriptions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dengar_transcriptions_total",
			Help: "Segment transcriptions by outcome",
		}, []string{"outcome"}),
		TranscriptionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dengar_transcription_latency_seconds",
			Help:    "Engine processing time per segment",
			Buckets: prometheus.DefBuckets,
		}),
		RealTimeFactor: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dengar_transcription_rtf",
			Help:    "Processing time divided by audio duration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Name: "dengar_active_streams",
			Help: "Capture streams currently running",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "dengar_active_sessions",
			Help: "Viewer sessions currently registered",
		}),
		Evictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dengar_session_evictions_total",
			Help: "Sessions evicted by the heartbeat or the cleanup sweep",
		}, []string{"reason"}),
	}
}

func (p *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	switch ev.Name {
	case EventQueueDrop:
		p.FramesDropped.Add(positive(ev.Value, 1))
	case EventCaptureStatus:
		p.CaptureStatus.Inc()
	case EventSegmentSealed:
		p.Segments.WithLabelValues(tag(ev, "reason", "unknown")).Inc()
		p.SegmentDuration.Observe(ev.Value)
	case EventSegmentSkipped:
		p.SegmentsSkipped.Inc()
	case EventTranscribeResult:
		p.Transcriptions.WithLabelValues("ok").Inc()
		p.TranscriptionLatency.Observe(ev.Value)
		if rtf, ok := ev.Fields["rtf"].(float64); ok {
			p.RealTimeFactor.Observe(rtf)
		}
	case EventTranscribeError:
		p.Transcriptions.WithLabelValues("error").Inc()
	case EventStreamStarted:
		p.ActiveStreams.Inc()
	case EventStreamStopped:
		p.ActiveStreams.Dec()
	case EventSessionConnected:
		p.ActiveSessions.Inc()
	case EventSessionDisconnected:
		p.ActiveSessions.Dec()
	case EventSessionEvicted:
		p.Evictions.WithLabelValues(tag(ev, "reason", "unknown")).Inc()
	}
}

func tag(ev MetricsEvent, key, fallback string) string {
	if v := ev.Tags[key]; v != "" {
		return v
	}
	return fallback
}

func positive(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}
