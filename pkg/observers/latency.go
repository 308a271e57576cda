package observers

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/dengar/pkg/frames"
	"github.com/harunnryd/dengar/pkg/metrics"
)

// LatencyObserver logs, per segment, the time from seal to result and the
// engine real-time factor, and a per-stream summary when the stream stops.
type LatencyObserver struct {
	mu      sync.Mutex
	sealed  map[string]time.Time
	streams map[string]*streamLatency
	log     *slog.Logger
}

type streamLatency struct {
	results   int
	totalWait time.Duration
	maxWait   time.Duration
	rtfSum    float64
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		sealed:  make(map[string]time.Time),
		streams: make(map[string]*streamLatency),
		log:     log,
	}
}

func segmentKey(streamID string, seq any) string {
	return fmt.Sprintf("%s/%v", streamID, seq)
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	streamID := ev.Tags[frames.MetaStreamID]
	if streamID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	switch ev.Name {
	case metrics.EventSegmentSealed:
		o.sealed[segmentKey(streamID, ev.Fields["sequence"])] = ev.Time
	case metrics.EventTranscribeResult, metrics.EventTranscribeError:
		key := segmentKey(streamID, ev.Fields["sequence"])
		sealedAt, ok := o.sealed[key]
		delete(o.sealed, key)
		if !ok || ev.Name == metrics.EventTranscribeError {
			return
		}
		wait := ev.Time.Sub(sealedAt)
		rtf, _ := ev.Fields["rtf"].(float64)
		st := o.streams[streamID]
		if st == nil {
			st = &streamLatency{}
			o.streams[streamID] = st
		}
		st.results++
		st.totalWait += wait
		st.maxWait = max(st.maxWait, wait)
		st.rtfSum += rtf
		o.log.Debug("segment_latency",
			slog.String(frames.MetaStreamID, streamID),
			slog.Any("sequence", ev.Fields["sequence"]),
			slog.Int64("seal_to_result_ms", wait.Milliseconds()),
			slog.Int64("engine_ms", int64(ev.Value*1000)),
			slog.Float64("rtf", rtf))
	case metrics.EventStreamStopped:
		if st := o.streams[streamID]; st != nil && st.results > 0 {
			o.log.Info("stream_latency",
				slog.String(frames.MetaStreamID, streamID),
				slog.Int("results", st.results),
				slog.Int64("avg_seal_to_result_ms", (st.totalWait / time.Duration(st.results)).Milliseconds()),
				slog.Int64("max_seal_to_result_ms", st.maxWait.Milliseconds()),
				slog.Float64("avg_rtf", st.rtfSum/float64(st.results)))
		}
		delete(o.streams, streamID)
		prefix := streamID + "/"
		for k := range o.sealed {
			if len(k) > len(prefix) && k[:len(prefix)] == prefix {
				delete(o.sealed, k)
			}
		}
	}
}

// Pending is the number of sealed segments still waiting for an outcome.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sealed)
}
