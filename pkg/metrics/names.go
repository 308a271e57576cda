package metrics

// Event names emitted by the pipeline and the session registry.
const (
	EventCaptureStatus       = "capture_status"
	EventQueueDrop           = "framequeue_drop"
	EventSegmentSealed       = "segment_sealed"
	EventSegmentSkipped      = "segment_skipped"
	EventTranscribeResult    = "transcribe_result"
	EventTranscribeError     = "transcribe_error"
	EventStreamStarted       = "stream_started"
	EventStreamStopped       = "stream_stopped"
	EventSessionConnected    = "session_connected"
	EventSessionDisconnected = "session_disconnected"
	EventSessionEvicted      = "session_evicted"
)
