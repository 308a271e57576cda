package session

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/harunnryd/dengar/pkg/transcribe"
)

const (
	typePing          = "ping"
	typeError         = "error"
	typeTranscription = "transcription"
	typeSubscribe     = "subscribe"
	typeUnsubscribe   = "unsubscribe"
	typeSubscribed    = "subscribed"
	typeUnsubscribed  = "unsubscribed"

	pongMessage = "pong"
	echoPrefix  = "Server received: "
)

type PingMessage struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

func newPing(now time.Time) PingMessage {
	return PingMessage{Type: typePing, Timestamp: float64(now.UnixNano()) / 1e9}
}

type ProgressMessage struct {
	Progress float64 `json:"progress"`
	Status   string  `json:"status"`
	ClientID string  `json:"client_id"`
}

type ErrorMessage struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	StreamID string `json:"stream_id,omitempty"`
	Sequence uint64 `json:"sequence,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// NewEngineErrorMessage renders a failed segment for subscribers.
func NewEngineErrorMessage(e *transcribe.EngineError) ErrorMessage {
	msg := "transcription failed"
	if e.Cause != nil {
		msg = e.Cause.Error()
	}
	return ErrorMessage{
		Type:     typeError,
		Message:  msg,
		StreamID: e.StreamID,
		Sequence: e.Seq,
		Reason:   string(e.Reason),
	}
}

type ResultMessage struct {
	Type     string                  `json:"type"`
	StreamID string                  `json:"stream_id"`
	Sequence uint64                  `json:"sequence"`
	Text     string                  `json:"text"`
	Language string                  `json:"language"`
	Duration float64                 `json:"duration"`
	Segments []transcribe.SubSegment `json:"segments"`
}

func NewResultMessage(r *transcribe.Result) ResultMessage {
	duration := r.Duration
	if duration <= 0 {
		duration = r.AudioDuration.Seconds()
	}
	segments := r.Segments
	if segments == nil {
		segments = []transcribe.SubSegment{}
	}
	return ResultMessage{
		Type:     typeTranscription,
		StreamID: r.StreamID,
		Sequence: r.Seq,
		Text:     r.Text,
		Language: r.Language,
		Duration: duration,
		Segments: segments,
	}
}

type subscriptionMessage struct {
	Type     string `json:"type"`
	StreamID string `json:"stream_id"`
}

// parseCommand recognizes subscribe and unsubscribe requests.
func parseCommand(msg string) (subscriptionMessage, bool) {
	if !strings.HasPrefix(msg, "{") {
		return subscriptionMessage{}, false
	}
	var cmd subscriptionMessage
	if err := json.Unmarshal([]byte(msg), &cmd); err != nil {
		return subscriptionMessage{}, false
	}
	if cmd.StreamID == "" || (cmd.Type != typeSubscribe && cmd.Type != typeUnsubscribe) {
		return subscriptionMessage{}, false
	}
	return cmd, true
}
