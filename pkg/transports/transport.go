package transports

import (
	"context"

	"github.com/harunnryd/dengar/pkg/capture"
)

// Conn is the outbound half of one viewer connection. Send must be safe to
// call from one goroutine at a time; the session registry serializes it.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
	Close() error
}

// Gateway accepts inbound audio calls from a telephony or media provider and
// turns each call into a capture stream.
type Gateway interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// StreamHandler receives the streams a Gateway opens. StartStream takes
// ownership of dev; the gateway keeps writing into it until StopStream.
type StreamHandler interface {
	StartStream(streamID string, dev capture.Device, meta map[string]string) error
	StopStream(streamID string)
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
