package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonDeviceOpen   ReasonCode = "device_open"
	ReasonDeviceStatus ReasonCode = "device_status"
	ReasonQueueClosed  ReasonCode = "queue_closed"

	ReasonEngineFailure     ReasonCode = "engine_failure"
	ReasonEngineTimeout     ReasonCode = "engine_timeout"
	ReasonEngineConnect     ReasonCode = "engine_connect"
	ReasonEngineCircuitOpen ReasonCode = "engine_circuit_open"

	ReasonTranscode ReasonCode = "transcode"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonProtocolInvalid           ReasonCode = "protocol_invalid"
)
