package errorsx

// ReasonCode is a short machine-readable error reason. Reasons double as
// the wire-level error codes the gateway reports to the caller.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonValidation       ReasonCode = "validation_error"
	ReasonNotFound         ReasonCode = "not_found"
	ReasonPermissionDenied ReasonCode = "permission_denied"

	ReasonChannelConnect  ReasonCode = "channel_connect"
	ReasonCallStartFailed ReasonCode = "call_start_failed"
	ReasonCallNotStarted  ReasonCode = "call_not_started"

	ReasonToolExecution ReasonCode = "tool_execution"

	ReasonInvalidJSON        ReasonCode = "invalid_json"
	ReasonUnknownMessageType ReasonCode = "unknown_message_type"

	ReasonRateLimit     ReasonCode = "rate_limit"
	ReasonTransportSend ReasonCode = "transport_send"
	ReasonPersistence   ReasonCode = "persistence"
)
