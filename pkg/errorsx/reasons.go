package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonInvalidState     ReasonCode = "invalid_state"
	ReasonTranscode        ReasonCode = "transcode"
	ReasonStageRecoverable ReasonCode = "stage_recoverable"
	ReasonStageFatal       ReasonCode = "stage_fatal"
	ReasonDrainTimeout     ReasonCode = "drain_timeout"

	ReasonSTTConnect     ReasonCode = "stt_connect"
	ReasonSTTSend        ReasonCode = "stt_send"
	ReasonSTTRetry       ReasonCode = "stt_retry"
	ReasonSTTRateLimit   ReasonCode = "stt_rate_limit"
	ReasonSTTCircuitOpen ReasonCode = "stt_circuit_open"

	ReasonTTSConnect     ReasonCode = "tts_connect"
	ReasonTTSSend        ReasonCode = "tts_send"
	ReasonTTSRetry       ReasonCode = "tts_retry"
	ReasonTTSCircuitOpen ReasonCode = "tts_circuit_open"

	ReasonLLMGenerate ReasonCode = "llm_generate"
	ReasonLLMStream   ReasonCode = "llm_stream"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
)
