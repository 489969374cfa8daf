package frames

// Meta keys shared across stages and transports.
const (
	MetaStreamID      = "stream_id"
	MetaCallSID       = "call_sid"
	MetaTraceID       = "trace_id"
	MetaSource        = "source"
	MetaReason        = "reason"
	MetaIsFinal       = "is_final"
	MetaRole          = "role"
	MetaEncoding      = "encoding"
	MetaFromNumber    = "from_number"
	MetaOldStreamID   = "old_stream_id"
	MetaCallEndReason = "call_end_reason"
)

// Audio encodings seen on the wire.
const (
	EncodingMuLaw = "mulaw"
	EncodingPCM16 = "pcm16"
)
