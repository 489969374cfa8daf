package metrics

// Well-known event names recorded by the pipeline and its stages.
const (
	EventFrameIn    = "frame_in"
	EventFrameOut   = "frame_out"
	EventFrameDrop  = "frame_drop"
	EventQueueDepth = "queue_depth"

	EventPacketsReceived = "packets_received"
	EventFramesEnqueued  = "frames_enqueued"
	EventFramesProcessed = "frames_processed"

	EventStageLatencyUS = "stage_latency_us"
	EventStageError     = "stage_error"

	EventBreakerOpen   = "breaker_open"
	EventBreakerClose  = "breaker_close"
	EventBreakerDenied = "breaker_denied"
	EventRateLimit     = "rate_limit"
)
