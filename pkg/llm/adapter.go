package llm

import "context"

// Message is a single entry in the conversation history.
type Message struct {
	Role    string
	Content string
}

// Context is the vendor-agnostic input to a completion.
type Context struct {
	System   string
	Messages []Message
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	Usage        Usage
	FinishReason string
}

// Adapter is implemented by every LLM vendor integration.
type Adapter interface {
	// Generate produces a full response for the given context.
	Generate(ctx context.Context, input Context) (Response, error)
	// Stream produces response text incrementally, closing the channel
	// once generation finishes or ctx is cancelled.
	Stream(ctx context.Context, input Context) (<-chan string, error)
	// Name identifies the vendor in logs.
	Name() string
}
