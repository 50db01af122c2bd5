package model

// ChunkType tags one element of an assistant response stream.
type ChunkType string

const (
	ChunkTextDelta       ChunkType = "text-delta"
	ChunkToolStart       ChunkType = "tool-invocation-start"
	ChunkToolResult      ChunkType = "tool-invocation-result"
	ChunkProposedActions ChunkType = "proposed-actions"
	// ChunkError ends a stream with a server-side failure.
	ChunkError ChunkType = "error"
)

// Chunk is one decoded element of an assistant response stream.
type Chunk struct {
	Type       ChunkType      `json:"type"`
	Text       string         `json:"text,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Actions    []Action       `json:"actions,omitempty"`
	Preflight  map[string]any `json:"preflight,omitempty"`
	Error      string         `json:"error,omitempty"`
}
