package console

import (
	"github.com/ashita-ai/console/internal/model"
	"github.com/ashita-ai/console/internal/notify"
	"github.com/ashita-ai/console/internal/stream"
)

// Public names for the timeline domain types. They are aliases, so values
// pass between the facade and extension interfaces without conversion.
type (
	Message      = model.Message
	Kind         = model.Kind
	Action       = model.Action
	SideEffect   = model.SideEffect
	ToolCall     = model.ToolCall
	Operation    = model.Operation
	RunSnapshot  = model.RunSnapshot
	RunEvent     = model.RunEvent
	Chunk        = model.Chunk
	Notification = notify.Notification

	// ChatRequest opens one assistant turn.
	ChatRequest = stream.ChatRequest
	// ChunkStream is an open assistant response.
	ChunkStream = stream.ChunkStream
	// TurnResult describes how an assistant turn ended.
	TurnResult = stream.Result
)

// Errors returned by the facade.
var (
	ErrTurnInFlight = stream.ErrTurnInFlight
)
