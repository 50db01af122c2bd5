// Package stream drives assistant turns: it feeds a response chunk stream
// into a streaming placeholder message and orchestrates whole turns.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/console/internal/model"
	"github.com/ashita-ai/console/internal/notify"
	"github.com/ashita-ai/console/internal/telemetry"
)

const (
	interruptedSuffix = "\n\n(Stream interrupted)"
	retryLabel        = "Try Again"
)

// ChunkSource yields the chunks of one response. Next returns io.EOF at
// the clean end of the stream; any other error is a transport failure.
type ChunkSource interface {
	Next(ctx context.Context) (model.Chunk, error)
}

// Timeline is the subset of the timeline Store an ingest writes through.
type Timeline interface {
	Append(projectID string, msg model.Message) bool
	UpdateContent(projectID, id, content string) bool
	AddToolCall(projectID, id string, tc model.ToolCall) bool
	MarkToolCallDone(projectID, id, toolCallID string) bool
	AttachActions(projectID, id string, actions []model.Action, preflight map[string]any) bool
	FinalizeStreaming(projectID, id string) bool
}

// Result describes how a turn ended. Err is informational: a failed stream
// has already been turned into timeline content and a notification.
type Result struct {
	MessageID string
	Content   string
	Err       error
}

// Interrupted reports whether the stream failed before completing.
func (r Result) Interrupted() bool { return r.Err != nil }

// Ingester feeds chunk streams into placeholder messages.
type Ingester struct {
	store     Timeline
	publisher notify.Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	turns     metric.Int64Counter
}

// NewIngester creates an Ingester. publisher may be nil.
func NewIngester(store Timeline, publisher notify.Publisher, logger *slog.Logger) *Ingester {
	if publisher == nil {
		publisher = notify.Discard{}
	}
	return &Ingester{
		store:     store,
		publisher: publisher,
		logger:    logger,
		tracer:    telemetry.Tracer("console/stream"),
		turns:     telemetry.Counter("console/stream", "console.stream.turns", "Assistant turns ingested, by outcome"),
	}
}

// Ingest consumes src into the streaming message messageID until the
// stream ends or fails. The message must already be in the timeline with
// Streaming set. It is finalized exactly once, on every path.
//
// userText is the operator text that started the turn; on failure it is
// offered back through a single "Try Again" action.
func (in *Ingester) Ingest(ctx context.Context, projectID, messageID, userText string, src ChunkSource) Result {
	ctx, span := in.tracer.Start(ctx, "stream.Ingest", trace.WithAttributes(
		attribute.String("project_id", projectID),
		attribute.String("message_id", messageID),
	))
	defer span.End()

	var acc string
	chunks := 0
	for {
		chunk, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "stream interrupted")
			content := in.fail(ctx, projectID, messageID, userText, acc, err)
			return Result{MessageID: messageID, Content: content, Err: err}
		}
		chunks++
		acc = in.apply(projectID, messageID, chunk, acc)
	}

	in.store.FinalizeStreaming(projectID, messageID)
	span.SetAttributes(attribute.Int("chunks", chunks))
	in.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "completed")))
	return Result{MessageID: messageID, Content: acc}
}

// apply handles one chunk and returns the updated text accumulator.
func (in *Ingester) apply(projectID, messageID string, chunk model.Chunk, acc string) string {
	switch chunk.Type {
	case model.ChunkTextDelta:
		acc += chunk.Text
		// Write the whole accumulator so content is always exactly the
		// text received so far.
		in.store.UpdateContent(projectID, messageID, acc)
	case model.ChunkToolStart:
		in.store.AddToolCall(projectID, messageID, model.ToolCall{
			ID:          chunk.ToolCallID,
			Name:        chunk.ToolName,
			DisplayName: DisplayName(chunk.ToolName),
		})
	case model.ChunkToolResult:
		in.store.MarkToolCallDone(projectID, messageID, chunk.ToolCallID)
	case model.ChunkProposedActions:
		in.store.AttachActions(projectID, messageID, chunk.Actions, chunk.Preflight)
	default:
		in.logger.Debug("stream: ignoring unknown chunk", "type", chunk.Type, "message_id", messageID)
	}
	return acc
}

// fail keeps whatever text arrived, offers a retry and finalizes the message.
func (in *Ingester) fail(ctx context.Context, projectID, messageID, userText, acc string, cause error) string {
	content := acc + interruptedSuffix
	if acc == "" {
		content = fmt.Sprintf("Sorry, something went wrong while responding: %v", cause)
	}
	in.store.UpdateContent(projectID, messageID, content)
	if userText != "" {
		in.store.AttachActions(projectID, messageID, []model.Action{{
			ID:        "retry-" + messageID,
			Label:     retryLabel,
			RetryText: userText,
		}}, nil)
	}
	in.store.FinalizeStreaming(projectID, messageID)

	in.logger.Warn("stream: turn interrupted", "project_id", projectID, "message_id", messageID, "error", cause)
	in.publisher.Publish(notify.Notification{
		Level:     notify.LevelError,
		ProjectID: projectID,
		Title:     "Response interrupted",
		Detail:    cause.Error(),
	})
	in.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "interrupted")))
	return content
}
