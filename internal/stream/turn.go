package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/console/internal/ctxutil"
	"github.com/ashita-ai/console/internal/model"
)

// ErrTurnInFlight is returned when a project already has a live turn.
var ErrTurnInFlight = errors.New("stream: a turn is already in flight for this project")

// ChatRequest opens one assistant turn.
type ChatRequest struct {
	// Text is the operator message; empty for commentary turns.
	Text string
	// Context carries hints for commentary turns.
	Context map[string]any
}

// ChunkStream is a ChunkSource that holds a connection.
type ChunkStream interface {
	ChunkSource
	Close() error
}

// ChatBackend opens response streams.
type ChatBackend interface {
	OpenChat(ctx context.Context, projectID string, req ChatRequest) (ChunkStream, error)
}

// Turn runs whole assistant turns: it records the operator's message,
// creates the streaming placeholder and ingests the response. At most one
// turn per project is live at a time.
type Turn struct {
	store    Timeline
	ingester *Ingester
	chat     ChatBackend
	logger   *slog.Logger
	speaker  string
	newID    func() string

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewTurn creates a Turn. speaker labels the assistant placeholder.
func NewTurn(store Timeline, ingester *Ingester, chat ChatBackend, speaker string, logger *slog.Logger) *Turn {
	if speaker == "" {
		speaker = model.DefaultSpeaker
	}
	return &Turn{
		store:    store,
		ingester: ingester,
		chat:     chat,
		logger:   logger,
		speaker:  speaker,
		newID:    uuid.NewString,
		inFlight: make(map[string]bool),
	}
}

func (t *Turn) acquire(projectID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inFlight[projectID] {
		return false
	}
	t.inFlight[projectID] = true
	return true
}

func (t *Turn) release(projectID string) {
	t.mu.Lock()
	delete(t.inFlight, projectID)
	t.mu.Unlock()
}

// InFlight reports whether the project has a live turn.
func (t *Turn) InFlight(projectID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight[projectID]
}

// Send records text as a user message and streams the assistant's reply.
// Stream failures are reported in the returned Result, not as an error;
// the error is only ErrTurnInFlight.
func (t *Turn) Send(ctx context.Context, projectID, text string) (Result, error) {
	if !t.acquire(projectID) {
		return Result{}, ErrTurnInFlight
	}
	defer t.release(projectID)

	t.store.Append(projectID, model.Message{
		ID:      t.newID(),
		Kind:    model.KindUserText,
		Content: text,
	})
	return t.run(ctx, projectID, text, ChatRequest{Text: text}), nil
}

// Retry resends the text carried by a "Try Again" action.
func (t *Turn) Retry(ctx context.Context, projectID string, action model.Action) (Result, error) {
	return t.Send(ctx, projectID, action.RetryText)
}

// Commentary streams an assistant message with no operator message before
// it. A failed commentary offers no retry since nothing was sent.
func (t *Turn) Commentary(ctx context.Context, projectID string, hint map[string]any) (Result, error) {
	if !t.acquire(projectID) {
		return Result{}, ErrTurnInFlight
	}
	defer t.release(projectID)

	return t.run(ctx, projectID, "", ChatRequest{Context: hint}), nil
}

func (t *Turn) run(ctx context.Context, projectID, userText string, req ChatRequest) Result {
	placeholderID := t.newID()
	ctx = ctxutil.WithRequestID(ctx, placeholderID)
	t.store.Append(projectID, model.Message{
		ID:        placeholderID,
		Kind:      model.KindAssistantText,
		Speaker:   t.speaker,
		Streaming: true,
	})

	src, err := t.chat.OpenChat(ctx, projectID, req)
	if err != nil {
		return t.ingester.Ingest(ctx, projectID, placeholderID, userText, failedSource{err: err})
	}
	defer func() {
		if err := src.Close(); err != nil {
			t.logger.Debug("stream: close chat stream", "project_id", projectID, "error", err)
		}
	}()
	return t.ingester.Ingest(ctx, projectID, placeholderID, userText, src)
}

// failedSource is a stream that could not be opened.
type failedSource struct{ err error }

func (f failedSource) Next(context.Context) (model.Chunk, error) { return model.Chunk{}, f.err }
