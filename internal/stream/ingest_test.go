package stream_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/console/internal/model"
	"github.com/ashita-ai/console/internal/notify"
	"github.com/ashita-ai/console/internal/stream"
	"github.com/ashita-ai/console/internal/testutil"
	"github.com/ashita-ai/console/internal/timeline"
)

const project = "proj-1"

// sliceSource replays chunks, then ends with err (io.EOF when nil).
type sliceSource struct {
	chunks []model.Chunk
	err    error
	i      int
}

func (s *sliceSource) Next(context.Context) (model.Chunk, error) {
	if s.i < len(s.chunks) {
		c := s.chunks[s.i]
		s.i++
		return c, nil
	}
	if s.err != nil {
		return model.Chunk{}, s.err
	}
	return model.Chunk{}, io.EOF
}

// recordingPublisher keeps every published notification.
type recordingPublisher struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (p *recordingPublisher) Publish(n notify.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, n)
}

func (p *recordingPublisher) all() []notify.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notify.Notification(nil), p.sent...)
}

// contentRecorder captures every content write made through the Store.
type contentRecorder struct {
	*timeline.Store
	writes []string
}

func (r *contentRecorder) UpdateContent(projectID, id, content string) bool {
	r.writes = append(r.writes, content)
	return r.Store.UpdateContent(projectID, id, content)
}

func newStore() *timeline.Store {
	s := timeline.NewStore(nil, nil, testutil.TestLogger(), timeline.Options{})
	s.Load(project, nil)
	return s
}

func placeholder(s *timeline.Store) string {
	s.Append(project, model.Message{ID: "u1", Kind: model.KindUserText, Content: "hi"})
	s.Append(project, model.Message{ID: "ph", Kind: model.KindAssistantText, Streaming: true})
	return "ph"
}

func text(t string) model.Chunk { return model.Chunk{Type: model.ChunkTextDelta, Text: t} }

func TestIngestHelloWorld(t *testing.T) {
	store := newStore()
	id := placeholder(store)
	in := stream.NewIngester(store, nil, testutil.TestLogger())

	res := in.Ingest(context.Background(), project, id, "hi", &sliceSource{chunks: []model.Chunk{
		text("Hello"),
		{Type: model.ChunkToolStart, ToolCallID: "t1", ToolName: "x"},
		text(" world"),
		{Type: model.ChunkToolResult, ToolCallID: "t1"},
	}})
	require.NoError(t, res.Err)
	assert.Equal(t, "Hello world", res.Content)

	msg, ok := store.Get(project, id)
	require.True(t, ok)
	assert.Equal(t, "Hello world", msg.Content)
	assert.False(t, msg.Streaming)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "t1", msg.ToolCalls[0].ID)
	assert.Equal(t, "X", msg.ToolCalls[0].DisplayName)
	assert.True(t, msg.ToolCalls[0].Done)
}

func TestIngestContentIsMonotonic(t *testing.T) {
	rec := &contentRecorder{Store: newStore()}
	id := placeholder(rec.Store)
	in := stream.NewIngester(rec, nil, testutil.TestLogger())

	in.Ingest(context.Background(), project, id, "hi", &sliceSource{chunks: []model.Chunk{
		text("The "), text("quick "), text("brown "), text("fox"),
	}})
	assert.Equal(t, []string{"The ", "The quick ", "The quick brown ", "The quick brown fox"}, rec.writes)

	msg, _ := rec.Get(project, id)
	assert.Equal(t, "The quick brown fox", msg.Content)
}

func TestIngestUnknownToolResultIsNoop(t *testing.T) {
	store := newStore()
	id := placeholder(store)
	in := stream.NewIngester(store, nil, testutil.TestLogger())

	res := in.Ingest(context.Background(), project, id, "hi", &sliceSource{chunks: []model.Chunk{
		{Type: model.ChunkToolStart, ToolCallID: "t1", ToolName: "search_artifacts"},
		{Type: model.ChunkToolResult, ToolCallID: "nope"},
	}})
	require.NoError(t, res.Err)

	msg, _ := store.Get(project, id)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "Searching artifacts", msg.ToolCalls[0].DisplayName)
	// Finalize marks every tool call done.
	assert.True(t, msg.ToolCalls[0].Done)
}

func TestIngestProposedActions(t *testing.T) {
	store := newStore()
	id := placeholder(store)
	in := stream.NewIngester(store, nil, testutil.TestLogger())

	in.Ingest(context.Background(), project, id, "hi", &sliceSource{chunks: []model.Chunk{
		text("Shall I start?"),
		{
			Type:      model.ChunkProposedActions,
			Actions:   []model.Action{{ID: "go", Label: "Start", SideEffect: &model.SideEffect{Kind: model.SideEffectStartRun, Endpoint: "/v1/runs"}}},
			Preflight: map[string]any{"estimated_cost_usd": 0.4},
		},
	}})

	msg, _ := store.Get(project, id)
	require.Len(t, msg.Actions, 1)
	assert.Equal(t, "Start", msg.Actions[0].Label)
	assert.True(t, msg.NeedsAction)
	assert.Equal(t, 0.4, msg.Preflight["estimated_cost_usd"])
}

func TestIngestFailureKeepsPartialText(t *testing.T) {
	store := newStore()
	id := placeholder(store)
	pub := &recordingPublisher{}
	in := stream.NewIngester(store, pub, testutil.TestLogger())

	res := in.Ingest(context.Background(), project, id, "summarize it", &sliceSource{
		chunks: []model.Chunk{text("Partial "), text("answer"), {Type: model.ChunkToolStart, ToolCallID: "t1", ToolName: "get_run"}},
		err:    errors.New("connection reset"),
	})
	require.Error(t, res.Err)
	assert.True(t, res.Interrupted())

	msg, _ := store.Get(project, id)
	assert.Equal(t, "Partial answer\n\n(Stream interrupted)", msg.Content)
	assert.False(t, msg.Streaming)
	require.Len(t, msg.Actions, 1)
	assert.Equal(t, "Try Again", msg.Actions[0].Label)
	assert.Equal(t, "summarize it", msg.Actions[0].RetryText)
	assert.True(t, msg.ToolCalls[0].Done)

	sent := pub.all()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.LevelError, sent[0].Level)
	assert.Equal(t, project, sent[0].ProjectID)
}

func TestIngestFailureWithoutTextApologises(t *testing.T) {
	store := newStore()
	id := placeholder(store)
	in := stream.NewIngester(store, &recordingPublisher{}, testutil.TestLogger())

	in.Ingest(context.Background(), project, id, "hi", &sliceSource{err: errors.New("503 upstream")})

	msg, _ := store.Get(project, id)
	assert.Contains(t, msg.Content, "Sorry")
	assert.Contains(t, msg.Content, "503 upstream")
	require.Len(t, msg.Actions, 1)
	assert.Equal(t, "hi", msg.Actions[0].RetryText)
}

func TestIngestPersistsOnlyOnFinalize(t *testing.T) {
	log := &countingPersister{}
	store := timeline.NewStore(nil, log, testutil.TestLogger(), timeline.Options{})
	store.Load(project, nil)
	store.Append(project, model.Message{ID: "ph", Kind: model.KindAssistantText, Streaming: true})
	in := stream.NewIngester(store, nil, testutil.TestLogger())

	in.Ingest(context.Background(), project, "ph", "hi", &sliceSource{chunks: []model.Chunk{text("a"), text("b"), text("c")}})

	require.Len(t, log.ids(), 1)
	assert.Equal(t, "ph", log.ids()[0])
}

type countingPersister struct {
	mu   sync.Mutex
	msgs []model.Message
}

func (p *countingPersister) Enqueue(m model.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, m)
}

func (p *countingPersister) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.msgs))
	for i, m := range p.msgs {
		out[i] = m.ID
	}
	return out
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Checking pipeline runs", stream.DisplayName("list_runs"))
	assert.Equal(t, "Fetch remote data", stream.DisplayName("fetch_remote_data"))
	assert.Equal(t, "", stream.DisplayName(""))
}
