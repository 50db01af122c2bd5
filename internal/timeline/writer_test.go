package timeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/console/internal/model"
	"github.com/ashita-ai/console/internal/testutil"
)

type flakyLog struct {
	mu       sync.Mutex
	failures map[string]int // remaining failures per id
	upserts  []model.Message
	attempts map[string]int
}

func newFlakyLog() *flakyLog {
	return &flakyLog{failures: map[string]int{}, attempts: map[string]int{}}
}

func (l *flakyLog) UpsertMessage(_ context.Context, msg model.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[msg.ID]++
	if l.failures[msg.ID] > 0 {
		l.failures[msg.ID]--
		return errors.New("connection refused")
	}
	l.upserts = append(l.upserts, msg)
	return nil
}

func (l *flakyLog) snapshot() ([]model.Message, map[string]int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	attempts := make(map[string]int, len(l.attempts))
	for k, v := range l.attempts {
		attempts[k] = v
	}
	return append([]model.Message(nil), l.upserts...), attempts
}

func fastConfig() WriterConfig {
	return WriterConfig{BatchSize: 10, FlushInterval: 5 * time.Millisecond, Attempts: 3, BaseDelay: time.Millisecond}
}

func TestCoalesceKeepsLastWritePerId(t *testing.T) {
	batch := []model.Message{
		{ID: "a", Content: "1"},
		{ID: "b", Content: "x"},
		{ID: "a", Content: "2"},
	}
	out := coalesce(batch)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ID)
	assert.Equal(t, "2", out[0].Content)
	assert.Equal(t, "b", out[1].ID)
}

func TestWriterDrainFlushesEverything(t *testing.T) {
	log := newFlakyLog()
	w := NewWriter(log, testutil.TestLogger(), WriterConfig{BatchSize: 1000, FlushInterval: time.Hour})
	w.Start(context.Background())

	w.Enqueue(model.Message{ID: "a", Content: "1"})
	w.Enqueue(model.Message{ID: "a", Content: "2"})
	w.Enqueue(model.Message{ID: "b"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w.Drain(ctx)

	upserts, _ := log.snapshot()
	require.Len(t, upserts, 2)
	assert.Equal(t, "2", upserts[0].Content)
	assert.Equal(t, 0, w.Len())
}

func TestWriterRetriesTransientFailure(t *testing.T) {
	log := newFlakyLog()
	log.failures["a"] = 2
	w := NewWriter(log, testutil.TestLogger(), fastConfig())

	w.Enqueue(model.Message{ID: "a"})
	w.Drain(context.Background()) // never started: flushes inline

	upserts, attempts := log.snapshot()
	require.Len(t, upserts, 1)
	assert.Equal(t, 3, attempts["a"])
	assert.Zero(t, w.Failed())
}

func TestWriterDiscardsAfterRetries(t *testing.T) {
	log := newFlakyLog()
	log.failures["a"] = 100
	w := NewWriter(log, testutil.TestLogger(), fastConfig())

	w.Enqueue(model.Message{ID: "a"})
	w.Enqueue(model.Message{ID: "b"})
	w.Drain(context.Background())

	upserts, attempts := log.snapshot()
	require.Len(t, upserts, 1, "a failing write must not block later writes")
	assert.Equal(t, "b", upserts[0].ID)
	assert.Equal(t, 3, attempts["a"])
	assert.Equal(t, int64(1), w.Failed())
}

func TestWriterDoubleStartIsNoop(t *testing.T) {
	w := NewWriter(newFlakyLog(), testutil.TestLogger(), fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	w.Start(ctx)
	assert.True(t, w.started.Load())

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	w.Drain(drainCtx)
}

func TestWriterBackgroundFlush(t *testing.T) {
	log := newFlakyLog()
	w := NewWriter(log, testutil.TestLogger(), fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	w.Enqueue(model.Message{ID: "a"})
	assert.Eventually(t, func() bool {
		upserts, _ := log.snapshot()
		return len(upserts) == 1
	}, 2*time.Second, 5*time.Millisecond)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	w.Drain(drainCtx)
}

func TestStoreWithWriterPersistsToLog(t *testing.T) {
	log := newFlakyLog()
	w := NewWriter(log, testutil.TestLogger(), fastConfig())
	s := NewStore(nil, w, testutil.TestLogger(), Options{})
	s.Load("p", nil)

	s.Append("p", model.Message{ID: "ph", Kind: model.KindAssistantText, Streaming: true})
	s.UpdateContent("p", "ph", "done text")
	s.FinalizeStreaming("p", "ph")
	w.Drain(context.Background())

	upserts, _ := log.snapshot()
	require.Len(t, upserts, 1)
	assert.Equal(t, "done text", upserts[0].Content)
	assert.Equal(t, "p", upserts[0].ProjectID)
	assert.False(t, upserts[0].Streaming)
}
