package journal_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/console/internal/journal"
	"github.com/ashita-ai/console/internal/model"
	"github.com/ashita-ai/console/internal/testutil"
	"github.com/ashita-ai/console/internal/timeline"
)

var _ timeline.MessageLog = (*journal.Journal)(nil)

func openMemory(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(":memory:", testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestUpsertKeepsFirstPosition(t *testing.T) {
	ctx := context.Background()
	j := openMemory(t)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, j.UpsertMessage(ctx, model.Message{ID: id, ProjectID: "p", Kind: model.KindUserText, Content: id}))
	}
	require.NoError(t, j.UpsertMessage(ctx, model.Message{ID: "a", ProjectID: "p", Kind: model.KindUserText, Content: "edited"}))

	got, err := j.ListMessages(ctx, "p")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "edited", got[0].Content)
	assert.Equal(t, "c", got[2].ID)
}

func TestProjectsAreIsolated(t *testing.T) {
	ctx := context.Background()
	j := openMemory(t)

	require.NoError(t, j.UpsertMessage(ctx, model.Message{ID: "x", ProjectID: "p1", Content: "one"}))
	require.NoError(t, j.UpsertMessage(ctx, model.Message{ID: "x", ProjectID: "p2", Content: "two"}))

	got, err := j.ListMessages(ctx, "p2")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "two", got[0].Content)

	none, err := j.ListMessages(ctx, "p3")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStreamingFlagIsNeverStored(t *testing.T) {
	ctx := context.Background()
	j := openMemory(t)

	require.NoError(t, j.UpsertMessage(ctx, model.Message{ID: "s", ProjectID: "p", Kind: model.KindAssistantText, Streaming: true}))
	got, err := j.ListMessages(ctx, "p")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Streaming)
}

func TestReopenOnDiskKeepsLog(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "journal.db")

	j, err := journal.Open(path, testutil.TestLogger())
	require.NoError(t, err)
	require.NoError(t, j.UpsertMessage(ctx, model.Message{
		ID: "m", ProjectID: "p", Kind: model.KindStatusDone,
		Actions: []model.Action{{ID: "retry", Label: "Try Again", RetryText: "hello"}},
	}))
	require.NoError(t, j.Close())

	j, err = journal.Open(path, testutil.TestLogger())
	require.NoError(t, err)
	defer j.Close()

	got, err := j.ListMessages(ctx, "p")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Len(t, got[0].Actions, 1)
	assert.Equal(t, "hello", got[0].Actions[0].RetryText)
}

func TestHydrateFromJournal(t *testing.T) {
	ctx := context.Background()
	j := openMemory(t)
	require.NoError(t, j.UpsertMessage(ctx, model.Message{ID: "sp", ProjectID: "p", Kind: model.KindStatusSpinner, Content: "Working"}))

	store := timeline.NewStore(j, nil, testutil.TestLogger(), timeline.Options{})
	require.NoError(t, store.Hydrate(ctx, "p", timeline.HydrateOptions{}))

	msgs, err := store.Messages("p")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.KindStatusDone, msgs[0].Kind)
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := journal.Open("  ", testutil.TestLogger())
	assert.Error(t, err)
}
