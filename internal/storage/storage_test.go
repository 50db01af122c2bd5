package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/console/internal/model"
	"github.com/ashita-ai/console/internal/storage"
	"github.com/ashita-ai/console/internal/testutil"
	"github.com/ashita-ai/console/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()
	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func newProject() string {
	return "proj-" + uuid.NewString()
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.FS))
}

func TestUpsertAndListMessages(t *testing.T) {
	ctx := context.Background()
	project := newProject()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, testDB.UpsertMessage(ctx, model.Message{
		ID: "m1", ProjectID: project, Kind: model.KindUserText, Content: "hello", Timestamp: ts,
	}))
	require.NoError(t, testDB.UpsertMessage(ctx, model.Message{
		ID: "m2", ProjectID: project, Kind: model.KindAssistantText, Content: "hi", Timestamp: ts,
		Speaker:   "Assistant",
		ToolCalls: []model.ToolCall{{ID: "t1", Name: "search_artifacts", DisplayName: "Searching artifacts", Done: true}},
		Actions:   []model.Action{{ID: "a1", Label: "Open", Route: "/projects/x"}},
		Preflight: map[string]any{"estimate": "cheap"},
	}))

	got, err := testDB.ListMessages(ctx, project)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].ID)
	assert.Nil(t, got[0].Actions)
	assert.Nil(t, got[0].Preflight)

	m2 := got[1]
	assert.Equal(t, "Assistant", m2.Speaker)
	require.Len(t, m2.ToolCalls, 1)
	assert.True(t, m2.ToolCalls[0].Done)
	require.Len(t, m2.Actions, 1)
	assert.Equal(t, "/projects/x", m2.Actions[0].Route)
	assert.Equal(t, "cheap", m2.Preflight["estimate"])
	assert.True(t, m2.Timestamp.Equal(ts))
}

func TestUpsertKeepsPosition(t *testing.T) {
	ctx := context.Background()
	project := newProject()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, testDB.UpsertMessage(ctx, model.Message{ID: id, ProjectID: project, Kind: model.KindStatusSpinner}))
	}
	require.NoError(t, testDB.UpsertMessage(ctx, model.Message{
		ID: "a", ProjectID: project, Kind: model.KindStatusDone, Content: "finished",
	}))

	got, err := testDB.ListMessages(ctx, project)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, model.KindStatusDone, got[0].Kind)
	assert.Equal(t, "finished", got[0].Content)
}

func TestMessagesAreScopedByProject(t *testing.T) {
	ctx := context.Background()
	p1, p2 := newProject(), newProject()

	require.NoError(t, testDB.UpsertMessage(ctx, model.Message{ID: "same", ProjectID: p1, Kind: model.KindUserText, Content: "one"}))
	require.NoError(t, testDB.UpsertMessage(ctx, model.Message{ID: "same", ProjectID: p2, Kind: model.KindUserText, Content: "two"}))

	got, err := testDB.ListMessages(ctx, p1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "one", got[0].Content)

	empty, err := testDB.ListMessages(ctx, newProject())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRunSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	runID := "run-" + uuid.NewString()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	snap := model.RunSnapshot{
		RunID:      runID,
		ProjectID:  newProject(),
		RecipeID:   "first-pipeline",
		StageOrder: []string{"ingest", "summarize"},
		Stages: map[string]model.StageState{
			"ingest":    {Status: model.StageDone, DurationSeconds: 3.5, CostUSD: 0.02, StartedAt: &started},
			"summarize": {Status: model.StageRunning},
		},
	}
	require.NoError(t, testDB.PutRunSnapshot(ctx, snap))

	got, err := testDB.GetRunSnapshot(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, []string{"ingest", "summarize"}, got.StageOrder)
	assert.Equal(t, model.StageDone, got.Stages["ingest"].Status)
	assert.InDelta(t, 3.5, got.Stages["ingest"].DurationSeconds, 1e-9)
	assert.False(t, got.Finished())

	finished := started.Add(time.Minute)
	snap.FinishedAt = &finished
	snap.ArtifactTypes = map[string]int{"summary": 2}
	require.NoError(t, testDB.PutRunSnapshot(ctx, snap))

	got, err = testDB.GetRunSnapshot(ctx, runID)
	require.NoError(t, err)
	assert.True(t, got.Finished())
	assert.Equal(t, 2, got.ArtifactTypes["summary"])
}

func TestGetRunSnapshotNotFound(t *testing.T) {
	_, err := testDB.GetRunSnapshot(context.Background(), "run-missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunEventsKeepOrder(t *testing.T) {
	ctx := context.Background()
	runID := "run-" + uuid.NewString()
	require.NoError(t, testDB.PutRunSnapshot(ctx, model.RunSnapshot{RunID: runID, ProjectID: newProject()}))

	delay := 4.0
	require.NoError(t, testDB.AppendRunEvent(ctx, runID, model.RunEvent{Event: model.RunEventStageStarted, StageID: "ingest"}))
	require.NoError(t, testDB.AppendRunEvent(ctx, runID, model.RunEvent{Event: model.RunEventRetry, StageID: "ingest", RetryDelaySeconds: &delay}))
	require.NoError(t, testDB.AppendRunEvent(ctx, runID, model.RunEvent{Event: model.RunEventFallback, StageID: "ingest", ToModel: "small"}))

	events, err := testDB.ListRunEvents(ctx, runID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, model.RunEventStageStarted, events[0].Event)
	require.NotNil(t, events[1].RetryDelaySeconds)
	assert.InDelta(t, 4.0, *events[1].RetryDelaySeconds, 1e-9)
	assert.Nil(t, events[0].RetryDelaySeconds)
	assert.Equal(t, "small", events[2].ToModel)
}

func TestRunUpdatesDeliversRunIDs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	updates, err := testDB.RunUpdates(ctx)
	require.NoError(t, err)

	runID := "run-" + uuid.NewString()
	require.NoError(t, testDB.PutRunSnapshot(ctx, model.RunSnapshot{RunID: runID, ProjectID: newProject()}))

	select {
	case got := <-updates:
		assert.Equal(t, runID, got)
	case <-ctx.Done():
		t.Fatal("timed out waiting for run update")
	}
}
