package console

import "context"

// MessageLog is the durable conversation log. When provided via
// WithMessageLog it replaces the log selected from config (Postgres,
// local journal, or the backend API).
type MessageLog interface {
	ListMessages(ctx context.Context, projectID string) ([]Message, error)
	UpsertMessage(ctx context.Context, msg Message) error
}

// RunSource reads pipeline run state.
type RunSource interface {
	GetRunSnapshot(ctx context.Context, runID string) (RunSnapshot, error)
	ListRunEvents(ctx context.Context, runID string) ([]RunEvent, error)
}

// ChatBackend opens assistant response streams.
type ChatBackend interface {
	OpenChat(ctx context.Context, projectID string, req ChatRequest) (ChunkStream, error)
}

// Invoker performs the backend side effect of an action.
type Invoker interface {
	Invoke(ctx context.Context, endpoint string, payload map[string]any) (map[string]any, error)
}

// ArtifactRefresher recounts a running pipeline's artifacts.
type ArtifactRefresher interface {
	RefreshArtifacts(ctx context.Context, projectID, runID string) error
}

// CacheInvalidator drops cached project, run and artifact views once a
// run finishes. There is no default; without one nothing is invalidated.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, key string) error
}
