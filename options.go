package console

import (
	"log/slog"
	"time"
)

// Option configures a Console.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
type resolvedOptions struct {
	logger       *slog.Logger
	backendURL   string
	databaseURL  string
	journalPath  string
	pollInterval time.Duration
	messageLog   MessageLog
	runSource    RunSource
	chat         ChatBackend
	invoker      Invoker
	refresher    ArtifactRefresher
	invalidator  CacheInvalidator
}

// WithLogger sets the structured logger. If not set, a JSON logger at
// TIMELINE_LOG_LEVEL is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithBackendURL overrides the backend API root (TIMELINE_BACKEND_URL env var).
func WithBackendURL(url string) Option {
	return func(o *resolvedOptions) { o.backendURL = url }
}

// WithDatabaseURL selects the direct Postgres conversation log and run
// tables (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithJournalPath selects the local SQLite journal as the conversation log
// (TIMELINE_JOURNAL_PATH env var). ":memory:" keeps it in memory.
func WithJournalPath(path string) Option {
	return func(o *resolvedOptions) { o.journalPath = path }
}

// WithPollInterval overrides the run poll interval (TIMELINE_POLL_INTERVAL env var).
func WithPollInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.pollInterval = d }
}

// WithMessageLog replaces the conversation log selected from config.
func WithMessageLog(log MessageLog) Option {
	return func(o *resolvedOptions) { o.messageLog = log }
}

// WithRunSource replaces the run source selected from config.
func WithRunSource(src RunSource) Option {
	return func(o *resolvedOptions) { o.runSource = src }
}

// WithChatBackend replaces the backend chat stream.
func WithChatBackend(chat ChatBackend) Option {
	return func(o *resolvedOptions) { o.chat = chat }
}

// WithInvoker replaces the backend used for action side effects.
func WithInvoker(inv Invoker) Option {
	return func(o *resolvedOptions) { o.invoker = inv }
}

// WithArtifactRefresher replaces the backend artifact refresh.
func WithArtifactRefresher(r ArtifactRefresher) Option {
	return func(o *resolvedOptions) { o.refresher = r }
}

// WithCacheInvalidator registers the cache dropped when a run finishes.
func WithCacheInvalidator(inv CacheInvalidator) Option {
	return func(o *resolvedOptions) { o.invalidator = inv }
}
