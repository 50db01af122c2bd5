// Package console is the public API for embedding the pipeline console
// timeline: the per-project message log, assistant turns, tracked actions
// and the run observer that narrates pipeline progress.
//
//	c, err := console.New(
//	    console.WithLogger(logger),
//	    console.WithJournalPath("/var/lib/console/journal.db"),
//	)
//	if err != nil { ... }
//	defer c.Close(ctx)
//	if err := c.Hydrate(ctx, projectID, true); err != nil { ... }
//	res, err := c.Send(ctx, projectID, "what failed in the last run?")
//
// The root package imports internal/*, never the other way around. Public
// types are aliases of the internal model, so no conversion happens at the
// boundary.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/ashita-ai/console/internal/action"
	"github.com/ashita-ai/console/internal/backend"
	"github.com/ashita-ai/console/internal/cache"
	"github.com/ashita-ai/console/internal/config"
	"github.com/ashita-ai/console/internal/journal"
	"github.com/ashita-ai/console/internal/notify"
	"github.com/ashita-ai/console/internal/observer"
	"github.com/ashita-ai/console/internal/operation"
	"github.com/ashita-ai/console/internal/ratelimit"
	"github.com/ashita-ai/console/internal/storage"
	"github.com/ashita-ai/console/internal/stream"
	"github.com/ashita-ai/console/internal/telemetry"
	"github.com/ashita-ai/console/internal/timeline"
	"github.com/ashita-ai/console/migrations"
)

// Console is the timeline runtime. Construct with New, release with Close.
type Console struct {
	cfg    config.Config
	logger *slog.Logger

	store    *timeline.Store
	writer   *timeline.Writer
	broker   *notify.Broker
	turn     *stream.Turn
	observer *observer.Observer
	registry *operation.Registry
	executor *action.Executor
	source   observer.RunSource

	db           *storage.DB      // nil unless DATABASE_URL is set
	journal      *journal.Journal // nil unless the journal is the log
	cache        *cache.Redis     // nil unless TIMELINE_REDIS_URL is set
	limiter      *ratelimit.MemoryLimiter
	otelShutdown telemetry.Shutdown
	wake         <-chan string // run change notifications; nil without Postgres

	bgCtx    context.Context
	bgCancel context.CancelFunc

	mu          sync.Mutex
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// New loads configuration, opens the conversation log and wires every
// component. It starts only the background persistence writer; runs are
// polled once WatchRun is called or an action starts one.
func New(opts ...Option) (*Console, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.backendURL != "" {
		cfg.BackendURL = o.backendURL
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.journalPath != "" {
		cfg.JournalPath = o.journalPath
	}
	if o.pollInterval > 0 {
		cfg.PollInterval = o.pollInterval
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger := o.logger
	if logger == nil {
		logger = newLogger(cfg.LogLevel)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	c := &Console{cfg: cfg, logger: logger, bgCtx: bgCtx, bgCancel: bgCancel}

	c.otelShutdown, err = telemetry.Init(bgCtx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		bgCancel()
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	if err := c.openStores(cfg, o); err != nil {
		c.release(context.Background())
		return nil, err
	}

	var client *backend.Client
	if cfg.BackendURL != "" {
		client, err = backend.NewClient(backend.Config{
			BaseURL: cfg.BackendURL,
			APIKey:  cfg.BackendAPIKey,
			Timeout: cfg.BackendTimeout,
			Logger:  logger,
		})
		if err != nil {
			c.release(context.Background())
			return nil, fmt.Errorf("backend: %w", err)
		}
	}

	log := c.messageLog(o, client)
	if log == nil {
		c.release(context.Background())
		return nil, errors.New("console: no conversation log configured")
	}

	c.writer = timeline.NewWriter(log, logger, timeline.WriterConfig{
		BatchSize:     cfg.WriterBatchSize,
		FlushInterval: cfg.WriterFlushInterval,
		Attempts:      cfg.WriterAttempts,
		BaseDelay:     cfg.WriterBaseDelay,
	})
	c.store = timeline.NewStore(log, c.writer, logger, timeline.Options{DefaultSpeaker: cfg.DefaultSpeaker})
	c.broker = notify.NewBroker(logger)

	var chat stream.ChatBackend = o.chat
	if chat == nil && client != nil {
		chat = backendChat{client: client}
	}
	if chat != nil {
		c.turn = stream.NewTurn(c.store, stream.NewIngester(c.store, c.broker, logger), chat, cfg.DefaultSpeaker, logger)
	}

	obsOpts := observer.Options{
		FirstPipelineRecipe: cfg.FirstPipelineRecipe,
		OnRunCleared:        c.runCleared,
	}
	// Unthrottled unless an interval is set: artifacts can appear mid-stage.
	if cfg.RefreshInterval > 0 {
		c.limiter = ratelimit.NewMemoryLimiter(ratelimit.Every(cfg.RefreshInterval.Seconds()), 1)
		obsOpts.RefreshLimiter = c.limiter
	}
	switch {
	case o.invalidator != nil:
		obsOpts.Invalidator = o.invalidator
	case cfg.RedisURL != "":
		c.cache, err = cache.NewRedis(bgCtx, cfg.RedisURL, cfg.CachePrefix, logger)
		if err != nil {
			c.release(context.Background())
			return nil, err
		}
		obsOpts.Invalidator = c.cache
	}
	switch {
	case o.refresher != nil:
		obsOpts.Refresher = o.refresher
	case client != nil:
		obsOpts.Refresher = client
	}
	if c.turn != nil {
		obsOpts.Commentator = c.turn
	}
	c.observer = observer.New(c.store, logger, obsOpts)
	c.source = c.runSource(o, client)

	var invoker action.Invoker = o.invoker
	if invoker == nil && client != nil {
		invoker = client
	}
	c.registry = operation.NewRegistry(cfg.OperationFlashWindow, logger)
	if invoker != nil {
		c.executor = action.NewExecutor(c.store, invoker, c.registry, c.broker, c, logger)
	}

	c.writer.Start(bgCtx)
	logger.Info("console: ready",
		"postgres", c.db != nil, "journal", c.journal != nil, "redis", c.cache != nil,
		"backend", client != nil, "chat", c.turn != nil)
	return c, nil
}

// openStores opens Postgres or the local journal as configured.
func (c *Console) openStores(cfg config.Config, o resolvedOptions) error {
	if cfg.DatabaseURL != "" {
		db, err := storage.New(c.bgCtx, cfg.DatabaseURL, cfg.DatabaseURL, c.logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		c.db = db
		if err := db.RunMigrations(c.bgCtx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		wake, err := db.RunUpdates(c.bgCtx)
		if err != nil {
			c.logger.Warn("console: run notifications disabled", "error", err)
		} else {
			c.wake = wake
		}
		return nil
	}
	if cfg.JournalPath != "" && o.messageLog == nil {
		j, err := journal.Open(cfg.JournalPath, c.logger)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		c.journal = j
	}
	return nil
}

// messageLog picks the conversation log: an explicit option, then
// Postgres, then the journal, then the backend API.
func (c *Console) messageLog(o resolvedOptions, client *backend.Client) timeline.MessageLog {
	switch {
	case o.messageLog != nil:
		return o.messageLog
	case c.db != nil:
		return c.db
	case c.journal != nil:
		return c.journal
	case client != nil:
		return client
	}
	return nil
}

func (c *Console) runSource(o resolvedOptions, client *backend.Client) observer.RunSource {
	switch {
	case o.runSource != nil:
		return o.runSource
	case c.db != nil:
		return c.db
	case client != nil:
		return client
	}
	return nil
}

// Hydrate loads a project's conversation log. An empty log is seeded with
// a welcome message whose action depends on hasInputs.
func (c *Console) Hydrate(ctx context.Context, projectID string, hasInputs bool) error {
	return c.store.Hydrate(ctx, projectID, timeline.HydrateOptions{HasInputs: hasInputs})
}

// Messages returns the project's ordered timeline.
func (c *Console) Messages(projectID string) ([]Message, error) {
	return c.store.Messages(projectID)
}

// Send runs one assistant turn for text. Stream failures are reported in
// the returned result and the timeline; the error is only set when the
// turn could not start.
func (c *Console) Send(ctx context.Context, projectID, text string) (TurnResult, error) {
	if c.turn == nil {
		return TurnResult{}, errors.New("console: no chat backend configured")
	}
	return c.turn.Send(ctx, projectID, text)
}

// RunAction performs an action chosen by the operator. Retry actions
// resend their text; side-effect actions are executed and tracked.
func (c *Console) RunAction(ctx context.Context, projectID string, a Action) (string, error) {
	if a.RetryText != "" {
		if c.turn == nil {
			return "", errors.New("console: no chat backend configured")
		}
		res, err := c.turn.Retry(ctx, projectID, a)
		return res.MessageID, err
	}
	if c.executor == nil {
		return "", errors.New("console: no action backend configured")
	}
	return c.executor.Run(ctx, projectID, a)
}

// RecordActivity notes passive navigation in the project's single
// activity entry.
func (c *Console) RecordActivity(projectID, content, route string) {
	c.store.AddActivity(projectID, content, route)
}

// Operations lists the project's running and recently finished operations.
func (c *Console) Operations(projectID string) []Operation {
	return c.registry.List(projectID)
}

// Subscribe returns a channel of transient notifications. Release it with
// Unsubscribe.
func (c *Console) Subscribe() chan Notification {
	return c.broker.Subscribe()
}

// Unsubscribe releases a channel returned by Subscribe.
func (c *Console) Unsubscribe(ch chan Notification) {
	c.broker.Unsubscribe(ch)
}

// SetActiveRun starts watching runID. It is called when an action starts
// a run.
func (c *Console) SetActiveRun(projectID, runID string) {
	c.WatchRun(projectID, runID)
}

// WatchRun makes runID the observed run and polls it in the background
// until it finishes, replacing any run watched before.
func (c *Console) WatchRun(projectID, runID string) {
	c.stopWatch()
	if c.source == nil {
		c.logger.Warn("console: no run source configured", "run_id", runID)
		return
	}
	c.observer.SetActiveRun(projectID, runID)

	ctx, cancel := context.WithCancel(c.bgCtx)
	done := make(chan struct{})
	c.mu.Lock()
	c.watchCancel, c.watchDone = cancel, done
	c.mu.Unlock()

	poller := observer.NewPoller(c.source, c.observer, c.cfg.PollInterval, c.logger)
	if c.wake != nil {
		poller = poller.WithWake(c.wake)
	}
	go func() {
		defer close(done)
		if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("console: run poller stopped", "run_id", runID, "error", err)
		}
	}()
}

// ActiveRun returns the watched run, if any.
func (c *Console) ActiveRun() (projectID, runID string, ok bool) {
	return c.observer.ActiveRun()
}

func (c *Console) runCleared(projectID, runID string) {
	if c.limiter != nil {
		c.limiter.Forget("refresh:" + runID)
	}
	c.broker.Publish(notify.Notification{
		Level:     notify.LevelSuccess,
		ProjectID: projectID,
		Title:     "Pipeline run finished",
		Detail:    runID,
	})
}

func (c *Console) stopWatch() {
	c.mu.Lock()
	cancel, done := c.watchCancel, c.watchDone
	c.watchCancel, c.watchDone = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.observer.ClearActiveRun()
}

// Close stops run polling, waits for background commentary, drains
// pending writes and closes the log. ctx bounds the whole shutdown.
func (c *Console) Close(ctx context.Context) error {
	c.stopWatch()

	waited := make(chan struct{})
	go func() {
		c.observer.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		c.logger.Warn("console: close timed out waiting for commentary")
	}

	c.writer.Drain(ctx)
	return c.release(ctx)
}

// release closes everything New opened, in reverse order.
func (c *Console) release(ctx context.Context) error {
	c.bgCancel()
	var errs []error
	if c.limiter != nil {
		errs = append(errs, c.limiter.Close())
	}
	if c.cache != nil {
		errs = append(errs, c.cache.Close())
	}
	if c.journal != nil {
		errs = append(errs, c.journal.Close())
	}
	if c.db != nil {
		c.db.Close(ctx)
	}
	if c.otelShutdown != nil {
		errs = append(errs, c.otelShutdown(ctx))
	}
	return errors.Join(errs...)
}

// backendChat adapts the backend chat endpoint to stream.ChatBackend.
type backendChat struct {
	client *backend.Client
}

func (b backendChat) OpenChat(ctx context.Context, projectID string, req stream.ChatRequest) (stream.ChunkStream, error) {
	r, err := b.client.Chat(ctx, projectID, backend.ChatRequest{Text: req.Text, Context: req.Context})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
