// Package observer turns polled pipeline run snapshots and their event feed
// into timeline notes. Every note id is derived from (run, stage,
// transition), so observing the same state any number of times emits each
// note once.
package observer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/console/internal/model"
	"github.com/ashita-ai/console/internal/ratelimit"
	"github.com/ashita-ai/console/internal/stream"
	"github.com/ashita-ai/console/internal/telemetry"
)

// sideEffectTimeout bounds artifact refreshes and cache invalidations.
const sideEffectTimeout = 30 * time.Second

// Timeline is the subset of the timeline Store the observer writes through.
type Timeline interface {
	Append(projectID string, msg model.Message) bool
	UpdateKind(projectID, id string, kind model.Kind) bool
	Resolve(projectID, id string, kind model.Kind, content string) bool
}

// RunSource reads run state from the backend.
type RunSource interface {
	GetRunSnapshot(ctx context.Context, runID string) (model.RunSnapshot, error)
	ListRunEvents(ctx context.Context, runID string) ([]model.RunEvent, error)
}

// ArtifactRefresher recounts a run's artifacts while it is running.
type ArtifactRefresher interface {
	RefreshArtifacts(ctx context.Context, projectID, runID string) error
}

// CacheInvalidator drops cached views once a run finishes. Keys are
// "project:<id>", "run:<id>" and "artifacts:<project id>".
type CacheInvalidator interface {
	Invalidate(ctx context.Context, key string) error
}

// Commentator streams a supplementary assistant message.
type Commentator interface {
	Commentary(ctx context.Context, projectID string, hint map[string]any) (stream.Result, error)
}

// Options configures an Observer. Every dependency except the Store is optional.
type Options struct {
	Refresher   ArtifactRefresher
	Invalidator CacheInvalidator
	Commentator Commentator
	// RefreshLimiter throttles artifact refreshes per run. Nil refreshes
	// on every poll of an unfinished run.
	RefreshLimiter ratelimit.Limiter
	// FirstPipelineRecipe gets a next-step suggestion after its commentary.
	FirstPipelineRecipe string
	// OnRunCleared is called, outside the observer's lock, after a finished
	// run stops being active and its caches are invalidated.
	OnRunCleared func(projectID, runID string)
}

// Observer tracks one active run at a time.
type Observer struct {
	store  Timeline
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
	notes  metric.Int64Counter

	refreshes singleflight.Group
	async     sync.WaitGroup

	mu        sync.Mutex
	projectID string
	runID     string
	prev      map[string]model.StageStatus // nil until the first observation
	paused    map[string]bool
	processed map[string]bool
	completed map[string]bool
}

// New creates an Observer with no active run.
func New(store Timeline, logger *slog.Logger, opts Options) *Observer {
	return &Observer{
		store:  store,
		opts:   opts,
		logger: logger,
		tracer: telemetry.Tracer("console/observer"),
		notes:  telemetry.Counter("console/observer", "console.observer.notes", "Run notes emitted, by transition"),
	}
}

// SetActiveRun makes runID the observed run and resets all per-run state.
func (o *Observer) SetActiveRun(projectID, runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.projectID = projectID
	o.runID = runID
	o.prev = nil
	o.paused = make(map[string]bool)
	o.processed = make(map[string]bool)
	o.completed = make(map[string]bool)
	o.logger.Info("observer: watching run", "project_id", projectID, "run_id", runID)
}

// ClearActiveRun stops note emission for the current run.
func (o *Observer) ClearActiveRun() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clearLocked()
}

func (o *Observer) clearLocked() {
	o.projectID, o.runID = "", ""
	o.prev = nil
}

// ActiveRun returns the observed run, if any.
func (o *Observer) ActiveRun() (projectID, runID string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.projectID, o.runID, o.runID != ""
}

// Wait blocks until background commentary from finished runs is done.
func (o *Observer) Wait() {
	o.async.Wait()
}

// Observe applies one polled snapshot and the run's full event feed.
// Snapshots of any run other than the active one are ignored.
func (o *Observer) Observe(ctx context.Context, snap model.RunSnapshot, events []model.RunEvent) {
	o.mu.Lock()
	projectID, runID := o.projectID, o.runID
	cleared := o.observeLocked(ctx, snap, events)
	o.mu.Unlock()

	if !cleared {
		return
	}
	o.invalidate(ctx, projectID, runID)
	if o.opts.OnRunCleared != nil {
		o.opts.OnRunCleared(projectID, runID)
	}
}

// observeLocked reports whether the run finished and was cleared.
func (o *Observer) observeLocked(ctx context.Context, snap model.RunSnapshot, events []model.RunEvent) bool {
	if o.runID == "" || snap.RunID != o.runID {
		o.logger.Debug("observer: ignoring snapshot of inactive run", "run_id", snap.RunID)
		return false
	}
	ctx, span := o.tracer.Start(ctx, "observer.Observe", trace.WithAttributes(
		attribute.String("project_id", o.projectID),
		attribute.String("run_id", o.runID),
	))
	defer span.End()

	projectID, runID := o.projectID, o.runID
	stages := snap.OrderedStages()

	if o.prev == nil {
		o.seed(ctx, projectID, runID, snap, stages)
		if snap.Finished() {
			o.diff(ctx, projectID, runID, snap, stages, events)
		}
	} else {
		o.diff(ctx, projectID, runID, snap, stages, events)
	}

	o.scanEvents(ctx, projectID, runID, events)

	if !snap.Finished() {
		o.refreshArtifacts(ctx, projectID, runID)
		return false
	}
	if o.completed[runID] {
		return false
	}
	o.complete(ctx, projectID, runID, snap, stages)
	return true
}

func (o *Observer) seed(ctx context.Context, projectID, runID string, snap model.RunSnapshot, stages []string) {
	o.prev = make(map[string]model.StageStatus, len(stages))
	for _, id := range stages {
		st := snap.Stages[id]
		o.prev[id] = st.Status
		// Polling may start mid-stage.
		if st.Status == model.StageRunning {
			o.emitStart(ctx, projectID, runID, id)
		}
	}
}

func (o *Observer) diff(ctx context.Context, projectID, runID string, snap model.RunSnapshot, stages []string, events []model.RunEvent) {
	for _, id := range stages {
		st := snap.Stages[id]
		prev := o.prev[id]
		o.prev[id] = st.Status

		switch {
		case st.Status == model.StageRunning && prev != model.StageRunning:
			o.emitStart(ctx, projectID, runID, id)

		case st.Status.Completed() && !prev.Completed():
			// A stage never seen running gets no start note; only the
			// done note below is emitted.
			o.store.UpdateKind(projectID, NoteID(runID, id, transitionStart), model.KindStatusDone)
			o.emit(ctx, projectID, transitionDone, model.Message{
				ID:      NoteID(runID, id, transitionDone),
				Kind:    model.KindStatusDone,
				Content: doneContent(id, st),
			})

		case st.Status == model.StagePaused && !o.paused[id]:
			o.paused[id] = true
			o.emit(ctx, projectID, transitionPaused, model.Message{
				ID:          NoteID(runID, id, transitionPaused),
				Kind:        model.KindSuggestion,
				Content:     pausedContent(id),
				NeedsAction: true,
				Actions: []model.Action{{
					ID:      "review-" + id,
					Label:   "Review",
					Variant: "primary",
					Route:   stageRoute(projectID, runID, id),
				}},
			})

		case st.Status == model.StageFailed && prev != model.StageFailed:
			o.store.UpdateKind(projectID, NoteID(runID, id, transitionStart), model.KindStatusDone)
			o.emit(ctx, projectID, transitionFailed, model.Message{
				ID:      NoteID(runID, id, transitionFailed),
				Kind:    model.KindStatusDone,
				Content: failedContent(id, lastStageError(events, id)),
				Actions: []model.Action{{
					ID:    "details-" + id,
					Label: "View details",
					Route: stageRoute(projectID, runID, id),
				}},
			})
		}
	}
}

func (o *Observer) emitStart(ctx context.Context, projectID, runID, stageID string) {
	o.emit(ctx, projectID, transitionStart, model.Message{
		ID:      NoteID(runID, stageID, transitionStart),
		Kind:    model.KindStatusSpinner,
		Content: startContent(stageID),
	})
}

func (o *Observer) scanEvents(ctx context.Context, projectID, runID string, events []model.RunEvent) {
	for i, ev := range events {
		if ev.Event != model.RunEventRetry && ev.Event != model.RunEventFallback {
			continue
		}
		key := eventKey(i, ev)
		if o.processed[key] {
			continue
		}
		o.processed[key] = true

		content := retryContent(ev)
		if ev.Event == model.RunEventFallback {
			content = fallbackContent(ev)
		}
		o.emit(ctx, projectID, string(ev.Event), model.Message{
			ID:      eventNoteID(runID, i, ev),
			Kind:    model.KindStatusDone,
			Content: content,
		})
	}
}

// refreshArtifacts starts a background recount unless one is already
// running for this run.
func (o *Observer) refreshArtifacts(ctx context.Context, projectID, runID string) {
	if o.opts.Refresher == nil {
		return
	}
	if l := o.opts.RefreshLimiter; l != nil {
		ok, err := l.Allow(ctx, "refresh:"+runID)
		if err != nil {
			o.logger.Debug("observer: refresh limiter failed, refreshing anyway", "run_id", runID, "error", err)
		} else if !ok {
			return
		}
	}
	bg := context.WithoutCancel(ctx)
	o.refreshes.DoChan(runID, func() (any, error) {
		rctx, cancel := context.WithTimeout(bg, sideEffectTimeout)
		defer cancel()
		if err := o.opts.Refresher.RefreshArtifacts(rctx, projectID, runID); err != nil {
			o.logger.Warn("observer: artifact refresh failed", "project_id", projectID, "run_id", runID, "error", err)
		}
		return nil, nil
	})
}

func (o *Observer) complete(ctx context.Context, projectID, runID string, snap model.RunSnapshot, stages []string) {
	o.completed[runID] = true

	var failed []string
	for _, id := range stages {
		switch st := snap.Stages[id].Status; {
		case st == model.StageFailed:
			failed = append(failed, id)
		case !st.Completed():
			// Cancelled or aborted mid-stage: a finished run has no spinners.
			o.store.UpdateKind(projectID, NoteID(runID, id, transitionStart), model.KindStatusDone)
		}
	}

	startNote := RunNoteID(runID, "start")
	summary := model.Message{ID: RunNoteID(runID, "summary"), Kind: model.KindStatusDone}
	details := model.Action{ID: "details", Label: "Details", Route: runRoute(projectID, runID)}

	if len(failed) > 0 {
		o.store.Resolve(projectID, startNote, model.KindStatusDone, "Pipeline run failed")
		summary.Content = failureSummaryContent(failed, snap.BackgroundError)
		summary.Actions = []model.Action{details}
		o.emit(ctx, projectID, "summary", summary)
	} else {
		o.store.Resolve(projectID, startNote, model.KindStatusDone, "Pipeline run finished")
		summary.Content = successContent(snap.ArtifactTypes)
		summary.Actions = []model.Action{
			{ID: "browse", Label: "Browse results", Variant: "primary", Route: "/projects/" + projectID + "/artifacts?run=" + runID},
			details,
		}
		o.emit(ctx, projectID, "summary", summary)
		o.followUp(ctx, projectID, runID, snap.RecipeID)
	}

	o.clearLocked()
	o.logger.Info("observer: run finished", "project_id", projectID, "run_id", runID, "failed_stages", len(failed))
}

// followUp asks for assistant commentary in the background and, after the
// first pipeline a project runs, adds a next-step suggestion once the
// commentary has finished either way.
func (o *Observer) followUp(ctx context.Context, projectID, runID, recipeID string) {
	suggest := recipeID != "" && recipeID == o.opts.FirstPipelineRecipe
	if o.opts.Commentator == nil && !suggest {
		return
	}
	bg := context.WithoutCancel(ctx)
	o.async.Add(1)
	go func() {
		defer o.async.Done()
		if o.opts.Commentator != nil {
			_, err := o.opts.Commentator.Commentary(bg, projectID, map[string]any{
				"event":  "run_completed",
				"run_id": runID,
			})
			if err != nil {
				o.logger.Warn("observer: run commentary skipped", "project_id", projectID, "run_id", runID, "error", err)
			}
		}
		if suggest {
			o.emit(bg, projectID, "next-step", model.Message{
				ID:      RunNoteID(runID, "next-step"),
				Kind:    model.KindSuggestion,
				Content: nextStepSuggestion,
			})
		}
	}()
}

// invalidate drops project, run and artifact caches concurrently. Failures
// are logged; stale caches expire on their own.
func (o *Observer) invalidate(ctx context.Context, projectID, runID string) {
	if o.opts.Invalidator == nil {
		return
	}
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ictx)
	for _, key := range []string{"project:" + projectID, "run:" + runID, "artifacts:" + projectID} {
		g.Go(func() error {
			if err := o.opts.Invalidator.Invalidate(gctx, key); err != nil {
				o.logger.Warn("observer: cache invalidation failed", "key", key, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Observer) emit(ctx context.Context, projectID, transition string, msg model.Message) {
	if o.store.Append(projectID, msg) {
		o.notes.Add(ctx, 1, metric.WithAttributes(attribute.String("transition", transition)))
	}
}

// lastStageError returns the most recent error reported for a stage.
func lastStageError(events []model.RunEvent, stageID string) string {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].StageID == stageID && events[i].Event == model.RunEventError && events[i].Error != "" {
			return events[i].Error
		}
	}
	return ""
}
