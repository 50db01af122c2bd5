// Package action performs the backend side effects attached to timeline
// actions (starting a run, saving an artifact edit) and reports the
// outcome in the timeline.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/console/internal/ctxutil"
	"github.com/ashita-ai/console/internal/model"
	"github.com/ashita-ai/console/internal/notify"
	"github.com/ashita-ai/console/internal/observer"
	"github.com/ashita-ai/console/internal/operation"
)

var (
	// ErrNoSideEffect is returned for actions that carry no side effect.
	ErrNoSideEffect = errors.New("action: no side effect")
	// ErrBusy is returned while the same side effect is already running.
	ErrBusy = errors.New("action: already in flight")
)

// Invoker performs a side effect against the backend.
type Invoker interface {
	Invoke(ctx context.Context, endpoint string, payload map[string]any) (map[string]any, error)
}

// RunActivator is told about runs started through an action.
type RunActivator interface {
	SetActiveRun(projectID, runID string)
}

// Executor runs side-effect actions, one per action at a time.
type Executor struct {
	store     operation.Timeline
	invoker   Invoker
	registry  *operation.Registry
	publisher notify.Publisher
	activator RunActivator
	logger    *slog.Logger
	newID     func() string

	mu       sync.Mutex
	trackers map[string]*operation.Tracker
}

// NewExecutor creates an Executor. publisher and activator may be nil.
func NewExecutor(store operation.Timeline, invoker Invoker, registry *operation.Registry, publisher notify.Publisher, activator RunActivator, logger *slog.Logger) *Executor {
	if publisher == nil {
		publisher = notify.Discard{}
	}
	return &Executor{
		store:     store,
		invoker:   invoker,
		registry:  registry,
		publisher: publisher,
		activator: activator,
		logger:    logger,
		newID:     uuid.NewString,
		trackers:  make(map[string]*operation.Tracker),
	}
}

// tracker returns the tracker for one side effect, so repeated clicks on
// the same action are rejected while different actions run concurrently.
func (e *Executor) tracker(se *model.SideEffect) *operation.Tracker {
	key := string(se.Kind) + " " + se.Endpoint
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trackers[key]
	if !ok {
		t = operation.NewTracker(e.store, e.registry, e.logger)
		e.trackers[key] = t
	}
	return t
}

// Run records the operator's choice, performs the side effect and blocks
// until it finishes. It returns the operation id. Backend failures are
// reported in the timeline and as a notification, never returned.
func (e *Executor) Run(ctx context.Context, projectID string, a model.Action) (string, error) {
	se := a.SideEffect
	if se == nil || se.Endpoint == "" {
		return "", fmt.Errorf("%w: %q", ErrNoSideEffect, a.Label)
	}
	t := e.tracker(se)
	if t.InFlight() {
		return "", ErrBusy
	}

	actionID := "action-" + e.newID()
	ctx = ctxutil.WithRequestID(ctx, actionID)
	e.store.Append(projectID, model.Message{
		ID:      actionID,
		Kind:    model.KindUserAction,
		Content: a.Label,
	})

	opID, ok := t.Start(ctx, operation.Config{
		ProjectID: projectID,
		Label:     operationLabel(a),
		Action: func(ctx context.Context) (any, error) {
			return e.invoker.Invoke(ctx, se.Endpoint, se.Payload)
		},
		OnSuccess: func(result any, out operation.Outcome) {
			res, _ := result.(map[string]any)
			e.succeeded(projectID, out.OperationID, se, res)
		},
		OnError: func(err error) {
			e.publisher.Publish(notify.Notification{
				Level:     notify.LevelError,
				ProjectID: projectID,
				Title:     operationLabel(a) + " failed",
				Detail:    err.Error(),
			})
		},
	})
	if !ok {
		return "", ErrBusy
	}
	return opID, nil
}

func (e *Executor) succeeded(projectID, opID string, se *model.SideEffect, res map[string]any) {
	e.store.Append(projectID, model.Message{
		ID:      opID + "-result",
		Kind:    model.KindStatusDone,
		Content: successContent(se, res),
	})

	if se.Kind != model.SideEffectStartRun {
		return
	}
	runID := stringField(res, "run_id")
	if runID == "" {
		e.logger.Warn("action: start-run response has no run id", "project_id", projectID, "operation_id", opID)
		return
	}
	e.store.Append(projectID, observer.RunStartNote(projectID, runID))
	if e.activator != nil {
		e.activator.SetActiveRun(projectID, runID)
	}
	e.logger.Info("action: run started", "project_id", projectID, "run_id", runID)
}

func operationLabel(a model.Action) string {
	switch a.SideEffect.Kind {
	case model.SideEffectStartRun:
		return "Starting pipeline run"
	case model.SideEffectEditArtifact:
		return "Saving artifact"
	}
	return a.Label
}

func successContent(se *model.SideEffect, res map[string]any) string {
	switch se.Kind {
	case model.SideEffectStartRun:
		if id := stringField(res, "run_id"); id != "" {
			return "Started run " + id
		}
		return "Started run"
	case model.SideEffectEditArtifact:
		name := stringField(res, "artifact")
		if name == "" {
			name = stringField(se.Payload, "artifact")
		}
		if name == "" {
			return "Updated artifact"
		}
		return "Updated " + name
	}
	return "Done"
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
