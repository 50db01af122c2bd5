// Package operation tracks long-running actions the operator triggers
// (uploads, edits, bulk jobs) and mirrors each into a timeline message.
// Pipeline runs are observed separately.
package operation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/console/internal/model"
	"github.com/ashita-ai/console/internal/telemetry"
)

// Timeline is the subset of the timeline Store a tracker writes through.
type Timeline interface {
	Append(projectID string, msg model.Message) bool
	Resolve(projectID, id string, kind model.Kind, content string) bool
}

// Outcome links a finished action to its timeline message.
type Outcome struct {
	OperationID   string
	ChatMessageID string
}

// Config describes one tracked action.
type Config struct {
	ProjectID string
	Label     string
	// Items, when set, renders a task-progress checklist instead of a spinner.
	Items  []string
	Action func(ctx context.Context) (any, error)
	// OnSuccess and OnError are optional.
	OnSuccess func(result any, out Outcome)
	OnError   func(err error)
	// Speaker overrides the message speaker.
	Speaker string
}

// Tracker runs one logical action at a time. Use one Tracker per action
// (button, command); separate trackers run concurrently.
type Tracker struct {
	store    Timeline
	registry *Registry
	logger   *slog.Logger
	now      func() time.Time

	inFlight  atomic.Bool
	completed metric.Int64Counter
}

// NewTracker creates a Tracker that records operations in registry.
func NewTracker(store Timeline, registry *Registry, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:     store,
		registry:  registry,
		logger:    logger,
		now:       time.Now,
		completed: telemetry.Counter("console/operation", "console.operation.completed", "Tracked operations finished, by status"),
	}
}

// InFlight reports whether the tracker's action is running.
func (t *Tracker) InFlight() bool { return t.inFlight.Load() }

// Start runs cfg.Action and mirrors it into the timeline, blocking until
// it finishes. It returns the operation id, or false without doing
// anything when this tracker already has an action in flight. Action
// failures go to cfg.OnError and are never returned.
func (t *Tracker) Start(ctx context.Context, cfg Config) (string, bool) {
	if !t.inFlight.CompareAndSwap(false, true) {
		t.logger.Debug("operation: already in flight", "label", cfg.Label)
		return "", false
	}
	defer t.inFlight.Store(false)

	started := t.now()
	base := OperationID(cfg.Label, started)
	op := model.Operation{
		ProjectID: cfg.ProjectID,
		Label:     cfg.Label,
		StartedAt: started,
		Status:    model.OperationRunning,
	}
	var checklist model.Payload
	msg := model.Message{ID: base, Speaker: cfg.Speaker, Timestamp: started.UTC()}
	if len(cfg.Items) > 0 {
		op.Progress = &model.Progress{Current: 0, Total: len(cfg.Items)}
		checklist = model.NewTaskProgress(cfg.Label, cfg.Items, model.ItemRunning)
		msg.Kind = model.KindTaskProgress
		msg.Content = checklist.Encode()
	} else {
		msg.Kind = model.KindStatusSpinner
		msg.Content = cfg.Label + "..."
	}
	// Another tracker with the same label may have started in the same
	// millisecond; its message already owns the base id.
	for n := 2; !t.store.Append(cfg.ProjectID, msg); n++ {
		msg.ID = base + "-" + strconv.Itoa(n)
	}
	id := msg.ID
	op.ID, op.ChatMessageID = id, id
	t.registry.add(op)

	result, err := t.run(ctx, cfg.Action)
	out := Outcome{OperationID: id, ChatMessageID: id}

	if err == nil {
		if len(cfg.Items) > 0 {
			t.store.Resolve(cfg.ProjectID, id, model.KindTaskProgress, checklist.WithStatus(model.ItemDone).Encode())
		} else {
			t.store.Resolve(cfg.ProjectID, id, model.KindStatusDone, cfg.Label+" — complete")
		}
		t.registry.finish(cfg.ProjectID, id, model.OperationDone)
		t.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(model.OperationDone))))
		if cfg.OnSuccess != nil {
			cfg.OnSuccess(result, out)
		}
		return id, true
	}

	if len(cfg.Items) > 0 {
		t.store.Resolve(cfg.ProjectID, id, model.KindTaskProgress, checklist.WithStatus(model.ItemFailed).Encode())
	} else {
		t.store.Resolve(cfg.ProjectID, id, model.KindStatusDone, fmt.Sprintf("%s — failed: %s", cfg.Label, err.Error()))
	}
	t.registry.finish(cfg.ProjectID, id, model.OperationFailed)
	t.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(model.OperationFailed))))
	t.logger.Warn("operation: action failed", "project_id", cfg.ProjectID, "operation_id", id, "error", err)
	if cfg.OnError != nil {
		cfg.OnError(err)
	}
	return id, true
}

// run invokes action, turning a panic or an empty error into an ordinary error.
func (t *Tracker) run(ctx context.Context, action func(ctx context.Context) (any, error)) (result any, err error) {
	if action == nil {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation: action panicked: %v", r)
		}
	}()
	result, err = action(ctx)
	return result, normalize(err)
}

func normalize(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return errors.New("cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return errors.New("timed out")
	case err.Error() == "":
		return errors.New("unknown error")
	}
	return err
}

// OperationID derives a deterministic id from a label and start time.
func OperationID(label string, at time.Time) string {
	return "op-" + slug(label) + "-" + strconv.FormatInt(at.UnixMilli(), 10)
}

func slug(label string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(label) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
