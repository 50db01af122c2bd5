package operation

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ashita-ai/console/internal/model"
)

// DefaultFlashWindow is how long a finished operation stays listed so the
// UI can flash its final state.
const DefaultFlashWindow = 2 * time.Second

// Registry lists the operations of every project. Safe for concurrent use.
type Registry struct {
	logger *slog.Logger
	window time.Duration

	mu  sync.Mutex
	ops map[string][]model.Operation
}

// NewRegistry creates a Registry. window <= 0 selects DefaultFlashWindow.
func NewRegistry(window time.Duration, logger *slog.Logger) *Registry {
	if window <= 0 {
		window = DefaultFlashWindow
	}
	return &Registry{logger: logger, window: window, ops: make(map[string][]model.Operation)}
}

// List returns the project's operations in start order.
func (r *Registry) List(projectID string) []model.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Operation, len(r.ops[projectID]))
	for i, op := range r.ops[projectID] {
		if op.Progress != nil {
			p := *op.Progress
			op.Progress = &p
		}
		out[i] = op
	}
	return out
}

func (r *Registry) add(op model.Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op.ProjectID] = append(r.ops[op.ProjectID], op)
}

// finish records the final status and schedules removal after the window.
func (r *Registry) finish(projectID, id string, status model.OperationStatus) {
	r.mu.Lock()
	for i := range r.ops[projectID] {
		op := &r.ops[projectID][i]
		if op.ID != id {
			continue
		}
		op.Status = status
		if op.Progress != nil && status == model.OperationDone {
			op.Progress.Current = op.Progress.Total
		}
	}
	r.mu.Unlock()

	time.AfterFunc(r.window, func() { r.remove(projectID, id) })
}

func (r *Registry) remove(projectID, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[projectID] = slices.DeleteFunc(r.ops[projectID], func(op model.Operation) bool { return op.ID == id })
	if len(r.ops[projectID]) == 0 {
		delete(r.ops, projectID)
	}
	r.logger.Debug("operation: removed", "project_id", projectID, "operation_id", id)
}
