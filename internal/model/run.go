package model

import (
	"sort"
	"time"
)

// StageStatus represents the lifecycle state of one pipeline stage.
type StageStatus string

const (
	StagePending       StageStatus = "pending"
	StageRunning       StageStatus = "running"
	StageDone          StageStatus = "done"
	StageSkippedReused StageStatus = "skipped_reused"
	StagePaused        StageStatus = "paused"
	StageFailed        StageStatus = "failed"
)

// Completed reports whether the stage produced (or reused) its output.
func (s StageStatus) Completed() bool {
	return s == StageDone || s == StageSkippedReused
}

// StageState is the polled state of one stage within a run.
type StageState struct {
	Status          StageStatus `json:"status"`
	DurationSeconds float64     `json:"duration_seconds,omitempty"`
	CostUSD         float64     `json:"cost_usd,omitempty"`
	ArtifactRefs    []string    `json:"artifact_refs,omitempty"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
}

// RunSnapshot is a read-only, backend-owned view of one pipeline run.
// Snapshots are polled; the console never mutates them.
type RunSnapshot struct {
	RunID           string                `json:"run_id"`
	ProjectID       string                `json:"project_id"`
	Stages          map[string]StageState `json:"stages"`
	StageOrder      []string              `json:"stage_order,omitempty"`
	FinishedAt      *time.Time            `json:"finished_at,omitempty"`
	RecipeID        string                `json:"recipe_id,omitempty"`
	BackgroundError string                `json:"background_error,omitempty"`
	ArtifactTypes   map[string]int        `json:"artifact_types,omitempty"`
}

// Finished reports whether the backend has marked the run finished.
func (r RunSnapshot) Finished() bool {
	return r.FinishedAt != nil
}

// OrderedStages returns the stage ids in the order they should be visited.
// StageOrder wins when present; stages missing from it are appended in
// lexical order so every stage is visited exactly once.
func (r RunSnapshot) OrderedStages() []string {
	seen := make(map[string]bool, len(r.Stages))
	out := make([]string, 0, len(r.Stages))
	for _, id := range r.StageOrder {
		if _, ok := r.Stages[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	var rest []string
	for id := range r.Stages {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// AnyFailed reports whether any stage ended in failure.
func (r RunSnapshot) AnyFailed() bool {
	for _, st := range r.Stages {
		if st.Status == StageFailed {
			return true
		}
	}
	return false
}
