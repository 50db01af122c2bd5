// Package model defines the core domain types for the console timeline.
//
// Messages are the unit of the per-project timeline. Operations track
// user-triggered long-running actions. RunSnapshot and RunEvent are
// read-only views of the backend pipeline, polled by the run observer.
package model

import (
	"slices"
	"time"
)

// Kind is the rendering category of a timeline message.
type Kind string

const (
	KindWelcome       Kind = "welcome"
	KindSuggestion    Kind = "suggestion"
	KindStatusSpinner Kind = "status-spinner"
	KindStatusDone    Kind = "status-done"
	KindTaskProgress  Kind = "task-progress"
	KindUserAction    Kind = "user-action"
	KindUserText      Kind = "user-text"
	KindAssistantText Kind = "assistant-text"
	KindActivity      Kind = "activity"
	KindProgressCard  Kind = "progress-card"
)

// Resolved returns the kind a message settles into once the work it shows
// is over. Only the spinner has a distinct resolved form.
func (k Kind) Resolved() Kind {
	if k == KindStatusSpinner {
		return KindStatusDone
	}
	return k
}

// InProgress reports whether the kind renders a still-running indicator.
func (k Kind) InProgress() bool {
	return k == KindStatusSpinner
}

// Assistant reports whether messages of this kind are authored by the assistant.
func (k Kind) Assistant() bool {
	return k == KindAssistantText
}

// DefaultSpeaker is backfilled on assistant messages persisted without one.
const DefaultSpeaker = "Assistant"

// SideEffectKind names a declarative backend side effect carried by an action.
type SideEffectKind string

const (
	SideEffectStartRun     SideEffectKind = "start-run"
	SideEffectEditArtifact SideEffectKind = "edit-artifact"
)

// SideEffect is a declarative request the console performs when an action
// is chosen: POST Payload to Endpoint.
type SideEffect struct {
	Kind     SideEffectKind `json:"kind"`
	Endpoint string         `json:"endpoint"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Action is an affordance attached to a message. Exactly one of Route,
// SideEffect or RetryText is normally set.
type Action struct {
	ID         string      `json:"id,omitempty"`
	Label      string      `json:"label"`
	Variant    string      `json:"variant,omitempty"`
	Route      string      `json:"route,omitempty"`
	SideEffect *SideEffect `json:"side_effect,omitempty"`
	RetryText  string      `json:"retry_text,omitempty"`
}

// ToolCall is an assistant tool invocation shown inline on its parent message.
type ToolCall struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Done        bool   `json:"done"`
}

// Message is one entry of a project timeline.
type Message struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	Kind        Kind           `json:"kind"`
	Content     string         `json:"content"`
	Timestamp   time.Time      `json:"timestamp"`
	Speaker     string         `json:"speaker,omitempty"`
	Actions     []Action       `json:"actions,omitempty"`
	Preflight   map[string]any `json:"preflight,omitempty"`
	NeedsAction bool           `json:"needs_action,omitempty"`
	Streaming   bool           `json:"streaming,omitempty"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	Route       string         `json:"route,omitempty"`
	PageContext string         `json:"page_context,omitempty"`
}

// Clone returns a deep copy so callers can never alias Store-owned slices.
func (m Message) Clone() Message {
	m.Actions = slices.Clone(m.Actions)
	m.ToolCalls = slices.Clone(m.ToolCalls)
	if m.Preflight != nil {
		pf := make(map[string]any, len(m.Preflight))
		for k, v := range m.Preflight {
			pf[k] = v
		}
		m.Preflight = pf
	}
	return m
}
