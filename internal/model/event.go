package model

import "time"

// RunEventType represents the category of a low-level run event.
type RunEventType string

const (
	RunEventStageStarted  RunEventType = "stage_started"
	RunEventStageFinished RunEventType = "stage_finished"
	RunEventRetry         RunEventType = "retry"
	RunEventFallback      RunEventType = "fallback"
	RunEventError         RunEventType = "error"
)

// RunEvent is one entry of a run's append-only event feed.
// The feed is ordered; an event's index in it is stable.
type RunEvent struct {
	Event             RunEventType `json:"event"`
	StageID           string       `json:"stage_id"`
	RetryDelaySeconds *float64     `json:"retry_delay_seconds,omitempty"`
	ToModel           string       `json:"to_model,omitempty"`
	Error             string       `json:"error,omitempty"`
	Timestamp         time.Time    `json:"timestamp"`
}
