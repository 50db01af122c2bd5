package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// PayloadType tags a structured message payload.
type PayloadType string

const (
	PayloadTaskProgress PayloadType = "task-progress"
	PayloadProgressCard PayloadType = "progress-card"
)

// PayloadVersion is the current envelope version written by this package.
const PayloadVersion = 1

// ItemStatus is the state of one sub-item of a structured payload.
type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemRunning ItemStatus = "running"
	ItemDone    ItemStatus = "done"
	ItemFailed  ItemStatus = "failed"
)

// Settled reports whether the item no longer shows as in progress.
func (s ItemStatus) Settled() bool {
	return s == ItemDone || s == ItemFailed
}

// ProgressItem is one line of a task-progress or progress-card payload.
type ProgressItem struct {
	Label  string     `json:"label"`
	Status ItemStatus `json:"status"`
	Detail string     `json:"detail,omitempty"`
}

// Payload is the tagged, versioned envelope stored in Message.Content for
// structured kinds.
type Payload struct {
	Type    PayloadType    `json:"type"`
	Version int            `json:"version"`
	Title   string         `json:"title,omitempty"`
	Items   []ProgressItem `json:"items"`
}

// ErrNotStructured is returned by DecodePayload when content is not a
// recognisable structured payload. Callers pass such content through.
var ErrNotStructured = errors.New("model: content is not a structured payload")

const payloadSchema = `{
  "type": "object",
  "required": ["type", "version", "items"],
  "properties": {
    "type":    {"enum": ["task-progress", "progress-card"]},
    "version": {"type": "integer", "minimum": 1},
    "title":   {"type": "string"},
    "items": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["label", "status"],
        "properties": {
          "label":  {"type": "string"},
          "status": {"enum": ["pending", "running", "done", "failed"]},
          "detail": {"type": "string"}
        }
      }
    }
  }
}`

var payloadSchemaLoader = gojsonschema.NewStringLoader(payloadSchema)

// NewTaskProgress builds a task-progress payload with every item in status.
func NewTaskProgress(title string, labels []string, status ItemStatus) Payload {
	items := make([]ProgressItem, len(labels))
	for i, l := range labels {
		items[i] = ProgressItem{Label: l, Status: status}
	}
	return Payload{Type: PayloadTaskProgress, Version: PayloadVersion, Title: title, Items: items}
}

// Encode serialises the payload for storage in Message.Content.
func (p Payload) Encode() string {
	b, _ := json.Marshal(p) // only strings and ints; cannot fail
	return string(b)
}

// WithStatus returns a copy with every item set to status.
func (p Payload) WithStatus(status ItemStatus) Payload {
	items := make([]ProgressItem, len(p.Items))
	for i, it := range p.Items {
		it.Status = status
		items[i] = it
	}
	p.Items = items
	return p
}

// Settle returns a copy where every unsettled item is forced to done.
// The boolean reports whether anything changed.
func (p Payload) Settle() (Payload, bool) {
	changed := false
	items := make([]ProgressItem, len(p.Items))
	for i, it := range p.Items {
		if !it.Status.Settled() {
			it.Status = ItemDone
			changed = true
		}
		items[i] = it
	}
	p.Items = items
	return p, changed
}

// legacyTaskList is the unversioned shape older clients cached:
// {"tasks":[{"label":..,"status":..}]} or a bare array of the same items.
type legacyTaskList struct {
	Tasks []ProgressItem `json:"tasks"`
}

// DecodePayload parses content into a Payload. Versioned envelopes are
// validated against the schema; legacy shapes are upgraded. Anything else
// yields ErrNotStructured (possibly wrapped with the validation detail).
func DecodePayload(content string) (Payload, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Payload{}, ErrNotStructured
	}

	switch trimmed[0] {
	case '[':
		var items []ProgressItem
		if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
			return Payload{}, fmt.Errorf("%w: %v", ErrNotStructured, err)
		}
		return upgradeLegacy(items)
	case '{':
	default:
		return Payload{}, ErrNotStructured
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrNotStructured, err)
	}
	if _, tagged := probe["type"]; !tagged {
		var legacy legacyTaskList
		if _, ok := probe["tasks"]; !ok {
			return Payload{}, ErrNotStructured
		}
		if err := json.Unmarshal([]byte(trimmed), &legacy); err != nil {
			return Payload{}, fmt.Errorf("%w: %v", ErrNotStructured, err)
		}
		return upgradeLegacy(legacy.Tasks)
	}

	result, err := gojsonschema.Validate(payloadSchemaLoader, gojsonschema.NewStringLoader(trimmed))
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrNotStructured, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return Payload{}, fmt.Errorf("%w: %s", ErrNotStructured, strings.Join(msgs, "; "))
	}

	var p Payload
	if err := json.Unmarshal([]byte(trimmed), &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrNotStructured, err)
	}
	return p, nil
}

func upgradeLegacy(items []ProgressItem) (Payload, error) {
	for _, it := range items {
		switch it.Status {
		case ItemPending, ItemRunning, ItemDone, ItemFailed:
		default:
			return Payload{}, fmt.Errorf("%w: unknown item status %q", ErrNotStructured, it.Status)
		}
	}
	return Payload{Type: PayloadTaskProgress, Version: PayloadVersion, Items: items}, nil
}
