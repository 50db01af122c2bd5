// Package timeline holds the authoritative in-memory message log of every
// project and the narrow, id-addressed mutation API producers write through.
//
// The Store only appends or mutates by id. It never reorders, and it only
// deletes on an explicit Remove (used for unneeded placeholders). Writes to
// the backend conversation log are best-effort: the Store hands the updated
// message to a Persister and never waits for, or fails on, the result.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/console/internal/model"
)

// ErrNotLoaded is returned by Messages when a project has never been loaded.
var ErrNotLoaded = errors.New("timeline: project not loaded")

// MessageLog is the backend-owned conversation log.
type MessageLog interface {
	ListMessages(ctx context.Context, projectID string) ([]model.Message, error)
	UpsertMessage(ctx context.Context, msg model.Message) error
}

// Persister accepts fire-and-forget persistence writes.
// Writer is the production implementation.
type Persister interface {
	Enqueue(msg model.Message)
}

// Options configures a Store.
type Options struct {
	// DefaultSpeaker is backfilled on assistant messages that lack one.
	DefaultSpeaker string
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Store is the per-project timeline. Safe for concurrent use: every
// mutation is serialised, so mutations against one project apply in call order.
type Store struct {
	log       MessageLog
	persister Persister
	logger    *slog.Logger
	speaker   string
	now       func() time.Time

	mu       sync.Mutex
	projects map[string]*projectLog
}

type projectLog struct {
	messages []model.Message
	index    map[string]int
	loaded   bool
}

// NewStore creates an empty Store. log is used by Hydrate and may be nil
// when callers only use Load. persister may be nil to disable persistence.
func NewStore(log MessageLog, persister Persister, logger *slog.Logger, opts Options) *Store {
	if opts.DefaultSpeaker == "" {
		opts.DefaultSpeaker = model.DefaultSpeaker
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		log:       log,
		persister: persister,
		logger:    logger,
		speaker:   opts.DefaultSpeaker,
		now:       opts.Now,
		projects:  make(map[string]*projectLog),
	}
}

func (s *Store) project(projectID string) *projectLog {
	p, ok := s.projects[projectID]
	if !ok {
		p = &projectLog{index: make(map[string]int)}
		s.projects[projectID] = p
	}
	return p
}

func (p *projectLog) reindex() {
	p.index = make(map[string]int, len(p.messages))
	for i, m := range p.messages {
		p.index[m.ID] = i
	}
}

// Load replaces the project's log with messages, applying the cold-load
// migration, and marks the project loaded.
func (s *Store) Load(projectID string, messages []model.Message) {
	migrated := migrate(messages, s.speaker, s.logger)

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.project(projectID)
	p.messages = make([]model.Message, 0, len(migrated))
	p.index = make(map[string]int, len(migrated))
	for _, m := range migrated {
		if _, dup := p.index[m.ID]; dup {
			s.logger.Warn("timeline: duplicate id in loaded log, keeping first",
				"project_id", projectID, "message_id", m.ID)
			continue
		}
		m.ProjectID = projectID
		p.index[m.ID] = len(p.messages)
		p.messages = append(p.messages, m)
	}
	p.loaded = true
}

// HydrateOptions describes the project being hydrated.
type HydrateOptions struct {
	// HasInputs selects the welcome variant for an empty log.
	HasInputs bool
}

// Hydrate fetches the full conversation log from the backend and loads it.
// An empty log is seeded with a welcome message.
func (s *Store) Hydrate(ctx context.Context, projectID string, opts HydrateOptions) error {
	if s.log == nil {
		return fmt.Errorf("timeline: hydrate %s: no message log configured", projectID)
	}
	msgs, err := s.log.ListMessages(ctx, projectID)
	if err != nil {
		return fmt.Errorf("timeline: hydrate %s: %w", projectID, err)
	}
	s.Load(projectID, msgs)
	if len(msgs) == 0 {
		s.Append(projectID, welcomeMessage(projectID, opts.HasInputs, s.now()))
	}
	return nil
}

// Loaded reports whether Load has been called for the project.
func (s *Store) Loaded(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	return ok && p.loaded
}

// Messages returns a copy of the project's ordered log.
func (s *Store) Messages(projectID string) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok || !p.loaded {
		return nil, ErrNotLoaded
	}
	out := make([]model.Message, len(p.messages))
	for i, m := range p.messages {
		out[i] = m.Clone()
	}
	return out, nil
}

// Get returns a copy of one message.
func (s *Store) Get(projectID, id string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return model.Message{}, false
	}
	i, ok := p.index[id]
	if !ok {
		return model.Message{}, false
	}
	return p.messages[i].Clone(), true
}

// Append adds msg at the end of the log unless its id already exists
// anywhere in the log, in which case it is a no-op. Reports whether the
// message was added. Streaming placeholders are not persisted.
func (s *Store) Append(projectID string, msg model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.project(projectID)
	if _, exists := p.index[msg.ID]; exists {
		return false
	}
	msg = msg.Clone()
	msg.ProjectID = projectID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now().UTC()
	}
	p.index[msg.ID] = len(p.messages)
	p.messages = append(p.messages, msg)

	if !msg.Streaming {
		s.persist(msg)
	}
	return true
}

// mutate applies fn to the message with id, persisting the result unless
// the message is still streaming. Must not be called with mu held.
func (s *Store) mutate(projectID, id string, fn func(m *model.Message) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		return false
	}
	i, ok := p.index[id]
	if !ok {
		s.logger.Debug("timeline: mutate unknown message", "project_id", projectID, "message_id", id)
		return false
	}
	m := &p.messages[i]
	if !fn(m) {
		return false
	}
	if !m.Streaming {
		s.persist(*m)
	}
	return true
}

// UpdateContent replaces the message content.
func (s *Store) UpdateContent(projectID, id, content string) bool {
	return s.mutate(projectID, id, func(m *model.Message) bool {
		m.Content = content
		return true
	})
}

// UpdateKind changes the message kind.
func (s *Store) UpdateKind(projectID, id string, kind model.Kind) bool {
	return s.mutate(projectID, id, func(m *model.Message) bool {
		m.Kind = kind
		return true
	})
}

// Resolve rewrites kind and content in one mutation, so the backend never
// sees a half-updated message.
func (s *Store) Resolve(projectID, id string, kind model.Kind, content string) bool {
	return s.mutate(projectID, id, func(m *model.Message) bool {
		m.Kind = kind
		m.Content = content
		return true
	})
}

// AttachActions sets the message actions and optional preflight payload
// and flags the message as needing operator action.
func (s *Store) AttachActions(projectID, id string, actions []model.Action, preflight map[string]any) bool {
	return s.mutate(projectID, id, func(m *model.Message) bool {
		m.Actions = append([]model.Action(nil), actions...)
		if preflight != nil {
			m.Preflight = preflight
		}
		m.NeedsAction = true
		return true
	})
}

// AddToolCall appends a tool call. A tool call id already present is ignored.
func (s *Store) AddToolCall(projectID, id string, tc model.ToolCall) bool {
	return s.mutate(projectID, id, func(m *model.Message) bool {
		for _, existing := range m.ToolCalls {
			if existing.ID == tc.ID {
				return false
			}
		}
		m.ToolCalls = append(m.ToolCalls, tc)
		return true
	})
}

// MarkToolCallDone marks one tool call done. Unknown tool call ids are a no-op.
func (s *Store) MarkToolCallDone(projectID, id, toolCallID string) bool {
	return s.mutate(projectID, id, func(m *model.Message) bool {
		for i := range m.ToolCalls {
			if m.ToolCalls[i].ID == toolCallID {
				m.ToolCalls[i].Done = true
				return true
			}
		}
		return false
	})
}

// SetSpeaker sets the message speaker.
func (s *Store) SetSpeaker(projectID, id, speaker string) bool {
	return s.mutate(projectID, id, func(m *model.Message) bool {
		m.Speaker = speaker
		return true
	})
}

// SetPageContext sets the page-context label shown with the message.
func (s *Store) SetPageContext(projectID, id, label string) bool {
	return s.mutate(projectID, id, func(m *model.Message) bool {
		m.PageContext = label
		return true
	})
}

// Remove deletes a message. Reserved for placeholders that turned out to be
// unneeded; nothing is written to the backend.
func (s *Store) Remove(projectID, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		return false
	}
	i, ok := p.index[id]
	if !ok {
		return false
	}
	p.messages = append(p.messages[:i], p.messages[i+1:]...)
	p.reindex()
	return true
}

// FinalizeStreaming closes a streaming message: all tool calls are marked
// done, the streaming flag is cleared and the message is persisted for the
// first time. A message that is not streaming is left untouched.
func (s *Store) FinalizeStreaming(projectID, id string) bool {
	return s.mutate(projectID, id, func(m *model.Message) bool {
		if !m.Streaming {
			return false
		}
		for i := range m.ToolCalls {
			m.ToolCalls[i].Done = true
		}
		m.Streaming = false
		return true
	})
}

// activityIndex locates the activity entry: the stable id first, else the
// last activity note carried over from a loaded log under an older id.
func (p *projectLog) activityIndex(id string) (int, bool) {
	if i, ok := p.index[id]; ok {
		return i, true
	}
	for i := len(p.messages) - 1; i >= 0; i-- {
		if p.messages[i].Kind == model.KindActivity {
			return i, true
		}
	}
	return 0, false
}

// ActivityID is the stable id of a project's single activity note.
func ActivityID(projectID string) string {
	return "activity-" + projectID
}

// AddActivity records passive navigation. Repeated calls collapse onto one
// entry with a stable id: wherever that entry sits it is updated in place,
// otherwise it is appended. Plain Append would reject the update once the
// id exists.
func (s *Store) AddActivity(projectID, content, route string) {
	id := ActivityID(projectID)
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.project(projectID)
	if i, ok := p.activityIndex(id); ok {
		m := &p.messages[i]
		m.Content = content
		m.Route = route
		m.Timestamp = now
		s.persist(*m)
		return
	}
	msg := model.Message{
		ID:        id,
		ProjectID: projectID,
		Kind:      model.KindActivity,
		Content:   content,
		Route:     route,
		Timestamp: now,
	}
	p.index[id] = len(p.messages)
	p.messages = append(p.messages, msg)
	s.persist(msg)
}

func (s *Store) persist(msg model.Message) {
	if s.persister == nil {
		return
	}
	s.persister.Enqueue(msg.Clone())
}
