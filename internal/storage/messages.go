package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/console/internal/model"
)

// ListMessages returns a project's conversation log in display order.
func (db *DB) ListMessages(ctx context.Context, projectID string) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, project_id, kind, content, ts, speaker, actions, preflight,
		        needs_action, tool_calls, route, page_context
		 FROM timeline_messages WHERE project_id = $1 ORDER BY seq`, projectID)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	return msgs, nil
}

func scanMessage(row pgx.CollectableRow) (model.Message, error) {
	var (
		m                  model.Message
		actions, toolCalls []byte
		preflight          []byte
	)
	if err := row.Scan(&m.ID, &m.ProjectID, &m.Kind, &m.Content, &m.Timestamp, &m.Speaker,
		&actions, &preflight, &m.NeedsAction, &toolCalls, &m.Route, &m.PageContext); err != nil {
		return model.Message{}, err
	}
	if err := json.Unmarshal(actions, &m.Actions); err != nil {
		return model.Message{}, fmt.Errorf("decode actions of %s: %w", m.ID, err)
	}
	if err := json.Unmarshal(toolCalls, &m.ToolCalls); err != nil {
		return model.Message{}, fmt.Errorf("decode tool calls of %s: %w", m.ID, err)
	}
	if preflight != nil {
		if err := json.Unmarshal(preflight, &m.Preflight); err != nil {
			return model.Message{}, fmt.Errorf("decode preflight of %s: %w", m.ID, err)
		}
	}
	if len(m.Actions) == 0 {
		m.Actions = nil
	}
	if len(m.ToolCalls) == 0 {
		m.ToolCalls = nil
	}
	return m, nil
}

// UpsertMessage inserts msg or overwrites the stored row with the same
// (project_id, id). The row keeps its original position in the log.
func (db *DB) UpsertMessage(ctx context.Context, msg model.Message) error {
	actions, err := json.Marshal(nonNil(msg.Actions))
	if err != nil {
		return fmt.Errorf("storage: upsert message: encode actions: %w", err)
	}
	toolCalls, err := json.Marshal(nonNil(msg.ToolCalls))
	if err != nil {
		return fmt.Errorf("storage: upsert message: encode tool calls: %w", err)
	}
	var preflight []byte
	if msg.Preflight != nil {
		if preflight, err = json.Marshal(msg.Preflight); err != nil {
			return fmt.Errorf("storage: upsert message: encode preflight: %w", err)
		}
	}

	err = WithRetry(ctx, db.retries, db.retryDelay, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO timeline_messages (project_id, id, kind, content, ts, speaker, actions, preflight,
			                                needs_action, tool_calls, route, page_context)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (project_id, id) DO UPDATE SET
			     kind = EXCLUDED.kind, content = EXCLUDED.content, ts = EXCLUDED.ts,
			     speaker = EXCLUDED.speaker, actions = EXCLUDED.actions, preflight = EXCLUDED.preflight,
			     needs_action = EXCLUDED.needs_action, tool_calls = EXCLUDED.tool_calls,
			     route = EXCLUDED.route, page_context = EXCLUDED.page_context, updated_at = now()`,
			msg.ProjectID, msg.ID, string(msg.Kind), msg.Content, msg.Timestamp, msg.Speaker,
			actions, preflight, msg.NeedsAction, toolCalls, msg.Route, msg.PageContext,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: upsert message %s: %w", msg.ID, err)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
