package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/console/internal/model"
)

// GetRunSnapshot returns the latest snapshot of a run.
func (db *DB) GetRunSnapshot(ctx context.Context, runID string) (model.RunSnapshot, error) {
	var (
		snap                          model.RunSnapshot
		stageOrder, stages, artifacts []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, project_id, recipe_id, stage_order, stages, artifact_types, background_error, finished_at
		 FROM pipeline_runs WHERE id = $1`, runID,
	).Scan(&snap.RunID, &snap.ProjectID, &snap.RecipeID, &stageOrder, &stages, &artifacts,
		&snap.BackgroundError, &snap.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RunSnapshot{}, fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
		}
		return model.RunSnapshot{}, fmt.Errorf("storage: get run snapshot: %w", err)
	}
	if err := errors.Join(
		json.Unmarshal(stageOrder, &snap.StageOrder),
		json.Unmarshal(stages, &snap.Stages),
		json.Unmarshal(artifacts, &snap.ArtifactTypes),
	); err != nil {
		return model.RunSnapshot{}, fmt.Errorf("storage: decode run %s: %w", runID, err)
	}
	return snap, nil
}

// PutRunSnapshot stores the latest snapshot of a run and notifies listeners.
func (db *DB) PutRunSnapshot(ctx context.Context, snap model.RunSnapshot) error {
	stageOrder, err := json.Marshal(nonNil(snap.StageOrder))
	if err != nil {
		return fmt.Errorf("storage: put run snapshot: %w", err)
	}
	stages, err := json.Marshal(snap.Stages)
	if err != nil {
		return fmt.Errorf("storage: put run snapshot: %w", err)
	}
	artifacts, err := json.Marshal(snap.ArtifactTypes)
	if err != nil {
		return fmt.Errorf("storage: put run snapshot: %w", err)
	}
	if snap.Stages == nil {
		stages = []byte(`{}`)
	}
	if snap.ArtifactTypes == nil {
		artifacts = []byte(`{}`)
	}

	err = pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO pipeline_runs (id, project_id, recipe_id, stage_order, stages, artifact_types, background_error, finished_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (id) DO UPDATE SET
			     stage_order = EXCLUDED.stage_order, stages = EXCLUDED.stages,
			     artifact_types = EXCLUDED.artifact_types, background_error = EXCLUDED.background_error,
			     finished_at = EXCLUDED.finished_at, updated_at = now()`,
			snap.RunID, snap.ProjectID, snap.RecipeID, stageOrder, stages, artifacts,
			snap.BackgroundError, snap.FinishedAt,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", ChannelRuns, snap.RunID)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: put run snapshot %s: %w", snap.RunID, err)
	}
	return nil
}

// ListRunEvents returns a run's full event feed, oldest first. Positions in
// the returned slice are stable across calls.
func (db *DB) ListRunEvents(ctx context.Context, runID string) ([]model.RunEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT event, stage_id, retry_delay_seconds, to_model, error, ts
		 FROM pipeline_run_events WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list run events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.RunEvent, error) {
		var e model.RunEvent
		err := row.Scan(&e.Event, &e.StageID, &e.RetryDelaySeconds, &e.ToModel, &e.Error, &e.Timestamp)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list run events: %w", err)
	}
	return events, nil
}

// AppendRunEvent adds an event to the end of a run's feed and notifies listeners.
func (db *DB) AppendRunEvent(ctx context.Context, runID string, e model.RunEvent) error {
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO pipeline_run_events (run_id, event, stage_id, retry_delay_seconds, to_model, error, ts)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			runID, string(e.Event), e.StageID, e.RetryDelaySeconds, e.ToModel, e.Error, e.Timestamp,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", ChannelRuns, runID)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: append run event: %w", err)
	}
	return nil
}
