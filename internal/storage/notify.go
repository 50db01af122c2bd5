package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ChannelRuns carries the id of a run whose snapshot or event feed changed.
const ChannelRuns = "console_runs"

// Listen starts listening on channel using the dedicated notify connection.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// Notify sends a notification on channel.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

// RunUpdates listens on ChannelRuns and delivers changed run ids until ctx
// is cancelled. Ids are dropped rather than queued when the reader lags;
// pollers only need to know that something changed.
func (db *DB) RunUpdates(ctx context.Context) (<-chan string, error) {
	if err := db.Listen(ctx, ChannelRuns); err != nil {
		return nil, err
	}
	out := make(chan string, 16)
	go func() {
		defer close(out)
		for {
			n, err := db.notifyConn.WaitForNotification(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					db.logger.Warn("storage: run updates stopped", "error", err)
				}
				return
			}
			select {
			case out <- n.Payload:
			default:
			}
		}
	}()
	return out, nil
}
