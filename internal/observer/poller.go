package observer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/console/internal/model"
)

// DefaultPollInterval is used when a Poller is created with interval <= 0.
const DefaultPollInterval = 2 * time.Second

// Poller feeds an Observer from a RunSource at a fixed interval.
type Poller struct {
	source   RunSource
	observer *Observer
	interval time.Duration
	logger   *slog.Logger
	wake     <-chan string
}

// NewPoller creates a Poller.
func NewPoller(source RunSource, observer *Observer, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{source: source, observer: observer, interval: interval, logger: logger}
}

// WithWake makes the poller poll immediately whenever the active run's id
// arrives on wake, in addition to the fixed interval.
func (p *Poller) WithWake(wake <-chan string) *Poller {
	p.wake = wake
	return p
}

// Run polls until the observer has no active run or ctx is cancelled. The
// first poll happens immediately. Fetch failures are logged and retried
// on the next tick.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if !p.PollOnce(ctx) {
			return nil
		}
		if err := p.wait(ctx, ticker.C); err != nil {
			return err
		}
	}
}

// wait returns on the next tick or on a wake for the active run. Wakes for
// other runs are skipped.
func (p *Poller) wait(ctx context.Context, tick <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			return nil
		case runID, ok := <-p.wake:
			if !ok {
				p.wake = nil
				continue
			}
			if _, active, _ := p.observer.ActiveRun(); runID == active {
				return nil
			}
			p.logger.Debug("observer: skipping wake for another run", "run_id", runID)
		}
	}
}

// PollOnce fetches and observes the active run once. It reports whether a
// run is still active afterwards.
func (p *Poller) PollOnce(ctx context.Context) bool {
	projectID, runID, ok := p.observer.ActiveRun()
	if !ok {
		return false
	}

	snap, events, err := p.fetch(ctx, runID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Warn("observer: poll failed", "project_id", projectID, "run_id", runID, "error", err)
		}
		return true
	}
	if snap.RunID == "" {
		snap.RunID = runID
	}
	if snap.ProjectID == "" {
		snap.ProjectID = projectID
	}
	p.observer.Observe(ctx, snap, events)

	_, _, ok = p.observer.ActiveRun()
	return ok
}

// fetch reads the snapshot and event feed concurrently.
func (p *Poller) fetch(ctx context.Context, runID string) (snap model.RunSnapshot, events []model.RunEvent, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snap, err = p.source.GetRunSnapshot(gctx, runID)
		return err
	})
	g.Go(func() error {
		var err error
		events, err = p.source.ListRunEvents(gctx, runID)
		return err
	})
	err = g.Wait()
	return snap, events, err
}
