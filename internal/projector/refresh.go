package projector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Ensurer is satisfied by *Projector.
type Ensurer interface {
	Ensure(ctx context.Context) error
}

// Refresher re-runs the projector on a cron schedule so that resource names
// first seen after startup become pivot columns.
type Refresher struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewRefresher schedules target.Ensure. Runs never overlap; a tick that
// fires while the previous run is still going is skipped.
func NewRefresher(ctx context.Context, schedule string, target Ensurer, logger *slog.Logger) (*Refresher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(schedule, func() {
		if err := target.Ensure(ctx); err != nil && ctx.Err() == nil {
			logger.Error("view refresh failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule view refresh %q: %w", schedule, err)
	}
	return &Refresher{cron: c, logger: logger}, nil
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running refresh to finish.
func (r *Refresher) Run(ctx context.Context) error {
	r.cron.Start()
	r.logger.Info("view refresher started", "next", r.cron.Entries()[0].Next)
	<-ctx.Done()
	<-r.cron.Stop().Done()
	return nil
}
