package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dotsetgreg/dotrag/pkg/logger"
)

// Sweep expires idle conversations at now and returns how many expired.
func (e *Engine) Sweep(now time.Time) int {
	n := e.store.ExpireIdle(now)
	e.metrics.RecordExpired(n)
	e.metrics.SetActiveConversations(e.store.Active())
	return n
}

// RunSweeper runs Sweep on the cron schedule until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context, schedule string) error {
	if !gronx.New().IsValid(schedule) {
		return fmt.Errorf("invalid sweep schedule %q", schedule)
	}
	logger.InfoCF("conversation", "Idle sweeper started", map[string]any{
		"schedule":     schedule,
		"idle_timeout": e.store.IdleTimeout().String(),
	})
	for {
		next, err := gronx.NextTickAfter(schedule, e.now(), false)
		if err != nil {
			return fmt.Errorf("next sweep: %w", err)
		}
		timer := time.NewTimer(next.Sub(e.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		e.Sweep(e.now())
	}
}
