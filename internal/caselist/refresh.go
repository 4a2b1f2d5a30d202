package caselist

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@hourly" or "@every 5m".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Refresher runs a reload on a cron schedule.
type Refresher struct {
	reload func(context.Context) error
	sched  cron.Schedule
	log    *zap.Logger
}

// NewRefresher creates a Refresher that calls reload at every fire time of
// expr.
func NewRefresher(expr string, reload func(context.Context) error, log *zap.Logger) (*Refresher, error) {
	if reload == nil {
		return nil, fmt.Errorf("caselist: reload func is required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("caselist: parse refresh schedule %q: %w", expr, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Refresher{reload: reload, sched: sched, log: log}, nil
}

// Run reloads on every fire time until ctx is cancelled. Reload failures
// are logged and the schedule continues.
func (r *Refresher) Run(ctx context.Context) {
	for {
		wait := time.Until(r.sched.Next(time.Now()))
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := r.reload(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("scheduled case reload failed", zap.Error(err))
			continue
		}
		r.log.Debug("scheduled case reload done")
	}
}
