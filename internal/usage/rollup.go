// Package usage publishes periodic roll-ups of durable usage records, so
// observers get daily totals without querying sqlite themselves.
package usage

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atelierhq/atelier/internal/eventbus"
	"github.com/atelierhq/atelier/internal/state"
)

// activityWindow selects which projects a roll-up covers: anything with
// usage in the last week.
const activityWindow = 7 * 24 * time.Hour

// Rollup queries daily totals on a cron schedule and publishes one budget
// event per recently active project.
type Rollup struct {
	store *state.Store
	bus   *eventbus.Bus
	cron  *cron.Cron
	now   func() time.Time
}

func NewRollup(store *state.Store, bus *eventbus.Bus) *Rollup {
	return &Rollup{
		store: store,
		bus:   bus,
		cron:  cron.New(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Start schedules the roll-up. The spec string uses standard five-field
// cron syntax.
func (r *Rollup) Start(ctx context.Context, spec string) error {
	_, err := r.cron.AddFunc(spec, func() {
		r.Publish(ctx)
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

func (r *Rollup) Stop() {
	<-r.cron.Stop().Done()
}

// Publish emits one daily-totals event per active project. Callable
// directly, outside the schedule.
func (r *Rollup) Publish(ctx context.Context) {
	now := r.now()
	projects, err := r.store.ActiveUsageProjects(ctx, now.Add(-activityWindow))
	if err != nil {
		log.Printf("usage: list active projects: %v", err)
		return
	}
	dayStart := now.Truncate(24 * time.Hour)
	for _, projectID := range projects {
		totals, err := r.store.Usage(ctx, projectID, dayStart, now)
		if err != nil {
			log.Printf("usage: roll up project %s: %v", projectID, err)
			continue
		}
		r.bus.Publish(eventbus.Event{
			Stream:    eventbus.StreamBudget,
			ProjectID: projectID,
			Subject:   "rollup",
			Payload: map[string]any{
				"day":                dayStart.Format("2006-01-02"),
				"input_tokens":       totals.InputTokens,
				"output_tokens":      totals.OutputTokens,
				"cache_read_tokens":  totals.CacheReadTokens,
				"cache_write_tokens": totals.CacheWriteTokens,
				"cost_usd":           totals.CostUSD,
				"events":             totals.Events,
			},
		})
	}
}
