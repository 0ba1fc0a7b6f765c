package orchestrator

import (
	"context"
	"time"
)

const housekeepingInterval = time.Minute

var newYork = loadNewYork()

func loadNewYork() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// Fallback for minimal containers
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// housekeeping runs the once-a-minute chores: the 09:30 ET daily counter
// reset, account-equity sampling, and metric gauge refreshes.
func (o *Orchestrator) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.maybeResetDaily(time.Now())
			o.sampleEquity(ctx)
			o.refreshGauges()
		}
	}
}

// maybeResetDaily clears the per-day P&L and trade counters once per
// calendar day, at or after the 09:30 ET open. Crypto trades around the
// clock but shares the session boundary; a single reset point keeps the
// daily-loss limit unambiguous.
func (o *Orchestrator) maybeResetDaily(now time.Time) {
	et := now.In(newYork)
	open := time.Date(et.Year(), et.Month(), et.Day(), 9, 30, 0, 0, newYork)
	if et.Before(open) {
		return
	}
	today := et.Format("2006-01-02")
	last, err := o.store.DailyResetDate()
	if err != nil {
		o.logger.Printf("Reading daily reset date: %v", err)
		return
	}
	if last == today {
		return
	}
	if err := o.store.ResetDailyState(today); err != nil {
		o.logger.Printf("Daily reset failed: %v", err)
		return
	}
	o.logger.Printf("Daily counters reset for %s", today)
}

func (o *Orchestrator) sampleEquity(ctx context.Context) {
	account, err := o.adapter.GetAccount(ctx)
	if err != nil {
		o.logger.Printf("Sampling account equity: %v", err)
		return
	}
	if err := o.store.SaveEquityPoint(time.Now().UTC(), account.Equity.InexactFloat64()); err != nil {
		o.logger.Printf("Saving equity point: %v", err)
	}
}

func (o *Orchestrator) refreshGauges() {
	if pnl, err := o.store.GetDailyPnl(); err == nil {
		o.metrics.DailyPnl.Set(pnl)
	}
	o.metrics.OpenPositions.Set(float64(o.tracker.Count()))
	o.metrics.BusDepth.Set(float64(o.bus.Size()))
	o.metrics.BusDropped.Set(float64(o.bus.DroppedCount()))
}
