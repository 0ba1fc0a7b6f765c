package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"smacross/internal/models"
	"smacross/internal/risk"
)

// processEvents is the single bus consumer. It is the only place strategy,
// risk and order-manager calls happen in response to bar and exit events;
// that serialization is what keeps the position map race-free with the
// exit-manager tick.
func (o *Orchestrator) processEvents(ctx context.Context) error {
	ch := o.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			o.dispatch(ctx, ev)
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, ev models.Event) {
	switch e := ev.(type) {
	case models.BarEvent:
		o.handleBar(ctx, e)
	case models.ExitSignalEvent:
		o.handleExit(ctx, e)
	case models.OrderUpdateEvent:
		o.handleOrderUpdate(ctx, e)
	case models.SignalEvent, models.OrderIntentEvent:
		// Informational; the producers already persisted what matters.
	default:
		o.logger.Printf("Unhandled event kind %q", ev.Kind())
	}
}

func (o *Orchestrator) handleBar(ctx context.Context, bar models.BarEvent) {
	o.history.Append(bar)

	halted, err := o.store.TradingHalted()
	if err != nil {
		o.logger.Printf("Reading trading_halted: %v", err)
		return
	}
	if halted {
		// Entries stay off while the reconciler flag is set; exits keep
		// flowing through the exit manager.
		return
	}
	if !o.history.HasSufficient(bar.Symbol, o.strat.RequiredHistory()) {
		return
	}

	signals, err := o.strat.OnBar(bar.Symbol, o.history.Get(bar.Symbol))
	if err != nil {
		o.logger.Printf("%s: strategy evaluation failed: %v", bar.Symbol, err)
		return
	}
	for _, sig := range signals {
		o.processSignal(ctx, sig, &bar)
	}
}

func (o *Orchestrator) processSignal(ctx context.Context, sig models.SignalEvent, lastBar *models.BarEvent) {
	decision, err := o.risk.CheckSignal(ctx, sig, lastBar)
	switch {
	case errors.Is(err, risk.ErrRefused):
		o.metrics.SignalsRefused.Inc()
		o.logger.Printf("%s: %s signal refused: %v", sig.Symbol, sig.Type, err)
		return
	case err != nil:
		o.logger.Printf("%s: risk check failed: %v", sig.Symbol, err)
		return
	case decision == risk.Skip:
		o.metrics.SignalsSkipped.Inc()
		return
	}

	submitted, err := o.orders.HandleSignal(ctx, sig)
	if err != nil {
		o.metrics.OrdersFailed.Inc()
		o.logger.Printf("%s: order submission failed: %v", sig.Symbol, err)
		return
	}
	if !submitted {
		return
	}
	o.metrics.SignalsAccepted.Inc()
	o.bumpDailyTradeCount()
}

func (o *Orchestrator) bumpDailyTradeCount() {
	count, err := o.store.GetDailyTradeCount()
	if err != nil {
		o.logger.Printf("Reading daily trade count: %v", err)
		return
	}
	if err := o.store.SaveDailyTradeCount(count + 1); err != nil {
		o.logger.Printf("Saving daily trade count: %v", err)
	}
}

// handleExit routes an exit signal through the tier-1 safety check and the
// order manager. On any failure the pending flag is cleared so the next
// exit-manager tick retries.
func (o *Orchestrator) handleExit(ctx context.Context, ev models.ExitSignalEvent) {
	if err := o.risk.CheckExitOrder(ctx); err != nil {
		o.logger.Printf("%s: exit blocked: %v", ev.Symbol, err)
		o.clearPendingExit(ev.Symbol)
		return
	}
	submitted, err := o.orders.SubmitExit(ctx, ev)
	if err != nil {
		o.metrics.OrdersFailed.Inc()
		o.logger.Printf("%s: exit submission failed: %v", ev.Symbol, err)
		o.clearPendingExit(ev.Symbol)
		return
	}
	if !submitted {
		// Duplicate intent; the earlier submission is already in flight.
		return
	}
	o.metrics.ExitSignals.WithLabelValues(string(ev.Reason), string(ev.Side)).Inc()
	o.notifier.Info(ctx, "Exit submitted",
		fmt.Sprintf("%s %s %s (%s, pnl %.2f / %.2f%%)",
			ev.Side, ev.Qty, ev.Symbol, ev.Reason, ev.PnlAmount, ev.PnlPct*100))
}

func (o *Orchestrator) clearPendingExit(symbol string) {
	if err := o.tracker.SetPendingExit(symbol, false); err != nil {
		o.logger.Printf("%s: clearing pending_exit: %v", symbol, err)
	}
}

// handleOrderUpdate records fill deltas into the trade ledger and, on a
// terminal fill, settles the position side of the book: a closing fill
// realizes P&L and stops tracking; an untracked fill is a fresh entry.
func (o *Orchestrator) handleOrderUpdate(ctx context.Context, ev models.OrderUpdateEvent) {
	if ev.DeltaQty.IsPositive() {
		price := 0.0
		if ev.CumAvgPrice != nil {
			price = *ev.CumAvgPrice
		}
		if _, err := o.store.RecordTrade(ev.Timestamp, ev.Symbol, ev.Side, ev.DeltaQty,
			price, ev.BrokerOrderID, ev.ClientOrderID, ev.FillID); err != nil {
			o.logger.Printf("%s: recording trade: %v", ev.Symbol, err)
		}
	}

	if ev.Status != models.OrderStatusFilled {
		return
	}
	p, tracked := o.tracker.Get(ev.Symbol)
	switch {
	case tracked && ev.Side == p.Side.ClosingSide():
		o.settleExitFill(ctx, p, ev)
	case !tracked:
		o.adoptEntryFill(ev)
	default:
		// Same-side fill on a tracked symbol. The strategy never scales
		// in, so this is an external order; reconciliation will flag any
		// resulting qty drift.
		o.logger.Printf("%s: ignoring same-side fill on tracked position", ev.Symbol)
	}
}

func (o *Orchestrator) settleExitFill(ctx context.Context, p *models.Position, ev models.OrderUpdateEvent) {
	exitPrice := p.EntryPrice
	if ev.CumAvgPrice != nil {
		exitPrice = *ev.CumAvgPrice
	}
	amount, pct := o.tracker.CalculatePnl(ev.Symbol, exitPrice)

	pnl, err := o.store.GetDailyPnl()
	if err != nil {
		o.logger.Printf("Reading daily pnl: %v", err)
	} else if err := o.store.SaveDailyPnl(pnl + amount); err != nil {
		o.logger.Printf("Saving daily pnl: %v", err)
	}
	if err := o.tracker.StopTracking(ev.Symbol); err != nil {
		o.logger.Printf("%s: stop tracking: %v", ev.Symbol, err)
	}
	o.notifier.Info(ctx, "Position closed",
		fmt.Sprintf("%s %s %s @ %.4f, pnl %.2f (%.2f%%)",
			ev.Side, p.Qty, ev.Symbol, exitPrice, amount, pct*100))
}

func (o *Orchestrator) adoptEntryFill(ev models.OrderUpdateEvent) {
	if !ev.CumFilledQty.IsPositive() {
		return
	}
	side := models.PositionLong
	if ev.Side == models.SideSell {
		side = models.PositionShort
	}
	entryPrice := 0.0
	if ev.CumAvgPrice != nil {
		entryPrice = *ev.CumAvgPrice
	}
	var atr *float64
	if intent, err := o.store.GetOrderIntent(ev.ClientOrderID); err == nil && intent != nil {
		atr = intent.ATR
	}
	if err := o.tracker.StartTracking(ev.Symbol, entryPrice, ev.CumFilledQty, side, atr); err != nil {
		o.logger.Printf("%s: start tracking: %v", ev.Symbol, err)
	}
}
