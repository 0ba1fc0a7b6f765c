package orchestrator

import (
	"context"
	"time"

	"smacross/internal/models"
)

const shutdownTimeout = 30 * time.Second

// Shutdown flattens the book and releases resources. The runtime loops are
// already stopped by context cancellation before Run calls this. A second
// invocation is a no-op.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()

		o.logger.Printf("Shutting down")
		o.cancelOpenOrders(ctx)
		o.flattenPositions(ctx)
		o.bus.Stop()
		if err := o.store.Close(); err != nil {
			o.logger.Printf("Closing state store: %v", err)
		}
		o.logger.Printf("Shutdown complete")
	})
}

func (o *Orchestrator) cancelOpenOrders(ctx context.Context) {
	open, err := o.adapter.GetOpenOrders(ctx)
	if err != nil {
		o.logger.Printf("Listing open orders for cancellation: %v", err)
		return
	}
	for _, order := range open {
		if err := o.adapter.CancelOrder(ctx, order.ID); err != nil {
			o.logger.Printf("%s: cancelling order %s: %v", order.Symbol, order.ID, err)
			continue
		}
		o.logger.Printf("%s: cancelled open order %s", order.Symbol, order.ID)
	}
}

// flattenPositions submits a market order against every tracked position.
// Per-symbol failures are logged and do not stop the sweep; whatever is
// left is adopted by the next startup's reconciliation.
func (o *Orchestrator) flattenPositions(ctx context.Context) {
	tracked := o.tracker.List()
	if len(tracked) == 0 {
		return
	}
	o.logger.Printf("Flattening %d positions", len(tracked))
	failures := 0
	for _, p := range tracked {
		exit := models.ExitSignalEvent{
			Symbol:     p.Symbol,
			Side:       p.Side.ClosingSide(),
			Qty:        p.Qty,
			Reason:     models.ExitReasonShutdown,
			EntryPrice: p.EntryPrice,
			Timestamp:  time.Now().UTC(),
		}
		if _, err := o.orders.SubmitExit(ctx, exit); err != nil {
			failures++
			o.logger.Printf("%s: flatten failed: %v", p.Symbol, err)
		}
	}
	if failures > 0 {
		o.notifier.Critical(ctx, "Shutdown flatten incomplete",
			"some positions could not be flattened; run reconciliation before restarting")
	}
}
