// Package reconcile compares local order/position state against the broker.
// At startup a discrepancy refuses the launch; at runtime it halts trading
// until a clean pass.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"smacross/internal/broker"
	"smacross/internal/models"
	"smacross/internal/storage"
)

// ErrDiscrepancy is returned by RunStartup when local and broker state
// disagree. The engine must not start on top of it.
var ErrDiscrepancy = errors.New("reconciliation discrepancy")

// degradedThreshold is the consecutive broker-failure count at which the
// reconciler stops halting trading and only warns.
const degradedThreshold = 3

const qtyTolerance = 1e-4

// Store is the persistence surface the reconciler needs.
type Store interface {
	ListOrderIntents() ([]models.OrderIntent, error)
	UpdateOrderIntentCumulative(brokerOrderID string, status models.OrderStatus,
		newCumQty decimal.Decimal, cumAvgPrice *float64, ts time.Time) error
	ListWorkingOrderIntents() ([]models.OrderIntent, error)
	LoadPositions() ([]models.Position, error)
	SavePositionsSnapshot(rows []storage.SnapshotRow) error
	InsertReconciliationReport(report *storage.ReconciliationReport) error
	SetTradingHalted(halted bool) error
	SetBrokerHealth(health models.BrokerHealth) error
	SetReconcilerLastCheck(ts time.Time) error
	ReconcilerFailures() (int, error)
	SetReconcilerFailures(count int) error
}

// Broker is the broker surface the reconciler reads.
type Broker interface {
	GetOpenOrders(ctx context.Context) ([]broker.Order, error)
	GetOrder(ctx context.Context, orderID string) (*broker.Order, error)
	GetPositions(ctx context.Context) ([]broker.Position, error)
}

// Tracker is the in-memory position surface used for runtime repairs. It
// is nil during startup reconciliation, which runs before the tracker is
// loaded.
type Tracker interface {
	List() []*models.Position
	SetPendingExit(symbol string, pending bool) error
}

// Config tunes the reconciler.
type Config struct {
	Interval        time.Duration
	ErrorReportPath string
}

// Reconciler runs the four-rule comparison.
type Reconciler struct {
	cfg     Config
	store   Store
	broker  Broker
	tracker Tracker
	logger  *log.Logger
	now     func() time.Time

	consecutiveFailures int
}

// New creates a reconciler. tracker may be nil until the runtime phase.
func New(cfg Config, store Store, brokerage Broker, tracker Tracker, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 120 * time.Second
	}
	if cfg.ErrorReportPath == "" {
		cfg.ErrorReportPath = "data/reconciliation_error.json"
	}
	r := &Reconciler{
		cfg:     cfg,
		store:   store,
		broker:  brokerage,
		tracker: tracker,
		logger:  logger,
		now:     time.Now,
	}
	// The failure count is persisted so a restart mid-outage keeps the
	// degraded countdown instead of starting over.
	failures, err := store.ReconcilerFailures()
	if err != nil {
		logger.Printf("Loading reconciler failure count failed: %v", err)
	}
	r.consecutiveFailures = failures
	return r
}

// SetTracker installs the position tracker once the trading layer exists.
func (r *Reconciler) SetTracker(tracker Tracker) { r.tracker = tracker }

type finding = map[string]interface{}

func newFinding(kind string, fields finding) finding {
	f := finding{"id": uuid.NewString(), "kind": kind}
	for k, v := range fields {
		f[k] = v
	}
	return f
}

// RunStartup performs the one-shot pre-launch check. Any discrepancy is
// written to the error-report path and returned as ErrDiscrepancy; a clean
// pass snapshots the broker's positions.
func (r *Reconciler) RunStartup(ctx context.Context) error {
	started := r.now()
	discrepancies, err := r.compare(ctx, nil)
	if err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	report := &storage.ReconciliationReport{
		Timestamp:        started,
		Duration:         r.now().Sub(started),
		DiscrepancyCount: len(discrepancies),
		Discrepancies:    discrepancies,
	}

	if len(discrepancies) > 0 {
		report.Status = "discrepancy"
		if err := r.store.InsertReconciliationReport(report); err != nil {
			r.logger.Printf("Persisting startup reconciliation report failed: %v", err)
		}
		if err := r.writeErrorReport(discrepancies); err != nil {
			r.logger.Printf("Writing %s failed: %v", r.cfg.ErrorReportPath, err)
		}
		return fmt.Errorf("%d discrepancies, report at %s: %w",
			len(discrepancies), r.cfg.ErrorReportPath, ErrDiscrepancy)
	}

	count, err := r.snapshotBrokerPositions(ctx)
	if err != nil {
		return err
	}

	report.Status = "clean"
	report.Duration = r.now().Sub(started)
	if err := r.store.InsertReconciliationReport(report); err != nil {
		r.logger.Printf("Persisting startup reconciliation report failed: %v", err)
	}
	r.logger.Printf("Startup reconciliation clean, %d broker positions snapshotted", count)
	return nil
}

// snapshotBrokerPositions appends the broker's current positions to the
// audit table.
func (r *Reconciler) snapshotBrokerPositions(ctx context.Context) (int, error) {
	positions, err := r.broker.GetPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("snapshotting broker positions: %w", err)
	}
	rows := make([]storage.SnapshotRow, 0, len(positions))
	for _, p := range positions {
		entry, _ := p.AvgEntryPrice.Float64()
		rows = append(rows, storage.SnapshotRow{
			Symbol:        p.Symbol,
			Qty:           p.Qty,
			AvgEntryPrice: &entry,
			CurrentPrice:  p.CurrentPrice,
		})
	}
	if err := r.store.SavePositionsSnapshot(rows); err != nil {
		return 0, fmt.Errorf("saving positions snapshot: %w", err)
	}
	return len(rows), nil
}

// Run loops RunOnce until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs one runtime pass: the four comparison rules plus
// stuck-pending-exit repair. Discrepancies halt trading; a later clean
// pass clears the halt.
func (r *Reconciler) RunOnce(ctx context.Context) {
	started := r.now()
	if err := r.store.SetReconcilerLastCheck(started); err != nil {
		r.logger.Printf("Stamping reconciler last check failed: %v", err)
	}
	var repairs []finding
	discrepancies, err := r.compare(ctx, &repairs)
	if err != nil {
		r.consecutiveFailures++
		r.logger.Printf("Reconciliation pass failed (%d consecutive): %v", r.consecutiveFailures, err)
		if err := r.store.SetReconcilerFailures(r.consecutiveFailures); err != nil {
			r.logger.Printf("Persisting reconciler failure count failed: %v", err)
		}
		if r.consecutiveFailures >= degradedThreshold {
			if err := r.store.SetBrokerHealth(models.BrokerDegraded); err != nil {
				r.logger.Printf("Marking broker degraded failed: %v", err)
			}
		}
		r.persistReport(&storage.ReconciliationReport{
			Timestamp: started,
			Status:    "error",
			Duration:  r.now().Sub(started),
		})
		return
	}

	if r.consecutiveFailures > 0 {
		r.consecutiveFailures = 0
		if err := r.store.SetReconcilerFailures(0); err != nil {
			r.logger.Printf("Persisting reconciler failure count failed: %v", err)
		}
		if err := r.store.SetBrokerHealth(models.BrokerHealthy); err != nil {
			r.logger.Printf("Clearing broker health failed: %v", err)
		}
	}

	status := "clean"
	if len(discrepancies) > 0 {
		status = "discrepancy"
		r.logger.Printf("Reconciliation found %d discrepancies, halting trading", len(discrepancies))
		if err := r.store.SetTradingHalted(true); err != nil {
			r.logger.Printf("Setting trading halt failed: %v", err)
		}
	} else {
		if err := r.store.SetTradingHalted(false); err != nil {
			r.logger.Printf("Clearing trading halt failed: %v", err)
		}
		// Refresh the audit snapshot while the books agree.
		if _, err := r.snapshotBrokerPositions(ctx); err != nil {
			r.logger.Printf("Runtime snapshot failed: %v", err)
		}
	}

	r.persistReport(&storage.ReconciliationReport{
		Timestamp:        started,
		Status:           status,
		Duration:         r.now().Sub(started),
		DiscrepancyCount: len(discrepancies),
		RepairCount:      len(repairs),
		Discrepancies:    discrepancies,
		Repairs:          repairs,
	})
}

// compare applies the four rules. repairs is nil at startup; at runtime it
// collects pending-exit repairs.
func (r *Reconciler) compare(ctx context.Context, repairs *[]finding) ([]finding, error) {
	openOrders, err := r.broker.GetOpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching open orders: %w", err)
	}
	brokerPositions, err := r.broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}
	intents, err := r.store.ListOrderIntents()
	if err != nil {
		return nil, err
	}

	openByBrokerID := make(map[string]broker.Order, len(openOrders))
	for _, o := range openOrders {
		openByBrokerID[o.ID] = o
	}
	intentsByClientID := make(map[string]models.OrderIntent, len(intents))
	for _, in := range intents {
		intentsByClientID[in.ClientOrderID] = in
	}

	var discrepancies []finding

	for _, in := range intents {
		if in.BrokerOrderID == "" {
			continue
		}
		brokerOpen, isOpen := openByBrokerID[in.BrokerOrderID]

		switch {
		case in.Status.Working() && !isOpen:
			// The broker no longer lists it as open: a terminal transition
			// happened while we were away. Broker is authoritative here.
			order, err := r.broker.GetOrder(ctx, in.BrokerOrderID)
			if err != nil {
				return nil, fmt.Errorf("fetching order %s: %w", in.BrokerOrderID, err)
			}
			if !order.Status.Terminal() {
				discrepancies = append(discrepancies, newFinding("order_state_unclear", finding{
					"client_order_id": in.ClientOrderID,
					"broker_order_id": in.BrokerOrderID,
					"local_status":    string(in.Status),
					"broker_status":   string(order.Status),
				}))
				continue
			}
			if err := r.store.UpdateOrderIntentCumulative(in.BrokerOrderID, order.Status,
				order.FilledQty, order.FilledAvgPrice, r.now()); err != nil {
				return nil, err
			}
			r.logger.Printf("%s: silently updated %s to broker-terminal %s",
				in.Symbol, in.ClientOrderID, order.Status)

		case in.Status.Terminal() && isOpen:
			discrepancies = append(discrepancies, newFinding("terminal_but_open", finding{
				"client_order_id": in.ClientOrderID,
				"broker_order_id": in.BrokerOrderID,
				"local_status":    string(in.Status),
				"broker_status":   string(brokerOpen.Status),
			}))
		}
	}

	for _, o := range openOrders {
		if _, known := intentsByClientID[o.ClientOrderID]; !known {
			discrepancies = append(discrepancies, newFinding("order_not_in_sqlite", finding{
				"broker_order_id": o.ID,
				"client_order_id": o.ClientOrderID,
				"symbol":          o.Symbol,
				"side":            string(o.Side),
			}))
		}
	}

	discrepancies = append(discrepancies, r.comparePositions(brokerPositions)...)

	if repairs != nil && r.tracker != nil {
		r.repairStuckExits(brokerPositions, openOrders, repairs)
	}

	return discrepancies, nil
}

// comparePositions applies rule 4 against the persisted tracking rows.
func (r *Reconciler) comparePositions(brokerPositions []broker.Position) []finding {
	local, err := r.store.LoadPositions()
	if err != nil {
		r.logger.Printf("Loading local positions for comparison failed: %v", err)
		return nil
	}
	localBySymbol := make(map[string]models.Position, len(local))
	for _, p := range local {
		localBySymbol[p.Symbol] = p
	}

	var discrepancies []finding
	tolerance := decimal.NewFromFloat(qtyTolerance)
	for _, bp := range brokerPositions {
		lp, known := localBySymbol[bp.Symbol]
		if !known {
			discrepancies = append(discrepancies, newFinding("unknown_position", finding{
				"symbol":     bp.Symbol,
				"broker_qty": bp.Qty.String(),
			}))
			continue
		}
		if lp.Qty.Sub(bp.Qty.Abs()).Abs().GreaterThan(tolerance) {
			discrepancies = append(discrepancies, newFinding("position_qty_mismatch", finding{
				"symbol":     bp.Symbol,
				"local_qty":  lp.Qty.String(),
				"broker_qty": bp.Qty.String(),
			}))
		}
	}
	return discrepancies
}

// repairStuckExits clears pending_exit flags that can never complete: the
// position vanished at the broker, or no working exit order exists on
// either side.
func (r *Reconciler) repairStuckExits(brokerPositions []broker.Position,
	openOrders []broker.Order, repairs *[]finding) {

	atBroker := make(map[string]bool, len(brokerPositions))
	for _, p := range brokerPositions {
		atBroker[p.Symbol] = true
	}
	openForSymbol := make(map[string]bool, len(openOrders))
	for _, o := range openOrders {
		openForSymbol[o.Symbol] = true
	}
	working, err := r.store.ListWorkingOrderIntents()
	if err != nil {
		r.logger.Printf("Listing working intents for repair failed: %v", err)
		return
	}
	workingForSymbol := make(map[string]bool, len(working))
	for _, in := range working {
		workingForSymbol[in.Symbol] = true
	}

	for _, p := range r.tracker.List() {
		if !p.PendingExit {
			continue
		}
		gone := !atBroker[p.Symbol]
		noExitOrder := !openForSymbol[p.Symbol] && !workingForSymbol[p.Symbol]
		if !gone && !noExitOrder {
			continue
		}
		reason := "no_working_exit_order"
		if gone {
			reason = "position_gone_at_broker"
		}
		if err := r.tracker.SetPendingExit(p.Symbol, false); err != nil {
			r.logger.Printf("%s: clearing stuck pending_exit failed: %v", p.Symbol, err)
			continue
		}
		r.logger.Printf("%s: cleared stuck pending_exit (%s)", p.Symbol, reason)
		*repairs = append(*repairs, newFinding("pending_exit_cleared", finding{
			"symbol": p.Symbol,
			"reason": reason,
		}))
	}
}

func (r *Reconciler) persistReport(report *storage.ReconciliationReport) {
	if err := r.store.InsertReconciliationReport(report); err != nil {
		r.logger.Printf("Persisting reconciliation report failed: %v", err)
	}
}

func (r *Reconciler) writeErrorReport(discrepancies []finding) error {
	if err := os.MkdirAll(filepath.Dir(r.cfg.ErrorReportPath), 0o755); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(map[string]interface{}{
		"timestamp":     r.now().UTC().Format(time.RFC3339),
		"discrepancies": discrepancies,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(r.cfg.ErrorReportPath, payload, 0o644)
}
