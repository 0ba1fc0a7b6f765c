// Package poller watches working orders at the broker and turns cumulative
// fill reports into idempotent per-delta fill records and bus events.
package poller

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"smacross/internal/broker"
	"smacross/internal/models"
)

// Store is the persistence surface the poller reads and writes.
type Store interface {
	ListWorkingOrderIntents() ([]models.OrderIntent, error)
	InsertFillIdempotent(fill *models.Fill) (bool, error)
	UpdateOrderIntentCumulative(brokerOrderID string, status models.OrderStatus,
		newCumQty decimal.Decimal, cumAvgPrice *float64, ts time.Time) error
	UpdateOrderIntent(clientOrderID string, status models.OrderStatus,
		filledQty *decimal.Decimal, brokerOrderID *string, filledAvgPrice *float64) error
}

// Broker fetches the authoritative order view.
type Broker interface {
	GetOrder(ctx context.Context, orderID string) (*broker.Order, error)
}

// Publisher posts order updates to the bus.
type Publisher interface {
	Publish(event models.Event) error
}

// Config tunes the poll cadence.
type Config struct {
	Interval time.Duration
}

// Poller is the single producer of OrderUpdateEvents.
type Poller struct {
	cfg    Config
	store  Store
	broker Broker
	bus    Publisher
	logger *log.Logger
	now    func() time.Time
}

// New creates a poller.
func New(cfg Config, store Store, brokerage Broker, bus Publisher, logger *log.Logger) *Poller {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	return &Poller{
		cfg:    cfg,
		store:  store,
		broker: brokerage,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// Run loops until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	working, err := p.store.ListWorkingOrderIntents()
	if err != nil {
		p.logger.Printf("Listing working orders failed: %v", err)
		return
	}
	for _, intent := range working {
		if ctx.Err() != nil {
			return
		}
		p.pollOrder(ctx, intent)
	}
}

func (p *Poller) pollOrder(ctx context.Context, intent models.OrderIntent) {
	order, err := p.broker.GetOrder(ctx, intent.BrokerOrderID)
	if err != nil {
		p.logger.Printf("%s: fetching order %s failed: %v", intent.Symbol, intent.BrokerOrderID, err)
		return
	}

	delta := order.FilledQty.Sub(intent.FilledQty)

	switch {
	case delta.IsNegative():
		// A stale snapshot from the broker. Local state never regresses.
		p.logger.Printf("%s: ignoring cum-qty regression on %s (%s -> %s)",
			intent.Symbol, intent.BrokerOrderID, intent.FilledQty, order.FilledQty)
		return

	case delta.IsZero():
		if order.Status == intent.Status {
			return
		}
		if err := p.store.UpdateOrderIntent(intent.ClientOrderID, order.Status,
			nil, nil, order.FilledAvgPrice); err != nil {
			p.logger.Printf("%s: status update for %s failed: %v", intent.Symbol, intent.ClientOrderID, err)
			return
		}
		p.publish(intent, order, decimal.Zero)

	default:
		p.applyFill(intent, order, delta)
	}
}

func (p *Poller) applyFill(intent models.OrderIntent, order *broker.Order, delta decimal.Decimal) {
	ts := p.fillTimestamp(order)
	fill := &models.Fill{
		BrokerOrderID: intent.BrokerOrderID,
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		DeltaQty:      delta,
		CumQty:        order.FilledQty,
		CumAvgPrice:   order.FilledAvgPrice,
		Timestamp:     ts,
		// The REST view only exposes the running average, so any fill after
		// the first carries an estimated price.
		PriceIsEstimate: intent.FilledQty.IsPositive(),
	}

	inserted, err := p.store.InsertFillIdempotent(fill)
	if err != nil {
		p.logger.Printf("%s: recording fill for %s failed: %v", intent.Symbol, intent.BrokerOrderID, err)
		return
	}
	if !inserted {
		// Another pass already recorded this cumulative level. Publishing a
		// zero delta keeps downstream consumers convergent.
		p.publish(intent, order, decimal.Zero)
		return
	}

	if err := p.store.UpdateOrderIntentCumulative(intent.BrokerOrderID, order.Status,
		order.FilledQty, order.FilledAvgPrice, ts); err != nil {
		p.logger.Printf("%s: cumulative update for %s failed: %v", intent.Symbol, intent.BrokerOrderID, err)
		return
	}
	p.publish(intent, order, delta)
}

func (p *Poller) publish(intent models.OrderIntent, order *broker.Order, delta decimal.Decimal) {
	ev := models.OrderUpdateEvent{
		BrokerOrderID: intent.BrokerOrderID,
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Status:        order.Status,
		CumFilledQty:  order.FilledQty,
		CumAvgPrice:   order.FilledAvgPrice,
		DeltaQty:      delta,
		Timestamp:     p.fillTimestamp(order),
	}
	if err := p.bus.Publish(ev); err != nil {
		p.logger.Printf("%s: publishing order update failed: %v", intent.Symbol, err)
	}
}

func (p *Poller) fillTimestamp(order *broker.Order) time.Time {
	if order.FilledAt != nil && !order.FilledAt.IsZero() {
		return *order.FilledAt
	}
	if !order.UpdatedAt.IsZero() {
		return order.UpdatedAt
	}
	return p.now()
}
