// Package models defines the durable records and in-flight events shared by
// the trading engine's components.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is an order side as the broker understands it.
type Side string

const (
	// SideBuy is a buy order.
	SideBuy Side = "buy"
	// SideSell is a sell order.
	SideSell Side = "sell"
)

// Valid returns true if the Side is one of the defined constants.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the closing side for s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide is the direction of a tracked position.
type PositionSide string

const (
	// PositionLong is a long position.
	PositionLong PositionSide = "long"
	// PositionShort is a short position.
	PositionShort PositionSide = "short"
)

// Valid returns true if the PositionSide is one of the defined constants.
func (s PositionSide) Valid() bool {
	return s == PositionLong || s == PositionShort
}

// ClosingSide returns the order side that flattens a position on this side.
func (s PositionSide) ClosingSide() Side {
	if s == PositionLong {
		return SideSell
	}
	return SideBuy
}

// OrderStatus mirrors the broker's order lifecycle states, plus the local
// pre-submit "new" and the local-only "dry_run".
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusPendingNew      OrderStatus = "pending_new"
	OrderStatusPendingCancel   OrderStatus = "pending_cancel"
	OrderStatusDryRun          OrderStatus = "dry_run"
)

// Terminal reports whether the status is absorbing: once an order intent
// reaches one of these, later non-terminal updates from the broker are
// ignored and surfaced as discrepancies.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// Working reports whether the order is still live at the broker and worth
// polling for updates.
func (s OrderStatus) Working() bool {
	switch s {
	case OrderStatusNew, OrderStatusSubmitted, OrderStatusAccepted,
		OrderStatusPartiallyFilled, OrderStatusPendingNew, OrderStatusPendingCancel:
		return true
	default:
		return false
	}
}

// OrderIntent is the durable record of a submission decision, keyed by the
// deterministic client order ID. It is created before the broker sees the
// order and never deleted.
type OrderIntent struct {
	ClientOrderID  string
	Symbol         string
	Side           Side
	Qty            decimal.Decimal
	Status         OrderStatus
	FilledQty      decimal.Decimal
	FilledAvgPrice *float64
	BrokerOrderID  string
	ATR            *float64
	Strategy       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Fill is an immutable per-delta record of a partial or full execution.
type Fill struct {
	ID              int64
	BrokerOrderID   string
	ClientOrderID   string
	Symbol          string
	Side            Side
	DeltaQty        decimal.Decimal
	CumQty          decimal.Decimal
	CumAvgPrice     *float64
	Timestamp       time.Time
	FillID          string
	DedupeKey       string
	PriceIsEstimate bool
}

// FillDedupeKey derives the uniqueness key for a fill: the broker-supplied
// fill ID when present, otherwise a synthetic key from the cumulative
// quantity. Two updates reporting the same cum qty without a fill ID
// coalesce; two distinct fills with equal cum qty but distinct fill IDs are
// both retained.
func FillDedupeKey(fillID string, cumQty decimal.Decimal) string {
	if fillID != "" {
		return fillID
	}
	return "CUM:" + cumQty.String()
}

// Position is the per-symbol tracked position. In-memory is primary; the
// persisted row exists so a restart can reload trailing-stop state.
type Position struct {
	Symbol                string
	Side                  PositionSide
	Qty                   decimal.Decimal
	EntryPrice            float64
	EntryTime             time.Time
	ExtremePrice          float64
	ATR                   *float64
	TrailingStopPrice     *float64
	TrailingStopActivated bool
	PendingExit           bool
	UpdatedAt             time.Time
}

// Clone returns a deep copy so callers can hand positions across goroutine
// boundaries without sharing the optional-field pointers.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	if p.ATR != nil {
		v := *p.ATR
		c.ATR = &v
	}
	if p.TrailingStopPrice != nil {
		v := *p.TrailingStopPrice
		c.TrailingStopPrice = &v
	}
	return &c
}

// Validate checks the position invariants that must hold before persisting.
func (p *Position) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("position symbol is required")
	}
	if !p.Side.Valid() {
		return fmt.Errorf("invalid position side %q", p.Side)
	}
	if !p.Qty.IsPositive() {
		return fmt.Errorf("position qty must be > 0, got %s", p.Qty)
	}
	return nil
}

// CircuitBreakerState is the persisted order-submission breaker state.
type CircuitBreakerState string

const (
	// CircuitNormal allows order submission.
	CircuitNormal CircuitBreakerState = "normal"
	// CircuitTripped refuses all new signals until manually reset.
	CircuitTripped CircuitBreakerState = "tripped"
)

// BrokerHealth is the runtime reconciler's view of broker API availability.
type BrokerHealth string

const (
	BrokerHealthy  BrokerHealth = "healthy"
	BrokerDegraded BrokerHealth = "degraded"
)
