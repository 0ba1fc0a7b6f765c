package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event is anything that can ride the engine's event bus.
type Event interface {
	Kind() string
}

// BarEvent is one normalized OHLCV bar for a symbol. The ingest publishes a
// bar only when its timestamp differs from the previous one it saw for the
// symbol, so per (symbol, timeframe) each timestamp is processed exactly once.
type BarEvent struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     uint64
	TradeCount *uint64
	VWAP       *float64
}

// Kind implements Event.
func (BarEvent) Kind() string { return "bar" }

// SignalType is the direction of a strategy signal.
type SignalType string

const (
	// SignalBuy proposes opening long or covering short.
	SignalBuy SignalType = "BUY"
	// SignalSell proposes opening short or exiting long.
	SignalSell SignalType = "SELL"
)

// Side maps the signal direction onto an order side.
func (t SignalType) Side() Side {
	if t == SignalBuy {
		return SideBuy
	}
	return SideSell
}

// Regime classifies recent price behavior; it weights signal confidence.
type Regime string

const (
	RegimeTrending Regime = "trending"
	RegimeRanging  Regime = "ranging"
	RegimeUnknown  Regime = "unknown"
)

// SignalMetadata carries per-signal context through risk into the order path.
type SignalMetadata struct {
	FastPeriod     int
	SlowPeriod     int
	Confidence     float64
	Regime         Regime
	ATR            *float64
	RegimeStrength *float64
}

// SignalEvent is an entry/exit proposal from the strategy. Timestamp is the
// bar's close time; it participates in client-order-id derivation, so the
// same bar can never produce two distinct orders for one (strategy, symbol,
// side) tuple.
type SignalEvent struct {
	Symbol    string
	Type      SignalType
	Timestamp time.Time
	Metadata  SignalMetadata
}

// Kind implements Event.
func (SignalEvent) Kind() string { return "signal" }

// ExitReason says why the exit manager wants a position closed.
type ExitReason string

const (
	ExitReasonStopLoss       ExitReason = "stop_loss"
	ExitReasonProfitTarget   ExitReason = "profit_target"
	ExitReasonTrailingStop   ExitReason = "trailing_stop"
	ExitReasonCircuitBreaker ExitReason = "circuit_breaker"
	ExitReasonEmergency      ExitReason = "emergency"
	ExitReasonShutdown       ExitReason = "shutdown"
)

// ExitSignalEvent asks the order path to flatten a position. It is the one
// event class the bus must never silently drop.
type ExitSignalEvent struct {
	Symbol       string
	Side         Side // the closing side
	Qty          decimal.Decimal
	Reason       ExitReason
	EntryPrice   float64
	CurrentPrice float64
	PnlPct       float64
	PnlAmount    float64
	Timestamp    time.Time
}

// Kind implements Event.
func (ExitSignalEvent) Kind() string { return "exit_signal" }

// OrderUpdateEvent reports a status change or fill delta observed by the
// order-update poller. DeltaQty may be zero when the poller coalesced a
// duplicate cumulative report.
type OrderUpdateEvent struct {
	BrokerOrderID string
	ClientOrderID string
	Symbol        string
	Side          Side
	Status        OrderStatus
	CumFilledQty  decimal.Decimal
	CumAvgPrice   *float64
	DeltaQty      decimal.Decimal
	Timestamp     time.Time
	FillID        string
}

// Kind implements Event.
func (OrderUpdateEvent) Kind() string { return "order_update" }

// OrderIntentEvent announces a successful submission to the broker.
type OrderIntentEvent struct {
	ClientOrderID string
	BrokerOrderID string
	Symbol        string
	Side          Side
	Qty           decimal.Decimal
	Strategy      string
	Timestamp     time.Time
}

// Kind implements Event.
func (OrderIntentEvent) Kind() string { return "order_intent" }
