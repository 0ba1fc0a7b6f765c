package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"smacross/internal/models"
)

// Clock is the broker's market clock. It is the only source of truth for
// whether the market is open; nothing derives session state from local time.
type Clock struct {
	Timestamp time.Time
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
}

// Account is the subset of the brokerage account the engine reads.
type Account struct {
	ID          string
	Currency    string
	Equity      decimal.Decimal
	Cash        decimal.Decimal
	BuyingPower decimal.Decimal
	Blocked     bool
}

// Position is the broker's view of one open position.
type Position struct {
	Symbol        string
	Qty           decimal.Decimal
	AvgEntryPrice decimal.Decimal
	CurrentPrice  *float64
	UnrealizedPL  *float64
}

// Order is the broker's view of one order.
type Order struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           models.Side
	Qty            decimal.Decimal
	FilledQty      decimal.Decimal
	FilledAvgPrice *float64
	Status         models.OrderStatus
	Type           string
	TimeInForce    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FilledAt       *time.Time
}

// OrderType is the supported order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TimeInForce is the supported order durations.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
)

// OrderRequest is one order submission. LimitPrice is required iff
// Type == OrderTypeLimit.
type OrderRequest struct {
	Symbol        string
	Side          models.Side
	Qty           decimal.Decimal
	ClientOrderID string
	Type          OrderType
	LimitPrice    *float64
	TimeInForce   TimeInForce
	ExtendedHours bool
}

// Snapshot is the latest trade/quote view of one symbol.
type Snapshot struct {
	Symbol    string
	LastPrice *float64
	BidPrice  *float64
	AskPrice  *float64
	Timestamp time.Time
}

// Bar is one OHLCV bar from the data API.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     uint64
	TradeCount uint64
	VWAP       float64
}

// BarsRequest fetches bars for a set of symbols of one asset class.
// Feed applies only to equities.
type BarsRequest struct {
	Symbols   []string
	Timeframe string
	Start     time.Time
	End       *time.Time
	Limit     int
	Feed      string
}

// Broker defines the brokerage operations the engine depends on.
type Broker interface {
	// Account and market state
	GetClock(ctx context.Context) (*Clock, error)
	GetAccount(ctx context.Context) (*Account, error)
	GetPositions(ctx context.Context) ([]Position, error)

	// Orders
	GetOpenOrders(ctx context.Context) ([]Order, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) error

	// Market data
	GetSnapshot(ctx context.Context, symbol string) (*Snapshot, error)
	GetBars(ctx context.Context, req BarsRequest) (map[string][]Bar, error)
	GetCryptoBars(ctx context.Context, req BarsRequest) (map[string][]Bar, error)
}
