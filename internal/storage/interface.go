package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"smacross/internal/models"
)

// Interface is the persistence contract consumed by the engine's components.
//
// Implementations must be safe for concurrent use: the store runs SQLite in
// WAL mode, so one writer and many readers proceed without blocking each
// other, and every write is a short exclusive lock.
type Interface interface {
	// Order intents and fills
	SaveOrderIntent(intent *models.OrderIntent) error
	UpdateOrderIntent(clientOrderID string, status models.OrderStatus,
		filledQty *decimal.Decimal, brokerOrderID *string, filledAvgPrice *float64) error
	UpdateOrderIntentCumulative(brokerOrderID string, status models.OrderStatus,
		newCumQty decimal.Decimal, cumAvgPrice *float64, ts time.Time) error
	GetOrderIntent(clientOrderID string) (*models.OrderIntent, error)
	GetOrderIntentByBrokerID(brokerOrderID string) (*models.OrderIntent, error)
	ListWorkingOrderIntents() ([]models.OrderIntent, error)
	ListOrderIntents() ([]models.OrderIntent, error)
	InsertFillIdempotent(fill *models.Fill) (bool, error)
	ListFills(brokerOrderID string) ([]models.Fill, error)
	RecordTrade(ts time.Time, symbol string, side models.Side,
		qty decimal.Decimal, price float64, orderID, clientOrderID, fillID string) (bool, error)

	// Signal gate
	GateTryAccept(strategy, symbol, action string, now, barTS time.Time, cooldown time.Duration) (bool, error)

	// Positions
	UpsertPosition(p *models.Position) error
	DeletePosition(symbol string) error
	LoadPositions() ([]models.Position, error)
	SavePositionsSnapshot(rows []SnapshotRow) error

	// Bot state
	GetState(key string) (string, bool, error)
	SetState(key, value string) error
	KillSwitchActive() (bool, error)
	SetKillSwitch(active bool) error
	CircuitBreakerState() (models.CircuitBreakerState, error)
	SetCircuitBreakerState(state models.CircuitBreakerState) error
	IncrementCircuitBreakerCount() (int, error)
	CircuitBreakerCount() (int, error)
	ResetCircuitBreaker() error
	GetDailyPnl() (float64, error)
	SaveDailyPnl(pnl float64) error
	GetDailyTradeCount() (int, error)
	SaveDailyTradeCount(count int) error
	ResetDailyState(date string) error
	DailyResetDate() (string, error)
	TradingHalted() (bool, error)
	SetTradingHalted(halted bool) error
	BrokerHealth() (models.BrokerHealth, error)
	SetBrokerHealth(health models.BrokerHealth) error
	LastSignal(symbol string, fast, slow int) (string, error)
	SetLastSignal(symbol string, fast, slow int, direction string) error

	// Audit tables
	InsertReconciliationReport(report *ReconciliationReport) error
	ListRecentReports(limit int) ([]ReconciliationReport, error)
	SaveEquityPoint(ts time.Time, equity float64) error
	RecordBar(timeframe string, bar models.BarEvent) error

	Close() error
}

// Ensure Store implements Interface.
var _ Interface = (*Store)(nil)
