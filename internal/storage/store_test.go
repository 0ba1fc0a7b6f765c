package storage

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smacross/internal/models"
	"smacross/internal/util"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(testDBPath(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testIntent(clientOrderID string) *models.OrderIntent {
	return &models.OrderIntent{
		ClientOrderID: clientOrderID,
		Symbol:        "AAPL",
		Side:          models.SideBuy,
		Qty:           decimal.NewFromInt(10),
		Status:        models.OrderStatusNew,
		Strategy:      "sma_cross",
	}
}

func TestSaveOrderIntentDuplicateSuppressed(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveOrderIntent(testIntent("deadbeef00112233")))

	err := store.SaveOrderIntent(testIntent("deadbeef00112233"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateOrderIntent)

	intents, err := store.ListOrderIntents()
	require.NoError(t, err)
	assert.Len(t, intents, 1)
}

func TestUpdateOrderIntentPreservesUnsetFields(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SaveOrderIntent(testIntent("aaaa000011112222")))

	brokerID := "broker-1"
	require.NoError(t, store.UpdateOrderIntent("aaaa000011112222",
		models.OrderStatusSubmitted, nil, &brokerID, nil))

	got, err := store.GetOrderIntent("aaaa000011112222")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusSubmitted, got.Status)
	assert.Equal(t, "broker-1", got.BrokerOrderID)
	assert.True(t, got.FilledQty.IsZero(), "nil filledQty must not clobber the column")
	assert.Nil(t, got.FilledAvgPrice)

	err = store.UpdateOrderIntent("missing", models.OrderStatusCanceled, nil, nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateOrderIntentCumulativeMonotonic(t *testing.T) {
	store := newTestStore(t)
	intent := testIntent("bbbb000011112222")
	require.NoError(t, store.SaveOrderIntent(intent))
	brokerID := "broker-2"
	require.NoError(t, store.UpdateOrderIntent(intent.ClientOrderID,
		models.OrderStatusSubmitted, nil, &brokerID, nil))

	price := 101.5
	require.NoError(t, store.UpdateOrderIntentCumulative("broker-2",
		models.OrderStatusPartiallyFilled, decimal.NewFromInt(6), &price, time.Now()))

	// A stale poll reporting less filled than we already recorded must not
	// move the counter backwards.
	require.NoError(t, store.UpdateOrderIntentCumulative("broker-2",
		models.OrderStatusPartiallyFilled, decimal.NewFromInt(4), &price, time.Now()))

	got, err := store.GetOrderIntentByBrokerID("broker-2")
	require.NoError(t, err)
	assert.True(t, got.FilledQty.Equal(decimal.NewFromInt(6)),
		"filled_qty regressed: %s", got.FilledQty)

	require.NoError(t, store.UpdateOrderIntentCumulative("broker-2",
		models.OrderStatusFilled, decimal.NewFromInt(10), &price, time.Now()))
	got, err = store.GetOrderIntentByBrokerID("broker-2")
	require.NoError(t, err)
	assert.True(t, got.FilledQty.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, models.OrderStatusFilled, got.Status)
	require.NotNil(t, got.FilledAvgPrice)
	assert.InDelta(t, 101.5, *got.FilledAvgPrice, 1e-9)
}

func TestListWorkingOrderIntents(t *testing.T) {
	store := newTestStore(t)

	working := testIntent("1111000011112222")
	require.NoError(t, store.SaveOrderIntent(working))
	brokerID := "broker-w"
	require.NoError(t, store.UpdateOrderIntent(working.ClientOrderID,
		models.OrderStatusSubmitted, nil, &brokerID, nil))

	// Submitted but never acknowledged: no broker id, so the poller has
	// nothing to poll.
	pending := testIntent("2222000011112222")
	require.NoError(t, store.SaveOrderIntent(pending))

	done := testIntent("3333000011112222")
	require.NoError(t, store.SaveOrderIntent(done))
	doneID := "broker-d"
	require.NoError(t, store.UpdateOrderIntent(done.ClientOrderID,
		models.OrderStatusFilled, nil, &doneID, nil))

	got, err := store.ListWorkingOrderIntents()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1111000011112222", got[0].ClientOrderID)
}

func TestInsertFillIdempotent(t *testing.T) {
	store := newTestStore(t)

	fill := &models.Fill{
		BrokerOrderID: "broker-3",
		ClientOrderID: "dddd000011112222",
		Symbol:        "AAPL",
		Side:          models.SideBuy,
		DeltaQty:      decimal.NewFromInt(5),
		CumQty:        decimal.NewFromInt(5),
		CumAvgPrice:   util.FloatPtr(100.25),
		Timestamp:     time.Now().UTC(),
		FillID:        "fill-1",
	}
	inserted, err := store.InsertFillIdempotent(fill)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.InsertFillIdempotent(fill)
	require.NoError(t, err)
	assert.False(t, inserted, "replayed fill must be a no-op")

	fills, err := store.ListFills("broker-3")
	require.NoError(t, err)
	assert.Len(t, fills, 1)
}

func TestFillDedupeKeyFallsBackToCumQty(t *testing.T) {
	store := newTestStore(t)

	// No broker fill id: the cum-qty watermark is the identity.
	a := &models.Fill{
		BrokerOrderID: "broker-4",
		Symbol:        "BTC/USD",
		Side:          models.SideSell,
		DeltaQty:      decimal.NewFromInt(3),
		CumQty:        decimal.NewFromInt(3),
		Timestamp:     time.Now().UTC(),
	}
	inserted, err := store.InsertFillIdempotent(a)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "CUM:3", models.FillDedupeKey("", a.CumQty))

	b := *a
	inserted, err = store.InsertFillIdempotent(&b)
	require.NoError(t, err)
	assert.False(t, inserted)

	c := *a
	c.DeltaQty = decimal.NewFromInt(4)
	c.CumQty = decimal.NewFromInt(7)
	inserted, err = store.InsertFillIdempotent(&c)
	require.NoError(t, err)
	assert.True(t, inserted, "new watermark is a new fill")
}

func TestRecordTradeIdempotent(t *testing.T) {
	store := newTestStore(t)
	ts := time.Now().UTC()

	inserted, err := store.RecordTrade(ts, "AAPL", models.SideBuy,
		decimal.NewFromInt(5), 100.25, "broker-5", "cccc000011112222", "fill-9")
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.RecordTrade(ts, "AAPL", models.SideBuy,
		decimal.NewFromInt(5), 100.25, "broker-5", "cccc000011112222", "fill-9")
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestGateTryAccept(t *testing.T) {
	store := newTestStore(t)
	bar := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	now := bar.Add(5 * time.Second)
	cooldown := 5 * time.Minute

	ok, err := store.GateTryAccept("sma_cross", "AAPL", "BUY", now, bar, cooldown)
	require.NoError(t, err)
	assert.True(t, ok)

	// Same bar: rejected even though the cooldown has not elapsed either.
	ok, err = store.GateTryAccept("sma_cross", "AAPL", "BUY", now.Add(time.Second), bar, cooldown)
	require.NoError(t, err)
	assert.False(t, ok)

	// Next bar but inside the cooldown window.
	nextBar := bar.Add(time.Minute)
	ok, err = store.GateTryAccept("sma_cross", "AAPL", "BUY", now.Add(time.Minute), nextBar, cooldown)
	require.NoError(t, err)
	assert.False(t, ok)

	// Past the cooldown.
	laterBar := bar.Add(10 * time.Minute)
	ok, err = store.GateTryAccept("sma_cross", "AAPL", "BUY", now.Add(10*time.Minute), laterBar, cooldown)
	require.NoError(t, err)
	assert.True(t, ok)

	// Independent tuples do not share a gate.
	ok, err = store.GateTryAccept("sma_cross", "AAPL", "SELL", now.Add(time.Second), bar, cooldown)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.GateTryAccept("sma_cross", "MSFT", "BUY", now.Add(time.Second), bar, cooldown)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDailyStateRoundTrip(t *testing.T) {
	store := newTestStore(t)

	pnl, err := store.GetDailyPnl()
	require.NoError(t, err)
	assert.Zero(t, pnl)

	require.NoError(t, store.SaveDailyPnl(-123.45))
	require.NoError(t, store.SaveDailyTradeCount(7))
	_, err = store.IncrementCircuitBreakerCount()
	require.NoError(t, err)
	count, err := store.IncrementCircuitBreakerCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, store.ResetDailyState("2026-03-02"))

	pnl, err = store.GetDailyPnl()
	require.NoError(t, err)
	assert.Zero(t, pnl)
	trades, err := store.GetDailyTradeCount()
	require.NoError(t, err)
	assert.Zero(t, trades)
	date, err := store.DailyResetDate()
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", date)

	// The breaker counter survives the rollover.
	count, err = store.CircuitBreakerCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, store.ResetCircuitBreaker())
	count, err = store.CircuitBreakerCount()
	require.NoError(t, err)
	assert.Zero(t, count)
	state, err := store.CircuitBreakerState()
	require.NoError(t, err)
	assert.Equal(t, models.CircuitNormal, state)
}

func TestBotStateFlags(t *testing.T) {
	store := newTestStore(t)

	halted, err := store.TradingHalted()
	require.NoError(t, err)
	assert.False(t, halted)
	require.NoError(t, store.SetTradingHalted(true))
	halted, err = store.TradingHalted()
	require.NoError(t, err)
	assert.True(t, halted)

	health, err := store.BrokerHealth()
	require.NoError(t, err)
	assert.Equal(t, models.BrokerHealthy, health)
	require.NoError(t, store.SetBrokerHealth(models.BrokerDegraded))
	health, err = store.BrokerHealth()
	require.NoError(t, err)
	assert.Equal(t, models.BrokerDegraded, health)

	active, err := store.KillSwitchActive()
	require.NoError(t, err)
	assert.False(t, active)
	require.NoError(t, store.SetKillSwitch(true))
	active, err = store.KillSwitchActive()
	require.NoError(t, err)
	assert.True(t, active)
}

func TestLastSignalRoundTrip(t *testing.T) {
	store := newTestStore(t)

	dir, err := store.LastSignal("AAPL", 5, 15)
	require.NoError(t, err)
	assert.Empty(t, dir)

	require.NoError(t, store.SetLastSignal("AAPL", 5, 15, "BUY"))
	dir, err = store.LastSignal("AAPL", 5, 15)
	require.NoError(t, err)
	assert.Equal(t, "BUY", dir)

	// Other period pairs stay independent.
	dir, err = store.LastSignal("AAPL", 10, 30)
	require.NoError(t, err)
	assert.Empty(t, dir)
}

func TestPositionRoundTrip(t *testing.T) {
	store := newTestStore(t)

	entry := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	p := &models.Position{
		Symbol:                "AAPL",
		Side:                  models.PositionLong,
		Qty:                   decimal.NewFromInt(10),
		EntryPrice:            100.0,
		EntryTime:             entry,
		ExtremePrice:          104.2,
		ATR:                   util.FloatPtr(1.8),
		TrailingStopPrice:     util.FloatPtr(101.5),
		TrailingStopActivated: true,
		PendingExit:           false,
	}
	require.NoError(t, store.UpsertPosition(p))

	// Trailing stop state must survive a restart verbatim.
	loaded, err := store.LoadPositions()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	got := loaded[0]
	assert.Equal(t, "AAPL", got.Symbol)
	assert.Equal(t, models.PositionLong, got.Side)
	assert.True(t, got.Qty.Equal(decimal.NewFromInt(10)))
	assert.InDelta(t, 104.2, got.ExtremePrice, 1e-9)
	require.NotNil(t, got.TrailingStopPrice)
	assert.InDelta(t, 101.5, *got.TrailingStopPrice, 1e-9)
	assert.True(t, got.TrailingStopActivated)
	require.NotNil(t, got.ATR)
	assert.InDelta(t, 1.8, *got.ATR, 1e-9)
	assert.True(t, got.EntryTime.Equal(entry))

	p.PendingExit = true
	p.ExtremePrice = 105.0
	require.NoError(t, store.UpsertPosition(p))
	loaded, err = store.LoadPositions()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.True(t, loaded[0].PendingExit)
	assert.InDelta(t, 105.0, loaded[0].ExtremePrice, 1e-9)

	require.NoError(t, store.DeletePosition("AAPL"))
	require.NoError(t, store.DeletePosition("AAPL"))
	loaded, err = store.LoadPositions()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestReconciliationReportRoundTrip(t *testing.T) {
	store := newTestStore(t)

	report := &ReconciliationReport{
		Timestamp:        time.Now().UTC(),
		Status:           "discrepancy",
		Duration:         250 * time.Millisecond,
		DiscrepancyCount: 1,
		RepairCount:      1,
		Discrepancies: []map[string]interface{}{
			{"type": "qty_mismatch", "symbol": "AAPL"},
		},
		Repairs: []map[string]interface{}{
			{"action": "adopt_broker_qty", "symbol": "AAPL"},
		},
	}
	require.NoError(t, store.InsertReconciliationReport(report))
	require.NoError(t, store.InsertReconciliationReport(&ReconciliationReport{
		Timestamp: time.Now().UTC(),
		Status:    "clean",
	}))

	reports, err := store.ListRecentReports(10)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "clean", reports[0].Status, "newest first")
	assert.Equal(t, "discrepancy", reports[1].Status)
	assert.Equal(t, 1, reports[1].DiscrepancyCount)
	require.Len(t, reports[1].Discrepancies, 1)
	assert.Equal(t, "qty_mismatch", reports[1].Discrepancies[0]["type"])
}

func TestRecordBarIgnoresDuplicates(t *testing.T) {
	store := newTestStore(t)

	bar := models.BarEvent{
		Symbol:    "AAPL",
		Timestamp: time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC),
		Open:      100, High: 101, Low: 99.5, Close: 100.5, Volume: 1200,
	}
	require.NoError(t, store.RecordBar("1Min", bar))
	require.NoError(t, store.RecordBar("1Min", bar))

	var count int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM bars`).Scan(&count))
	assert.Equal(t, 1, count)
}
