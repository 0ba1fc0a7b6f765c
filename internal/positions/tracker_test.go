package positions

import (
	"context"
	"errors"
	"log"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smacross/internal/broker"
	"smacross/internal/models"
)

type memStore struct {
	rows    map[string]models.Position
	loadErr error
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]models.Position)}
}

func (m *memStore) UpsertPosition(p *models.Position) error {
	m.rows[p.Symbol] = *p.Clone()
	return nil
}

func (m *memStore) DeletePosition(symbol string) error {
	delete(m.rows, symbol)
	return nil
}

func (m *memStore) LoadPositions() ([]models.Position, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	var out []models.Position
	for _, p := range m.rows {
		out = append(out, p)
	}
	return out, nil
}

type fakeBroker struct {
	positions []broker.Position
	err       error
}

func (f *fakeBroker) GetPositions(ctx context.Context) ([]broker.Position, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.positions, nil
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newTracker(store *memStore, brk *fakeBroker, mutate func(*Config)) *Tracker {
	cfg := Config{
		TrailingEnabled:    true,
		TrailActivationPct: 0.015,
		TrailPct:           0.01,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	if store == nil {
		store = newMemStore()
	}
	if brk == nil {
		brk = &fakeBroker{}
	}
	return NewTracker(cfg, store, brk, log.New(discard{}, "", 0))
}

func TestStartStopTracking(t *testing.T) {
	store := newMemStore()
	tr := newTracker(store, nil, nil)

	require.NoError(t, tr.StartTracking("AAPL", 150.0, decimal.NewFromInt(10), models.PositionLong, nil))
	assert.Equal(t, 1, tr.Count())
	assert.Contains(t, store.rows, "AAPL")

	p, ok := tr.Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, 150.0, p.EntryPrice)
	assert.Equal(t, 150.0, p.ExtremePrice)
	assert.False(t, p.PendingExit)

	require.NoError(t, tr.StopTracking("AAPL"))
	assert.Zero(t, tr.Count())
	assert.NotContains(t, store.rows, "AAPL")

	// Stopping again is a no-op.
	require.NoError(t, tr.StopTracking("AAPL"))
}

func TestStartTrackingRejectsInvalid(t *testing.T) {
	tr := newTracker(nil, nil, nil)
	err := tr.StartTracking("AAPL", 150.0, decimal.Zero, models.PositionLong, nil)
	require.Error(t, err)
	assert.Zero(t, tr.Count())
}

func TestLoadPersisted(t *testing.T) {
	store := newMemStore()
	stop := 148.5
	store.rows["AAPL"] = models.Position{
		Symbol: "AAPL", Side: models.PositionLong, Qty: decimal.NewFromInt(10),
		EntryPrice: 150, ExtremePrice: 152,
		TrailingStopPrice: &stop, TrailingStopActivated: true,
	}
	tr := newTracker(store, nil, nil)
	require.NoError(t, tr.LoadPersisted())

	p, ok := tr.Get("AAPL")
	require.True(t, ok)
	assert.True(t, p.TrailingStopActivated)
	require.NotNil(t, p.TrailingStopPrice)
	assert.Equal(t, 148.5, *p.TrailingStopPrice)
}

func TestExtremePriceMovesFavourablyOnly(t *testing.T) {
	tr := newTracker(nil, nil, func(c *Config) { c.TrailingEnabled = false })
	require.NoError(t, tr.StartTracking("AAPL", 100, decimal.NewFromInt(1), models.PositionLong, nil))

	require.NoError(t, tr.UpdateCurrentPrice("AAPL", 105))
	p, _ := tr.Get("AAPL")
	assert.Equal(t, 105.0, p.ExtremePrice)

	require.NoError(t, tr.UpdateCurrentPrice("AAPL", 99))
	p, _ = tr.Get("AAPL")
	assert.Equal(t, 105.0, p.ExtremePrice, "extreme never retreats for a long")

	require.NoError(t, tr.StartTracking("BTC/USD", 100, decimal.NewFromInt(1), models.PositionShort, nil))
	require.NoError(t, tr.UpdateCurrentPrice("BTC/USD", 95))
	require.NoError(t, tr.UpdateCurrentPrice("BTC/USD", 101))
	p, _ = tr.Get("BTC/USD")
	assert.Equal(t, 95.0, p.ExtremePrice, "extreme never retreats for a short")
}

func TestTrailingStopActivationLong(t *testing.T) {
	tr := newTracker(nil, nil, nil)
	require.NoError(t, tr.StartTracking("AAPL", 100, decimal.NewFromInt(1), models.PositionLong, nil))

	// Below the 1.5% activation threshold: no stop yet.
	require.NoError(t, tr.UpdateCurrentPrice("AAPL", 101))
	p, _ := tr.Get("AAPL")
	assert.False(t, p.TrailingStopActivated)
	assert.Nil(t, p.TrailingStopPrice)

	// 2% gain activates and places the stop 1% below.
	require.NoError(t, tr.UpdateCurrentPrice("AAPL", 102))
	p, _ = tr.Get("AAPL")
	assert.True(t, p.TrailingStopActivated)
	require.NotNil(t, p.TrailingStopPrice)
	assert.InDelta(t, 102*0.99, *p.TrailingStopPrice, 1e-9)
}

func TestTrailingStopMonotonicLong(t *testing.T) {
	tr := newTracker(nil, nil, nil)
	require.NoError(t, tr.StartTracking("AAPL", 100, decimal.NewFromInt(1), models.PositionLong, nil))

	require.NoError(t, tr.UpdateCurrentPrice("AAPL", 102))
	require.NoError(t, tr.UpdateCurrentPrice("AAPL", 105))
	p, _ := tr.Get("AAPL")
	require.NotNil(t, p.TrailingStopPrice)
	assert.InDelta(t, 105*0.99, *p.TrailingStopPrice, 1e-9)

	// A pullback must not lower the stop.
	require.NoError(t, tr.UpdateCurrentPrice("AAPL", 103))
	p, _ = tr.Get("AAPL")
	assert.InDelta(t, 105*0.99, *p.TrailingStopPrice, 1e-9)
}

func TestTrailingStopMonotonicShort(t *testing.T) {
	tr := newTracker(nil, nil, nil)
	require.NoError(t, tr.StartTracking("AAPL", 100, decimal.NewFromInt(1), models.PositionShort, nil))

	require.NoError(t, tr.UpdateCurrentPrice("AAPL", 98))
	p, _ := tr.Get("AAPL")
	require.True(t, p.TrailingStopActivated)
	require.NotNil(t, p.TrailingStopPrice)
	assert.InDelta(t, 98*1.01, *p.TrailingStopPrice, 1e-9)

	require.NoError(t, tr.UpdateCurrentPrice("AAPL", 95))
	p, _ = tr.Get("AAPL")
	assert.InDelta(t, 95*1.01, *p.TrailingStopPrice, 1e-9)

	// A bounce must not raise the stop.
	require.NoError(t, tr.UpdateCurrentPrice("AAPL", 97))
	p, _ = tr.Get("AAPL")
	assert.InDelta(t, 95*1.01, *p.TrailingStopPrice, 1e-9)
}

func TestUpdateCurrentPriceUntrackedNoop(t *testing.T) {
	tr := newTracker(nil, nil, nil)
	require.NoError(t, tr.UpdateCurrentPrice("AAPL", 100))
}

func TestCalculatePnl(t *testing.T) {
	tr := newTracker(nil, nil, nil)
	require.NoError(t, tr.StartTracking("AAPL", 100, decimal.NewFromInt(10), models.PositionLong, nil))
	require.NoError(t, tr.StartTracking("MSFT", 200, decimal.NewFromInt(5), models.PositionShort, nil))

	amount, pct := tr.CalculatePnl("AAPL", 110)
	assert.InDelta(t, 100.0, amount, 1e-9)
	assert.InDelta(t, 0.10, pct, 1e-9)

	amount, pct = tr.CalculatePnl("MSFT", 190)
	assert.InDelta(t, 50.0, amount, 1e-9)
	assert.InDelta(t, 0.05, pct, 1e-9)

	amount, pct = tr.CalculatePnl("GOOG", 100)
	assert.Zero(t, amount)
	assert.Zero(t, pct)
}

func TestCalculatePnlGuardsDegenerateEntry(t *testing.T) {
	tr := newTracker(nil, nil, nil)
	tr.positions["BAD"] = &models.Position{
		Symbol: "BAD", Side: models.PositionLong, Qty: decimal.NewFromInt(1),
	}
	amount, pct := tr.CalculatePnl("BAD", 100)
	assert.Zero(t, amount)
	assert.Zero(t, pct)
}

func TestSetPendingExitPersists(t *testing.T) {
	store := newMemStore()
	tr := newTracker(store, nil, nil)
	require.NoError(t, tr.StartTracking("AAPL", 100, decimal.NewFromInt(1), models.PositionLong, nil))

	require.NoError(t, tr.SetPendingExit("AAPL", true))
	p, _ := tr.Get("AAPL")
	assert.True(t, p.PendingExit)
	assert.True(t, store.rows["AAPL"].PendingExit)

	require.NoError(t, tr.SetPendingExit("AAPL", false))
	assert.False(t, store.rows["AAPL"].PendingExit)
}

func TestSyncWithBrokerAdoptsUntracked(t *testing.T) {
	brk := &fakeBroker{positions: []broker.Position{
		{Symbol: "AAPL", Qty: decimal.NewFromInt(10), AvgEntryPrice: decimal.NewFromFloat(150.5)},
		{Symbol: "TSLA", Qty: decimal.NewFromInt(-4), AvgEntryPrice: decimal.NewFromFloat(210)},
	}}
	tr := newTracker(nil, brk, nil)

	mismatches, err := tr.SyncWithBroker(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mismatches)
	assert.Equal(t, 2, tr.Count())

	long, ok := tr.Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, models.PositionLong, long.Side)
	assert.Equal(t, 150.5, long.EntryPrice)

	short, ok := tr.Get("TSLA")
	require.True(t, ok)
	assert.Equal(t, models.PositionShort, short.Side)
	assert.True(t, decimal.NewFromInt(4).Equal(short.Qty), "adopted qty is unsigned")
}

func TestSyncWithBrokerDropsAbsent(t *testing.T) {
	store := newMemStore()
	tr := newTracker(store, &fakeBroker{}, nil)
	require.NoError(t, tr.StartTracking("AAPL", 100, decimal.NewFromInt(10), models.PositionLong, nil))

	mismatches, err := tr.SyncWithBroker(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mismatches)
	assert.Zero(t, tr.Count())
	assert.NotContains(t, store.rows, "AAPL")
}

func TestSyncWithBrokerReportsQtyMismatch(t *testing.T) {
	brk := &fakeBroker{positions: []broker.Position{
		{Symbol: "AAPL", Qty: decimal.NewFromInt(7), AvgEntryPrice: decimal.NewFromInt(150)},
	}}
	tr := newTracker(nil, brk, nil)
	require.NoError(t, tr.StartTracking("AAPL", 150, decimal.NewFromInt(10), models.PositionLong, nil))

	mismatches, err := tr.SyncWithBroker(context.Background())
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, "AAPL", mismatches[0].Symbol)
	assert.True(t, decimal.NewFromInt(10).Equal(mismatches[0].LocalQty))
	assert.True(t, decimal.NewFromInt(7).Equal(mismatches[0].BrokerQty))
}

func TestSyncWithBrokerToleratesRounding(t *testing.T) {
	brk := &fakeBroker{positions: []broker.Position{
		{Symbol: "AAPL", Qty: decimal.NewFromFloat(10.00001), AvgEntryPrice: decimal.NewFromInt(150)},
	}}
	tr := newTracker(nil, brk, nil)
	require.NoError(t, tr.StartTracking("AAPL", 150, decimal.NewFromInt(10), models.PositionLong, nil))

	mismatches, err := tr.SyncWithBroker(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestSyncWithBrokerPropagatesFetchError(t *testing.T) {
	tr := newTracker(nil, &fakeBroker{err: errors.New("down")}, nil)
	_, err := tr.SyncWithBroker(context.Background())
	require.Error(t, err)
}

func TestGetReturnsCopy(t *testing.T) {
	tr := newTracker(nil, nil, nil)
	require.NoError(t, tr.StartTracking("AAPL", 100, decimal.NewFromInt(1), models.PositionLong, nil))

	p, _ := tr.Get("AAPL")
	p.ExtremePrice = 999

	again, _ := tr.Get("AAPL")
	assert.Equal(t, 100.0, again.ExtremePrice, "callers mutate copies, not tracker state")
}
