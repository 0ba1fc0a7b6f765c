package exits

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smacross/internal/broker"
	"smacross/internal/models"
)

type fakeTracker struct {
	positions  map[string]*models.Position
	pendingSet map[string]bool
	pendingErr error
	updated    map[string]float64
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		positions:  make(map[string]*models.Position),
		pendingSet: make(map[string]bool),
		updated:    make(map[string]float64),
	}
}

func (f *fakeTracker) List() []*models.Position {
	var out []*models.Position
	for _, p := range f.positions {
		out = append(out, p.Clone())
	}
	return out
}

func (f *fakeTracker) UpdateCurrentPrice(symbol string, price float64) error {
	f.updated[symbol] = price
	return nil
}

func (f *fakeTracker) CalculatePnl(symbol string, price float64) (float64, float64) {
	p, ok := f.positions[symbol]
	if !ok || p.EntryPrice <= 0 {
		return 0, 0
	}
	qty, _ := p.Qty.Float64()
	if p.Side == models.PositionShort {
		return (p.EntryPrice - price) * qty, (p.EntryPrice - price) / p.EntryPrice
	}
	return (price - p.EntryPrice) * qty, (price - p.EntryPrice) / p.EntryPrice
}

func (f *fakeTracker) SetPendingExit(symbol string, pending bool) error {
	if f.pendingErr != nil {
		return f.pendingErr
	}
	f.pendingSet[symbol] = pending
	if p, ok := f.positions[symbol]; ok {
		p.PendingExit = pending
	}
	return nil
}

type fakeBroker struct {
	open      bool
	clockErr  error
	snapshots map[string]*broker.Snapshot
	snapErr   error
	snapCalls int
}

func (f *fakeBroker) GetClock(ctx context.Context) (*broker.Clock, error) {
	if f.clockErr != nil {
		return nil, f.clockErr
	}
	return &broker.Clock{IsOpen: f.open}, nil
}

func (f *fakeBroker) GetSnapshot(ctx context.Context, symbol string) (*broker.Snapshot, error) {
	f.snapCalls++
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	s, ok := f.snapshots[symbol]
	if !ok {
		return nil, errors.New("no snapshot")
	}
	return s, nil
}

type fakeState struct {
	breaker models.CircuitBreakerState
}

func (f *fakeState) CircuitBreakerState() (models.CircuitBreakerState, error) {
	if f.breaker == "" {
		return models.CircuitNormal, nil
	}
	return f.breaker, nil
}

type fakeBus struct {
	events []models.Event
	err    error
}

func (f *fakeBus) Publish(ev models.Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func floatPtr(v float64) *float64 { return &v }

type fixture struct {
	manager *Manager
	tracker *fakeTracker
	broker  *fakeBroker
	state   *fakeState
	bus     *fakeBus
}

func newFixture(mutate func(*Config)) *fixture {
	cfg := Config{
		CheckInterval:        30 * time.Second,
		StopLossPct:          0.02,
		ProfitTargetPct:      0.04,
		TrailingEnabled:      true,
		ATRMultStop:          2,
		ATRMultTarget:        3,
		ExitOnCircuitBreaker: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	tracker := newFakeTracker()
	brk := &fakeBroker{open: true, snapshots: make(map[string]*broker.Snapshot)}
	state := &fakeState{}
	bus := &fakeBus{}
	m := NewManager(cfg, tracker, brk, state, bus, log.New(discard{}, "", 0))
	return &fixture{manager: m, tracker: tracker, broker: brk, state: state, bus: bus}
}

func (f *fixture) addLong(symbol string, entry float64) *models.Position {
	p := &models.Position{
		Symbol: symbol, Side: models.PositionLong,
		Qty: decimal.NewFromInt(10), EntryPrice: entry, ExtremePrice: entry,
	}
	f.tracker.positions[symbol] = p
	return p
}

func (f *fixture) setPrice(symbol string, last float64) {
	f.broker.snapshots[symbol] = &broker.Snapshot{Symbol: symbol, LastPrice: floatPtr(last)}
}

func exitEvent(t *testing.T, f *fixture) models.ExitSignalEvent {
	t.Helper()
	require.Len(t, f.bus.events, 1)
	ev, ok := f.bus.events[0].(models.ExitSignalEvent)
	require.True(t, ok)
	return ev
}

func TestStopLossTriggers(t *testing.T) {
	f := newFixture(nil)
	f.addLong("AAPL", 100)
	f.setPrice("AAPL", 97.5) // -2.5%, limit is -2%

	f.manager.tick(context.Background())

	ev := exitEvent(t, f)
	assert.Equal(t, models.ExitReasonStopLoss, ev.Reason)
	assert.Equal(t, models.SideSell, ev.Side)
	assert.True(t, f.tracker.pendingSet["AAPL"])
	assert.InDelta(t, 97.5, f.tracker.updated["AAPL"], 1e-9)
}

func TestProfitTargetTriggers(t *testing.T) {
	f := newFixture(nil)
	f.addLong("AAPL", 100)
	f.setPrice("AAPL", 104.5)

	f.manager.tick(context.Background())

	assert.Equal(t, models.ExitReasonProfitTarget, exitEvent(t, f).Reason)
}

func TestNoExitInsideBand(t *testing.T) {
	f := newFixture(nil)
	f.addLong("AAPL", 100)
	f.setPrice("AAPL", 101)

	f.manager.tick(context.Background())

	assert.Empty(t, f.bus.events)
	assert.False(t, f.tracker.pendingSet["AAPL"])
}

func TestTrailingStopBeatsProfitTarget(t *testing.T) {
	f := newFixture(nil)
	p := f.addLong("AAPL", 100)
	p.TrailingStopActivated = true
	p.TrailingStopPrice = floatPtr(104.5)
	f.setPrice("AAPL", 104.2) // above the +4% target but below the trail

	f.manager.tick(context.Background())

	assert.Equal(t, models.ExitReasonTrailingStop, exitEvent(t, f).Reason)
}

func TestStopLossBeatsTrailing(t *testing.T) {
	f := newFixture(nil)
	p := f.addLong("AAPL", 100)
	p.TrailingStopActivated = true
	p.TrailingStopPrice = floatPtr(99)
	f.setPrice("AAPL", 97) // crosses both the trail and the -2% stop

	f.manager.tick(context.Background())

	assert.Equal(t, models.ExitReasonStopLoss, exitEvent(t, f).Reason)
}

func TestATRThresholdsReplaceFixedPercentages(t *testing.T) {
	f := newFixture(func(c *Config) { c.StopLossPct = 0.005 })
	p := f.addLong("AAPL", 100)
	p.ATR = floatPtr(1.0) // stop at 98, target at 103

	// -1% would breach the 0.5% fixed stop, but ATR replaces it.
	f.setPrice("AAPL", 99)
	f.manager.tick(context.Background())
	assert.Empty(t, f.bus.events)

	f.setPrice("AAPL", 97.9)
	f.manager.tick(context.Background())
	assert.Equal(t, models.ExitReasonStopLoss, exitEvent(t, f).Reason)
}

func TestATRProfitTarget(t *testing.T) {
	f := newFixture(func(c *Config) { c.ProfitTargetPct = 0.01 })
	p := f.addLong("AAPL", 100)
	p.ATR = floatPtr(1.0) // target at 103

	f.setPrice("AAPL", 102) // would hit the 1% fixed target
	f.manager.tick(context.Background())
	assert.Empty(t, f.bus.events)

	f.setPrice("AAPL", 103.1)
	f.manager.tick(context.Background())
	assert.Equal(t, models.ExitReasonProfitTarget, exitEvent(t, f).Reason)
}

func TestShortStopLoss(t *testing.T) {
	f := newFixture(nil)
	f.tracker.positions["TSLA"] = &models.Position{
		Symbol: "TSLA", Side: models.PositionShort,
		Qty: decimal.NewFromInt(5), EntryPrice: 200, ExtremePrice: 200,
	}
	f.setPrice("TSLA", 205) // -2.5% for a short

	f.manager.tick(context.Background())

	ev := exitEvent(t, f)
	assert.Equal(t, models.ExitReasonStopLoss, ev.Reason)
	assert.Equal(t, models.SideBuy, ev.Side, "shorts close with a buy")
}

func TestPendingExitSkipsEvaluation(t *testing.T) {
	f := newFixture(nil)
	p := f.addLong("AAPL", 100)
	p.PendingExit = true
	f.setPrice("AAPL", 90)

	f.manager.tick(context.Background())

	assert.Empty(t, f.bus.events)
	assert.Zero(t, f.broker.snapCalls, "pending positions are not even quoted")
}

func TestMarketClosedSkipsTick(t *testing.T) {
	f := newFixture(nil)
	f.addLong("AAPL", 100)
	f.setPrice("AAPL", 90)
	f.broker.open = false

	f.manager.tick(context.Background())

	assert.Empty(t, f.bus.events)
}

func TestSnapshotErrorSkipsPosition(t *testing.T) {
	f := newFixture(nil)
	f.addLong("AAPL", 100)
	f.broker.snapErr = errors.New("quote feed down")

	f.manager.tick(context.Background())

	assert.Empty(t, f.bus.events)
	assert.False(t, f.tracker.pendingSet["AAPL"], "position stays retryable")
}

func TestSnapshotWithoutPricesSkips(t *testing.T) {
	f := newFixture(nil)
	f.addLong("AAPL", 100)
	f.broker.snapshots["AAPL"] = &broker.Snapshot{Symbol: "AAPL"}

	f.manager.tick(context.Background())

	assert.Empty(t, f.bus.events)
}

func TestSnapshotFallsBackToBid(t *testing.T) {
	f := newFixture(nil)
	f.addLong("AAPL", 100)
	f.broker.snapshots["AAPL"] = &broker.Snapshot{Symbol: "AAPL", BidPrice: floatPtr(97)}

	f.manager.tick(context.Background())

	assert.Equal(t, models.ExitReasonStopLoss, exitEvent(t, f).Reason)
}

func TestPublishFailureLeavesPositionRetryable(t *testing.T) {
	f := newFixture(nil)
	f.addLong("AAPL", 100)
	f.setPrice("AAPL", 90)
	f.bus.err = errors.New("bus full")

	f.manager.tick(context.Background())

	assert.False(t, f.tracker.pendingSet["AAPL"],
		"pending_exit is set only after a successful publish")
	assert.False(t, f.tracker.positions["AAPL"].PendingExit)

	// Next tick with a working bus retries the same exit.
	f.bus.err = nil
	f.manager.tick(context.Background())
	assert.Len(t, f.bus.events, 1)
	assert.True(t, f.tracker.pendingSet["AAPL"])
}

func TestCircuitBreakerClosesAllPositions(t *testing.T) {
	f := newFixture(nil)
	f.addLong("AAPL", 100)
	f.addLong("MSFT", 300)
	f.setPrice("AAPL", 101)
	f.setPrice("MSFT", 301)
	f.state.breaker = models.CircuitTripped

	f.manager.tick(context.Background())

	require.Len(t, f.bus.events, 2)
	for _, raw := range f.bus.events {
		ev, ok := raw.(models.ExitSignalEvent)
		require.True(t, ok)
		assert.Equal(t, models.ExitReasonCircuitBreaker, ev.Reason)
	}
}

func TestCircuitBreakerExitDisabled(t *testing.T) {
	f := newFixture(func(c *Config) { c.ExitOnCircuitBreaker = false })
	f.addLong("AAPL", 100)
	f.setPrice("AAPL", 101)
	f.state.breaker = models.CircuitTripped

	f.manager.tick(context.Background())

	assert.Empty(t, f.bus.events)
}
