// Package orchestrator wires the engine's components in dependency order
// and runs the phase-based lifecycle: infrastructure, data layer, trading
// logic, runtime.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"smacross/internal/broker"
	"smacross/internal/config"
	"smacross/internal/dashboard"
	"smacross/internal/events"
	"smacross/internal/exits"
	"smacross/internal/marketdata"
	"smacross/internal/metrics"
	"smacross/internal/models"
	"smacross/internal/notify"
	"smacross/internal/orders"
	"smacross/internal/poller"
	"smacross/internal/positions"
	"smacross/internal/reconcile"
	"smacross/internal/risk"
	"smacross/internal/storage"
	"smacross/internal/strategy"
)

// Orchestrator owns every component and the runtime task group. No
// component holds a reference back to it; the bus is the only channel
// between them.
type Orchestrator struct {
	cfg    *config.Config
	env    *config.Env
	logger *log.Logger

	store      *storage.Store
	adapter    *broker.Adapter
	bus        *events.Bus
	ingest     *marketdata.Ingest
	updates    *poller.Poller
	strat      *strategy.SMACross
	risk       *risk.Manager
	orders     *orders.Manager
	tracker    *positions.Tracker
	exits      *exits.Manager
	reconciler *reconcile.Reconciler
	notifier   *notify.Webhook
	metrics    *metrics.Metrics
	dashboard  *dashboard.Server

	history *barHistory

	shutdownOnce sync.Once
}

// New runs phases 1 through 3: infrastructure, data layer, trading logic.
// Any failure aborts startup; nothing is left running on error besides the
// opened store, which Close releases.
func New(ctx context.Context, cfg *config.Config, env *config.Env, logger *log.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = log.Default()
	}
	o := &Orchestrator{cfg: cfg, env: env, logger: logger, history: newBarHistory()}

	if err := o.startInfrastructure(ctx); err != nil {
		return nil, err
	}
	o.startDataLayer()
	if err := o.startTradingLogic(ctx); err != nil {
		_ = o.store.Close()
		return nil, err
	}
	return o, nil
}

// startInfrastructure is phase 1: broker connection, state store, startup
// reconciliation.
func (o *Orchestrator) startInfrastructure(ctx context.Context) error {
	if o.env.APIKey == "" || o.env.SecretKey == "" {
		return fmt.Errorf("ALPACA_API_KEY and ALPACA_SECRET_KEY are required")
	}
	// Live trading needs both the config mode and the env flag; either one
	// alone refuses at startup.
	if !o.cfg.IsPaperTrading() {
		if o.env.Paper || !o.env.AllowLiveTrading {
			return fmt.Errorf("environment.mode is 'live' but the environment does not allow it: " +
				"set ALPACA_PAPER=false and ALLOW_LIVE_TRADING=true")
		}
		o.logger.Printf("LIVE TRADING ENABLED")
	}

	client := broker.NewAlpacaClient(broker.AlpacaConfig{
		APIKey:    o.env.APIKey,
		APISecret: o.env.SecretKey,
		BaseURL:   o.cfg.Broker.BaseURL,
		DataURL:   o.cfg.Broker.DataURL,
	})
	o.adapter = broker.NewAdapter(client, broker.DefaultAdapterConfig(), o.logger)

	dbPath := o.cfg.Storage.Path
	if o.env.DatabasePath != "" {
		dbPath = o.env.DatabasePath
	}
	store, err := storage.Open(dbPath, o.logger)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	o.store = store

	if o.env.CircuitBreakerReset {
		if err := store.ResetCircuitBreaker(); err != nil {
			_ = store.Close()
			return fmt.Errorf("resetting circuit breaker: %w", err)
		}
		o.logger.Printf("Circuit breaker reset via CIRCUIT_BREAKER_RESET")
	}
	if o.env.KillSwitch {
		if err := store.SetKillSwitch(true); err != nil {
			_ = store.Close()
			return fmt.Errorf("engaging kill switch: %w", err)
		}
		o.logger.Printf("Kill switch engaged via KILL_SWITCH")
	}

	o.reconciler = reconcile.New(reconcile.Config{Interval: o.cfg.ReconcileInterval()},
		store, o.adapter, nil, o.logger)
	if err := o.reconciler.RunStartup(ctx); err != nil {
		_ = store.Close()
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	return nil
}

// startDataLayer is phase 2: event bus, market-data ingest, order-update
// poller. Nothing is started yet; Run launches the loops.
func (o *Orchestrator) startDataLayer() {
	o.bus = events.NewBus(o.logger)
	o.ingest = marketdata.New(marketdata.Config{
		EquitySymbols: o.cfg.Symbols.Equities,
		CryptoSymbols: o.cfg.Symbols.Crypto,
		Timeframe:     o.cfg.MarketData.Timeframe,
		BatchSize:     o.cfg.MarketData.BatchSize,
		Feed:          o.cfg.MarketData.Feed,
	}, o.adapter, o.bus, o.store, o.logger)
	o.updates = poller.New(poller.Config{}, o.store, o.adapter, o.bus, o.logger)
}

// startTradingLogic is phase 3: symbol validation, strategy, risk, orders,
// positions, exits, metrics, notifier, dashboard.
func (o *Orchestrator) startTradingLogic(ctx context.Context) error {
	if err := o.validateSymbols(ctx); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	o.metrics = metrics.New(registry)
	o.notifier = notify.NewWebhook(o.cfg.Notifier.WebhookURL, o.logger)
	o.logger.Printf("Alerts: %s", o.notifier)

	o.strat = strategy.NewSMACross(o.cfg.Strategy.Name, o.cfg.MarketData.Timeframe, o.store, o.logger)

	o.tracker = positions.NewTracker(positions.Config{
		TrailingEnabled:    o.cfg.Exits.TrailingEnabled,
		TrailActivationPct: o.cfg.Exits.TrailActivationPct,
		TrailPct:           o.cfg.Exits.TrailPct,
	}, o.store, o.adapter, o.logger)
	if err := o.tracker.LoadPersisted(); err != nil {
		return err
	}
	mismatches, err := o.tracker.SyncWithBroker(ctx)
	if err != nil {
		return fmt.Errorf("syncing positions with broker: %w", err)
	}
	for _, m := range mismatches {
		o.logger.Printf("%s: position qty mismatch, local %s broker %s", m.Symbol, m.LocalQty, m.BrokerQty)
	}
	o.reconciler.SetTracker(o.tracker)

	o.risk = risk.NewManager(risk.Options{
		Risk:          o.cfg.Risk,
		MinConfidence: o.cfg.Strategy.MinConfidence,
		IsCrypto:      o.cfg.IsCrypto,
		State:         o.store,
		Broker:        o.adapter,
		Positions:     o.tracker,
		Logger:        o.logger,
	})

	o.orders = orders.NewManager(orders.Config{
		Strategy:     o.cfg.Strategy.Name,
		Timeframe:    o.cfg.MarketData.Timeframe,
		OrderType:    broker.OrderType(o.cfg.Orders.OrderType),
		TimeInForce:  broker.TimeInForce(o.cfg.Orders.TimeInForce),
		Qty:          decimal.NewFromFloat(o.cfg.Orders.Qty),
		GateCooldown: o.cfg.GateCooldown(),
		DryRun:       o.env.DryRun,
	}, o.store, o.adapter, o.bus, o.notifier, o.logger)
	o.orders.SetSubmitHook(o.metrics.OrdersSubmitted.Inc)

	o.exits = exits.NewManager(exits.Config{
		CheckInterval:        o.cfg.ExitCheckInterval(),
		StopLossPct:          o.cfg.Exits.StopLossPct,
		ProfitTargetPct:      o.cfg.Exits.ProfitTargetPct,
		TrailingEnabled:      o.cfg.Exits.TrailingEnabled,
		ATRMultStop:          o.cfg.Exits.ATRMultStop,
		ATRMultTarget:        o.cfg.Exits.ATRMultTarget,
		ExitOnCircuitBreaker: o.cfg.Exits.ExitOnCircuitBreaker,
	}, o.tracker, o.adapter, o.store, o.bus, o.logger)

	if o.cfg.Dashboard.Enabled {
		o.dashboard = dashboard.NewServer(dashboard.Config{
			Listen:    o.cfg.Dashboard.Listen,
			AuthToken: o.cfg.Dashboard.AuthToken,
		}, o.store, o.tracker, registry, dashboardLogger(o.cfg.Environment.LogLevel))
	}
	return nil
}

// validateSymbols probes each equity symbol with a snapshot request so a
// typo fails at startup rather than on the first bar poll. Crypto pairs are
// shape-validated by the config loader.
func (o *Orchestrator) validateSymbols(ctx context.Context) error {
	for _, symbol := range o.cfg.Symbols.Equities {
		if _, err := o.adapter.GetSnapshot(ctx, symbol); err != nil {
			return fmt.Errorf("symbol %s is not tradable: %w", symbol, err)
		}
	}
	return nil
}

// Run is phase 4: launches every runtime loop and blocks until the context
// is cancelled or a critical task fails, then performs graceful shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.warmUpHistory(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { o.ingest.Run(gctx); return nil })
	g.Go(func() error { o.updates.Run(gctx); return nil })
	g.Go(func() error { o.exits.Run(gctx); return nil })
	g.Go(func() error { o.reconciler.Run(gctx); return nil })
	g.Go(func() error { return o.processEvents(gctx) })
	g.Go(func() error { o.housekeeping(gctx); return nil })
	if o.dashboard != nil {
		g.Go(func() error {
			if err := o.dashboard.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return o.dashboard.Shutdown(shutdownCtx)
		})
	}

	o.logger.Printf("Engine running: %d equities, %d crypto pairs, timeframe %s",
		len(o.cfg.Symbols.Equities), len(o.cfg.Symbols.Crypto), o.cfg.MarketData.Timeframe)
	err := g.Wait()
	o.Shutdown(context.Background())
	return err
}

// warmUpHistory seeds the bar history from the data API so the strategy
// can evaluate on the first live bar instead of waiting out the full
// lookback. Failures are logged, not fatal: the history fills from the
// ingest over time.
func (o *Orchestrator) warmUpHistory(ctx context.Context) {
	limit := o.strat.RequiredHistory() + 10
	if len(o.cfg.Symbols.Equities) > 0 {
		bars, err := o.adapter.GetBars(ctx, broker.BarsRequest{
			Symbols:   o.cfg.Symbols.Equities,
			Timeframe: o.cfg.MarketData.Timeframe,
			Limit:     limit,
			Feed:      o.cfg.MarketData.Feed,
		})
		if err != nil {
			o.logger.Printf("Equity history warm-up failed: %v", err)
		} else {
			o.seedHistory(bars)
		}
	}
	if len(o.cfg.Symbols.Crypto) > 0 {
		bars, err := o.adapter.GetCryptoBars(ctx, broker.BarsRequest{
			Symbols:   o.cfg.Symbols.Crypto,
			Timeframe: o.cfg.MarketData.Timeframe,
			Limit:     limit,
		})
		if err != nil {
			o.logger.Printf("Crypto history warm-up failed: %v", err)
		} else {
			o.seedHistory(bars)
		}
	}
}

func (o *Orchestrator) seedHistory(bars map[string][]broker.Bar) {
	for symbol, series := range bars {
		for _, b := range series {
			o.history.Append(toBarEvent(symbol, b))
		}
		o.logger.Printf("%s: warmed up %d bars", symbol, len(series))
	}
}

func toBarEvent(symbol string, b broker.Bar) models.BarEvent {
	ev := models.BarEvent{
		Symbol:    symbol,
		Timestamp: b.Timestamp,
		Open:      b.Open,
		High:      b.High,
		Low:       b.Low,
		Close:     b.Close,
		Volume:    b.Volume,
	}
	if b.TradeCount > 0 {
		tc := b.TradeCount
		ev.TradeCount = &tc
	}
	if b.VWAP > 0 {
		vw := b.VWAP
		ev.VWAP = &vw
	}
	return ev
}

func dashboardLogger(level string) *logrus.Logger {
	logger := logrus.New()
	if parsed, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(parsed)
	}
	return logger
}
