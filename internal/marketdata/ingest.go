// Package marketdata polls the broker's bar endpoints and publishes
// normalized bar events, one per new (symbol, timestamp).
package marketdata

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"smacross/internal/broker"
	"smacross/internal/models"
)

const (
	// freeFeedBatchCap works around wrong multi-symbol responses on the
	// free feed: larger batches silently drop symbols.
	freeFeedBatchCap = 2

	// windowMinutes and barLimit keep polls fresh while tolerating clock
	// skew between us and the data API.
	windowMinutes = 5
	barLimit      = 10

	retryInterval = 5 * time.Second

	premiumFeed = "sip"
	freeFeed    = "iex"
)

// Broker is the data surface the ingest reads.
type Broker interface {
	GetBars(ctx context.Context, req broker.BarsRequest) (map[string][]broker.Bar, error)
	GetCryptoBars(ctx context.Context, req broker.BarsRequest) (map[string][]broker.Bar, error)
}

// Publisher posts bar events to the bus.
type Publisher interface {
	Publish(event models.Event) error
}

// Recorder persists bars to the audit table. May be nil.
type Recorder interface {
	RecordBar(timeframe string, bar models.BarEvent) error
}

// Config tunes the ingest.
type Config struct {
	EquitySymbols []string
	CryptoSymbols []string
	Timeframe     string
	BatchSize     int
	Feed          string
}

// Ingest polls bars on minute boundaries and dedupes by latest timestamp.
type Ingest struct {
	cfg      Config
	broker   Broker
	bus      Publisher
	recorder Recorder
	logger   *log.Logger
	now      func() time.Time

	activeFeed    string
	feedValidated bool
	lastBars      map[string]time.Time
}

// New creates an ingest.
func New(cfg Config, brokerage Broker, bus Publisher, recorder Recorder, logger *log.Logger) *Ingest {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = "1Min"
	}
	if cfg.Feed == "" {
		cfg.Feed = freeFeed
	}
	return &Ingest{
		cfg:        cfg,
		broker:     brokerage,
		bus:        bus,
		recorder:   recorder,
		logger:     logger,
		now:        time.Now,
		activeFeed: cfg.Feed,
		lastBars:   make(map[string]time.Time),
	}
}

// Run polls aligned to minute boundaries, retrying after a short delay on
// batch errors.
func (i *Ingest) Run(ctx context.Context) {
	for {
		err := i.pollOnce(ctx)
		wait := i.untilNextMinute()
		if err != nil {
			i.logger.Printf("Bar poll failed, retrying in %v: %v", retryInterval, err)
			wait = retryInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (i *Ingest) untilNextMinute() time.Duration {
	now := i.now().UTC()
	next := now.Truncate(time.Minute).Add(time.Minute)
	return next.Sub(now)
}

func (i *Ingest) pollOnce(ctx context.Context) error {
	if len(i.cfg.EquitySymbols) > 0 {
		if err := i.validateFeed(ctx); err != nil {
			return err
		}
		batchCap := i.cfg.BatchSize
		if i.activeFeed != premiumFeed {
			batchCap = freeFeedBatchCap
		}
		for _, batch := range chunk(i.cfg.EquitySymbols, batchCap) {
			bars, err := i.broker.GetBars(ctx, i.barsRequest(batch, i.activeFeed))
			if err != nil {
				return fmt.Errorf("fetching equity bars: %w", err)
			}
			i.publishLatest(batch, bars)
		}
	}

	for _, batch := range chunk(i.cfg.CryptoSymbols, i.cfg.BatchSize) {
		bars, err := i.broker.GetCryptoBars(ctx, i.barsRequest(batch, ""))
		if err != nil {
			return fmt.Errorf("fetching crypto bars: %w", err)
		}
		i.publishLatest(batch, bars)
	}
	return nil
}

// validateFeed probes the premium feed once per session with a
// single-symbol request. A subscription rejection falls back to the free
// feed for the rest of the session; other errors propagate.
func (i *Ingest) validateFeed(ctx context.Context) error {
	if i.feedValidated || i.activeFeed != premiumFeed {
		i.feedValidated = true
		return nil
	}
	_, err := i.broker.GetBars(ctx, i.barsRequest(i.cfg.EquitySymbols[:1], premiumFeed))
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "subscription") && strings.Contains(msg, "permit") {
			i.logger.Printf("Premium feed not permitted, falling back to %s for this session", freeFeed)
			i.activeFeed = freeFeed
			i.feedValidated = true
			return nil
		}
		return fmt.Errorf("validating %s feed: %w", premiumFeed, err)
	}
	i.feedValidated = true
	return nil
}

func (i *Ingest) barsRequest(symbols []string, feed string) broker.BarsRequest {
	return broker.BarsRequest{
		Symbols:   symbols,
		Timeframe: i.cfg.Timeframe,
		Start:     i.now().UTC().Add(-windowMinutes * time.Minute),
		Limit:     barLimit,
		Feed:      feed,
	}
}

// publishLatest emits the freshest bar per symbol, skipping symbols whose
// latest timestamp we already published.
func (i *Ingest) publishLatest(requested []string, bars map[string][]broker.Bar) {
	for _, symbol := range requested {
		series, ok := bars[symbol]
		if !ok || len(series) == 0 {
			i.logger.Printf("%s: no bars in response", symbol)
			continue
		}
		latest := series[len(series)-1]
		if last, seen := i.lastBars[symbol]; seen && last.Equal(latest.Timestamp) {
			continue
		}
		i.lastBars[symbol] = latest.Timestamp

		ev := normalizeBar(symbol, latest)
		if i.recorder != nil {
			if err := i.recorder.RecordBar(i.cfg.Timeframe, ev); err != nil {
				i.logger.Printf("%s: recording bar failed: %v", symbol, err)
			}
		}
		if err := i.bus.Publish(ev); err != nil {
			i.logger.Printf("%s: publishing bar failed: %v", symbol, err)
		}
	}
}

func normalizeBar(symbol string, b broker.Bar) models.BarEvent {
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
		vwap := b.VWAP
		ev.VWAP = &vwap
	}
	return ev
}

// chunk splits symbols into batches of at most size. Every symbol lands in
// exactly one batch; a non-positive size yields a single batch rather than
// silently dropping symbols.
func chunk(symbols []string, size int) [][]string {
	if len(symbols) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(symbols)
	}
	var out [][]string
	for start := 0; start < len(symbols); start += size {
		end := start + size
		if end > len(symbols) {
			end = len(symbols)
		}
		out = append(out, symbols[start:end])
	}
	return out
}
