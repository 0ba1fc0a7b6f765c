package broker

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// AdapterConfig tunes the timeout, retry, cache and breaker behavior around
// the raw broker client.
type AdapterConfig struct {
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	RetryAttempts int
	RetryBase     time.Duration
	RetryFactor   float64

	ClockTTL     time.Duration
	AccountTTL   time.Duration
	PositionsTTL time.Duration

	RateLimit rate.Limit
	RateBurst int

	Breaker CircuitBreakerSettings
}

// CircuitBreakerSettings configures the gobreaker wrapper.
type CircuitBreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultAdapterConfig returns the production defaults: reads 5s with 3
// retry attempts, writes 10s with no retries.
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		ReadTimeout:   5 * time.Second,
		WriteTimeout:  10 * time.Second,
		RetryAttempts: 3,
		RetryBase:     100 * time.Millisecond,
		RetryFactor:   2,
		ClockTTL:      2 * time.Second,
		AccountTTL:    1 * time.Second,
		PositionsTTL:  1 * time.Second,
		RateLimit:     rate.Limit(3),
		RateBurst:     6,
		Breaker: CircuitBreakerSettings{
			MaxRequests:  3,
			Interval:     60 * time.Second,
			Timeout:      30 * time.Second,
			MinRequests:  5,
			FailureRatio: 0.6,
		},
	}
}

type cacheEntry struct {
	value   interface{}
	expires time.Time
}

// Adapter wraps a Broker with per-operation timeouts, read retries with
// jittered backoff, a TTL cache on hot reads, a circuit breaker and a rate
// limiter. The cache map is the adapter's only shared mutable state.
type Adapter struct {
	broker  Broker
	cfg     AdapterConfig
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *log.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

var _ Broker = (*Adapter)(nil)

// NewAdapter wraps broker with the adapter policies.
func NewAdapter(broker Broker, cfg AdapterConfig, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.Default()
	}
	settings := gobreaker.Settings{
		Name:        "broker",
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.Breaker.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.Breaker.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Printf("circuit breaker %s: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Fatal errors are the caller's problem, not upstream health.
			return err == nil || IsFatal(err)
		},
	}
	return &Adapter{
		broker:  broker,
		cfg:     cfg,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:  logger,
		cache:   make(map[string]cacheEntry),
	}
}

// call runs fn with a deadline in its own goroutine so a hung HTTP call
// cannot block the event-processing loop past the timeout.
func call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// read executes a read operation: rate limit, cache lookup, then up to
// RetryAttempts tries through the breaker with jittered exponential backoff
// on transient failures.
func read[T any](a *Adapter, ctx context.Context, op string, ttl time.Duration,
	fn func(context.Context) (T, error)) (T, error) {

	var zero T
	if ttl > 0 {
		if cached, ok := a.cacheGet(op); ok {
			if v, ok := cached.(T); ok {
				return v, nil
			}
		}
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return zero, classify(op, err)
	}

	var lastErr error
	backoff := a.cfg.RetryBase
	for attempt := 1; attempt <= a.cfg.RetryAttempts; attempt++ {
		v, err := execBreaker(a.breaker, func() (T, error) {
			return call(ctx, a.cfg.ReadTimeout, fn)
		})
		if err == nil {
			if ttl > 0 {
				a.cachePut(op, v, ttl)
			}
			return v, nil
		}
		lastErr = classify(op, err)
		if IsFatal(lastErr) || attempt == a.cfg.RetryAttempts {
			break
		}
		a.logger.Printf("%s attempt %d/%d failed, retrying in %v: %v",
			op, attempt, a.cfg.RetryAttempts, backoff, err)
		select {
		case <-time.After(jitter(backoff)):
		case <-ctx.Done():
			return zero, classify(op, ctx.Err())
		}
		backoff = time.Duration(float64(backoff) * a.cfg.RetryFactor)
	}
	return zero, lastErr
}

// write executes a write operation: rate limit, one try through the breaker,
// never retried. Order submissions are not idempotent at this layer; a retry
// is the caller's decision via the deterministic client order ID.
func write[T any](a *Adapter, ctx context.Context, op string,
	fn func(context.Context) (T, error)) (T, error) {

	var zero T
	if err := a.limiter.Wait(ctx); err != nil {
		return zero, classify(op, err)
	}
	v, err := execBreaker(a.breaker, func() (T, error) {
		return call(ctx, a.cfg.WriteTimeout, fn)
	})
	if err != nil {
		return zero, classify(op, err)
	}
	a.cacheInvalidate("get_open_orders", "get_positions")
	return v, nil
}

func execBreaker[T any](breaker *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("circuit breaker: type assertion failed")
	}
	return v, nil
}

// jitter scales d by a random factor in [0.5, 1.0).
func jitter(d time.Duration) time.Duration {
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(half))
	if err != nil {
		return d
	}
	return time.Duration(half + n.Int64())
}

func (a *Adapter) cacheGet(key string) (interface{}, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.cache[key]
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.value, true
}

func (a *Adapter) cachePut(key string, value interface{}, ttl time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache[key] = cacheEntry{value: value, expires: time.Now().Add(ttl)}
}

func (a *Adapter) cacheInvalidate(keys ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, key := range keys {
		delete(a.cache, key)
	}
}

// GetClock serves from a 2s cache; the clock is the sole market-open oracle.
func (a *Adapter) GetClock(ctx context.Context) (*Clock, error) {
	return read(a, ctx, "get_clock", a.cfg.ClockTTL, a.broker.GetClock)
}

// GetAccount serves from a 1s cache.
func (a *Adapter) GetAccount(ctx context.Context) (*Account, error) {
	return read(a, ctx, "get_account", a.cfg.AccountTTL, a.broker.GetAccount)
}

// GetPositions serves from a 1s cache, invalidated by writes.
func (a *Adapter) GetPositions(ctx context.Context) ([]Position, error) {
	return read(a, ctx, "get_positions", a.cfg.PositionsTTL, a.broker.GetPositions)
}

// GetOpenOrders is uncached between writes but invalidated by them.
func (a *Adapter) GetOpenOrders(ctx context.Context) ([]Order, error) {
	return read(a, ctx, "get_open_orders", 0, a.broker.GetOpenOrders)
}

// GetOrder fetches one order; per-order results are not cached.
func (a *Adapter) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return read(a, ctx, "get_order", 0, func(ctx context.Context) (*Order, error) {
		return a.broker.GetOrder(ctx, orderID)
	})
}

// SubmitOrder is a write: single attempt, invalidates order/position caches.
func (a *Adapter) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	return write(a, ctx, "submit_order", func(ctx context.Context) (*Order, error) {
		return a.broker.SubmitOrder(ctx, req)
	})
}

// CancelOrder is a write: single attempt, invalidates order/position caches.
func (a *Adapter) CancelOrder(ctx context.Context, orderID string) error {
	_, err := write(a, ctx, "cancel_order", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.broker.CancelOrder(ctx, orderID)
	})
	return err
}

// GetSnapshot is uncached: exit evaluation wants the freshest price.
func (a *Adapter) GetSnapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	return read(a, ctx, "get_snapshot", 0, func(ctx context.Context) (*Snapshot, error) {
		return a.broker.GetSnapshot(ctx, symbol)
	})
}

// GetBars is uncached: the ingest dedupes by bar timestamp itself.
func (a *Adapter) GetBars(ctx context.Context, req BarsRequest) (map[string][]Bar, error) {
	return read(a, ctx, "get_bars", 0, func(ctx context.Context) (map[string][]Bar, error) {
		return a.broker.GetBars(ctx, req)
	})
}

// GetCryptoBars is uncached for the same reason as GetBars.
func (a *Adapter) GetCryptoBars(ctx context.Context, req BarsRequest) (map[string][]Bar, error) {
	return read(a, ctx, "get_crypto_bars", 0, func(ctx context.Context) (map[string][]Bar, error) {
		return a.broker.GetCryptoBars(ctx, req)
	})
}
