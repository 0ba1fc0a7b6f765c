package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"smacross/internal/models"
)

// stubBroker lets tests script each operation and count calls.
type stubBroker struct {
	clockCalls     atomic.Int64
	accountCalls   atomic.Int64
	positionsCalls atomic.Int64
	submitCalls    atomic.Int64

	clockFn   func(ctx context.Context) (*Clock, error)
	accountFn func(ctx context.Context) (*Account, error)
	submitFn  func(ctx context.Context, req OrderRequest) (*Order, error)
}

func (s *stubBroker) GetClock(ctx context.Context) (*Clock, error) {
	s.clockCalls.Add(1)
	if s.clockFn != nil {
		return s.clockFn(ctx)
	}
	return &Clock{Timestamp: time.Now(), IsOpen: true}, nil
}

func (s *stubBroker) GetAccount(ctx context.Context) (*Account, error) {
	s.accountCalls.Add(1)
	if s.accountFn != nil {
		return s.accountFn(ctx)
	}
	return &Account{Equity: decimal.NewFromInt(100000)}, nil
}

func (s *stubBroker) GetPositions(ctx context.Context) ([]Position, error) {
	s.positionsCalls.Add(1)
	return nil, nil
}

func (s *stubBroker) GetOpenOrders(ctx context.Context) ([]Order, error) { return nil, nil }

func (s *stubBroker) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return &Order{ID: orderID, Status: models.OrderStatusNew}, nil
}

func (s *stubBroker) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	s.submitCalls.Add(1)
	if s.submitFn != nil {
		return s.submitFn(ctx, req)
	}
	return &Order{ID: "o-1", ClientOrderID: req.ClientOrderID, Symbol: req.Symbol,
		Side: req.Side, Qty: req.Qty, Status: models.OrderStatusNew}, nil
}

func (s *stubBroker) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (s *stubBroker) GetSnapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	return &Snapshot{Symbol: symbol}, nil
}

func (s *stubBroker) GetBars(ctx context.Context, req BarsRequest) (map[string][]Bar, error) {
	return map[string][]Bar{}, nil
}

func (s *stubBroker) GetCryptoBars(ctx context.Context, req BarsRequest) (map[string][]Bar, error) {
	return map[string][]Bar{}, nil
}

var _ Broker = (*stubBroker)(nil)

func testAdapterConfig() AdapterConfig {
	cfg := DefaultAdapterConfig()
	cfg.ReadTimeout = 500 * time.Millisecond
	cfg.WriteTimeout = 500 * time.Millisecond
	cfg.RetryBase = time.Millisecond
	cfg.RateLimit = rate.Inf
	return cfg
}

func newTestAdapter(stub *stubBroker) *Adapter {
	return NewAdapter(stub, testAdapterConfig(), log.New(testWriter{}, "", 0))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestAdapterCachesClock(t *testing.T) {
	stub := &stubBroker{}
	adapter := newTestAdapter(stub)

	for i := 0; i < 5; i++ {
		clock, err := adapter.GetClock(context.Background())
		require.NoError(t, err)
		assert.True(t, clock.IsOpen)
	}
	assert.Equal(t, int64(1), stub.clockCalls.Load(), "repeat reads inside the TTL hit the cache")
}

func TestAdapterRetriesTransientReads(t *testing.T) {
	stub := &stubBroker{}
	var attempts atomic.Int64
	stub.accountFn = func(ctx context.Context) (*Account, error) {
		if attempts.Add(1) < 3 {
			return nil, fmt.Errorf("connection reset by peer")
		}
		return &Account{Equity: decimal.NewFromInt(50000)}, nil
	}
	adapter := newTestAdapter(stub)

	acct, err := adapter.GetAccount(context.Background())
	require.NoError(t, err)
	assert.True(t, acct.Equity.Equal(decimal.NewFromInt(50000)))
	assert.Equal(t, int64(3), attempts.Load())
}

func TestAdapterDoesNotRetryFatalReads(t *testing.T) {
	stub := &stubBroker{}
	stub.accountFn = func(ctx context.Context) (*Account, error) {
		return nil, errors.New("401 unauthorized: invalid credentials")
	}
	adapter := newTestAdapter(stub)

	_, err := adapter.GetAccount(context.Background())
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, int64(1), stub.accountCalls.Load())
}

func TestAdapterNeverRetriesWrites(t *testing.T) {
	stub := &stubBroker{}
	stub.submitFn = func(ctx context.Context, req OrderRequest) (*Order, error) {
		return nil, errors.New("connection refused")
	}
	adapter := newTestAdapter(stub)

	_, err := adapter.SubmitOrder(context.Background(), OrderRequest{
		Symbol: "AAPL", Side: models.SideBuy, Qty: decimal.NewFromInt(1),
		ClientOrderID: "abc", Type: OrderTypeMarket, TimeInForce: TIFDay,
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int64(1), stub.submitCalls.Load(), "writes get exactly one attempt")
}

func TestAdapterWritesInvalidatePositionsCache(t *testing.T) {
	stub := &stubBroker{}
	adapter := newTestAdapter(stub)
	ctx := context.Background()

	_, err := adapter.GetPositions(ctx)
	require.NoError(t, err)
	_, err = adapter.GetPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stub.positionsCalls.Load())

	_, err = adapter.SubmitOrder(ctx, OrderRequest{
		Symbol: "AAPL", Side: models.SideBuy, Qty: decimal.NewFromInt(1),
		ClientOrderID: "def", Type: OrderTypeMarket, TimeInForce: TIFDay,
	})
	require.NoError(t, err)

	_, err = adapter.GetPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stub.positionsCalls.Load(), "submit must drop the positions cache entry")
}

func TestAdapterReadTimeout(t *testing.T) {
	stub := &stubBroker{}
	stub.clockFn = func(ctx context.Context) (*Clock, error) {
		select {
		case <-time.After(5 * time.Second):
			return &Clock{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	cfg := testAdapterConfig()
	cfg.ReadTimeout = 20 * time.Millisecond
	cfg.RetryAttempts = 1
	adapter := NewAdapter(stub, cfg, log.New(testWriter{}, "", 0))

	start := time.Now()
	_, err := adapter.GetClock(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err   error
		fatal bool
	}{
		{errors.New("request timeout"), false},
		{errors.New("connection refused"), false},
		{errors.New("502 bad gateway"), false},
		{errors.New("authentication failed"), true},
		{errors.New("invalid symbol XYZ"), true},
		{errors.New("account unauthorized"), true},
		{errors.New("403 forbidden"), true},
		{errors.New("insufficient permission"), true},
	}
	for _, tc := range cases {
		err := classify("op", tc.err)
		if tc.fatal {
			assert.True(t, IsFatal(err), tc.err.Error())
		} else {
			assert.True(t, IsTransient(err), tc.err.Error())
		}
	}

	assert.NoError(t, classify("op", nil))

	// Already-classified errors pass through.
	fatal := &FatalError{Op: "x", Err: errors.New("boom")}
	assert.Same(t, error(fatal), classify("op", fatal))

	// Context errors are transient even though "canceled" is not a marker.
	assert.True(t, IsTransient(classify("op", context.DeadlineExceeded)))
}

func TestSubmitOrderRequiresLimitPrice(t *testing.T) {
	client := &AlpacaClient{}
	_, err := client.SubmitOrder(context.Background(), OrderRequest{
		Symbol: "AAPL", Side: models.SideBuy, Qty: decimal.NewFromInt(1),
		ClientOrderID: "abc", Type: OrderTypeLimit, TimeInForce: TIFDay,
	})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestParseTimeframe(t *testing.T) {
	for _, tf := range []string{"1Min", "5Min", "15Min", "1Hour", "1Day", ""} {
		_, err := parseTimeframe(tf)
		assert.NoError(t, err, tf)
	}
	_, err := parseTimeframe("fortnight")
	assert.Error(t, err)
}

func TestMapOrderStatus(t *testing.T) {
	assert.Equal(t, models.OrderStatusFilled, mapOrderStatus("FILLED"))
	assert.Equal(t, models.OrderStatusPartiallyFilled, mapOrderStatus("partially_filled"))
	assert.Equal(t, models.OrderStatusCanceled, mapOrderStatus("done_for_day"))
	assert.Equal(t, models.OrderStatus("replaced"), mapOrderStatus("replaced"))
}
