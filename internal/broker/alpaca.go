package broker

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"smacross/internal/models"
)

// AlpacaConfig configures the Alpaca client.
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
	DataURL   string
}

// AlpacaClient implements Broker against the Alpaca trading and market data
// APIs. The SDK calls are synchronous; timeout enforcement lives in the
// Adapter wrapper, this layer only maps shapes and classifies errors.
type AlpacaClient struct {
	trading *alpaca.Client
	data    *marketdata.Client
}

var _ Broker = (*AlpacaClient)(nil)

// NewAlpacaClient creates a broker client. Retries are disabled at the SDK
// level; the Adapter owns the retry policy.
func NewAlpacaClient(cfg AlpacaConfig) *AlpacaClient {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	return &AlpacaClient{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:     cfg.APIKey,
			APISecret:  cfg.APISecret,
			BaseURL:    cfg.BaseURL,
			RetryLimit: 1,
			HTTPClient: httpClient,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:     cfg.APIKey,
			APISecret:  cfg.APISecret,
			BaseURL:    cfg.DataURL,
			RetryLimit: 1,
			HTTPClient: httpClient,
		}),
	}
}

// GetClock returns the broker's market clock.
func (c *AlpacaClient) GetClock(ctx context.Context) (*Clock, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("get_clock", err)
	}
	clock, err := c.trading.GetClock()
	if err != nil {
		return nil, classify("get_clock", err)
	}
	return &Clock{
		Timestamp: clock.Timestamp,
		IsOpen:    clock.IsOpen,
		NextOpen:  clock.NextOpen,
		NextClose: clock.NextClose,
	}, nil
}

// GetAccount returns the account equity and buying power.
func (c *AlpacaClient) GetAccount(ctx context.Context) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("get_account", err)
	}
	acct, err := c.trading.GetAccount()
	if err != nil {
		return nil, classify("get_account", err)
	}
	return &Account{
		ID:          acct.ID,
		Currency:    acct.Currency,
		Equity:      acct.Equity,
		Cash:        acct.Cash,
		BuyingPower: acct.BuyingPower,
		Blocked:     acct.AccountBlocked || acct.TradingBlocked,
	}, nil
}

// GetPositions returns every open position.
func (c *AlpacaClient) GetPositions(ctx context.Context) ([]Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("get_positions", err)
	}
	raw, err := c.trading.GetPositions()
	if err != nil {
		return nil, classify("get_positions", err)
	}
	positions := make([]Position, 0, len(raw))
	for _, p := range raw {
		pos := Position{
			Symbol:        p.Symbol,
			Qty:           p.Qty,
			AvgEntryPrice: p.AvgEntryPrice,
		}
		if p.CurrentPrice != nil {
			f, _ := p.CurrentPrice.Float64()
			pos.CurrentPrice = &f
		}
		if p.UnrealizedPL != nil {
			f, _ := p.UnrealizedPL.Float64()
			pos.UnrealizedPL = &f
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// GetOpenOrders lists every order still live at the broker.
func (c *AlpacaClient) GetOpenOrders(ctx context.Context) ([]Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("get_open_orders", err)
	}
	raw, err := c.trading.GetOrders(alpaca.GetOrdersRequest{
		Status: "open",
		Limit:  500,
	})
	if err != nil {
		return nil, classify("get_open_orders", err)
	}
	orders := make([]Order, 0, len(raw))
	for i := range raw {
		orders = append(orders, mapAlpacaOrder(&raw[i]))
	}
	return orders, nil
}

// GetOrder fetches one order by the broker's order ID.
func (c *AlpacaClient) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("get_order", err)
	}
	raw, err := c.trading.GetOrder(orderID)
	if err != nil {
		return nil, classify("get_order", err)
	}
	order := mapAlpacaOrder(raw)
	return &order, nil
}

// SubmitOrder places one order. The caller supplies the deterministic client
// order ID; the broker rejects a duplicate, which callers treat as success.
func (c *AlpacaClient) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("submit_order", err)
	}
	if req.Type == OrderTypeLimit && req.LimitPrice == nil {
		return nil, &FatalError{Op: "submit_order", Err: fmt.Errorf("limit order for %s without limit price", req.Symbol)}
	}
	qty := req.Qty
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          mapOrderType(req.Type),
		TimeInForce:   mapTIF(req.TimeInForce),
		ClientOrderID: req.ClientOrderID,
		ExtendedHours: req.ExtendedHours,
	}
	if req.LimitPrice != nil {
		limit := decimal.NewFromFloat(*req.LimitPrice)
		placeReq.LimitPrice = &limit
	}
	raw, err := c.trading.PlaceOrder(placeReq)
	if err != nil {
		return nil, classify("submit_order", err)
	}
	order := mapAlpacaOrder(raw)
	return &order, nil
}

// CancelOrder cancels one order by the broker's order ID.
func (c *AlpacaClient) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return classify("cancel_order", err)
	}
	if err := c.trading.CancelOrder(orderID); err != nil {
		return classify("cancel_order", err)
	}
	return nil
}

// GetSnapshot returns the latest trade and quote for one symbol.
func (c *AlpacaClient) GetSnapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("get_snapshot", err)
	}
	raw, err := c.data.GetSnapshot(symbol, marketdata.GetSnapshotRequest{})
	if err != nil {
		return nil, classify("get_snapshot", err)
	}
	snap := &Snapshot{Symbol: symbol}
	if raw == nil {
		return snap, nil
	}
	if raw.LatestTrade != nil {
		price := raw.LatestTrade.Price
		snap.LastPrice = &price
		snap.Timestamp = raw.LatestTrade.Timestamp
	}
	if raw.LatestQuote != nil {
		bid := raw.LatestQuote.BidPrice
		ask := raw.LatestQuote.AskPrice
		snap.BidPrice = &bid
		snap.AskPrice = &ask
		if snap.Timestamp.IsZero() {
			snap.Timestamp = raw.LatestQuote.Timestamp
		}
	}
	return snap, nil
}

// GetBars fetches equity bars for a batch of symbols.
func (c *AlpacaClient) GetBars(ctx context.Context, req BarsRequest) (map[string][]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("get_bars", err)
	}
	tf, err := parseTimeframe(req.Timeframe)
	if err != nil {
		return nil, &FatalError{Op: "get_bars", Err: err}
	}
	mdReq := marketdata.GetBarsRequest{
		TimeFrame:  tf,
		Start:      req.Start,
		TotalLimit: req.Limit,
		Feed:       marketdata.Feed(req.Feed),
	}
	if req.End != nil {
		mdReq.End = *req.End
	}
	raw, err := c.data.GetMultiBars(req.Symbols, mdReq)
	if err != nil {
		return nil, classify("get_bars", err)
	}
	out := make(map[string][]Bar, len(raw))
	for symbol, bars := range raw {
		mapped := make([]Bar, 0, len(bars))
		for _, b := range bars {
			mapped = append(mapped, Bar{
				Symbol:     symbol,
				Timestamp:  b.Timestamp,
				Open:       b.Open,
				High:       b.High,
				Low:        b.Low,
				Close:      b.Close,
				Volume:     b.Volume,
				TradeCount: b.TradeCount,
				VWAP:       b.VWAP,
			})
		}
		out[symbol] = mapped
	}
	return out, nil
}

// GetCryptoBars fetches crypto bars. The crypto endpoint has no feed
// selection.
func (c *AlpacaClient) GetCryptoBars(ctx context.Context, req BarsRequest) (map[string][]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("get_crypto_bars", err)
	}
	tf, err := parseTimeframe(req.Timeframe)
	if err != nil {
		return nil, &FatalError{Op: "get_crypto_bars", Err: err}
	}
	mdReq := marketdata.GetCryptoBarsRequest{
		TimeFrame:  tf,
		Start:      req.Start,
		TotalLimit: req.Limit,
	}
	if req.End != nil {
		mdReq.End = *req.End
	}
	raw, err := c.data.GetCryptoMultiBars(req.Symbols, mdReq)
	if err != nil {
		return nil, classify("get_crypto_bars", err)
	}
	out := make(map[string][]Bar, len(raw))
	for symbol, bars := range raw {
		mapped := make([]Bar, 0, len(bars))
		for _, b := range bars {
			mapped = append(mapped, Bar{
				Symbol:     symbol,
				Timestamp:  b.Timestamp,
				Open:       b.Open,
				High:       b.High,
				Low:        b.Low,
				Close:      b.Close,
				Volume:     uint64(b.Volume),
				TradeCount: b.TradeCount,
				VWAP:       b.VWAP,
			})
		}
		out[symbol] = mapped
	}
	return out, nil
}

func mapAlpacaOrder(o *alpaca.Order) Order {
	order := Order{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          models.Side(o.Side),
		FilledQty:     o.FilledQty,
		Status:        mapOrderStatus(string(o.Status)),
		Type:          string(o.Type),
		TimeInForce:   string(o.TimeInForce),
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
		FilledAt:      o.FilledAt,
	}
	if o.Qty != nil {
		order.Qty = *o.Qty
	}
	if o.FilledAvgPrice != nil {
		f, _ := o.FilledAvgPrice.Float64()
		order.FilledAvgPrice = &f
	}
	return order
}

func mapOrderStatus(status string) models.OrderStatus {
	s := models.OrderStatus(strings.ToLower(status))
	switch s {
	case models.OrderStatusNew, models.OrderStatusAccepted, models.OrderStatusPartiallyFilled,
		models.OrderStatusFilled, models.OrderStatusCanceled, models.OrderStatusExpired,
		models.OrderStatusRejected, models.OrderStatusPendingNew, models.OrderStatusPendingCancel:
		return s
	case "done_for_day", "stopped", "suspended":
		return models.OrderStatusCanceled
	default:
		return s
	}
}

func mapOrderType(t OrderType) alpaca.OrderType {
	if t == OrderTypeLimit {
		return alpaca.Limit
	}
	return alpaca.Market
}

func mapTIF(tif TimeInForce) alpaca.TimeInForce {
	if tif == TIFGTC {
		return alpaca.GTC
	}
	return alpaca.Day
}

func parseTimeframe(tf string) (marketdata.TimeFrame, error) {
	switch strings.ToLower(tf) {
	case "", "1min":
		return marketdata.OneMin, nil
	case "1hour":
		return marketdata.OneHour, nil
	case "1day":
		return marketdata.OneDay, nil
	}
	lower := strings.ToLower(tf)
	for suffix, unit := range map[string]marketdata.TimeFrameUnit{
		"min": marketdata.Min, "hour": marketdata.Hour, "day": marketdata.Day,
	} {
		if strings.HasSuffix(lower, suffix) {
			n, err := strconv.Atoi(strings.TrimSuffix(lower, suffix))
			if err == nil && n > 0 {
				return marketdata.NewTimeFrame(n, unit), nil
			}
		}
	}
	return marketdata.TimeFrame{}, fmt.Errorf("unsupported timeframe %q", tf)
}
