package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"bracketguard/internal/domain"
	"bracketguard/internal/util"
)

// Compile-time interface checks.
var (
	_ Broker    = (*AlpacaBroker)(nil)
	_ Quoter    = (*AlpacaBroker)(nil)
	_ BarSource = (*AlpacaBroker)(nil)
)

const (
	readAttempts = 3
	readBackoff  = 250 * time.Millisecond
)

// AlpacaOptions configures an AlpacaBroker.
type AlpacaOptions struct {
	APIKey          string
	APISecret       string
	BaseURL         string
	DataURL         string
	Feed            string
	RequestTimeout  time.Duration
	RateLimitPerMin int
}

// AlpacaBroker implements the Broker interface using the Alpaca trading and
// market-data APIs.
type AlpacaBroker struct {
	client  *alpaca.Client
	md      *marketdata.Client
	limiter *util.RateLimiter
	feed    string
	log     *slog.Logger
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoints. Every HTTP request carries a hard timeout.
func NewAlpacaBroker(opts AlpacaOptions) *AlpacaBroker {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	perMin := opts.RateLimitPerMin
	if perMin <= 0 {
		perMin = 200
	}

	mdOpts := marketdata.ClientOpts{
		APIKey:     opts.APIKey,
		APISecret:  opts.APISecret,
		HTTPClient: httpClient,
	}
	if opts.DataURL != "" {
		mdOpts.BaseURL = opts.DataURL
	}

	return &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:     opts.APIKey,
			APISecret:  opts.APISecret,
			BaseURL:    opts.BaseURL,
			HTTPClient: httpClient,
		}),
		md:      marketdata.NewClient(mdOpts),
		limiter: util.NewBurstRateLimiter(perMin, 10),
		feed:    opts.Feed,
		log:     slog.Default().With("broker", "alpaca"),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// do runs a blocking SDK call under the rate limiter and ctx. The SDK has
// no context support, so a cancelled ctx abandons the in-flight request;
// the HTTP client timeout bounds its lifetime.
func (b *AlpacaBroker) do(ctx context.Context, op string, fn func() error) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrTransient, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- fn() }()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w: %v", op, ErrTransient, ctx.Err())
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return fmt.Errorf("%s: %w", op, classifyAlpacaError(err))
	}
}

// read is do for idempotent calls: transient failures are retried with
// backoff while ctx allows.
func (b *AlpacaBroker) read(ctx context.Context, op string, fn func() error) error {
	return util.RetryIf(ctx, readAttempts, readBackoff, func(err error) bool {
		return ctx.Err() == nil && errors.Is(err, ErrTransient)
	}, func() error {
		return b.do(ctx, op, fn)
	})
}

// classifyAlpacaError maps an SDK error onto the broker error set while
// keeping the original message.
func classifyAlpacaError(err error) error {
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	msg := strings.ToLower(apiErr.Message)
	switch {
	case strings.Contains(msg, "insufficient qty"),
		strings.Contains(msg, "wash trade"),
		strings.Contains(msg, "held for orders"):
		return fmt.Errorf("%w: %s", ErrInsufficientQty, apiErr.Message)
	case apiErr.StatusCode == http.StatusNotFound:
		if strings.Contains(msg, "position") {
			return fmt.Errorf("%w: %s", ErrPositionNotFound, apiErr.Message)
		}
		return fmt.Errorf("%w: %s", ErrOrderNotFound, apiErr.Message)
	case apiErr.StatusCode == http.StatusTooManyRequests, apiErr.StatusCode >= 500:
		return fmt.Errorf("%w: %s", ErrTransient, apiErr.Message)
	case apiErr.StatusCode == http.StatusForbidden,
		apiErr.StatusCode == http.StatusUnprocessableEntity,
		apiErr.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrRejected, apiErr.Message)
	default:
		return fmt.Errorf("%w: %s", ErrTransient, apiErr.Message)
	}
}

// ListPositions returns all current positions from the Alpaca account.
func (b *AlpacaBroker) ListPositions(ctx context.Context) ([]domain.Position, error) {
	var raw []alpaca.Position
	err := b.read(ctx, "list positions", func() error {
		var err error
		raw, err = b.client.GetPositions()
		return err
	})
	if err != nil {
		return nil, err
	}

	positions := make([]domain.Position, 0, len(raw))
	for i := range raw {
		positions = append(positions, positionFromAlpaca(&raw[i]))
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

// GetPosition returns the position for a single symbol.
func (b *AlpacaBroker) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	var raw *alpaca.Position
	err := b.read(ctx, "get position "+symbol, func() error {
		var err error
		raw, err = b.client.GetPosition(symbol)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, symbol)
		}
		return nil, err
	}
	p := positionFromAlpaca(raw)
	return &p, nil
}

// ListOrders returns orders for symbol. Open orders include held ones.
func (b *AlpacaBroker) ListOrders(ctx context.Context, symbol string, filter domain.OrderFilter) ([]domain.Order, error) {
	status := "open"
	if filter == domain.OrderFilterAll {
		status = "all"
	}

	var raw []alpaca.Order
	err := b.read(ctx, "list orders "+symbol, func() error {
		var err error
		raw, err = b.client.GetOrders(alpaca.GetOrdersRequest{
			Status:  status,
			Symbols: []string{symbol},
			Limit:   500,
			Nested:  true,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	var orders []domain.Order
	for i := range raw {
		parent := orderFromAlpaca(&raw[i])
		orders = append(orders, parent)
		// Bracket and OCO legs are nested under their parent.
		for _, leg := range parent.Legs {
			orders = append(orders, leg)
		}
	}
	return orders, nil
}

// GetOrder returns a single order by its Alpaca ID.
func (b *AlpacaBroker) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var raw *alpaca.Order
	err := b.read(ctx, "get order "+orderID, func() error {
		var err error
		raw, err = b.client.GetOrder(orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	o := orderFromAlpaca(raw)
	return &o, nil
}

// SubmitOrder sends an order to the Alpaca API. Submissions are never
// retried here: a timed-out submit may still have reached the broker and
// is reconciled on the next verification pass instead.
func (b *AlpacaBroker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	qty := decimal.NewFromInt(req.Qty)
	place := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.OrderType(req.Type),
		TimeInForce:   alpaca.TimeInForce(req.TimeInForce),
		ClientOrderID: req.ClientOrderID,
	}
	if req.LimitPrice > 0 {
		lp := decimal.NewFromFloat(req.LimitPrice)
		place.LimitPrice = &lp
	}
	if req.StopPrice > 0 {
		sp := decimal.NewFromFloat(req.StopPrice)
		place.StopPrice = &sp
	}
	if req.Class == domain.OrderClassOCO {
		// The take-profit limit is the parent; the stop rides as its leg.
		place.OrderClass = alpaca.OCO
		place.Type = alpaca.Limit
		place.TakeProfit = &alpaca.TakeProfit{LimitPrice: place.LimitPrice}
		place.StopLoss = &alpaca.StopLoss{StopPrice: place.StopPrice}
		place.LimitPrice, place.StopPrice = nil, nil
	}

	var raw *alpaca.Order
	err := b.do(ctx, "submit order "+req.Symbol, func() error {
		var err error
		raw, err = b.client.PlaceOrder(place)
		return err
	})
	if err != nil {
		return nil, err
	}

	o := orderFromAlpaca(raw)
	b.log.Debug("order submitted", "symbol", o.Symbol, "id", o.ID, "type", o.Type, "status", o.Status)
	return &o, nil
}

// CancelOrder requests cancellation of an open order via the Alpaca API.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, orderID string) error {
	return b.do(ctx, "cancel order "+orderID, func() error {
		return b.client.CancelOrder(orderID)
	})
}

// GetAccount returns the current account information from the Alpaca API.
func (b *AlpacaBroker) GetAccount(ctx context.Context) (*domain.AccountInfo, error) {
	var raw *alpaca.Account
	err := b.read(ctx, "get account", func() error {
		var err error
		raw, err = b.client.GetAccount()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &domain.AccountInfo{
		Equity:      raw.Equity.InexactFloat64(),
		Cash:        raw.Cash.InexactFloat64(),
		BuyingPower: raw.BuyingPower.InexactFloat64(),
	}, nil
}

// LatestPrice returns the latest trade price from the market-data API.
func (b *AlpacaBroker) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	var trade *marketdata.Trade
	err := b.read(ctx, "latest trade "+symbol, func() error {
		var err error
		trade, err = b.md.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{
			Feed: marketdata.Feed(b.feed),
		})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoPrice, err)
	}
	if trade == nil || trade.Price <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	return trade.Price, nil
}

// RecentBars returns up to n one-minute bars ending at end, oldest first.
func (b *AlpacaBroker) RecentBars(ctx context.Context, symbol string, n int, end time.Time) ([]domain.Bar, error) {
	// Over-fetch the window to cover gaps in thinly traded names.
	start := end.Add(-time.Duration(3*n) * time.Minute)

	var raw []marketdata.Bar
	err := b.read(ctx, "bars "+symbol, func() error {
		var err error
		raw, err = b.md.GetBars(symbol, marketdata.GetBarsRequest{
			TimeFrame: marketdata.OneMin,
			Start:     start,
			End:       end,
			Feed:      marketdata.Feed(b.feed),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if len(raw) > n {
		raw = raw[len(raw)-n:]
	}
	bars := make([]domain.Bar, 0, len(raw))
	for _, r := range raw {
		bars = append(bars, domain.Bar{
			Symbol:     symbol,
			Timestamp:  r.Timestamp,
			Open:       r.Open,
			High:       r.High,
			Low:        r.Low,
			Close:      r.Close,
			Volume:     int64(r.Volume),
			TradeCount: int64(r.TradeCount),
			VWAP:       r.VWAP,
		})
	}
	return bars, nil
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

func positionFromAlpaca(p *alpaca.Position) domain.Position {
	side := domain.PositionSideLong
	if strings.EqualFold(p.Side, "short") || p.Qty.IsNegative() {
		side = domain.PositionSideShort
	}
	return domain.Position{
		Symbol:       p.Symbol,
		Side:         side,
		Qty:          p.Qty.Abs().IntPart(),
		QtyAvailable: p.QtyAvailable.Abs().IntPart(),
		EntryPrice:   p.AvgEntryPrice.InexactFloat64(),
	}
}

func orderFromAlpaca(o *alpaca.Order) domain.Order {
	class := domain.OrderClassSimple
	if o.OrderClass == alpaca.OCO {
		class = domain.OrderClassOCO
	}
	out := domain.Order{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          domain.OrderSide(o.Side),
		Type:          domain.OrderType(o.Type),
		TimeInForce:   domain.TimeInForce(o.TimeInForce),
		Status:        mapAlpacaStatus(o.Status),
		Class:         class,
		FilledQty:     o.FilledQty.IntPart(),
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
	if o.Qty != nil {
		out.Qty = o.Qty.IntPart()
	}
	if o.LimitPrice != nil {
		out.LimitPrice = o.LimitPrice.InexactFloat64()
	}
	if o.StopPrice != nil {
		out.StopPrice = o.StopPrice.InexactFloat64()
	}
	if o.FilledAvgPrice != nil {
		out.FilledAvgPrice = o.FilledAvgPrice.InexactFloat64()
	}
	armOCOStop(&out)
	for i := range o.Legs {
		leg := orderFromAlpaca(&o.Legs[i])
		leg.ParentID = o.ID
		leg.Class = class
		armOCOStop(&leg)
		out.Legs = append(out.Legs, leg)
	}
	return out
}

// armOCOStop reports an OCO stop leg as accepted. Alpaca shows the leg as
// held while its sibling works, yet triggers it all the same.
func armOCOStop(o *domain.Order) {
	if o.Class == domain.OrderClassOCO && o.Status == domain.OrderStatusHeld &&
		(o.Type == domain.OrderTypeStop || o.Type == domain.OrderTypeStopLimit) {
		o.Status = domain.OrderStatusAccepted
	}
}

// mapAlpacaStatus folds Alpaca's order statuses onto the engine's set.
// Statuses in which the order rests without being able to execute are
// reported as held.
func mapAlpacaStatus(s string) domain.OrderStatus {
	switch s {
	case "new", "pending_new":
		return domain.OrderStatusNew
	case "accepted", "accepted_for_bidding", "calculated":
		return domain.OrderStatusAccepted
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "filled":
		return domain.OrderStatusFilled
	case "held", "suspended", "stopped", "done_for_day":
		return domain.OrderStatusHeld
	case "pending_cancel", "pending_replace":
		return domain.OrderStatusPendingCancel
	case "canceled", "expired", "replaced":
		return domain.OrderStatusCancelled
	case "rejected":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusHeld
	}
}
