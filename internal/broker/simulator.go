package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bracketguard/internal/domain"
)

// Compile-time interface checks.
var (
	_ Broker    = (*SimulatorBroker)(nil)
	_ Quoter    = (*SimulatorBroker)(nil)
	_ BarSource = (*SimulatorBroker)(nil)
)

// Journal operations recorded by SimulatorBroker.
const (
	SimOpSubmit   = "submit"
	SimOpCancel   = "cancel"
	SimOpCanceled = "canceled"
	SimOpFill     = "fill"
)

// SimCall is one entry of the simulator's call journal. Seq is strictly
// increasing, so tests can assert ordering between broker operations.
type SimCall struct {
	Seq      int
	Op       string
	Symbol   string
	OrderID  string
	Type     domain.OrderType
	Side     domain.OrderSide
	Qty      int64
	Price    float64
	Rejected bool
	At       time.Time
}

// SimulatorBroker implements the Broker interface for paper trading and
// tests. It tracks positions and orders in memory and models the broker
// behaviours the engine has to cope with: share reservation by resting
// orders, OCO exit pairs that reserve their shares once, stops that are
// accepted but held, cancels that take several polls to confirm, and
// rejected submissions.
type SimulatorBroker struct {
	mu sync.Mutex

	positions map[string]*domain.Position
	orders    map[string]*domain.Order
	orderIDs  []string
	prices    map[string]float64
	bars      map[string][]domain.Bar
	account   domain.AccountInfo
	nextID    int
	calls     []SimCall
	now       func() time.Time

	hold          map[string]bool
	resting       map[string]bool
	noPrice       map[string]bool
	fillPrice     map[string]float64
	partialFill   map[string]int64
	failNext      map[string]error
	cancelDelay   int
	pendingCancel map[string]int
	stuck         map[string]bool
}

// NewSimulatorBroker creates a new SimulatorBroker with empty position and
// order maps and a funded account.
func NewSimulatorBroker() *SimulatorBroker {
	return &SimulatorBroker{
		positions:     make(map[string]*domain.Position),
		orders:        make(map[string]*domain.Order),
		prices:        make(map[string]float64),
		bars:          make(map[string][]domain.Bar),
		account:       domain.AccountInfo{Equity: 1_000_000, Cash: 1_000_000, BuyingPower: 4_000_000},
		now:           time.Now,
		hold:          make(map[string]bool),
		resting:       make(map[string]bool),
		noPrice:       make(map[string]bool),
		fillPrice:     make(map[string]float64),
		partialFill:   make(map[string]int64),
		failNext:      make(map[string]error),
		pendingCancel: make(map[string]int),
		stuck:         make(map[string]bool),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// ---------------------------------------------------------------------------
// Scenario setup
// ---------------------------------------------------------------------------

// SetPosition creates or replaces a position.
func (b *SimulatorBroker) SetPosition(symbol string, side domain.PositionSide, qty int64, avgPrice float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[symbol] = &domain.Position{
		Symbol:     symbol,
		Side:       side,
		Qty:        qty,
		EntryPrice: avgPrice,
		OpenedAt:   b.now(),
	}
}

// RemovePosition deletes a position as if it had been closed elsewhere.
func (b *SimulatorBroker) RemovePosition(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.positions, symbol)
}

// SetPrice sets the latest trade price for symbol without triggering
// resting orders.
func (b *SimulatorBroker) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
}

// SetPriceUnavailable makes LatestPrice fail for symbol.
func (b *SimulatorBroker) SetPriceUnavailable(symbol string, unavailable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.noPrice[symbol] = unavailable
}

// SetFillPrice forces the execution price of subsequent fills for symbol.
// Zero restores fills at the latest price.
func (b *SimulatorBroker) SetFillPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if price <= 0 {
		delete(b.fillPrice, symbol)
		return
	}
	b.fillPrice[symbol] = price
}

// HoldOrders makes new exit-side stop orders for symbol rest in the held
// state instead of becoming active.
func (b *SimulatorBroker) HoldOrders(symbol string, hold bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hold[symbol] = hold
}

// SetResting makes market and marketable limit orders for symbol rest
// unfilled instead of executing immediately.
func (b *SimulatorBroker) SetResting(symbol string, resting bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resting[symbol] = resting
}

// SetPartialFill makes the next resting market or limit order for symbol
// fill qty shares immediately and leave the remainder open.
func (b *SimulatorBroker) SetPartialFill(symbol string, qty int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partialFill[symbol] = qty
}

// FailNextSubmit makes the next SubmitOrder for symbol return err.
func (b *SimulatorBroker) FailNextSubmit(symbol string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext[symbol] = err
}

// SetCancelDelay makes cancelled orders sit in pending_cancel for n
// GetOrder polls before they are confirmed.
func (b *SimulatorBroker) SetCancelDelay(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelDelay = n
}

// StickCancel makes a cancel request for orderID never complete.
func (b *SimulatorBroker) StickCancel(orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stuck[orderID] = true
}

// SetAccount replaces the simulated account snapshot.
func (b *SimulatorBroker) SetAccount(acct domain.AccountInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.account = acct
}

// SetBars replaces the one-minute bar history for symbol.
func (b *SimulatorBroker) SetBars(symbol string, bars []domain.Bar) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bars[symbol] = append([]domain.Bar(nil), bars...)
}

// PlaceOrder injects an existing order without validation or journaling,
// as if it had been placed before the engine started. It returns the ID.
func (b *SimulatorBroker) PlaceOrder(o domain.Order) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o.ID == "" {
		o.ID = b.newID()
	}
	if o.Status == "" {
		o.Status = domain.OrderStatusAccepted
	}
	if o.TimeInForce == "" {
		o.TimeInForce = domain.TimeInForceGTC
	}
	o.CreatedAt = b.now()
	o.UpdatedAt = o.CreatedAt
	b.storeOrder(&o)
	return o.ID
}

// ReleaseHeld moves every held order for symbol to accepted.
func (b *SimulatorBroker) ReleaseHeld(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range b.orders {
		if o.Symbol == symbol && o.Status == domain.OrderStatusHeld {
			o.Status = domain.OrderStatusAccepted
		}
	}
}

// Tick sets the price for symbol and executes any active stop or limit
// orders that the new price triggers.
func (b *SimulatorBroker) Tick(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
	for _, id := range b.orderIDs {
		o := b.orders[id]
		if o.Symbol != symbol || !o.Status.IsActive() {
			continue
		}
		triggered := false
		switch o.Type {
		case domain.OrderTypeStop, domain.OrderTypeStopLimit, domain.OrderTypeTrailingStop:
			triggered = (o.Side == domain.OrderSideSell && price <= o.StopPrice) ||
				(o.Side == domain.OrderSideBuy && price >= o.StopPrice)
		case domain.OrderTypeLimit:
			triggered = marketable(o.Side, o.LimitPrice, price)
		}
		if triggered {
			b.fill(o, o.RemainingQty(), b.execPrice(symbol, price))
		}
	}
}

// Calls returns a copy of the call journal.
func (b *SimulatorBroker) Calls() []SimCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]SimCall(nil), b.calls...)
}

// Order returns a copy of the order with the given ID.
func (b *SimulatorBroker) Order(orderID string) (domain.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

// ---------------------------------------------------------------------------
// Broker
// ---------------------------------------------------------------------------

// ListPositions returns all simulated positions ordered by symbol.
func (b *SimulatorBroker) ListPositions(ctx context.Context) ([]domain.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	positions := make([]domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		cp := *p
		cp.QtyAvailable = max(0, cp.Qty-b.reserved(cp.Symbol, cp.Side.ExitSide()))
		positions = append(positions, cp)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

// GetPosition returns the simulated position for symbol.
func (b *SimulatorBroker) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, symbol)
	}
	cp := *p
	cp.QtyAvailable = max(0, cp.Qty-b.reserved(symbol, cp.Side.ExitSide()))
	return &cp, nil
}

// ListOrders returns orders for symbol in submission order.
func (b *SimulatorBroker) ListOrders(ctx context.Context, symbol string, filter domain.OrderFilter) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []domain.Order
	for _, id := range b.orderIDs {
		o := b.orders[id]
		if o.Symbol != symbol {
			continue
		}
		if filter != domain.OrderFilterAll && o.Status.IsTerminal() {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

// GetOrder returns the order with the given ID. Each call advances a
// delayed cancel by one step.
func (b *SimulatorBroker) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if left, pending := b.pendingCancel[orderID]; pending {
		if left <= 1 {
			delete(b.pendingCancel, orderID)
			b.confirmCancel(o)
		} else {
			b.pendingCancel[orderID] = left - 1
		}
	}
	cp := *o
	return &cp, nil
}

// SubmitOrder validates the request against current positions and resting
// orders, then records the order and executes it if it is marketable.
func (b *SimulatorBroker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	reject := func(err error) (*domain.Order, error) {
		b.record(SimCall{Op: SimOpSubmit, Symbol: req.Symbol, Type: req.Type, Side: req.Side, Qty: req.Qty, Rejected: true})
		return nil, err
	}

	if err, ok := b.failNext[req.Symbol]; ok {
		delete(b.failNext, req.Symbol)
		return reject(err)
	}
	if req.Qty <= 0 {
		return reject(fmt.Errorf("%w: qty must be positive", ErrRejected))
	}
	if req.Class == domain.OrderClassOCO {
		return b.submitOCO(req, reject)
	}

	pos, hasPos := b.positions[req.Symbol]
	exitSide := hasPos && req.Side == pos.Side.ExitSide()
	if exitSide {
		if avail := max(0, pos.Qty-b.reserved(req.Symbol, req.Side)); req.Qty > avail {
			return reject(fmt.Errorf("%w: %s requested %d, available %d", ErrInsufficientQty, req.Symbol, req.Qty, avail))
		}
	}

	price, hasPrice := b.prices[req.Symbol]
	if req.Type == domain.OrderTypeStop || req.Type == domain.OrderTypeStopLimit {
		if err := b.checkStop(req); err != nil {
			return reject(err)
		}
	}
	if req.Type == domain.OrderTypeLimit && req.LimitPrice <= 0 {
		return reject(fmt.Errorf("%w: limit price required", ErrRejected))
	}
	if req.Type == domain.OrderTypeMarket && !hasPrice {
		return reject(fmt.Errorf("%w: no market for %s", ErrRejected, req.Symbol))
	}

	o := b.newOrder(req, req.Type)
	o.LimitPrice = req.LimitPrice
	o.StopPrice = req.StopPrice
	b.storeOrder(o)
	b.record(SimCall{Op: SimOpSubmit, Symbol: o.Symbol, OrderID: o.ID, Type: o.Type, Side: o.Side, Qty: o.Qty})

	switch o.Type {
	case domain.OrderTypeStop, domain.OrderTypeStopLimit, domain.OrderTypeTrailingStop:
		if exitSide && b.hold[o.Symbol] {
			o.Status = domain.OrderStatusHeld
		}
	case domain.OrderTypeMarket:
		b.execute(o, price)
	case domain.OrderTypeLimit:
		fp, forced := b.fillPrice[o.Symbol]
		forced = forced && !exitSide
		if forced || (hasPrice && marketable(o.Side, o.LimitPrice, price)) {
			if !forced {
				fp = price
			}
			b.execute(o, fp)
		}
	}

	cp := *o
	return &cp, nil
}

// submitOCO places a take-profit limit with a linked stop leg. The pair
// must reduce an existing position and neither leg may be marketable.
func (b *SimulatorBroker) submitOCO(req domain.OrderRequest, reject func(error) (*domain.Order, error)) (*domain.Order, error) {
	pos, ok := b.positions[req.Symbol]
	if !ok || req.Side != pos.Side.ExitSide() {
		return reject(fmt.Errorf("%w: oco must close an open position", ErrRejected))
	}
	if avail := max(0, pos.Qty-b.reserved(req.Symbol, req.Side)); req.Qty > avail {
		return reject(fmt.Errorf("%w: %s requested %d, available %d", ErrInsufficientQty, req.Symbol, req.Qty, avail))
	}
	if req.LimitPrice <= 0 {
		return reject(fmt.Errorf("%w: take-profit price required", ErrRejected))
	}
	if err := b.checkStop(req); err != nil {
		return reject(err)
	}
	if price, ok := b.prices[req.Symbol]; ok && marketable(req.Side, req.LimitPrice, price) {
		return reject(fmt.Errorf("%w: take-profit %.4f is marketable at %.4f", ErrRejected, req.LimitPrice, price))
	}

	parent := b.newOrder(req, domain.OrderTypeLimit)
	parent.LimitPrice = req.LimitPrice
	b.storeOrder(parent)
	b.record(SimCall{Op: SimOpSubmit, Symbol: parent.Symbol, OrderID: parent.ID, Type: parent.Type, Side: parent.Side, Qty: parent.Qty})

	leg := b.newOrder(req, domain.OrderTypeStop)
	leg.ClientOrderID = ""
	leg.StopPrice = req.StopPrice
	leg.ParentID = parent.ID
	if b.hold[req.Symbol] {
		leg.Status = domain.OrderStatusHeld
	}
	b.storeOrder(leg)
	b.record(SimCall{Op: SimOpSubmit, Symbol: leg.Symbol, OrderID: leg.ID, Type: leg.Type, Side: leg.Side, Qty: leg.Qty})

	cp := *parent
	cp.Legs = []domain.Order{*leg}
	return &cp, nil
}

// checkStop rejects a stop price that is missing or already through the
// market.
func (b *SimulatorBroker) checkStop(req domain.OrderRequest) error {
	if req.StopPrice <= 0 {
		return fmt.Errorf("%w: stop price required", ErrRejected)
	}
	price, ok := b.prices[req.Symbol]
	if ok && ((req.Side == domain.OrderSideSell && req.StopPrice >= price) ||
		(req.Side == domain.OrderSideBuy && req.StopPrice <= price)) {
		return fmt.Errorf("%w: stop %.4f on wrong side of market %.4f", ErrRejected, req.StopPrice, price)
	}
	return nil
}

// CancelOrder requests cancellation. Cancelling either leg of an OCO pair
// cancels both. Cancelling a filled order fails; cancelling an already
// cancelled or rejected order is a no-op.
func (b *SimulatorBroker) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	b.record(SimCall{Op: SimOpCancel, Symbol: o.Symbol, OrderID: o.ID, Type: o.Type, Side: o.Side, Qty: o.Qty})

	if o.Status == domain.OrderStatusFilled {
		return fmt.Errorf("%w: order %s already filled", ErrRejected, orderID)
	}
	for _, m := range b.group(o.GroupID()) {
		b.requestCancel(m)
	}
	return nil
}

// GetAccount returns the simulated account snapshot.
func (b *SimulatorBroker) GetAccount(ctx context.Context) (*domain.AccountInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	acct := b.account
	return &acct, nil
}

// LatestPrice returns the last price set for symbol.
func (b *SimulatorBroker) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.prices[symbol]
	if !ok || p <= 0 || b.noPrice[symbol] {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	return p, nil
}

// RecentBars returns up to n bars for symbol stamped at or before end.
func (b *SimulatorBroker) RecentBars(ctx context.Context, symbol string, n int, end time.Time) ([]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []domain.Bar
	for _, bar := range b.bars[symbol] {
		if !bar.Timestamp.After(end) {
			out = append(out, bar)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Internals (callers hold b.mu)
// ---------------------------------------------------------------------------

func (b *SimulatorBroker) newID() string {
	b.nextID++
	return fmt.Sprintf("sim-%d", b.nextID)
}

func (b *SimulatorBroker) newOrder(req domain.OrderRequest, typ domain.OrderType) *domain.Order {
	tif := req.TimeInForce
	if tif == "" {
		tif = domain.TimeInForceDay
	}
	class := req.Class
	if class == "" {
		class = domain.OrderClassSimple
	}
	now := b.now()
	return &domain.Order{
		ID:            b.newID(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          typ,
		TimeInForce:   tif,
		Status:        domain.OrderStatusAccepted,
		Class:         class,
		Qty:           req.Qty,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// group returns the order with ID root and every leg linked to it, in
// submission order.
func (b *SimulatorBroker) group(root string) []*domain.Order {
	var out []*domain.Order
	for _, id := range b.orderIDs {
		if o := b.orders[id]; o.ID == root || o.ParentID == root {
			out = append(out, o)
		}
	}
	return out
}

func (b *SimulatorBroker) requestCancel(o *domain.Order) {
	switch o.Status {
	case domain.OrderStatusFilled, domain.OrderStatusCancelled, domain.OrderStatusRejected, domain.OrderStatusPendingCancel:
		return
	}
	switch {
	case b.stuck[o.ID]:
		o.Status = domain.OrderStatusPendingCancel
	case b.cancelDelay > 0:
		o.Status = domain.OrderStatusPendingCancel
		b.pendingCancel[o.ID] = b.cancelDelay
	default:
		b.confirmCancel(o)
	}
	o.UpdatedAt = b.now()
}

func (b *SimulatorBroker) storeOrder(o *domain.Order) {
	if _, exists := b.orders[o.ID]; !exists {
		b.orderIDs = append(b.orderIDs, o.ID)
	}
	b.orders[o.ID] = o
}

func (b *SimulatorBroker) record(c SimCall) {
	c.Seq = len(b.calls) + 1
	c.At = b.now()
	b.calls = append(b.calls, c)
}

// reserved sums the unfilled quantity of non-terminal orders on side. A
// linked leg shares its parent's reservation.
func (b *SimulatorBroker) reserved(symbol string, side domain.OrderSide) int64 {
	var n int64
	for _, o := range b.orders {
		if o.Symbol != symbol || o.Side != side || !o.Status.ReservesShares() {
			continue
		}
		if p, ok := b.orders[o.ParentID]; ok && p.Status.ReservesShares() {
			continue
		}
		n += o.RemainingQty()
	}
	return n
}

func (b *SimulatorBroker) confirmCancel(o *domain.Order) {
	o.Status = domain.OrderStatusCancelled
	o.UpdatedAt = b.now()
	b.record(SimCall{Op: SimOpCanceled, Symbol: o.Symbol, OrderID: o.ID, Type: o.Type, Side: o.Side, Qty: o.Qty})
}

func (b *SimulatorBroker) execPrice(symbol string, price float64) float64 {
	if fp, ok := b.fillPrice[symbol]; ok {
		return fp
	}
	return price
}

// execute fills a market or marketable limit order, honouring the resting
// and partial-fill knobs.
func (b *SimulatorBroker) execute(o *domain.Order, price float64) {
	price = b.execPrice(o.Symbol, price)
	if qty, ok := b.partialFill[o.Symbol]; ok {
		delete(b.partialFill, o.Symbol)
		if qty > 0 && qty < o.Qty {
			b.fill(o, qty, price)
			return
		}
	}
	if b.resting[o.Symbol] {
		return
	}
	b.fill(o, o.RemainingQty(), price)
}

// fill executes qty shares of o at price and updates the position.
func (b *SimulatorBroker) fill(o *domain.Order, qty int64, price float64) {
	if qty <= 0 {
		return
	}
	prevFilled := o.FilledQty
	o.FilledQty += qty
	o.FilledAvgPrice = (o.FilledAvgPrice*float64(prevFilled) + price*float64(qty)) / float64(o.FilledQty)
	if o.FilledQty >= o.Qty {
		o.Status = domain.OrderStatusFilled
	} else {
		o.Status = domain.OrderStatusPartiallyFilled
	}
	o.UpdatedAt = b.now()
	b.record(SimCall{Op: SimOpFill, Symbol: o.Symbol, OrderID: o.ID, Type: o.Type, Side: o.Side, Qty: qty, Price: price})

	// One leg trading cancels the other.
	if o.Class == domain.OrderClassOCO {
		for _, m := range b.group(o.GroupID()) {
			if m != o && !m.Status.IsTerminal() {
				b.confirmCancel(m)
			}
		}
	}

	pos, ok := b.positions[o.Symbol]
	if !ok {
		side := domain.PositionSideLong
		if o.Side == domain.OrderSideSell {
			side = domain.PositionSideShort
		}
		b.positions[o.Symbol] = &domain.Position{
			Symbol:     o.Symbol,
			Side:       side,
			Qty:        qty,
			EntryPrice: price,
			OpenedAt:   b.now(),
		}
		return
	}

	if o.Side == pos.Side.EntrySide() {
		pos.EntryPrice = (pos.EntryPrice*float64(pos.Qty) + price*float64(qty)) / float64(pos.Qty+qty)
		pos.Qty += qty
		return
	}

	pos.Qty -= qty
	if pos.Qty <= 0 {
		delete(b.positions, o.Symbol)
		b.cancelOrphans(o.Symbol)
	}
}

// cancelOrphans cancels resting exit orders once their position is flat,
// as the broker does for OCO legs.
func (b *SimulatorBroker) cancelOrphans(symbol string) {
	for _, id := range b.orderIDs {
		if o := b.orders[id]; o.Symbol == symbol && !o.Status.IsTerminal() {
			b.confirmCancel(o)
		}
	}
}

func marketable(side domain.OrderSide, limit, price float64) bool {
	if side == domain.OrderSideBuy {
		return limit >= price
	}
	return limit <= price
}
