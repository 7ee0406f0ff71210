// Package domain defines the core value types shared across bracketguard:
// market data, broker orders and positions, protection state, entry
// intents, and audit events.
package domain

import (
	"time"
)

// Market identifies the exchange calendar a symbol trades on.
type Market string

const (
	MarketUS Market = "us"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is a single OHLCV bar.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// OrderSide is the direction of a broker order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution type of a broker order.
type OrderType string

const (
	OrderTypeMarket       OrderType = "market"
	OrderTypeLimit        OrderType = "limit"
	OrderTypeStop         OrderType = "stop"
	OrderTypeStopLimit    OrderType = "stop_limit"
	OrderTypeTrailingStop OrderType = "trailing_stop"
)

// TimeInForce controls how long an order rests at the broker.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
)

// OrderClass distinguishes a lone order from one leg of a linked pair.
type OrderClass string

const (
	OrderClassSimple OrderClass = "simple"

	// OrderClassOCO pairs a take-profit limit with a stop-loss: the broker
	// reserves the shares once and cancels one leg when the other fills.
	OrderClassOCO OrderClass = "oco"
)

// OrderStatus mirrors the broker's order lifecycle.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusHeld            OrderStatus = "held"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusPendingCancel   OrderStatus = "pending_cancel"
	OrderStatusCancelled       OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// IsActive reports whether an order with this status is live at the
// broker and able to execute. Held orders are not active.
func (s OrderStatus) IsActive() bool {
	switch s {
	case OrderStatusNew, OrderStatusAccepted, OrderStatusPartiallyFilled:
		return true
	}
	return false
}

// IsTerminal reports whether the order can no longer change state.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// ReservesShares reports whether the broker still holds shares against an
// order in this status. Held and pending-cancel orders reserve shares even
// though they provide no protection.
func (s OrderStatus) ReservesShares() bool {
	return !s.IsTerminal()
}

// Order is a broker order.
type Order struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           OrderSide
	Type           OrderType
	TimeInForce    TimeInForce
	Status         OrderStatus
	Class          OrderClass
	Qty            int64
	FilledQty      int64
	LimitPrice     float64
	StopPrice      float64
	FilledAvgPrice float64
	CreatedAt      time.Time
	UpdatedAt      time.Time

	// ParentID is set on the stop leg of an OCO pair and names the
	// take-profit order the pair hangs off. Cancelling the parent cancels
	// the pair.
	ParentID string

	// Legs holds the linked orders returned with a submitted OCO parent.
	Legs []Order
}

// GroupID returns the ID that cancels the order together with any order
// linked to it.
func (o Order) GroupID() string {
	if o.ParentID != "" {
		return o.ParentID
	}
	return o.ID
}

// RemainingQty returns the unfilled quantity of the order.
func (o Order) RemainingQty() int64 {
	if rem := o.Qty - o.FilledQty; rem > 0 {
		return rem
	}
	return 0
}

// OrderRequest describes a new order to submit. An OCO request carries the
// take-profit in LimitPrice and the stop-loss in StopPrice; Type is ignored.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Class         OrderClass
	TimeInForce   TimeInForce
	Qty           int64
	LimitPrice    float64
	StopPrice     float64
	ClientOrderID string
}

// OrderFilter selects which orders ListOrders returns.
type OrderFilter string

const (
	OrderFilterOpen OrderFilter = "open"
	OrderFilterAll  OrderFilter = "all"
)

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

// PositionSide is long or short.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// ExitSide returns the order side that reduces a position of this side.
func (s PositionSide) ExitSide() OrderSide {
	if s == PositionSideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// EntrySide returns the order side that opens a position of this side.
func (s PositionSide) EntrySide() OrderSide {
	if s == PositionSideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Sign is +1 for long and -1 for short; profit is Sign*(price-entry).
func (s PositionSide) Sign() float64 {
	if s == PositionSideShort {
		return -1
	}
	return 1
}

// ProtectionState summarises whether a position carries a live stop.
type ProtectionState string

const (
	ProtectionUnprotected ProtectionState = "unprotected"
	ProtectionProtected   ProtectionState = "protected"
	ProtectionRepairing   ProtectionState = "repairing"
	ProtectionDegraded    ProtectionState = "degraded"
)

// Position is a single open position. Price fields use 0 for "unset".
type Position struct {
	Symbol     string
	Side       PositionSide
	Qty        int64
	EntryPrice float64

	// QtyAvailable is the broker-reported quantity not reserved by
	// resting orders. Only meaningful on positions read from a broker.
	QtyAvailable int64

	StopPrice     float64
	TargetPrice   float64
	InitialStop   float64
	StopOrderID   string
	TargetOrderID string

	ProtectionState  ProtectionState
	BracketAdjusted  bool
	PartialExitTaken bool
	RepairFailures   int

	OpenedAt       time.Time
	LastVerifiedAt time.Time
}

// RiskPerShare returns the distance between entry and the initial stop, or
// zero if no initial stop is known.
func (p Position) RiskPerShare() float64 {
	stop := p.InitialStop
	if stop == 0 {
		stop = p.StopPrice
	}
	if stop == 0 {
		return 0
	}
	r := (p.EntryPrice - stop) * p.Side.Sign()
	if r <= 0 {
		return 0
	}
	return r
}

// RMultiple returns the open profit at price expressed in units of initial
// risk. It returns 0 when risk is unknown.
func (p Position) RMultiple(price float64) float64 {
	risk := p.RiskPerShare()
	if risk == 0 {
		return 0
	}
	return (price - p.EntryPrice) * p.Side.Sign() / risk
}

// AccountInfo holds a snapshot of account-level financial metrics.
type AccountInfo struct {
	Equity      float64
	Cash        float64
	BuyingPower float64
}

// ---------------------------------------------------------------------------
// Protection
// ---------------------------------------------------------------------------

// OrderKind classifies an order relative to the position it belongs to.
type OrderKind string

const (
	OrderKindStop         OrderKind = "stop"
	OrderKindTarget       OrderKind = "target"
	OrderKindTrailingStop OrderKind = "trailing_stop"
	OrderKindEntry        OrderKind = "entry"
	OrderKindExit         OrderKind = "exit"
)

// IsStop reports whether the kind provides stop-loss protection.
func (k OrderKind) IsStop() bool {
	return k == OrderKindStop || k == OrderKindTrailingStop
}

// ProtectiveOrder is a broker order viewed as part of a position's bracket.
type ProtectiveOrder struct {
	OrderID string
	GroupID string
	Kind    OrderKind
	Status  OrderStatus
	Price   float64
	Qty     int64
	Symbol  string
}

// Classify derives the bracket role of a broker order for a position held
// on side. Orders on the entry side are entries; exit-side stops are stops,
// exit-side limits are targets, exit-side market orders are plain exits.
func Classify(o Order, side PositionSide) ProtectiveOrder {
	po := ProtectiveOrder{
		OrderID: o.ID,
		GroupID: o.GroupID(),
		Status:  o.Status,
		Qty:     o.RemainingQty(),
		Symbol:  o.Symbol,
	}
	if o.Side != side.ExitSide() {
		po.Kind = OrderKindEntry
		po.Price = o.LimitPrice
		return po
	}
	switch o.Type {
	case OrderTypeStop, OrderTypeStopLimit:
		po.Kind = OrderKindStop
		po.Price = o.StopPrice
	case OrderTypeTrailingStop:
		po.Kind = OrderKindTrailingStop
		po.Price = o.StopPrice
	case OrderTypeLimit:
		po.Kind = OrderKindTarget
		po.Price = o.LimitPrice
	default:
		po.Kind = OrderKindExit
	}
	return po
}

// ReconciliationResult is produced once per verifier pass.
type ReconciliationResult struct {
	Protected []string
	Repaired  []string
	Failed    []string

	// PriceUnchecked lists symbols whose stop-versus-market check was
	// skipped because no price was available.
	PriceUnchecked []string

	StartedAt  time.Time
	FinishedAt time.Time
}

// MomentumAdjustmentRecord is written once when a position's bracket is
// extended.
type MomentumAdjustmentRecord struct {
	Symbol     string
	OpenedAt   time.Time
	OldStop    float64
	NewStop    float64
	OldTarget  float64
	NewTarget  float64
	AdjustedAt time.Time
}

// ---------------------------------------------------------------------------
// Entries
// ---------------------------------------------------------------------------

// EntryIntent is a strategy's request to open a position.
type EntryIntent struct {
	Symbol      string
	Side        PositionSide
	Qty         int64
	SignalPrice float64
	StopPrice   float64
	TargetPrice float64
	Strategy    string
	CreatedAt   time.Time
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

// EventAction names the kind of mutation an audit event records.
type EventAction string

const (
	ActionRepair      EventAction = "repair"
	ActionAdjust      EventAction = "adjust"
	ActionPartialExit EventAction = "partial_exit"
	ActionEntry       EventAction = "entry"
	ActionUnwind      EventAction = "unwind"
)

// Event is an immutable audit record of an engine action.
type Event struct {
	ID             string
	Time           time.Time
	Symbol         string
	Action         EventAction
	BeforeOrderIDs []string
	AfterOrderIDs  []string
	Outcome        string
	Detail         string
}
