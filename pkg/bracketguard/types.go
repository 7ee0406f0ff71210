package bracketguard

import "time"

// Position is the wire form of a protected position.
type Position struct {
	Symbol           string    `json:"symbol"`
	Side             string    `json:"side"`
	Qty              int64     `json:"qty"`
	EntryPrice       float64   `json:"entry_price"`
	StopPrice        float64   `json:"stop_price,omitempty"`
	TargetPrice      float64   `json:"target_price,omitempty"`
	InitialStop      float64   `json:"initial_stop,omitempty"`
	StopOrderID      string    `json:"stop_order_id,omitempty"`
	TargetOrderID    string    `json:"target_order_id,omitempty"`
	ProtectionState  string    `json:"protection_state"`
	BracketAdjusted  bool      `json:"bracket_adjusted"`
	PartialExitTaken bool      `json:"partial_exit_taken"`
	RepairFailures   int       `json:"repair_failures,omitempty"`
	OpenedAt         time.Time `json:"opened_at,omitzero"`
	LastVerifiedAt   time.Time `json:"last_verified_at,omitzero"`
}

// Event is an audit record of one engine action.
type Event struct {
	ID             string    `json:"id"`
	Time           time.Time `json:"time"`
	Symbol         string    `json:"symbol"`
	Action         string    `json:"action"`
	BeforeOrderIDs []string  `json:"before_order_ids,omitempty"`
	AfterOrderIDs  []string  `json:"after_order_ids,omitempty"`
	Outcome        string    `json:"outcome,omitempty"`
	Detail         string    `json:"detail,omitempty"`
}

// ReconcileResult reports one verification pass.
type ReconcileResult struct {
	Protected      []string  `json:"protected"`
	Repaired       []string  `json:"repaired"`
	Failed         []string  `json:"failed"`
	PriceUnchecked []string  `json:"price_unchecked"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Intent asks the engine to open a position.
type Intent struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Qty         int64   `json:"qty"`
	SignalPrice float64 `json:"signal_price"`
	StopPrice   float64 `json:"stop_price,omitempty"`
	TargetPrice float64 `json:"target_price,omitempty"`
	Strategy    string  `json:"strategy,omitempty"`
}

// PartialExitRequest sells Fraction of a position; 0 uses the server default.
type PartialExitRequest struct {
	Fraction float64 `json:"fraction,omitempty"`
}

// PartialExitResult describes one partial exit.
type PartialExitResult struct {
	Symbol       string  `json:"symbol"`
	Outcome      string  `json:"outcome"`
	Reason       string  `json:"reason,omitempty"`
	RequestedQty int64   `json:"requested_qty"`
	SoldQty      int64   `json:"sold_qty"`
	RemainingQty int64   `json:"remaining_qty"`
	FillPrice    float64 `json:"fill_price,omitempty"`
	Protection   string  `json:"protection,omitempty"`
}

// Status summarises the daemon's view of the book.
type Status struct {
	Time      time.Time      `json:"time"`
	Broker    string         `json:"broker"`
	Positions int            `json:"positions"`
	States    map[string]int `json:"states"`
	Degraded  []string       `json:"degraded"`
}

// Alert is a protection state change worth a human's attention.
type Alert struct {
	Symbol   string    `json:"symbol"`
	State    string    `json:"state"`
	Previous string    `json:"previous,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Time     time.Time `json:"time"`
}

// EventQuery filters ListEvents. Zero fields do not filter.
type EventQuery struct {
	Symbol string
	Action string
	Since  time.Time
	Limit  int
}

// gRPC method names of the bracketguard.v1.Protection service.
const (
	ServiceName         = "bracketguard.v1.Protection"
	MethodListPositions = "/" + ServiceName + "/ListPositions"
	MethodWatchAlerts   = "/" + ServiceName + "/WatchAlerts"
	StreamWatchAlerts   = "WatchAlerts"
	UnaryListPositions  = "ListPositions"
)
