package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bracketguard/internal/domain"
	"bracketguard/internal/engine"
	"bracketguard/internal/store"
	"bracketguard/pkg/bracketguard"
)

const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	positions := s.engine.Positions()
	st := bracketguard.Status{
		Time:      s.now().UTC(),
		Broker:    s.brokerName,
		Positions: len(positions),
		States:    make(map[string]int),
		Degraded:  []string{},
	}
	for _, p := range positions {
		st.States[string(p.ProtectionState)]++
	}
	if s.alerts != nil {
		if d := s.alerts.Degraded(); d != nil {
			st.Degraded = d
		}
	}
	writeJSON(w, st)
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	positions := s.engine.Positions()
	out := make([]bracketguard.Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionJSON(p))
	}
	writeJSON(w, out)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "no audit store configured")
		return
	}
	q := r.URL.Query()
	f := store.EventFilter{
		Symbol: strings.ToUpper(q.Get("symbol")),
		Action: domain.EventAction(q.Get("action")),
		Limit:  100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = min(n, 1000)
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		f.Since = t
	}

	events, err := s.events.ListEvents(r.Context(), f)
	if err != nil {
		s.log.Error("listing events", "error", err)
		writeError(w, http.StatusInternalServerError, "listing events failed")
		return
	}
	out := make([]bracketguard.Event, 0, len(events))
	for _, ev := range events {
		out = append(out, eventJSON(ev))
	}
	writeJSON(w, out)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.VerifyAll(r.Context())
	if err != nil {
		s.log.Warn("on-demand reconcile failed", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, reconcileJSON(res))
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	var in bracketguard.Intent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid intent: "+err.Error())
		return
	}
	side := domain.PositionSide(strings.ToLower(in.Side))
	if side != domain.PositionSideLong && side != domain.PositionSideShort {
		writeError(w, http.StatusBadRequest, "side must be long or short")
		return
	}
	if in.Symbol == "" || in.Qty <= 0 || in.SignalPrice <= 0 {
		writeError(w, http.StatusBadRequest, "symbol, qty and signal_price are required")
		return
	}
	if in.Strategy == "" {
		in.Strategy = "api"
	}

	err := s.engine.SubmitIntent(domain.EntryIntent{
		Symbol:      strings.ToUpper(in.Symbol),
		Side:        side,
		Qty:         in.Qty,
		SignalPrice: in.SignalPrice,
		StopPrice:   in.StopPrice,
		TargetPrice: in.TargetPrice,
		Strategy:    in.Strategy,
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
}

func (s *Server) handlePartialExit(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	var req bracketguard.PartialExitRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
			return
		}
	}

	res, err := s.engine.PartialExit(r.Context(), symbol, req.Fraction)
	if res.Reason == "no_position" {
		writeError(w, http.StatusNotFound, "no position in "+symbol)
		return
	}
	if errors.Is(err, engine.ErrOrderRejected) && res.Outcome == engine.PartialSkipped {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out := bracketguard.PartialExitResult{
		Symbol:       res.Symbol,
		Outcome:      res.Outcome,
		Reason:       res.Reason,
		RequestedQty: res.RequestedQty,
		SoldQty:      res.SoldQty,
		RemainingQty: res.RemainingQty,
		FillPrice:    res.FillPrice,
		Protection:   res.Protection,
	}
	if err != nil {
		s.log.Warn("partial exit", "symbol", symbol, "error", err)
	}
	writeJSON(w, out)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrOrderRejected), errors.Is(err, engine.ErrInsufficientShares):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrBrokerTransient), errors.Is(err, engine.ErrStaleMarketData):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ---------------------------------------------------------------------------
// Wire conversions
// ---------------------------------------------------------------------------

func positionJSON(p domain.Position) bracketguard.Position {
	return bracketguard.Position{
		Symbol:           p.Symbol,
		Side:             string(p.Side),
		Qty:              p.Qty,
		EntryPrice:       p.EntryPrice,
		StopPrice:        p.StopPrice,
		TargetPrice:      p.TargetPrice,
		InitialStop:      p.InitialStop,
		StopOrderID:      p.StopOrderID,
		TargetOrderID:    p.TargetOrderID,
		ProtectionState:  string(p.ProtectionState),
		BracketAdjusted:  p.BracketAdjusted,
		PartialExitTaken: p.PartialExitTaken,
		RepairFailures:   p.RepairFailures,
		OpenedAt:         p.OpenedAt,
		LastVerifiedAt:   p.LastVerifiedAt,
	}
}

func eventJSON(ev domain.Event) bracketguard.Event {
	return bracketguard.Event{
		ID:             ev.ID,
		Time:           ev.Time,
		Symbol:         ev.Symbol,
		Action:         string(ev.Action),
		BeforeOrderIDs: ev.BeforeOrderIDs,
		AfterOrderIDs:  ev.AfterOrderIDs,
		Outcome:        ev.Outcome,
		Detail:         ev.Detail,
	}
}

func reconcileJSON(r domain.ReconciliationResult) bracketguard.ReconcileResult {
	orEmpty := func(s []string) []string {
		if s == nil {
			return []string{}
		}
		return s
	}
	return bracketguard.ReconcileResult{
		Protected:      orEmpty(r.Protected),
		Repaired:       orEmpty(r.Repaired),
		Failed:         orEmpty(r.Failed),
		PriceUnchecked: orEmpty(r.PriceUnchecked),
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
}
