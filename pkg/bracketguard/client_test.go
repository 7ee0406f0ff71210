package bracketguard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewClient(t *testing.T) {
	c := NewClient("http://localhost:8080/")

	if c.baseURL != "http://localhost:8080" {
		t.Errorf("baseURL = %q, want trailing slash trimmed", c.baseURL)
	}
	if c.httpClient == nil {
		t.Fatal("expected non-nil httpClient")
	}
}

func TestClientPositions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/positions" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode([]Position{{Symbol: "AAPL", Side: "long", Qty: 10, ProtectionState: "protected"}})
	}))
	defer srv.Close()

	got, err := NewClient(srv.URL).Positions(context.Background())
	if err != nil {
		t.Fatalf("Positions: %v", err)
	}
	if len(got) != 1 || got[0].Symbol != "AAPL" || got[0].Qty != 10 {
		t.Errorf("Positions = %+v", got)
	}
}

func TestClientEventsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("symbol") != "MSFT" || q.Get("action") != "repair" || q.Get("limit") != "5" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode([]Event{{ID: "e1", Symbol: "MSFT", Action: "repair"}})
	}))
	defer srv.Close()

	got, err := NewClient(srv.URL).Events(context.Background(), EventQuery{Symbol: "MSFT", Action: "repair", Limit: 5})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e1" {
		t.Errorf("Events = %+v", got)
	}
}

func TestClientPartialExit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/positions/AAPL/partial-exit" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		var req PartialExitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Fraction != 0.25 {
			t.Errorf("body = %+v, %v; want fraction 0.25", req, err)
		}
		json.NewEncoder(w).Encode(PartialExitResult{Symbol: "AAPL", Outcome: "executed", SoldQty: 25})
	}))
	defer srv.Close()

	got, err := NewClient(srv.URL).PartialExit(context.Background(), "AAPL", 0.25)
	if err != nil {
		t.Fatalf("PartialExit: %v", err)
	}
	if got.Outcome != "executed" || got.SoldQty != 25 {
		t.Errorf("PartialExit = %+v", got)
	}
}

func TestClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "intent queue full"})
	}))
	defer srv.Close()

	err := NewClient(srv.URL).SubmitIntent(context.Background(), Intent{Symbol: "AAPL", Side: "long", Qty: 1, SignalPrice: 100})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable || apiErr.Message != "intent queue full" {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestStructRoundTrip(t *testing.T) {
	in := Alert{Symbol: "AAPL", State: "degraded", Previous: "protected", Reason: "stop held"}
	s, err := ToStruct(in)
	if err != nil {
		t.Fatalf("ToStruct: %v", err)
	}
	var out Alert
	if err := fromStruct(s, &out); err != nil {
		t.Fatalf("fromStruct: %v", err)
	}
	if out.Symbol != in.Symbol || out.State != in.State || out.Reason != in.Reason {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}
