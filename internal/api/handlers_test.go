package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeProvider struct {
	status Status
}

func (f *fakeProvider) Status() Status { return f.status }

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	h := NewHandlers(&fakeProvider{}, slog.Default())
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()

	started := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	h := NewHandlers(&fakeProvider{status: Status{
		StartedAt: started,
		Uptime:    "1h0m0s",
		DryRun:    true,
		Symbols:   []string{"BTC-USDT-PERP"},
		Venues: []VenueStatus{
			{Venue: "grvt", Healthy: 1, Total: 1},
		},
		Quarantine: []QuarantineStatus{
			{Symbol: "BTC-USDT-PERP", Status: "WAITING", Reason: "manual intervention required"},
		},
		Trades: TradeStats{Success: 4, Failed: 1},
	}}, slog.Default())

	rec := httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.DryRun || got.Trades.Success != 4 {
		t.Errorf("round trip: %+v", got)
	}
	if len(got.Venues) != 1 || got.Venues[0].Venue != "grvt" {
		t.Errorf("venues: %+v", got.Venues)
	}
	if len(got.Quarantine) != 1 || got.Quarantine[0].Status != "WAITING" {
		t.Errorf("quarantine: %+v", got.Quarantine)
	}
}
