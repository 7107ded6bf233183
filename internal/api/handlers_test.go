package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marketbot/internal/config"
	"marketbot/pkg/types"
)

type fakeProvider struct {
	status Status
}

func (f *fakeProvider) Status() Status       { return f.status }
func (f *fakeProvider) Events() <-chan Event { return nil }

type fakeCycles struct {
	records  []types.CycleRecord
	gotLimit int
}

func (f *fakeCycles) RecentCycles(_ context.Context, limit int) ([]types.CycleRecord, error) {
	f.gotLimit = limit
	return f.records, nil
}

func newTestHandlers(provider StatusProvider, cycles CycleSource) *Handlers {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandlers(provider, cycles, config.APIConfig{Port: 8080}, NewStream(logger), logger)
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(&fakeProvider{}, &fakeCycles{})

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	provider := &fakeProvider{status: Status{
		State:           "market_scanning",
		CyclesCompleted: 7,
		LastSnapshot:    &types.ResourceSnapshot{Cash: 5_000, Bank: 40_000},
		Now:             now,
	}}
	h := newTestHandlers(provider, &fakeCycles{})

	rec := httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.State != "market_scanning" || got.CyclesCompleted != 7 {
		t.Errorf("status = %+v", got)
	}
	if got.LastSnapshot == nil || got.LastSnapshot.Cash != 5_000 {
		t.Errorf("snapshot = %+v", got.LastSnapshot)
	}
}

func TestHandleCyclesLimit(t *testing.T) {
	t.Parallel()
	cases := []struct {
		query     string
		wantCode  int
		wantLimit int
	}{
		{"", http.StatusOK, 20},
		{"?limit=5", http.StatusOK, 5},
		{"?limit=9999", http.StatusOK, 200},
		{"?limit=0", http.StatusBadRequest, 0},
		{"?limit=abc", http.StatusBadRequest, 0},
	}
	for _, c := range cases {
		cycles := &fakeCycles{records: []types.CycleRecord{{ID: "c1"}}}
		h := newTestHandlers(&fakeProvider{}, cycles)

		rec := httptest.NewRecorder()
		h.HandleCycles(rec, httptest.NewRequest(http.MethodGet, "/api/cycles"+c.query, nil))

		if rec.Code != c.wantCode {
			t.Errorf("%q: status = %d, want %d", c.query, rec.Code, c.wantCode)
			continue
		}
		if c.wantCode == http.StatusOK && cycles.gotLimit != c.wantLimit {
			t.Errorf("%q: limit = %d, want %d", c.query, cycles.gotLimit, c.wantLimit)
		}
	}
}
