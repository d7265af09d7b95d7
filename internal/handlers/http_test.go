package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civic-park/revenue-core/internal/clock"
	"github.com/civic-park/revenue-core/internal/config"
	"github.com/civic-park/revenue-core/internal/database"
	"github.com/civic-park/revenue-core/internal/fraud"
	"github.com/civic-park/revenue-core/internal/ledger"
)

type fakeLotStore struct {
	mu   sync.Mutex
	lots map[string]*database.ParkingLot
}

func (s *fakeLotStore) GetByID(_ context.Context, id string) (*database.ParkingLot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lot, ok := s.lots[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	copied := *lot
	return &copied, nil
}

func (s *fakeLotStore) AdjustOccupancy(_ context.Context, id string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lot, ok := s.lots[id]
	if !ok {
		return 0, database.ErrNotFound
	}
	next := lot.CurrentOccupancy + delta
	if next < 0 || next > lot.Capacity {
		return 0, database.ErrOccupancyConflict
	}
	lot.CurrentOccupancy = next
	return next, nil
}

type memCaseStore struct {
	mu    sync.Mutex
	cases map[string]*database.FraudCase
}

func (s *memCaseStore) Create(_ context.Context, c *database.FraudCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cases[c.SourceEventID]; exists {
		return nil
	}
	copied := *c
	s.cases[c.SourceEventID] = &copied
	return nil
}

func (s *memCaseStore) Resolve(_ context.Context, _, _ string, _ time.Time) (bool, error) {
	return false, nil
}

func (s *memCaseStore) SetAlertID(_ context.Context, _, _ string) (bool, error) {
	return false, nil
}

func (s *memCaseStore) MarkEscalated(_ context.Context, _ string, _ bool) (bool, error) {
	return false, nil
}

func (s *memCaseStore) RecordLateTransaction(_ context.Context, _, _, _ string) (bool, error) {
	return false, nil
}

func (s *memCaseStore) ListWatching(_ context.Context) ([]*database.FraudCase, error) {
	return nil, nil
}

func (s *memCaseStore) get(id string) *database.FraudCase {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cases[id]; ok {
		copied := *c
		return &copied
	}
	return nil
}

type memAlertStore struct{}

func (s *memAlertStore) Create(_ context.Context, _ *database.FraudAlert) error { return nil }

func newEntryTestServer(t *testing.T, lot *database.ParkingLot) (*mux.Router, *fraud.Engine, *memCaseStore) {
	t.Helper()

	lots := &fakeLotStore{lots: map[string]*database.ParkingLot{lot.ID: lot}}
	occupancy := ledger.New(lots, nil, slog.Default())

	caseStore := &memCaseStore{cases: make(map[string]*database.FraudCase)}
	clk := clock.NewMock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	engine := fraud.NewEngine(caseStore, &memAlertStore{}, nil, nil, clk, nil, slog.Default(), fraud.Config{
		GraceWindow: 10 * time.Minute,
	})
	require.NoError(t, engine.Start(context.Background()))

	h := NewHTTPHandler(&config.Config{}, slog.Default(), occupancy, nil, engine,
		nil, nil, nil, nil, nil, nil, nil, nil, clk)

	router := mux.NewRouter()
	h.RegisterRoutes(router)
	return router, engine, caseStore
}

func postEvent(t *testing.T, router *mux.Router, path string, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func activeLot(id string, capacity int) *database.ParkingLot {
	return &database.ParkingLot{
		ID:       id,
		Name:     "Test Lot",
		Capacity: capacity,
		Status:   database.LotStatusActive,
	}
}

func TestEntryFeedsFraudEngine(t *testing.T) {
	t.Run("unpaid entry opens a watching case", func(t *testing.T) {
		router, engine, caseStore := newEntryTestServer(t, activeLot("lot-1", 5))

		rec := postEvent(t, router, "/v1/lots/lot-1/entries", map[string]interface{}{
			"event_id":           "evt-1",
			"vehicle_identifier": "ABC-123",
			"has_payment":        false,
		})

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, 1, engine.WatchingCount())

		c := caseStore.get("evt-1")
		require.NotNil(t, c)
		assert.Equal(t, database.CaseStatusWatching, c.Status)
		assert.Equal(t, "ABC-123", c.VehicleIdentifier)
	})

	t.Run("paid entry opens no case", func(t *testing.T) {
		router, engine, caseStore := newEntryTestServer(t, activeLot("lot-1", 5))

		rec := postEvent(t, router, "/v1/lots/lot-1/entries", map[string]interface{}{
			"event_id":           "evt-1",
			"vehicle_identifier": "ABC-123",
			"has_payment":        true,
		})

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Zero(t, engine.WatchingCount())
		assert.Nil(t, caseStore.get("evt-1"))
	})

	t.Run("rejected entry never reaches the engine", func(t *testing.T) {
		router, engine, caseStore := newEntryTestServer(t, activeLot("lot-1", 0))

		rec := postEvent(t, router, "/v1/lots/lot-1/entries", map[string]interface{}{
			"event_id":           "evt-1",
			"vehicle_identifier": "ABC-123",
			"has_payment":        false,
		})

		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Zero(t, engine.WatchingCount())
		assert.Nil(t, caseStore.get("evt-1"))
	})

	t.Run("exit applies the delta without opening a case", func(t *testing.T) {
		lot := activeLot("lot-1", 5)
		lot.CurrentOccupancy = 2
		router, engine, _ := newEntryTestServer(t, lot)

		rec := postEvent(t, router, "/v1/lots/lot-1/exits", map[string]interface{}{
			"event_id":           "evt-1",
			"vehicle_identifier": "ABC-123",
		})

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Zero(t, engine.WatchingCount())

		var adj ledger.Adjustment
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &adj))
		assert.Equal(t, 1, adj.Occupancy)
	})
}
