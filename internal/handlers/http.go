package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/civic-park/revenue-core/internal/clock"
	"github.com/civic-park/revenue-core/internal/config"
	"github.com/civic-park/revenue-core/internal/database"
	"github.com/civic-park/revenue-core/internal/fraud"
	"github.com/civic-park/revenue-core/internal/ledger"
	"github.com/civic-park/revenue-core/internal/metrics"
	"github.com/civic-park/revenue-core/internal/overstay"
	"github.com/civic-park/revenue-core/internal/pricing"
	"github.com/civic-park/revenue-core/internal/realtime"
)

// HTTPHandler exposes the revenue core over HTTP
type HTTPHandler struct {
	config     *config.Config
	logger     *slog.Logger
	ledger     *ledger.Ledger
	pricing    *pricing.Service
	engine     *fraud.Engine
	dispatcher fraud.Dispatcher
	lotRepo    *database.LotRepository
	ruleRepo   *database.RuleRepository
	eventRepo  *database.EventRepository
	caseRepo   *database.CaseRepository
	alertRepo  *database.AlertRepository
	hub        *realtime.Hub
	collector  *metrics.Collector
	clk        clock.Clock
	validate   *validator.Validate
}

// NewHTTPHandler creates an HTTP handler
func NewHTTPHandler(
	cfg *config.Config,
	logger *slog.Logger,
	occupancy *ledger.Ledger,
	pricingSvc *pricing.Service,
	engine *fraud.Engine,
	dispatcher fraud.Dispatcher,
	lotRepo *database.LotRepository,
	ruleRepo *database.RuleRepository,
	eventRepo *database.EventRepository,
	caseRepo *database.CaseRepository,
	alertRepo *database.AlertRepository,
	hub *realtime.Hub,
	collector *metrics.Collector,
	clk clock.Clock,
) *HTTPHandler {
	return &HTTPHandler{
		config:     cfg,
		logger:     logger,
		ledger:     occupancy,
		pricing:    pricingSvc,
		engine:     engine,
		dispatcher: dispatcher,
		lotRepo:    lotRepo,
		ruleRepo:   ruleRepo,
		eventRepo:  eventRepo,
		caseRepo:   caseRepo,
		alertRepo:  alertRepo,
		hub:        hub,
		collector:  collector,
		clk:        clk,
		validate:   validator.New(),
	}
}

// RegisterRoutes registers all HTTP routes
func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/healthz", h.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/ws", h.handleWebsocket).Methods("GET")

	api := router.PathPrefix("/v1").Subrouter()
	api.Use(h.metricsMiddleware)

	api.HandleFunc("/lots", h.handleCreateLot).Methods("POST")
	api.HandleFunc("/lots", h.handleListLots).Methods("GET")
	api.HandleFunc("/lots/{id}", h.handleGetLot).Methods("GET")
	api.HandleFunc("/lots/{id}/entries", h.handleEntry).Methods("POST")
	api.HandleFunc("/lots/{id}/exits", h.handleExit).Methods("POST")
	api.HandleFunc("/lots/{id}/events", h.handleListLotEvents).Methods("GET")
	api.HandleFunc("/lots/{id}/quote", h.handleQuote).Methods("GET")

	api.HandleFunc("/rules", h.handleCreateRule).Methods("POST")
	api.HandleFunc("/rules", h.handleListRules).Methods("GET")

	api.HandleFunc("/overstay/quote", h.handleOverstayQuote).Methods("POST")

	api.HandleFunc("/alerts", h.handleListAlerts).Methods("GET")
	api.HandleFunc("/alerts/stats", h.handleAlertStats).Methods("GET")
	api.HandleFunc("/alerts/trigger", h.handleTriggerAlert).Methods("POST")
	api.HandleFunc("/alerts/{id}", h.handleGetAlert).Methods("GET")
	api.HandleFunc("/alerts/{id}/ack", h.handleAcknowledgeAlert).Methods("POST")
	api.HandleFunc("/alerts/{id}/resolve", h.handleResolveAlert).Methods("POST")

	api.HandleFunc("/fraud/cases", h.handleListCases).Methods("GET")
}

func (h *HTTPHandler) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		if h.collector != nil {
			route := mux.CurrentRoute(r)
			path := r.URL.Path
			if route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}
			h.collector.HTTPRequest(r.Method, path, strconv.Itoa(recorder.status), time.Since(started))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"status":    "healthy",
		"service":   "revenue-core",
		"timestamp": time.Now().UTC(),
	}
	if h.hub != nil {
		payload["ws_clients"] = h.hub.ClientCount()
	}
	h.writeJSON(w, http.StatusOK, payload)
}

func (h *HTTPHandler) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	h.hub.ServeWS(w, r)
}

// Lot handlers

type createLotRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name" validate:"required"`
	Capacity   int    `json:"capacity" validate:"gte=0"`
	HourlyRate int64  `json:"hourly_rate" validate:"gte=0"`
}

func (h *HTTPHandler) handleCreateLot(w http.ResponseWriter, r *http.Request) {
	var req createLotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	lot := &database.ParkingLot{
		ID:         req.ID,
		Name:       req.Name,
		Capacity:   req.Capacity,
		HourlyRate: req.HourlyRate,
		Status:     database.LotStatusActive,
	}
	if lot.ID == "" {
		lot.ID = uuid.New().String()
	}

	if err := h.lotRepo.Create(r.Context(), lot); err != nil {
		h.logger.Error("Failed to create lot", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to create lot")
		return
	}

	h.writeJSON(w, http.StatusCreated, lot)
}

func (h *HTTPHandler) handleListLots(w http.ResponseWriter, r *http.Request) {
	lots, err := h.lotRepo.List(r.Context())
	if err != nil {
		h.logger.Error("Failed to list lots", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list lots")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"lots": lots, "count": len(lots)})
}

func (h *HTTPHandler) handleGetLot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	lot, err := h.lotRepo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "lot not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "failed to load lot")
		return
	}
	h.writeJSON(w, http.StatusOK, lot)
}

// Occupancy handlers

type sensorEventRequest struct {
	EventID           string    `json:"event_id"`
	VehicleIdentifier string    `json:"vehicle_identifier"`
	HasPayment        bool      `json:"has_payment"`
	OccurredAt        time.Time `json:"occurred_at"`
}

func (h *HTTPHandler) handleEntry(w http.ResponseWriter, r *http.Request) {
	h.handleOccupancyEvent(w, r, database.EventTypeEntry)
}

func (h *HTTPHandler) handleExit(w http.ResponseWriter, r *http.Request) {
	h.handleOccupancyEvent(w, r, database.EventTypeExit)
}

func (h *HTTPHandler) handleOccupancyEvent(w http.ResponseWriter, r *http.Request, eventType string) {
	lotID := mux.Vars(r)["id"]

	var req sensorEventRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.EventID == "" {
		req.EventID = uuid.New().String()
	}

	event := &database.SensorEvent{
		ID:                req.EventID,
		LotID:             lotID,
		EventType:         eventType,
		VehicleIdentifier: req.VehicleIdentifier,
		HasPayment:        req.HasPayment,
		OccurredAt:        req.OccurredAt,
	}

	adj, err := h.ledger.RecordEvent(r.Context(), event)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrLotNotFound):
			h.writeError(w, http.StatusNotFound, "lot not found")
		case errors.Is(err, ledger.ErrCapacityExceeded):
			if h.collector != nil {
				h.collector.DeltaRejected(lotID, "capacity_exceeded")
			}
			h.writeError(w, http.StatusConflict, "lot full")
		case errors.Is(err, ledger.ErrNegativeOccupancy):
			if h.collector != nil {
				h.collector.DeltaRejected(lotID, "negative_occupancy")
			}
			h.writeError(w, http.StatusConflict, "lot is empty")
		case errors.Is(err, ledger.ErrLotUnavailable):
			if h.collector != nil {
				h.collector.DeltaRejected(lotID, "lot_unavailable")
			}
			h.writeError(w, http.StatusConflict, "lot is not accepting vehicles")
		default:
			h.logger.Error("Failed to apply occupancy event", "lot_id", lotID, "error", err)
			h.writeError(w, http.StatusInternalServerError, "failed to apply occupancy event")
		}
		return
	}

	if h.collector != nil {
		h.collector.DeltaAccepted(lotID)
	}

	// Accepted entries feed the fraud engine the same way the sensor
	// topic does, so unpaid attendant entries are watched too.
	if h.engine != nil {
		if err := h.engine.HandleSensorEvent(r.Context(), event); err != nil {
			h.logger.Error("Failed to hand event to fraud engine",
				"event_id", event.ID, "lot_id", lotID, "error", err)
			h.writeError(w, http.StatusInternalServerError, "failed to process event")
			return
		}
	}

	h.writeJSON(w, http.StatusOK, adj)
}

func (h *HTTPHandler) handleListLotEvents(w http.ResponseWriter, r *http.Request) {
	lotID := mux.Vars(r)["id"]

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := h.eventRepo.ListSensorEventsByLot(r.Context(), lotID, limit)
	if err != nil {
		h.logger.Error("Failed to list sensor events", "lot_id", lotID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list sensor events")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

// Pricing handlers

func (h *HTTPHandler) handleQuote(w http.ResponseWriter, r *http.Request) {
	lotID := mux.Vars(r)["id"]

	quote, err := h.pricing.QuoteLot(r.Context(), lotID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "lot not found")
			return
		}
		h.logger.Error("Failed to resolve quote", "lot_id", lotID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to resolve quote")
		return
	}

	if h.collector != nil {
		h.collector.QuoteResolved(quote.IsSurge)
	}
	h.writeJSON(w, http.StatusOK, quote)
}

// Rule handlers

type createRuleRequest struct {
	LotID               *string `json:"lot_id"`
	MinOccupancyPercent float64 `json:"min_occupancy_percent"`
	MaxOccupancyPercent float64 `json:"max_occupancy_percent"`
	Multiplier          float64 `json:"multiplier" validate:"required"`
}

func (h *HTTPHandler) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rule := &database.SurgeRule{
		ID:                  uuid.New().String(),
		LotID:               req.LotID,
		MinOccupancyPercent: req.MinOccupancyPercent,
		MaxOccupancyPercent: req.MaxOccupancyPercent,
		Multiplier:          req.Multiplier,
		Active:              true,
	}

	if err := pricing.ValidateRule(rule); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.ruleRepo.Create(r.Context(), rule); err != nil {
		h.logger.Error("Failed to create rule", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to create rule")
		return
	}

	// A lot-specific rule touches one cached rule set; a global rule
	// feeds every lot's set, so the whole cache goes.
	if rule.LotID != nil {
		h.pricing.InvalidateRules(r.Context(), *rule.LotID)
	} else {
		h.pricing.InvalidateAllRules(r.Context())
	}

	h.writeJSON(w, http.StatusCreated, rule)
}

func (h *HTTPHandler) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.ruleRepo.List(r.Context())
	if err != nil {
		h.logger.Error("Failed to list rules", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules, "count": len(rules)})
}

// Overstay handlers

type overstayQuoteRequest struct {
	ScheduledEnd time.Time  `json:"scheduled_end" validate:"required"`
	Now          *time.Time `json:"now,omitempty"`
}

func (h *HTTPHandler) handleOverstayQuote(w http.ResponseWriter, r *http.Request) {
	var req overstayQuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := h.clk.Now()
	if req.Now != nil {
		now = *req.Now
	}

	assessment, err := overstay.Compute(req.ScheduledEnd, now,
		h.config.Overstay.BlockMinutes, h.config.Overstay.FeePerBlock)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.collector != nil {
		h.collector.OverstayAssessed(assessment.Fee)
	}
	h.writeJSON(w, http.StatusOK, assessment)
}

// Alert handlers

func (h *HTTPHandler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	filter := database.AlertFilter{
		Status:   r.URL.Query().Get("status"),
		Severity: r.URL.Query().Get("severity"),
		LotID:    r.URL.Query().Get("lot_id"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			filter.Limit = n
		}
	}
	if since := r.URL.Query().Get("since"); since != "" {
		if ts, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = ts
		}
	}

	alerts, err := h.alertRepo.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list alerts", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts, "count": len(alerts)})
}

func (h *HTTPHandler) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	alert, err := h.alertRepo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "failed to load alert")
		return
	}
	h.writeJSON(w, http.StatusOK, alert)
}

type ackRequest struct {
	AcknowledgedBy string `json:"acknowledged_by" validate:"required"`
}

func (h *HTTPHandler) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.alertRepo.Acknowledge(r.Context(), id, req.AcknowledgedBy); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.writeError(w, http.StatusConflict, "alert not found or not in new status")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "failed to acknowledge alert")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by" validate:"required"`
	Resolution string `json:"resolution"`
}

func (h *HTTPHandler) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.alertRepo.Resolve(r.Context(), id, req.ResolvedBy, req.Resolution); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.writeError(w, http.StatusConflict, "alert not found or not under investigation")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "failed to resolve alert")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (h *HTTPHandler) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.alertRepo.GetStats(r.Context())
	if err != nil {
		h.logger.Error("Failed to load alert stats", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load alert stats")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

type triggerAlertRequest struct {
	LotID             string `json:"lot_id" validate:"required"`
	VehicleIdentifier string `json:"vehicle_identifier" validate:"required"`
	Severity          string `json:"severity" validate:"omitempty,oneof=LOW MEDIUM HIGH CRITICAL"`
	Description       string `json:"description"`
}

// handleTriggerAlert mints an alert directly, outside the correlation
// flow. Callers inside the trust boundary use it for drills and for
// manually observed evasion.
func (h *HTTPHandler) handleTriggerAlert(w http.ResponseWriter, r *http.Request) {
	var req triggerAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	severity := req.Severity
	if severity == "" {
		severity = database.SeverityCritical
	}
	description := req.Description
	if description == "" {
		description = fmt.Sprintf("Manually reported evasion by vehicle %s at lot %s",
			req.VehicleIdentifier, req.LotID)
	}

	alert := &database.FraudAlert{
		ID:                uuid.New().String(),
		SourceEventID:     "manual-" + uuid.New().String(),
		LotID:             req.LotID,
		VehicleIdentifier: req.VehicleIdentifier,
		Severity:          severity,
		Status:            database.AlertStatusNew,
		Description:       description,
		Metadata:          database.JSONB{"origin": "manual"},
	}

	if err := h.alertRepo.Create(r.Context(), alert); err != nil {
		h.logger.Error("Failed to create manual alert", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to create alert")
		return
	}

	if h.dispatcher != nil {
		if err := h.dispatcher.Dispatch(r.Context(), alert); err != nil {
			h.logger.Error("Failed to dispatch manual alert", "alert_id", alert.ID, "error", err)
		}
	}

	h.writeJSON(w, http.StatusCreated, alert)
}

// Fraud case handlers

func (h *HTTPHandler) handleListCases(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	var (
		cases []*database.FraudCase
		err   error
	)

	switch r.URL.Query().Get("view") {
	case "reconciliation":
		cases, err = h.caseRepo.ListReconciliation(r.Context(), limit)
	case "", "watching":
		cases, err = h.caseRepo.ListWatching(r.Context())
	default:
		cases, err = h.caseRepo.ListByStatus(r.Context(), r.URL.Query().Get("view"), limit)
	}
	if err != nil {
		h.logger.Error("Failed to list fraud cases", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list fraud cases")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"cases": cases, "count": len(cases)})
}

// Helpers

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}
