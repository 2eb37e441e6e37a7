package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"xrplwatch/internal/storage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Handler serves the read API over the stores.
type Handler struct {
	txs         storage.TransactionReader
	rules       storage.RuleStore
	alerts      storage.AlertStore
	recentLimit int
	health      func() string
	now         func() time.Time
}

// NewHandler builds the API handler. health reports the pipeline state and
// may be nil.
func NewHandler(txs storage.TransactionReader, rules storage.RuleStore, alerts storage.AlertStore, recentLimit int, health func() string) *Handler {
	if recentLimit <= 0 {
		recentLimit = 25
	}
	return &Handler{
		txs:         txs,
		rules:       rules,
		alerts:      alerts,
		recentLimit: recentLimit,
		health:      health,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes mounts every endpoint. Everything except /healthz requires
// the API key.
func (h *Handler) RegisterRoutes(router chi.Router, apiKey string) {
	router.Get("/healthz", h.handleHealth)

	router.Group(func(r chi.Router) {
		r.Use(requireAPIKey(apiKey))
		r.Get("/dashboard", h.handleDashboard)
		r.Get("/transactions", h.handleTransactions)
		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", h.handleListAlerts)
			r.Post("/", h.handleCreateRule)
			r.Post("/{alertID}/ack", h.handleAcknowledge)
		})
		r.Get("/rules", h.handleListRules)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := "unknown"
	if h.health != nil {
		state = h.health()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "pipeline": state})
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := h.txs.Dashboard(r.Context(), h.now().Add(-24*time.Hour), h.recentLimit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDashboardView(dash))
}

func (h *Handler) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := storage.TransactionFilter{Limit: limit}
	if raw := r.URL.Query().Get("direction"); raw != "" {
		dir, err := storage.ParseDirection(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Direction = &dir
	}

	txs, err := h.txs.ListTransactions(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	items := make([]transactionView, 0, len(txs))
	for _, tx := range txs {
		items = append(items, newTransactionView(tx))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	var status *storage.AlertStatus
	if raw := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))); raw != "" {
		s := storage.AlertStatus(raw)
		if s != storage.AlertStatusOpen && s != storage.AlertStatusAcknowledged {
			writeError(w, http.StatusBadRequest, "status must be open or acknowledged")
			return
		}
		status = &s
	}

	alerts, err := h.alerts.ListAlerts(r.Context(), status, 0)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	items := make([]alertView, 0, len(alerts))
	for _, a := range alerts {
		items = append(items, newAlertView(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type createRuleRequest struct {
	Name         string           `json:"name"`
	MinAmountXRP *decimal.Decimal `json:"min_amount_xrp"`
	Direction    *string          `json:"direction"`
	Counterparty *string          `json:"counterparty"`
	MemoKeyword  *string          `json:"memo_keyword"`
}

func (h *Handler) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	rule := storage.NewAlertRule{
		Name:         strings.TrimSpace(req.Name),
		MinAmount:    req.MinAmountXRP,
		Counterparty: nonEmpty(req.Counterparty),
		MemoKeyword:  nonEmpty(req.MemoKeyword),
	}
	if req.Direction != nil && *req.Direction != "" {
		dir, err := storage.ParseDirection(*req.Direction)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		rule.Direction = &dir
	}
	if err := rule.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	created, err := h.rules.CreateRule(r.Context(), rule)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newRuleView(created))
}

func (h *Handler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "alertID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "alert id must be a positive integer")
		return
	}

	alert, err := h.alerts.AcknowledgeAlert(r.Context(), id, h.now())
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": alert.ID, "status": alert.Status})
}

func (h *Handler) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.ListRules(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	items := make([]ruleView, 0, len(rules))
	for _, rule := range rules {
		items = append(items, newRuleView(rule))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(limit, maxListLimit), nil
}

func nonEmpty(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotConfigured) {
		writeError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
