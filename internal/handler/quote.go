package handler

import (
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/dukerupert/quoteclaim/internal/auth"
	"github.com/dukerupert/quoteclaim/internal/claim"
	"github.com/dukerupert/quoteclaim/internal/model"
	"github.com/dukerupert/quoteclaim/internal/store"
)

type QuoteHandler struct {
	quoteStore *store.QuoteStore
	claims     *claim.Service
	logger     *slog.Logger
}

func NewQuoteHandler(qs *store.QuoteStore, claims *claim.Service, logger *slog.Logger) *QuoteHandler {
	return &QuoteHandler{quoteStore: qs, claims: claims, logger: logger}
}

type quoteRequest struct {
	ContactName string `json:"contact_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	Destination string `json:"destination"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	Travellers  int    `json:"travellers"`
	Notes       string `json:"notes"`
}

type quoteCreatedResponse struct {
	Quote      *model.Quote `json:"quote"`
	ClaimToken string       `json:"claim_token"`
	ExpiresAt  time.Time    `json:"expires_at"`
}

func (req *quoteRequest) validate() string {
	req.ContactName = strings.TrimSpace(req.ContactName)
	req.Email = strings.TrimSpace(req.Email)
	req.Destination = strings.TrimSpace(req.Destination)
	if req.Travellers == 0 {
		req.Travellers = 1
	}
	switch {
	case req.ContactName == "":
		return "contact_name is required"
	case req.Destination == "":
		return "destination is required"
	case req.Travellers < 1 || req.Travellers > 100:
		return "travellers must be between 1 and 100"
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return "a valid email is required"
	}
	start, ok := parseDate(req.StartDate)
	if !ok {
		return "start_date must be YYYY-MM-DD"
	}
	end, ok := parseDate(req.EndDate)
	if !ok {
		return "end_date must be YYYY-MM-DD"
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return "end_date must not be before start_date"
	}
	return ""
}

func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.DateOnly, s)
	return t, err == nil
}

// Create takes an anonymous quote request and returns the claim token that
// will later attach it to an account.
func (h *QuoteHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	q, err := h.quoteStore.Create(r.Context(), model.Quote{
		ContactName: req.ContactName,
		Email:       auth.NormalizeEmail(req.Email),
		Phone:       strings.TrimSpace(req.Phone),
		Destination: req.Destination,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
		Travellers:  req.Travellers,
		Notes:       strings.TrimSpace(req.Notes),
	})
	if err != nil {
		reqLog(h.logger, r).Error("create quote", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create quote")
		return
	}

	ct, err := h.claims.Issue(r.Context(), q.ID, q.Email)
	if err != nil {
		reqLog(h.logger, r).Error("issue claim token", "quote_id", q.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create quote")
		return
	}

	writeJSON(w, http.StatusCreated, quoteCreatedResponse{Quote: q, ClaimToken: ct.Token, ExpiresAt: ct.ExpiresAt})
}

// ListMine returns the quotes owned by the signed-in account.
func (h *QuoteHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	quotes, err := h.quoteStore.ListByUser(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		reqLog(h.logger, r).Error("list quotes", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list quotes")
		return
	}
	writeJSON(w, http.StatusOK, quotes)
}

func (h *QuoteHandler) AdminList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !model.ValidQuoteStatus(status) {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	quotes, err := h.quoteStore.List(r.Context(), status)
	if err != nil {
		reqLog(h.logger, r).Error("admin list quotes", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list quotes")
		return
	}
	writeJSON(w, http.StatusOK, quotes)
}

type quoteUpdateRequest struct {
	Status     string `json:"status"`
	PriceCents *int64 `json:"price_cents"`
}

func (h *QuoteHandler) AdminUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := h.quoteStore.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get quote")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "quote not found")
		return
	}

	var req quoteUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Status == "" {
		req.Status = existing.Status
	}
	if !model.ValidQuoteStatus(req.Status) {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	if req.PriceCents != nil && *req.PriceCents < 0 {
		writeError(w, http.StatusBadRequest, "price_cents must not be negative")
		return
	}

	q, err := h.quoteStore.UpdatePricing(r.Context(), id, req.Status, req.PriceCents)
	if err != nil {
		reqLog(h.logger, r).Error("update quote", "quote_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update quote")
		return
	}
	reqLog(h.logger, r).Info("quote updated", "quote_id", id, "status", q.Status, "by", auth.UserID(r.Context()))
	writeJSON(w, http.StatusOK, q)
}
