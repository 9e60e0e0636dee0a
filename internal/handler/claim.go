package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/quoteclaim/internal/auth"
	"github.com/dukerupert/quoteclaim/internal/claim"
)

const (
	claimNotFoundMessage = "claim token not found"
	claimRejectedMessage = "could not attach quote"
)

type ClaimHandler struct {
	claims *claim.Service
	logger *slog.Logger
}

func NewClaimHandler(claims *claim.Service, logger *slog.Logger) *ClaimHandler {
	return &ClaimHandler{claims: claims, logger: logger}
}

// Validate shows what a token unlocks. Unknown, used and expired tokens all
// get the same 404.
func (h *ClaimHandler) Validate(w http.ResponseWriter, r *http.Request) {
	info, err := h.claims.Validate(r.Context(), r.PathValue("token"))
	if errors.Is(err, claim.ErrNotFound) {
		writeError(w, http.StatusNotFound, claimNotFoundMessage)
		return
	}
	if err != nil {
		reqLog(h.logger, r).Error("validate claim token", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to validate claim token")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type redeemRequest struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// Redeem binds a token to the signed-in account. Every failure, including
// a body userId that is not the caller, gets the same 409.
func (h *ClaimHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req redeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusConflict, claimRejectedMessage)
		return
	}
	if req.UserID != "" && req.UserID != userID {
		reqLog(h.logger, r).Warn("claim redemption for another account refused", "user_id", userID)
		writeError(w, http.StatusConflict, claimRejectedMessage)
		return
	}

	if err := h.claims.Redeem(r.Context(), req.Token, userID); err != nil {
		writeError(w, http.StatusConflict, claimRejectedMessage)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Pending lists the claims still waiting on the caller's email address.
// The listing carries no tokens; an unverified address must not be enough
// to redeem.
func (h *ClaimHandler) Pending(w http.ResponseWriter, r *http.Request) {
	ac, _ := auth.FromContext(r.Context())
	pending, err := h.claims.Pending(r.Context(), ac.Email)
	if err != nil {
		reqLog(h.logger, r).Error("list pending claims", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list claims")
		return
	}
	writeJSON(w, http.StatusOK, pending)
}
