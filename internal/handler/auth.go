package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/quoteclaim/internal/auth"
	"github.com/dukerupert/quoteclaim/internal/middleware"
	"github.com/dukerupert/quoteclaim/internal/store"
)

type AuthHandler struct {
	provider   *auth.Provider
	userStore  *store.UserStore
	trustProxy bool
	logger     *slog.Logger
}

func NewAuthHandler(p *auth.Provider, us *store.UserStore, trustProxy bool, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{provider: p, userStore: us, trustProxy: trustProxy, logger: logger}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type sessionResponse struct {
	User      any       `json:"user"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	user, err := h.provider.Register(r.Context(), req.Email, req.Name, req.Password)
	switch {
	case errors.Is(err, auth.ErrEmailTaken):
		writeError(w, http.StatusConflict, "email already registered")
		return
	case errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		reqLog(h.logger, r).Warn("register", "error", err)
		writeError(w, http.StatusBadRequest, "could not register account")
		return
	}

	signed, err := h.provider.StartSession(r.Context(), user)
	if err != nil {
		reqLog(h.logger, r).Error("start session after register", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}
	h.setSessionCookie(w, r, signed)
	writeJSON(w, http.StatusCreated, sessionResponse{User: signed.User, ExpiresAt: signed.Session.ExpiresAt})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	signed, err := h.provider.SignIn(r.Context(), req.Email, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	if err != nil {
		reqLog(h.logger, r).Error("sign in", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to sign in")
		return
	}

	h.setSessionCookie(w, r, signed)
	writeJSON(w, http.StatusOK, sessionResponse{User: signed.User, ExpiresAt: signed.Session.ExpiresAt})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.provider.SignOut(r.Context(), auth.SessionID(r.Context())); err != nil {
		reqLog(h.logger, r).Error("sign out", "error", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   h.secure(r),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.userStore.GetByID(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, r *http.Request, signed *auth.SignedSession) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    signed.Token,
		Path:     "/",
		MaxAge:   int(time.Until(signed.Session.ExpiresAt).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   h.secure(r),
	})
}

func (h *AuthHandler) secure(r *http.Request) bool {
	return r.TLS != nil || (h.trustProxy && r.Header.Get("X-Forwarded-Proto") == "https")
}
