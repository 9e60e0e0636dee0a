package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dukerupert/quoteclaim/internal/auth"
	"github.com/dukerupert/quoteclaim/internal/cache"
	"github.com/dukerupert/quoteclaim/internal/claim"
	"github.com/dukerupert/quoteclaim/internal/config"
	"github.com/dukerupert/quoteclaim/internal/handler"
	"github.com/dukerupert/quoteclaim/internal/idle"
	"github.com/dukerupert/quoteclaim/internal/middleware"
	"github.com/dukerupert/quoteclaim/internal/store"
	ws "github.com/dukerupert/quoteclaim/internal/websocket"
)

type Server struct {
	hub            *ws.Hub
	registry       *idle.Registry
	provider       *auth.Provider
	authH          *handler.AuthHandler
	quoteH         *handler.QuoteHandler
	claimH         *handler.ClaimHandler
	healthH        *handler.HealthHandler
	rateLimiter    *middleware.RateLimiter
	trustProxy     bool
	originPatterns []string
	unsubscribe    func()
	logger         *slog.Logger
}

// New wires stores, services and handlers. revocations backs the session
// blocklist; pass nil to use an in-process cache.
func New(db *sql.DB, cfg *config.Config, revocations cache.Cache, logger *slog.Logger) (*Server, error) {
	userStore := store.NewUserStore(db)
	sessionStore := store.NewSessionStore(db)
	quoteStore := store.NewQuoteStore(db)
	claimStore := store.NewClaimTokenStore(db)

	if revocations == nil {
		revocations = cache.NewMemory()
	}

	tokens := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	provider := auth.NewProvider(userStore, sessionStore, tokens,
		auth.WithSessionTTL(cfg.SessionTTL()),
		auth.WithRevocationCache(revocations),
		auth.WithLogger(logger.With("component", "auth")),
	)

	claims := claim.NewService(claimStore, quoteStore,
		claim.WithTTL(cfg.ClaimTTL()),
		claim.WithAccounts(provider),
		claim.WithStrictEmail(cfg.Claim.StrictEmail),
		claim.WithLogger(logger.With("component", "claim")),
	)

	registry, err := idle.NewRegistry(idle.Config{
		Timeout:                cfg.IdleTimeout(),
		WarningWindow:          cfg.IdleWarning(),
		ExcludedSignals:        cfg.Idle.ExcludedSignals,
		ActivityExtendsWarning: cfg.Idle.ActivityExtendsWarning,
		TickInterval:           cfg.IdleTick(),
		Logger:                 logger.With("component", "idle"),
	}, func(ctx context.Context, sessionID string) error {
		return provider.Terminate(ctx, sessionID, auth.ReasonIdleTimeout)
	})
	if err != nil {
		return nil, fmt.Errorf("idle registry: %w", err)
	}

	// A revoked session's channels close without an expiry notice. Idle
	// terminations arrive here too and are skipped by Close.
	unsubscribe := provider.Subscribe(func(ev auth.SessionEvent) {
		registry.Close(ev.SessionID)
	})

	return &Server{
		hub:            ws.NewHub(logger.With("component", "websocket")),
		registry:       registry,
		provider:       provider,
		authH:          handler.NewAuthHandler(provider, userStore, cfg.Server.TrustProxy, logger.With("component", "auth_handler")),
		quoteH:         handler.NewQuoteHandler(quoteStore, claims, logger.With("component", "quote")),
		claimH:         handler.NewClaimHandler(claims, logger.With("component", "claim_handler")),
		healthH:        handler.NewHealthHandler(db),
		rateLimiter:    middleware.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst),
		trustProxy:     cfg.Server.TrustProxy,
		originPatterns: cfg.Server.OriginPatterns,
		unsubscribe:    unsubscribe,
		logger:         logger,
	}, nil
}

// Provider returns the auth provider for bootstrap and cleanup tasks.
func (s *Server) Provider() *auth.Provider {
	return s.provider
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// Close stops every idle monitor and drops websocket clients. Sessions are
// left as they are.
func (s *Server) Close() {
	s.unsubscribe()
	s.registry.Shutdown()
	s.hub.CloseAll()
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes (no auth required)
	outerMux.HandleFunc("GET /health", s.healthH.Health)
	outerMux.Handle("POST /api/register", s.rateLimited(http.HandlerFunc(s.authH.Register)))
	outerMux.Handle("POST /api/login", s.rateLimited(http.HandlerFunc(s.authH.Login)))
	outerMux.Handle("POST /api/quotes", s.rateLimited(http.HandlerFunc(s.quoteH.Create)))
	outerMux.Handle("GET /api/claims/{token}", s.rateLimited(http.HandlerFunc(s.claimH.Validate)))

	// Protected routes
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	authMiddleware := middleware.RequireAuth(s.provider)
	outerMux.Handle("/", authMiddleware(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"), s.trustProxy)(outerMux)
}

func (s *Server) rateLimited(h http.Handler) http.Handler {
	return middleware.RateLimit(s.rateLimiter, middleware.IPKey(s.trustProxy))(h)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/logout", s.authH.Logout)
	mux.HandleFunc("GET /api/me", s.authH.Me)

	mux.HandleFunc("GET /api/quotes", s.quoteH.ListMine)

	mux.HandleFunc("GET /api/claims", s.claimH.Pending)
	mux.Handle("POST /api/claims/redeem", s.rateLimited(http.HandlerFunc(s.claimH.Redeem)))

	// Back office
	mux.Handle("GET /api/admin/quotes", middleware.RequireAdmin(http.HandlerFunc(s.quoteH.AdminList)))
	mux.Handle("PATCH /api/admin/quotes/{id}", middleware.RequireAdmin(http.HandlerFunc(s.quoteH.AdminUpdate)))

	// WebSocket
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.registry, s.originPatterns, s.logger.With("component", "websocket")))
}
