package websocket

import (
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/quoteclaim/internal/auth"
	"github.com/dukerupert/quoteclaim/internal/idle"
)

// HandleWebSocket returns an HTTP handler that upgrades an authenticated
// request and attaches the connection to its session's idle monitor.
// originPatterns lists extra hosts allowed to connect; same-origin requests
// are always accepted.
func HandleWebSocket(hub *Hub, registry *idle.Registry, originPatterns []string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac, ok := auth.FromContext(r.Context())
		if !ok || ac.SessionID == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{OriginPatterns: originPatterns})
		if err != nil {
			logger.Warn("websocket accept", "error", err)
			return
		}

		log := logger.With("session_id", ac.SessionID)
		client := NewClient(hub, conn, ac.SessionID, log)
		monitor, err := registry.Acquire(ac.SessionID, client)
		if err != nil {
			log.Error("start idle monitor", "error", err)
			conn.Close(ws.StatusInternalError, "idle monitor unavailable")
			return
		}
		defer registry.Release(ac.SessionID, client)

		phase, remaining := monitor.Status()
		client.Notify(idle.Notice{Kind: idle.NoticeCountdown, Remaining: remaining, Phase: phase})

		client.Run(r.Context(), monitor)
	}
}
