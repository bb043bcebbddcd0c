package gateway

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Handler exposes the websocket upgrade endpoint.
type Handler struct {
	cm *ConnectionManager
}

// NewHandler creates the gateway HTTP handler.
func NewHandler(cm *ConnectionManager) *Handler {
	return &Handler{cm: cm}
}

// Register mounts the gateway routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/ws/{gameId}", h.handleWebSocket)
}

// handleWebSocket upgrades a client onto a game's connection pool. The
// playerId query parameter binds the socket to a racer; without it the
// socket is a read-only spectator.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	gameID, err := uuid.Parse(r.PathValue("gameId"))
	if err != nil {
		http.Error(w, "invalid game id", http.StatusBadRequest)
		return
	}

	playerID := r.URL.Query().Get("playerId")

	if err := h.cm.UpgradeConnection(w, r, playerID, gameID); err != nil {
		log.Error().
			Err(err).
			Str("game_id", gameID.String()).
			Msg("websocket upgrade failed")
	}
}
