package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/typerace/internal/protocol"
)

// GameService is what the gateway needs from the game side: progress
// intake and presence tracking.
type GameService interface {
	ApplyProgress(ctx context.Context, gameID uuid.UUID, update protocol.ProgressPayload) error
	PlayerConnected(ctx context.Context, gameID uuid.UUID, playerID string)
	PlayerDisconnected(ctx context.Context, gameID uuid.UUID, playerID string)
}

// ConnectionManager owns every websocket attached to this gateway,
// pooled by game id. Outbound events flow through a broadcast channel;
// inbound frames are decoded and routed to the game service.
type ConnectionManager struct {
	gameConnections map[uuid.UUID]map[*Connection]bool
	mu              sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	service  GameService

	broadcastCh chan BroadcastMessage
}

// Connection is one client attached to one game. Spectators have an
// empty PlayerID.
type Connection struct {
	ID       string
	PlayerID string
	GameID   uuid.UUID
	Conn     *websocket.Conn
	Send     chan []byte
	Manager  *ConnectionManager

	ConnectedAt time.Time

	sendMu     sync.Mutex
	sendClosed bool
}

// trySend queues one frame unless the connection is torn down. It
// returns false only when the connection is live but its buffer is
// full, which marks it as a slow consumer.
func (c *Connection) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return true
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// closeSend closes the send channel exactly once. The sendMu guard
// means no trySend can race the close.
func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.Send)
	}
}

// ConnectionConfig holds websocket tuning knobs.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage is one frame addressed to a game's pool, optionally
// narrowed to a single player.
type BroadcastMessage struct {
	GameID   uuid.UUID
	Data     []byte
	PlayerID string
}

// DefaultConnectionConfig returns the standard websocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a websocket connection manager.
func NewConnectionManager(config ConnectionConfig, service GameService) *ConnectionManager {
	return &ConnectionManager{
		gameConnections: make(map[uuid.UUID]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		service:     service,
		broadcastCh: make(chan BroadcastMessage, 1000),
	}
}

// Start processes broadcast messages until ctx is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a websocket scoped to a
// game and registers it with the pool.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, playerID string, gameID uuid.UUID) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade websocket connection")
		return err
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		PlayerID:    playerID,
		GameID:      gameID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	if playerID != "" {
		cm.service.PlayerConnected(r.Context(), gameID, playerID)
	}

	log.Info().
		Str("connection_id", connection.ID).
		Str("player_id", playerID).
		Str("game_id", gameID.String()).
		Msg("websocket connection established")

	return nil
}

// BroadcastToGame queues a frame for every connection watching a game.
func (cm *ConnectionManager) BroadcastToGame(gameID uuid.UUID, data []byte) {
	select {
	case cm.broadcastCh <- BroadcastMessage{GameID: gameID, Data: data}:
	default:
		log.Warn().Str("game_id", gameID.String()).Msg("broadcast channel full, dropping message")
	}
}

// Publish implements the game service's Publisher on the local pool, so
// a single-node deployment needs no broker.
func (cm *ConnectionManager) Publish(gameID uuid.UUID, msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	cm.BroadcastToGame(gameID, data)
	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.gameConnections[conn.GameID] == nil {
		cm.gameConnections[conn.GameID] = make(map[*Connection]bool)
	}
	cm.gameConnections[conn.GameID][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("game_id", conn.GameID.String()).
		Int("total_connections", len(cm.gameConnections[conn.GameID])).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	connections, exists := cm.gameConnections[conn.GameID]
	removed := false
	if exists {
		if _, ok := connections[conn]; ok {
			delete(connections, conn)
			removed = true
			if len(connections) == 0 {
				delete(cm.gameConnections, conn.GameID)
			}
		}
	}
	cm.mu.Unlock()

	if !removed {
		return
	}
	conn.closeSend()

	if conn.PlayerID != "" {
		cm.service.PlayerDisconnected(context.Background(), conn.GameID, conn.PlayerID)
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("player_id", conn.PlayerID).
		Str("game_id", conn.GameID.String()).
		Msg("connection unregistered")
}

// handleBroadcast fans one frame out to a game's pool. Connections too
// slow to drain their send buffer are evicted rather than allowed to
// stall everyone else.
func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	cm.mu.RLock()
	connections, exists := cm.gameConnections[message.GameID]
	if !exists {
		cm.mu.RUnlock()
		return
	}

	targets := make([]*Connection, 0, len(connections))
	for conn := range connections {
		if message.PlayerID != "" && conn.PlayerID != message.PlayerID {
			continue
		}
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range targets {
		if !conn.trySend(message.Data) {
			log.Warn().
				Str("connection_id", conn.ID).
				Str("player_id", conn.PlayerID).
				Msg("connection send buffer full, closing connection")
			cm.unregisterConnection(conn)
			conn.Conn.Close()
		}
	}
}

// ConnectionStats reports pool sizes for the health endpoint.
func (cm *ConnectionManager) ConnectionStats() map[string]any {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	total := 0
	perGame := make(map[string]int)
	for gameID, connections := range cm.gameConnections {
		total += len(connections)
		perGame[gameID.String()] = len(connections)
	}
	return map[string]any{
		"total_connections": total,
		"active_games":      len(cm.gameConnections),
		"game_connections":  perGame,
	}
}

// writePump drains the send channel onto the wire and keeps the
// connection alive with pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to websocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames off the wire until the connection drops.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage routes one inbound frame. Malformed frames and
// unknown types are logged per-message and never tear the connection
// down; application errors go back to the sender as error frames.
func (c *Connection) handleClientMessage(message []byte) {
	msg, err := protocol.Decode(message)
	if err != nil {
		log.Warn().
			Err(err).
			Str("connection_id", c.ID).
			Msg("dropping malformed frame")
		return
	}

	switch msg.Type {
	case protocol.TypeProgress:
		payload, err := msg.ParsePayload()
		if err != nil {
			log.Warn().
				Err(err).
				Str("connection_id", c.ID).
				Msg("dropping undecodable progress payload")
			return
		}
		update := payload.(protocol.ProgressPayload)
		if c.PlayerID != "" {
			update.PlayerID = c.PlayerID
		}
		if err := c.Manager.service.ApplyProgress(context.Background(), c.GameID, update); err != nil {
			c.sendError(err.Error())
		}

	default:
		log.Debug().
			Str("connection_id", c.ID).
			Str("type", string(msg.Type)).
			Msg("ignoring unexpected client message type")
	}
}

// sendError delivers an application error to this connection only.
func (c *Connection) sendError(message string) {
	msg, err := protocol.NewMessage(protocol.TypeError, protocol.ErrorPayload{Message: message})
	if err != nil {
		return
	}
	data, err := msg.Encode()
	if err != nil {
		return
	}
	if !c.trySend(data) {
		log.Warn().Str("connection_id", c.ID).Msg("send buffer full, dropping error frame")
	}
}
