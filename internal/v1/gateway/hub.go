// Package gateway is the outward-facing socket endpoint: it upgrades
// connections, parses the handshake query, routes inbound frames to the
// participant's room, and serves the read-only stats surface. It never
// touches producers or consumers directly.
package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voxelink/mediabridge/internal/v1/config"
	"github.com/voxelink/mediabridge/internal/v1/logging"
	"github.com/voxelink/mediabridge/internal/v1/media"
	"github.com/voxelink/mediabridge/internal/v1/metrics"
	"github.com/voxelink/mediabridge/internal/v1/ratelimit"
	"github.com/voxelink/mediabridge/internal/v1/room"
	"github.com/voxelink/mediabridge/internal/v1/types"
)

// Hub is the process-wide room registry. It owns the worker pool reference
// and creates each room on the least loaded worker.
type Hub struct {
	mu    sync.Mutex
	rooms map[types.SessionID]*room.Room

	pool        *media.Pool
	cfg         *config.Config
	bus         types.BusService
	rateLimiter *ratelimit.RateLimiter
	upgrader    websocket.Upgrader
}

// NewHub creates a Hub wired to the worker pool and the optional bus.
func NewHub(cfg *config.Config, pool *media.Pool, bus types.BusService, rateLimiter *ratelimit.RateLimiter) *Hub {
	h := &Hub{
		rooms:       make(map[types.SessionID]*room.Room),
		pool:        pool,
		cfg:         cfg,
		bus:         bus,
		rateLimiter: rateLimiter,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin admits same-host requests and the configured origins. An empty
// allow-list only passes in development mode.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(parsed.Host, r.Host) {
		return true
	}
	for _, allowed := range strings.Split(h.cfg.AllowedOrigins, ",") {
		if allowed = strings.TrimSpace(allowed); allowed != "" && strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return h.cfg.DevelopmentMode
}

// ServeWs validates the handshake query, upgrades the connection and starts
// the client's pumps. The room is created here if the session is new.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return
	}

	query := types.HandshakeQuery{
		UserID:    types.UserID(c.Query("user_id")),
		SessionID: types.SessionID(c.Param("sessionId")),
		Device:    c.Query("device"),
		Kind:      types.TransportKind(c.Query("kind")),
	}
	if query.SessionID == "" {
		query.SessionID = types.SessionID(c.Query("session_id"))
	}
	if query.UserID == "" || query.SessionID == "" || query.Device == "" ||
		(query.Kind != types.TransportProducer && query.Kind != types.TransportConsumer) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id, session_id, device and kind are required"})
		return
	}

	existed, err := h.initSession(c.Request.Context(), query.SessionID)
	if err != nil {
		logging.Error(c.Request.Context(), "session init failed",
			zap.String("room_id", string(query.SessionID)),
			zap.Error(err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "media capacity unavailable"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(conn, h, query)
	metrics.IncConnection()

	go client.writePump()
	go client.readPump()

	client.Send(types.EventHandshake, handshakePayload{RoomExists: existed})
}

type handshakePayload struct {
	RoomExists bool `json:"roomExists"`
}

// initSession returns whether the room already existed, creating it on the
// least loaded worker otherwise.
func (h *Hub) initSession(ctx context.Context, sessionID types.SessionID) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.rooms[sessionID]; ok {
		return true, nil
	}

	index, worker, err := h.pool.PickLeastLoaded(h.loadsLocked())
	if err != nil {
		return false, err
	}

	r, err := room.New(ctx, sessionID, index, worker, h.cfg.Router.MediaCodecs, h.cfg.WebRtcTransport, h.unregister, h.bus)
	if err != nil {
		return false, err
	}
	h.rooms[sessionID] = r
	return false, nil
}

// loadsLocked snapshots each room's worker placement for the pool's counter
// refresh. Caller must hold h.mu.
func (h *Hub) loadsLocked() []media.RoomLoad {
	loads := make([]media.RoomLoad, 0, len(h.rooms))
	for _, r := range h.rooms {
		loads = append(loads, media.RoomLoad{
			WorkerIndex:  r.WorkerIndex(),
			Participants: r.ParticipantCount(),
		})
	}
	return loads
}

// unregister drops an empty room from the registry. The room has already
// closed itself.
func (h *Hub) unregister(sessionID types.SessionID) {
	h.mu.Lock()
	delete(h.rooms, sessionID)
	loads := h.loadsLocked()
	h.mu.Unlock()

	h.pool.RefreshCounters(loads)
	logging.Info(context.Background(), "room unregistered", zap.String("room_id", string(sessionID)))
}

func (h *Hub) roomFor(sessionID types.SessionID) *room.Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[sessionID]
}

// handleDisconnect removes the participant from its room. A connection that
// never completed addClient can leave a zero-participant room behind; that
// room is closed here.
func (h *Hub) handleDisconnect(c *Client) {
	ctx := context.Background()
	r := h.roomFor(c.sessionID)
	if r == nil {
		return
	}

	r.RemoveClient(ctx, c.userID)

	if r.ParticipantCount() == 0 {
		r.Close(ctx)
		h.unregister(c.sessionID)
	}
}

// Shutdown closes every room and waits for their background work.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	rooms := make([]*room.Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.rooms = make(map[types.SessionID]*room.Room)
	h.mu.Unlock()

	for _, r := range rooms {
		r.Close(ctx)
		r.Wait()
	}

	logging.Info(ctx, "all rooms closed", zap.Int("count", len(rooms)))
	return nil
}

// --- Read-only HTTP surface ---

// RoomsStats serves GET /rooms/stats.
func (h *Hub) RoomsStats(c *gin.Context) {
	h.mu.Lock()
	rooms := make([]*room.Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	stats := make([]types.RoomStats, 0, len(rooms))
	for _, r := range rooms {
		stats = append(stats, r.Stats())
	}
	c.JSON(http.StatusOK, stats)
}

// RoomStats serves GET /rooms/:id/stats.
func (h *Hub) RoomStats(c *gin.Context) {
	r := h.roomFor(types.SessionID(c.Param("id")))
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, r.Stats())
}

// WorkerStats serves GET /workers/stats.
func (h *Hub) WorkerStats(c *gin.Context) {
	h.mu.Lock()
	loads := h.loadsLocked()
	h.mu.Unlock()

	h.pool.RefreshCounters(loads)
	c.JSON(http.StatusOK, h.pool.Stats())
}
