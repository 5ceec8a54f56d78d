package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aescanero/constellation/pkg/constellation"
	"github.com/aescanero/constellation/pkg/ports"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	bufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Finder looks up constellations so streams can start with a snapshot.
type Finder interface {
	Get(ctx context.Context, id string) (*constellation.Constellation, error)
}

// Snapshot is the first message of a stream when a Finder is configured.
type Snapshot struct {
	Type            string                   `json:"type"`
	ConstellationID string                   `json:"constellation_id"`
	State           constellation.State      `json:"state"`
	Statistics      constellation.Statistics `json:"statistics"`
	ReadyTasks      []string                 `json:"ready_tasks"`
}

// Handler handles WebSocket connections
type Handler struct {
	eventBus ports.EventBus
	finder   Finder
	logger   *zap.Logger
}

// NewHandler creates a new WebSocket handler. finder may be nil.
func NewHandler(eventBus ports.EventBus, finder Finder, logger *zap.Logger) *Handler {
	return &Handler{
		eventBus: eventBus,
		finder:   finder,
		logger:   logger,
	}
}

// HandleConstellationStream streams the events of one constellation. The
// optional types query parameter is a comma-separated list of event types.
func (h *Handler) HandleConstellationStream(c *gin.Context) {
	constellationID := c.Param("id")

	var snapshot *Snapshot
	if h.finder != nil {
		cons, err := h.finder.Get(c.Request.Context(), constellationID)
		if errors.Is(err, ports.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "constellation not found"})
			return
		}
		if err != nil {
			h.logger.Error("failed to load constellation",
				zap.String("constellation_id", constellationID),
				zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		snapshot = snapshotOf(cons)
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("constellation_id", constellationID),
		zap.String("client", c.ClientIP()))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events := make(chan ports.Event, bufferSize)
	unsubscribe := h.eventBus.Subscribe(ports.ObserverFunc(func(_ context.Context, ev ports.Event) error {
		if ev.ConstellationID != constellationID {
			return nil
		}
		select {
		case events <- ev:
		default:
			h.logger.Warn("event channel full, dropping event",
				zap.String("event_id", ev.ID),
				zap.String("event_type", string(ev.Type)),
				zap.String("constellation_id", constellationID))
		}
		return nil
	}), parseTypes(c.Query("types"))...)
	defer unsubscribe()

	// Reads only detect the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if snapshot != nil {
		if err := h.write(conn, snapshot); err != nil {
			return
		}
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("WebSocket connection closed",
				zap.String("constellation_id", constellationID))
			return
		case ev := <-events:
			if err := h.write(conn, ev); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(v); err != nil {
		h.logger.Error("failed to write message", zap.Error(err))
		return err
	}
	return nil
}

func snapshotOf(c *constellation.Constellation) *Snapshot {
	ready := c.ReadyTasks()
	ids := make([]string, 0, len(ready))
	for _, t := range ready {
		ids = append(ids, t.ID)
	}
	return &Snapshot{
		Type:            "snapshot",
		ConstellationID: c.ID(),
		State:           c.State(),
		Statistics:      c.Statistics(),
		ReadyTasks:      ids,
	}
}

func parseTypes(raw string) []ports.EventType {
	var types []ports.EventType
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, ports.EventType(t))
		}
	}
	return types
}
