package stream

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-greeter/internal/config"
	"github.com/loqalabs/loqa-greeter/internal/protocol"
	"github.com/loqalabs/loqa-greeter/internal/registry"
)

// Handler upgrades device connections and registers them as data-plane
// sessions.
type Handler struct {
	cfg      config.StreamConfig
	registry *registry.Registry
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewHandler(cfg config.StreamConfig, reg *registry.Registry, log *slog.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		registry: reg,
		upgrader: websocket.Upgrader{
			// Devices are not browsers; there is no origin to check.
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
		},
		log: log.With(slog.String("component", "stream")),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if err := protocol.ValidateDeviceID(deviceID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("device_id", deviceID), slogError(err))
		return
	}

	log := h.log.With(slog.String("device_id", deviceID))
	c := newConn(ws, h.cfg.SendBuffer,
		time.Duration(h.cfg.WriteTimeoutMS)*time.Millisecond,
		time.Duration(h.cfg.PongTimeoutMS)*time.Millisecond,
		log)
	session := h.registry.Register(deviceID, c)

	go c.writePump()
	go func() {
		c.readPump(session, int64(h.cfg.MaxMessageBytes))
		h.registry.DeregisterSession(session)
		c.Close()
		log.Info("device disconnected", slog.Uint64("generation", session.Generation))
	}()
}
