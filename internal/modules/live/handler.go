package live

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewHandler accepts upgrades from origins; an empty list accepts any
// origin, which is safe only because the route requires a staff token.
func NewHandler(hub *Hub, origins []string, log zerolog.Logger) *Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = true
	}
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || origin == "" || allowed[origin]
			},
		},
		log: log.With().Str("handler", "live").Logger(),
	}
}

// RegisterAdminRoutes mounts the feed; rg must already require auth.
func (h *Handler) RegisterAdminRoutes(rg *gin.RouterGroup) {
	rg.GET("/live", h.Stream)
}

// Stream upgrades to WebSocket. ?resources=a,b preselects topics; without
// it the client receives every event.
func (h *Handler) Stream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	topics := []string{AllResources}
	if raw := c.Query("resources"); raw != "" {
		topics = strings.Split(raw, ",")
	}
	h.hub.Serve(conn, c.GetString("staff_id"), topics)
}
