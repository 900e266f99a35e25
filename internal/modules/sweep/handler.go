package sweep

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"venuecore/internal/pkg/response"
)

type Handler struct {
	sweeper *Sweeper
	log     zerolog.Logger
}

func NewHandler(sweeper *Sweeper, log zerolog.Logger) *Handler {
	return &Handler{sweeper: sweeper, log: log.With().Str("handler", "sweep").Logger()}
}

func (h *Handler) RegisterAdminRoutes(rg *gin.RouterGroup) {
	rg.POST("/sweep", h.Run)
}

// Run triggers a sweep. Partial failures still report the summary.
func (h *Handler) Run(c *gin.Context) {
	sum, err := h.sweeper.Run(c.Request.Context())
	if sum == nil {
		if response.FromError(c, err) {
			h.log.Error().Err(err).Msg("sweep failed")
		}
		return
	}
	if err != nil {
		response.Success(c, http.StatusMultiStatus, gin.H{"summary": sum, "error": err.Error()})
		return
	}
	response.Success(c, http.StatusOK, gin.H{"summary": sum})
}
