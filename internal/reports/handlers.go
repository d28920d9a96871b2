package reports

import (
	"context"
	"net/http"
	"time"

	"github.com/churnshield/churnshield/internal/alerts"
	"github.com/gin-gonic/gin"
)

// AlertSource lists alerts. Implemented by alerts.Store and *alerts.Service.
type AlertSource interface {
	List(ctx context.Context, f alerts.Filter) ([]*alerts.Alert, error)
}

// Handler provides the executive dashboard endpoints.
type Handler struct {
	source AlertSource
	now    func() time.Time
}

// NewHandler creates a new reports handler.
func NewHandler(source AlertSource) *Handler {
	return &Handler{source: source, now: time.Now}
}

// RegisterRoutes sets up report routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reports/overview", h.Overview)
	r.GET("/reports/managers", h.Managers)
}

// Overview handles GET /v1/reports/overview
func (h *Handler) Overview(c *gin.Context) {
	list, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"overview": BuildOverview(list, h.now())})
}

// Managers handles GET /v1/reports/managers
func (h *Handler) Managers(c *gin.Context) {
	list, ok := h.load(c)
	if !ok {
		return
	}
	managers := BuildManagerReport(list, h.now())
	c.JSON(http.StatusOK, gin.H{
		"managers": managers,
		"count":    len(managers),
	})
}

func (h *Handler) load(c *gin.Context) ([]*alerts.Alert, bool) {
	list, err := h.source.List(c.Request.Context(), alerts.Filter{})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load alerts",
		})
		return nil, false
	}
	return list, true
}
