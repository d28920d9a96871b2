package risk

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/churnshield/churnshield/internal/validation"
	"github.com/gin-gonic/gin"
)

// OperatorHeader names the caller recorded on config changes.
const OperatorHeader = "X-Operator"

// Handler serves scoring config and assessment history.
type Handler struct {
	engine  *Engine
	configs ConfigStore
	store   Store
}

// NewHandler creates a risk handler. store may be nil.
func NewHandler(engine *Engine, configs ConfigStore, store Store) *Handler {
	return &Handler{engine: engine, configs: configs, store: store}
}

// RegisterRoutes sets up read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/config/scoring", h.GetConfig)
	r.GET("/merchants/:id/assessments", validation.IDParamMiddleware("id"), h.ListAssessments)
}

// RegisterProtectedRoutes sets up admin routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.PUT("/config/scoring", h.ReplaceConfig)
}

// GetConfig handles GET /v1/config/scoring
func (h *Handler) GetConfig(c *gin.Context) {
	cfg := h.engine.Config(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"config":        cfg,
		"enabledWeight": cfg.EnabledWeight(),
	})
}

// ReplaceConfig handles PUT /v1/config/scoring
func (h *Handler) ReplaceConfig(c *gin.Context) {
	var cfg Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	operator := validation.SanitizeString(c.GetHeader(OperatorHeader), 128)
	if operator == "" {
		operator = "api"
	}

	if err := h.configs.Replace(c.Request.Context(), cfg, operator); err != nil {
		if errors.Is(err, ErrInvalidConfig) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to save scoring config",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"config": cfg})
}

// ListAssessments handles GET /v1/merchants/:id/assessments
func (h *Handler) ListAssessments(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusOK, gin.H{"assessments": []*Assessment{}, "count": 0})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	assessments, err := h.store.ListByMerchant(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list assessments",
		})
		return
	}
	if assessments == nil {
		assessments = []*Assessment{}
	}

	c.JSON(http.StatusOK, gin.H{
		"assessments": assessments,
		"count":       len(assessments),
	})
}
