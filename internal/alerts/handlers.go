package alerts

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/churnshield/churnshield/internal/pagination"
	"github.com/churnshield/churnshield/internal/validation"
	"github.com/gin-gonic/gin"
)

// OperatorHeader names the caller when the body omits performedBy.
const OperatorHeader = "X-Operator"

// Handler provides HTTP endpoints for the alert queue.
type Handler struct {
	service *Service
}

// NewHandler creates a new alerts handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/alerts", h.ListAlerts)
	r.GET("/alerts/churn-reasons", h.ListChurnReasons)
	r.GET("/alerts/:id", validation.IDParamMiddleware("id"), h.GetAlert)
	r.GET("/alerts/:id/actions", validation.IDParamMiddleware("id"), h.ListActions)
	r.GET("/merchants/:id/alerts", validation.IDParamMiddleware("id"), h.ListMerchantAlerts)
}

// RegisterProtectedRoutes sets up operator and executive routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/alerts/evaluate", h.Evaluate)
	r.POST("/alerts/sweep", h.Sweep)
	r.POST("/alerts/:id/actions", validation.IDParamMiddleware("id"), h.SubmitAction)
	r.PATCH("/alerts/:id/triage", validation.IDParamMiddleware("id"), h.Triage)
}

// ListAlerts handles GET /v1/alerts
func (h *Handler) ListAlerts(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}

	f := Filter{
		Status:     Status(c.Query("status")),
		AssignedTo: c.Query("assignedTo"),
		MerchantID: c.Query("merchantId"),
		OpenOnly:   c.Query("active") == "true",
		DueOnly:    c.Query("due") == "true",
		Cursor:     cursor,
		Limit:      limit + 1,
	}
	if f.Status != "" && !validStatus(f.Status) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_status",
			"message": "Unknown alert status",
		})
		return
	}

	alerts, err := h.service.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list alerts",
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(alerts, limit, func(a *Alert) (time.Time, string) {
		return a.Timestamp, a.ID
	})
	if page == nil {
		page = []*Alert{}
	}

	resp := gin.H{
		"alerts":  page,
		"count":   len(page),
		"hasMore": hasMore,
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetAlert handles GET /v1/alerts/:id
func (h *Handler) GetAlert(c *gin.Context) {
	a, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "Failed to load alert")
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": a})
}

// ListActions handles GET /v1/alerts/:id/actions
func (h *Handler) ListActions(c *gin.Context) {
	recs, err := h.service.ListActions(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "Failed to list alert actions")
		return
	}
	if recs == nil {
		recs = []*ActionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"actions": recs,
		"count":   len(recs),
	})
}

// ListMerchantAlerts handles GET /v1/merchants/:id/alerts
func (h *Handler) ListMerchantAlerts(c *gin.Context) {
	alerts, err := h.service.ListByMerchant(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "Failed to list merchant alerts")
		return
	}
	if alerts == nil {
		alerts = []*Alert{}
	}
	c.JSON(http.StatusOK, gin.H{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// ListChurnReasons handles GET /v1/alerts/churn-reasons
func (h *Handler) ListChurnReasons(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"churnReasons": ChurnReasons,
		"tags":         KnownTags,
	})
}

// SubmitAction handles POST /v1/alerts/:id/actions
func (h *Handler) SubmitAction(c *gin.Context) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.PerformedBy == "" {
		req.PerformedBy = validation.SanitizeString(c.GetHeader(OperatorHeader), 256)
	}
	if req.SubmissionID == "" {
		req.SubmissionID = c.GetHeader("Idempotency-Key")
	}

	res, err := h.service.SubmitAction(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.writeError(c, err, "Failed to record action")
		return
	}

	status := http.StatusOK
	if !res.Replayed {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

// Triage handles PATCH /v1/alerts/:id/triage
func (h *Handler) Triage(c *gin.Context) {
	var req TriageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	a, err := h.service.Triage(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.writeError(c, err, "Failed to triage alert")
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": a})
}

// Evaluate handles POST /v1/alerts/evaluate
func (h *Handler) Evaluate(c *gin.Context) {
	res, err := h.service.Evaluate(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Evaluation pass failed",
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

// Sweep handles POST /v1/alerts/sweep
func (h *Handler) Sweep(c *gin.Context) {
	res, err := h.service.Sweep(c.Request.Context(), sweepBatch)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Sweep failed",
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) writeError(c *gin.Context, err error, fallback string) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verrs.Error(),
			"details": verrs,
		})
	case errors.Is(err, ErrAlertNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Alert not found",
		})
	case errors.Is(err, ErrAlertClosed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "alert_closed",
			"message": "Alert is already closed",
		})
	case errors.Is(err, ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "version_conflict",
			"message": "Alert was modified by someone else; reload and retry",
		})
	case errors.Is(err, ErrDuplicateOpenAlert):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_open_alert",
			"message": "Merchant already has an open alert",
		})
	case errors.Is(err, ErrUnknownAction):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unknown_action",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": fallback,
		})
	}
}

func validStatus(s Status) bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}
