package merchant

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/churnshield/churnshield/internal/validation"
	"github.com/gin-gonic/gin"
)

// RiskView is the live score shown next to a merchant.
type RiskView struct {
	Score     float64            `json:"score"`
	RiskLevel string             `json:"riskLevel"`
	Factors   map[string]float64 `json:"factors,omitempty"`
}

// Assessor scores a snapshot on demand.
type Assessor interface {
	Assess(ctx context.Context, snap *Snapshot) RiskView
}

type scoredSnapshot struct {
	*Snapshot
	RiskView
}

// Handler provides HTTP endpoints for merchant snapshots.
type Handler struct {
	store    Store
	assessor Assessor
}

// NewHandler creates a new merchant handler. assessor may be nil.
func NewHandler(store Store, assessor Assessor) *Handler {
	return &Handler{store: store, assessor: assessor}
}

// RegisterRoutes sets up read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/merchants", h.ListMerchants)
	r.GET("/merchants/:id", validation.IDParamMiddleware("id"), h.GetMerchant)
}

// RegisterProtectedRoutes sets up ingestion routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.PUT("/merchants/:id", validation.IDParamMiddleware("id"), h.UpsertMerchant)
}

// ListMerchants handles GET /v1/merchants
func (h *Handler) ListMerchants(c *gin.Context) {
	opts := ListOptions{Limit: 50}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			opts.Limit = parsed
			if opts.Limit > 200 {
				opts.Limit = 200
			}
		}
	}
	if t := c.Query("type"); t != "" {
		if !Type(t).Valid() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_type",
				"message": "type must be one of VIP, High, Medium",
			})
			return
		}
		opts.Types = []Type{Type(t)}
	}

	snaps, err := h.store.List(c.Request.Context(), opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list merchants",
		})
		return
	}

	result := make([]scoredSnapshot, 0, len(snaps))
	for _, snap := range snaps {
		result = append(result, h.score(c.Request.Context(), snap))
	}

	c.JSON(http.StatusOK, gin.H{
		"merchants": result,
		"count":     len(result),
	})
}

// GetMerchant handles GET /v1/merchants/:id
func (h *Handler) GetMerchant(c *gin.Context) {
	snap, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrMerchantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Merchant not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load merchant",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"merchant": h.score(c.Request.Context(), snap)})
}

// UpsertMerchant handles PUT /v1/merchants/:id
func (h *Handler) UpsertMerchant(c *gin.Context) {
	var snap Snapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	snap.ID = c.Param("id")

	if errs := ValidateSnapshot(&snap); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	snap.LastUpdated = time.Now()

	if err := h.store.Upsert(c.Request.Context(), &snap); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to store merchant",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"merchant": h.score(c.Request.Context(), &snap)})
}

func (h *Handler) score(ctx context.Context, snap *Snapshot) scoredSnapshot {
	out := scoredSnapshot{Snapshot: snap}
	if h.assessor != nil {
		out.RiskView = h.assessor.Assess(ctx, snap)
	}
	return out
}

// ValidateSnapshot checks an ingested snapshot. Zero GTV and zero frequency
// are legal values.
func ValidateSnapshot(s *Snapshot) validation.ValidationErrors {
	validators := []func() *validation.ValidationError{
		validation.Required("id", s.ID),
		validation.ValidID("id", s.ID),
		validation.Required("name", s.Name),
		validation.MaxLength("name", s.Name, 256),
		validation.Required("merchantType", string(s.MerchantType)),
		validation.OneOf("merchantType", string(s.MerchantType), []string{string(TypeVIP), string(TypeHigh), string(TypeMedium)}),
		validation.NonNegative("currentGTV", s.CurrentGTV),
		validation.NonNegative("previousGTV", s.PreviousGTV),
		validation.IntRange("transactionFrequency", s.TransactionFrequency, 0, 1<<30),
		validation.IntRange("revertedTransactions", s.RevertedTransactions, 0, 1<<30),
		validation.FloatRange("employeeDropOffRate", s.EmployeeDropOffRate, 0, 1),
		validation.MaxLength("assignedSalesPerson", s.AssignedSalesPerson, 256),
	}
	for _, v := range s.HistoricalGTV {
		validators = append(validators, validation.NonNegative("historicalGTV", v))
	}
	if s.SignupDate.IsZero() {
		validators = append(validators, func() *validation.ValidationError {
			return &validation.ValidationError{Field: "signupDate", Message: "is required"}
		})
	}
	return validation.Validate(validators...)
}
