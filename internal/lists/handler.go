package lists

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudguard/internal/auth"
	"github.com/mbd888/fraudguard/internal/validation"
)

// Handler serves the list administration API.
type Handler struct {
	svc *Service
}

// NewHandler creates a list admin handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the admin routes. The group is expected to carry
// admin authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/lists/check", h.BulkCheck)
	r.GET("/lists/:list", h.ListEntries)
	r.POST("/lists/:list", h.AddEntry)
	r.DELETE("/lists/:list/:type/:value", h.RemoveEntry)
}

// AddEntryRequest is the body of POST /lists/:list.
type AddEntryRequest struct {
	Type      EntryType  `json:"type"`
	Value     string     `json:"value"`
	Reason    string     `json:"reason"`
	AddedBy   string     `json:"addedBy"`
	ExpiresAt *time.Time `json:"expiresAt"`
	// TTLSeconds is an alternative to ExpiresAt for temporary blocks.
	TTLSeconds int    `json:"ttlSeconds"`
	Notes      string `json:"notes"`
}

// BulkCheckRequest is the body of POST /lists/check.
type BulkCheckRequest struct {
	Queries []Query `json:"queries"`
}

// ListEntries handles GET /lists/:list?type=
func (h *Handler) ListEntries(c *gin.Context) {
	kind := Kind(c.Param("list"))
	entries, err := h.svc.List(c.Request.Context(), kind, EntryType(c.Query("type")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"list": kind, "entries": entries, "count": len(entries)})
}

// AddEntry handles POST /lists/:list
func (h *Handler) AddEntry(c *gin.Context) {
	var req AddEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid JSON body",
		})
		return
	}

	e := Entry{
		Type:      req.Type,
		Value:     validation.SanitizeString(req.Value, 512),
		Reason:    validation.SanitizeString(req.Reason, 1000),
		AddedBy:   validation.SanitizeString(req.AddedBy, 200),
		ExpiresAt: req.ExpiresAt,
		Notes:     validation.SanitizeString(req.Notes, validation.MaxStringLength),
	}
	if e.AddedBy == "" {
		e.AddedBy = auth.CallerName(c)
	}
	if req.TTLSeconds > 0 && e.ExpiresAt == nil {
		exp := h.svc.now().UTC().Add(time.Duration(req.TTLSeconds) * time.Second)
		e.ExpiresAt = &exp
	}

	stored, err := h.svc.Add(c.Request.Context(), Kind(c.Param("list")), e)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

// RemoveEntry handles DELETE /lists/:list/:type/:value
func (h *Handler) RemoveEntry(c *gin.Context) {
	err := h.svc.Remove(c.Request.Context(), Kind(c.Param("list")), EntryType(c.Param("type")), c.Param("value"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// BulkCheck handles POST /lists/check
func (h *Handler) BulkCheck(c *gin.Context) {
	var req BulkCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid JSON body",
		})
		return
	}
	if len(req.Queries) == 0 || len(req.Queries) > 100 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "queries must contain between 1 and 100 items",
		})
		return
	}

	res, err := h.svc.BulkCheck(c.Request.Context(), req.Queries)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func respondError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": verrs.Error(),
			"details": verrs,
		})
	case errors.Is(err, ErrInvalidKind):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "list must be allow or deny",
		})
	case errors.Is(err, ErrInvalidType):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "type must be one of ip, uid, emailDomain, device, bin",
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Entry not found",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "List operation failed",
		})
	}
}
