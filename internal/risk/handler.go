package risk

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/pagination"
	"github.com/mbd888/fraudguard/internal/validation"
)

// MaxStatsWindow bounds GET /decisions/stats.
const MaxStatsWindow = 90 * 24 * time.Hour

// Handler serves the evaluation and decision query API.
type Handler struct {
	engine *Engine
	store  Store
	now    func() time.Time
}

// NewHandler creates a risk handler.
func NewHandler(engine *Engine, store Store) *Handler {
	return &Handler{engine: engine, store: store, now: time.Now}
}

// RegisterRoutes mounts the routes. The group is expected to carry
// service-key authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/evaluate", h.Evaluate)
	r.GET("/decisions", h.ListDecisions)
	r.GET("/decisions/stats", h.Stats)
	r.GET("/decisions/:id", h.GetDecision)
}

// Evaluate handles POST /evaluate
func (h *Handler) Evaluate(c *gin.Context) {
	var ec EvaluationContext
	if err := c.ShouldBindJSON(&ec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid JSON body",
		})
		return
	}
	if ec.IP == "" && ec.IPHash == "" {
		ec.IP = c.ClientIP()
	}
	if ec.UserAgent == "" {
		ec.UserAgent = c.Request.UserAgent()
	}

	res, err := h.engine.Evaluate(c.Request.Context(), ec)
	if err != nil {
		var verrs validation.ValidationErrors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_failed",
				"message": verrs.Error(),
				"details": verrs,
			})
			return
		}
		if errors.Is(err, ErrInvalidContext) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
			return
		}
		logging.L(c.Request.Context()).Error("evaluate failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Evaluation failed",
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListDecisions handles GET /decisions?subjectType=&subjectId=&limit= and
// GET /decisions?from=&to=&limit=&cursor=
func (h *Handler) ListDecisions(c *gin.Context) {
	ctx := c.Request.Context()
	limit := pagination.ParseLimit(c.Query("limit"))

	if subjectID := c.Query("subjectId"); subjectID != "" {
		subjectType := c.DefaultQuery("subjectType", SubjectUID)
		decisions, err := h.store.ListBySubject(ctx, subjectType, subjectID, limit)
		if err != nil {
			h.internalError(c, "list decisions", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"decisions": decisions, "count": len(decisions)})
		return
	}

	now := h.now().UTC()
	from, to := now.Add(-24*time.Hour), now
	var err error
	if raw := c.Query("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			badRequest(c, "from must be an RFC 3339 timestamp")
			return
		}
	}
	if raw := c.Query("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			badRequest(c, "to must be an RFC 3339 timestamp")
			return
		}
	}
	if !from.Before(to) {
		badRequest(c, "from must be before to")
		return
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		badRequest(c, "invalid cursor")
		return
	}

	decisions, err := h.store.ListByTimeRange(ctx, from, to, cursor, limit+1)
	if err != nil {
		h.internalError(c, "list decisions", err)
		return
	}
	page, next, hasMore := pagination.ComputePage(decisions, limit, func(d *Decision) (time.Time, string) {
		return d.CreatedAt, d.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"decisions":  page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// GetDecision handles GET /decisions/:id
func (h *Handler) GetDecision(c *gin.Context) {
	d, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Decision not found",
		})
		return
	}
	if err != nil {
		h.internalError(c, "get decision", err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// Stats handles GET /decisions/stats?window=1h
func (h *Handler) Stats(c *gin.Context) {
	window, err := time.ParseDuration(c.DefaultQuery("window", "1h"))
	if err != nil || window <= 0 || window > MaxStatsWindow {
		badRequest(c, "window must be a positive duration of at most 2160h")
		return
	}
	st, err := h.store.Stats(c.Request.Context(), h.now().UTC().Add(-window))
	if err != nil {
		h.internalError(c, "decision stats", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) internalError(c *gin.Context, op string, err error) {
	logging.L(c.Request.Context()).Error(op+" failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Decision store unavailable",
	})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": msg,
	})
}
