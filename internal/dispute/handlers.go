package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/middletrust/escrowd/internal/logging"
	"github.com/middletrust/escrowd/internal/validation"
)

// Handler exposes the dispute gate over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates a new dispute HTTP handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the dispute endpoints on the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/disputes", h.open)
	rg.GET("/disputes/:id", h.get)
	rg.POST("/disputes/:id/resolve", h.resolve)
	rg.GET("/transactions/:id/disputes", h.listByTransaction)
}

type openRequest struct {
	TransactionID string `json:"transactionId" binding:"required"`
	Reason        string `json:"reason" binding:"required"`
}

func (h *Handler) open(c *gin.Context) {
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("reason", req.Reason, 1000),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs.Error()})
		return
	}

	d, err := h.svc.Open(c.Request.Context(), req.TransactionID,
		c.GetString("userID"), validation.SanitizeString(req.Reason, 1000))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (h *Handler) get(c *gin.Context) {
	d, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

func (h *Handler) resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	d, err := h.svc.Resolve(c.Request.Context(), c.Param("id"),
		c.GetString("userID"), validation.SanitizeString(req.Resolution, 1000))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) listByTransaction(c *gin.Context) {
	disputes, err := h.svc.ListByTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if disputes == nil {
		disputes = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes})
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrNotParty):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, ErrReasonRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrAlreadyOpen),
		errors.Is(err, ErrNotOpen),
		errors.Is(err, ErrNotDisputable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("dispute operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
