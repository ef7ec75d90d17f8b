package wallet

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/middletrust/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for wallet reads.
type Handler struct {
	service *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up wallet routes. Callers may only read their own
// wallet; the :owner parameter must match the authenticated identity.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:owner", h.GetBalance)
	r.GET("/wallets/:owner/entries", h.GetHistory)
}

// GetBalance handles GET /v1/wallets/:owner
func (h *Handler) GetBalance(c *gin.Context) {
	owner := c.Param("owner")
	if !h.authorized(c, owner) {
		return
	}

	w, err := h.service.Balance(c.Request.Context(), owner)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to read wallet",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// GetHistory handles GET /v1/wallets/:owner/entries
func (h *Handler) GetHistory(c *gin.Context) {
	owner := c.Param("owner")
	if !h.authorized(c, owner) {
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

	entries, err := h.service.History(c.Request.Context(), owner, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to read ledger entries",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (h *Handler) authorized(c *gin.Context, owner string) bool {
	if !validation.IsValidUserID(owner) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_owner",
			"message": "owner must be a valid user identifier",
		})
		return false
	}
	if c.GetString("userID") != owner {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Callers may only access their own wallet",
		})
		return false
	}
	return true
}
