package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/middletrust/escrowd/internal/logging"
	"github.com/middletrust/escrowd/internal/money"
	"github.com/middletrust/escrowd/internal/validation"
)

// Handler exposes the escrow service over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates a new escrow HTTP handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the transaction endpoints on the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/transactions", h.create)
	rg.GET("/transactions", h.list)
	rg.GET("/transactions/:id", h.get)
	rg.POST("/transactions/:id/join", h.join)
	rg.POST("/transactions/:id/fund", h.fund)
	rg.POST("/transactions/:id/funding", h.initiateFunding)
	rg.POST("/transactions/:id/confirm", h.confirm)
	rg.POST("/transactions/:id/cancel", h.cancel)
	rg.GET("/chatrooms/:id/transaction", h.getByChatroom)
}

type createRequest struct {
	Role        string `json:"role" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description"`
	ChatroomID  string `json:"chatroomId"`
	Payout      struct {
		BankCode      string `json:"bankCode"`
		AccountNumber string `json:"accountNumber"`
		AccountName   string `json:"accountName"`
	} `json:"payout"`
}

func (h *Handler) create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	amount, ok := money.Parse(req.Amount)
	if !ok || !amount.Positive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrInvalidAmount.Error()})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("description", req.Description, 500),
		validation.MaxLength("chatroomId", req.ChatroomID, 128),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs.Error()})
		return
	}

	tx, err := h.svc.Create(c.Request.Context(), CreateRequest{
		CreatorID:   c.GetString("userID"),
		Role:        Role(req.Role),
		Amount:      amount,
		Description: validation.SanitizeString(req.Description, 500),
		ChatroomID:  req.ChatroomID,
		Payout: PayoutDetails{
			BankCode:      req.Payout.BankCode,
			AccountNumber: req.Payout.AccountNumber,
			AccountName:   req.Payout.AccountName,
		},
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

func (h *Handler) list(c *gin.Context) {
	txs, err := h.svc.ListByUser(c.Request.Context(), c.GetString("userID"), 50)
	if err != nil {
		h.fail(c, err)
		return
	}
	if txs == nil {
		txs = []*Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

func (h *Handler) get(c *gin.Context) {
	tx, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !tx.IsParty(c.GetString("userID")) {
		c.JSON(http.StatusForbidden, gin.H{"error": ErrUnauthorized.Error()})
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *Handler) getByChatroom(c *gin.Context) {
	tx, err := h.svc.GetByChatroom(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !tx.IsParty(c.GetString("userID")) {
		c.JSON(http.StatusForbidden, gin.H{"error": ErrUnauthorized.Error()})
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *Handler) join(c *gin.Context) {
	tx, err := h.svc.Join(c.Request.Context(), c.Param("id"), c.GetString("userID"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

type fundRequest struct {
	Amount string `json:"amount" binding:"required"`
}

func (h *Handler) fund(c *gin.Context) {
	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	amount, ok := money.Parse(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrInvalidAmount.Error()})
		return
	}

	tx, err := h.svc.Fund(c.Request.Context(), c.Param("id"), c.GetString("userID"), amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *Handler) initiateFunding(c *gin.Context) {
	tx, redirectURL, err := h.svc.InitiateGatewayFunding(c.Request.Context(), c.Param("id"), c.GetString("userID"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction": tx,
		"reference":   tx.ExternalRef,
		"redirectUrl": redirectURL,
	})
}

func (h *Handler) confirm(c *gin.Context) {
	tx, err := h.svc.Confirm(c.Request.Context(), c.Param("id"), c.GetString("userID"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *Handler) cancel(c *gin.Context) {
	tx, err := h.svc.Cancel(c.Request.Context(), c.Param("id"), c.GetString("userID"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// fail maps service errors onto HTTP statuses.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidRole),
		errors.Is(err, ErrWrongAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, ErrSelfJoin),
		errors.Is(err, ErrAlreadyJoined),
		errors.Is(err, ErrNotJoinable),
		errors.Is(err, ErrAlreadyFunded),
		errors.Is(err, ErrNotPending),
		errors.Is(err, ErrNotFunded),
		errors.Is(err, ErrAlreadyConfirmed),
		errors.Is(err, ErrDisputeOpen),
		errors.Is(err, ErrNotCancellable),
		errors.Is(err, ErrNoPayer):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("transaction operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
