package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/middletrust/escrowd/internal/escrow"
	"github.com/middletrust/escrowd/internal/logging"
	"github.com/middletrust/escrowd/internal/metrics"
)

const maxWebhookBody = 1 << 16

// FundingCompleter applies a confirmed gateway payment to its
// transaction. Satisfied by the escrow service.
type FundingCompleter interface {
	CompleteExternalFunding(ctx context.Context, reference string) (*escrow.Transaction, bool, error)
}

// WebhookHandler receives provider event notifications. Delivery is
// at-least-once and ordering is not guaranteed, so the handler treats
// every event as a possible duplicate and acknowledges everything it
// managed to parse: a non-2xx response only means "resend", which is
// never the right answer for a processing failure on our side.
type WebhookHandler struct {
	secret    string
	completer FundingCompleter
}

// NewWebhookHandler creates a webhook handler verifying signatures with
// the given endpoint secret.
func NewWebhookHandler(secret string, completer FundingCompleter) *WebhookHandler {
	return &WebhookHandler{secret: secret, completer: completer}
}

// RegisterRoutes mounts the webhook endpoint. It goes on an unauthenticated
// group: the signature is the authentication.
func (h *WebhookHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/payments/webhook", h.handle)
}

func (h *WebhookHandler) handle(c *gin.Context) {
	ctx := c.Request.Context()
	log := logging.L(ctx)

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("error").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.secret)
	if err != nil {
		// The one case that must NOT be acknowledged: an unverifiable
		// sender gets a 400, never a 2xx.
		metrics.WebhookEventsTotal.WithLabelValues("invalid_signature").Inc()
		log.Warn("webhook signature verification failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		reference, _ := event.Data.Object["id"].(string)
		if reference == "" {
			metrics.WebhookEventsTotal.WithLabelValues("error").Inc()
			log.Error("webhook event missing session id", "event", event.ID)
			break
		}
		h.applyPayment(c, reference, event.ID)
		return
	case "checkout.session.expired":
		reference, _ := event.Data.Object["id"].(string)
		log.Info("funding session expired", "event", event.ID, "reference", reference)
	default:
		log.Debug("ignoring webhook event", "type", event.Type, "event", event.ID)
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *WebhookHandler) applyPayment(c *gin.Context, reference, eventID string) {
	ctx := c.Request.Context()
	log := logging.L(ctx)

	_, applied, err := h.completer.CompleteExternalFunding(ctx, reference)
	switch {
	case err == nil && applied:
		metrics.WebhookEventsTotal.WithLabelValues("applied").Inc()
	case err == nil:
		metrics.WebhookEventsTotal.WithLabelValues("duplicate").Inc()
		log.Info("webhook redelivery ignored", "event", eventID, "reference", reference)
	case errors.Is(err, escrow.ErrNotFound):
		// A payment we have no transaction for. Acknowledge so the
		// provider stops resending; the money is investigated by hand.
		metrics.WebhookEventsTotal.WithLabelValues("error").Inc()
		log.Error("webhook payment references unknown transaction",
			"event", eventID, "reference", reference)
	default:
		// Internal failure. Still acknowledge: the reconciliation sweep
		// re-queries the provider and lands the payment later.
		metrics.WebhookEventsTotal.WithLabelValues("error").Inc()
		log.Error("webhook processing failed, deferring to reconciliation",
			"event", eventID, "reference", reference, "error", err)
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
