package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/payout"

	"github.com/middletrust/escrowd/internal/escrow"
	"github.com/middletrust/escrowd/internal/money"
)

// Stripe implements Gateway on top of Stripe Checkout and Payouts.
type Stripe struct {
	currency  string
	returnURL string
}

// NewStripe configures the global Stripe client and returns the gateway.
// currency is the ISO code for all charges; returnURL is where Checkout
// sends the payer afterwards.
func NewStripe(apiKey, currency, returnURL string) *Stripe {
	stripe.Key = apiKey
	return &Stripe{
		currency:  strings.ToLower(currency),
		returnURL: returnURL,
	}
}

// InitiateFunding opens a Checkout session for the transaction amount.
// The session ID doubles as the funding reference; the transaction and
// owner ride along as metadata for the webhook side.
func (s *Stripe) InitiateFunding(ctx context.Context, ownerID string, amount money.Amount, transactionID string) (string, string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(s.currency),
				UnitAmount: stripe.Int64(int64(amount)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Escrow funding " + transactionID),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		SuccessURL: stripe.String(s.returnURL + "?status=success"),
		CancelURL:  stripe.String(s.returnURL + "?status=cancelled"),
	}
	params.Context = ctx
	params.AddMetadata("transaction_id", transactionID)
	params.AddMetadata("owner_id", ownerID)
	// Stripe's own idempotency layer keys on the transaction, so a
	// retried initiation reuses the same session.
	params.SetIdempotencyKey("fund-" + transactionID)

	sess, err := session.New(params)
	if err != nil {
		return "", "", translateStripeError(err)
	}
	return sess.ID, sess.URL, nil
}

// Payout moves settled funds out to the payee's bank account.
func (s *Stripe) Payout(ctx context.Context, dest escrow.PayoutDetails, amount money.Amount, reason string) (string, error) {
	params := &stripe.PayoutParams{
		Amount:      stripe.Int64(int64(amount)),
		Currency:    stripe.String(s.currency),
		Description: stripe.String(reason),
	}
	params.Context = ctx
	params.AddMetadata("bank_code", dest.BankCode)
	params.AddMetadata("account_number", dest.AccountNumber)
	params.AddMetadata("account_name", dest.AccountName)
	params.SetIdempotencyKey("payout-" + reason)

	p, err := payout.New(params)
	if err != nil {
		return "", translateStripeError(err)
	}
	return p.ID, nil
}

// VerifyTransaction re-queries the Checkout session and reports whether
// the payment settled.
func (s *Stripe) VerifyTransaction(ctx context.Context, reference string) (bool, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := session.Get(reference, params)
	if err != nil {
		return false, translateStripeError(err)
	}
	return sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid, nil
}

// translateStripeError maps a Stripe SDK error onto the gateway error
// taxonomy. Rate limits and server-side failures are retryable; card
// declines and bad requests are not.
func translateStripeError(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return &Error{Code: "unknown", Message: err.Error(), Retryable: true}
	}
	retryable := se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500
	return &Error{
		Code:      string(se.Code),
		Message:   se.Msg,
		Retryable: retryable,
	}
}
