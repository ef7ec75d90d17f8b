package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/middletrust/escrowd/internal/escrow"
)

const testSecret = "whsec_test_secret"

type fakeCompleter struct {
	mu      sync.Mutex
	applied map[string]bool
	err     error
	calls   int
}

func (f *fakeCompleter) CompleteExternalFunding(_ context.Context, reference string) (*escrow.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, false, f.err
	}
	if f.applied[reference] {
		return &escrow.Transaction{Funded: true}, false, nil
	}
	f.applied[reference] = true
	return &escrow.Transaction{Funded: true}, true, nil
}

func newWebhookRouter(completer FundingCompleter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewWebhookHandler(testSecret, completer).RegisterRoutes(r.Group("/v1"))
	return r
}

// signPayload builds a Stripe-Signature header the way the provider does:
// HMAC-SHA256 over "{timestamp}.{payload}".
func signPayload(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func deliver(t *testing.T, r *gin.Engine, payload []byte, sig string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/payments/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", sig)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func sessionCompletedEvent(reference string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"data": {"object": {"id": %q, "object": "checkout.session"}}
	}`, reference))
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	completer := &fakeCompleter{applied: make(map[string]bool)}
	r := newWebhookRouter(completer)

	payload := sessionCompletedEvent("cs_test_1")

	w := deliver(t, r, payload, "t=123,v1=deadbeef")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = deliver(t, r, payload, signPayload(payload, "whsec_wrong", time.Now()))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, 0, completer.calls)
}

func TestWebhookAppliesPayment(t *testing.T) {
	completer := &fakeCompleter{applied: make(map[string]bool)}
	r := newWebhookRouter(completer)

	payload := sessionCompletedEvent("cs_test_2")
	sig := signPayload(payload, testSecret, time.Now())

	w := deliver(t, r, payload, sig)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, completer.calls)
	assert.True(t, completer.applied["cs_test_2"])
}

func TestWebhookDuplicateDeliveryAcknowledged(t *testing.T) {
	completer := &fakeCompleter{applied: make(map[string]bool)}
	r := newWebhookRouter(completer)

	payload := sessionCompletedEvent("cs_test_3")

	w := deliver(t, r, payload, signPayload(payload, testSecret, time.Now()))
	require.Equal(t, http.StatusOK, w.Code)
	w = deliver(t, r, payload, signPayload(payload, testSecret, time.Now()))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, 2, completer.calls)
}

func TestWebhookInternalErrorStillAcknowledged(t *testing.T) {
	completer := &fakeCompleter{err: errors.New("store down")}
	r := newWebhookRouter(completer)

	payload := sessionCompletedEvent("cs_test_4")
	w := deliver(t, r, payload, signPayload(payload, testSecret, time.Now()))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhookUnknownReferenceAcknowledged(t *testing.T) {
	completer := &fakeCompleter{err: escrow.ErrNotFound}
	r := newWebhookRouter(completer)

	payload := sessionCompletedEvent("cs_test_5")
	w := deliver(t, r, payload, signPayload(payload, testSecret, time.Now()))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhookIgnoresUnrelatedEvents(t *testing.T) {
	completer := &fakeCompleter{applied: make(map[string]bool)}
	r := newWebhookRouter(completer)

	payload := []byte(`{"id": "evt_2", "type": "invoice.paid", "data": {"object": {"id": "in_1"}}}`)
	w := deliver(t, r, payload, signPayload(payload, testSecret, time.Now()))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, completer.calls)
}
