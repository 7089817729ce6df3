/**
 * @description
 * This file contains the handlers for the asynchronous callbacks posted by
 * the payment gateway: STK push results, B2C results, and C2B confirmations.
 *
 * Callback endpoints follow a strict acknowledgement contract: the gateway
 * only cares that we received the payload, so every request is answered with
 * HTTP 200 and an accepted body, even when the payload cannot be decoded or
 * reconciled. Failures are logged for operators instead of surfaced to the
 * gateway, which would otherwise re-deliver indefinitely.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain: Reconciler and callback payload models.
 */

package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/tiaraconnect/payment-service/internal/app"
	"github.com/tiaraconnect/payment-service/internal/domain"
)

const (
	// callbackRateLimit caps how many callbacks a single correlation scope
	// may post per window. Generous: legitimate gateways send one, maybe two.
	callbackRateLimit  = 30
	callbackRateWindow = time.Minute
)

// CallbackHandlers holds the reconciler and the optional rate limiter used
// by the callback endpoints.
type CallbackHandlers struct {
	reconciler  *app.Reconciler
	rateLimiter app.CallbackRateLimiter
}

// NewCallbackHandlers creates a new instance of CallbackHandlers. The rate
// limiter may be nil, in which case callbacks are accepted unthrottled.
func NewCallbackHandlers(reconciler *app.Reconciler, rateLimiter app.CallbackRateLimiter) *CallbackHandlers {
	return &CallbackHandlers{reconciler: reconciler, rateLimiter: rateLimiter}
}

// ack writes the fixed acknowledgement the gateway expects. Always 200.
func (h *CallbackHandlers) ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(domain.AcceptedAck()); err != nil {
		log.Printf("level=error component=api msg=\"callback ack encode failed\" err=%v", err)
	}
}

// allow consults the rate limiter for the given scope and subject. Limiter
// outages fail open: dropping real gateway callbacks is worse than letting a
// burst through.
func (h *CallbackHandlers) allow(ctx context.Context, scope, subject string) bool {
	if h.rateLimiter == nil || subject == "" {
		return true
	}
	_, retryAfter, err := h.rateLimiter.ConsumeRateLimit(ctx, scope, subject, callbackRateLimit, callbackRateWindow)
	if err != nil {
		log.Printf("level=warn component=api msg=\"callback rate limiter unavailable, failing open\" scope=%s err=%v", scope, err)
		return true
	}
	return retryAfter == 0
}

// STKCallbackHandler receives the asynchronous result of an STK push.
func (h *CallbackHandlers) STKCallbackHandler(w http.ResponseWriter, r *http.Request) {
	var envelope domain.STKCallbackEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		log.Printf("level=warn component=api msg=\"undecodable stk callback\" err=%v", err)
		h.ack(w)
		return
	}

	cb := envelope.Body.STKCallback
	if !h.allow(r.Context(), "stk_callback", cb.CheckoutRequestID) {
		log.Printf("level=warn component=api msg=\"stk callback rate limited\" checkout_request_id=%s", cb.CheckoutRequestID)
		h.ack(w)
		return
	}

	if _, err := h.reconciler.ProcessSTKCallback(r.Context(), cb); err != nil {
		log.Printf("level=warn component=api msg=\"stk callback not reconciled\" checkout_request_id=%s err=%v", cb.CheckoutRequestID, err)
	}
	h.ack(w)
}

// B2CResultHandler receives the asynchronous result of a B2C payout.
func (h *CallbackHandlers) B2CResultHandler(w http.ResponseWriter, r *http.Request) {
	var envelope domain.B2CResultEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		log.Printf("level=warn component=api msg=\"undecodable b2c result\" err=%v", err)
		h.ack(w)
		return
	}

	result := envelope.Result
	if !h.allow(r.Context(), "b2c_result", result.ConversationID) {
		log.Printf("level=warn component=api msg=\"b2c result rate limited\" conversation_id=%s", result.ConversationID)
		h.ack(w)
		return
	}

	if _, err := h.reconciler.ProcessB2CResult(r.Context(), result); err != nil {
		log.Printf("level=warn component=api msg=\"b2c result not reconciled\" conversation_id=%s err=%v", result.ConversationID, err)
	}
	h.ack(w)
}

// B2CTimeoutHandler receives the gateway's queue-timeout notification for a
// B2C payout. The payload mirrors the result envelope but carries no receipt.
func (h *CallbackHandlers) B2CTimeoutHandler(w http.ResponseWriter, r *http.Request) {
	var envelope domain.B2CResultEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		log.Printf("level=warn component=api msg=\"undecodable b2c timeout\" err=%v", err)
		h.ack(w)
		return
	}

	if !h.allow(r.Context(), "b2c_timeout", envelope.Result.ConversationID) {
		log.Printf("level=warn component=api msg=\"b2c timeout rate limited\" conversation_id=%s", envelope.Result.ConversationID)
		h.ack(w)
		return
	}

	if _, err := h.reconciler.ProcessB2CTimeout(r.Context(), envelope.Result); err != nil {
		log.Printf("level=warn component=api msg=\"b2c timeout not reconciled\" conversation_id=%s err=%v", envelope.Result.ConversationID, err)
	}
	h.ack(w)
}

// C2BConfirmationHandler receives confirmations for customer-initiated
// paybill payments.
func (h *CallbackHandlers) C2BConfirmationHandler(w http.ResponseWriter, r *http.Request) {
	var confirmation domain.C2BConfirmation
	if err := json.NewDecoder(r.Body).Decode(&confirmation); err != nil {
		log.Printf("level=warn component=api msg=\"undecodable c2b confirmation\" err=%v", err)
		h.ack(w)
		return
	}

	if !h.allow(r.Context(), "c2b_confirmation", confirmation.TransID) {
		log.Printf("level=warn component=api msg=\"c2b confirmation rate limited\" trans_id=%s", confirmation.TransID)
		h.ack(w)
		return
	}

	if err := h.reconciler.ProcessC2BConfirmation(r.Context(), confirmation); err != nil {
		log.Printf("level=warn component=api msg=\"c2b confirmation not recorded\" trans_id=%s err=%v", confirmation.TransID, err)
	}
	h.ack(w)
}

// C2BValidationHandler accepts every validation request. Validation is an
// opt-in gateway feature; the service records payments at confirmation time.
func (h *CallbackHandlers) C2BValidationHandler(w http.ResponseWriter, r *http.Request) {
	h.ack(w)
}
