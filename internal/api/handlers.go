/**
 * @description
 * This file contains the HTTP handlers for the payment-service's operation
 * API. Handlers parse the incoming request, call the corresponding service
 * operation, and write the structured result. The service never raises past
 * its boundary, so the HTTP status is derived from the result's Success and
 * error class rather than from exceptions.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: Service logic, models and
 *   custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tiaraconnect/payment-service/internal/app"
	"github.com/tiaraconnect/payment-service/internal/domain"
	"github.com/tiaraconnect/payment-service/internal/store"
)

// PaymentHandlers holds the application service that handlers will use.
type PaymentHandlers struct {
	service *app.Service
}

// NewPaymentHandlers creates a new instance of PaymentHandlers.
func NewPaymentHandlers(service *app.Service) *PaymentHandlers {
	return &PaymentHandlers{service: service}
}

func (h *PaymentHandlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("level=error component=api msg=\"response encode failed\" err=%v", err)
	}
}

func (h *PaymentHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, domain.OperationResult{Success: false, Error: "RequestError", Message: message})
}

// writeResult maps a service result to an HTTP response: 200 for success,
// 400 for anything the caller can fix, 502 when the gateway is the problem.
func (h *PaymentHandlers) writeResult(w http.ResponseWriter, result *domain.OperationResult) {
	status := http.StatusOK
	if !result.Success {
		switch result.Error {
		case "GatewayCallFailed", "AuthenticationFailed":
			status = http.StatusBadGateway
		case "InternalError":
			status = http.StatusInternalServerError
		default:
			status = http.StatusBadRequest
		}
	}
	h.writeJSON(w, status, result)
}

func decodeBody(w http.ResponseWriter, r *http.Request, h *PaymentHandlers, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// STKPushHandler handles push-payment initiation requests.
func (h *PaymentHandlers) STKPushHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.STKPushRequest
	if !decodeBody(w, r, h, &req) {
		return
	}
	h.writeResult(w, h.service.InitiateSTKPush(r.Context(), req))
}

// STKQueryHandler handles push-payment status queries.
func (h *PaymentHandlers) STKQueryHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.STKQueryRequest
	if !decodeBody(w, r, h, &req) {
		return
	}
	h.writeResult(w, h.service.QuerySTKPush(r.Context(), req))
}

// B2CHandler handles merchant-initiated payout requests.
func (h *PaymentHandlers) B2CHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.B2CRequest
	if !decodeBody(w, r, h, &req) {
		return
	}
	h.writeResult(w, h.service.InitiateB2C(r.Context(), req))
}

// TransactionStatusHandler handles gateway-side status lookups.
func (h *PaymentHandlers) TransactionStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.TransactionStatusRequest
	if !decodeBody(w, r, h, &req) {
		return
	}
	h.writeResult(w, h.service.QueryTransactionStatus(r.Context(), req))
}

// AccountBalanceHandler handles shortcode balance queries.
func (h *PaymentHandlers) AccountBalanceHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.AccountBalanceRequest
	if r.ContentLength > 0 {
		if !decodeBody(w, r, h, &req) {
			return
		}
	}
	h.writeResult(w, h.service.QueryAccountBalance(r.Context(), req))
}

// ReversalHandler handles transaction reversal requests.
func (h *PaymentHandlers) ReversalHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.ReversalRequest
	if !decodeBody(w, r, h, &req) {
		return
	}
	h.writeResult(w, h.service.ReverseTransaction(r.Context(), req))
}

// C2BRegisterHandler registers the C2B confirmation and validation URLs.
func (h *PaymentHandlers) C2BRegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.C2BRegisterRequest
	if !decodeBody(w, r, h, &req) {
		return
	}
	h.writeResult(w, h.service.RegisterC2BURLs(r.Context(), req))
}

// C2BSimulateHandler simulates a customer paybill payment (sandbox only).
func (h *PaymentHandlers) C2BSimulateHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.C2BSimulateRequest
	if !decodeBody(w, r, h, &req) {
		return
	}
	h.writeResult(w, h.service.SimulateC2B(r.Context(), req))
}

// GetTransactionHandler returns a single transaction by its local id.
func (h *PaymentHandlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "transactionID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction id")
		return
	}

	tx, err := h.service.GetTransaction(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			h.writeError(w, http.StatusNotFound, "Transaction not found")
			return
		}
		log.Printf("level=error component=api msg=\"transaction lookup failed\" transaction_id=%s err=%v", id, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load transaction")
		return
	}
	h.writeJSON(w, http.StatusOK, domain.OperationResult{Success: true, Data: tx, Message: "Transaction found"})
}

// ListTransactionsHandler returns transaction history with optional filters.
func (h *PaymentHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := domain.TransactionListOptions{
		Status:          q.Get("status"),
		TransactionType: q.Get("type"),
		PhoneNumber:     q.Get("phone_number"),
		IncludeArchived: q.Get("include_archived") == "true",
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		opts.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		opts.Offset = offset
	}

	txs, err := h.service.ListTransactions(r.Context(), opts)
	if err != nil {
		log.Printf("level=error component=api msg=\"transaction list failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list transactions")
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	h.writeJSON(w, http.StatusOK, domain.OperationResult{Success: true, Data: txs, Message: "Transactions listed"})
}

// RetryTransactionHandler re-opens a failed transaction and re-dispatches it.
// Reserved for operators via the internal API key.
func (h *PaymentHandlers) RetryTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "transactionID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction id")
		return
	}
	h.writeResult(w, h.service.RetryTransaction(r.Context(), id))
}
