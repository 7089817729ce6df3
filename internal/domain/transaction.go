/**
 * @description
 * This file defines the core domain models for the payment-service. These
 * structs represent the durable transaction record, the API request DTOs for
 * each gateway operation, and the structured operation result returned to
 * callers.
 *
 * @notes
 * - Amounts are whole KES as int64; Daraja only accepts integer shillings, so
 *   fractional input is rounded at the codec layer before it reaches a record.
 * - Correlation ids (CheckoutRequestID for STK, ConversationID for the B2C
 *   family) are gateway-issued and present only after initiation succeeds.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Transaction statuses. A transaction starts PENDING and moves monotonically
// to one of the terminal states; the only re-entry is the operator retry path
// (FAILED back to PENDING).
const (
	StatusPending   = "PENDING"
	StatusSuccess   = "SUCCESS"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
	StatusTimeout   = "TIMEOUT"
)

// Transaction types.
const (
	TypeSTKPush      = "STK_PUSH"
	TypeC2B          = "C2B"
	TypeB2C          = "B2C"
	TypeReversal     = "REVERSAL"
	TypeBalanceQuery = "BALANCE_QUERY"
	TypeStatusQuery  = "STATUS_QUERY"
)

// IsTerminalStatus reports whether status is one of the terminal states, i.e.
// the states in which completed_at must be set.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Transaction is the durable record of one gateway interaction. It maps
// directly to the `transactions` table.
type Transaction struct {
	ID                       uuid.UUID  `json:"id"`
	TransactionRef           string     `json:"transaction_ref"`
	CheckoutRequestID        *string    `json:"checkout_request_id,omitempty"`
	MerchantRequestID        *string    `json:"merchant_request_id,omitempty"`
	ConversationID           *string    `json:"conversation_id,omitempty"`
	OriginatorConversationID *string    `json:"originator_conversation_id,omitempty"`
	MpesaReceipt             *string    `json:"mpesa_receipt,omitempty"`
	TransactionType          string     `json:"transaction_type"`
	Status                   string     `json:"status"`
	Amount                   int64      `json:"amount"` // whole KES
	Currency                 string     `json:"currency"`
	PhoneNumber              string     `json:"phone_number"`
	AccountReference         string     `json:"account_reference"`
	TransactionDesc          string     `json:"transaction_desc"`
	ResultCode               *string    `json:"result_code,omitempty"`
	ResultDesc               *string    `json:"result_desc,omitempty"`
	ErrorMessage             *string    `json:"error_message,omitempty"`
	RetryCount               int        `json:"retry_count"`
	Archived                 bool       `json:"archived"`
	InitiatedAt              time.Time  `json:"initiated_at"`
	CompletedAt              *time.Time `json:"completed_at,omitempty"`
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

// STKPushRequest is the DTO for incoming push-payment API requests.
type STKPushRequest struct {
	PhoneNumber      string  `json:"phone_number"`
	Amount           float64 `json:"amount"`
	AccountReference string  `json:"account_reference,omitempty"`
	TransactionDesc  string  `json:"transaction_desc,omitempty"`
}

// STKQueryRequest is the DTO for querying a prior push payment. A missing
// timestamp means the service generates a fresh one.
type STKQueryRequest struct {
	CheckoutRequestID string `json:"checkout_request_id"`
	Timestamp         string `json:"timestamp,omitempty"`
}

// B2CRequest is the DTO for merchant-initiated payouts.
type B2CRequest struct {
	PhoneNumber string  `json:"phone_number"`
	Amount      float64 `json:"amount"`
	Occasion    string  `json:"occasion,omitempty"`
	Remarks     string  `json:"remarks,omitempty"`
}

// TransactionStatusRequest is the DTO for gateway-side status lookups by
// M-Pesa receipt number.
type TransactionStatusRequest struct {
	TransactionID string `json:"transaction_id"`
	Occasion      string `json:"occasion,omitempty"`
	Remarks       string `json:"remarks,omitempty"`
}

// AccountBalanceRequest is the DTO for shortcode balance queries.
type AccountBalanceRequest struct {
	Remarks string `json:"remarks,omitempty"`
}

// ReversalRequest is the DTO for transaction reversals.
type ReversalRequest struct {
	TransactionID string  `json:"transaction_id"`
	Amount        float64 `json:"amount"`
	Remarks       string  `json:"remarks,omitempty"`
	Occasion      string  `json:"occasion,omitempty"`
}

// C2BRegisterRequest is the DTO for registering C2B callback URLs.
type C2BRegisterRequest struct {
	ConfirmationURL string `json:"confirmation_url"`
	ValidationURL   string `json:"validation_url"`
}

// C2BSimulateRequest is the DTO for simulating a C2B payment (sandbox only).
type C2BSimulateRequest struct {
	PhoneNumber   string  `json:"phone_number"`
	Amount        float64 `json:"amount"`
	BillReference string  `json:"bill_reference,omitempty"`
}

// OperationResult is the structured outcome of every orchestrator operation.
// Callers check Success rather than handling errors; Error names the failure
// class when Success is false.
type OperationResult struct {
	Success     bool         `json:"success"`
	Data        interface{}  `json:"data,omitempty"`
	Error       string       `json:"error,omitempty"`
	Message     string       `json:"message"`
	Transaction *Transaction `json:"transaction,omitempty"`
}

// TransactionListOptions controls pagination and filtering for history queries.
type TransactionListOptions struct {
	Limit           int
	Offset          int
	Status          string
	TransactionType string
	PhoneNumber     string
	IncludeArchived bool
}
