/**
 * @description
 * This file contains the core business logic for the payment-service. The
 * `Service` struct orchestrates every gateway operation: validate and
 * normalize inputs through the codec, build the operation payload, dispatch
 * through the resilient client, persist a PENDING transaction carrying the
 * gateway correlation id, and fire best-effort SMS notifications.
 *
 * Key features:
 * - Every operation returns a structured OperationResult; errors never
 *   propagate past the service boundary.
 * - Validation failures short-circuit before any network call and before any
 *   transaction record is written.
 * - Notifications run on detached goroutines and cannot fail an operation.
 *
 * @dependencies
 * - context, errors, log, time: Standard Go libraries.
 * - github.com/google/uuid: Transaction ids.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/daraja: The M-Pesa gateway client.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/tiaraconnect/payment-service/internal/domain"
	"github.com/tiaraconnect/payment-service/internal/store"
	"github.com/tiaraconnect/payment-service/pkg/daraja"
)

// Gateway is the subset of the Daraja client the service depends on.
// *daraja.Client satisfies it; tests substitute stubs.
type Gateway interface {
	STKPush(ctx context.Context, phone string, amount int64, accountReference, transactionDesc string) (*daraja.STKPushResponse, error)
	STKPushQuery(ctx context.Context, checkoutRequestID, timestamp string) (*daraja.STKPushQueryResponse, error)
	B2C(ctx context.Context, phone string, amount int64, remarks, occasion string) (*daraja.B2CResponse, error)
	TransactionStatus(ctx context.Context, transactionID, remarks, occasion string) (*daraja.GenericResponse, error)
	AccountBalance(ctx context.Context, remarks string) (*daraja.GenericResponse, error)
	Reverse(ctx context.Context, transactionID string, amount int64, remarks, occasion string) (*daraja.GenericResponse, error)
	C2BRegister(ctx context.Context, confirmationURL, validationURL string) (*daraja.GenericResponse, error)
	C2BSimulate(ctx context.Context, phone string, amount int64, billReference string) (*daraja.GenericResponse, error)
}

// Service provides the core business logic for payment orchestration.
type Service struct {
	repo     store.Repository
	gateway  Gateway
	notifier Notifier

	// Defaults applied when a C2B registration request omits its URLs.
	c2bConfirmationURL string
	c2bValidationURL   string

	// now is swappable for tests.
	now func() time.Time
}

// WithC2BDefaultURLs sets the fallback confirmation and validation URLs used
// when a registration request does not supply its own.
func (s *Service) WithC2BDefaultURLs(confirmationURL, validationURL string) *Service {
	s.c2bConfirmationURL = confirmationURL
	s.c2bValidationURL = validationURL
	return s
}

// NewService creates a new payment service instance.
func NewService(repo store.Repository, gateway Gateway, notifier Notifier) *Service {
	return &Service{
		repo:     repo,
		gateway:  gateway,
		notifier: notifier,
		now:      time.Now,
	}
}

// InitiateSTKPush validates the request, pushes a payment prompt to the
// customer's device, persists a PENDING transaction correlated by the
// CheckoutRequestID, and fires the "payment initiated" and "check your phone"
// notifications.
func (s *Service) InitiateSTKPush(ctx context.Context, req domain.STKPushRequest) *domain.OperationResult {
	amount, err := daraja.ValidateAmount(req.Amount)
	if err != nil {
		return failureResult(err, "Failed to initiate STK Push")
	}
	phone, err := daraja.FormatPhoneNumber(req.PhoneNumber)
	if err != nil {
		return failureResult(err, "Failed to initiate STK Push")
	}

	accountReference := req.AccountReference
	if accountReference == "" {
		accountReference = "Payment"
	}
	transactionDesc := req.TransactionDesc
	if transactionDesc == "" {
		transactionDesc = "Payment"
	}
	transactionRef := daraja.GenerateReference("STK", s.now())

	resp, err := s.gateway.STKPush(ctx, phone, amount, accountReference, transactionDesc)
	if err != nil {
		log.Printf("level=error component=payment_service op=stk_push msg=\"initiation failed\" phone=%s err=%v", phone, err)
		return failureResult(err, "Failed to initiate STK Push")
	}

	tx := &domain.Transaction{
		ID:                uuid.New(),
		TransactionRef:    transactionRef,
		CheckoutRequestID: nullable(resp.CheckoutRequestID),
		MerchantRequestID: nullable(resp.MerchantRequestID),
		TransactionType:   domain.TypeSTKPush,
		Status:            domain.StatusPending,
		Amount:            amount,
		Currency:          "KES",
		PhoneNumber:       phone,
		AccountReference:  accountReference,
		TransactionDesc:   transactionDesc,
		InitiatedAt:       s.now().UTC(),
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		// The push is already on its way to the customer; surface the record
		// failure rather than pretending the initiation failed.
		log.Printf("level=error component=payment_service op=stk_push msg=\"transaction record create failed\" checkout_request_id=%s err=%v", resp.CheckoutRequestID, err)
		return failureResult(err, "STK Push sent but transaction record could not be created")
	}

	notifyAsync("payment_service", func(ctx context.Context) error {
		if err := s.notifier.SendPaymentInitiated(ctx, phone, amount, transactionRef); err != nil {
			return err
		}
		return s.notifier.SendSTKPushSent(ctx, phone, amount)
	})

	return successResult(resp, "STK Push initiated successfully", tx)
}

// QuerySTKPush queries the gateway-side state of a prior push payment. A
// missing timestamp is replaced with a freshly generated one; the original
// push's timestamp is never reused.
func (s *Service) QuerySTKPush(ctx context.Context, req domain.STKQueryRequest) *domain.OperationResult {
	if req.CheckoutRequestID == "" {
		return failureResult(errMissingField("checkout_request_id"), "Failed to query STK Push status")
	}
	timestamp := req.Timestamp
	if timestamp == "" {
		timestamp = daraja.GenerateTimestamp(s.now())
	}

	resp, err := s.gateway.STKPushQuery(ctx, req.CheckoutRequestID, timestamp)
	if err != nil {
		log.Printf("level=error component=payment_service op=stk_query msg=\"query failed\" checkout_request_id=%s err=%v", req.CheckoutRequestID, err)
		return failureResult(err, "Failed to query STK Push status")
	}
	return successResult(resp, "STK Push query completed", nil)
}

// InitiateB2C validates the request and initiates a business-to-customer
// payout, persisting a PENDING transaction correlated by the ConversationID.
func (s *Service) InitiateB2C(ctx context.Context, req domain.B2CRequest) *domain.OperationResult {
	amount, err := daraja.ValidateAmount(req.Amount)
	if err != nil {
		return failureResult(err, "Failed to initiate B2C payment")
	}
	phone, err := daraja.FormatPhoneNumber(req.PhoneNumber)
	if err != nil {
		return failureResult(err, "Failed to initiate B2C payment")
	}

	remarks := req.Remarks
	if remarks == "" {
		remarks = "B2C Payment"
	}
	occasion := req.Occasion
	if occasion == "" {
		occasion = "Payment"
	}

	resp, err := s.gateway.B2C(ctx, phone, amount, remarks, occasion)
	if err != nil {
		log.Printf("level=error component=payment_service op=b2c msg=\"initiation failed\" phone=%s err=%v", phone, err)
		return failureResult(err, "Failed to initiate B2C payment")
	}

	tx := &domain.Transaction{
		ID:                       uuid.New(),
		TransactionRef:           daraja.GenerateReference("B2C", s.now()),
		ConversationID:           nullable(resp.ConversationID),
		OriginatorConversationID: nullable(resp.OriginatorConversationID),
		TransactionType:          domain.TypeB2C,
		Status:                   domain.StatusPending,
		Amount:                   amount,
		Currency:                 "KES",
		PhoneNumber:              phone,
		TransactionDesc:          remarks,
		InitiatedAt:              s.now().UTC(),
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		log.Printf("level=error component=payment_service op=b2c msg=\"transaction record create failed\" conversation_id=%s err=%v", resp.ConversationID, err)
		return failureResult(err, "B2C payment sent but transaction record could not be created")
	}

	return successResult(resp, "B2C payment initiated successfully", tx)
}

// QueryTransactionStatus looks up a settled transaction on the gateway side
// by its M-Pesa receipt number. The answer arrives asynchronously on the
// result URL; the PENDING record correlates it.
func (s *Service) QueryTransactionStatus(ctx context.Context, req domain.TransactionStatusRequest) *domain.OperationResult {
	if req.TransactionID == "" {
		return failureResult(errMissingField("transaction_id"), "Failed to query transaction status")
	}
	remarks := req.Remarks
	if remarks == "" {
		remarks = "Transaction Status Query"
	}
	occasion := req.Occasion
	if occasion == "" {
		occasion = "Query"
	}

	resp, err := s.gateway.TransactionStatus(ctx, req.TransactionID, remarks, occasion)
	if err != nil {
		log.Printf("level=error component=payment_service op=transaction_status msg=\"query failed\" transaction_id=%s err=%v", req.TransactionID, err)
		return failureResult(err, "Failed to query transaction status")
	}

	tx := s.recordAcceptedQuery(ctx, domain.TypeStatusQuery, "TSQ", resp, remarks)
	return successResult(resp, "Transaction status queried successfully", tx)
}

// QueryAccountBalance queries the shortcode working balance.
func (s *Service) QueryAccountBalance(ctx context.Context, req domain.AccountBalanceRequest) *domain.OperationResult {
	remarks := req.Remarks
	if remarks == "" {
		remarks = "Account Balance Query"
	}

	resp, err := s.gateway.AccountBalance(ctx, remarks)
	if err != nil {
		log.Printf("level=error component=payment_service op=account_balance msg=\"query failed\" err=%v", err)
		return failureResult(err, "Failed to query account balance")
	}

	tx := s.recordAcceptedQuery(ctx, domain.TypeBalanceQuery, "BAL", resp, remarks)
	return successResult(resp, "Account balance queried successfully", tx)
}

// ReverseTransaction initiates a reversal of a prior transaction.
func (s *Service) ReverseTransaction(ctx context.Context, req domain.ReversalRequest) *domain.OperationResult {
	if req.TransactionID == "" {
		return failureResult(errMissingField("transaction_id"), "Failed to reverse transaction")
	}
	amount, err := daraja.ValidateAmount(req.Amount)
	if err != nil {
		return failureResult(err, "Failed to reverse transaction")
	}
	remarks := req.Remarks
	if remarks == "" {
		remarks = "Transaction Reversal"
	}
	occasion := req.Occasion
	if occasion == "" {
		occasion = "Reversal"
	}

	resp, err := s.gateway.Reverse(ctx, req.TransactionID, amount, remarks, occasion)
	if err != nil {
		log.Printf("level=error component=payment_service op=reversal msg=\"initiation failed\" transaction_id=%s err=%v", req.TransactionID, err)
		return failureResult(err, "Failed to reverse transaction")
	}

	tx := &domain.Transaction{
		ID:                       uuid.New(),
		TransactionRef:           daraja.GenerateReference("REV", s.now()),
		ConversationID:           nullable(resp.ConversationID),
		OriginatorConversationID: nullable(resp.OriginatorConversationID),
		MpesaReceipt:             nullable(req.TransactionID),
		TransactionType:          domain.TypeReversal,
		Status:                   domain.StatusPending,
		Amount:                   amount,
		Currency:                 "KES",
		TransactionDesc:          remarks,
		InitiatedAt:              s.now().UTC(),
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		log.Printf("level=error component=payment_service op=reversal msg=\"transaction record create failed\" conversation_id=%s err=%v", resp.ConversationID, err)
		return failureResult(err, "Reversal sent but transaction record could not be created")
	}

	return successResult(resp, "Transaction reversal initiated successfully", tx)
}

// RegisterC2BURLs registers the confirmation and validation callback URLs for
// the shortcode.
func (s *Service) RegisterC2BURLs(ctx context.Context, req domain.C2BRegisterRequest) *domain.OperationResult {
	confirmationURL := req.ConfirmationURL
	if confirmationURL == "" {
		confirmationURL = s.c2bConfirmationURL
	}
	validationURL := req.ValidationURL
	if validationURL == "" {
		validationURL = s.c2bValidationURL
	}
	if confirmationURL == "" || validationURL == "" {
		return failureResult(errMissingField("confirmation_url and validation_url"), "Failed to register C2B URLs")
	}
	resp, err := s.gateway.C2BRegister(ctx, confirmationURL, validationURL)
	if err != nil {
		log.Printf("level=error component=payment_service op=c2b_register msg=\"registration failed\" err=%v", err)
		return failureResult(err, "Failed to register C2B URLs")
	}
	return successResult(resp, "C2B URLs registered successfully", nil)
}

// SimulateC2B simulates a customer paybill payment. The sandbox accepts it;
// production rejects it.
func (s *Service) SimulateC2B(ctx context.Context, req domain.C2BSimulateRequest) *domain.OperationResult {
	amount, err := daraja.ValidateAmount(req.Amount)
	if err != nil {
		return failureResult(err, "Failed to simulate C2B payment")
	}
	phone, err := daraja.FormatPhoneNumber(req.PhoneNumber)
	if err != nil {
		return failureResult(err, "Failed to simulate C2B payment")
	}
	billReference := req.BillReference
	if billReference == "" {
		billReference = daraja.GenerateReference("C2B", s.now())
	}

	resp, err := s.gateway.C2BSimulate(ctx, phone, amount, billReference)
	if err != nil {
		log.Printf("level=error component=payment_service op=c2b_simulate msg=\"simulation failed\" err=%v", err)
		return failureResult(err, "Failed to simulate C2B payment")
	}
	return successResult(resp, "C2B payment simulated successfully", nil)
}

// RetryTransaction is the operator path for FAILED transactions: the record is
// re-opened (PENDING, retry_count incremented) and, for push payments and
// payouts, the gateway call is re-dispatched under a fresh correlation id.
func (s *Service) RetryTransaction(ctx context.Context, id uuid.UUID) *domain.OperationResult {
	tx, err := s.repo.RetryTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			return failureResult(err, "Transaction not found")
		}
		if errors.Is(err, store.ErrTransactionNotRetryable) {
			return failureResult(err, "Only failed transactions can be retried")
		}
		return failureResult(err, "Failed to retry transaction")
	}

	switch tx.TransactionType {
	case domain.TypeSTKPush:
		resp, err := s.gateway.STKPush(ctx, tx.PhoneNumber, tx.Amount, tx.AccountReference, tx.TransactionDesc)
		if err != nil {
			log.Printf("level=error component=payment_service op=retry msg=\"stk re-dispatch failed\" transaction_id=%s err=%v", tx.ID, err)
			return failureResult(err, "Transaction re-opened but re-dispatch failed")
		}
		if err := s.repo.UpdateTransactionCorrelation(ctx, tx.ID, nullable(resp.CheckoutRequestID), nullable(resp.MerchantRequestID), nil, nil); err != nil {
			return failureResult(err, "Re-dispatched but correlation update failed")
		}
		tx.CheckoutRequestID = nullable(resp.CheckoutRequestID)
		tx.MerchantRequestID = nullable(resp.MerchantRequestID)
		return successResult(resp, "Transaction retried successfully", tx)
	case domain.TypeB2C:
		resp, err := s.gateway.B2C(ctx, tx.PhoneNumber, tx.Amount, tx.TransactionDesc, "Retry")
		if err != nil {
			log.Printf("level=error component=payment_service op=retry msg=\"b2c re-dispatch failed\" transaction_id=%s err=%v", tx.ID, err)
			return failureResult(err, "Transaction re-opened but re-dispatch failed")
		}
		if err := s.repo.UpdateTransactionCorrelation(ctx, tx.ID, nil, nil, nullable(resp.ConversationID), nullable(resp.OriginatorConversationID)); err != nil {
			return failureResult(err, "Re-dispatched but correlation update failed")
		}
		tx.ConversationID = nullable(resp.ConversationID)
		tx.OriginatorConversationID = nullable(resp.OriginatorConversationID)
		return successResult(resp, "Transaction retried successfully", tx)
	default:
		return successResult(nil, "Transaction re-opened", tx)
	}
}

// GetTransaction returns a transaction by its local id.
func (s *Service) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return s.repo.FindTransactionByID(ctx, id)
}

// ListTransactions returns transaction history.
func (s *Service) ListTransactions(ctx context.Context, opts domain.TransactionListOptions) ([]domain.Transaction, error) {
	return s.repo.ListTransactions(ctx, opts)
}

// ArchiveCompletedBefore flags terminal transactions older than the cutoff as
// archived.
func (s *Service) ArchiveCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.repo.ArchiveTerminalTransactionsBefore(ctx, cutoff)
}

// recordAcceptedQuery persists a PENDING record for a B2C-family query whose
// result arrives asynchronously. A record failure here only loses history, so
// it is logged rather than failing the operation.
func (s *Service) recordAcceptedQuery(ctx context.Context, txType, refPrefix string, resp *daraja.GenericResponse, remarks string) *domain.Transaction {
	tx := &domain.Transaction{
		ID:                       uuid.New(),
		TransactionRef:           daraja.GenerateReference(refPrefix, s.now()),
		ConversationID:           nullable(resp.ConversationID),
		OriginatorConversationID: nullable(resp.OriginatorConversationID),
		TransactionType:          txType,
		Status:                   domain.StatusPending,
		Currency:                 "KES",
		TransactionDesc:          remarks,
		InitiatedAt:              s.now().UTC(),
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		log.Printf("level=warn component=payment_service op=%s msg=\"query record create failed\" conversation_id=%s err=%v", txType, resp.ConversationID, err)
		return nil
	}
	return tx
}

// Error class names surfaced in OperationResult.Error.
const (
	errClassInvalidPhone   = "InvalidPhoneNumber"
	errClassAmountRange    = "AmountOutOfRange"
	errClassAuthentication = "AuthenticationFailed"
	errClassGatewayCall    = "GatewayCallFailed"
	errClassValidation     = "ValidationError"
	errClassInternal       = "InternalError"
)

// errorClass maps an error to the taxonomy callers switch on.
func errorClass(err error) string {
	var gatewayErr *daraja.GatewayCallError
	switch {
	case errors.Is(err, daraja.ErrInvalidPhoneNumber):
		return errClassInvalidPhone
	case errors.Is(err, daraja.ErrAmountOutOfRange):
		return errClassAmountRange
	case errors.Is(err, daraja.ErrAuthenticationFailed):
		return errClassAuthentication
	case errors.As(err, &gatewayErr):
		return errClassGatewayCall
	case errors.Is(err, errMissingFieldSentinel):
		return errClassValidation
	default:
		return errClassInternal
	}
}

var errMissingFieldSentinel = errors.New("missing required field")

func errMissingField(field string) error {
	return fmt.Errorf("%w: %s", errMissingFieldSentinel, field)
}

func failureResult(err error, message string) *domain.OperationResult {
	return &domain.OperationResult{
		Success: false,
		Error:   errorClass(err),
		Message: fmt.Sprintf("%s: %v", message, err),
	}
}

func successResult(data interface{}, message string, tx *domain.Transaction) *domain.OperationResult {
	return &domain.OperationResult{
		Success:     true,
		Data:        data,
		Message:     message,
		Transaction: tx,
	}
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
