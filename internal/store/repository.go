/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the payment-service needs. The interface decouples the orchestration
 * and reconciliation logic from PostgreSQL, which keeps both testable against
 * stub implementations.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: Transaction identifiers.
 * - internal/domain: Domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tiaraconnect/payment-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// CreateTransaction inserts a new PENDING transaction record.
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error

	// FindTransactionByID returns a transaction by its local id.
	FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)

	// FindTransactionByCheckoutRequestID returns the transaction carrying the
	// given STK correlation id, regardless of status.
	FindTransactionByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*domain.Transaction, error)

	// CompleteTransactionByCheckoutRequestID atomically transitions the single
	// open (PENDING) transaction with the given STK correlation id to a
	// terminal status, setting completed_at. Returns ErrNoOpenTransaction when
	// no PENDING transaction matches, which covers both unknown ids and
	// duplicate deliveries for already-terminal transactions.
	CompleteTransactionByCheckoutRequestID(ctx context.Context, checkoutRequestID string, update CompleteTransactionParams) (*domain.Transaction, error)

	// CompleteTransactionByConversationID is the B2C-family counterpart,
	// correlated by ConversationID.
	CompleteTransactionByConversationID(ctx context.Context, conversationID string, update CompleteTransactionParams) (*domain.Transaction, error)

	// RetryTransaction re-opens a FAILED transaction for the operator retry
	// path: status back to PENDING, retry_count incremented, completed_at
	// cleared. Returns ErrTransactionNotRetryable when the transaction is not
	// in FAILED.
	RetryTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)

	// UpdateTransactionCorrelation replaces the gateway correlation ids on a
	// re-dispatched transaction. Nil pointers leave the stored value intact.
	UpdateTransactionCorrelation(ctx context.Context, id uuid.UUID, checkoutRequestID, merchantRequestID, conversationID, originatorConversationID *string) error

	// RecordC2BConfirmation stores an inbound customer-to-business payment as
	// a SUCCESS transaction keyed by the gateway receipt. Duplicate receipts
	// are ignored.
	RecordC2BConfirmation(ctx context.Context, tx *domain.Transaction) error

	// ListTransactions returns transaction history, newest first.
	ListTransactions(ctx context.Context, opts domain.TransactionListOptions) ([]domain.Transaction, error)

	// ArchiveTerminalTransactionsBefore flags terminal transactions completed
	// before the cutoff as archived. Records are never deleted.
	ArchiveTerminalTransactionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CompleteTransactionParams carries the terminal transition written by the
// callback reconciler.
type CompleteTransactionParams struct {
	Status       string
	ResultCode   *string
	ResultDesc   *string
	MpesaReceipt *string
	ErrorMessage *string
	CompletedAt  time.Time
}
