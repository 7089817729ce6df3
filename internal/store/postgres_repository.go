/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. The terminal transitions are single compare-and-set UPDATEs
 * guarded on status = 'PENDING', so concurrent duplicate callbacks for the
 * same correlation id serialize at the database and only the first applies.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/domain: Domain models.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tiaraconnect/payment-service/internal/domain"
)

var (
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrNoOpenTransaction       = errors.New("no open transaction for correlation id")
	ErrTransactionNotRetryable = errors.New("transaction is not in a retryable state")
)

const transactionColumns = `
	id, transaction_ref, checkout_request_id, merchant_request_id,
	conversation_id, originator_conversation_id, mpesa_receipt,
	transaction_type, status, amount, currency, phone_number,
	account_reference, transaction_desc, result_code, result_desc,
	error_message, retry_count, archived, initiated_at, completed_at,
	created_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface
// for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateTransaction inserts a new PENDING transaction record.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, transaction_ref, checkout_request_id, merchant_request_id,
			conversation_id, originator_conversation_id, transaction_type,
			status, amount, currency, phone_number, account_reference,
			transaction_desc, retry_count, initiated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at`
	return r.db.QueryRow(ctx, query,
		tx.ID, tx.TransactionRef, tx.CheckoutRequestID, tx.MerchantRequestID,
		tx.ConversationID, tx.OriginatorConversationID, tx.TransactionType,
		tx.Status, tx.Amount, tx.Currency, tx.PhoneNumber, tx.AccountReference,
		tx.TransactionDesc, tx.RetryCount, tx.InitiatedAt,
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)
}

// FindTransactionByID returns a transaction by its local id.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, id))
}

// FindTransactionByCheckoutRequestID returns the transaction carrying the
// given STK correlation id.
func (r *PostgresRepository) FindTransactionByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE checkout_request_id = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, checkoutRequestID))
}

// CompleteTransactionByCheckoutRequestID performs the CAS terminal transition
// for STK callbacks.
func (r *PostgresRepository) CompleteTransactionByCheckoutRequestID(ctx context.Context, checkoutRequestID string, update CompleteTransactionParams) (*domain.Transaction, error) {
	return r.completeWhere(ctx, "checkout_request_id", checkoutRequestID, update)
}

// CompleteTransactionByConversationID performs the CAS terminal transition for
// B2C-family results.
func (r *PostgresRepository) CompleteTransactionByConversationID(ctx context.Context, conversationID string, update CompleteTransactionParams) (*domain.Transaction, error) {
	return r.completeWhere(ctx, "conversation_id", conversationID, update)
}

// completeWhere runs the terminal CAS update guarded on status = 'PENDING'.
// No matching row means the correlation id is unknown or the transaction is
// already terminal; both surface as ErrNoOpenTransaction.
func (r *PostgresRepository) completeWhere(ctx context.Context, column, correlationID string, update CompleteTransactionParams) (*domain.Transaction, error) {
	if !domain.IsTerminalStatus(update.Status) {
		return nil, fmt.Errorf("complete transaction: %q is not a terminal status", update.Status)
	}
	query := `
		UPDATE transactions
		SET status = $1,
		    result_code = $2,
		    result_desc = $3,
		    mpesa_receipt = COALESCE($4, mpesa_receipt),
		    error_message = $5,
		    completed_at = $6,
		    updated_at = now()
		WHERE ` + column + ` = $7 AND status = 'PENDING'
		RETURNING ` + transactionColumns
	tx, err := r.scanOne(r.db.QueryRow(ctx, query,
		update.Status, update.ResultCode, update.ResultDesc,
		update.MpesaReceipt, update.ErrorMessage, update.CompletedAt,
		correlationID,
	))
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return nil, ErrNoOpenTransaction
		}
		return nil, err
	}
	return tx, nil
}

// RetryTransaction re-opens a FAILED transaction for the operator retry path.
func (r *PostgresRepository) RetryTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := `
		UPDATE transactions
		SET status = 'PENDING',
		    retry_count = retry_count + 1,
		    completed_at = NULL,
		    error_message = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = 'FAILED'
		RETURNING ` + transactionColumns
	tx, err := r.scanOne(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			// Distinguish a missing record from a non-FAILED one.
			if _, findErr := r.FindTransactionByID(ctx, id); findErr == nil {
				return nil, ErrTransactionNotRetryable
			}
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// UpdateTransactionCorrelation replaces gateway correlation ids after a
// re-dispatch.
func (r *PostgresRepository) UpdateTransactionCorrelation(ctx context.Context, id uuid.UUID, checkoutRequestID, merchantRequestID, conversationID, originatorConversationID *string) error {
	query := `
		UPDATE transactions
		SET checkout_request_id = COALESCE($1, checkout_request_id),
		    merchant_request_id = COALESCE($2, merchant_request_id),
		    conversation_id = COALESCE($3, conversation_id),
		    originator_conversation_id = COALESCE($4, originator_conversation_id),
		    updated_at = now()
		WHERE id = $5`
	tag, err := r.db.Exec(ctx, query, checkoutRequestID, merchantRequestID, conversationID, originatorConversationID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// RecordC2BConfirmation stores an inbound customer payment keyed by the
// gateway receipt. ON CONFLICT DO NOTHING absorbs duplicate deliveries.
func (r *PostgresRepository) RecordC2BConfirmation(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, transaction_ref, mpesa_receipt, transaction_type, status,
			amount, currency, phone_number, account_reference,
			transaction_desc, retry_count, initiated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (mpesa_receipt) DO NOTHING`
	_, err := r.db.Exec(ctx, query,
		tx.ID, tx.TransactionRef, tx.MpesaReceipt, tx.TransactionType,
		tx.Status, tx.Amount, tx.Currency, tx.PhoneNumber,
		tx.AccountReference, tx.TransactionDesc, tx.RetryCount,
		tx.InitiatedAt, tx.CompletedAt,
	)
	return err
}

// ListTransactions returns transaction history, newest first.
func (r *PostgresRepository) ListTransactions(ctx context.Context, opts domain.TransactionListOptions) ([]domain.Transaction, error) {
	conditions := make([]string, 0, 4)
	args := make([]interface{}, 0, 6)

	if !opts.IncludeArchived {
		conditions = append(conditions, "archived = FALSE")
	}
	if opts.Status != "" {
		args = append(args, opts.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if opts.TransactionType != "" {
		args = append(args, opts.TransactionType)
		conditions = append(conditions, fmt.Sprintf("transaction_type = $%d", len(args)))
	}
	if opts.PhoneNumber != "" {
		args = append(args, opts.PhoneNumber)
		conditions = append(conditions, fmt.Sprintf("phone_number = $%d", len(args)))
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY initiated_at DESC"

	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *tx)
	}
	return result, rows.Err()
}

// ArchiveTerminalTransactionsBefore flags terminal transactions completed
// before the cutoff as archived.
func (r *PostgresRepository) ArchiveTerminalTransactionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE transactions
		SET archived = TRUE, updated_at = now()
		WHERE archived = FALSE
		  AND completed_at IS NOT NULL
		  AND completed_at < $1`
	tag, err := r.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *PostgresRepository) scanOne(row pgx.Row) (*domain.Transaction, error) {
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := row.Scan(
		&tx.ID, &tx.TransactionRef, &tx.CheckoutRequestID, &tx.MerchantRequestID,
		&tx.ConversationID, &tx.OriginatorConversationID, &tx.MpesaReceipt,
		&tx.TransactionType, &tx.Status, &tx.Amount, &tx.Currency, &tx.PhoneNumber,
		&tx.AccountReference, &tx.TransactionDesc, &tx.ResultCode, &tx.ResultDesc,
		&tx.ErrorMessage, &tx.RetryCount, &tx.Archived, &tx.InitiatedAt, &tx.CompletedAt,
		&tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}
