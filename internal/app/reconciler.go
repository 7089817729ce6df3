/**
 * @description
 * This file contains the callback reconciler: the state machine that merges
 * Daraja's asynchronous result notifications into the durable transaction
 * record. Transitions are driven entirely by inbound callbacks, never by
 * polling. The terminal transition is a storage-level compare-and-set from
 * PENDING, so duplicate deliveries and unknown correlation ids are absorbed
 * without mutating state; callers still acknowledge the callback either way.
 *
 * @dependencies
 * - context, errors, log, strconv, time: Standard Go libraries.
 * - github.com/google/uuid: Record ids for C2B confirmations.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/daraja: Reference generation for C2B records.
 */

package app

import (
	"context"
	"errors"
	"log"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tiaraconnect/payment-service/internal/domain"
	"github.com/tiaraconnect/payment-service/internal/store"
	"github.com/tiaraconnect/payment-service/pkg/daraja"
)

// ErrReconciliationMismatch marks a callback whose correlation id matches no
// open transaction. It is logged and acknowledged, never fatal.
var ErrReconciliationMismatch = errors.New("callback does not match an open transaction")

// Gateway result codes with a dedicated terminal state. Any other non-zero
// code maps to FAILED.
const (
	resultCodeSuccess   = 0
	resultCodeCancelled = 1032
	resultCodeTimeout   = 1037
)

// Reconciler applies asynchronous gateway notifications to transaction state.
type Reconciler struct {
	repo     store.Repository
	notifier Notifier

	// now is swappable for tests.
	now func() time.Time
}

// NewReconciler creates a reconciler over the given repository and notifier.
func NewReconciler(repo store.Repository, notifier Notifier) *Reconciler {
	return &Reconciler{
		repo:     repo,
		notifier: notifier,
		now:      time.Now,
	}
}

// statusForResultCode maps a gateway result code to the terminal status.
func statusForResultCode(code int) string {
	switch code {
	case resultCodeSuccess:
		return domain.StatusSuccess
	case resultCodeCancelled:
		return domain.StatusCancelled
	case resultCodeTimeout:
		return domain.StatusTimeout
	default:
		return domain.StatusFailed
	}
}

// ProcessSTKCallback reconciles a push-payment result. The returned
// transaction is nil when the callback matched nothing; the accompanying
// ErrReconciliationMismatch tells the handler to acknowledge without action.
func (r *Reconciler) ProcessSTKCallback(ctx context.Context, cb domain.STKCallback) (*domain.Transaction, error) {
	status := statusForResultCode(cb.ResultCode)
	resultCode := strconv.Itoa(cb.ResultCode)

	update := store.CompleteTransactionParams{
		Status:      status,
		ResultCode:  &resultCode,
		ResultDesc:  nullable(cb.ResultDesc),
		CompletedAt: r.now().UTC(),
	}
	if receipt, ok := cb.MetadataValue("MpesaReceiptNumber"); ok {
		update.MpesaReceipt = &receipt
	}
	if status != domain.StatusSuccess {
		update.ErrorMessage = nullable(cb.ResultDesc)
	}

	tx, err := r.repo.CompleteTransactionByCheckoutRequestID(ctx, cb.CheckoutRequestID, update)
	if err != nil {
		if errors.Is(err, store.ErrNoOpenTransaction) {
			log.Printf("level=warn component=reconciler callback=stk msg=\"no open transaction for callback\" checkout_request_id=%s result_code=%d", cb.CheckoutRequestID, cb.ResultCode)
			return nil, ErrReconciliationMismatch
		}
		return nil, err
	}

	log.Printf("level=info component=reconciler callback=stk msg=\"transaction reconciled\" transaction_id=%s status=%s result_code=%d", tx.ID, tx.Status, cb.ResultCode)
	r.notifyOutcome(tx)
	return tx, nil
}

// ProcessB2CResult reconciles a B2C-family result (payout, status query,
// balance query or reversal), correlated by ConversationID.
func (r *Reconciler) ProcessB2CResult(ctx context.Context, res domain.B2CResult) (*domain.Transaction, error) {
	status := statusForResultCode(res.ResultCode)
	resultCode := strconv.Itoa(res.ResultCode)

	update := store.CompleteTransactionParams{
		Status:       status,
		ResultCode:   &resultCode,
		ResultDesc:   nullable(res.ResultDesc),
		MpesaReceipt: nullable(res.TransactionID),
		CompletedAt:  r.now().UTC(),
	}
	if status != domain.StatusSuccess {
		update.ErrorMessage = nullable(res.ResultDesc)
	}

	tx, err := r.repo.CompleteTransactionByConversationID(ctx, res.ConversationID, update)
	if err != nil {
		if errors.Is(err, store.ErrNoOpenTransaction) {
			log.Printf("level=warn component=reconciler callback=b2c msg=\"no open transaction for result\" conversation_id=%s result_code=%d", res.ConversationID, res.ResultCode)
			return nil, ErrReconciliationMismatch
		}
		return nil, err
	}

	log.Printf("level=info component=reconciler callback=b2c msg=\"transaction reconciled\" transaction_id=%s status=%s result_code=%d", tx.ID, tx.Status, res.ResultCode)
	r.notifyOutcome(tx)
	return tx, nil
}

// ProcessB2CTimeout marks a payout as timed out after the gateway reports the
// request expired in its queue. No receipt exists for these.
func (r *Reconciler) ProcessB2CTimeout(ctx context.Context, res domain.B2CResult) (*domain.Transaction, error) {
	resultCode := strconv.Itoa(resultCodeTimeout)
	desc := res.ResultDesc
	if desc == "" {
		desc = "Request timed out in the gateway queue"
	}

	update := store.CompleteTransactionParams{
		Status:       domain.StatusTimeout,
		ResultCode:   &resultCode,
		ResultDesc:   &desc,
		ErrorMessage: &desc,
		CompletedAt:  r.now().UTC(),
	}

	tx, err := r.repo.CompleteTransactionByConversationID(ctx, res.ConversationID, update)
	if err != nil {
		if errors.Is(err, store.ErrNoOpenTransaction) {
			log.Printf("level=warn component=reconciler callback=b2c_timeout msg=\"no open transaction for timeout\" conversation_id=%s", res.ConversationID)
			return nil, ErrReconciliationMismatch
		}
		return nil, err
	}

	log.Printf("level=info component=reconciler callback=b2c_timeout msg=\"transaction timed out\" transaction_id=%s", tx.ID)
	r.notifyOutcome(tx)
	return tx, nil
}

// ProcessC2BConfirmation records an inbound customer paybill payment. These
// arrive without a prior initiation, so a SUCCESS record is created directly;
// duplicate receipts are absorbed by the store.
func (r *Reconciler) ProcessC2BConfirmation(ctx context.Context, conf domain.C2BConfirmation) error {
	amount, err := strconv.ParseFloat(conf.TransAmount, 64)
	if err != nil {
		log.Printf("level=warn component=reconciler callback=c2b msg=\"unparsable amount\" trans_id=%s amount=%q", conf.TransID, conf.TransAmount)
		amount = 0
	}

	completedAt := r.now().UTC()
	tx := &domain.Transaction{
		ID:               uuid.New(),
		TransactionRef:   daraja.GenerateReference("C2B", r.now()),
		MpesaReceipt:     nullable(conf.TransID),
		TransactionType:  domain.TypeC2B,
		Status:           domain.StatusSuccess,
		Amount:           int64(math.Round(amount)),
		Currency:         "KES",
		PhoneNumber:      conf.MSISDN,
		AccountReference: conf.BillRefNumber,
		TransactionDesc:  "C2B Payment",
		InitiatedAt:      completedAt,
		CompletedAt:      &completedAt,
	}
	if err := r.repo.RecordC2BConfirmation(ctx, tx); err != nil {
		return err
	}
	log.Printf("level=info component=reconciler callback=c2b msg=\"confirmation recorded\" trans_id=%s amount=%s msisdn=%s", conf.TransID, conf.TransAmount, conf.MSISDN)
	return nil
}

// notifyOutcome fires the best-effort SMS matching the terminal state. Query
// transactions carry no customer phone number and are skipped.
func (r *Reconciler) notifyOutcome(tx *domain.Transaction) {
	if tx.PhoneNumber == "" {
		return
	}
	amount := tx.Amount
	phone := tx.PhoneNumber
	reference := tx.TransactionRef

	switch tx.Status {
	case domain.StatusSuccess:
		receipt := ""
		if tx.MpesaReceipt != nil {
			receipt = *tx.MpesaReceipt
		}
		if tx.TransactionType == domain.TypeReversal {
			notifyAsync("reconciler", func(ctx context.Context) error {
				return r.notifier.SendReversalNotification(ctx, phone, amount, receipt)
			})
			return
		}
		notifyAsync("reconciler", func(ctx context.Context) error {
			return r.notifier.SendPaymentSuccess(ctx, phone, amount, reference, receipt)
		})
	case domain.StatusFailed, domain.StatusCancelled, domain.StatusTimeout:
		reason := tx.Status
		if tx.ResultDesc != nil && *tx.ResultDesc != "" {
			reason = *tx.ResultDesc
		}
		notifyAsync("reconciler", func(ctx context.Context) error {
			return r.notifier.SendPaymentFailed(ctx, phone, amount, reference, reason)
		})
	}
}
