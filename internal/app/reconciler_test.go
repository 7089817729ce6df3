package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tiaraconnect/payment-service/internal/domain"
	"github.com/tiaraconnect/payment-service/internal/store"
)

func newTestReconciler(repo *stubRepository, notifier Notifier) *Reconciler {
	r := NewReconciler(repo, notifier)
	r.now = func() time.Time { return time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC) }
	return r
}

func stkCallback(checkoutRequestID string, resultCode int, desc string, receipt string) domain.STKCallback {
	cb := domain.STKCallback{
		MerchantRequestID: "mr-1",
		CheckoutRequestID: checkoutRequestID,
		ResultCode:        resultCode,
		ResultDesc:        desc,
	}
	if receipt != "" {
		cb.CallbackMetadata.Item = []domain.CallbackItem{
			{Name: "Amount", Value: json.RawMessage(`150.0`)},
			{Name: "MpesaReceiptNumber", Value: json.RawMessage(`"` + receipt + `"`)},
			{Name: "PhoneNumber", Value: json.RawMessage(`254712345678`)},
		}
	}
	return cb
}

func TestProcessSTKCallback_SuccessExtractsReceipt(t *testing.T) {
	var gotID string
	var gotUpdate store.CompleteTransactionParams
	settled := &domain.Transaction{
		ID:          uuid.New(),
		Status:      domain.StatusSuccess,
		Amount:      150,
		PhoneNumber: "254712345678",
	}
	repo := &stubRepository{
		completeByCheckoutFn: func(ctx context.Context, checkoutRequestID string, update store.CompleteTransactionParams) (*domain.Transaction, error) {
			gotID = checkoutRequestID
			gotUpdate = update
			return settled, nil
		},
	}
	notifier := newRecordingNotifier()
	r := newTestReconciler(repo, notifier)

	tx, err := r.ProcessSTKCallback(context.Background(), stkCallback("ws_CO_42", 0, "Processed", "SGH7Q1XRT0"))
	if err != nil {
		t.Fatalf("ProcessSTKCallback returned error: %v", err)
	}
	if tx != settled {
		t.Fatal("reconciled transaction not returned")
	}
	if gotID != "ws_CO_42" {
		t.Fatalf("correlated by %q, want ws_CO_42", gotID)
	}
	if gotUpdate.Status != domain.StatusSuccess {
		t.Fatalf("status = %q, want SUCCESS", gotUpdate.Status)
	}
	if gotUpdate.MpesaReceipt == nil || *gotUpdate.MpesaReceipt != "SGH7Q1XRT0" {
		t.Fatalf("receipt not extracted from metadata: %+v", gotUpdate.MpesaReceipt)
	}
	if gotUpdate.ErrorMessage != nil {
		t.Fatal("a successful callback must not set an error message")
	}
	notifier.waitFor(t, "success")
}

func TestProcessSTKCallback_ResultCodeMapping(t *testing.T) {
	cases := []struct {
		code int
		want string
	}{
		{0, domain.StatusSuccess},
		{1032, domain.StatusCancelled},
		{1037, domain.StatusTimeout},
		{1, domain.StatusFailed},
		{2001, domain.StatusFailed},
	}
	for _, c := range cases {
		var gotStatus string
		repo := &stubRepository{
			completeByCheckoutFn: func(ctx context.Context, checkoutRequestID string, update store.CompleteTransactionParams) (*domain.Transaction, error) {
				gotStatus = update.Status
				return &domain.Transaction{ID: uuid.New(), Status: update.Status}, nil
			},
		}
		r := newTestReconciler(repo, newRecordingNotifier())
		if _, err := r.ProcessSTKCallback(context.Background(), stkCallback("ws_CO_1", c.code, "desc", "")); err != nil {
			t.Fatalf("code %d: unexpected error: %v", c.code, err)
		}
		if gotStatus != c.want {
			t.Fatalf("code %d mapped to %q, want %q", c.code, gotStatus, c.want)
		}
	}
}

func TestProcessSTKCallback_UnknownCorrelationIsMismatch(t *testing.T) {
	repo := &stubRepository{} // defaults return ErrNoOpenTransaction
	r := newTestReconciler(repo, newRecordingNotifier())

	_, err := r.ProcessSTKCallback(context.Background(), stkCallback("ws_CO_unknown", 0, "Processed", "SGH1"))
	if !errors.Is(err, ErrReconciliationMismatch) {
		t.Fatalf("error = %v, want ErrReconciliationMismatch", err)
	}
}

func TestProcessSTKCallback_DuplicateDeliveryIsMismatch(t *testing.T) {
	// The store's compare-and-set guard makes a second delivery for an
	// already-terminal transaction indistinguishable from an unknown id.
	calls := 0
	settled := &domain.Transaction{ID: uuid.New(), Status: domain.StatusSuccess}
	repo := &stubRepository{
		completeByCheckoutFn: func(ctx context.Context, checkoutRequestID string, update store.CompleteTransactionParams) (*domain.Transaction, error) {
			calls++
			if calls == 1 {
				return settled, nil
			}
			return nil, store.ErrNoOpenTransaction
		},
	}
	r := newTestReconciler(repo, newRecordingNotifier())

	if _, err := r.ProcessSTKCallback(context.Background(), stkCallback("ws_CO_42", 0, "Processed", "")); err != nil {
		t.Fatalf("first delivery returned error: %v", err)
	}
	_, err := r.ProcessSTKCallback(context.Background(), stkCallback("ws_CO_42", 0, "Processed", ""))
	if !errors.Is(err, ErrReconciliationMismatch) {
		t.Fatalf("duplicate delivery error = %v, want ErrReconciliationMismatch", err)
	}
}

func TestProcessB2CResult_Success(t *testing.T) {
	var gotConv string
	var gotUpdate store.CompleteTransactionParams
	repo := &stubRepository{
		completeByConvFn: func(ctx context.Context, conversationID string, update store.CompleteTransactionParams) (*domain.Transaction, error) {
			gotConv = conversationID
			gotUpdate = update
			return &domain.Transaction{ID: uuid.New(), Status: update.Status, PhoneNumber: "254712345678", Amount: 500}, nil
		},
	}
	notifier := newRecordingNotifier()
	r := newTestReconciler(repo, notifier)

	res := domain.B2CResult{
		ResultCode:     0,
		ResultDesc:     "The service request is processed successfully.",
		ConversationID: "conv-7",
		TransactionID:  "SGH7Q1XRT1",
	}
	if _, err := r.ProcessB2CResult(context.Background(), res); err != nil {
		t.Fatalf("ProcessB2CResult returned error: %v", err)
	}
	if gotConv != "conv-7" {
		t.Fatalf("correlated by %q, want conv-7", gotConv)
	}
	if gotUpdate.Status != domain.StatusSuccess {
		t.Fatalf("status = %q", gotUpdate.Status)
	}
	if gotUpdate.MpesaReceipt == nil || *gotUpdate.MpesaReceipt != "SGH7Q1XRT1" {
		t.Fatalf("receipt = %+v", gotUpdate.MpesaReceipt)
	}
	notifier.waitFor(t, "success")
}

func TestProcessB2CTimeout_MarksTimeout(t *testing.T) {
	var gotUpdate store.CompleteTransactionParams
	repo := &stubRepository{
		completeByConvFn: func(ctx context.Context, conversationID string, update store.CompleteTransactionParams) (*domain.Transaction, error) {
			gotUpdate = update
			return &domain.Transaction{ID: uuid.New(), Status: update.Status}, nil
		},
	}
	r := newTestReconciler(repo, newRecordingNotifier())

	if _, err := r.ProcessB2CTimeout(context.Background(), domain.B2CResult{ConversationID: "conv-9"}); err != nil {
		t.Fatalf("ProcessB2CTimeout returned error: %v", err)
	}
	if gotUpdate.Status != domain.StatusTimeout {
		t.Fatalf("status = %q, want TIMEOUT", gotUpdate.Status)
	}
	if gotUpdate.ResultCode == nil || *gotUpdate.ResultCode != "1037" {
		t.Fatalf("result code = %+v, want 1037", gotUpdate.ResultCode)
	}
}

func TestProcessC2BConfirmation_RecordsSuccess(t *testing.T) {
	var recorded *domain.Transaction
	repo := &stubRepository{
		recordC2BFn: func(ctx context.Context, tx *domain.Transaction) error {
			recorded = tx
			return nil
		},
	}
	r := newTestReconciler(repo, newRecordingNotifier())

	conf := domain.C2BConfirmation{
		TransID:           "SGH7Q1XRT2",
		TransAmount:       "250.00",
		BusinessShortCode: "174379",
		BillRefNumber:     "INV-12",
		MSISDN:            "254712345678",
	}
	if err := r.ProcessC2BConfirmation(context.Background(), conf); err != nil {
		t.Fatalf("ProcessC2BConfirmation returned error: %v", err)
	}
	if recorded == nil {
		t.Fatal("confirmation not recorded")
	}
	if recorded.Status != domain.StatusSuccess {
		t.Fatalf("status = %q, want SUCCESS", recorded.Status)
	}
	if recorded.TransactionType != domain.TypeC2B {
		t.Fatalf("type = %q", recorded.TransactionType)
	}
	if recorded.MpesaReceipt == nil || *recorded.MpesaReceipt != "SGH7Q1XRT2" {
		t.Fatalf("receipt = %+v", recorded.MpesaReceipt)
	}
	if recorded.Amount != 250 {
		t.Fatalf("amount = %d, want 250", recorded.Amount)
	}
	if recorded.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
}

func TestProcessC2BConfirmation_FractionalAmountRoundsToNearest(t *testing.T) {
	var recorded *domain.Transaction
	repo := &stubRepository{
		recordC2BFn: func(ctx context.Context, tx *domain.Transaction) error {
			recorded = tx
			return nil
		},
	}
	r := newTestReconciler(repo, newRecordingNotifier())

	conf := domain.C2BConfirmation{TransID: "SGH4", TransAmount: "250.75", MSISDN: "254712345678"}
	if err := r.ProcessC2BConfirmation(context.Background(), conf); err != nil {
		t.Fatalf("ProcessC2BConfirmation returned error: %v", err)
	}
	if recorded == nil || recorded.Amount != 251 {
		t.Fatalf("amount = %+v, want 251", recorded)
	}
}

func TestProcessC2BConfirmation_UnparsableAmountTolerated(t *testing.T) {
	var recorded *domain.Transaction
	repo := &stubRepository{
		recordC2BFn: func(ctx context.Context, tx *domain.Transaction) error {
			recorded = tx
			return nil
		},
	}
	r := newTestReconciler(repo, newRecordingNotifier())

	conf := domain.C2BConfirmation{TransID: "SGH3", TransAmount: "banana", MSISDN: "254712345678"}
	if err := r.ProcessC2BConfirmation(context.Background(), conf); err != nil {
		t.Fatalf("ProcessC2BConfirmation returned error: %v", err)
	}
	if recorded == nil || recorded.Amount != 0 {
		t.Fatalf("expected a zero-amount record, got %+v", recorded)
	}
}
