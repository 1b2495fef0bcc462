package billing_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/umemepay/prepaid-billing/internal/anomaly"
	"github.com/umemepay/prepaid-billing/internal/billing"
	"github.com/umemepay/prepaid-billing/internal/db"
	"github.com/umemepay/prepaid-billing/internal/mq"
	"github.com/umemepay/prepaid-billing/internal/repository"
	"github.com/umemepay/prepaid-billing/internal/units"
)

type capturePublisher struct {
	events []mq.SettlementEvent
}

func (p *capturePublisher) PublishSettlementEvent(_ context.Context, event mq.SettlementEvent) error {
	p.events = append(p.events, event)
	return nil
}

func newTestRecorder(store billing.Store) (*billing.Recorder, *capturePublisher) {
	logger := zap.NewNop()
	converter := units.NewConverter(25.0)
	calc := billing.NewCalculator(store, logger)
	publisher := &capturePublisher{}
	detector := anomaly.NewDetector(10.0, 5)
	return billing.NewRecorder(store, converter, calc, publisher, detector, logger), publisher
}

func TestCreateOnInitiation_CreditsOnSuccess(t *testing.T) {
	store := newFakeStore()
	user := store.addUser("MTR-0001")
	recorder, publisher := newTestRecorder(store)

	tx, err := recorder.CreateOnInitiation(context.Background(), "MTR-0001", 110.0, db.StatusSuccess, "AG_001")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if tx.Units != 4.4 {
		t.Errorf("Expected 4.40 units, got %f", tx.Units)
	}
	if tx.Remainder != 10.0 {
		t.Errorf("Expected remainder 10.00, got %f", tx.Remainder)
	}
	if tx.Status != db.StatusSuccess {
		t.Errorf("Expected status SUCCESS, got %s", tx.Status)
	}

	if user.CurrentUnits == nil || *user.CurrentUnits != 4.4 {
		t.Errorf("Expected cached balance 4.40, got %v", user.CurrentUnits)
	}
	if user.LatestTransactionID == nil || *user.LatestTransactionID != tx.ID {
		t.Error("Expected user stamped with latest transaction id")
	}
	if len(publisher.events) != 1 {
		t.Fatalf("Expected one settlement event, got %d", len(publisher.events))
	}
	if publisher.events[0].MeterNumber != "MTR-0001" {
		t.Errorf("Unexpected meter in event: %s", publisher.events[0].MeterNumber)
	}
}

func TestCreateOnInitiation_UnknownMeter(t *testing.T) {
	store := newFakeStore()
	recorder, _ := newTestRecorder(store)

	_, err := recorder.CreateOnInitiation(context.Background(), "MTR-MISSING", 100.0, db.StatusSuccess, "AG_002")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func successCallback(meter, receipt, conversationID string, amount float64) []byte {
	return []byte(fmt.Sprintf(`{
		"ResultCode": 0,
		"ResultDesc": "Processed successfully",
		"MpesaReceiptNumber": %q,
		"Amount": %f,
		"TransactionDate": "20260315101530",
		"BillRefNumber": %q,
		"MSISDN": "254700000001",
		"ConversationID": %q
	}`, receipt, amount, meter, conversationID))
}

func TestReconcileCallback_CreatesUnmatchedTransaction(t *testing.T) {
	store := newFakeStore()
	user := store.addUser("MTR-0002")
	recorder, publisher := newTestRecorder(store)

	result, err := recorder.ReconcileCallback(context.Background(), successCallback("MTR-0002", "QK001", "AG_100", 125.0))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if result.Duplicate {
		t.Error("Expected non-duplicate result")
	}
	if result.Status != db.StatusSuccess {
		t.Errorf("Expected SUCCESS, got %s", result.Status)
	}
	if len(store.transactions) != 1 {
		t.Fatalf("Expected one transaction, got %d", len(store.transactions))
	}
	if user.CurrentUnits == nil || *user.CurrentUnits != 5.0 {
		t.Errorf("Expected cached balance 5.00, got %v", user.CurrentUnits)
	}
	if len(publisher.events) != 1 || publisher.events[0].ReceiptNumber != "QK001" {
		t.Errorf("Expected settlement event with receipt QK001, got %+v", publisher.events)
	}
}

func TestReconcileCallback_DuplicateReceiptIgnored(t *testing.T) {
	store := newFakeStore()
	user := store.addUser("MTR-0003")
	recorder, publisher := newTestRecorder(store)

	payload := successCallback("MTR-0003", "QK002", "AG_101", 125.0)

	first, err := recorder.ReconcileCallback(context.Background(), payload)
	if err != nil {
		t.Fatalf("Unexpected error on first delivery: %v", err)
	}

	second, err := recorder.ReconcileCallback(context.Background(), payload)
	if err != nil {
		t.Fatalf("Unexpected error on redelivery: %v", err)
	}

	if !second.Duplicate {
		t.Error("Expected redelivery to be flagged duplicate")
	}
	if second.TransactionID != first.TransactionID {
		t.Error("Expected duplicate to reference the original transaction")
	}
	if len(store.transactions) != 1 {
		t.Fatalf("Expected exactly one transaction after redelivery, got %d", len(store.transactions))
	}
	if *user.CurrentUnits != 5.0 {
		t.Errorf("Expected balance unchanged at 5.00, got %f", *user.CurrentUnits)
	}
	if len(publisher.events) != 1 {
		t.Errorf("Expected exactly one settlement event, got %d", len(publisher.events))
	}
}

func TestReconcileCallback_SettlesInitiatedTransactionInPlace(t *testing.T) {
	store := newFakeStore()
	store.addUser("MTR-0004")
	recorder, _ := newTestRecorder(store)

	tx, err := recorder.CreateOnInitiation(context.Background(), "MTR-0004", 110.0, db.StatusPending, "AG_200")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	result, err := recorder.ReconcileCallback(context.Background(), successCallback("MTR-0004", "QK003", "AG_200", 110.0))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if result.TransactionID != tx.ID.String() {
		t.Error("Expected settlement to land on the initiated transaction")
	}
	if len(store.transactions) != 1 {
		t.Fatalf("Expected no new transaction row, got %d", len(store.transactions))
	}
	settled := store.transactions[0]
	if settled.Status != db.StatusSuccess {
		t.Errorf("Expected SUCCESS after settlement, got %s", settled.Status)
	}
	if settled.ReceiptNumber == nil || *settled.ReceiptNumber != "QK003" {
		t.Error("Expected receipt number recorded on settlement")
	}
}

func TestReconcileCallback_FailedResultCode(t *testing.T) {
	store := newFakeStore()
	user := store.addUser("MTR-0005")
	recorder, publisher := newTestRecorder(store)

	raw := []byte(`{
		"ResultCode": 1032,
		"ResultDesc": "Request cancelled by user",
		"Amount": 125,
		"BillRefNumber": "MTR-0005",
		"ConversationID": "AG_300"
	}`)

	result, err := recorder.ReconcileCallback(context.Background(), raw)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if result.Status != db.StatusFailed {
		t.Errorf("Expected FAILED, got %s", result.Status)
	}
	if user.CurrentUnits == nil || *user.CurrentUnits != 0 {
		t.Errorf("Expected zero balance after failed settlement, got %v", user.CurrentUnits)
	}
	if len(publisher.events) != 0 {
		t.Errorf("Expected no settlement event for FAILED, got %d", len(publisher.events))
	}
}

func TestReconcileCallback_FailureReversesOptimisticCredit(t *testing.T) {
	store := newFakeStore()
	user := store.addUser("MTR-0006")
	recorder, _ := newTestRecorder(store)

	// Initiation optimistically credits before the gateway settles.
	if _, err := recorder.CreateOnInitiation(context.Background(), "MTR-0006", 110.0, db.StatusSuccess, "AG_400"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if *user.CurrentUnits != 4.4 {
		t.Fatalf("Expected optimistic credit of 4.40, got %f", *user.CurrentUnits)
	}

	raw := []byte(`{
		"ResultCode": 1,
		"ResultDesc": "Insufficient funds",
		"Amount": 110,
		"BillRefNumber": "MTR-0006",
		"ConversationID": "AG_400"
	}`)
	result, err := recorder.ReconcileCallback(context.Background(), raw)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if result.Status != db.StatusFailed {
		t.Errorf("Expected FAILED, got %s", result.Status)
	}
	if len(store.transactions) != 1 {
		t.Fatalf("Expected the initiated row to be settled in place, got %d rows", len(store.transactions))
	}
	if *user.CurrentUnits != 0 {
		t.Errorf("Expected credit reversed to 0, got %f", *user.CurrentUnits)
	}
}

func TestReconcileCallback_UnknownMeter(t *testing.T) {
	store := newFakeStore()
	recorder, _ := newTestRecorder(store)

	_, err := recorder.ReconcileCallback(context.Background(), successCallback("MTR-GHOST", "QK004", "AG_500", 100.0))
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestReconcileCallback_MissingBillRef(t *testing.T) {
	store := newFakeStore()
	recorder, _ := newTestRecorder(store)

	_, err := recorder.ReconcileCallback(context.Background(), []byte(`{"ResultCode": 0, "Amount": 100}`))
	if !errors.Is(err, billing.ErrMissingBillRef) {
		t.Fatalf("Expected ErrMissingBillRef, got %v", err)
	}
}

func TestHandleReplay_SucceedsForValidPayload(t *testing.T) {
	store := newFakeStore()
	store.addUser("MTR-0007")
	recorder, _ := newTestRecorder(store)

	if err := recorder.HandleReplay(context.Background(), successCallback("MTR-0007", "QK005", "AG_600", 75.0)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(store.transactions) != 1 {
		t.Fatalf("Expected replayed callback to create a transaction, got %d", len(store.transactions))
	}
}
