package billing_test

import (
	"errors"
	"testing"
	"time"

	"github.com/umemepay/prepaid-billing/internal/billing"
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
}

func TestNormalizeCallback_CanonicalNames(t *testing.T) {
	raw := []byte(`{
		"ResultCode": 0,
		"ResultDesc": "The service request is processed successfully.",
		"MpesaReceiptNumber": "QK12XYZ789",
		"Amount": 110,
		"TransactionDate": "20260315101530",
		"BillRefNumber": "MTR-0042",
		"MSISDN": "254700000001",
		"ConversationID": "AG_20260315_000012345"
	}`)

	fields, err := billing.NormalizeCallback(raw, fixedNow)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if fields.ResultCode != 0 {
		t.Errorf("Expected result code 0, got %d", fields.ResultCode)
	}
	if fields.ReceiptNumber != "QK12XYZ789" {
		t.Errorf("Expected receipt QK12XYZ789, got %q", fields.ReceiptNumber)
	}
	if fields.Amount != 110 {
		t.Errorf("Expected amount 110, got %f", fields.Amount)
	}
	if fields.BillRefNumber != "MTR-0042" {
		t.Errorf("Expected bill ref MTR-0042, got %q", fields.BillRefNumber)
	}
	if fields.Phone != "254700000001" {
		t.Errorf("Expected phone 254700000001, got %q", fields.Phone)
	}
	if fields.ConversationID != "AG_20260315_000012345" {
		t.Errorf("Expected conversation id, got %q", fields.ConversationID)
	}

	wantAt := time.Date(2026, 3, 15, 10, 15, 30, 0, time.UTC)
	if !fields.TransactionAt.Equal(wantAt) {
		t.Errorf("Expected transaction time %v, got %v", wantAt, fields.TransactionAt)
	}
}

func TestNormalizeCallback_AliasAndStringNumbers(t *testing.T) {
	// Older gateway versions send snake_case keys and numbers as strings.
	raw := []byte(`{
		"result_code": "1032",
		"result_desc": "Request cancelled by user",
		"TransID": "QK99ABC001",
		"TransAmount": "250.00",
		"bill_ref_number": "MTR-0042",
		"phone_number": 254700000002,
		"CheckoutRequestID": "ws_CO_150320261015"
	}`)

	fields, err := billing.NormalizeCallback(raw, fixedNow)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if fields.ResultCode != 1032 {
		t.Errorf("Expected result code 1032, got %d", fields.ResultCode)
	}
	if fields.ReceiptNumber != "QK99ABC001" {
		t.Errorf("Expected receipt from TransID alias, got %q", fields.ReceiptNumber)
	}
	if fields.Amount != 250.0 {
		t.Errorf("Expected amount 250 from string, got %f", fields.Amount)
	}
	if fields.Phone != "254700000002" {
		t.Errorf("Expected numeric phone coerced to string, got %q", fields.Phone)
	}
	if fields.ConversationID != "ws_CO_150320261015" {
		t.Errorf("Expected conversation id from CheckoutRequestID alias, got %q", fields.ConversationID)
	}
}

func TestNormalizeCallback_MissingBillRef(t *testing.T) {
	raw := []byte(`{"ResultCode": 0, "MpesaReceiptNumber": "QK12XYZ789", "Amount": 100}`)

	_, err := billing.NormalizeCallback(raw, fixedNow)
	if !errors.Is(err, billing.ErrMissingBillRef) {
		t.Fatalf("Expected ErrMissingBillRef, got %v", err)
	}
}

func TestNormalizeCallback_BadTimestampFallsBackToNow(t *testing.T) {
	raw := []byte(`{
		"ResultCode": 0,
		"BillRefNumber": "MTR-0042",
		"TransactionDate": "not-a-date"
	}`)

	fields, err := billing.NormalizeCallback(raw, fixedNow)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if !fields.TransactionAt.Equal(fixedNow()) {
		t.Errorf("Expected fallback to injected now, got %v", fields.TransactionAt)
	}
}

func TestNormalizeCallback_InvalidJSON(t *testing.T) {
	if _, err := billing.NormalizeCallback([]byte("not json"), fixedNow); err == nil {
		t.Fatal("Expected error for invalid JSON")
	}
}

func TestParseGatewayTimestamp(t *testing.T) {
	got, err := billing.ParseGatewayTimestamp("20261224183000")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := time.Date(2026, 12, 24, 18, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	got, err = billing.ParseGatewayTimestamp("2026-12-24T18:30:00Z")
	if err != nil {
		t.Fatalf("Unexpected error for RFC3339: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	if _, err := billing.ParseGatewayTimestamp(""); err == nil {
		t.Error("Expected error for empty timestamp")
	}
	if _, err := billing.ParseGatewayTimestamp("24/12/2026"); err == nil {
		t.Error("Expected error for unsupported format")
	}
}
