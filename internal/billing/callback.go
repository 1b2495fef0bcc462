package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrMissingBillRef is returned when a callback payload carries no meter
// reference. Such a payload can never be attributed to a user.
var ErrMissingBillRef = errors.New("missing bill reference")

// CallbackFields is the canonical form of a settlement callback. The gateway's
// field naming is not fixed, so every inbound payload is mapped through the
// alias tables below before any business logic runs.
type CallbackFields struct {
	ResultCode     int
	ResultDesc     string
	ReceiptNumber  string
	Amount         float64
	TransactionAt  time.Time
	BillRefNumber  string
	Phone          string
	ConversationID string
}

var callbackAliases = map[string][]string{
	"result_code":     {"ResultCode", "resultCode", "result_code"},
	"result_desc":     {"ResultDesc", "resultDesc", "result_desc"},
	"receipt":         {"MpesaReceiptNumber", "TransID", "receipt_number", "receiptNumber"},
	"amount":          {"Amount", "TransAmount", "amount"},
	"date":            {"TransactionDate", "TransTime", "transaction_date"},
	"bill_ref":        {"BillRefNumber", "AccountReference", "bill_ref_number", "billRefNumber"},
	"phone":           {"MSISDN", "PhoneNumber", "phone_number"},
	"conversation_id": {"ConversationID", "CheckoutRequestID", "conversation_id"},
}

// NormalizeCallback parses a raw callback payload into CallbackFields.
//
// A payload without a bill reference fails with ErrMissingBillRef; the HTTP
// layer still acknowledges such callbacks to stop upstream retries. A date
// that cannot be parsed falls back to the current time rather than failing
// the whole settlement.
func NormalizeCallback(raw []byte, now func() time.Time) (*CallbackFields, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal callback payload: %w", err)
	}

	fields := &CallbackFields{
		ResultCode:     lookupInt(payload, "result_code"),
		ResultDesc:     lookupString(payload, "result_desc"),
		ReceiptNumber:  lookupString(payload, "receipt"),
		Amount:         lookupFloat(payload, "amount"),
		BillRefNumber:  lookupString(payload, "bill_ref"),
		Phone:          lookupString(payload, "phone"),
		ConversationID: lookupString(payload, "conversation_id"),
	}

	if fields.BillRefNumber == "" {
		return nil, ErrMissingBillRef
	}

	if at, err := ParseGatewayTimestamp(lookupString(payload, "date")); err == nil {
		fields.TransactionAt = at
	} else {
		fields.TransactionAt = now().UTC()
	}

	return fields, nil
}

func lookupRaw(payload map[string]any, canonical string) (any, bool) {
	for _, alias := range callbackAliases[canonical] {
		if v, ok := payload[alias]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func lookupString(payload map[string]any, canonical string) string {
	v, ok := lookupRaw(payload, canonical)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		// Numeric receipt and date fields arrive as JSON numbers from some
		// gateway versions.
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return ""
	}
}

func lookupFloat(payload map[string]any, canonical string) float64 {
	v, ok := lookupRaw(payload, canonical)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func lookupInt(payload map[string]any, canonical string) int {
	return int(lookupFloat(payload, canonical))
}

// ParseGatewayTimestamp attempts to parse a gateway settlement date with the
// formats the gateway is known to emit.
func ParseGatewayTimestamp(dateStr string) (time.Time, error) {
	if dateStr == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	formats := []string{
		"20060102150405", // Compact YYYYMMDDHHMMSS
		time.RFC3339,     // Standard RFC3339
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", dateStr, lastErr)
}
