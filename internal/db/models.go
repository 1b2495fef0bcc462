package db

import (
	"time"

	"github.com/google/uuid"
)

// Transaction status values. Legacy rows imported from the previous system may
// carry "completed" instead of SUCCESS; balance queries treat both as settled.
const (
	StatusPending = "PENDING"
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// Consumption record kinds.
const (
	ConsumptionAutomatic = "automatic"
	ConsumptionManual    = "manual"
)

// User represents a registered meter owner.
//
// CurrentUnits is a cached copy of the derived balance. A nil value means the
// cache has never been written; readers must fall back to recomputing from the
// transaction and consumption history.
type User struct {
	ID                  uuid.UUID
	Name                string
	Email               string
	MeterNumber         string
	Phone               string
	CurrentUnits        *float64
	LatestTransactionID *uuid.UUID
	LastPaymentAmount   *float64
	LastPaymentAt       *time.Time
	CreatedAt           time.Time
}

// Transaction represents a single payment against a meter.
//
// Reference carries the gateway's conversation id assigned at initiation and is
// used to match the asynchronous settlement callback to this record.
// ReceiptNumber is the gateway's unique payment id, set at settlement; at most
// one transaction may carry a given receipt number.
type Transaction struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	MeterNumber   string
	Amount        float64
	Units         float64
	Remainder     float64
	Status        string
	Reference     string
	ReceiptNumber *string
	Phone         *string
	ResultCode    *int
	ResultDesc    *string
	RawPayload    []byte
	TransactionAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ConsumptionRecord represents one balance drain event. Immutable once written.
type ConsumptionRecord struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	UnitsConsumed float64
	UnitsBefore   float64
	UnitsAfter    float64
	Rate          float64
	Kind          string
	CreatedAt     time.Time
}
