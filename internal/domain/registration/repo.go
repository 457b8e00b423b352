package registration

import (
	"context"
	"time"
)

// TxRunner runs fn inside one transaction bound to the context fn receives.
// Repositories called with that context take part in the transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// LedgerRepository owns the availability ledger.
type LedgerRepository interface {
	// LockDay locks and returns every slot row of a doctor's day, ordered by
	// slot code. No rows is a normal result.
	LockDay(ctx context.Context, resourceID int64, date time.Time) ([]*LedgerRow, error)
	// Increment adds delta to booked on every row of the day and, when
	// categoryKey is not empty, to that category's booked counter. Counters
	// never go below zero. Callers must hold the LockDay lock.
	Increment(ctx context.Context, resourceID int64, date time.Time, delta int, categoryKey string) error
	// Upsert creates or replaces the slot row of r and syncs capacity and
	// category capacities across the day. Booked counters are preserved.
	Upsert(ctx context.Context, r *LedgerRow) ([]*LedgerRow, error)
	ListDay(ctx context.Context, resourceID int64, date time.Time) ([]*LedgerRow, error)
}

// OrderRepository owns order rows.
type OrderRepository interface {
	Insert(ctx context.Context, o *Order) error
	// GetForUpdate locks the order row. Returns ErrOrderNotFound when absent.
	GetForUpdate(ctx context.Context, id int64) (*Order, error)
	// EarliestWaiting locks and returns the waiting order with the smallest
	// (created_at, id) for the doctor and date, or nil when there is none.
	EarliestWaiting(ctx context.Context, resourceID int64, date time.Time) (*Order, error)
	SetStatus(ctx context.Context, id int64, status Status, cancelledBy *string) (*Order, error)
	// Promote confirms a waiting order and records the category counter it
	// consumes.
	Promote(ctx context.Context, id int64, ledgerKey string) (*Order, error)
	SetPayment(ctx context.Context, id, paymentID int64) (*Order, error)
	GetByID(ctx context.Context, id int64) (*Order, error)
	ListByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*Order, int, error)
	// WaitingAhead counts waiting orders of the same doctor and date that
	// precede o in FIFO order.
	WaitingAhead(ctx context.Context, o *Order) (int, error)
}

// FeeRepository resolves prices.
type FeeRepository interface {
	// PriceFor returns the price in cents for category, resolving doctor,
	// then department, then global fees. Zero when none is configured.
	PriceFor(ctx context.Context, resourceID int64, departmentID *int64, category string) (int64, error)
	SetFee(ctx context.Context, f *Fee) error
}

// AvailabilityInput is supplied by schedule management.
type AvailabilityInput struct {
	ResourceID       int64          `json:"doctor_id"`
	Date             string         `json:"date"`
	SlotCode         string         `json:"slot"`
	Capacity         int            `json:"capacity"`
	CategoryCapacity map[string]int `json:"capacity_types,omitempty"`
}

// Fee target types in resolution order.
const (
	FeeTargetDoctor     = "doctor"
	FeeTargetDepartment = "department"
	FeeTargetGlobal     = "global"
)

// Fee prices one service type for a doctor, a department or everyone.
type Fee struct {
	ID          int64  `json:"id"`
	TargetType  string `json:"target_type"`
	TargetID    *int64 `json:"target_id,omitempty"`
	ServiceType string `json:"service_type"`
	AmountCents int64  `json:"amount_cents"`
}
