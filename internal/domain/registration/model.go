package registration

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the single lifecycle state of an order.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusWaiting   Status = "waiting"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

func (s Status) Valid() bool {
	switch s {
	case StatusConfirmed, StatusWaiting, StatusCancelled, StatusCompleted, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no lifecycle operation may move the order on.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusExpired
}

// IsWaitlist is the derived waitlist flag exposed to API and event consumers.
func (s Status) IsWaitlist() bool { return s == StatusWaiting }

// CanTransition reports whether the lifecycle service may move an order
// from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusWaiting:
		return next == StatusConfirmed || next == StatusCancelled
	case StatusConfirmed:
		return next == StatusCancelled
	}
	return false
}

const dateLayout = "2006-01-02"

// Order is one booking attempt by one requester for one doctor, date and slot.
type Order struct {
	ID           int64     `json:"id"`
	RequesterID  string    `json:"requester_id"`
	ResourceID   int64     `json:"doctor_id"`
	DepartmentID *int64    `json:"department_id,omitempty"`
	Date         time.Time `json:"date"`
	SlotCode     string    `json:"slot"`
	Category     string    `json:"category,omitempty"`
	// LedgerKey is the category counter the order consumed when it was
	// confirmed, "" when only the scalar counters were charged. A release
	// returns exactly this counter.
	LedgerKey   string    `json:"-"`
	Status      Status    `json:"status"`
	Note        string    `json:"note,omitempty"`
	PaymentID   *int64    `json:"payment_id,omitempty"`
	CancelledBy *string   `json:"cancelled_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MarshalJSON renders the date as YYYY-MM-DD and adds the derived
// is_waitlist flag.
func (o Order) MarshalJSON() ([]byte, error) {
	type plain Order
	return json.Marshal(struct {
		plain
		Date       string `json:"date"`
		IsWaitlist bool   `json:"is_waitlist"`
	}{
		plain:      plain(o),
		Date:       o.Date.Format(dateLayout),
		IsWaitlist: o.Status.IsWaitlist(),
	})
}

// ParseDate accepts YYYY-MM-DD or an RFC 3339 timestamp and returns the
// calendar date it names as midnight UTC. A timestamp keeps the date in its
// own offset.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: date is required", ErrValidation)
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q is not YYYY-MM-DD or RFC 3339", ErrValidation, s)
	}
	return NormalizeDate(t), nil
}

// NormalizeDate truncates t to its calendar date at midnight UTC.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// CreateRequest is the input to CreateRegistration.
type CreateRequest struct {
	RequesterID  string `json:"-"`
	ResourceID   int64  `json:"doctor_id"`
	DepartmentID *int64 `json:"department_id,omitempty"`
	Date         string `json:"date"`
	SlotCode     string `json:"slot"`
	Category     string `json:"category,omitempty"`
	// ForceWaitlist places the order on the waitlist even when capacity is
	// free. The ledger is not touched.
	ForceWaitlist bool   `json:"force_waitlist,omitempty"`
	Note          string `json:"note,omitempty"`
}

// Validate checks the request without touching the store and returns the
// normalised date.
func (r *CreateRequest) Validate() (time.Time, error) {
	var missing []string
	if strings.TrimSpace(r.RequesterID) == "" {
		missing = append(missing, "requester")
	}
	if r.ResourceID <= 0 {
		missing = append(missing, "doctor_id")
	}
	if strings.TrimSpace(r.SlotCode) == "" {
		missing = append(missing, "slot")
	}
	if strings.TrimSpace(r.Date) == "" {
		missing = append(missing, "date")
	}
	if len(missing) > 0 {
		return time.Time{}, fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	return ParseDate(r.Date)
}

// CreateResult is returned by CreateRegistration.
type CreateResult struct {
	Order           *Order `json:"order"`
	PaymentRequired bool   `json:"payment_required"`
	PriceCents      int64  `json:"price_cents"`
}

// CancelResult is returned by CancelRegistration. Promoted is the waiting
// order that took over the released capacity, if any; PaymentRequired refers
// to it.
type CancelResult struct {
	Order            *Order `json:"order"`
	Promoted         *Order `json:"promoted,omitempty"`
	AlreadyCancelled bool   `json:"already_cancelled"`
	PaymentRequired  bool   `json:"payment_required"`
}
