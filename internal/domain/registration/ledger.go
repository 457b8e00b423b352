package registration

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultCategory is the category consulted when the requested one has no
// entry of its own.
const DefaultCategory = "default"

// LedgerRow is the capacity record of one doctor, date and slot. Category
// maps are nil when the row carries no per-category data.
type LedgerRow struct {
	ID               int64          `json:"id"`
	ResourceID       int64          `json:"doctor_id"`
	Date             time.Time      `json:"date"`
	SlotCode         string         `json:"slot"`
	Capacity         int            `json:"capacity"`
	Booked           int            `json:"booked"`
	CategoryCapacity map[string]int `json:"capacity_types,omitempty"`
	CategoryBooked   map[string]int `json:"booked_types,omitempty"`
}

// CategoryKey returns the category counter a booking in category consumes:
// the category itself when it has a capacity entry, else "default" when that
// has one, else "" meaning only the scalar pair applies.
func (r *LedgerRow) CategoryKey(category string) string {
	if r == nil || len(r.CategoryCapacity) == 0 {
		return ""
	}
	if category != "" {
		if _, ok := r.CategoryCapacity[category]; ok {
			return category
		}
	}
	if _, ok := r.CategoryCapacity[DefaultCategory]; ok {
		return DefaultCategory
	}
	return ""
}

// HasCapacity reports whether one more booking in category fits. The
// scalar pair bounds the day's total; a matching category counter must have
// room as well. Missing category data falls back to the scalar counters and
// never means full.
func (r *LedgerRow) HasCapacity(category string) bool {
	if r == nil || r.Booked >= r.Capacity {
		return false
	}
	if key := r.CategoryKey(category); key != "" {
		return r.CategoryBooked[key] < r.CategoryCapacity[key]
	}
	return true
}

// Remaining is the free scalar capacity, never negative.
func (r *LedgerRow) Remaining() int {
	if r == nil || r.Booked >= r.Capacity {
		return 0
	}
	return r.Capacity - r.Booked
}

// checkResize rejects a new capacity layout for a day whose current bookings
// it could not hold. day is the locked day, booked counters are shared by
// every row of it.
func checkResize(day []*LedgerRow, in *LedgerRow) error {
	if len(day) == 0 {
		return nil
	}
	cur := day[0]
	if in.Capacity < cur.Booked {
		return fmt.Errorf("%w: capacity %d is below the %d bookings already held", ErrValidation, in.Capacity, cur.Booked)
	}
	for k, c := range in.CategoryCapacity {
		if b := cur.CategoryBooked[k]; c < b {
			return fmt.Errorf("%w: capacity %d of category %q is below the %d bookings already held", ErrValidation, c, k, b)
		}
	}
	return nil
}

// apply mirrors Increment on an in-memory row.
func (r *LedgerRow) apply(delta int, key string) {
	r.Booked = clampZero(r.Booked + delta)
	if key == "" {
		return
	}
	if r.CategoryBooked == nil {
		r.CategoryBooked = make(map[string]int)
	}
	r.CategoryBooked[key] = clampZero(r.CategoryBooked[key] + delta)
}

func clampZero(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// pickRow selects the row a decision is made against: the one for slot when
// present, otherwise the first row of the day. Booked counters are kept in
// step across the day, so any row reflects the day's load.
func pickRow(rows []*LedgerRow, slot string) *LedgerRow {
	if len(rows) == 0 {
		return nil
	}
	for _, r := range rows {
		if r.SlotCode == slot {
			return r
		}
	}
	return rows[0]
}

// MarshalJSON renders the date as YYYY-MM-DD and adds the free scalar
// capacity.
func (r LedgerRow) MarshalJSON() ([]byte, error) {
	type plain LedgerRow
	return json.Marshal(struct {
		plain
		Date      string `json:"date"`
		Remaining int    `json:"remaining"`
	}{plain: plain(r), Date: r.Date.Format(dateLayout), Remaining: r.Remaining()})
}
