package registration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory TxRunner and repository set. Transactions run one
// at a time, which is the strongest form of the row locking the Postgres
// store provides, and a failed transaction restores the state it started
// from.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	ledger map[string][]*LedgerRow
	orders map[int64]*Order
	fees   []*Fee
	nextID int64
	now    func() time.Time

	txCount        int
	incrementCalls int

	lockDayErr   error
	insertErr    error
	promoteErr   error
	lockDayDelay time.Duration
}

type memTxKey struct{}

func newMemStore() *memStore {
	fixed := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	return &memStore{
		ledger: make(map[string][]*LedgerRow),
		orders: make(map[int64]*Order),
		// Every insert gets the same timestamp so FIFO relies on the id tiebreak.
		now: func() time.Time { return fixed },
	}
}

func dayKey(resourceID int64, date time.Time) string {
	return fmt.Sprintf("%d/%s", resourceID, date.Format(dateLayout))
}

func cloneRow(r *LedgerRow) *LedgerRow {
	c := *r
	c.CategoryCapacity = cloneCounts(r.CategoryCapacity)
	c.CategoryBooked = cloneCounts(r.CategoryBooked)
	return &c
}

func cloneCounts(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneOrder(o *Order) *Order {
	c := *o
	return &c
}

// seed adds a slot row outside any transaction.
func (m *memStore) seed(row *LedgerRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := dayKey(row.ResourceID, row.Date)
	row.ID = int64(len(m.ledger[k]) + 1)
	m.ledger[k] = append(m.ledger[k], cloneRow(row))
	sort.Slice(m.ledger[k], func(i, j int) bool { return m.ledger[k][i].SlotCode < m.ledger[k][j].SlotCode })
}

// row returns a copy of the stored slot row.
func (m *memStore) row(resourceID int64, date time.Time, slot string) *LedgerRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.ledger[dayKey(resourceID, date)] {
		if r.SlotCode == slot {
			return cloneRow(r)
		}
	}
	return nil
}

func (m *memStore) order(id int64) *Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[id]; ok {
		return cloneOrder(o)
	}
	return nil
}

func (m *memStore) setOrderStatus(id int64, s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[id].Status = s
}

type memSnapshot struct {
	ledger map[string][]*LedgerRow
	orders map[int64]*Order
	nextID int64
}

func (m *memStore) snapshot() memSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := memSnapshot{
		ledger: make(map[string][]*LedgerRow, len(m.ledger)),
		orders: make(map[int64]*Order, len(m.orders)),
		nextID: m.nextID,
	}
	for k, rows := range m.ledger {
		for _, r := range rows {
			s.ledger[k] = append(s.ledger[k], cloneRow(r))
		}
	}
	for id, o := range m.orders {
		s.orders[id] = cloneOrder(o)
	}
	return s
}

func (m *memStore) restore(s memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger, m.orders, m.nextID = s.ledger, s.orders, s.nextID
}

func (m *memStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	m.txCount++
	m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// -- LedgerRepository --

func (m *memStore) LockDay(ctx context.Context, resourceID int64, date time.Time) ([]*LedgerRow, error) {
	if m.lockDayDelay > 0 {
		select {
		case <-time.After(m.lockDayDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.lockDayErr != nil {
		return nil, m.lockDayErr
	}
	return m.ListDay(ctx, resourceID, date)
}

func (m *memStore) ListDay(_ context.Context, resourceID int64, date time.Time) ([]*LedgerRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*LedgerRow
	for _, r := range m.ledger[dayKey(resourceID, date)] {
		out = append(out, cloneRow(r))
	}
	return out, nil
}

func (m *memStore) Increment(_ context.Context, resourceID int64, date time.Time, delta int, categoryKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incrementCalls++
	for _, r := range m.ledger[dayKey(resourceID, date)] {
		r.apply(delta, categoryKey)
	}
	return nil
}

func (m *memStore) Upsert(ctx context.Context, in *LedgerRow) ([]*LedgerRow, error) {
	m.mu.Lock()
	k := dayKey(in.ResourceID, in.Date)
	rows := m.ledger[k]
	if err := checkResize(rows, in); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	booked := 0
	var bookedTypes map[string]int
	if len(rows) > 0 {
		booked = rows[0].Booked
		bookedTypes = rows[0].CategoryBooked
	}
	found := false
	for _, r := range rows {
		if r.SlotCode == in.SlotCode {
			found = true
		}
	}
	if !found {
		rows = append(rows, &LedgerRow{ID: int64(len(rows) + 1), ResourceID: in.ResourceID, Date: in.Date, SlotCode: in.SlotCode})
		sort.Slice(rows, func(i, j int) bool { return rows[i].SlotCode < rows[j].SlotCode })
	}
	for _, r := range rows {
		r.Capacity = in.Capacity
		r.Booked = booked
		r.CategoryCapacity = cloneCounts(in.CategoryCapacity)
		r.CategoryBooked = cloneCounts(bookedTypes)
	}
	m.ledger[k] = rows
	m.mu.Unlock()
	return m.ListDay(ctx, in.ResourceID, in.Date)
}

// -- OrderRepository --

func (m *memStore) Insert(_ context.Context, o *Order) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	o.ID = m.nextID
	o.CreatedAt = m.now()
	o.UpdatedAt = o.CreatedAt
	m.orders[o.ID] = cloneOrder(o)
	return nil
}

func (m *memStore) GetForUpdate(ctx context.Context, id int64) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.GetByID(ctx, id)
}

func (m *memStore) GetByID(_ context.Context, id int64) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	return cloneOrder(o), nil
}

func (m *memStore) waiting(resourceID int64, date time.Time) []*Order {
	var out []*Order
	for _, o := range m.orders {
		if o.ResourceID == resourceID && o.Date.Equal(date) && o.Status == StatusWaiting {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *memStore) EarliestWaiting(_ context.Context, resourceID int64, date time.Time) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.waiting(resourceID, date)
	if len(w) == 0 {
		return nil, nil
	}
	return cloneOrder(w[0]), nil
}

func (m *memStore) SetStatus(_ context.Context, id int64, status Status, cancelledBy *string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	o.Status = status
	if cancelledBy != nil {
		by := *cancelledBy
		o.CancelledBy = &by
	}
	o.UpdatedAt = m.now()
	return cloneOrder(o), nil
}

func (m *memStore) Promote(_ context.Context, id int64, ledgerKey string) (*Order, error) {
	if m.promoteErr != nil {
		return nil, m.promoteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	o.Status = StatusConfirmed
	o.LedgerKey = ledgerKey
	o.UpdatedAt = m.now()
	return cloneOrder(o), nil
}

func (m *memStore) SetPayment(_ context.Context, id, paymentID int64) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	o.PaymentID = &paymentID
	return cloneOrder(o), nil
}

func (m *memStore) ListByRequester(_ context.Context, requesterID string, limit, offset int) ([]*Order, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Order
	for _, o := range m.orders {
		if o.RequesterID == requesterID {
			all = append(all, cloneOrder(o))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *memStore) WaitingAhead(_ context.Context, o *Order) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waiting(o.ResourceID, o.Date) {
		if w.ID == o.ID {
			return i, nil
		}
	}
	return 0, nil
}

// -- FeeRepository --

func (m *memStore) PriceFor(_ context.Context, resourceID int64, departmentID *int64, category string) (int64, error) {
	if category == "" {
		category = DefaultCategory
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rank := func(f *Fee) int {
		switch {
		case f.TargetType == FeeTargetDoctor && f.TargetID != nil && *f.TargetID == resourceID:
			return 0
		case f.TargetType == FeeTargetDepartment && f.TargetID != nil && departmentID != nil && *f.TargetID == *departmentID:
			return 1
		case f.TargetType == FeeTargetGlobal:
			return 2
		}
		return -1
	}
	best, bestScore := int64(0), -1
	for _, f := range m.fees {
		r := rank(f)
		if r < 0 || (f.ServiceType != category && f.ServiceType != DefaultCategory) {
			continue
		}
		score := r
		if f.ServiceType != category {
			score += 10
		}
		if bestScore < 0 || score < bestScore {
			best, bestScore = f.AmountCents, score
		}
	}
	return best, nil
}

func (m *memStore) SetFee(_ context.Context, f *Fee) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.fees {
		if existing.TargetType == f.TargetType && existing.ServiceType == f.ServiceType &&
			((existing.TargetID == nil && f.TargetID == nil) ||
				(existing.TargetID != nil && f.TargetID != nil && *existing.TargetID == *f.TargetID)) {
			existing.AmountCents = f.AmountCents
			f.ID = existing.ID
			return nil
		}
	}
	f.ID = int64(len(m.fees) + 1)
	c := *f
	m.fees = append(m.fees, &c)
	return nil
}
