package registration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ALKYH/HospitalManage/internal/platform/db"
)

// =========== Ledger Repository ===========

type ledgerRepoPG struct{ pool *pgxpool.Pool }

func NewLedgerRepoPG(pool *pgxpool.Pool) LedgerRepository { return &ledgerRepoPG{pool: pool} }

func (r *ledgerRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const ledgerCols = `id, doctor_id, date, slot_code, capacity, booked, extra`

// ledgerExtra is the JSONB layout of doctor_availability.extra.
type ledgerExtra struct {
	CapacityTypes map[string]int `json:"capacity_types,omitempty"`
	BookedTypes   map[string]int `json:"booked_types,omitempty"`
}

func (r *ledgerRepoPG) scanRow(row pgx.Row) (*LedgerRow, error) {
	var l LedgerRow
	var extra []byte
	if err := row.Scan(&l.ID, &l.ResourceID, &l.Date, &l.SlotCode, &l.Capacity, &l.Booked, &extra); err != nil {
		return nil, err
	}
	if len(extra) > 0 {
		var x ledgerExtra
		if err := json.Unmarshal(extra, &x); err != nil {
			return nil, fmt.Errorf("decode extra of availability %d: %w", l.ID, err)
		}
		l.CategoryCapacity = x.CapacityTypes
		l.CategoryBooked = x.BookedTypes
	}
	return &l, nil
}

func (r *ledgerRepoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*LedgerRow, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*LedgerRow
	for rows.Next() {
		l, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, l)
	}
	return items, rows.Err()
}

func (r *ledgerRepoPG) LockDay(ctx context.Context, resourceID int64, date time.Time) ([]*LedgerRow, error) {
	rows, err := r.query(ctx, `SELECT `+ledgerCols+` FROM doctor_availability
		WHERE doctor_id = $1 AND date = $2::date
		ORDER BY slot_code
		FOR UPDATE`, resourceID, date)
	if err != nil {
		return nil, fmt.Errorf("lock availability: %w", err)
	}
	return rows, nil
}

func (r *ledgerRepoPG) ListDay(ctx context.Context, resourceID int64, date time.Time) ([]*LedgerRow, error) {
	return r.query(ctx, `SELECT `+ledgerCols+` FROM doctor_availability
		WHERE doctor_id = $1 AND date = $2::date ORDER BY slot_code`, resourceID, date)
}

func (r *ledgerRepoPG) Increment(ctx context.Context, resourceID int64, date time.Time, delta int, categoryKey string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE doctor_availability SET
			booked = GREATEST(booked + $3::int, 0),
			extra = CASE WHEN $4::text = '' THEN extra ELSE jsonb_set(
				CASE WHEN jsonb_typeof(extra->'booked_types') = 'object' THEN extra
					ELSE extra || '{"booked_types": {}}'::jsonb END,
				ARRAY['booked_types', $4::text],
				to_jsonb(GREATEST(COALESCE((extra->'booked_types'->>$4::text)::int, 0) + $3::int, 0))
			) END,
			updated_at = NOW()
		WHERE doctor_id = $1 AND date = $2::date`,
		resourceID, date, delta, categoryKey)
	if err != nil {
		return fmt.Errorf("update booked: %w", err)
	}
	return nil
}

func (r *ledgerRepoPG) Upsert(ctx context.Context, in *LedgerRow) ([]*LedgerRow, error) {
	day, err := r.LockDay(ctx, in.ResourceID, in.Date)
	if err != nil {
		return nil, err
	}
	if err := checkResize(day, in); err != nil {
		return nil, err
	}

	extra := ledgerExtra{CapacityTypes: in.CategoryCapacity}
	booked := 0
	if len(day) > 0 {
		booked = day[0].Booked
		extra.BookedTypes = day[0].CategoryBooked
	}
	raw, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("encode extra: %w", err)
	}

	if _, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO doctor_availability (doctor_id, date, slot_code, capacity, booked, extra)
		VALUES ($1, $2::date, $3, $4, $5, $6)
		ON CONFLICT (doctor_id, date, slot_code) DO NOTHING`,
		in.ResourceID, in.Date, in.SlotCode, in.Capacity, booked, raw); err != nil {
		return nil, fmt.Errorf("insert availability: %w", err)
	}
	if _, err := r.conn(ctx).Exec(ctx, `
		UPDATE doctor_availability SET capacity = $3, booked = $4, extra = $5, updated_at = NOW()
		WHERE doctor_id = $1 AND date = $2::date`,
		in.ResourceID, in.Date, in.Capacity, booked, raw); err != nil {
		return nil, fmt.Errorf("sync availability day: %w", err)
	}
	return r.ListDay(ctx, in.ResourceID, in.Date)
}

// =========== Order Repository ===========

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewOrderRepoPG(pool *pgxpool.Pool) OrderRepository { return &orderRepoPG{pool: pool} }

func (r *orderRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const orderCols = `id, requester_id, doctor_id, department_id, date, slot_code, category,
	status, ledger_key, note, payment_id, cancelled_by, created_at, updated_at`

// maxWaitlistRescans bounds EarliestWaiting when concurrent promotions keep
// invalidating the head of the queue.
const maxWaitlistRescans = 8

func (r *orderRepoPG) scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var status string
	err := row.Scan(&o.ID, &o.RequesterID, &o.ResourceID, &o.DepartmentID, &o.Date, &o.SlotCode, &o.Category,
		&status, &o.LedgerKey, &o.Note, &o.PaymentID, &o.CancelledBy, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	if !o.Status.Valid() {
		return nil, fmt.Errorf("order %d has unknown status %q", o.ID, status)
	}
	return &o, nil
}

func notFound(err error, id int64) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	return err
}

func (r *orderRepoPG) Insert(ctx context.Context, o *Order) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO orders (requester_id, doctor_id, department_id, date, slot_code, category, status, ledger_key, note)
		VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`,
		o.RequesterID, o.ResourceID, o.DepartmentID, o.Date, o.SlotCode, o.Category, string(o.Status), o.LedgerKey, o.Note,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *orderRepoPG) GetForUpdate(ctx context.Context, id int64) (*Order, error) {
	o, err := r.scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, id)
	}
	return o, nil
}

func (r *orderRepoPG) GetByID(ctx context.Context, id int64) (*Order, error) {
	o, err := r.scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, id)
	}
	return o, nil
}

// EarliestWaiting locks the head of the waitlist. Under READ COMMITTED a
// locked head that stops matching after its holder commits is dropped from
// the LIMIT 1 result, so an empty result is rechecked before being trusted.
func (r *orderRepoPG) EarliestWaiting(ctx context.Context, resourceID int64, date time.Time) (*Order, error) {
	for i := 0; i < maxWaitlistRescans; i++ {
		o, err := r.scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM orders
			WHERE doctor_id = $1 AND date = $2::date AND status = 'waiting'
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE`, resourceID, date))
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("lock earliest waiting order: %w", err)
		}

		var more bool
		if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders
			WHERE doctor_id = $1 AND date = $2::date AND status = 'waiting')`, resourceID, date).Scan(&more); err != nil {
			return nil, fmt.Errorf("check waitlist: %w", err)
		}
		if !more {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("%w: waitlist head kept changing", ErrContention)
}

func (r *orderRepoPG) SetStatus(ctx context.Context, id int64, status Status, cancelledBy *string) (*Order, error) {
	o, err := r.scanOrder(r.conn(ctx).QueryRow(ctx, `
		UPDATE orders SET status = $2, cancelled_by = COALESCE($3, cancelled_by), updated_at = NOW()
		WHERE id = $1
		RETURNING `+orderCols, id, string(status), cancelledBy))
	if err != nil {
		return nil, notFound(err, id)
	}
	return o, nil
}

func (r *orderRepoPG) Promote(ctx context.Context, id int64, ledgerKey string) (*Order, error) {
	o, err := r.scanOrder(r.conn(ctx).QueryRow(ctx, `
		UPDATE orders SET status = $2, ledger_key = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING `+orderCols, id, string(StatusConfirmed), ledgerKey))
	if err != nil {
		return nil, notFound(err, id)
	}
	return o, nil
}

func (r *orderRepoPG) SetPayment(ctx context.Context, id, paymentID int64) (*Order, error) {
	o, err := r.scanOrder(r.conn(ctx).QueryRow(ctx, `
		UPDATE orders SET payment_id = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+orderCols, id, paymentID))
	if err != nil {
		return nil, notFound(err, id)
	}
	return o, nil
}

func (r *orderRepoPG) ListByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*Order, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE requester_id = $1`, requesterID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+orderCols+` FROM orders WHERE requester_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, requesterID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Order
	for rows.Next() {
		o, err := r.scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, o)
	}
	return items, total, rows.Err()
}

func (r *orderRepoPG) WaitingAhead(ctx context.Context, o *Order) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM orders
		WHERE doctor_id = $1 AND date = $2::date AND status = 'waiting'
		AND (created_at, id) < ($3::timestamptz, $4::bigint)`,
		o.ResourceID, o.Date, o.CreatedAt, o.ID).Scan(&n)
	return n, err
}

// =========== Fee Repository ===========

type feeRepoPG struct{ pool *pgxpool.Pool }

func NewFeeRepoPG(pool *pgxpool.Pool) FeeRepository { return &feeRepoPG{pool: pool} }

func (r *feeRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

func (r *feeRepoPG) PriceFor(ctx context.Context, resourceID int64, departmentID *int64, category string) (int64, error) {
	if category == "" {
		category = DefaultCategory
	}
	var amount int64
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT amount_cents FROM fees
		WHERE service_type IN ($1, 'default')
		AND ((target_type = 'doctor' AND target_id = $2)
			OR (target_type = 'department' AND target_id = $3)
			OR target_type = 'global')
		ORDER BY service_type = $1 DESC,
			CASE target_type WHEN 'doctor' THEN 0 WHEN 'department' THEN 1 ELSE 2 END
		LIMIT 1`, category, resourceID, departmentID).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolve fee: %w", err)
	}
	return amount, nil
}

func (r *feeRepoPG) SetFee(ctx context.Context, f *Fee) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO fees (target_type, target_id, service_type, amount_cents)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (target_type, COALESCE(target_id, 0), service_type)
		DO UPDATE SET amount_cents = EXCLUDED.amount_cents
		RETURNING id`, f.TargetType, f.TargetID, f.ServiceType, f.AmountCents).Scan(&f.ID)
}
