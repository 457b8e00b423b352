package registration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/ALKYH/HospitalManage/internal/platform/events"
	"github.com/ALKYH/HospitalManage/internal/platform/telemetry"
)

// publishTimeout bounds event delivery after a commit. Delivery runs detached
// from the request context so a caller hanging up does not drop the event.
const publishTimeout = 5 * time.Second

// Service implements the registration lifecycle: create, cancel and the
// waitlist promotion a cancellation triggers. Every operation runs in one
// transaction; locks are taken in the order order row, ledger day, next
// waiting order.
type Service struct {
	tx     TxRunner
	ledger LedgerRepository
	orders OrderRepository
	fees   FeeRepository
	events events.Publisher
	logger zerolog.Logger
	tracer trace.Tracer
	inst   *telemetry.Instruments
}

func NewService(tx TxRunner, ledger LedgerRepository, orders OrderRepository, fees FeeRepository,
	pub events.Publisher, logger zerolog.Logger) *Service {
	inst, err := telemetry.NewInstruments(otel.Meter(telemetry.InstrumentationName))
	if err != nil {
		logger.Warn().Err(err).Msg("registration metrics disabled")
		inst, _ = telemetry.NewInstruments(noop.NewMeterProvider().Meter(telemetry.InstrumentationName))
	}
	return &Service{
		tx:     tx,
		ledger: ledger,
		orders: orders,
		fees:   fees,
		events: pub,
		logger: logger.With().Str("component", "registration").Logger(),
		tracer: otel.Tracer(telemetry.InstrumentationName),
		inst:   inst,
	}
}

// CreateRegistration books the requested slot when the ledger has room for
// the category, otherwise it joins the waitlist. ForceWaitlist always joins
// the waitlist and leaves the ledger untouched.
func (s *Service) CreateRegistration(ctx context.Context, req *CreateRequest) (*CreateResult, error) {
	date, err := req.Validate()
	if err != nil {
		return nil, err
	}
	price, err := s.fees.PriceFor(ctx, req.ResourceID, req.DepartmentID, req.Category)
	if err != nil {
		return nil, fmt.Errorf("resolve fee: %w", err)
	}

	ctx, span := s.tracer.Start(ctx, "registration.create", trace.WithAttributes(
		attribute.Int64("doctor.id", req.ResourceID),
		attribute.String("slot", req.SlotCode),
		attribute.Bool("force_waitlist", req.ForceWaitlist),
	))
	defer span.End()
	start := time.Now()

	order := &Order{
		RequesterID:  strings.TrimSpace(req.RequesterID),
		ResourceID:   req.ResourceID,
		DepartmentID: req.DepartmentID,
		Date:         date,
		SlotCode:     strings.TrimSpace(req.SlotCode),
		Category:     strings.TrimSpace(req.Category),
		Note:         req.Note,
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		rows, err := s.ledger.LockDay(ctx, order.ResourceID, order.Date)
		if err != nil {
			return err
		}
		row := pickRow(rows, order.SlotCode)

		order.Status = StatusWaiting
		if !req.ForceWaitlist && row.HasCapacity(order.Category) {
			key := row.CategoryKey(order.Category)
			if err := s.ledger.Increment(ctx, order.ResourceID, order.Date, 1, key); err != nil {
				return err
			}
			order.Status = StatusConfirmed
			order.LedgerKey = key
		}
		s.logger.Debug().
			Int64("doctor_id", order.ResourceID).
			Str("date", order.Date.Format(dateLayout)).
			Str("slot", order.SlotCode).
			Int("ledger_rows", len(rows)).
			Bool("force_waitlist", req.ForceWaitlist).
			Str("decision", string(order.Status)).
			Msg("registration decided")
		return s.orders.Insert(ctx, order)
	})
	s.inst.RecordDuration(ctx, "create", start, err != nil)
	if err != nil {
		return nil, s.fail(ctx, span, err)
	}

	span.SetAttributes(attribute.Int64("order.id", order.ID), attribute.String("order.status", string(order.Status)))
	s.inst.Registrations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(order.Status))))

	evt := events.Created
	if order.Status == StatusWaiting {
		evt = events.Waiting
	}
	s.publish(ctx, evt, order)

	return &CreateResult{
		Order:           order,
		PaymentRequired: order.Status == StatusConfirmed && price > 0,
		PriceCents:      price,
	}, nil
}

// CancelRegistration cancels an order. Cancelling a confirmed order releases
// its unit and hands it to the head of the waitlist when the head's category
// fits. Cancelling an already cancelled order succeeds without side effects.
func (s *Service) CancelRegistration(ctx context.Context, orderID int64, cancelledBy string) (*CancelResult, error) {
	if orderID <= 0 {
		return nil, fmt.Errorf("%w: order id is required", ErrValidation)
	}

	ctx, span := s.tracer.Start(ctx, "registration.cancel", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()
	start := time.Now()

	var res CancelResult
	var prior Status
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		res = CancelResult{}
		o, err := s.orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status == StatusCancelled {
			res.Order = o
			res.AlreadyCancelled = true
			return nil
		}
		if o.Status.Terminal() {
			return fmt.Errorf("%w: order %d is %s", ErrInvalidTransition, o.ID, o.Status)
		}
		prior = o.Status

		var by *string
		if cancelledBy = strings.TrimSpace(cancelledBy); cancelledBy != "" {
			by = &cancelledBy
		}
		if res.Order, err = s.orders.SetStatus(ctx, o.ID, StatusCancelled, by); err != nil {
			return err
		}
		if prior != StatusConfirmed {
			return nil
		}
		if res.Promoted, err = s.releaseAndPromote(ctx, o); err != nil || res.Promoted == nil {
			return err
		}
		p := res.Promoted
		price, err := s.fees.PriceFor(ctx, p.ResourceID, p.DepartmentID, p.Category)
		if err != nil {
			return err
		}
		res.PaymentRequired = price > 0
		return nil
	})
	s.inst.RecordDuration(ctx, "cancel", start, err != nil)
	if err != nil {
		return nil, s.fail(ctx, span, err)
	}
	if res.AlreadyCancelled {
		span.SetAttributes(attribute.Bool("already_cancelled", true))
		return &res, nil
	}

	s.inst.Cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("prior_status", string(prior))))
	s.publish(ctx, events.Cancelled, res.Order)
	if res.Promoted != nil {
		span.SetAttributes(attribute.Int64("promoted.id", res.Promoted.ID))
		s.inst.Promotions.Add(ctx, 1)
		s.logger.Info().
			Int64("order_id", res.Order.ID).
			Int64("promoted_id", res.Promoted.ID).
			Int64("doctor_id", res.Promoted.ResourceID).
			Str("date", res.Promoted.Date.Format(dateLayout)).
			Msg("waitlist order promoted")
		s.publish(ctx, events.Promoted, res.Promoted)
	}
	return &res, nil
}

// releaseAndPromote returns the cancelled order's unit to the ledger and
// moves the earliest waiting order of the same day into it. Must run inside
// the cancel transaction after the cancelled order is locked.
func (s *Service) releaseAndPromote(ctx context.Context, cancelled *Order) (*Order, error) {
	rows, err := s.ledger.LockDay(ctx, cancelled.ResourceID, cancelled.Date)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		s.logger.Warn().
			Int64("order_id", cancelled.ID).
			Int64("doctor_id", cancelled.ResourceID).
			Str("date", cancelled.Date.Format(dateLayout)).
			Msg("confirmed order has no availability row, nothing to release")
		return nil, nil
	}

	key := cancelled.LedgerKey
	if err := s.ledger.Increment(ctx, cancelled.ResourceID, cancelled.Date, -1, key); err != nil {
		return nil, err
	}
	for _, r := range rows {
		r.apply(-1, key)
	}

	next, err := s.orders.EarliestWaiting(ctx, cancelled.ResourceID, cancelled.Date)
	if err != nil || next == nil {
		return nil, err
	}
	if !next.Status.CanTransition(StatusConfirmed) {
		return nil, fmt.Errorf("%w: waitlist head %d is %s", ErrInvalidTransition, next.ID, next.Status)
	}
	row := pickRow(rows, next.SlotCode)
	if !row.HasCapacity(next.Category) {
		s.logger.Info().
			Int64("order_id", next.ID).
			Str("category", next.Category).
			Msg("released unit does not fit the head of the waitlist")
		return nil, nil
	}

	nextKey := row.CategoryKey(next.Category)
	promoted, err := s.orders.Promote(ctx, next.ID, nextKey)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.Increment(ctx, next.ResourceID, next.Date, 1, nextKey); err != nil {
		return nil, err
	}
	return promoted, nil
}

// LinkPayment records the payment that settled a confirmed order and emits
// the confirmed event.
func (s *Service) LinkPayment(ctx context.Context, orderID, paymentID int64) (*Order, error) {
	if orderID <= 0 || paymentID <= 0 {
		return nil, fmt.Errorf("%w: order id and payment id are required", ErrValidation)
	}

	ctx, span := s.tracer.Start(ctx, "registration.link_payment", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	var order *Order
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		o, err := s.orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != StatusConfirmed {
			return fmt.Errorf("%w: order %d is %s, only confirmed orders take payment", ErrInvalidTransition, o.ID, o.Status)
		}
		order, err = s.orders.SetPayment(ctx, o.ID, paymentID)
		return err
	})
	if err != nil {
		return nil, s.fail(ctx, span, err)
	}
	s.publish(ctx, events.Confirmed, order)
	return order, nil
}

// UpsertAvailability creates or replaces a slot row. Capacity and category
// capacities are synced across the doctor's day; booked counters are kept.
func (s *Service) UpsertAvailability(ctx context.Context, in *AvailabilityInput) ([]*LedgerRow, error) {
	if in.ResourceID <= 0 || strings.TrimSpace(in.SlotCode) == "" {
		return nil, fmt.Errorf("%w: doctor_id and slot are required", ErrValidation)
	}
	if in.Capacity < 0 {
		return nil, fmt.Errorf("%w: capacity must not be negative", ErrValidation)
	}
	for k, v := range in.CategoryCapacity {
		if v < 0 {
			return nil, fmt.Errorf("%w: capacity of category %q must not be negative", ErrValidation, k)
		}
	}
	date, err := ParseDate(in.Date)
	if err != nil {
		return nil, err
	}

	row := &LedgerRow{
		ResourceID:       in.ResourceID,
		Date:             date,
		SlotCode:         strings.TrimSpace(in.SlotCode),
		Capacity:         in.Capacity,
		CategoryCapacity: in.CategoryCapacity,
	}
	var out []*LedgerRow
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.ledger.Upsert(ctx, row)
		return err
	})
	if err != nil {
		return nil, s.mapTxErr(ctx, err)
	}
	return out, nil
}

func (s *Service) Availability(ctx context.Context, resourceID int64, date string) ([]*LedgerRow, error) {
	d, err := ParseDate(date)
	if err != nil {
		return nil, err
	}
	return s.ledger.ListDay(ctx, resourceID, d)
}

func (s *Service) SetFee(ctx context.Context, f *Fee) error {
	switch f.TargetType {
	case FeeTargetGlobal:
		f.TargetID = nil
	case FeeTargetDoctor, FeeTargetDepartment:
		if f.TargetID == nil || *f.TargetID <= 0 {
			return fmt.Errorf("%w: target_id is required for %s fees", ErrValidation, f.TargetType)
		}
	default:
		return fmt.Errorf("%w: unknown fee target type %q", ErrValidation, f.TargetType)
	}
	if f.ServiceType == "" {
		f.ServiceType = DefaultCategory
	}
	if f.AmountCents < 0 {
		return fmt.Errorf("%w: amount must not be negative", ErrValidation)
	}
	return s.fees.SetFee(ctx, f)
}

func (s *Service) GetOrder(ctx context.Context, id int64) (*Order, error) {
	return s.orders.GetByID(ctx, id)
}

func (s *Service) ListByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*Order, int, error) {
	if strings.TrimSpace(requesterID) == "" {
		return nil, 0, fmt.Errorf("%w: requester is required", ErrValidation)
	}
	return s.orders.ListByRequester(ctx, requesterID, limit, offset)
}

// WaitlistPosition returns how many waiting orders are ahead of the order,
// zero for the head of the queue.
func (s *Service) WaitlistPosition(ctx context.Context, id int64) (int, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if o.Status != StatusWaiting {
		return 0, fmt.Errorf("%w: order %d is %s, not waiting", ErrInvalidTransition, o.ID, o.Status)
	}
	return s.orders.WaitingAhead(ctx, o)
}

// fail records err on the span and maps it for the caller.
func (s *Service) fail(ctx context.Context, span trace.Span, err error) error {
	err = s.mapTxErr(ctx, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (s *Service) mapTxErr(ctx context.Context, err error) error {
	if IsRetryable(err) {
		s.inst.Contention.Add(ctx, 1)
		s.logger.Warn().Err(err).Msg("registration rolled back on lock contention")
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ErrNotCommitted) {
		return fmt.Errorf("%w: %w", ErrNotCommitted, err)
	}
	return err
}

func (s *Service) publish(ctx context.Context, t events.Type, o *Order) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.events.Publish(ctx, events.NewEnvelope(t, o)); err != nil {
		s.logger.Error().Err(err).
			Str("event_type", string(t)).
			Int64("order_id", o.ID).
			Msg("publish registration event")
	}
}
