package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Type names a registration lifecycle transition.
type Type string

const (
	Created   Type = "created"
	Waiting   Type = "waiting"
	Confirmed Type = "confirmed"
	Cancelled Type = "cancelled"
	Promoted  Type = "promoted"
)

// RoutingKey is the topic key notification consumers bind to.
func RoutingKey(t Type) string {
	switch t {
	case Waiting:
		return "waitlist.waiting"
	case Promoted:
		return "waitlist.promoted"
	default:
		return "appointment." + string(t)
	}
}

// Envelope is one message on the event stream.
type Envelope struct {
	ID         uuid.UUID `json:"id"`
	Type       Type      `json:"event_type"`
	Order      any       `json:"order"`
	OccurredAt time.Time `json:"occurred_at"`
}

func NewEnvelope(t Type, order any) Envelope {
	return Envelope{ID: uuid.New(), Type: t, Order: order, OccurredAt: time.Now().UTC()}
}

// Publisher delivers envelopes to downstream consumers. Implementations do
// not retry; delivery guarantees belong to the consumer side.
type Publisher interface {
	Publish(ctx context.Context, e Envelope) error
	Close() error
}

// LogPublisher writes envelopes to the log. It is the default backend when
// no broker is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, e Envelope) error {
	body, err := json.Marshal(e.Order)
	if err != nil {
		return err
	}
	p.logger.Info().
		Str("event_id", e.ID.String()).
		Str("event_type", string(e.Type)).
		Str("routing_key", RoutingKey(e.Type)).
		RawJSON("order", body).
		Time("occurred_at", e.OccurredAt).
		Msg("registration event")
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// RecordingPublisher keeps published envelopes in memory for tests.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []Envelope
	Err    error
}

func (p *RecordingPublisher) Publish(_ context.Context, e Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *RecordingPublisher) Close() error { return nil }

// Events returns a copy of everything published so far.
func (p *RecordingPublisher) Events() []Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Envelope(nil), p.events...)
}

// Types returns the event types published so far, in order.
func (p *RecordingPublisher) Types() []Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Type, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func (p *RecordingPublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}
