// Package events publishes booking lifecycle events after commit. Delivery
// is best effort: a failed publish is logged and never fails the operation
// that produced the event.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	BookingConfirmed = "booking.confirmed"
	BookingCancelled = "booking.cancelled"
	BookingExpired   = "booking.expired"
	OfferCreated     = "offer.created"
	OfferExpired     = "offer.expired"
	OfferAccepted    = "offer.accepted"
	ChargeRequested  = "charge.requested"
	ChargeDecided    = "charge.decided"
	PaymentRefunded  = "payment.refunded"
	FeedbackReceived = "feedback.received"
)

type Event struct {
	ID              uuid.UUID      `json:"id"`
	Type            string         `json:"type"`
	OccurredAt      time.Time      `json:"occurred_at"`
	ResourceID      *uuid.UUID     `json:"resource_id,omitempty"`
	BookingID       *uuid.UUID     `json:"booking_id,omitempty"`
	OfferID         *uuid.UUID     `json:"offer_id,omitempty"`
	ChargeRequestID *uuid.UUID     `json:"charge_request_id,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

func stamp(ev *Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
}

// AMQPPublisher sends events to a durable topic exchange, routed by type.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	log      zerolog.Logger
}

func DialAMQP(url, exchange string, log zerolog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to RabbitMQ")
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		log.Error().Err(err).Msg("failed to open RabbitMQ channel")
		return nil, err
	}
	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		log.Error().Err(err).Str("exchange", exchange).Msg("failed to declare exchange")
		return nil, err
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange, log: log.With().Str("component", "events").Logger()}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) {
	stamp(&ev)
	body, err := json.Marshal(ev)
	if err != nil {
		p.log.Error().Err(err).Str("type", ev.Type).Msg("marshal event failed")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx,
		p.exchange,
		ev.Type,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.ID.String(),
			Timestamp:    ev.OccurredAt,
			Type:         ev.Type,
			Body:         body,
		},
	); err != nil {
		p.log.Warn().Err(err).Str("type", ev.Type).Str("event_id", ev.ID.String()).Msg("publish failed")
	}
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.Close(); err != nil {
		_ = p.conn.Close()
		return err
	}
	return p.conn.Close()
}

// LogPublisher writes events to the log when no broker is configured.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p LogPublisher) Publish(_ context.Context, ev Event) {
	stamp(&ev)
	p.Log.Info().Str("type", ev.Type).Str("event_id", ev.ID.String()).Msg("event")
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) {
	stamp(&ev)
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// IDPtr is a helper for filling the optional id fields.
func IDPtr(id uuid.UUID) *uuid.UUID { return &id }

// Fanout delivers every event to each publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) {
	stamp(&ev)
	for _, p := range f {
		p.Publish(ctx, ev)
	}
}
