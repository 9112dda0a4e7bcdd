package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/livetrack/internal/dispatch/domain"
)

// DefaultSubject carries driver status changes.
const DefaultSubject = "driver.events"

// Envelope is the wire form of a driver event.
type Envelope struct {
	Type       domain.DriverEventType `json:"type"`
	DriverID   string                 `json:"driver_id"`
	Status     domain.DriverStatus    `json:"status"`
	Position   domain.GeoPoint        `json:"position"`
	OccurredAt time.Time              `json:"occurred_at"`
	// Reservation is set for reserve/renew events.
	Reservation *domain.Reservation `json:"reservation,omitempty"`
}

// Encode renders evt as an Envelope payload.
func Encode(evt domain.DriverEvent) ([]byte, error) {
	payload, err := json.Marshal(Envelope{
		Type:        evt.Type,
		DriverID:    evt.DriverID,
		Status:      evt.Record.Status,
		Position:    evt.Record.Position,
		OccurredAt:  evt.OccurredAt,
		Reservation: evt.Record.Reservation,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return payload, nil
}

// MsgPublisher is satisfied by *nats.Conn.
type MsgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher writes driver events to a NATS subject.
type Publisher struct {
	conn    MsgPublisher
	subject string
}

// NewPublisher builds a Publisher using the provided NATS connection.
func NewPublisher(conn MsgPublisher, subject string) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{conn: conn, subject: subject}
}

// Publish matches events.Handler. Location pings are not status changes and
// are skipped.
func (p *Publisher) Publish(ctx context.Context, evt domain.DriverEvent) error {
	if p == nil || p.conn == nil || evt.Type == domain.EventDriverLocated {
		return nil
	}
	payload, err := Encode(evt)
	if err != nil {
		return err
	}
	return p.conn.PublishMsg(&nats.Msg{Subject: p.subject, Data: payload, Header: nats.Header{
		"x-trace-id":   {traceIDFromContext(ctx)},
		"x-event-type": {string(evt.Type)},
	}})
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
