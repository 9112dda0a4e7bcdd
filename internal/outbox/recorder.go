package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/example/livetrack/internal/dispatch/domain"
	pubsub "github.com/example/livetrack/pkg/outbox"
)

// Schema creates the outbox table used by Recorder and Worker.
const Schema = `CREATE TABLE IF NOT EXISTS driver_outbox (
	id BIGSERIAL PRIMARY KEY,
	topic TEXT NOT NULL,
	event_type TEXT NOT NULL,
	driver_id TEXT NOT NULL,
	payload BYTEA NOT NULL,
	published BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Recorder appends driver status events to the outbox table. Its Handle
// method plugs into an events.Queue.
type Recorder struct {
	db    *sql.DB
	topic string
}

func NewRecorder(db *sql.DB, topic string) *Recorder {
	if topic == "" {
		topic = pubsub.DefaultSubject
	}
	return &Recorder{db: db, topic: topic}
}

// EnsureSchema creates the outbox table if it is missing.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create outbox table: %w", err)
	}
	return nil
}

func (r *Recorder) Handle(ctx context.Context, evt domain.DriverEvent) error {
	if r == nil || r.db == nil {
		return errors.New("outbox recorder requires a database")
	}
	if evt.Type == domain.EventDriverLocated {
		return nil
	}
	payload, err := pubsub.Encode(evt)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO driver_outbox (topic, event_type, driver_id, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
		r.topic, string(evt.Type), evt.DriverID, payload, evt.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert outbox %s: %w", evt.DriverID, err)
	}
	return nil
}
