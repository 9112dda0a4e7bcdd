package outbox

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/livetrack/internal/dispatch/domain"
)

type flakyPublisher struct {
	failFor int32
	calls   int32
	last    atomic.Pointer[nats.Msg]
}

func (f *flakyPublisher) PublishMsg(msg *nats.Msg) error {
	atomic.AddInt32(&f.calls, 1)
	if atomic.LoadInt32(&f.failFor) > 0 {
		atomic.AddInt32(&f.failFor, -1)
		return errors.New("simulated nats outage")
	}
	f.last.Store(msg)
	return nil
}

func TestPublishWithRetryRecovers(t *testing.T) {
	pub := &flakyPublisher{failFor: 2}
	w := NewWorker(nil, pub, zap.NewNop(), WorkerConfig{RetryMax: 5, Backoff: time.Millisecond})

	err := w.publishWithRetry(context.Background(), row{ID: 7, Topic: "driver.events", EventType: "driver.offline", Payload: []byte(`{"id":7}`)})
	require.NoError(t, err)
	require.EqualValues(t, 3, atomic.LoadInt32(&pub.calls))

	msg := pub.last.Load()
	require.NotNil(t, msg)
	require.Equal(t, "driver.events", msg.Subject)
	require.Equal(t, "driver.offline", msg.Header.Get("x-event-type"))
	require.Equal(t, []byte(`{"id":7}`), msg.Data)
}

func TestPublishWithRetryGivesUp(t *testing.T) {
	pub := &flakyPublisher{failFor: 10}
	w := NewWorker(nil, pub, zap.NewNop(), WorkerConfig{RetryMax: 3, Backoff: time.Millisecond})

	err := w.publishWithRetry(context.Background(), row{ID: 1, Topic: "driver.events"})
	require.ErrorContains(t, err, "publish outbox 1")
	require.EqualValues(t, 3, atomic.LoadInt32(&pub.calls))

	require.Error(t, w.publishWithRetry(context.Background(), row{ID: 2}))
}

func TestRunRequiresDependencies(t *testing.T) {
	w := NewWorker(nil, nil, nil, WorkerConfig{})
	require.Error(t, w.Run(context.Background()))
}

func TestWorkerRelaysRecordedEvents(t *testing.T) {
	dsn, natsURL := os.Getenv("POSTGRES_DSN"), os.Getenv("NATS_URL")
	if dsn == "" || natsURL == "" {
		t.Skip("POSTGRES_DSN and NATS_URL not set")
	}
	ctx := t.Context()

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.PingContext(ctx))

	rec := NewRecorder(db, "driver.events.test")
	require.NoError(t, rec.EnsureSchema(ctx))
	_, err = db.ExecContext(ctx, `DELETE FROM driver_outbox WHERE topic = 'driver.events.test'`)
	require.NoError(t, err)

	nc, err := nats.Connect(natsURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Drain() })
	msgCh := make(chan *nats.Msg, 4)
	_, err = nc.Subscribe("driver.events.test", func(msg *nats.Msg) { msgCh <- msg })
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	now := time.Now().UTC()
	require.NoError(t, rec.Handle(ctx, domain.DriverEvent{Type: domain.EventDriverLocated, DriverID: "drv-int", OccurredAt: now}))
	require.NoError(t, rec.Handle(ctx, domain.DriverEvent{
		Type:       domain.EventDriverOffline,
		DriverID:   "drv-int",
		OccurredAt: now,
		Record:     domain.DriverRecord{DriverID: "drv-int", Status: domain.StatusOffline},
	}))

	w := NewWorker(db, nc, zap.NewNop(), WorkerConfig{BatchSize: 10})
	_, err = w.ProcessOnce(ctx)
	require.NoError(t, err)

	select {
	case <-time.After(5 * time.Second):
		t.Fatal("expected outbox message")
	case msg := <-msgCh:
		require.Equal(t, string(domain.EventDriverOffline), msg.Header.Get("x-event-type"))
	}

	var pending int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*) FROM driver_outbox WHERE topic = 'driver.events.test' AND published = false`).Scan(&pending))
	require.Zero(t, pending)
}
