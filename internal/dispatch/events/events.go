package events

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/livetrack/internal/dispatch/domain"
)

var (
	queueDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_queue_dropped_total",
		Help: "Driver events dropped because a consumer queue was full.",
	}, []string{"queue"})

	queueFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_queue_handler_failures_total",
		Help: "Driver events whose handler returned an error.",
	}, []string{"queue"})
)

// Sink receives driver events. The registry emits while holding a driver's
// lock, so Emit must never block or perform I/O.
type Sink interface {
	Emit(evt domain.DriverEvent)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(domain.DriverEvent) {}

// Multi fans an event out to several sinks in order.
type Multi []Sink

func (m Multi) Emit(evt domain.DriverEvent) {
	for _, s := range m {
		if s != nil {
			s.Emit(evt)
		}
	}
}

// Handler consumes one event outside of any registry lock.
type Handler func(ctx context.Context, evt domain.DriverEvent) error

// Filter decides whether an event is queued at all.
type Filter func(evt domain.DriverEvent) bool

// StatusOnly skips high-frequency location events.
func StatusOnly(evt domain.DriverEvent) bool {
	return evt.Type != domain.EventDriverLocated
}

// Queue decouples a slow handler (network, database) from the registry with a
// bounded buffer. Events are handled in emission order by a single goroutine;
// when the buffer is full new events are dropped and counted.
type Queue struct {
	name    string
	ch      chan domain.DriverEvent
	handler Handler
	filter  Filter
	logger  *zap.Logger
}

// NewQueue constructs a queue; size <= 0 defaults to 1024.
func NewQueue(name string, size int, handler Handler, filter Filter, logger *zap.Logger) *Queue {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		name:    name,
		ch:      make(chan domain.DriverEvent, size),
		handler: handler,
		filter:  filter,
		logger:  logger,
	}
}

func (q *Queue) Emit(evt domain.DriverEvent) {
	if q.filter != nil && !q.filter(evt) {
		return
	}
	select {
	case q.ch <- evt:
	default:
		queueDropped.WithLabelValues(q.name).Inc()
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is buffered.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case evt := <-q.ch:
			q.handle(ctx, evt)
		case <-ctx.Done():
			q.drain()
			return ctx.Err()
		}
	}
}

func (q *Queue) drain() {
	// ctx is already cancelled; give the handler a fresh one for the flush.
	ctx := context.Background()
	for {
		select {
		case evt := <-q.ch:
			q.handle(ctx, evt)
		default:
			return
		}
	}
}

func (q *Queue) handle(ctx context.Context, evt domain.DriverEvent) {
	if err := q.handler(ctx, evt); err != nil {
		queueFailures.WithLabelValues(q.name).Inc()
		q.logger.Warn("event handler failed",
			zap.String("queue", q.name),
			zap.String("event", string(evt.Type)),
			zap.String("driver_id", evt.DriverID),
			zap.Error(err))
	}
}
