package registry

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/livetrack/internal/dispatch/domain"
	"github.com/example/livetrack/internal/dispatch/events"
	"github.com/example/livetrack/internal/dispatch/geoindex"
)

// DefaultReservationTTL applies when Reserve is called without a TTL.
const DefaultReservationTTL = 30 * time.Second

const defaultShards = 64

// Config tunes the registry.
type Config struct {
	Shards int
	// StalenessThreshold makes Reserve refuse (and take offline) drivers that
	// have been silent longer than this. Zero disables the lazy check.
	StalenessThreshold time.Duration
}

type shard struct {
	mu      sync.Mutex
	drivers map[string]*domain.DriverRecord
}

// Registry owns every DriverRecord and keeps the spatial index in step with
// them. Each driver is guarded by its shard lock; the index is mutated under
// that same lock so the index never lags a completed mutation.
type Registry struct {
	shards   []*shard
	index    geoindex.Index
	clock    domain.Clock
	sink     events.Sink
	logger   *zap.Logger
	cfg      Config
	newToken func() string
}

// New constructs a registry around index. Nil collaborators fall back to
// no-op or system defaults.
func New(index geoindex.Index, clock domain.Clock, sink events.Sink, logger *zap.Logger, cfg Config) *Registry {
	if index == nil {
		index = geoindex.NewGridIndex(geoindex.DefaultCellDegrees)
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if sink == nil {
		sink = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShards
	}
	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{drivers: make(map[string]*domain.DriverRecord)}
	}
	return &Registry{
		shards:   shards,
		index:    index,
		clock:    clock,
		sink:     sink,
		logger:   logger,
		cfg:      cfg,
		newToken: uuid.NewString,
	}
}

// ReportLocation records a position report. A zero reportedAt means "now".
// Reports older than the stored one are rejected with ErrStaleTimestamp;
// invalid coordinates are rejected with ErrInvalidCoordinate. In both cases
// the stored record is left untouched.
func (r *Registry) ReportLocation(_ context.Context, driverID string, p domain.GeoPoint, reportedAt time.Time) (domain.DriverRecord, error) {
	if strings.TrimSpace(driverID) == "" {
		locationReports.WithLabelValues("invalid").Inc()
		return domain.DriverRecord{}, domain.ErrInvalidDriverID
	}
	if err := p.Validate(); err != nil {
		locationReports.WithLabelValues("invalid").Inc()
		return domain.DriverRecord{}, err
	}
	now := r.clock.Now()
	if reportedAt.IsZero() {
		reportedAt = now
	}

	sh := r.shardFor(driverID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.drivers[driverID]
	if !ok {
		rec = &domain.DriverRecord{
			DriverID:   driverID,
			Position:   p,
			ReportedAt: reportedAt,
			LastSeenAt: now,
			Status:     domain.StatusAvailable,
		}
		sh.drivers[driverID] = rec
		r.index.Upsert(driverID, p)
		r.emit(domain.EventDriverOnline, rec, now)
		locationReports.WithLabelValues("created").Inc()
		return rec.Clone(), nil
	}

	if reportedAt.Before(rec.ReportedAt) {
		locationReports.WithLabelValues("stale").Inc()
		r.logger.Debug("stale location report dropped",
			zap.String("driver_id", driverID),
			zap.Time("reported_at", reportedAt),
			zap.Time("stored_at", rec.ReportedAt))
		return domain.DriverRecord{}, fmt.Errorf("%w: report at %s precedes stored %s",
			domain.ErrStaleTimestamp, reportedAt.Format(time.RFC3339Nano), rec.ReportedAt.Format(time.RFC3339Nano))
	}

	r.expireLocked(rec, now)
	rec.Position = p
	rec.ReportedAt = reportedAt
	rec.LastSeenAt = now

	switch rec.Status {
	case domain.StatusOffline:
		r.makeAvailableLocked(rec, domain.EventDriverOnline, now)
	case domain.StatusAvailable:
		r.index.Upsert(driverID, p)
		r.emit(domain.EventDriverLocated, rec, now)
	case domain.StatusReserved:
		r.emit(domain.EventDriverLocated, rec, now)
	}
	locationReports.WithLabelValues("accepted").Inc()
	return rec.Clone(), nil
}

// SetStatus applies an externally requested transition. Only OFFLINE is a
// real transition here: RESERVED is reachable through Reserve alone, and
// AVAILABLE through Release or a fresh ReportLocation.
func (r *Registry) SetStatus(_ context.Context, driverID string, status domain.DriverStatus) error {
	switch status {
	case domain.StatusAvailable, domain.StatusOffline:
	case domain.StatusReserved:
		return fmt.Errorf("%w: drivers are reserved through matching", domain.ErrInvalidTransition)
	default:
		return fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransition, status)
	}

	sh := r.shardFor(driverID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.drivers[driverID]
	if !ok {
		return domain.ErrDriverNotFound
	}
	now := r.clock.Now()
	r.expireLocked(rec, now)
	if rec.Status == status {
		return nil
	}
	if status == domain.StatusOffline {
		r.goOfflineLocked(rec, now)
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, rec.Status, status)
}

// Get returns a copy of the driver's record.
func (r *Registry) Get(_ context.Context, driverID string) (domain.DriverRecord, bool) {
	sh := r.shardFor(driverID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.drivers[driverID]
	if !ok {
		return domain.DriverRecord{}, false
	}
	r.expireLocked(rec, r.clock.Now())
	return rec.Clone(), true
}

// Nearby returns indexed (AVAILABLE) drivers around center. Staleness is
// enforced by Reserve and the reaper, not here.
func (r *Registry) Nearby(_ context.Context, center domain.GeoPoint, radiusKM float64, limit int) []geoindex.Neighbor {
	return r.index.Nearby(center, radiusKM, limit)
}

// Reserve is the AVAILABLE -> RESERVED compare-and-swap. Exactly one of any
// number of concurrent callers wins for a given driver; the others get
// ErrDriverUnavailable immediately.
func (r *Registry) Reserve(_ context.Context, driverID, requestID string, ttl time.Duration) (domain.Reservation, error) {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	sh := r.shardFor(driverID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.drivers[driverID]
	if !ok {
		return domain.Reservation{}, domain.ErrDriverNotFound
	}
	now := r.clock.Now()
	r.expireLocked(rec, now)
	if rec.Status != domain.StatusAvailable {
		return domain.Reservation{}, fmt.Errorf("%w: status %s", domain.ErrDriverUnavailable, rec.Status)
	}
	if r.staleLocked(rec, now) {
		r.goOfflineLocked(rec, now)
		return domain.Reservation{}, fmt.Errorf("%w: silent since %s", domain.ErrDriverUnavailable, rec.LastSeenAt.Format(time.RFC3339))
	}

	r.unindexLocked(rec)
	res := domain.Reservation{Token: r.newToken(), RequestID: requestID, ExpiresAt: now.Add(ttl)}
	rec.Status = domain.StatusReserved
	rec.Reservation = &res
	r.emit(domain.EventDriverReserved, rec, now)
	return res, nil
}

// Release returns a reserved driver to AVAILABLE when token matches the live
// reservation. A wrong token yields ErrReservationTokenMismatch and an
// expired one ErrReservationExpired; neither changes state beyond the lazy
// expiry every access performs, so releasing twice is harmless.
func (r *Registry) Release(_ context.Context, driverID, token string) error {
	sh := r.shardFor(driverID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.drivers[driverID]
	if !ok {
		return domain.ErrDriverNotFound
	}
	now := r.clock.Now()
	if err := r.checkTokenLocked(rec, token, now); err != nil {
		return err
	}
	r.makeAvailableLocked(rec, domain.EventDriverReleased, now)
	return nil
}

// Renew extends a live reservation by ttl from now.
func (r *Registry) Renew(_ context.Context, driverID, token string, ttl time.Duration) (domain.Reservation, error) {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	sh := r.shardFor(driverID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.drivers[driverID]
	if !ok {
		return domain.Reservation{}, domain.ErrDriverNotFound
	}
	now := r.clock.Now()
	if err := r.checkTokenLocked(rec, token, now); err != nil {
		return domain.Reservation{}, err
	}
	rec.Reservation.ExpiresAt = now.Add(ttl)
	r.emit(domain.EventReservationRenewed, rec, now)
	return *rec.Reservation, nil
}

// ExpireReservations reverts every lapsed reservation to AVAILABLE.
func (r *Registry) ExpireReservations(ctx context.Context) int {
	now := r.clock.Now()
	return r.sweep(ctx, func(_ *shard, rec *domain.DriverRecord) bool {
		return r.expireLocked(rec, now)
	})
}

// MarkStale takes drivers silent for longer than olderThan OFFLINE, removing
// them from the index. Their records remain until RemoveOffline.
func (r *Registry) MarkStale(ctx context.Context, olderThan time.Duration) int {
	now := r.clock.Now()
	return r.sweep(ctx, func(_ *shard, rec *domain.DriverRecord) bool {
		if rec.Status == domain.StatusOffline || now.Sub(rec.LastSeenAt) <= olderThan {
			return false
		}
		r.goOfflineLocked(rec, now)
		return true
	})
}

// RemoveOffline purges drivers that have been OFFLINE for longer than olderThan.
func (r *Registry) RemoveOffline(ctx context.Context, olderThan time.Duration) int {
	now := r.clock.Now()
	return r.sweep(ctx, func(sh *shard, rec *domain.DriverRecord) bool {
		if rec.Status != domain.StatusOffline || rec.OfflineSince == nil || now.Sub(*rec.OfflineSince) <= olderThan {
			return false
		}
		r.unindexLocked(rec)
		delete(sh.drivers, rec.DriverID)
		r.emit(domain.EventDriverPurged, rec, now)
		return true
	})
}

// Stats counts drivers per status.
type Stats struct {
	Available int
	Reserved  int
	Offline   int
	Indexed   int
}

func (r *Registry) Stats() Stats {
	var st Stats
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, rec := range sh.drivers {
			switch rec.Status {
			case domain.StatusAvailable:
				st.Available++
			case domain.StatusReserved:
				st.Reserved++
			case domain.StatusOffline:
				st.Offline++
			}
		}
		sh.mu.Unlock()
	}
	st.Indexed = r.index.Len()
	return st
}

// Restore loads previously snapshotted records, skipping invalid ones and
// drivers already present. It does not emit events.
func (r *Registry) Restore(records []domain.DriverRecord) int {
	now := r.clock.Now()
	restored := 0
	for _, in := range records {
		if strings.TrimSpace(in.DriverID) == "" || in.Position.Validate() != nil || !in.Status.Valid() {
			continue
		}
		rec := in.Clone()
		if rec.Status == domain.StatusReserved && (rec.Reservation == nil || rec.Reservation.Expired(now)) {
			rec.Status = domain.StatusAvailable
			rec.Reservation = nil
		}
		if rec.Status == domain.StatusOffline && rec.OfflineSince == nil {
			ts := now
			rec.OfflineSince = &ts
		}

		sh := r.shardFor(rec.DriverID)
		sh.mu.Lock()
		if _, exists := sh.drivers[rec.DriverID]; !exists {
			sh.drivers[rec.DriverID] = &rec
			if rec.Status == domain.StatusAvailable {
				r.index.Upsert(rec.DriverID, rec.Position)
			}
			restored++
		}
		sh.mu.Unlock()
	}
	return restored
}

func (r *Registry) sweep(ctx context.Context, fn func(sh *shard, rec *domain.DriverRecord) bool) int {
	n := 0
	for _, sh := range r.shards {
		if ctx.Err() != nil {
			return n
		}
		sh.mu.Lock()
		for _, rec := range sh.drivers {
			if fn(sh, rec) {
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

func (r *Registry) checkTokenLocked(rec *domain.DriverRecord, token string, now time.Time) error {
	res := rec.Reservation
	if rec.Status != domain.StatusReserved || res == nil {
		return fmt.Errorf("%w: driver is %s", domain.ErrReservationTokenMismatch, rec.Status)
	}
	if res.Token != token {
		r.expireLocked(rec, now)
		return domain.ErrReservationTokenMismatch
	}
	if r.expireLocked(rec, now) {
		return domain.ErrReservationExpired
	}
	return nil
}

// expireLocked reverts a lapsed reservation and reports whether it did.
func (r *Registry) expireLocked(rec *domain.DriverRecord, now time.Time) bool {
	if rec.Status != domain.StatusReserved || rec.Reservation == nil || !rec.Reservation.Expired(now) {
		return false
	}
	reservationsExpired.Inc()
	r.makeAvailableLocked(rec, domain.EventReservationExpired, now)
	return true
}

func (r *Registry) makeAvailableLocked(rec *domain.DriverRecord, evt domain.DriverEventType, now time.Time) {
	rec.Status = domain.StatusAvailable
	rec.Reservation = nil
	rec.OfflineSince = nil
	r.index.Upsert(rec.DriverID, rec.Position)
	r.emit(evt, rec, now)
}

func (r *Registry) goOfflineLocked(rec *domain.DriverRecord, now time.Time) {
	r.unindexLocked(rec)
	rec.Status = domain.StatusOffline
	rec.Reservation = nil
	ts := now
	rec.OfflineSince = &ts
	r.emit(domain.EventDriverOffline, rec, now)
}

// unindexLocked removes rec from the index and checks that its presence
// matched its status. A mismatch is repaired by the removal itself.
func (r *Registry) unindexLocked(rec *domain.DriverRecord) {
	present := r.index.Remove(rec.DriverID)
	if present != (rec.Status == domain.StatusAvailable) {
		indexDivergence.Inc()
		r.logger.Error("index divergence repaired",
			zap.String("driver_id", rec.DriverID),
			zap.String("status", string(rec.Status)),
			zap.Bool("was_indexed", present),
			zap.Error(domain.ErrIndexDivergence))
	}
}

func (r *Registry) staleLocked(rec *domain.DriverRecord, now time.Time) bool {
	return r.cfg.StalenessThreshold > 0 && now.Sub(rec.LastSeenAt) > r.cfg.StalenessThreshold
}

func (r *Registry) emit(typ domain.DriverEventType, rec *domain.DriverRecord, now time.Time) {
	transitions.WithLabelValues(string(typ)).Inc()
	r.sink.Emit(domain.DriverEvent{Type: typ, DriverID: rec.DriverID, Record: rec.Clone(), OccurredAt: now})
}

func (r *Registry) shardFor(driverID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(driverID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}
