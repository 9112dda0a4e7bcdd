package snapshot

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/livetrack/internal/dispatch/domain"
)

const (
	defaultPrefix = "driver:"
	recordKey     = "rec:"
	idsKey        = "ids"
	locsKey       = "locs"
)

// RedisStore persists driver records write-behind so a restarted process can
// rebuild its registry. Records live in a hash per driver, the id set lists
// every known driver and the geo set holds AVAILABLE positions for operators.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	logger *zap.Logger
}

// NewRedisStore constructs the store; an empty prefix uses "driver:".
func NewRedisStore(client redis.Cmdable, prefix string, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

func (s *RedisStore) recKey(id string) string { return s.prefix + recordKey + id }
func (s *RedisStore) idsKey() string          { return s.prefix + idsKey }
func (s *RedisStore) locsKey() string         { return s.prefix + locsKey }

// Apply mirrors one registry event. It matches events.Handler.
func (s *RedisStore) Apply(ctx context.Context, evt domain.DriverEvent) error {
	rec := evt.Record
	if rec.DriverID == "" {
		rec.DriverID = evt.DriverID
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if evt.Type == domain.EventDriverPurged {
			pipe.Del(ctx, s.recKey(rec.DriverID))
			pipe.SRem(ctx, s.idsKey(), rec.DriverID)
			pipe.ZRem(ctx, s.locsKey(), rec.DriverID)
			return nil
		}
		pipe.Del(ctx, s.recKey(rec.DriverID))
		pipe.HSet(ctx, s.recKey(rec.DriverID), encode(rec))
		pipe.SAdd(ctx, s.idsKey(), rec.DriverID)
		if rec.Status == domain.StatusAvailable {
			pipe.GeoAdd(ctx, s.locsKey(), &redis.GeoLocation{
				Name:      rec.DriverID,
				Longitude: rec.Position.Lng,
				Latitude:  rec.Position.Lat,
			})
		} else {
			pipe.ZRem(ctx, s.locsKey(), rec.DriverID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", rec.DriverID, err)
	}
	return nil
}

// Load reads every stored record. Entries that fail to decode are skipped and
// logged; ids without a record are pruned.
func (s *RedisStore) Load(ctx context.Context) ([]domain.DriverRecord, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.recKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}

	records := make([]domain.DriverRecord, 0, len(ids))
	var orphans []any
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			orphans = append(orphans, ids[i])
			continue
		}
		rec, err := decode(ids[i], fields)
		if err != nil {
			s.logger.Warn("skipping undecodable snapshot", zap.String("driver_id", ids[i]), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	if len(orphans) > 0 {
		if err := s.client.SRem(ctx, s.idsKey(), orphans...).Err(); err != nil {
			s.logger.Warn("pruning snapshot ids failed", zap.Error(err))
		}
	}
	return records, nil
}

// Ping reports whether the snapshot store is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func encode(rec domain.DriverRecord) map[string]any {
	fields := map[string]any{
		"lat":          strconv.FormatFloat(rec.Position.Lat, 'f', -1, 64),
		"lng":          strconv.FormatFloat(rec.Position.Lng, 'f', -1, 64),
		"status":       string(rec.Status),
		"reported_at":  rec.ReportedAt.UnixNano(),
		"last_seen_at": rec.LastSeenAt.UnixNano(),
	}
	if res := rec.Reservation; res != nil {
		fields["res_token"] = res.Token
		fields["res_request_id"] = res.RequestID
		fields["res_expires_at"] = res.ExpiresAt.UnixNano()
	}
	if rec.OfflineSince != nil {
		fields["offline_since"] = rec.OfflineSince.UnixNano()
	}
	return fields
}

func decode(id string, f map[string]string) (domain.DriverRecord, error) {
	lat, err := strconv.ParseFloat(f["lat"], 64)
	if err != nil {
		return domain.DriverRecord{}, fmt.Errorf("lat: %w", err)
	}
	lng, err := strconv.ParseFloat(f["lng"], 64)
	if err != nil {
		return domain.DriverRecord{}, fmt.Errorf("lng: %w", err)
	}
	rec := domain.DriverRecord{
		DriverID: id,
		Position: domain.GeoPoint{Lat: lat, Lng: lng},
		Status:   domain.DriverStatus(f["status"]),
	}
	if !rec.Status.Valid() {
		return domain.DriverRecord{}, fmt.Errorf("status %q", f["status"])
	}
	if rec.ReportedAt, err = parseNanos(f["reported_at"]); err != nil {
		return domain.DriverRecord{}, fmt.Errorf("reported_at: %w", err)
	}
	if rec.LastSeenAt, err = parseNanos(f["last_seen_at"]); err != nil {
		return domain.DriverRecord{}, fmt.Errorf("last_seen_at: %w", err)
	}
	if tok := f["res_token"]; tok != "" {
		exp, err := parseNanos(f["res_expires_at"])
		if err != nil {
			return domain.DriverRecord{}, fmt.Errorf("res_expires_at: %w", err)
		}
		rec.Reservation = &domain.Reservation{Token: tok, RequestID: f["res_request_id"], ExpiresAt: exp}
	}
	if v := f["offline_since"]; v != "" {
		ts, err := parseNanos(v)
		if err != nil {
			return domain.DriverRecord{}, fmt.Errorf("offline_since: %w", err)
		}
		rec.OfflineSince = &ts
	}
	return rec, nil
}

func parseNanos(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n).UTC(), nil
}
