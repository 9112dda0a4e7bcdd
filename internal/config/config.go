package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every runtime setting of dispatchd and the gateway. Values
// come from defaults, an optional env file and the process environment, in
// increasing priority.
type Config struct {
	ServiceName string `mapstructure:"SERVICE_NAME"`
	Development bool   `mapstructure:"DEVELOPMENT"`

	HTTPAddr    string `mapstructure:"HTTP_ADDR"`
	GRPCAddr    string `mapstructure:"GRPC_ADDR"`
	GatewayAddr string `mapstructure:"GATEWAY_ADDR"`
	DispatchURL string `mapstructure:"DISPATCH_URL"`

	RedisAddr      string `mapstructure:"REDIS_ADDR"`
	SnapshotPrefix string `mapstructure:"SNAPSHOT_PREFIX"`
	NATSURL        string `mapstructure:"NATS_URL"`
	EventsSubject  string `mapstructure:"EVENTS_SUBJECT"`
	PostgresDSN    string `mapstructure:"POSTGRES_DSN"`
	JWTSecret      string `mapstructure:"JWT_SECRET"`

	GridCellDeg        float64       `mapstructure:"GRID_CELL_DEG"`
	StalenessThreshold time.Duration `mapstructure:"STALENESS_THRESHOLD"`
	RetentionWindow    time.Duration `mapstructure:"RETENTION_WINDOW"`
	ReaperInterval     time.Duration `mapstructure:"REAPER_INTERVAL"`

	MatchRadiusKM      float64       `mapstructure:"MATCH_RADIUS_KM"`
	MatchMaxRadiusKM   float64       `mapstructure:"MATCH_MAX_RADIUS_KM"`
	MatchMaxCandidates int           `mapstructure:"MATCH_MAX_CANDIDATES"`
	ReserveTTL         time.Duration `mapstructure:"RESERVE_TTL"`
	ReserveMaxTTL      time.Duration `mapstructure:"RESERVE_MAX_TTL"`

	WSRate  float64 `mapstructure:"WS_RATE"`
	WSBurst int     `mapstructure:"WS_BURST"`

	GeocoderProvider   string        `mapstructure:"GEOCODER_PROVIDER"`
	NominatimURL       string        `mapstructure:"NOMINATIM_URL"`
	NominatimUserAgent string        `mapstructure:"NOMINATIM_USER_AGENT"`
	NominatimEmail     string        `mapstructure:"NOMINATIM_EMAIL"`
	GeocoderTimeout    time.Duration `mapstructure:"GEOCODER_TIMEOUT"`
	GoogleMapsAPIKey   string        `mapstructure:"GOOGLE_MAPS_API_KEY"`

	FareBase        float64 `mapstructure:"FARE_BASE"`
	FarePerKM       float64 `mapstructure:"FARE_PER_KM"`
	FareXLSurcharge float64 `mapstructure:"FARE_XL_SURCHARGE"`
	FarePetFee      float64 `mapstructure:"FARE_PET_FEE"`
	TripSpeedKMH    float64 `mapstructure:"TRIP_SPEED_KMH"`
	DriverSpeedKMH  float64 `mapstructure:"DRIVER_SPEED_KMH"`

	RateReadRPS    float64 `mapstructure:"RATE_READ_RPS"`
	RateReadBurst  float64 `mapstructure:"RATE_READ_BURST"`
	RateWriteRPS   float64 `mapstructure:"RATE_WRITE_RPS"`
	RateWriteBurst float64 `mapstructure:"RATE_WRITE_BURST"`

	OutboxPoll     time.Duration `mapstructure:"OUTBOX_POLL"`
	OutboxBatch    int           `mapstructure:"OUTBOX_BATCH"`
	OutboxRetryMax int           `mapstructure:"OUTBOX_RETRY_MAX"`
}

var defaults = map[string]any{
	"SERVICE_NAME": "dispatchd",
	"DEVELOPMENT":  false,

	"HTTP_ADDR":    ":8080",
	"GRPC_ADDR":    ":9090",
	"GATEWAY_ADDR": ":8088",
	"DISPATCH_URL": "http://localhost:8080",

	"REDIS_ADDR":      "",
	"SNAPSHOT_PREFIX": "driver:",
	"NATS_URL":        "",
	"EVENTS_SUBJECT":  "driver.events",
	"POSTGRES_DSN":    "",
	"JWT_SECRET":      "",

	"GRID_CELL_DEG":       0.02,
	"STALENESS_THRESHOLD": 30 * time.Second,
	"RETENTION_WINDOW":    10 * time.Minute,
	"REAPER_INTERVAL":     5 * time.Second,

	"MATCH_RADIUS_KM":      5.0,
	"MATCH_MAX_RADIUS_KM":  50.0,
	"MATCH_MAX_CANDIDATES": 10,
	"RESERVE_TTL":          30 * time.Second,
	"RESERVE_MAX_TTL":      5 * time.Minute,

	"WS_RATE":  5.0,
	"WS_BURST": 10,

	"GEOCODER_PROVIDER":    "nominatim",
	"NOMINATIM_URL":        "https://nominatim.openstreetmap.org",
	"NOMINATIM_USER_AGENT": "livetrack/1.0",
	"NOMINATIM_EMAIL":      "",
	"GEOCODER_TIMEOUT":     10 * time.Second,
	"GOOGLE_MAPS_API_KEY":  "",

	"FARE_BASE":         4.25,
	"FARE_PER_KM":       1.70,
	"FARE_XL_SURCHARGE": 0.35,
	"FARE_PET_FEE":      7.5,
	"TRIP_SPEED_KMH":    35.0,
	"DRIVER_SPEED_KMH":  30.0,

	"RATE_READ_RPS":    50.0,
	"RATE_READ_BURST":  100.0,
	"RATE_WRITE_RPS":   10.0,
	"RATE_WRITE_BURST": 20.0,

	"OUTBOX_POLL":      200 * time.Millisecond,
	"OUTBOX_BATCH":     100,
	"OUTBOX_RETRY_MAX": 3,
}

// Load reads configuration. envFile may be empty; otherwise it names a
// KEY=VALUE file that must exist.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", envFile, err)
		}
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.GridCellDeg <= 0 || c.GridCellDeg > 10:
		return fmt.Errorf("GRID_CELL_DEG must be in (0, 10], got %v", c.GridCellDeg)
	case c.StalenessThreshold <= 0:
		return fmt.Errorf("STALENESS_THRESHOLD must be positive, got %s", c.StalenessThreshold)
	case c.ReaperInterval <= 0:
		return fmt.Errorf("REAPER_INTERVAL must be positive, got %s", c.ReaperInterval)
	case c.MatchRadiusKM <= 0 || c.MatchMaxRadiusKM < c.MatchRadiusKM:
		return fmt.Errorf("MATCH_RADIUS_KM %v must be positive and at most MATCH_MAX_RADIUS_KM %v", c.MatchRadiusKM, c.MatchMaxRadiusKM)
	case c.ReserveTTL <= 0 || c.ReserveMaxTTL < c.ReserveTTL:
		return fmt.Errorf("RESERVE_TTL %s must be positive and at most RESERVE_MAX_TTL %s", c.ReserveTTL, c.ReserveMaxTTL)
	}
	switch strings.ToLower(c.GeocoderProvider) {
	case "nominatim", "google", "none":
	default:
		return fmt.Errorf("GEOCODER_PROVIDER %q is not one of nominatim, google, none", c.GeocoderProvider)
	}
	if strings.EqualFold(c.GeocoderProvider, "google") && c.GoogleMapsAPIKey == "" {
		return fmt.Errorf("GEOCODER_PROVIDER google requires GOOGLE_MAPS_API_KEY")
	}
	return nil
}
