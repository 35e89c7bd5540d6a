package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the search service.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr      string
	RedisPassword  string
	RedisKeyPrefix string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	PGDSN         string
	RunMigrations bool
	MigrationPath string

	OSRMURL       string
	RouteCacheTTL time.Duration

	FleetSeedFile  string
	GeoCellDegrees float64

	SearchRadiusMeters float64
	SearchMaxResults   int
	SearchWorkers      int

	WeightDetour    float64
	WeightOverlap   float64
	WeightSeats     float64
	MaxDetourMeters float64
	CorridorMeters  float64

	ClusterProximityMeters float64
	ClusterMinOverlap      float64

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:               ":8080",
		ReadTimeout:            5 * time.Second,
		WriteTimeout:           10 * time.Second,
		IdleTimeout:            120 * time.Second,
		ShutdownTimeout:        15 * time.Second,
		RedisKeyPrefix:         "search:",
		KafkaTopic:             "driver-state",
		KafkaGroup:             "coride-search",
		MigrationPath:          "migrations/001_create_searches.sql",
		RouteCacheTTL:          10 * time.Minute,
		GeoCellDegrees:         0.01,
		SearchRadiusMeters:     5000,
		SearchWorkers:          8,
		WeightDetour:           0.4,
		WeightOverlap:          0.4,
		WeightSeats:            0.2,
		MaxDetourMeters:        5000,
		CorridorMeters:         50,
		ClusterProximityMeters: 1000,
		ClusterMinOverlap:      0.5,
		LogLevel:               "info",
	}
}

// LoadServerConfig reads the environment, after loading envFiles if they
// exist. Missing files are ignored.
func LoadServerConfig(envFiles ...string) (ServerConfig, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				return ServerConfig{}, fmt.Errorf("load %s: %w", f, err)
			}
		}
	}

	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisKeyPrefix, "REDIS_KEY_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.MigrationPath, "MIGRATION_PATH")

	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)

	setStringFromEnv(&cfg.FleetSeedFile, "FLEET_SEED_FILE")
	setFloatFromEnv(&cfg.GeoCellDegrees, "GEO_CELL_DEGREES", &errs)

	setFloatFromEnv(&cfg.SearchRadiusMeters, "SEARCH_RADIUS_METERS", &errs)
	setIntFromEnv(&cfg.SearchMaxResults, "SEARCH_MAX_RESULTS", &errs)
	setIntFromEnv(&cfg.SearchWorkers, "SEARCH_WORKERS", &errs)

	setFloatFromEnv(&cfg.WeightDetour, "SCORE_W_DETOUR", &errs)
	setFloatFromEnv(&cfg.WeightOverlap, "SCORE_W_OVERLAP", &errs)
	setFloatFromEnv(&cfg.WeightSeats, "SCORE_W_SEATS", &errs)
	setFloatFromEnv(&cfg.MaxDetourMeters, "SCORE_MAX_DETOUR_METERS", &errs)
	setFloatFromEnv(&cfg.CorridorMeters, "CORRIDOR_METERS", &errs)

	setFloatFromEnv(&cfg.ClusterProximityMeters, "CLUSTER_PROXIMITY_METERS", &errs)
	setFloatFromEnv(&cfg.ClusterMinOverlap, "CLUSTER_MIN_OVERLAP", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.WeightDetour < 0 || c.WeightOverlap < 0 || c.WeightSeats < 0 {
		errs = append(errs, fmt.Errorf("SCORE_W_* must be >= 0"))
	} else if c.WeightDetour+c.WeightOverlap+c.WeightSeats <= 0 {
		errs = append(errs, fmt.Errorf("SCORE_W_* must not all be zero"))
	}
	if c.SearchRadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_RADIUS_METERS must be > 0"))
	}
	if c.SearchMaxResults < 0 {
		errs = append(errs, fmt.Errorf("SEARCH_MAX_RESULTS must be >= 0"))
	}
	if c.SearchWorkers <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_WORKERS must be > 0"))
	}
	if c.GeoCellDegrees <= 0 || c.GeoCellDegrees > 10 {
		errs = append(errs, fmt.Errorf("GEO_CELL_DEGREES must be in (0, 10]"))
	}
	if c.MaxDetourMeters <= 0 || c.CorridorMeters <= 0 || c.ClusterProximityMeters <= 0 {
		errs = append(errs, fmt.Errorf("distance thresholds must be > 0"))
	}
	if c.ClusterMinOverlap < 0 || c.ClusterMinOverlap > 1 {
		errs = append(errs, fmt.Errorf("CLUSTER_MIN_OVERLAP must be in [0, 1]"))
	}
	return errs
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
