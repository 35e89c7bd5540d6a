package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.SearchRadiusMeters != 5000 || cfg.SearchWorkers != 8 {
		t.Fatalf("unexpected search defaults: %+v", cfg)
	}
	if math.Abs(cfg.WeightDetour+cfg.WeightOverlap+cfg.WeightSeats-1) > 1e-9 {
		t.Fatalf("default weights should sum to 1")
	}
	if cfg.KafkaTopic != "driver-state" || len(cfg.KafkaBrokers) != 0 {
		t.Fatalf("unexpected kafka defaults: %q %v", cfg.KafkaTopic, cfg.KafkaBrokers)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("ROUTE_CACHE_TTL", "90s")
	t.Setenv("SCORE_W_SEATS", "0")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("brokers not split: %v", cfg.KafkaBrokers)
	}
	if cfg.RouteCacheTTL != 90*time.Second || cfg.WeightSeats != 0 || !cfg.RunMigrations || cfg.LogLevel != "debug" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestInvalidValuesAreJoined(t *testing.T) {
	t.Setenv("ROUTE_CACHE_TTL", "soon")
	t.Setenv("SEARCH_RADIUS_METERS", "-1")
	t.Setenv("SCORE_W_DETOUR", "0")
	t.Setenv("SCORE_W_OVERLAP", "0")
	t.Setenv("SCORE_W_SEATS", "0")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"ROUTE_CACHE_TTL", "SEARCH_RADIUS_METERS", "SCORE_W_*"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("OSRM_URL=http://osrm:5000\nSEARCH_MAX_RESULTS=3\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	// godotenv does not override variables that are already set
	t.Setenv("OSRM_URL", "")
	os.Unsetenv("OSRM_URL")
	t.Setenv("SEARCH_MAX_RESULTS", "")
	os.Unsetenv("SEARCH_MAX_RESULTS")

	cfg, err := LoadServerConfig(path, filepath.Join(dir, "missing.env"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OSRMURL != "http://osrm:5000" || cfg.SearchMaxResults != 3 {
		t.Fatalf("env file not applied: %+v", cfg)
	}
}
