package app

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Env       string
	HTTPAddr  string
	CORSAllow []string

	JWTSecret string

	// External race-management collaborator
	RaceAPIURL     string // e.g. http://localhost:9000
	RaceAPITimeout time.Duration
	RaceCacheTTL   time.Duration

	// Admission policy
	JoinableStatuses []string // race statuses that accept joins
	JoinRatePerMin   int      // join attempts per user per minute, 0 disables

	// Room policy
	FlushWindow        time.Duration // roster broadcast coalescing window
	StaleTimeout       time.Duration // member marked stale after this silence
	HardTimeout        time.Duration // member evicted after this silence
	ReapInterval       time.Duration
	IdleGrace          time.Duration // empty room kept around this long
	FinishRadiusMeters float64       // 0 disables finish-line detection

	RedisAddr string // host:port, empty disables the cross-instance bus
	RedisDB   int
}

func LoadConfig() Config {
	cfg := Config{
		Env:        getEnv("APP_ENV", "dev"),
		HTTPAddr:   getEnv("HTTP_ADDR", ":8080"),
		JWTSecret:  getEnv("JWT_SECRET", "dev-secret-change"),
		RaceAPIURL: getEnv("RACE_API_URL", "http://localhost:9000"),
		RedisAddr:  getEnv("REDIS_ADDR", ""),
	}
	cfg.RaceAPITimeout = getEnvDuration("RACE_API_TIMEOUT", 5*time.Second)
	cfg.RaceCacheTTL = getEnvDuration("RACE_CACHE_TTL", 30*time.Second)
	cfg.JoinableStatuses = splitCSV(getEnv("RACE_JOINABLE_STATUSES", "upcoming,ongoing"))
	cfg.JoinRatePerMin = getEnvInt("JOIN_RATE_PER_MIN", 12)
	cfg.FlushWindow = getEnvDuration("BROADCAST_FLUSH_WINDOW", 300*time.Millisecond)
	cfg.StaleTimeout = getEnvDuration("STALE_TIMEOUT", 30*time.Second)
	cfg.HardTimeout = getEnvDuration("HARD_TIMEOUT", 2*time.Minute)
	cfg.ReapInterval = getEnvDuration("REAP_INTERVAL", 10*time.Second)
	cfg.IdleGrace = getEnvDuration("ROOM_IDLE_GRACE", time.Minute)
	cfg.FinishRadiusMeters = float64(getEnvInt("FINISH_RADIUS_METERS", 25))
	cfg.RedisDB = getEnvInt("REDIS_DB", 0)
	// CORS allowlist
	allow := getEnv("CORS_ALLOW", "http://localhost:19006")
	cfg.CORSAllow = splitCSV(allow)
	log.Printf("config: %+v\n", cfg)
	return cfg
}

// getEnv returns the env var or a default
func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getEnvInt parses an int env var, falling back only when unset or
// unparseable. An explicit 0 is a valid value (it disables the finish
// radius and the join limiter).
func getEnvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration parses a duration env var ("30s", "250ms") with a fallback
func getEnvDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// splitCSV trims and filters a comma-separated list
func splitCSV(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
