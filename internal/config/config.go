package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

const (
	BackendSupabase = "supabase"
	BackendPostgres = "postgres"
)

// Config holds everything the client daemon reads from the environment.
type Config struct {
	Env         string // "local", "dev", "prod"
	ServiceName string

	// Backend selects the system of record: the hosted Supabase project or a
	// self-hosted Postgres carrying the same schema.
	Backend         string
	SupabaseURL     string
	SupabaseAnonKey string
	SiteURL         string

	DBHost     string
	DBPort     string
	DBDatabase string
	DBUsername string
	DBPassword string
	DBSchema   string

	// MigrationsPath is the golang-migrate source directory.
	MigrationsPath string

	// SessionTTL bounds sessions issued by the self-hosted identity.
	SessionTTL time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	HTTPPort string

	PollInterval        time.Duration
	DepositHistoryLimit int
	MinStake            string
	Currency            string
	PanelGuard          bool
}

func Load() Config {
	return Config{
		Env:         getEnv("ENV", "local"),
		ServiceName: getEnv("SERVICE_NAME", "aviator-client"),

		Backend:         strings.ToLower(getEnv("BACKEND", BackendSupabase)),
		SupabaseURL:     strings.TrimRight(getEnv("SUPABASE_URL", getEnv("VITE_SUPABASE_URL", "")), "/"),
		SupabaseAnonKey: getEnv("SUPABASE_ANON_KEY", getEnv("VITE_SUPABASE_ANON_KEY", "")),
		SiteURL:         getEnv("SITE_URL", "http://localhost:8080"),

		DBHost:     getEnv("BLUEPRINT_DB_HOST", "localhost"),
		DBPort:     getEnv("BLUEPRINT_DB_PORT", "5432"),
		DBDatabase: getEnv("BLUEPRINT_DB_DATABASE", "crashdb"),
		DBUsername: getEnv("BLUEPRINT_DB_USERNAME", "postgres"),
		DBPassword: getEnv("BLUEPRINT_DB_PASSWORD", "postgres"),
		DBSchema:   getEnv("BLUEPRINT_DB_SCHEMA", "public"),

		MigrationsPath: getEnv("MIGRATIONS_PATH", "./migrations"),
		SessionTTL:     getEnvAsDuration("SESSION_TTL", 30*24*time.Hour),

		RedisAddr:     getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		HTTPPort: getEnv("PORT", "8080"),

		PollInterval:        getEnvAsDuration("POLL_INTERVAL", 3*time.Second),
		DepositHistoryLimit: getEnvAsInt("DEPOSIT_HISTORY_LIMIT", 20),
		MinStake:            getEnv("MIN_STAKE", "100"),
		Currency:            getEnv("CURRENCY", "KSh"),
		PanelGuard:          getEnvAsBool("BET_PANEL_GUARD", false),
	}
}

// Validate reports configuration that would leave the daemon unable to reach
// its backend.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendSupabase:
		if c.SupabaseURL == "" || c.SupabaseAnonKey == "" {
			return fmt.Errorf("config: SUPABASE_URL and SUPABASE_ANON_KEY are required for the %s backend", c.Backend)
		}
	case BackendPostgres:
		if c.DBHost == "" || c.DBDatabase == "" {
			return fmt.Errorf("config: BLUEPRINT_DB_HOST and BLUEPRINT_DB_DATABASE are required for the %s backend", c.Backend)
		}
	default:
		return fmt.Errorf("config: unknown BACKEND %q", c.Backend)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	return nil
}

// DatabaseURL builds the pgx connection string for the self-hosted backend.
func (c Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		c.DBUsername, c.DBPassword, c.DBHost, c.DBPort, c.DBDatabase, c.DBSchema)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
