// Package config loads runtime configuration from environment variables and
// governance profiles from YAML files.
package config

import (
	"os"
	"time"
)

// Config holds service configuration.
type Config struct {
	Port          string
	LogLevel      string
	DatabaseURL   string
	MirrorBackend string // "postgres" | "sqlite"
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	OTLPEndpoint  string
	BlobDir       string
	ProfilesDir   string
	Profile       string
	MinTimelock   time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://tiller@localhost:5432/tiller?sslmode=disable"
	}

	backend := os.Getenv("MIRROR_BACKEND")
	if backend == "" {
		backend = "sqlite"
	}

	sqlitePath := os.Getenv("SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "tiller-mirror.db"
	}

	blobDir := os.Getenv("BLOB_DIR")
	if blobDir == "" {
		blobDir = "buffers"
	}

	profilesDir := os.Getenv("PROFILES_DIR")
	if profilesDir == "" {
		profilesDir = "profiles"
	}

	profileCode := os.Getenv("GOVERNANCE_PROFILE")
	if profileCode == "" {
		profileCode = "devnet"
	}

	minTimelock := 48 * time.Hour
	if v := os.Getenv("MIN_TIMELOCK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			minTimelock = d
		}
	}

	return &Config{
		Port:          port,
		LogLevel:      logLevel,
		DatabaseURL:   dbURL,
		MirrorBackend: backend,
		SQLitePath:    sqlitePath,
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		OTLPEndpoint:  os.Getenv("OTLP_ENDPOINT"),
		BlobDir:       blobDir,
		ProfilesDir:   profilesDir,
		Profile:       profileCode,
		MinTimelock:   minTimelock,
	}
}
