// Package config loads the environment-variable driven configuration for
// both the kme-server and local-km binaries, per spec.md §6's recognised
// variable set (extended with the ambient operational variables listed in
// SPEC_FULL.md §6).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Role identifies whether a kme-server instance generates keys itself
// (master) or delegates generation to a peer (slave).
type Role string

const (
	RoleMaster Role = "master"
	RoleSlave  Role = "slave"
)

// KMEConfig configures a kme-server instance.
type KMEConfig struct {
	KMEID             string        `env:"KME_ID,required"`
	AttachedSAEID     string        `env:"ATTACHED_SAE_ID"`
	ListenAddr        string        `env:"LISTEN_ADDR,default=:8443"`
	MetricsPort       int           `env:"METRICS_PORT,default=9090"`
	NextDoorKMURL     string        `env:"NEXT_DOOR_KM_URL"`
	PeerKMEURLs       string        `env:"PEER_KME_URLS"`
	SAEKMEMap         string        `env:"SAE_KME_MAP"`
	DefaultKeySize    int           `env:"DEFAULT_KEY_SIZE,default=32"`
	MaxKeyCount       int           `env:"MAX_KEY_COUNT,default=1000"`
	MaxKeysPerRequest int           `env:"MAX_KEYS_PER_REQUEST,default=128"`
	MaxKeySize        int           `env:"MAX_KEY_SIZE,default=1024"`
	MinKeySize        int           `env:"MIN_KEY_SIZE,default=32"`
	KeyGenBatchSize   int           `env:"KEY_GEN_BATCH_SIZE,default=50"`
	KeyGenSecToGen    int           `env:"KEY_GEN_SEC_TO_GEN,default=5"`
	RefillThreshold   int           `env:"REFILL_THRESHOLD,default=100"`
	KeyAcquireTimeout time.Duration `env:"KEY_ACQUIRE_TIMEOUT,default=5s"`
	UseHTTPS          bool          `env:"USE_HTTPS,default=false"`
	TLSCertFile       string        `env:"TLS_CERT_FILE"`
	TLSKeyFile        string        `env:"TLS_KEY_FILE"`
	TLSClientCAFile   string        `env:"TLS_CLIENT_CA_FILE"`
	PersistencePath   string        `env:"SHARED_POOL_SNAPSHOT_PATH,default=./data/shared_pool.json"`
	LogLevel          string        `env:"LOG_LEVEL,default=info"`
	LogFormat         string        `env:"LOG_FORMAT,default=json"`
}

// Role derives the master/slave role from KME_ID, matching spec.md §6's
// documented convention ("1" master, "2" slave).
func (c *KMEConfig) Role() Role {
	if strings.TrimSpace(c.KMEID) == "1" {
		return RoleMaster
	}
	return RoleSlave
}

// PeerURLs splits PEER_KME_URLS (falling back to NEXT_DOOR_KM_URL for a
// single-peer deployment) into a list of base URLs.
func (c *KMEConfig) PeerURLs() []string {
	raw := strings.TrimSpace(c.PeerKMEURLs)
	if raw == "" {
		raw = strings.TrimSpace(c.NextDoorKMURL)
	}
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate checks invariants that envdecode's struct tags cannot express.
func (c *KMEConfig) Validate() error {
	if c.DefaultKeySize <= 0 {
		return fmt.Errorf("DEFAULT_KEY_SIZE must be positive")
	}
	if c.MinKeySize <= 0 || c.MaxKeySize < c.MinKeySize {
		return fmt.Errorf("MIN_KEY_SIZE/MAX_KEY_SIZE misconfigured")
	}
	if c.MaxKeyCount <= 0 {
		return fmt.Errorf("MAX_KEY_COUNT must be positive")
	}
	if c.UseHTTPS && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return fmt.Errorf("USE_HTTPS requires TLS_CERT_FILE and TLS_KEY_FILE")
	}
	return nil
}

// LoadKMEConfig loads KMEConfig from the environment, optionally layering
// a .env file first (mirroring this codebase's convention of an optional,
// environment-specific dotenv file).
func LoadKMEConfig(envFile string) (*KMEConfig, error) {
	loadDotenvIfPresent(envFile)

	var cfg KMEConfig
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode kme config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LocalKMConfig configures a local-km instance, per spec.md §4.G.
type LocalKMConfig struct {
	LocalKMID                 string        `env:"LOCAL_KM_ID,required"`
	UpstreamURL               string        `env:"UPSTREAM_KM_URL,required"`
	DatabaseURL               string        `env:"DATABASE_URL,required"`
	ListenAddr                string        `env:"LISTEN_ADDR,default=:8080"`
	MetricsPort               int           `env:"METRICS_PORT,default=9091"`
	SyncIntervalHours          int           `env:"SYNC_INTERVAL_HOURS,default=24"`
	SyncSchedule               string        `env:"SYNC_SCHEDULE"`
	LowThresholdPercent        float64       `env:"LOW_THRESHOLD_PERCENT,default=0.10"`
	EmergencyThresholdPercent  float64       `env:"EMERGENCY_THRESHOLD_PERCENT,default=0.05"`
	SyncQueueDrainInterval     time.Duration `env:"SYNC_QUEUE_DRAIN_INTERVAL,default=1m"`
	SyncDeadline               time.Duration `env:"SYNC_DEADLINE,default=30s"`
	DefaultPoolSizeLimit       int           `env:"DEFAULT_POOL_SIZE_LIMIT,default=1000"`
	JWTSecret                  string        `env:"LOCAL_KM_JWT_SECRET,required"`
	LogLevel                   string        `env:"LOG_LEVEL,default=info"`
	LogFormat                  string        `env:"LOG_FORMAT,default=json"`
}

// SyncInterval returns SyncIntervalHours as a time.Duration.
func (c *LocalKMConfig) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalHours) * time.Hour
}

// Validate checks invariants envdecode's struct tags cannot express.
func (c *LocalKMConfig) Validate() error {
	if c.LowThresholdPercent <= 0 || c.LowThresholdPercent >= 1 {
		return fmt.Errorf("LOW_THRESHOLD_PERCENT must be in (0,1)")
	}
	if c.EmergencyThresholdPercent <= 0 || c.EmergencyThresholdPercent >= c.LowThresholdPercent {
		return fmt.Errorf("EMERGENCY_THRESHOLD_PERCENT must be in (0, LOW_THRESHOLD_PERCENT)")
	}
	if c.DefaultPoolSizeLimit <= 0 {
		return fmt.Errorf("DEFAULT_POOL_SIZE_LIMIT must be positive")
	}
	return nil
}

// LoadLocalKMConfig loads LocalKMConfig from the environment.
func LoadLocalKMConfig(envFile string) (*LocalKMConfig, error) {
	loadDotenvIfPresent(envFile)

	var cfg LocalKMConfig
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode local-km config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotenvIfPresent(path string) {
	if path == "" {
		return
	}
	if _, err := os.Stat(path); err == nil {
		_ = godotenv.Load(path)
	}
}

// getIntEnv is a raw env lookup outside of the struct-tag decoding path:
// it returns defaultValue when key is unset or not an integer.
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetIntEnv exposes getIntEnv for callers outside this package.
func GetIntEnv(key string, defaultValue int) int { return getIntEnv(key, defaultValue) }
