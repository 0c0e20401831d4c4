// Copyright 2025 Certen Protocol
//
// Configuration for the block storage engine.
// Values come from environment variables (Load) with an optional YAML file
// overlay (LoadFile). The resulting Config is constructed once at startup
// and passed explicitly; there is no process-wide mutable state.

package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/certen/block-storage-engine/pkg/logging"
)

// Config holds all configuration for the block storage engine.
type Config struct {
	// Storage Configuration
	DataDir             string  `yaml:"data_dir"`
	DBBackend           string  `yaml:"db_backend"`             // cometbft-db backend name (goleveldb, memdb, ...)
	MinDiskSpacePercent float64 `yaml:"min_disk_space_percent"` // writes require at least this much free space
	VerifyChecksums     bool    `yaml:"verify_checksums"`
	MaxBlockSize        int     `yaml:"max_block_size"`      // serialized record bytes
	CompactionStrategy  string  `yaml:"compaction_strategy"` // backend hint; loaded but not forwarded to the backend or interpreted

	// Assembler Configuration
	AssemblyTimeout      time.Duration `yaml:"assembly_timeout"`
	MaxPendingAssemblies int           `yaml:"max_pending_assemblies"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`

	// Messaging Configuration
	Identity       string        `yaml:"identity"`  // this subsystem's bus identity
	AuthKeyHex     string        `yaml:"auth_key"`  // shared HMAC key, hex encoded
	AuthSkew       time.Duration `yaml:"auth_skew"` // accepted envelope timestamp skew
	NonceCacheSize int           `yaml:"nonce_cache_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"` // request/response deadline

	// Server Configuration
	MetricsAddr string `yaml:"metrics_addr"`

	// Logging
	Logging *logging.Config `yaml:"logging"`
}

// Load reads configuration from environment variables.
//
// SECURITY: BSE_AUTH_KEY has no default and must be explicitly set; the
// engine refuses unauthenticated bus traffic. Call Validate() after Load().
func Load() (*Config, error) {
	cfg := &Config{
		// Storage Configuration - safe defaults
		DataDir:             getEnv("BSE_DATA_DIR", "./data"),
		DBBackend:           getEnv("BSE_DB_BACKEND", "goleveldb"),
		MinDiskSpacePercent: getEnvFloat("BSE_MIN_DISK_SPACE_PERCENT", 5.0),
		VerifyChecksums:     getEnvBool("BSE_VERIFY_CHECKSUMS", true),
		MaxBlockSize:        getEnvInt("BSE_MAX_BLOCK_SIZE", 10*1024*1024),
		CompactionStrategy:  getEnv("BSE_COMPACTION_STRATEGY", ""),

		// Assembler Configuration
		AssemblyTimeout:      getEnvDuration("BSE_ASSEMBLY_TIMEOUT", 30*time.Second),
		MaxPendingAssemblies: getEnvInt("BSE_MAX_PENDING_ASSEMBLIES", 1000),
		SweepInterval:        getEnvDuration("BSE_SWEEP_INTERVAL", 10*time.Second),

		// Messaging Configuration - key REQUIRED, no default
		Identity:       getEnv("BSE_IDENTITY", "block-storage"),
		AuthKeyHex:     getEnv("BSE_AUTH_KEY", ""),
		AuthSkew:       getEnvDuration("BSE_AUTH_SKEW", 60*time.Second),
		NonceCacheSize: getEnvInt("BSE_NONCE_CACHE_SIZE", 65536),
		RequestTimeout: getEnvDuration("BSE_REQUEST_TIMEOUT", 30*time.Second),

		// Server Configuration
		MetricsAddr: getEnv("BSE_METRICS_ADDR", "0.0.0.0:9090"),

		Logging: &logging.Config{
			Level:  getEnv("BSE_LOG_LEVEL", "info"),
			Format: getEnv("BSE_LOG_FORMAT", "json"),
			Output: getEnv("BSE_LOG_OUTPUT", "stdout"),
		},
	}

	return cfg, nil
}

// fileOverlay mirrors Config for YAML files. Fields are pointers so only
// values the file actually sets override the environment; durations are
// strings in time.ParseDuration syntax.
type fileOverlay struct {
	DataDir             *string  `yaml:"data_dir"`
	DBBackend           *string  `yaml:"db_backend"`
	MinDiskSpacePercent *float64 `yaml:"min_disk_space_percent"`
	VerifyChecksums     *bool    `yaml:"verify_checksums"`
	MaxBlockSize        *int     `yaml:"max_block_size"`
	CompactionStrategy  *string  `yaml:"compaction_strategy"`

	AssemblyTimeout      *string `yaml:"assembly_timeout"`
	MaxPendingAssemblies *int    `yaml:"max_pending_assemblies"`
	SweepInterval        *string `yaml:"sweep_interval"`

	Identity       *string `yaml:"identity"`
	AuthKeyHex     *string `yaml:"auth_key"`
	AuthSkew       *string `yaml:"auth_skew"`
	NonceCacheSize *int    `yaml:"nonce_cache_size"`
	RequestTimeout *string `yaml:"request_timeout"`

	MetricsAddr *string `yaml:"metrics_addr"`

	Logging *logging.Config `yaml:"logging"`
}

// LoadFile reads configuration from env vars, then overlays values from a
// YAML file. File values win over env values for fields the file sets.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&cfg.DataDir, overlay.DataDir)
	setString(&cfg.DBBackend, overlay.DBBackend)
	setString(&cfg.CompactionStrategy, overlay.CompactionStrategy)
	setString(&cfg.Identity, overlay.Identity)
	setString(&cfg.AuthKeyHex, overlay.AuthKeyHex)
	setString(&cfg.MetricsAddr, overlay.MetricsAddr)
	if overlay.MinDiskSpacePercent != nil {
		cfg.MinDiskSpacePercent = *overlay.MinDiskSpacePercent
	}
	if overlay.VerifyChecksums != nil {
		cfg.VerifyChecksums = *overlay.VerifyChecksums
	}
	if overlay.MaxBlockSize != nil {
		cfg.MaxBlockSize = *overlay.MaxBlockSize
	}
	if overlay.MaxPendingAssemblies != nil {
		cfg.MaxPendingAssemblies = *overlay.MaxPendingAssemblies
	}
	if overlay.NonceCacheSize != nil {
		cfg.NonceCacheSize = *overlay.NonceCacheSize
	}
	if overlay.Logging != nil {
		cfg.Logging = overlay.Logging
	}

	setDuration := func(dst *time.Duration, src *string, name string) error {
		if src == nil {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return fmt.Errorf("invalid %s in config file: %w", name, err)
		}
		*dst = d
		return nil
	}
	if err := setDuration(&cfg.AssemblyTimeout, overlay.AssemblyTimeout, "assembly_timeout"); err != nil {
		return nil, err
	}
	if err := setDuration(&cfg.SweepInterval, overlay.SweepInterval, "sweep_interval"); err != nil {
		return nil, err
	}
	if err := setDuration(&cfg.AuthSkew, overlay.AuthSkew, "auth_skew"); err != nil {
		return nil, err
	}
	if err := setDuration(&cfg.RequestTimeout, overlay.RequestTimeout, "request_timeout"); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane.
// This must be called after Load() before starting the engine.
func (c *Config) Validate() error {
	var errs []string

	if c.DataDir == "" {
		errs = append(errs, "BSE_DATA_DIR is required but not set")
	}
	if c.MinDiskSpacePercent < 0 || c.MinDiskSpacePercent > 100 {
		errs = append(errs, "BSE_MIN_DISK_SPACE_PERCENT must be between 0 and 100")
	}
	if c.MaxBlockSize <= 0 {
		errs = append(errs, "BSE_MAX_BLOCK_SIZE must be positive")
	}
	if c.AssemblyTimeout <= 0 {
		errs = append(errs, "BSE_ASSEMBLY_TIMEOUT must be positive")
	}
	if c.MaxPendingAssemblies <= 0 {
		errs = append(errs, "BSE_MAX_PENDING_ASSEMBLIES must be positive")
	}
	if c.SweepInterval <= 0 || c.SweepInterval > c.AssemblyTimeout {
		errs = append(errs, "BSE_SWEEP_INTERVAL must be positive and no larger than the assembly timeout")
	}
	if c.Identity == "" {
		errs = append(errs, "BSE_IDENTITY is required but not set")
	}

	if c.AuthKeyHex == "" {
		errs = append(errs, "BSE_AUTH_KEY is required but not set")
	} else if key, err := hex.DecodeString(c.AuthKeyHex); err != nil {
		errs = append(errs, "BSE_AUTH_KEY must be hex encoded")
	} else if len(key) < 32 {
		errs = append(errs, "BSE_AUTH_KEY must be at least 32 bytes for security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// AuthKey decodes the shared HMAC key. Validate must have passed.
func (c *Config) AuthKey() []byte {
	key, _ := hex.DecodeString(c.AuthKeyHex)
	return key
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
