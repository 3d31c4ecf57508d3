// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables,
// with CLI flag overrides.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies defaults,
// and allows overrides from environment variables prefixed with CODEXLANE_.
//
// Configuration priority: CLI flags > Environment variables > Config file > Defaults
//
// Required environment variables:
//   - MYSQL_DSN or CODEXLANE_DATA_DATABASE_SOURCE: MySQL connection string
//   - ENCRYPTION_KEY_FILE or CODEXLANE_AUTH_ENCRYPTION_KEY_FILE: token key file path
//
// Parameters:
//   - configPath: Path to the configuration file or directory
//
// Returns:
//   - *Bootstrap: Loaded configuration
//   - error: Configuration loading or validation error
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Enable environment variable support with CODEXLANE_ prefix
	v.SetEnvPrefix("CODEXLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow direct environment variable names (without CODEXLANE_ prefix) for compatibility
	// Bind specific environment variables for required fields
	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "CODEXLANE_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "CODEXLANE_DATA_REDIS_ADDR")
	_ = v.BindEnv("auth.encryption_key_file", "ENCRYPTION_KEY_FILE", "CODEXLANE_AUTH_ENCRYPTION_KEY_FILE")
	_ = v.BindEnv("auth.admin_api_key", "ADMIN_API_KEY", "CODEXLANE_AUTH_ADMIN_API_KEY")

	// Load configuration file
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// If config file is specified but not found, return error
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	// Parse configuration into Bootstrap structure
	bc := &Bootstrap{
		Server: &Server{
			HTTP: &ServerHTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: v.GetDuration("server.http.timeout"),
			},
		},
		Data: &Data{
			Database: &Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				ReadTimeout:  v.GetDuration("data.redis.read_timeout"),
				WriteTimeout: v.GetDuration("data.redis.write_timeout"),
			},
		},
		Auth: &Auth{
			AdminAPIKey:       v.GetString("auth.admin_api_key"),
			APIKeys:           v.GetStringSlice("auth.api_keys"),
			EncryptionKeyFile: v.GetString("auth.encryption_key_file"),
		},
		Balancer: &Balancer{
			UpstreamBaseURL:      v.GetString("balancer.upstream_base_url"),
			ProxyURL:             v.GetString("balancer.proxy_url"),
			UsageRefreshEnabled:  v.GetBool("balancer.usage_refresh_enabled"),
			UsageRefreshInterval: v.GetDuration("balancer.usage_refresh_interval"),
			SnapshotTTL:          v.GetDuration("balancer.snapshot_ttl"),
			TierWeights:          tierFloatMap(v, "balancer.tier_weights"),
			TierCapacityCredits:  tierFloatMap(v, "balancer.tier_capacity_credits"),
			PreferEarlierReset:   v.GetBool("balancer.prefer_earlier_reset"),
			StickySessionLimit:   v.GetInt("balancer.sticky_session_limit"),
			EscalationThreshold:  v.GetDuration("balancer.escalation_threshold"),
			CooldownCap:          v.GetDuration("balancer.cooldown_cap"),
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
	}

	// Validate required fields
	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", 10*time.Minute)

	// Data defaults
	v.SetDefault("data.database.driver", "mysql")
	// Note: data.database.source (MYSQL_DSN) is required from environment

	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	// Auth defaults
	v.SetDefault("auth.encryption_key_file", "data/encryption.key")

	// Balancer defaults
	v.SetDefault("balancer.upstream_base_url", "https://chatgpt.com")
	v.SetDefault("balancer.usage_refresh_enabled", true)
	v.SetDefault("balancer.usage_refresh_interval", 60*time.Second)
	v.SetDefault("balancer.snapshot_ttl", 3*time.Second)
	v.SetDefault("balancer.tier_weights", map[string]float64{
		"pro":  1.00,
		"plus": 0.95,
		"free": 0.90,
	})
	v.SetDefault("balancer.tier_capacity_credits", map[string]float64{
		"pro":  1000,
		"plus": 400,
		"free": 40,
	})
	v.SetDefault("balancer.prefer_earlier_reset", false)
	v.SetDefault("balancer.sticky_session_limit", 10000)
	v.SetDefault("balancer.escalation_threshold", 5*time.Minute)
	v.SetDefault("balancer.cooldown_cap", 5*time.Minute)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// tierFloatMap reads a string->float64 map, falling back to an empty map.
func tierFloatMap(v *viper.Viper, key string) map[string]float64 {
	raw := v.GetStringMap(key)
	out := make(map[string]float64, len(raw))
	for tier := range raw {
		out[strings.ToLower(tier)] = v.GetFloat64(key + "." + tier)
	}
	return out
}

// Validate checks that all required configuration fields are present and valid.
// It returns an error listing all missing required fields.
func Validate(bc *Bootstrap) error {
	var missingFields []string

	// Check required database configuration
	if bc.Data == nil || bc.Data.Database == nil || bc.Data.Database.Source == "" {
		missingFields = append(missingFields, "data.database.source (MYSQL_DSN)")
	}

	// Check required auth configuration
	if bc.Auth == nil || bc.Auth.EncryptionKeyFile == "" {
		missingFields = append(missingFields, "auth.encryption_key_file (ENCRYPTION_KEY_FILE)")
	}

	if bc.Balancer == nil || bc.Balancer.UpstreamBaseURL == "" {
		missingFields = append(missingFields, "balancer.upstream_base_url")
	}

	if len(missingFields) > 0 {
		return fmt.Errorf("missing required configuration fields: %s", strings.Join(missingFields, ", "))
	}

	return nil
}
