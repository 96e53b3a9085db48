// Package config provides configuration loading and validation for dnscore.
//
// Configuration is loaded with the following priority (highest to lowest):
//  1. Command-line flags (not handled here, see cmd/dnscored/main.go)
//  2. Environment variables (DNSCORE_* prefix)
//  3. YAML config file (if specified with --config)
//  4. Hardcoded defaults
//
// Environment variables are mapped from DNSCORE_CATEGORY_SETTING format,
// e.g., DNSCORE_SERVER_HOST maps to server.host in YAML.
//
// All configuration is validated during Load() to ensure correctness early.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// initConfig sets up the config loader with defaults, env binding, and config file.
func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Environment variable binding
	// Uses DNSCORE_ prefix: DNSCORE_SERVER_HOST -> server.host
	v.SetEnvPrefix("DNSCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

// setDefaults configures all default values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 1053)
	v.SetDefault("server.workers", "auto")
	v.SetDefault("server.max_concurrency", 0)
	v.SetDefault("server.enable_tcp", true)
	v.SetDefault("server.timeout_ms", 10000)
	v.SetDefault("server.keepalive_ms", 30000)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.port", 853)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")

	// Query engine defaults
	v.SetDefault("query.servers", []string{"8.8.8.8"})
	v.SetDefault("query.timeout_ms", 10000)
	v.SetDefault("query.response_validation", true)
	v.SetDefault("query.case_randomization_0x20", false)
	v.SetDefault("query.reuse_tcp", false)
	v.SetDefault("query.idle_timeout_ms", 5000)
	v.SetDefault("query.tls.auth_name", "")
	v.SetDefault("query.tls.min_version", "1.2")

	// TSIG defaults: no keys configured.
	v.SetDefault("tsig_keys", []TSIGKeyConfig{})

	// SPF defaults
	v.SetDefault("spf.max_lookups", 20)

	// Audit store defaults
	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.path", "dnscore-audit.db")

	// Logging defaults
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.structured", false)
	v.SetDefault("logging.structured_format", "json")
	v.SetDefault("logging.include_pid", false)
	v.SetDefault("logging.extra_fields", map[string]string{})

	// Rate limiting defaults
	v.SetDefault("rate_limit.cleanup_seconds", 60.0)
	v.SetDefault("rate_limit.max_ip_entries", 65536)
	v.SetDefault("rate_limit.max_prefix_entries", 16384)
	v.SetDefault("rate_limit.global_qps", 100000.0)
	v.SetDefault("rate_limit.global_burst", 100000)
	v.SetDefault("rate_limit.prefix_qps", 10000.0)
	v.SetDefault("rate_limit.prefix_burst", 20000)
	v.SetDefault("rate_limit.ip_qps", 5000.0)
	v.SetDefault("rate_limit.ip_burst", 10000)

	// Management API defaults
	// Default to disabled and bound to localhost for safety.
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.api_key", "")
}

// loadFromSource loads configuration from file and environment.
func loadFromSource(configPath string) (*Config, error) {
	v, err := initConfig(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	loadServerConfig(v, cfg)
	loadQueryConfig(v, cfg)
	loadTSIGKeys(v, cfg)
	loadSPFConfig(v, cfg)
	loadAuditConfig(v, cfg)
	loadLoggingConfig(v, cfg)
	loadAPIConfig(v, cfg)
	loadRateLimitConfig(v, cfg)

	// Normalize and validate
	if err := normalizeConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadServerConfig(v *viper.Viper, cfg *Config) {
	cfg.Server.Host = v.GetString("server.host")
	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.MaxConcurrency = v.GetInt("server.max_concurrency")
	cfg.Server.EnableTCP = v.GetBool("server.enable_tcp")
	cfg.Server.TimeoutMS = v.GetInt("server.timeout_ms")
	cfg.Server.KeepaliveMS = v.GetInt("server.keepalive_ms")
	cfg.Server.WorkersRaw = v.GetString("server.workers")
	cfg.Server.Workers = parseWorkers(cfg.Server.WorkersRaw)
	cfg.Server.TLS.Enabled = v.GetBool("server.tls.enabled")
	cfg.Server.TLS.Port = v.GetInt("server.tls.port")
	cfg.Server.TLS.CertFile = v.GetString("server.tls.cert_file")
	cfg.Server.TLS.KeyFile = v.GetString("server.tls.key_file")
}

func loadQueryConfig(v *viper.Viper, cfg *Config) {
	cfg.Query.Servers = parseServerList(v.GetStringSlice("query.servers"))
	if len(cfg.Query.Servers) == 0 {
		// Handle comma-separated string from env
		if s := v.GetString("query.servers"); s != "" {
			cfg.Query.Servers = parseServerList(strings.Split(s, ","))
		}
	}
	cfg.Query.TimeoutMS = v.GetInt("query.timeout_ms")
	cfg.Query.ResponseValidation = v.GetBool("query.response_validation")
	cfg.Query.CaseRandomization0x20 = v.GetBool("query.case_randomization_0x20")
	cfg.Query.ReuseTCP = v.GetBool("query.reuse_tcp")
	cfg.Query.IdleTimeoutMS = v.GetInt("query.idle_timeout_ms")
	cfg.Query.TLS.AuthName = v.GetString("query.tls.auth_name")
	cfg.Query.TLS.MinVersion = v.GetString("query.tls.min_version")
	if err := v.UnmarshalKey("query.tls.pinsets", &cfg.Query.TLS.Pinsets); err != nil {
		cfg.Query.TLS.Pinsets = nil
	}
}

func loadTSIGKeys(v *viper.Viper, cfg *Config) {
	if err := v.UnmarshalKey("tsig_keys", &cfg.TSIGKeys); err != nil {
		cfg.TSIGKeys = nil
	}
}

func loadSPFConfig(v *viper.Viper, cfg *Config) {
	cfg.SPF.MaxLookups = v.GetInt("spf.max_lookups")
}

func loadAuditConfig(v *viper.Viper, cfg *Config) {
	cfg.Audit.Enabled = v.GetBool("audit.enabled")
	cfg.Audit.Path = v.GetString("audit.path")
}

func loadLoggingConfig(v *viper.Viper, cfg *Config) {
	cfg.Logging.Level = strings.ToUpper(v.GetString("logging.level"))
	cfg.Logging.Structured = v.GetBool("logging.structured")
	cfg.Logging.StructuredFormat = v.GetString("logging.structured_format")
	cfg.Logging.IncludePID = v.GetBool("logging.include_pid")
	cfg.Logging.ExtraFields = v.GetStringMapString("logging.extra_fields")
}

func loadAPIConfig(v *viper.Viper, cfg *Config) {
	cfg.API.Enabled = v.GetBool("api.enabled")
	cfg.API.Host = v.GetString("api.host")
	cfg.API.Port = v.GetInt("api.port")
	cfg.API.APIKey = v.GetString("api.api_key")
}

func loadRateLimitConfig(v *viper.Viper, cfg *Config) {
	cfg.RateLimit.CleanupSeconds = v.GetFloat64("rate_limit.cleanup_seconds")
	cfg.RateLimit.MaxIPEntries = v.GetInt("rate_limit.max_ip_entries")
	cfg.RateLimit.MaxPrefixEntries = v.GetInt("rate_limit.max_prefix_entries")
	cfg.RateLimit.GlobalQPS = v.GetFloat64("rate_limit.global_qps")
	cfg.RateLimit.GlobalBurst = v.GetInt("rate_limit.global_burst")
	cfg.RateLimit.PrefixQPS = v.GetFloat64("rate_limit.prefix_qps")
	cfg.RateLimit.PrefixBurst = v.GetInt("rate_limit.prefix_burst")
	cfg.RateLimit.IPQPS = v.GetFloat64("rate_limit.ip_qps")
	cfg.RateLimit.IPBurst = v.GetInt("rate_limit.ip_burst")
}

// parseWorkers converts the workers string to WorkerSetting.
func parseWorkers(raw string) WorkerSetting {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" || raw == "auto" {
		return WorkerSetting{Mode: WorkersAuto}
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return WorkerSetting{Mode: WorkersFixed, Value: n}
	}
	return WorkerSetting{Mode: WorkersAuto}
}

// parseServerList cleans up a list of server addresses.
func parseServerList(servers []string) []string {
	result := make([]string, 0, len(servers))
	for _, s := range servers {
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), ","))
		if s == "" {
			continue
		}
		result = append(result, s)
	}
	return result
}

// normalizeConfig validates and normalizes the configuration.
func normalizeConfig(cfg *Config) error {
	// Validate port
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be 1..65535")
	}
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.Port <= 0 || cfg.Server.TLS.Port > 65535 {
			return errors.New("server.tls.port must be 1..65535")
		}
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return errors.New("server.tls requires cert_file and key_file")
		}
	}

	// Default query servers
	if len(cfg.Query.Servers) == 0 {
		cfg.Query.Servers = []string{"8.8.8.8"}
	}
	if cfg.Query.TimeoutMS <= 0 {
		cfg.Query.TimeoutMS = 10000
	}
	if cfg.Query.IdleTimeoutMS <= 0 {
		cfg.Query.IdleTimeoutMS = 5000
	}

	// Validate TSIG keys early: a misconfigured key should fail startup,
	// not the first signed query.
	seen := map[string]struct{}{}
	for i, k := range cfg.TSIGKeys {
		if k.Name == "" {
			return fmt.Errorf("tsig_keys[%d]: name must be non-empty", i)
		}
		if k.Algorithm == "" {
			return fmt.Errorf("tsig_keys[%d]: algorithm must be non-empty", i)
		}
		if _, err := base64.StdEncoding.DecodeString(k.Secret); err != nil {
			return fmt.Errorf("tsig_keys[%d]: secret is not valid base64: %w", i, err)
		}
		lower := strings.ToLower(k.Name)
		if _, dup := seen[lower]; dup {
			return fmt.Errorf("tsig_keys[%d]: duplicate key name %q", i, k.Name)
		}
		seen[lower] = struct{}{}
	}

	if cfg.SPF.MaxLookups <= 0 {
		cfg.SPF.MaxLookups = 20
	}

	// Normalize logging
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.StructuredFormat == "" {
		cfg.Logging.StructuredFormat = "json"
	}
	if cfg.Logging.ExtraFields == nil {
		cfg.Logging.ExtraFields = map[string]string{}
	}

	// Normalize management API
	if cfg.API.Host == "" {
		cfg.API.Host = "127.0.0.1"
	}
	if cfg.API.Enabled {
		if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
			return errors.New("api.port must be 1..65535")
		}
	}

	return nil
}
