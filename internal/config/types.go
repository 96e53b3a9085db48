// Package config provides configuration loading for dnscore using Viper.
// Configuration is loaded from YAML files with automatic environment variable binding.
//
// Environment variables use the DNSCORE_ prefix and underscore-separated keys:
//   - DNSCORE_SERVER_HOST -> server.host
//   - DNSCORE_SERVER_PORT -> server.port
//   - DNSCORE_QUERY_SERVERS -> query.servers (comma-separated)
//   - DNSCORE_QUERY_REUSE_TCP -> query.reuse_tcp
package config

import (
	"os"
	"strconv"
	"strings"
)

// WorkersMode specifies how worker count is determined.
type WorkersMode int

const (
	// WorkersAuto automatically determines worker count based on available CPUs.
	WorkersAuto WorkersMode = iota
	// WorkersFixed uses a specific worker count.
	WorkersFixed
)

// WorkerSetting represents the workers configuration.
type WorkerSetting struct {
	Mode  WorkersMode
	Value int
}

// String returns the string representation of the worker setting.
func (w WorkerSetting) String() string {
	if w.Mode == WorkersAuto {
		return "auto"
	}
	return strconv.Itoa(w.Value)
}

// TLSListenerConfig configures the optional DNS-over-TLS server transport.
type TLSListenerConfig struct {
	Enabled  bool   `yaml:"enabled"   mapstructure:"enabled"`
	Port     int    `yaml:"port"      mapstructure:"port"`
	CertFile string `yaml:"cert_file" mapstructure:"cert_file"`
	KeyFile  string `yaml:"key_file"  mapstructure:"key_file"`
}

// ServerConfig contains server-related settings.
type ServerConfig struct {
	Host           string            `yaml:"host"            mapstructure:"host"`
	Port           int               `yaml:"port"            mapstructure:"port"`
	Workers        WorkerSetting     `yaml:"-"               mapstructure:"-"`
	WorkersRaw     string            `yaml:"workers"         mapstructure:"workers"`
	MaxConcurrency int               `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	EnableTCP      bool              `yaml:"enable_tcp"      mapstructure:"enable_tcp"`
	TimeoutMS      int               `yaml:"timeout_ms"      mapstructure:"timeout_ms"`
	KeepaliveMS    int               `yaml:"keepalive_ms"    mapstructure:"keepalive_ms"`
	TLS            TLSListenerConfig `yaml:"tls"             mapstructure:"tls"`
}

// PinConfig is one pinned public-key hash for DNS-over-TLS upstream
// authentication. Hash is the base64 form as it appears in config files.
type PinConfig struct {
	Digest string `yaml:"digest" mapstructure:"digest" json:"digest"`
	Hash   string `yaml:"hash"   mapstructure:"hash"   json:"hash"`
}

// QueryTLSConfig configures DNS-over-TLS for upstream queries.
type QueryTLSConfig struct {
	AuthName string      `yaml:"auth_name" mapstructure:"auth_name"`
	Pinsets  []PinConfig `yaml:"pinsets"   mapstructure:"pinsets"`
	// MinVersion is the minimum TLS protocol version, e.g. "1.2" or "1.3".
	MinVersion string `yaml:"min_version" mapstructure:"min_version"`
}

// QueryConfig contains client query engine settings.
type QueryConfig struct {
	Servers               []string       `yaml:"servers"                 mapstructure:"servers"                 json:"servers"`
	TimeoutMS             int            `yaml:"timeout_ms"              mapstructure:"timeout_ms"              json:"timeout_ms"`
	ResponseValidation    bool           `yaml:"response_validation"     mapstructure:"response_validation"     json:"response_validation"`
	CaseRandomization0x20 bool           `yaml:"case_randomization_0x20" mapstructure:"case_randomization_0x20" json:"case_randomization_0x20"`
	ReuseTCP              bool           `yaml:"reuse_tcp"               mapstructure:"reuse_tcp"               json:"reuse_tcp"`
	IdleTimeoutMS         int            `yaml:"idle_timeout_ms"         mapstructure:"idle_timeout_ms"         json:"idle_timeout_ms"`
	TLS                   QueryTLSConfig `yaml:"tls"                     mapstructure:"tls"                     json:"tls"`
}

// TSIGKeyConfig is one shared TSIG secret. Secret is base64-encoded.
type TSIGKeyConfig struct {
	Name      string `yaml:"name"      mapstructure:"name"`
	Algorithm string `yaml:"algorithm" mapstructure:"algorithm"`
	Secret    string `yaml:"secret"    mapstructure:"secret"`
}

// SPFConfig contains SPF evaluator settings.
type SPFConfig struct {
	// MaxLookups bounds the number of DNS queries one evaluation may
	// trigger before returning PermError (default 20 per RFC 7208).
	MaxLookups int `yaml:"max_lookups" mapstructure:"max_lookups"`
}

// AuditConfig controls the embedded SQLite audit store.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path"    mapstructure:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level            string            `yaml:"level"             mapstructure:"level"             json:"level"`
	Structured       bool              `yaml:"structured"        mapstructure:"structured"        json:"structured"`
	StructuredFormat string            `yaml:"structured_format" mapstructure:"structured_format" json:"structured_format"`
	IncludePID       bool              `yaml:"include_pid"       mapstructure:"include_pid"       json:"include_pid"`
	ExtraFields      map[string]string `yaml:"extra_fields"      mapstructure:"extra_fields"      json:"extra_fields,omitempty"`
}

// RateLimitConfig controls rate limiting settings.
type RateLimitConfig struct {
	// CleanupSeconds is how often stale entries are cleaned up (default: 60)
	CleanupSeconds float64 `yaml:"cleanup_seconds"    mapstructure:"cleanup_seconds"    json:"cleanup_seconds"`
	// MaxIPEntries is the maximum number of tracked IPs (default: 65536)
	MaxIPEntries int `yaml:"max_ip_entries"     mapstructure:"max_ip_entries"     json:"max_ip_entries"`
	// MaxPrefixEntries is the maximum number of tracked prefixes (default: 16384)
	MaxPrefixEntries int `yaml:"max_prefix_entries" mapstructure:"max_prefix_entries" json:"max_prefix_entries"`
	// GlobalQPS is the server-wide queries per second limit (default: 100000, 0 = disabled)
	GlobalQPS float64 `yaml:"global_qps"         mapstructure:"global_qps"         json:"global_qps"`
	// GlobalBurst is the global burst size (default: 100000)
	GlobalBurst int `yaml:"global_burst"       mapstructure:"global_burst"       json:"global_burst"`
	// PrefixQPS is the per-prefix QPS limit (default: 10000, 0 = disabled)
	PrefixQPS float64 `yaml:"prefix_qps"         mapstructure:"prefix_qps"         json:"prefix_qps"`
	// PrefixBurst is the per-prefix burst size (default: 20000)
	PrefixBurst int `yaml:"prefix_burst"       mapstructure:"prefix_burst"       json:"prefix_burst"`
	// IPQPS is the per-IP QPS limit (default: 5000, 0 = disabled)
	IPQPS float64 `yaml:"ip_qps"             mapstructure:"ip_qps"             json:"ip_qps"`
	// IPBurst is the per-IP burst size (default: 10000)
	IPBurst int `yaml:"ip_burst"           mapstructure:"ip_burst"           json:"ip_burst"`
}

// APIConfig contains management API settings.
//
// Note: APIKey is intentionally treated as a secret and should not be returned by API endpoints.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Host    string `yaml:"host"    mapstructure:"host"`
	Port    int    `yaml:"port"    mapstructure:"port"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
}

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"     mapstructure:"server"`
	Query     QueryConfig     `yaml:"query"      mapstructure:"query"`
	TSIGKeys  []TSIGKeyConfig `yaml:"tsig_keys"  mapstructure:"tsig_keys"`
	SPF       SPFConfig       `yaml:"spf"        mapstructure:"spf"`
	Audit     AuditConfig     `yaml:"audit"      mapstructure:"audit"`
	Logging   LoggingConfig   `yaml:"logging"    mapstructure:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	API       APIConfig       `yaml:"api"        mapstructure:"api"`
}

// ResolveConfigPath determines the config file path from flag or environment.
func ResolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv("DNSCORE_CONFIG")); v != "" {
		return v
	}
	return ""
}

// Load loads configuration from a YAML file with environment variable overrides.
// This is the main entry point for loading configuration.
//
// Configuration priority (highest to lowest):
//  1. Environment variables (DNSCORE_*)
//  2. Config file values
//  3. Default values
func Load(path string) (*Config, error) {
	return loadFromSource(path)
}
