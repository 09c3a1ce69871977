// Package config loads ZDNS's environment-variable driven configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is an immutable snapshot of process configuration, assembled from
// defaults and environment variable overrides.
type Config struct {
	DNS       DNSConfig
	HTTP      HTTPConfig
	Store     StoreConfig
	Logging   LoggingConfig
	Classifier ClassifierConfig
	TAXII     TAXIIConfig
	Feeds     FeedsConfig
	Sync      SyncConfig
	RPZ       RPZConfig
	Device    DeviceConfig
}

// DNSConfig configures the UDP/TCP data plane (C8).
type DNSConfig struct {
	ListenHost     string
	ListenPort     int
	Upstream       string
	UpstreamTimeout time.Duration
	ThreatAPI      string
	ThreatTimeout  time.Duration
	BlockMode      string // SINKHOLE | NXDOMAIN
	WarnMode       string // ALLOW | SINKHOLE | NXDOMAIN
	FailOpen       bool
	SinkholeIPv4   string
	SinkholeIPv6   string
}

// HTTPConfig configures the control-plane HTTP server (C7/C9/C10).
type HTTPConfig struct {
	Listen string
}

// StoreConfig configures the persistent store (C1).
type StoreConfig struct {
	Path           string
	RetentionDays  int
}

// LoggingConfig configures internal/logging.
type LoggingConfig struct {
	Level  string
	Syslog SyslogEnvConfig
}

// SyslogEnvConfig mirrors logging.SyslogConfig's fields as plain env-sourced
// values; internal/config has no dependency on internal/logging so it
// re-declares the shape rather than importing it.
type SyslogEnvConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string
}

// ClassifierConfig configures the domain classifier (C2).
type ClassifierConfig struct {
	ModelPath string
}

// TAXIIConfig configures the local TAXII 2.1 server (C4).
type TAXIIConfig struct {
	APIKey string
}

// FeedsConfig configures feed ingesters (C5).
type FeedsConfig struct {
	OTXAPIKey  string
	MISPURL    string
	MISPAPIKey string
}

// SyncConfig configures the rule synchronizer (C6).
type SyncConfig struct {
	IntervalMinutes int
}

// RPZConfig configures the RPZ exporter (C9).
type RPZConfig struct {
	Sinkhole string
}

// DeviceConfig configures device-activity bookkeeping (§3).
type DeviceConfig struct {
	ActiveWindowMinutes int
}

// Load reads a .env file if present (missing file is not an error), then
// builds a Config from defaults overridden by environment variables, and
// validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: loading .env: %w", err)
	}

	cfg := defaults()
	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		DNS: DNSConfig{
			ListenHost:      "0.0.0.0",
			ListenPort:      53,
			Upstream:        "1.1.1.1:53",
			UpstreamTimeout: 2 * time.Second,
			ThreatAPI:       "http://127.0.0.1:8000/dns/query",
			ThreatTimeout:   1500 * time.Millisecond,
			BlockMode:       "SINKHOLE",
			WarnMode:        "ALLOW",
			FailOpen:        true,
			SinkholeIPv4:    "0.0.0.0",
			SinkholeIPv6:    "::",
		},
		HTTP: HTTPConfig{
			Listen: ":8000",
		},
		Store: StoreConfig{
			Path:          "events.db",
			RetentionDays: 0,
		},
		Logging: LoggingConfig{
			Level: "info",
			Syslog: SyslogEnvConfig{
				Enabled:  false,
				Port:     514,
				Protocol: "udp",
			},
		},
		Classifier: ClassifierConfig{
			ModelPath: "",
		},
		TAXII: TAXIIConfig{
			APIKey: "zdns-dev-key",
		},
		Feeds: FeedsConfig{},
		Sync: SyncConfig{
			IntervalMinutes: 0,
		},
		RPZ: RPZConfig{
			Sinkhole: "",
		},
		Device: DeviceConfig{
			ActiveWindowMinutes: 60,
		},
	}
}

func (c *Config) applyEnvOverrides() {
	strVar(&c.DNS.ListenHost, "DNS_LISTEN_HOST")
	intVar(&c.DNS.ListenPort, "DNS_LISTEN_PORT")
	strVar(&c.DNS.Upstream, "DNS_UPSTREAM")
	durSecVar(&c.DNS.UpstreamTimeout, "DNS_UPSTREAM_TIMEOUT")
	strVar(&c.DNS.ThreatAPI, "DNS_THREAT_API")
	durSecVar(&c.DNS.ThreatTimeout, "DNS_THREAT_TIMEOUT")
	strVar(&c.DNS.BlockMode, "DNS_BLOCK_MODE")
	strVar(&c.DNS.WarnMode, "DNS_WARN_MODE")
	boolVar(&c.DNS.FailOpen, "DNS_FAIL_OPEN")
	strVar(&c.DNS.SinkholeIPv4, "DNS_SINKHOLE_IPV4")
	strVar(&c.DNS.SinkholeIPv6, "DNS_SINKHOLE_IPV6")

	if host, port, ok := splitHostPort(os.Getenv("ZDNS_DNS_LISTEN")); ok {
		if os.Getenv("DNS_LISTEN_HOST") == "" {
			c.DNS.ListenHost = host
		}
		if os.Getenv("DNS_LISTEN_PORT") == "" {
			c.DNS.ListenPort = port
		}
	}

	strVar(&c.HTTP.Listen, "ZDNS_HTTP_LISTEN")

	strVar(&c.Store.Path, "ZDNS_DB_PATH")
	intVar(&c.Store.RetentionDays, "ZDNS_EVENT_RETENTION_DAYS")

	strVar(&c.Logging.Level, "ZDNS_LOG_LEVEL")
	boolVar(&c.Logging.Syslog.Enabled, "ZDNS_SYSLOG_ENABLED")
	strVar(&c.Logging.Syslog.Host, "ZDNS_SYSLOG_HOST")
	intVar(&c.Logging.Syslog.Port, "ZDNS_SYSLOG_PORT")
	strVar(&c.Logging.Syslog.Protocol, "ZDNS_SYSLOG_PROTOCOL")

	strVar(&c.Classifier.ModelPath, "ZDNS_MODEL_PATH")

	strVar(&c.TAXII.APIKey, "ZDNS_TAXII_API_KEY")

	strVar(&c.Feeds.OTXAPIKey, "ZDNS_OTX_API_KEY")
	strVar(&c.Feeds.MISPURL, "ZDNS_MISP_URL")
	strVar(&c.Feeds.MISPAPIKey, "ZDNS_MISP_API_KEY")

	intVar(&c.Sync.IntervalMinutes, "ZDNS_STIX_SYNC_INTERVAL_MIN")

	strVar(&c.RPZ.Sinkhole, "ZDNS_RPZ_SINKHOLE")

	intVar(&c.Device.ActiveWindowMinutes, "ZDNS_ACTIVE_DEVICE_WINDOW_MIN")
}

func (c *Config) validate() error {
	mode := strings.ToUpper(c.DNS.BlockMode)
	if mode != "SINKHOLE" && mode != "NXDOMAIN" {
		return fmt.Errorf("DNS_BLOCK_MODE must be SINKHOLE or NXDOMAIN, got %q", c.DNS.BlockMode)
	}
	c.DNS.BlockMode = mode

	warn := strings.ToUpper(c.DNS.WarnMode)
	if warn != "ALLOW" && warn != "SINKHOLE" && warn != "NXDOMAIN" {
		return fmt.Errorf("DNS_WARN_MODE must be ALLOW, SINKHOLE or NXDOMAIN, got %q", c.DNS.WarnMode)
	}
	c.DNS.WarnMode = warn

	if c.DNS.ListenPort <= 0 || c.DNS.ListenPort > 65535 {
		return fmt.Errorf("DNS_LISTEN_PORT out of range: %d", c.DNS.ListenPort)
	}

	return nil
}

func strVar(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func intVar(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

func boolVar(dst *bool, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return
	}
	*dst = b
}

func durSecVar(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return
	}
	*dst = time.Duration(secs * float64(time.Second))
}

func splitHostPort(v string) (host string, port int, ok bool) {
	if v == "" {
		return "", 0, false
	}
	idx := strings.LastIndex(v, ":")
	if idx < 0 {
		return "", 0, false
	}
	host = v[:idx]
	n, err := strconv.Atoi(v[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return host, n, true
}
