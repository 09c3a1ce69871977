package logging

import (
	"fmt"
	"net"
)

// SyslogConfig configures optional forwarding of log lines to a remote
// syslog collector.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string // "udp" or "tcp"
	Tag      string
	Facility int
}

// DefaultSyslogConfig returns syslog forwarding disabled, with the defaults
// it would use if enabled: port 514, udp, tag "zdns", facility 1 (user-level).
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "zdns",
		Facility: 1,
	}
}

// NewSyslogWriter dials a remote syslog collector and returns an io.Writer
// that forwards each Write as one datagram/line. A missing Port, Protocol or
// Tag is defaulted the same way DefaultSyslogConfig sets it; Facility is not
// defaulted.
func NewSyslogWriter(cfg SyslogConfig) (net.Conn, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("logging: syslog host is required when enabled")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "zdns"
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := net.Dial(cfg.Protocol, addr)
	if err != nil {
		return nil, fmt.Errorf("logging: dial syslog %s://%s: %w", cfg.Protocol, addr, err)
	}
	return conn, nil
}
