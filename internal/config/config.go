// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads and validates the agent's HCL configuration
// and keeps it hot-reloadable: a Watcher re-reads the file on change
// or SIGHUP and publishes the new policy through an atomically
// swapped snapshot, so the pipeline never blocks on a config read.
package config

import (
	"net"
	"time"

	"grimm.is/rampart/internal/classify"
	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/logging"
)

// SecureString hides its value in JSON output. Used for the API token
// and channel credentials.
type SecureString string

func (s SecureString) String() string {
	if s == "" {
		return ""
	}
	return "(hidden)"
}

func (s SecureString) GoString() string { return "(hidden)" }

// MarshalJSON masks the value in API responses.
func (s SecureString) MarshalJSON() ([]byte, error) {
	if s == "" {
		return []byte(`""`), nil
	}
	return []byte(`"(hidden)"`), nil
}

// UnmarshalText enables HCL decoding for this type.
func (s *SecureString) UnmarshalText(text []byte) error {
	*s = SecureString(text)
	return nil
}

// Config is the root of the agent's configuration file.
type Config struct {
	Agent         *AgentConfig         `hcl:"agent,block" json:"agent,omitempty"`
	Policy        *PolicyConfig        `hcl:"policy,block" json:"policy,omitempty"`
	Scorer        *ScorerConfig        `hcl:"scorer,block" json:"scorer,omitempty"`
	API           *APIConfig           `hcl:"api,block" json:"api,omitempty"`
	Storage       *StorageConfig       `hcl:"storage,block" json:"storage,omitempty"`
	Logging       *LoggingConfig       `hcl:"logging,block" json:"logging,omitempty"`
	Notifications *NotificationsConfig `hcl:"notifications,block" json:"notifications,omitempty"`
}

// AgentConfig controls capture and enrichment.
type AgentConfig struct {
	Interface       string `hcl:"interface,optional" json:"interface,omitempty"`
	Promiscuous     bool   `hcl:"promiscuous,optional" json:"promiscuous,omitempty"`
	ChannelCapacity int    `hcl:"channel_capacity,optional" json:"channel_capacity,omitempty"`
	PIDFile         string `hcl:"pid_file,optional" json:"pid_file,omitempty"`

	// Best-effort event enrichment.
	ReverseDNS bool   `hcl:"reverse_dns,optional" json:"reverse_dns,omitempty"`
	GeoIPDB    string `hcl:"geoip_db,optional" json:"geoip_db,omitempty"`
}

// PolicyConfig is the operator-tunable detection and enforcement
// policy.
type PolicyConfig struct {
	WindowSeconds          int     `hcl:"window_seconds,optional" json:"window_seconds,omitempty"`
	Threshold              int     `hcl:"threshold,optional" json:"threshold,omitempty"`
	BanMinutes             int     `hcl:"ban_minutes,optional" json:"ban_minutes,omitempty"`
	UseFirewallEnforcement *bool   `hcl:"use_firewall_enforcement,optional" json:"use_firewall_enforcement,omitempty"`
	AutoBlockConfidence    float64 `hcl:"auto_block_confidence,optional" json:"auto_block_confidence,omitempty"`

	Thresholds *ThresholdsConfig `hcl:"thresholds,block" json:"thresholds,omitempty"`
}

// ThresholdsConfig overrides entries of the classifier policy table.
// Zero values fall through to the defaults.
type ThresholdsConfig struct {
	TCPInternalCritical  int `hcl:"tcp_internal_critical,optional" json:"tcp_internal_critical,omitempty"`
	TCPInternalMedium    int `hcl:"tcp_internal_medium,optional" json:"tcp_internal_medium,omitempty"`
	TCPExternalCritical  int `hcl:"tcp_external_critical,optional" json:"tcp_external_critical,omitempty"`
	TCPExternalMedium    int `hcl:"tcp_external_medium,optional" json:"tcp_external_medium,omitempty"`
	UDPInternalCritical  int `hcl:"udp_internal_critical,optional" json:"udp_internal_critical,omitempty"`
	UDPInternalMedium    int `hcl:"udp_internal_medium,optional" json:"udp_internal_medium,omitempty"`
	UDPExternalCritical  int `hcl:"udp_external_critical,optional" json:"udp_external_critical,omitempty"`
	UDPExternalMedium    int `hcl:"udp_external_medium,optional" json:"udp_external_medium,omitempty"`
	ICMPInternalCritical int `hcl:"icmp_internal_critical,optional" json:"icmp_internal_critical,omitempty"`
	ICMPInternalMedium   int `hcl:"icmp_internal_medium,optional" json:"icmp_internal_medium,omitempty"`
	ICMPExternalCritical int `hcl:"icmp_external_critical,optional" json:"icmp_external_critical,omitempty"`
	ICMPExternalMedium   int `hcl:"icmp_external_medium,optional" json:"icmp_external_medium,omitempty"`

	DoS              int `hcl:"dos,optional" json:"dos,omitempty"`
	DDoS             int `hcl:"ddos,optional" json:"ddos,omitempty"`
	PortScanMin      int `hcl:"port_scan_min,optional" json:"port_scan_min,omitempty"`
	PortScanMax      int `hcl:"port_scan_max,optional" json:"port_scan_max,omitempty"`
	SmallPacketBytes int `hcl:"small_packet_bytes,optional" json:"small_packet_bytes,omitempty"`
	TCPMidRate       int `hcl:"tcp_mid_rate,optional" json:"tcp_mid_rate,omitempty"`
	PingFlood        int `hcl:"ping_flood,optional" json:"ping_flood,omitempty"`
	PingSweep        int `hcl:"ping_sweep,optional" json:"ping_sweep,omitempty"`
}

// ScorerConfig points at the optional external classification service.
type ScorerConfig struct {
	URL             string  `hcl:"url,optional" json:"url,omitempty"`
	TimeoutMS       int     `hcl:"timeout_ms,optional" json:"timeout_ms,omitempty"`
	FailureLimit    int     `hcl:"failure_limit,optional" json:"failure_limit,omitempty"`
	CooldownSeconds int     `hcl:"cooldown_seconds,optional" json:"cooldown_seconds,omitempty"`
	ConfidenceFloor float64 `hcl:"confidence_floor,optional" json:"confidence_floor,omitempty"`
}

// Timeout returns the scorer call timeout as a duration.
func (s *ScorerConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// Cooldown returns the scorer breaker cooldown as a duration.
func (s *ScorerConfig) Cooldown() time.Duration {
	return time.Duration(s.CooldownSeconds) * time.Second
}

// APIConfig controls the admin HTTP server.
type APIConfig struct {
	Enabled   bool         `hcl:"enabled,optional" json:"enabled,omitempty"`
	Listen    string       `hcl:"listen,optional" json:"listen,omitempty"`
	AuthToken SecureString `hcl:"auth_token,optional" json:"auth_token,omitempty"`
}

// StorageConfig locates the on-disk state.
type StorageConfig struct {
	StateDir           string `hcl:"state_dir,optional" json:"state_dir,omitempty"`
	EventRetentionDays int    `hcl:"event_retention_days,optional" json:"event_retention_days,omitempty"`
}

// EventRetention returns how long detection events are kept.
func (s *StorageConfig) EventRetention() time.Duration {
	return time.Duration(s.EventRetentionDays) * 24 * time.Hour
}

// LoggingConfig maps onto logging.Config.
type LoggingConfig struct {
	Level  string                `hcl:"level,optional" json:"level,omitempty"`
	File   string                `hcl:"file,optional" json:"file,omitempty"`
	JSON   bool                  `hcl:"json,optional" json:"json,omitempty"`
	Syslog *logging.SyslogConfig `hcl:"syslog,block" json:"syslog,omitempty"`
}

// NotificationsConfig configures the operator dispatcher.
type NotificationsConfig struct {
	Enabled  bool                  `hcl:"enabled,optional" json:"enabled,omitempty"`
	Channels []NotificationChannel `hcl:"channel,block" json:"channel,omitempty"`
}

// NotificationChannel is one labeled channel block.
type NotificationChannel struct {
	Name     string `hcl:"name,label" json:"name"`
	Type     string `hcl:"type" json:"type"`
	Enabled  bool   `hcl:"enabled,optional" json:"enabled,omitempty"`
	MinLevel string `hcl:"min_level,optional" json:"min_level,omitempty"`

	WebhookURL string            `hcl:"webhook_url,optional" json:"webhook_url,omitempty"`
	Headers    map[string]string `hcl:"headers,optional" json:"headers,omitempty"`

	SMTPHost     string       `hcl:"smtp_host,optional" json:"smtp_host,omitempty"`
	SMTPPort     int          `hcl:"smtp_port,optional" json:"smtp_port,omitempty"`
	SMTPUser     string       `hcl:"smtp_user,optional" json:"smtp_user,omitempty"`
	SMTPPassword SecureString `hcl:"smtp_password,optional" json:"smtp_password,omitempty"`
	From         string       `hcl:"from,optional" json:"from,omitempty"`
	To           []string     `hcl:"to,optional" json:"to,omitempty"`
}

// Default returns the stock configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Agent == nil {
		c.Agent = &AgentConfig{}
	}
	if c.Agent.ChannelCapacity <= 0 {
		c.Agent.ChannelCapacity = 4096
	}
	if c.Agent.PIDFile == "" {
		c.Agent.PIDFile = "/run/rampart.pid"
	}

	if c.Policy == nil {
		c.Policy = &PolicyConfig{}
	}
	if c.Policy.WindowSeconds <= 0 {
		c.Policy.WindowSeconds = 60
	}
	if c.Policy.Threshold <= 0 {
		c.Policy.Threshold = 100
	}
	if c.Policy.BanMinutes <= 0 {
		c.Policy.BanMinutes = 30
	}
	if c.Policy.UseFirewallEnforcement == nil {
		t := true
		c.Policy.UseFirewallEnforcement = &t
	}
	if c.Policy.AutoBlockConfidence <= 0 {
		c.Policy.AutoBlockConfidence = 0.7
	}

	if c.Scorer == nil {
		c.Scorer = &ScorerConfig{}
	}
	if c.API == nil {
		c.API = &APIConfig{}
	}
	if c.API.Listen == "" {
		c.API.Listen = "127.0.0.1:8787"
	}

	if c.Storage == nil {
		c.Storage = &StorageConfig{}
	}
	if c.Storage.StateDir == "" {
		c.Storage.StateDir = "/var/lib/rampart"
	}
	if c.Storage.EventRetentionDays <= 0 {
		c.Storage.EventRetentionDays = 7
	}

	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Notifications == nil {
		c.Notifications = &NotificationsConfig{}
	}
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	if c.Policy.AutoBlockConfidence < 0 || c.Policy.AutoBlockConfidence > 1 {
		return errors.Errorf(errors.KindValidation,
			"policy.auto_block_confidence %v outside [0,1]", c.Policy.AutoBlockConfidence)
	}
	if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
		return errors.Wrapf(err, errors.KindValidation, "api.listen %q", c.API.Listen)
	}
	for _, ch := range c.Notifications.Channels {
		switch ch.Type {
		case "webhook":
			if ch.WebhookURL == "" {
				return errors.Errorf(errors.KindValidation,
					"notification channel %q has no webhook_url", ch.Name)
			}
		case "email":
			if ch.SMTPHost == "" || len(ch.To) == 0 {
				return errors.Errorf(errors.KindValidation,
					"notification channel %q needs smtp_host and recipients", ch.Name)
			}
		default:
			return errors.Errorf(errors.KindValidation,
				"notification channel %q has unknown type %q", ch.Name, ch.Type)
		}
	}
	return nil
}

// Snapshot materializes the runtime detection policy.
func (c *Config) Snapshot() Policy {
	return Policy{
		Window:              time.Duration(c.Policy.WindowSeconds) * time.Second,
		Threshold:           c.Policy.Threshold,
		BanDuration:         time.Duration(c.Policy.BanMinutes) * time.Minute,
		UseFirewall:         *c.Policy.UseFirewallEnforcement,
		AutoBlockConfidence: c.Policy.AutoBlockConfidence,
		Thresholds:          c.Policy.Table(),
	}
}

// Table builds the classifier policy table, defaults overridden by
// any configured values.
// Enforce reports whether firewall enforcement is enabled.
func (p *PolicyConfig) Enforce() bool {
	return p.UseFirewallEnforcement == nil || *p.UseFirewallEnforcement
}

func (p *PolicyConfig) Table() classify.Thresholds {
	t := classify.DefaultThresholds()
	o := p.Thresholds
	if o == nil {
		return t
	}
	override := func(dst *int, v int) {
		if v > 0 {
			*dst = v
		}
	}
	override(&t.TCPInternal.Critical, o.TCPInternalCritical)
	override(&t.TCPInternal.Medium, o.TCPInternalMedium)
	override(&t.TCPExternal.Critical, o.TCPExternalCritical)
	override(&t.TCPExternal.Medium, o.TCPExternalMedium)
	override(&t.UDPInternal.Critical, o.UDPInternalCritical)
	override(&t.UDPInternal.Medium, o.UDPInternalMedium)
	override(&t.UDPExternal.Critical, o.UDPExternalCritical)
	override(&t.UDPExternal.Medium, o.UDPExternalMedium)
	override(&t.ICMPInternal.Critical, o.ICMPInternalCritical)
	override(&t.ICMPInternal.Medium, o.ICMPInternalMedium)
	override(&t.ICMPExternal.Critical, o.ICMPExternalCritical)
	override(&t.ICMPExternal.Medium, o.ICMPExternalMedium)
	override(&t.DoS, o.DoS)
	override(&t.DDoS, o.DDoS)
	override(&t.PortScanMin, o.PortScanMin)
	override(&t.PortScanMax, o.PortScanMax)
	override(&t.SmallPacketBytes, o.SmallPacketBytes)
	override(&t.TCPMidRate, o.TCPMidRate)
	override(&t.PingFlood, o.PingFlood)
	override(&t.PingSweep, o.PingSweep)
	return t
}

// LoggerConfig maps the logging block onto logging.Config. The file
// output, when set, is opened by the caller.
func (c *Config) LoggerConfig() logging.Config {
	lc := logging.Config{
		Level: logging.ParseLevel(c.Logging.Level),
		JSON:  c.Logging.JSON,
	}
	if c.Logging.Syslog != nil {
		lc.Syslog = *c.Logging.Syslog
	}
	return lc
}
