package config

import (
	"fmt"
	"time"
)

// Config is the immutable runtime configuration shared by peerhostctl and
// peerhost-monitor. It is loaded once and passed by value.
type Config struct {
	Host        string
	StateDir    string
	Installer   InstallerConfig
	Application ApplicationConfig
	Provision   ProvisionConfig
	Monitor     MonitorConfig
	Alerts      AlertsConfig
	Database    DatabaseConfig
	Bus         BusConfig
}

type InstallerConfig struct {
	URL            string
	Destination    string
	SHA256         string
	ManifestPath   string
	Args           []string
	MaxAttempts    int
	RetryDelay     time.Duration
	AttemptTimeout time.Duration
}

type ApplicationConfig struct {
	Name            string
	Executable      string
	Args            []string
	Ports           PortRange
	FirewallRule    string
	MaxRestarts     int
	RestartInterval time.Duration
}

type ProvisionConfig struct {
	Features           []string
	SubsystemUpdate    bool
	MonitorExecutable  string
	MonitorServiceName string
}

type MonitorConfig struct {
	PollInterval    time.Duration
	LogPath         string
	AddressURL      string
	AddressTimeout  time.Duration
	RestoreBaseline bool
	MaxLogBytes     int64
	Listen          string
}

// DedupePolicy controls whether threshold alerts repeat every cycle.
type DedupePolicy string

const (
	// DedupeNone fires a threshold alert on every cycle the condition holds.
	DedupeNone DedupePolicy = "none"
	// DedupeTransition fires once when a condition starts holding and re-arms
	// after it clears.
	DedupeTransition DedupePolicy = "transition"
)

type AlertsConfig struct {
	Enabled         bool
	Dedupe          DedupePolicy
	CPUThresholdPct float64
	RAMThresholdMB  float64
	NATSSubject     string
	SMTP            SMTPConfig
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	// Timeout bounds one delivery: dial, greeting and the whole exchange.
	Timeout time.Duration
}

// Enabled reports whether enough SMTP settings are present to send mail.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.From != "" && len(c.To) > 0
}

type DatabaseConfig struct {
	DSN string
}

type BusConfig struct {
	URL string
}

// PortRange is an inclusive TCP port range.
type PortRange struct {
	First int
	Last  int
}

func (p PortRange) String() string {
	if p.First == p.Last {
		return fmt.Sprintf("%d", p.First)
	}
	return fmt.Sprintf("%d-%d", p.First, p.Last)
}
